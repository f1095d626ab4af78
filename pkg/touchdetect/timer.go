package touchdetect

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrTimerRunning = errors.New("periodic timer already running")

// PeriodicTimer drives the polling loops of the transports.
type PeriodicTimer struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Start calls fn right away and then once per period until Stop is called or
// ctx ends. fn runs on the timer goroutine; a slow fn delays the next tick.
func (t *PeriodicTimer) Start(ctx context.Context, period time.Duration, fn func()) error {
	if period <= 0 {
		return errors.New("periodic timer needs a positive period")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		select {
		case <-t.done:
		default:
			return ErrTimerRunning
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel, t.done = cancel, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			fn()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

// Stop ends the loop and waits for a running fn to return. It must not be
// called from inside fn.
func (t *PeriodicTimer) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *PeriodicTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}
