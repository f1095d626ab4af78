package recorder

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/poweron-gmbh/touch-detect-sdk/pkg/kafka"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/resilience"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect"
)

// BatchPublisher is implemented by *kafka.Producer.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Publisher buffers samples and flushes them to kafka when the batch is
// full or the flush interval passes. Failed batches are requeued up to
// three batches deep; older samples beyond that are dropped.
type Publisher struct {
	producer      BatchPublisher
	breaker       *resilience.CircuitBreaker
	batchSize     int
	flushInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger

	mu      sync.Mutex
	buffer  []kafka.Event
	flushMu sync.Mutex
	dropped atomic.Int64
	done    chan struct{}
}

func NewPublisher(producer BatchPublisher, breaker *resilience.CircuitBreaker, batchSize int, flushInterval time.Duration) *Publisher {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Publisher{
		producer:      producer,
		breaker:       breaker,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		now:           time.Now,
		logger:        slog.Default().With("component", "sample-publisher"),
		buffer:        make([]kafka.Event, 0, batchSize),
		done:          make(chan struct{}),
	}
}

// Start launches the flush loop. A final flush runs when ctx ends.
func (p *Publisher) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.flush(ctx)
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				p.flush(flushCtx)
				cancel()
				return
			}
		}
	}()
	p.logger.Info("sample publisher started", "batch_size", p.batchSize, "flush_interval", p.flushInterval)
}

// Close waits for the flush loop started by Start.
func (p *Publisher) Close() {
	<-p.done
}

// Attach subscribes to NEW_DATA events of dev.
func (p *Publisher) Attach(dev *touchdetect.Device) touchdetect.HandlerID {
	return dev.Events().Add(func(ev touchdetect.Event) {
		if ev.Type == touchdetect.EventNewData {
			p.HandleEvent(ev)
		}
	})
}

func (p *Publisher) HandleEvent(ev touchdetect.Event) {
	samples := samplesFrom(ev, p.now().UTC())
	if len(samples) == 0 {
		p.logger.Debug("ignoring event payload", "type", ev.Type.String())
		return
	}
	for _, s := range samples {
		p.Track(s)
	}
}

// Track queues one sample keyed by its device address.
func (p *Publisher) Track(s Sample) {
	p.mu.Lock()
	p.buffer = append(p.buffer, kafka.Event{Key: s.Device, Value: s})
	full := len(p.buffer) >= p.batchSize
	p.mu.Unlock()
	if full {
		go p.flush(context.Background())
	}
}

func (p *Publisher) BufferLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Flush publishes whatever is buffered.
func (p *Publisher) Flush(ctx context.Context) error {
	return p.flush(ctx)
}

func (p *Publisher) flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return nil
	}
	batch := p.buffer
	p.buffer = make([]kafka.Event, 0, p.batchSize)
	p.mu.Unlock()

	publish := func() error { return p.producer.PublishBatch(ctx, batch) }
	var err error
	if p.breaker != nil {
		err = p.breaker.Execute(publish)
	} else {
		err = publish()
	}
	if err != nil {
		p.logger.Error("sample flush failed", "batch_size", len(batch), "error", err)
		p.requeue(batch)
		return err
	}
	p.logger.Debug("samples flushed", "count", len(batch))
	return nil
}

func (p *Publisher) requeue(batch []kafka.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer = append(batch, p.buffer...)
	if limit := p.batchSize * 3; len(p.buffer) > limit {
		dropped := len(p.buffer) - limit
		// keep the newest samples
		p.buffer = append([]kafka.Event(nil), p.buffer[dropped:]...)
		p.dropped.Add(int64(dropped))
		p.logger.Warn("buffer overflow, samples dropped", "dropped", dropped)
	}
}
