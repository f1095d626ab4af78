package analytics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/poweron-gmbh/touch-detect-sdk/pkg/kafka"
)

// Publisher is the slice of kafka.Producer the collector needs.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Collector decouples request handling from kafka: Track never blocks and
// drops events once the buffer is full.
type Collector struct {
	producer Publisher
	eventCh  chan QueryEvent
	logger   *slog.Logger
	done     chan struct{}
	once     sync.Once
	dropped  atomic.Int64
}

func NewCollector(producer Publisher, bufferSize int) *Collector {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Collector{
		producer: producer,
		eventCh:  make(chan QueryEvent, bufferSize),
		logger:   slog.Default().With("component", "analytics-collector"),
		done:     make(chan struct{}),
	}
}

// Start publishes tracked events in the background until ctx is cancelled
// or Close is called. Whatever is still buffered at that point is flushed.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		for {
			select {
			case event, ok := <-c.eventCh:
				if !ok {
					return
				}
				c.publish(ctx, event)
			case <-ctx.Done():
				c.drainRemaining()
				return
			}
		}
	}()
	c.logger.Info("analytics collector started", "buffer_size", cap(c.eventCh))
}

func (c *Collector) Track(event QueryEvent) {
	select {
	case c.eventCh <- event:
	default:
		c.dropped.Add(1)
		c.logger.Warn("analytics event dropped (buffer full)", "query", event.Query)
	}
}

// Dropped returns how many events Track discarded.
func (c *Collector) Dropped() int64 {
	return c.dropped.Load()
}

// Close stops accepting events and waits for the publish loop. Track must
// not be called after Close.
func (c *Collector) Close() {
	c.once.Do(func() { close(c.eventCh) })
	<-c.done
}

func (c *Collector) publish(ctx context.Context, event QueryEvent) {
	err := c.producer.Publish(ctx, kafka.Event{
		Key:     event.Query,
		Value:   event,
		Headers: map[string]string{"request_id": event.RequestID},
	})
	if err != nil {
		c.logger.Error("failed to publish query event", "query", event.Query, "error", err)
	}
}

func (c *Collector) drainRemaining() {
	for {
		select {
		case event, ok := <-c.eventCh:
			if !ok {
				return
			}
			c.publish(context.Background(), event)
		default:
			return
		}
	}
}
