package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/poweron-gmbh/touch-detect-sdk/pkg/kafka"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/resilience"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	mu      sync.Mutex
	batches [][]kafka.Event
	err     error
}

func (f *fakeProducer) PublishBatch(_ context.Context, events []kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, append([]kafka.Event(nil), events...))
	return nil
}

func (f *fakeProducer) published() []kafka.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []kafka.Event
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func grid(v int) touchdetect.TaxelArray {
	a := touchdetect.NewTaxelArray(touchdetect.DefaultSize)
	a[0][0] = v
	return a
}

func TestPublisher_FromEvents(t *testing.T) {
	prod := &fakeProducer{}
	p := NewPublisher(prod, nil, 100, time.Hour)
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return at }

	can := touchdetect.NewDevice("/dev/ttyUSB0", "FT1", touchdetect.TypeCAN, touchdetect.DefaultSize)
	wsg := touchdetect.NewDevice("10.0.0.5", "wsg50", touchdetect.TypeTCP, touchdetect.DefaultSize)
	bt := touchdetect.NewDevice("AA:BB", "PWRON1", touchdetect.TypeBLE, touchdetect.DefaultSize)
	p.Attach(can)
	p.Attach(wsg)
	p.Attach(bt)

	can.Fire(touchdetect.EventNewData, grid(7), nil)
	can.Fire(touchdetect.EventConnected, nil, nil)
	wsg.Fire(touchdetect.EventNewData, [2]touchdetect.TaxelArray{grid(1), grid(2)}, nil)
	bt.Fire(touchdetect.EventNewData, ble.Sample{Values: make([]int, 36)}, nil)
	bt.Fire(touchdetect.EventNewData, ble.Sample{Values: []int{1, 2}}, nil)
	assert.Equal(t, 4, p.BufferLen())

	require.NoError(t, p.Flush(context.Background()))
	events := prod.published()
	require.Len(t, events, 4)

	first := events[0].Value.(Sample)
	assert.Equal(t, "/dev/ttyUSB0", events[0].Key)
	assert.Equal(t, Sample{Device: "/dev/ttyUSB0", Name: "FT1", Transport: "can", Timestamp: at, Taxels: grid(7)}, first)
	assert.Equal(t, "left", events[1].Value.(Sample).Finger)
	assert.Equal(t, 2, events[2].Value.(Sample).Taxels[0][0])
	assert.Equal(t, "ble", events[3].Value.(Sample).Transport)
	assert.Zero(t, p.BufferLen())
}

func TestPublisher_FlushesFullBatch(t *testing.T) {
	prod := &fakeProducer{}
	p := NewPublisher(prod, nil, 2, time.Hour)
	p.Track(Sample{Device: "a"})
	p.Track(Sample{Device: "b"})
	require.Eventually(t, func() bool { return len(prod.published()) == 2 }, time.Second, time.Millisecond)
}

func TestPublisher_RequeuesAndCaps(t *testing.T) {
	prod := &fakeProducer{err: errors.New("broker down")}
	breaker := resilience.NewCircuitBreaker("kafka", resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	p := NewPublisher(prod, breaker, 2, time.Hour)

	p.mu.Lock()
	for i := 0; i < 5; i++ {
		p.buffer = append(p.buffer, kafka.Event{Key: string(rune('a' + i))})
	}
	p.mu.Unlock()

	require.Error(t, p.Flush(context.Background()))
	assert.Equal(t, resilience.StateOpen, breaker.State())
	assert.Equal(t, 5, p.BufferLen())

	p.mu.Lock()
	p.buffer = append(p.buffer, kafka.Event{Key: "f"}, kafka.Event{Key: "g"})
	p.mu.Unlock()
	err := p.Flush(context.Background())
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 6, p.BufferLen())
	assert.Equal(t, int64(1), p.Dropped())

	p.mu.Lock()
	assert.Equal(t, "b", p.buffer[0].Key, "the oldest sample is dropped")
	p.mu.Unlock()
}

func TestPublisher_FinalFlushOnCancel(t *testing.T) {
	prod := &fakeProducer{}
	p := NewPublisher(prod, nil, 100, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	p.Track(Sample{Device: "a"})
	cancel()
	p.Close()
	assert.Len(t, prod.published(), 1)
}

type fakeDB struct {
	query string
	args  []any
	err   error
}

func (f *fakeDB) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.query, f.args = query, args
	return nil, f.err
}

func (f *fakeDB) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("not implemented")
}

func TestSink_HandleMessage(t *testing.T) {
	db := &fakeDB{}
	s := NewSink(db)
	handle := s.HandleMessage()
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	value, err := json.Marshal(Sample{Device: "AA:BB", Transport: "ble", Timestamp: at, Taxels: grid(3)})
	require.NoError(t, err)
	require.NoError(t, handle(context.Background(), []byte("AA:BB"), value))
	assert.Contains(t, db.query, "INSERT INTO taxel_samples")
	require.Len(t, db.args, 6)
	assert.Equal(t, "AA:BB", db.args[0])
	assert.JSONEq(t, `[[3,0,0,0,0,0],[0,0,0,0,0,0],[0,0,0,0,0,0],[0,0,0,0,0,0],[0,0,0,0,0,0],[0,0,0,0,0,0]]`, string(db.args[4].([]byte)))
	assert.Equal(t, at, db.args[5])

	db.query = ""
	require.NoError(t, handle(context.Background(), nil, []byte("{not json")))
	require.NoError(t, handle(context.Background(), nil, []byte(`{"transport":"can"}`)))
	assert.Empty(t, db.query)

	db.err = errors.New("connection refused")
	assert.Error(t, handle(context.Background(), nil, value))
}
