package serial

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/metrics"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect/hdlc"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect/port"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sensorPort answers every GET_DATA request with reply.
type sensorPort struct {
	mu       sync.Mutex
	reply    []byte
	pending  []byte
	writes   [][]byte
	writeErr error
	closed   bool
}

func (p *sensorPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *sensorPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.writes = append(p.writes, append([]byte(nil), b...))
	if bytes.Equal(b, getDataRequest) {
		p.pending = append(p.pending, p.reply...)
	}
	return len(b), nil
}

func (p *sensorPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *sensorPort) ResetInputBuffer() error { return nil }
func (p *sensorPort) SetDTR(bool) error       { return nil }
func (p *sensorPort) SetRTS(bool) error       { return nil }

func (p *sensorPort) count(frame []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.writes {
		if bytes.Equal(w, frame) {
			n++
		}
	}
	return n
}

func payload() []byte {
	data := make([]byte, 72)
	for i := 0; i < 36; i++ {
		data[2*i] = byte(i + 1)
	}
	return data
}

func newTestSdk(p *sensorPort, opts ...Option) *Sdk {
	opts = append([]Option{
		WithOpener(func(string, port.Mode) (port.Port, error) { return p, nil }),
		WithPollInterval(time.Millisecond),
		WithResponseTimeout(5 * time.Millisecond),
	}, opts...)
	return New(opts...)
}

func newDevice() *touchdetect.Device {
	return touchdetect.NewDevice("/dev/ttyACM0", "sensor", touchdetect.TypeSerial, touchdetect.DefaultSize)
}

func waitFor(t *testing.T, ch <-chan touchdetect.Event, want touchdetect.EventType) touchdetect.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", want)
		}
	}
}

func TestRequestFrames(t *testing.T) {
	assert.Equal(t, "7eff120197b77e", hex.EncodeToString(getDataRequest))
	assert.Equal(t, "7effa104447e", hex.EncodeToString(ackReply))
}

func TestSdk_PollsData(t *testing.T) {
	reply := append(hdlc.Encode(hdlc.Frame{Type: hdlc.FrameData, Data: payload()}),
		hdlc.Encode(hdlc.Frame{Type: hdlc.FrameACK, Seq: 2})...)
	p := &sensorPort{reply: reply}
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	s := newTestSdk(p, WithMetrics(m))
	defer s.Close()

	dev := newDevice()
	events := make(chan touchdetect.Event, 64)
	dev.Events().Add(func(e touchdetect.Event) {
		select {
		case events <- e:
		default:
		}
	})

	require.True(t, s.Connect(context.Background(), dev))
	assert.False(t, s.Connect(context.Background(), dev))

	ev := waitFor(t, events, touchdetect.EventNewData)
	taxels := ev.Data.(touchdetect.TaxelArray)
	assert.Equal(t, 1, taxels[0][0])
	assert.Equal(t, 36, taxels[5][5])

	require.Eventually(t, func() bool { return p.count(ackReply) >= 2 }, 2*time.Second, time.Millisecond,
		"every ack is answered and the next request follows")
	assert.GreaterOrEqual(t, p.count(getDataRequest), 2)

	got, ok := s.GetData(dev)
	require.True(t, ok)
	assert.Equal(t, taxels, got)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.SensorSamplesTotal.WithLabelValues("serial")), float64(1))

	require.True(t, s.Disconnect(dev))
	assert.False(t, s.Disconnect(dev))
	_, ok = s.GetData(dev)
	assert.False(t, ok)
	assert.Equal(t, touchdetect.StatusDisconnected, dev.Status())
}

func TestSdk_TimeoutDisconnects(t *testing.T) {
	p := &sensorPort{}
	s := newTestSdk(p)
	defer s.Close()
	dev := newDevice()
	events := make(chan touchdetect.Event, 16)
	dev.Events().Add(func(e touchdetect.Event) { events <- e })

	require.True(t, s.Connect(context.Background(), dev))
	ev := waitFor(t, events, touchdetect.EventConnectionError)
	assert.ErrorIs(t, ev.Err, apperrors.ErrTimeout)
	waitFor(t, events, touchdetect.EventDisconnected)

	assert.Equal(t, touchdetect.StatusConnectionLost, dev.Status())
	assert.Equal(t, DefaultMaxTimeouts, p.count(getDataRequest))
	assert.True(t, p.closed)
}

func TestSdk_WriteErrorDisconnects(t *testing.T) {
	p := &sensorPort{writeErr: errors.New("i/o error")}
	s := newTestSdk(p)
	defer s.Close()
	dev := newDevice()
	events := make(chan touchdetect.Event, 16)
	dev.Events().Add(func(e touchdetect.Event) { events <- e })

	require.True(t, s.Connect(context.Background(), dev))
	waitFor(t, events, touchdetect.EventConnectionError)
	assert.Equal(t, touchdetect.StatusConnectionLost, dev.Status())
}

func TestSdk_IgnoresOtherFrames(t *testing.T) {
	short := hdlc.Encode(hdlc.Frame{Type: hdlc.FrameData, Data: []byte{1, 2, 3}})
	other := hdlc.Encode(hdlc.Frame{Address: 0x01, Type: hdlc.FrameData, Data: payload()})
	p := &sensorPort{reply: append(short, other...)}
	s := newTestSdk(p, WithResponseTimeout(time.Hour))
	defer s.Close()
	dev := newDevice()
	var newData bool
	dev.Events().Add(func(e touchdetect.Event) {
		if e.Type == touchdetect.EventNewData {
			newData = true
		}
	})

	require.True(t, s.Connect(context.Background(), dev))
	time.Sleep(20 * time.Millisecond)
	require.True(t, s.Disconnect(dev))
	assert.False(t, newData)
	assert.Equal(t, 1, p.count(getDataRequest))
}

func TestSdk_OpenFails(t *testing.T) {
	s := New(WithOpener(func(string, port.Mode) (port.Port, error) { return nil, errors.New("busy") }))
	dev := newDevice()
	var failed bool
	dev.Events().Add(func(e touchdetect.Event) { failed = e.Type == touchdetect.EventErrorOpeningPort })
	assert.False(t, s.Connect(context.Background(), dev))
	assert.True(t, failed)
}
