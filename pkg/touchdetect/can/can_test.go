package can

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/metrics"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect/port"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var packageHex = []string{
	"ff0053000080160001806200550004806f80238047fe",
	"ff005300018017802c803000550005806f80238047fe",
	"ff005300028032805c807300450004806f80238047fe",
	"ff00530003801b803b803900550005806f80238047fe",
	"ff00530004802f8072806900450004806f80238047fe",
	"ff005300058024803c803e00550005806f80238047fe",
	"ff00530006802d805e807900450004806f80238047fe",
	"ff005300078025802d804c00550005806f80238047fe",
	"ff005300088025000c807800550004806f80238047fe",
	"ff00530009802d8031803d00550005806f80238047fe",
	"ff0053000a802c8078000200450005806f80238047fe",
	"ff0053000b8031804f804100550005806f80238047fe",
}

var packageTaxels = touchdetect.TaxelArray{
	{0x596, 0x501, 0x4e2, 0x597, 0x5ac, 0x5b0},
	{0x5b2, 0x4dc, 0x4f3, 0x59b, 0x5bb, 0x5b9},
	{0x5af, 0x4f2, 0x4e9, 0x5a4, 0x5bc, 0x5be},
	{0x5ad, 0x4de, 0x4f9, 0x5a5, 0x5ad, 0x5cc},
	{0x5a5, 0x50c, 0x4f8, 0x5ad, 0x5b1, 0x5bd},
	{0x5ac, 0x4f8, 0x502, 0x5b1, 0x5cf, 0x5c1},
}

func frames(t *testing.T) [][]byte {
	t.Helper()
	out := make([][]byte, len(packageHex))
	for i, h := range packageHex {
		b, err := hex.DecodeString(h)
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, byte(0xED), MakeByte(0x80, 0x6D))
	assert.Equal(t, byte(0x6D), MakeByte(0x00, 0xED))
	assert.Equal(t, 0x596, MakeShort(0x05, 0x96))

	f := frames(t)
	assert.Equal(t, DeviceID, FrameID(f[0]))
	assert.Equal(t, DeviceID+1, FrameID(f[1]))
	assert.Equal(t, DeviceID+11, FrameID(f[11]))
	assert.True(t, IsStart(f[0]))
	assert.False(t, IsStart(f[1]))

	bad := append([]byte(nil), f[0]...)
	bad[FrameSize-1] = 0x00
	assert.False(t, CheckFrame(bad))
	assert.False(t, CheckFrame(f[0][:FrameSize-1]))
}

func TestDecodePackage(t *testing.T) {
	got, err := DecodePackage(frames(t))
	require.NoError(t, err)
	if diff := cmp.Diff(packageTaxels, got); diff != "" {
		t.Errorf("taxels mismatch (-want +got):\n%s", diff)
	}

	_, err = DecodePackage(frames(t)[:11])
	assert.Error(t, err)
}

var errUnplugged = errors.New("device unplugged")

type fakePort struct {
	mu       sync.Mutex
	data     []byte
	readErr  error
	closed   bool
	dtr, rts bool
	resets   int
}

func (p *fakePort) feed(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data = append(p.data, b...)
}

func (p *fakePort) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("port closed")
	}
	if p.readErr != nil {
		p.mu.Unlock()
		return 0, p.readErr
	}
	if len(p.data) == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(b, p.data)
	p.data = p.data[n:]
	p.mu.Unlock()
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) { return len(b), nil }

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	return nil
}

func (p *fakePort) SetDTR(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dtr = v
	return nil
}

func (p *fakePort) SetRTS(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rts = v
	return nil
}

func newTestSdk(p *fakePort, m *metrics.Metrics) *Sdk {
	return New(
		WithOpener(func(string, port.Mode) (port.Port, error) { return p, nil }),
		WithLister(func() ([]port.Details, error) {
			return []port.Details{{Name: "/dev/ttyUSB0", VID: "0403", SerialNumber: "FT12345"}}, nil
		}),
		WithMetrics(m),
	)
}

func waitEvent(t *testing.T, ch <-chan touchdetect.Event) touchdetect.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return touchdetect.Event{}
	}
}

func TestSdk_ReadsPackages(t *testing.T) {
	p := &fakePort{}
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	s := newTestSdk(p, m)

	devices, err := s.FindDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	dev := devices[0]
	assert.Equal(t, "/dev/ttyUSB0", dev.Address())
	assert.Equal(t, "FT12345", dev.Name())

	events := make(chan touchdetect.Event, 8)
	dev.Events().Add(func(e touchdetect.Event) { events <- e })

	_, ok := s.GetData(dev)
	assert.False(t, ok)

	require.True(t, s.Connect(context.Background(), dev))
	assert.Equal(t, touchdetect.EventConnected, waitEvent(t, events).Type)
	assert.False(t, s.Connect(context.Background(), dev))
	assert.Equal(t, 1, p.resets)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectedDevices.WithLabelValues("can")))

	f := frames(t)
	p.feed(f[5])                    // tail of an earlier package
	p.feed(make([]byte, FrameSize)) // line noise
	for _, fr := range f {
		p.feed(fr)
	}

	ev := waitEvent(t, events)
	require.Equal(t, touchdetect.EventNewData, ev.Type)
	if diff := cmp.Diff(packageTaxels, ev.Data.(touchdetect.TaxelArray)); diff != "" {
		t.Errorf("taxels mismatch (-want +got):\n%s", diff)
	}
	got, ok := s.GetData(dev)
	require.True(t, ok)
	assert.Equal(t, packageTaxels, got)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SensorFrameErrorsTotal.WithLabelValues("can")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SensorSamplesTotal.WithLabelValues("can")))

	require.True(t, s.Disconnect(dev))
	assert.Equal(t, touchdetect.EventDisconnected, waitEvent(t, events).Type)
	assert.True(t, p.closed)
	assert.True(t, p.dtr)
	assert.True(t, p.rts)
	assert.Equal(t, touchdetect.StatusDisconnected, dev.Status())
	assert.False(t, s.Disconnect(dev))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ConnectedDevices.WithLabelValues("can")))
}

func TestSdk_ConnectionLost(t *testing.T) {
	p := &fakePort{}
	s := newTestSdk(p, nil)
	dev := touchdetect.NewDevice("/dev/ttyUSB0", "", touchdetect.TypeCAN, touchdetect.DefaultSize)

	events := make(chan touchdetect.Event, 8)
	dev.Events().Add(func(e touchdetect.Event) { events <- e })
	require.True(t, s.Connect(context.Background(), dev))
	waitEvent(t, events)

	p.fail(errUnplugged)
	ev := waitEvent(t, events)
	assert.Equal(t, touchdetect.EventConnectionError, ev.Type)
	assert.ErrorIs(t, ev.Err, errUnplugged)
	assert.Equal(t, touchdetect.EventDisconnected, waitEvent(t, events).Type)
	assert.Equal(t, touchdetect.StatusConnectionLost, dev.Status())
	_, ok := s.GetData(dev)
	assert.False(t, ok)
	assert.False(t, s.Disconnect(dev))
}

func TestSdk_OpenFails(t *testing.T) {
	s := New(WithOpener(func(string, port.Mode) (port.Port, error) { return nil, errors.New("busy") }))
	dev := touchdetect.NewDevice("/dev/ttyUSB0", "", touchdetect.TypeCAN, touchdetect.DefaultSize)
	var failed bool
	dev.Events().Add(func(e touchdetect.Event) { failed = e.Type == touchdetect.EventErrorOpeningPort })

	assert.False(t, s.Connect(context.Background(), dev))
	assert.True(t, failed)
	assert.False(t, s.Connect(context.Background(), touchdetect.NewDevice("x", "", touchdetect.TypeBLE, touchdetect.Size{})))
}
