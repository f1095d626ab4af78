package wsg

import (
	"context"
	"encoding/hex"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/metrics"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeFrame(t *testing.T) {
	assert.Equal(t, "aaaaaabb0400746573742edd", hex.EncodeToString(MakeFrame([]byte("test"))))
	assert.Equal(t, "aaaaaabb0800476f6e7a616c6f216a74", hex.EncodeToString(MakeFrame([]byte("Gonzalo!"))))
}

func TestDecodeFrame(t *testing.T) {
	payload, err := DecodeFrame(MakeFrame([]byte("Gonzalo!")))
	require.NoError(t, err)
	assert.Equal(t, []byte("Gonzalo!"), payload)

	good := MakeFrame([]byte("test"))
	tests := []struct {
		name   string
		frame  func() []byte
		target error
	}{
		{"too short", func() []byte { return good[:8] }, apperrors.ErrInvalidFrame},
		{"bad transaction id", func() []byte { f := clone(good); f[0] = 0xAB; return f }, apperrors.ErrInvalidFrame},
		{"bad protocol id", func() []byte { f := clone(good); f[3] = 0xAA; return f }, apperrors.ErrInvalidFrame},
		{"overrun", func() []byte { f := clone(good); f[4] = 0x20; return f }, apperrors.ErrInvalidFrame},
		{"bad crc", func() []byte { f := clone(good); f[len(f)-1] ^= 0xFF; return f }, apperrors.ErrChecksum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame(tt.frame())
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func clone(b []byte) []byte { return append([]byte(nil), b...) }

func finger(base int) []byte {
	data := make([]byte, 72)
	for i := 0; i < 36; i++ {
		data[2*i] = byte(base + i)
	}
	return data
}

// gripper serves the Lua script's protocol on a loopback listener.
type gripper struct {
	ln    net.Listener
	mu    sync.Mutex
	conns []net.Conn

	corrupt    bool
	short      bool
	delayFirst time.Duration
}

func (g *gripper) set(fn func(g *gripper)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

func (g *gripper) accepted() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func startGripper(t *testing.T) *gripper {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	g := &gripper{ln: ln}
	go g.serve()
	t.Cleanup(func() { g.stop() })
	return g
}

func (g *gripper) serve() {
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conns = append(g.conns, conn)
		g.mu.Unlock()
		go g.handle(conn)
	}
}

func (g *gripper) handle(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			return
		}
		cmd, err := DecodeFrame(frame)
		if err != nil || len(cmd) != 1 {
			return
		}
		data := finger(int(cmd[0]) * 100)
		g.mu.Lock()
		if g.short {
			data = data[:32]
		}
		answer := MakeFrame(data)
		if g.corrupt {
			answer[len(answer)-1] ^= 0xFF
		}
		delay := g.delayFirst
		g.delayFirst = 0
		g.mu.Unlock()
		time.Sleep(delay)
		if _, err := conn.Write(answer); err != nil {
			return
		}
	}
}

func (g *gripper) dropClients() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		c.Close()
	}
}

func (g *gripper) stop() {
	g.ln.Close()
	g.dropClients()
}

func (g *gripper) port(t *testing.T) int {
	_, p, err := net.SplitHostPort(g.ln.Addr().String())
	require.NoError(t, err)
	n, err := strconv.Atoi(p)
	require.NoError(t, err)
	return n
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

func collect(dev *touchdetect.Device) <-chan touchdetect.Event {
	events := make(chan touchdetect.Event, 64)
	dev.Events().Add(func(e touchdetect.Event) {
		select {
		case events <- e:
		default:
		}
	})
	return events
}

func TestSdk_ReadsBothFingers(t *testing.T) {
	g := startGripper(t)
	s := New(WithPort(g.port(t)), WithPollInterval(time.Millisecond))
	defer s.Close()

	dev := NewDevice("127.0.0.1", "wsg50")
	events := collect(dev)
	require.True(t, s.Connect(context.Background(), dev))
	assert.False(t, s.Connect(context.Background(), dev))

	ev := waitFor(t, events, touchdetect.EventNewData)
	pair := ev.Data.([2]touchdetect.TaxelArray)
	assert.Equal(t, 100, pair[0][0][0])
	assert.Equal(t, 235, pair[1][5][5])

	left, right, ok := s.GetData(dev)
	require.True(t, ok)
	assert.Equal(t, 100, left[0][0])
	assert.Equal(t, 200, right[0][0])

	require.True(t, s.Disconnect(dev))
	assert.False(t, s.Disconnect(dev))
	assert.Equal(t, touchdetect.StatusDisconnected, dev.Status())
	_, _, ok = s.GetData(dev)
	assert.False(t, ok)
}

func TestSdk_ChecksumErrorsAreSkipped(t *testing.T) {
	g := startGripper(t)
	g.set(func(g *gripper) { g.corrupt = true })
	s := New(WithPort(g.port(t)), WithPollInterval(time.Millisecond))
	defer s.Close()

	dev := NewDevice(net.JoinHostPort("127.0.0.1", strconv.Itoa(g.port(t))), "")
	require.True(t, s.Connect(context.Background(), dev))
	time.Sleep(20 * time.Millisecond)
	_, _, ok := s.GetData(dev)
	assert.False(t, ok)
	assert.Equal(t, touchdetect.StatusConnected, dev.Status())
}

func TestSdk_ConnectionLost(t *testing.T) {
	g := startGripper(t)
	s := New(WithPort(g.port(t)), WithPollInterval(time.Millisecond))
	defer s.Close()

	dev := NewDevice("127.0.0.1", "wsg50")
	events := collect(dev)
	require.True(t, s.Connect(context.Background(), dev))
	waitFor(t, events, touchdetect.EventNewData)

	g.stop()
	waitFor(t, events, touchdetect.EventConnectionError)
	waitFor(t, events, touchdetect.EventDisconnected)
	assert.Equal(t, touchdetect.StatusConnectionLost, dev.Status())
	assert.False(t, s.Disconnect(dev))
}

func TestSdk_TimeoutReconnects(t *testing.T) {
	g := startGripper(t)
	g.set(func(g *gripper) { g.delayFirst = 80 * time.Millisecond })
	s := New(WithPort(g.port(t)), WithPollInterval(time.Millisecond), WithIOTimeout(50*time.Millisecond))
	defer s.Close()

	dev := NewDevice("127.0.0.1", "wsg50")
	events := collect(dev)
	require.True(t, s.Connect(context.Background(), dev))

	for i := 0; i < 5; i++ {
		pair := waitFor(t, events, touchdetect.EventNewData).Data.([2]touchdetect.TaxelArray)
		assert.Equal(t, 100, pair[0][0][0], "left finger")
		assert.Equal(t, 200, pair[1][0][0], "right finger")
	}
	left, right, ok := s.GetData(dev)
	require.True(t, ok)
	assert.Equal(t, 100, left[0][0])
	assert.Equal(t, 200, right[0][0])
	assert.Equal(t, touchdetect.StatusConnected, dev.Status())
	assert.GreaterOrEqual(t, g.accepted(), 2)
}

func TestSdk_WrongSizeIsSkipped(t *testing.T) {
	g := startGripper(t)
	g.set(func(g *gripper) { g.short = true })
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	s := New(WithPort(g.port(t)), WithPollInterval(time.Millisecond), WithMetrics(m))
	defer s.Close()

	dev := NewDevice("127.0.0.1", "wsg50")
	require.True(t, s.Connect(context.Background(), dev))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.SensorFrameErrorsTotal.WithLabelValues("wsg")) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	_, _, ok := s.GetData(dev)
	assert.False(t, ok)
	assert.Equal(t, touchdetect.StatusConnected, dev.Status())
	assert.Equal(t, 1, g.accepted())
}

func TestSdk_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s := New()
	dev := NewDevice(addr, "")
	events := collect(dev)
	assert.False(t, s.Connect(context.Background(), dev))
	waitFor(t, events, touchdetect.EventErrorOpeningPort)
}
