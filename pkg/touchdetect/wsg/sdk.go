package wsg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/metrics"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect"
)

const (
	DefaultPort         = 1000
	DefaultPollInterval = 10 * time.Millisecond
	DefaultIOTimeout    = time.Second

	transportLabel = "wsg"
)

type session struct {
	timer touchdetect.PeriodicTimer

	mu          sync.Mutex // guards the fields below
	conn        net.Conn
	closed      bool
	left, right touchdetect.TaxelArray
	ready       bool
}

func (sess *session) current() net.Conn {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.conn
}

// close marks the session closed so that no later redial replaces conn.
func (sess *session) close() error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.closed = true
	return sess.conn.Close()
}

type Sdk struct {
	port         int
	pollInterval time.Duration
	ioTimeout    time.Duration
	dialer       *net.Dialer
	metrics      *metrics.Metrics
	logger       *slog.Logger

	mu       sync.Mutex
	sessions map[*touchdetect.Device]*session
}

type Option func(*Sdk)

// WithPort sets the TCP port used for addresses that carry none.
func WithPort(port int) Option { return func(s *Sdk) { s.port = port } }

func WithPollInterval(d time.Duration) Option { return func(s *Sdk) { s.pollInterval = d } }

// WithIOTimeout bounds each request and response exchange.
func WithIOTimeout(d time.Duration) Option { return func(s *Sdk) { s.ioTimeout = d } }

func WithDialTimeout(d time.Duration) Option { return func(s *Sdk) { s.dialer.Timeout = d } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Sdk) { s.metrics = m } }

func New(opts ...Option) *Sdk {
	s := &Sdk{
		port:         DefaultPort,
		pollInterval: DefaultPollInterval,
		ioTimeout:    DefaultIOTimeout,
		dialer:       &net.Dialer{Timeout: 5 * time.Second},
		logger:       slog.Default().With("component", "wsg-sdk"),
		sessions:     make(map[*touchdetect.Device]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewDevice describes a gripper at host or host:port.
func NewDevice(address, name string) *touchdetect.Device {
	return touchdetect.NewDevice(address, name, touchdetect.TypeTCP, touchdetect.DefaultSize)
}

func (s *Sdk) target(dev *touchdetect.Device) string {
	addr := dev.Address()
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, fmt.Sprint(s.port))
}

func (s *Sdk) Connect(ctx context.Context, dev *touchdetect.Device) bool {
	if dev.Type() != touchdetect.TypeTCP {
		s.logger.Error("not a wsg device", "device", dev.String())
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[dev]; ok {
		s.logger.Info("already connected", "device", dev.String())
		return false
	}

	conn, err := s.dialer.DialContext(ctx, "tcp", s.target(dev))
	if err != nil {
		s.logger.Error("could not connect to gripper", "address", s.target(dev), "error", err)
		dev.Fire(touchdetect.EventErrorOpeningPort, nil, err)
		return false
	}
	sess := &session{conn: conn}
	s.sessions[dev] = sess
	s.gauge(1)
	dev.SetStatus(touchdetect.StatusConnected)
	dev.SetAcquisitionRunning(true)
	if err := sess.timer.Start(context.WithoutCancel(ctx), s.pollInterval, func() { s.poll(dev, sess) }); err != nil {
		s.logger.Error("starting poll loop failed", "error", err)
	}
	s.logger.Info("connected", "device", dev.String())
	dev.Fire(touchdetect.EventConnected, nil, nil)
	return true
}

// Disconnect stops polling and closes the connection. It must not be called
// from an event handler of dev.
func (s *Sdk) Disconnect(dev *touchdetect.Device) bool {
	sess := s.detach(dev)
	if sess == nil {
		return false
	}
	err := sess.close()
	sess.timer.Stop()
	dev.SetAcquisitionRunning(false)
	if err != nil {
		s.logger.Error("could not close connection", "device", dev.String(), "error", err)
		dev.SetStatus(touchdetect.StatusConnectionLost)
		dev.Fire(touchdetect.EventErrorClosingPort, nil, err)
		return false
	}
	dev.SetStatus(touchdetect.StatusDisconnected)
	s.logger.Info("disconnected", "device", dev.String())
	dev.Fire(touchdetect.EventDisconnected, nil, nil)
	return true
}

func (s *Sdk) Close() {
	s.mu.Lock()
	devices := make([]*touchdetect.Device, 0, len(s.sessions))
	for dev := range s.sessions {
		devices = append(devices, dev)
	}
	s.mu.Unlock()
	for _, dev := range devices {
		s.Disconnect(dev)
	}
}

// GetData returns the latest left and right taxel arrays. ok is false until
// both fingers have been read once.
func (s *Sdk) GetData(dev *touchdetect.Device) (left, right touchdetect.TaxelArray, ok bool) {
	s.mu.Lock()
	sess := s.sessions[dev]
	s.mu.Unlock()
	if sess == nil {
		return nil, nil, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.ready {
		return nil, nil, false
	}
	return sess.left.Clone(), sess.right.Clone(), true
}

func (s *Sdk) detach(dev *touchdetect.Device) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[dev]
	if !ok {
		return nil
	}
	delete(s.sessions, dev)
	s.gauge(-1)
	return sess
}

func (s *Sdk) poll(dev *touchdetect.Device, sess *session) {
	conn := sess.current()
	left, err := s.read(conn, dev.Size(), CommandReadLeft)
	if err == nil {
		var right touchdetect.TaxelArray
		right, err = s.read(conn, dev.Size(), CommandReadRight)
		if err == nil {
			if err := dev.SetTaxels(left); err != nil {
				s.frameError()
				s.logger.Debug("skipping response", "device", dev.String(), "error", err)
				return
			}
			sess.mu.Lock()
			sess.left, sess.right, sess.ready = left, right, true
			sess.mu.Unlock()
			if s.metrics != nil {
				s.metrics.SensorSamplesTotal.WithLabelValues(transportLabel).Inc()
			}
			dev.Fire(touchdetect.EventNewData, [2]touchdetect.TaxelArray{left, right}, nil)
			return
		}
	}

	// A whole frame with a bad checksum or size leaves the stream aligned.
	if errors.Is(err, apperrors.ErrChecksum) || errors.Is(err, apperrors.ErrShapeMismatch) {
		s.frameError()
		s.logger.Debug("skipping response", "device", dev.String(), "error", err)
		return
	}
	// After a timeout or a garbled header the next bytes on the wire may
	// belong to an older command, so the stream is replaced.
	var netErr net.Error
	if errors.Is(err, apperrors.ErrInvalidFrame) || (errors.As(err, &netErr) && netErr.Timeout()) {
		s.frameError()
		s.logger.Warn("gripper out of sync, reconnecting", "device", dev.String(), "error", err)
		if rerr := s.redial(dev, sess); rerr != nil {
			s.lost(dev, fmt.Errorf("%w (reconnect: %w)", err, rerr))
		}
		return
	}
	s.lost(dev, err)
}

// redial swaps the session's connection for a fresh one.
func (s *Sdk) redial(dev *touchdetect.Device, sess *session) error {
	conn, err := s.dialer.Dial("tcp", s.target(dev))
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return conn.Close()
	}
	old := sess.conn
	sess.conn = conn
	_ = old.Close()
	return nil
}

// read sends cmd and decodes the answer.
func (s *Sdk) read(conn net.Conn, size touchdetect.Size, cmd byte) (touchdetect.TaxelArray, error) {
	if err := conn.SetDeadline(time.Now().Add(s.ioTimeout)); err != nil {
		return nil, err
	}
	if _, err := conn.Write(MakeFrame([]byte{cmd})); err != nil {
		return nil, fmt.Errorf("sending command %02x: %w", cmd, err)
	}
	frame, err := ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("reading answer to %02x: %w", cmd, err)
	}
	payload, err := DecodeFrame(frame)
	if err != nil {
		return nil, err
	}
	taxels, err := touchdetect.ToTaxelArray(size, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrShapeMismatch, err)
	}
	return taxels, nil
}

// lost runs on the poll goroutine, so it closes the connection without
// waiting for the loop.
func (s *Sdk) lost(dev *touchdetect.Device, err error) {
	sess := s.detach(dev)
	if sess == nil {
		return
	}
	_ = sess.close()
	go sess.timer.Stop()
	dev.SetAcquisitionRunning(false)
	dev.SetStatus(touchdetect.StatusConnectionLost)
	s.logger.Error("error getting data from gripper, disconnecting", "device", dev.String(), "error", err)
	dev.Fire(touchdetect.EventConnectionError, nil, err)
	dev.Fire(touchdetect.EventDisconnected, nil, nil)
}

func (s *Sdk) frameError() {
	if s.metrics != nil {
		s.metrics.SensorFrameErrorsTotal.WithLabelValues(transportLabel).Inc()
	}
}

func (s *Sdk) gauge(delta float64) {
	if s.metrics != nil {
		s.metrics.ConnectedDevices.WithLabelValues(transportLabel).Add(delta)
	}
}
