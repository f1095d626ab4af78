// Package serial polls TouchDetect sensors that speak HDLC over a plain USB
// serial line. Each poll sends a GET_DATA request and collects the DATA and
// ACK frames the sensor answers with.
package serial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/metrics"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect/hdlc"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect/port"
)

const (
	BaudRate    = 115200
	ReadTimeout = 50 * time.Millisecond

	DefaultPollInterval    = 40 * time.Millisecond
	DefaultResponseTimeout = 800 * time.Millisecond
	DefaultMaxTimeouts     = 3

	commandGetData byte = 0x01
	requestSeq          = 1
	ackSeq              = 5

	transportLabel = "serial"
)

type state int

const (
	stateIdle state = iota
	stateRequestSent
)

type session struct {
	port     port.Port
	state    state
	buf      []byte
	waited   time.Duration
	timeouts int
}

// Sdk polls every connected device from one goroutine.
type Sdk struct {
	open            port.Opener
	mode            port.Mode
	list            port.Lister
	pollInterval    time.Duration
	responseTimeout time.Duration
	maxTimeouts     int
	metrics         *metrics.Metrics
	logger          *slog.Logger

	timer   touchdetect.PeriodicTimer
	scratch []byte

	mu       sync.Mutex
	sessions map[*touchdetect.Device]*session
}

type Option func(*Sdk)

func WithOpener(o port.Opener) Option { return func(s *Sdk) { s.open = o } }

func WithLister(l port.Lister) Option { return func(s *Sdk) { s.list = l } }

// WithMode overrides the line settings. Zero fields keep the defaults.
func WithMode(m port.Mode) Option {
	return func(s *Sdk) {
		if m.BaudRate > 0 {
			s.mode.BaudRate = m.BaudRate
		}
		if m.ReadTimeout > 0 {
			s.mode.ReadTimeout = m.ReadTimeout
		}
	}
}

func WithPollInterval(d time.Duration) Option { return func(s *Sdk) { s.pollInterval = d } }

// WithResponseTimeout sets how long a request may go unanswered before it is
// sent again.
func WithResponseTimeout(d time.Duration) Option { return func(s *Sdk) { s.responseTimeout = d } }

func WithMaxTimeouts(n int) Option { return func(s *Sdk) { s.maxTimeouts = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Sdk) { s.metrics = m } }

func New(opts ...Option) *Sdk {
	s := &Sdk{
		open:            port.Open,
		mode:            port.Mode{BaudRate: BaudRate, ReadTimeout: ReadTimeout},
		list:            func() ([]port.Details, error) { return port.List("") },
		pollInterval:    DefaultPollInterval,
		responseTimeout: DefaultResponseTimeout,
		maxTimeouts:     DefaultMaxTimeouts,
		logger:          slog.Default().With("component", "serial-sdk"),
		scratch:         make([]byte, 1024),
		sessions:        make(map[*touchdetect.Device]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindDevices lists USB serial ports as disconnected devices.
func (s *Sdk) FindDevices() ([]*touchdetect.Device, error) {
	ports, err := s.list()
	if err != nil {
		return nil, err
	}
	devices := make([]*touchdetect.Device, 0, len(ports))
	for _, p := range ports {
		devices = append(devices, touchdetect.NewDevice(p.Name, p.Product, touchdetect.TypeSerial, touchdetect.DefaultSize))
	}
	return devices, nil
}

func (s *Sdk) Connect(ctx context.Context, dev *touchdetect.Device) bool {
	if dev.Type() != touchdetect.TypeSerial {
		s.logger.Error("not a serial device", "device", dev.String())
		return false
	}
	s.mu.Lock()
	if _, ok := s.sessions[dev]; ok {
		s.mu.Unlock()
		s.logger.Info("already connected", "device", dev.String())
		return false
	}
	p, err := s.open(dev.Address(), s.mode)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("could not connect to device", "device", dev.String(), "error", err)
		dev.Fire(touchdetect.EventErrorOpeningPort, nil, err)
		return false
	}
	s.sessions[dev] = &session{port: p}
	s.gauge(1)
	s.mu.Unlock()

	dev.SetStatus(touchdetect.StatusConnected)
	dev.SetAcquisitionRunning(true)
	if !s.timer.Running() {
		// the poll loop outlives individual devices and ends with Close
		if err := s.timer.Start(context.WithoutCancel(ctx), s.pollInterval, s.poll); err != nil && !errors.Is(err, touchdetect.ErrTimerRunning) {
			s.logger.Error("starting poll loop failed", "error", err)
		}
	}
	s.logger.Info("connected", "device", dev.String())
	dev.Fire(touchdetect.EventConnected, nil, nil)
	return true
}

func (s *Sdk) Disconnect(dev *touchdetect.Device) bool {
	return s.drop(dev, touchdetect.StatusDisconnected, nil)
}

// Close disconnects every device and stops polling.
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
	s.timer.Stop()
}

func (s *Sdk) GetData(dev *touchdetect.Device) (touchdetect.TaxelArray, bool) {
	s.mu.Lock()
	_, ok := s.sessions[dev]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return dev.Taxels(), true
}

// drop removes dev and closes its port. A non-nil cause reports the failure
// that ended the connection.
func (s *Sdk) drop(dev *touchdetect.Device, status touchdetect.Status, cause error) bool {
	s.mu.Lock()
	sess, ok := s.sessions[dev]
	if ok {
		delete(s.sessions, dev)
		s.gauge(-1)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	dev.SetAcquisitionRunning(false)
	dev.SetStatus(status)
	if cause != nil {
		s.logger.Error("error getting data from sensor, disconnecting", "device", dev.String(), "error", cause)
		dev.Fire(touchdetect.EventConnectionError, nil, cause)
	}
	if err := sess.port.Close(); err != nil {
		s.logger.Warn("closing port failed", "device", dev.String(), "error", err)
		dev.Fire(touchdetect.EventErrorClosingPort, nil, err)
	}
	s.logger.Info("disconnected", "device", dev.String(), "status", status)
	dev.Fire(touchdetect.EventDisconnected, nil, nil)
	return true
}

type result struct {
	dev    *touchdetect.Device
	taxels []touchdetect.TaxelArray
	err    error
}

func (s *Sdk) poll() {
	s.mu.Lock()
	results := make([]result, 0, len(s.sessions))
	for dev, sess := range s.sessions {
		taxels, err := s.step(dev, sess)
		if len(taxels) > 0 || err != nil {
			results = append(results, result{dev: dev, taxels: taxels, err: err})
		}
	}
	s.mu.Unlock()

	for _, r := range results {
		for _, t := range r.taxels {
			if err := r.dev.SetTaxels(t); err != nil {
				continue
			}
			if s.metrics != nil {
				s.metrics.SensorSamplesTotal.WithLabelValues(transportLabel).Inc()
			}
			r.dev.Fire(touchdetect.EventNewData, t, nil)
		}
		if r.err != nil {
			s.drop(r.dev, touchdetect.StatusConnectionLost, r.err)
		}
	}
}

var getDataRequest = hdlc.Encode(hdlc.Frame{Type: hdlc.FrameData, Seq: requestSeq, Data: []byte{commandGetData}})

var ackReply = hdlc.Encode(hdlc.Frame{Type: hdlc.FrameACK, Seq: ackSeq})

// step advances one device's request cycle. It runs with s.mu held.
func (s *Sdk) step(dev *touchdetect.Device, sess *session) ([]touchdetect.TaxelArray, error) {
	if sess.state == stateIdle {
		if _, err := sess.port.Write(getDataRequest); err != nil {
			return nil, fmt.Errorf("sending request: %w", err)
		}
		sess.state = stateRequestSent
		sess.waited = 0
		return nil, nil
	}

	n, err := sess.port.Read(s.scratch)
	if err != nil {
		return nil, fmt.Errorf("reading: %w", err)
	}
	sess.buf = append(sess.buf, s.scratch[:n]...)
	raw, rest := hdlc.Split(sess.buf)
	sess.buf = rest

	var frames []hdlc.Frame
	for _, r := range raw {
		if len(r) < 2 || r[1] != hdlc.DefaultAddress {
			continue
		}
		f, err := hdlc.Decode(r)
		if err != nil {
			s.frameError()
			s.logger.Debug("dropping frame", "device", dev.String(), "error", err)
			continue
		}
		frames = append(frames, f)
	}

	if len(frames) == 0 {
		sess.waited += s.pollInterval
		if sess.waited < s.responseTimeout {
			return nil, nil
		}
		sess.timeouts++
		sess.waited = 0
		sess.state = stateIdle
		s.frameError()
		if sess.timeouts >= s.maxTimeouts {
			return nil, fmt.Errorf("%d requests unanswered: %w", sess.timeouts, apperrors.ErrTimeout)
		}
		return nil, nil
	}

	sess.waited = 0
	var out []touchdetect.TaxelArray
	for _, f := range frames {
		switch {
		case f.Type == hdlc.FrameACK:
			if _, err := sess.port.Write(ackReply); err != nil {
				return out, fmt.Errorf("sending ack: %w", err)
			}
			sess.state = stateIdle
			sess.timeouts = 0
		case f.Type == hdlc.FrameData && len(f.Data) == dev.Size().Bytes():
			taxels, err := touchdetect.ToTaxelArray(dev.Size(), f.Data)
			if err != nil {
				s.frameError()
				continue
			}
			out = append(out, taxels)
		default:
			s.logger.Warn("ignoring frame with unexpected payload",
				"device", dev.String(),
				"type", f.Type.String(),
				"bytes", len(f.Data),
			)
		}
	}
	return out, nil
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
