package can

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/poweron-gmbh/touch-detect-sdk/pkg/metrics"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect/port"
)

const (
	BaudRate    = 1_000_000
	ReadTimeout = 500 * time.Millisecond

	transportLabel = "can"
)

type conn struct {
	port   port.Port
	cancel context.CancelFunc
	done   chan struct{}
}

// Sdk reads any number of CAN adapters, one goroutine per connected device.
type Sdk struct {
	open    port.Opener
	mode    port.Mode
	list    port.Lister
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[*touchdetect.Device]*conn
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

func WithMetrics(m *metrics.Metrics) Option { return func(s *Sdk) { s.metrics = m } }

func New(opts ...Option) *Sdk {
	s := &Sdk{
		open:   port.Open,
		mode:   port.Mode{BaudRate: BaudRate, ReadTimeout: ReadTimeout},
		list:   port.FTDI,
		logger: slog.Default().With("component", "can-sdk"),
		conns:  make(map[*touchdetect.Device]*conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindDevices lists the attached FTDI adapters as disconnected devices.
func (s *Sdk) FindDevices() ([]*touchdetect.Device, error) {
	ports, err := s.list()
	if err != nil {
		return nil, err
	}
	devices := make([]*touchdetect.Device, 0, len(ports))
	for _, p := range ports {
		name := p.Product
		if p.SerialNumber != "" {
			name = p.SerialNumber
		}
		devices = append(devices, touchdetect.NewDevice(p.Name, name, touchdetect.TypeCAN, touchdetect.DefaultSize))
	}
	s.logger.Debug("found can adapters", "count", len(devices))
	return devices, nil
}

// Connect opens the device's port and starts reading it.
func (s *Sdk) Connect(ctx context.Context, dev *touchdetect.Device) bool {
	if dev.Type() != touchdetect.TypeCAN {
		s.logger.Error("not a can device", "device", dev.String())
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[dev]; ok {
		s.logger.Warn("device already connected", "device", dev.String())
		return false
	}

	p, err := s.open(dev.Address(), s.mode)
	if err != nil {
		s.logger.Error("opening port failed", "device", dev.String(), "error", err)
		dev.Fire(touchdetect.EventErrorOpeningPort, nil, err)
		return false
	}
	if err := errors.Join(p.ResetInputBuffer(), p.SetDTR(false), p.SetRTS(false)); err != nil {
		_ = p.Close()
		s.logger.Error("preparing port failed", "device", dev.String(), "error", err)
		dev.Fire(touchdetect.EventErrorOpeningPort, nil, err)
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &conn{port: p, cancel: cancel, done: make(chan struct{})}
	s.conns[dev] = c
	dev.SetStatus(touchdetect.StatusConnected)
	dev.SetAcquisitionRunning(true)
	s.gauge(1)
	go s.readLoop(ctx, dev, c)

	s.logger.Info("connected", "device", dev.String())
	dev.Fire(touchdetect.EventConnected, nil, nil)
	return true
}

// Disconnect stops reading and closes the port. It waits for the read loop
// and so must not be called from an event handler.
func (s *Sdk) Disconnect(dev *touchdetect.Device) bool {
	c := s.detach(dev)
	if c == nil {
		return false
	}
	c.cancel()
	err := s.closePort(c.port)
	<-c.done
	dev.SetAcquisitionRunning(false)
	dev.SetStatus(touchdetect.StatusDisconnected)
	if err != nil {
		s.logger.Error("closing port failed", "device", dev.String(), "error", err)
		dev.Fire(touchdetect.EventErrorClosingPort, nil, err)
		return false
	}
	s.logger.Info("disconnected", "device", dev.String())
	dev.Fire(touchdetect.EventDisconnected, nil, nil)
	return true
}

// Close disconnects every device.
func (s *Sdk) Close() {
	s.mu.Lock()
	devices := make([]*touchdetect.Device, 0, len(s.conns))
	for dev := range s.conns {
		devices = append(devices, dev)
	}
	s.mu.Unlock()
	for _, dev := range devices {
		s.Disconnect(dev)
	}
}

// GetData returns the latest taxels of a connected device.
func (s *Sdk) GetData(dev *touchdetect.Device) (touchdetect.TaxelArray, bool) {
	s.mu.Lock()
	_, ok := s.conns[dev]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return dev.Taxels(), true
}

func (s *Sdk) detach(dev *touchdetect.Device) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[dev]
	if !ok {
		return nil
	}
	delete(s.conns, dev)
	s.gauge(-1)
	return c
}

func (s *Sdk) closePort(p port.Port) error {
	return errors.Join(p.SetDTR(true), p.SetRTS(true), p.Close())
}

func (s *Sdk) readLoop(ctx context.Context, dev *touchdetect.Device, c *conn) {
	defer close(c.done)
	log := s.logger.With("device", dev.String())
	frame := make([]byte, FrameSize)
	var pkg [][]byte

	for ctx.Err() == nil {
		n, err := port.ReadFull(c.port, frame)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.lost(dev, fmt.Errorf("reading %s: %w", dev.Address(), err))
			return
		}
		if n < FrameSize {
			continue
		}
		if !CheckFrame(frame) {
			s.frameError()
			log.Debug("dropping malformed frame", "bytes", n)
			continue
		}
		if IsStart(frame) {
			pkg = pkg[:0]
		}
		pkg = append(pkg, append([]byte(nil), frame...))
		if len(pkg) < PackageSize {
			continue
		}

		taxels, err := DecodePackage(pkg)
		pkg = pkg[:0]
		if err != nil {
			s.frameError()
			log.Debug("dropping package", "error", err)
			continue
		}
		if err := dev.SetTaxels(taxels); err != nil {
			s.frameError()
			log.Debug("dropping package", "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.SensorSamplesTotal.WithLabelValues(transportLabel).Inc()
		}
		dev.Fire(touchdetect.EventNewData, taxels, nil)
	}
}

// lost tears down a connection whose port failed under the read loop.
func (s *Sdk) lost(dev *touchdetect.Device, err error) {
	c := s.detach(dev)
	if c == nil {
		return
	}
	c.cancel()
	_ = s.closePort(c.port)
	dev.SetAcquisitionRunning(false)
	dev.SetStatus(touchdetect.StatusConnectionLost)
	s.logger.Error("connection lost", "device", dev.String(), "error", err)
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
