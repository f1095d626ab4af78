package ble

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/poweron-gmbh/touch-detect-sdk/pkg/resilience"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect"
)

const (
	DefaultDiscoveryTime  = 2 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultPollInterval   = 50 * time.Millisecond

	singleAcquisitionWait = 500 * time.Millisecond
)

// Sdk manages one connection to a TouchDetect sensor. Its methods report
// success as a bool and log the reason for a failure.
type Sdk struct {
	transport      Transport
	discoveryTime  time.Duration
	connectTimeout time.Duration
	pollInterval   time.Duration
	notifyUUID     string
	size           touchdetect.Size
	logger         *slog.Logger
	now            func() time.Time
	start          time.Time

	mu         sync.Mutex
	enabled    bool
	found      []Device
	link       Link
	connecting bool
	gen        uint64
	queue      chan Sample
	device     *touchdetect.Device
}

type Option func(*Sdk)

func WithDiscoveryTime(d time.Duration) Option { return func(s *Sdk) { s.discoveryTime = d } }

func WithConnectTimeout(d time.Duration) Option { return func(s *Sdk) { s.connectTimeout = d } }

func WithPollInterval(d time.Duration) Option { return func(s *Sdk) { s.pollInterval = d } }

func WithNotifyUUID(uuid string) Option { return func(s *Sdk) { s.notifyUUID = uuid } }

// WithSize sets the taxel grid used for the device's taxel array.
func WithSize(size touchdetect.Size) Option { return func(s *Sdk) { s.size = size } }

func WithLogger(l *slog.Logger) Option { return func(s *Sdk) { s.logger = l } }

func New(transport Transport, opts ...Option) *Sdk {
	s := &Sdk{
		transport:      transport,
		discoveryTime:  DefaultDiscoveryTime,
		connectTimeout: DefaultConnectTimeout,
		pollInterval:   DefaultPollInterval,
		notifyUUID:     NotifyUUID,
		size:           touchdetect.DefaultSize,
		logger:         slog.Default(),
		now:            time.Now,
		queue:          make(chan Sample, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "ble-sdk")
	s.start = s.now()
	s.device = touchdetect.NewDevice("", "", touchdetect.TypeBLE, s.size)
	return s
}

// Device returns the device model of the connection target. Its address and
// name are set by Connect.
func (s *Sdk) Device() *touchdetect.Device { return s.device }

func (s *Sdk) Events() *touchdetect.Emitter { return s.device.Events() }

// enable powers the adapter once, retrying briefly.
func (s *Sdk) enable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		return nil
	}
	err := resilience.Retry(ctx, "ble-enable", resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
	}, func(context.Context) error {
		return s.transport.Enable()
	})
	if err != nil {
		return err
	}
	s.enabled = true
	return nil
}

// SearchDevices scans for the discovery time and returns what was seen,
// one entry per address. Errors are logged and yield an empty list.
func (s *Sdk) SearchDevices(ctx context.Context) []Device {
	s.mu.Lock()
	s.found = nil
	s.mu.Unlock()

	if err := s.enable(ctx); err != nil {
		s.logger.Error("enabling bluetooth adapter failed", "error", err)
		return []Device{}
	}
	seen, err := s.transport.Scan(ctx, s.discoveryTime)
	if err != nil {
		s.logger.Error("device discovery failed", "error", err)
		return []Device{}
	}

	found := make([]Device, 0, len(seen))
	index := make(map[string]int, len(seen))
	for _, d := range seen {
		d = NewDevice(d.Address, d.Name)
		if i, ok := index[d.Address]; ok {
			// a later advertisement may carry the name the first one lacked
			if found[i].Name == unknownName {
				found[i].Name = d.Name
			}
			continue
		}
		index[d.Address] = len(found)
		found = append(found, d)
	}
	s.logger.Info("device discovery finished", "found", len(found))

	s.mu.Lock()
	s.found = found
	s.mu.Unlock()
	return append([]Device(nil), found...)
}

func (s *Sdk) lookup(name string) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.found {
		if d.Name == name {
			return d, true
		}
	}
	return Device{}, false
}

// Connect attaches to the sensor advertising name and subscribes to its
// data characteristic. Discovery runs first when nothing has been found yet.
func (s *Sdk) Connect(ctx context.Context, name string) bool {
	s.mu.Lock()
	discovered := len(s.found) > 0
	s.mu.Unlock()

	if !discovered {
		s.SearchDevices(ctx)
	}
	target, ok := s.lookup(name)
	if !ok {
		s.logger.Warn("device was not found", "name", name)
		return false
	}
	gen, ok := s.claim()
	if !ok {
		s.logger.Warn("already connected to a device", "name", name)
		return false
	}
	defer s.release()
	if err := s.enable(ctx); err != nil {
		s.logger.Error("enabling bluetooth adapter failed", "error", err)
		s.device.Fire(touchdetect.EventErrorOpeningPort, nil, err)
		return false
	}

	log := s.logger.With("name", target.Name, "address", target.Address)
	link, err := s.transport.Connect(ctx, target.Address, func() { s.linkLost(gen) })
	if err != nil {
		log.Error("connecting to device failed", "error", err)
		s.device.Fire(touchdetect.EventErrorOpeningPort, nil, err)
		return false
	}
	if err := s.waitConnected(ctx, link); err != nil {
		log.Error("connection was not confirmed", "timeout", s.connectTimeout, "error", err)
		s.closeLink(link)
		s.device.Fire(touchdetect.EventErrorOpeningPort, nil, err)
		return false
	}

	s.device.SetAddress(target.Address)
	s.device.SetName(target.Name)
	s.drain()
	s.mu.Lock()
	s.link = link
	s.mu.Unlock()
	if err := link.Subscribe(s.notifyUUID, s.onNotify); err != nil {
		log.Error("subscribing to notifications failed", "uuid", s.notifyUUID, "error", err)
		s.mu.Lock()
		s.link = nil
		s.mu.Unlock()
		s.closeLink(link)
		s.device.Fire(touchdetect.EventErrorOpeningPort, nil, err)
		return false
	}
	s.device.SetAcquisitionRunning(true)
	s.device.SetStatus(touchdetect.StatusConnected)
	log.Info("connected to device")
	s.device.Fire(touchdetect.EventConnected, nil, nil)
	return true
}

// claim reserves the connection slot for one Connect call at a time.
func (s *Sdk) claim() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != nil || s.connecting {
		return 0, false
	}
	s.connecting = true
	s.gen++
	return s.gen, true
}

func (s *Sdk) release() {
	s.mu.Lock()
	s.connecting = false
	s.mu.Unlock()
}

func (s *Sdk) waitConnected(ctx context.Context, link Link) error {
	ctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		if link.Connected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sdk) closeLink(link Link) {
	if err := link.Close(); err != nil {
		s.logger.Warn("closing link failed", "error", err)
	}
}

// Disconnect stops notifications and drops the link. It reports false when
// nothing is connected.
func (s *Sdk) Disconnect() bool {
	s.mu.Lock()
	link := s.link
	s.link = nil
	s.mu.Unlock()
	if link == nil {
		s.logger.Info("not connected, call Connect first")
		return false
	}

	s.device.SetAcquisitionRunning(false)
	if err := link.Unsubscribe(); err != nil {
		s.logger.Warn("stopping notifications failed", "error", err)
	}
	if err := link.Close(); err != nil {
		s.logger.Error("disconnecting from device failed", "error", err)
		s.device.Fire(touchdetect.EventErrorClosingPort, nil, err)
	}
	s.device.SetStatus(touchdetect.StatusDisconnected)
	s.drain()
	s.logger.Info("disconnected from device", "address", s.device.Address())
	s.device.Fire(touchdetect.EventDisconnected, nil, nil)
	return true
}

func (s *Sdk) linkLost(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.link == nil {
		s.mu.Unlock()
		return
	}
	s.link = nil
	s.mu.Unlock()

	s.device.SetAcquisitionRunning(false)
	s.device.SetStatus(touchdetect.StatusConnectionLost)
	s.logger.Warn("connection lost", "address", s.device.Address())
	s.device.Fire(touchdetect.EventDisconnected, nil, nil)
}

func (s *Sdk) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link != nil
}

// GetData returns the newest sample and consumes it.
func (s *Sdk) GetData() (Sample, bool) {
	if !s.Connected() {
		s.logger.Info("not connected, call Connect first")
		return Sample{}, false
	}
	select {
	case sample := <-s.queue:
		return sample, true
	default:
		s.logger.Debug("no data from device")
		return Sample{}, false
	}
}

func (s *Sdk) onNotify(data []byte) {
	if !s.device.AcquisitionRunning() {
		return
	}
	sample := decodeSample(s.now().Sub(s.start), data)

	s.mu.Lock()
	select {
	case <-s.queue:
	default:
	}
	s.queue <- sample
	s.mu.Unlock()

	if len(sample.Values) == s.size.Len() {
		if taxels, err := sample.Taxels(s.size); err == nil {
			_ = s.device.SetTaxels(taxels)
		}
	}
	s.device.Fire(touchdetect.EventNewData, sample, nil)
}

func (s *Sdk) drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.queue:
	default:
	}
}

// StartAcquisition resumes notifications after StopAcquisition.
func (s *Sdk) StartAcquisition() bool {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		s.logger.Info("not connected, call Connect first")
		return false
	}
	if s.device.AcquisitionRunning() {
		s.logger.Error("acquisition already running")
		return false
	}
	if err := link.Subscribe(s.notifyUUID, s.onNotify); err != nil {
		s.logger.Error("starting notifications failed", "error", err)
		return false
	}
	s.device.SetAcquisitionRunning(true)
	return true
}

func (s *Sdk) StopAcquisition() bool {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil || !s.device.AcquisitionRunning() {
		return false
	}
	s.device.SetAcquisitionRunning(false)
	if err := link.Unsubscribe(); err != nil {
		s.logger.Warn("stopping notifications failed", "error", err)
	}
	return true
}

// SingleAcquisition runs acquisition for half a second and returns the
// newest sample.
func (s *Sdk) SingleAcquisition(ctx context.Context) (Sample, bool) {
	if !s.Connected() {
		return Sample{}, false
	}
	if !s.device.AcquisitionRunning() && !s.StartAcquisition() {
		return Sample{}, false
	}
	defer s.StopAcquisition()

	timer := time.NewTimer(singleAcquisitionWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Sample{}, false
	case <-timer.C:
	}
	return s.GetData()
}
