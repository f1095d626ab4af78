// Package touchdetect holds the device model shared by every TouchDetect
// transport: connection state, the taxel array and the per-device event
// emitter.
package touchdetect

import (
	"fmt"
	"log/slog"
	"sync"

	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
)

// Type identifies how a device is attached.
type Type int

const (
	TypeVirtual Type = iota
	TypeCAN
	TypeBLE
	TypeTCP
	TypeSerial
)

func (t Type) String() string {
	switch t {
	case TypeVirtual:
		return "virtual"
	case TypeCAN:
		return "can"
	case TypeBLE:
		return "ble"
	case TypeTCP:
		return "tcp"
	case TypeSerial:
		return "serial"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnected
	StatusConnectionLost
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnected:
		return "connected"
	case StatusConnectionLost:
		return "connection_lost"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Device is safe for concurrent use. Transports update it from their read
// loops while callers poll it.
type Device struct {
	mu          sync.RWMutex
	address     string
	name        string
	typ         Type
	size        Size
	taxels      TaxelArray
	status      Status
	rotation    int
	acquisition bool

	events *Emitter
	logger *slog.Logger
}

// NewDevice creates a disconnected device with a zeroed taxel array. A zero
// size selects DefaultSize.
func NewDevice(address, name string, typ Type, size Size) *Device {
	if size.Rows <= 0 || size.Cols <= 0 {
		size = DefaultSize
	}
	return &Device{
		address: address,
		name:    name,
		typ:     typ,
		size:    size,
		taxels:  NewTaxelArray(size),
		events:  NewEmitter(),
		logger:  slog.Default().With("component", "touchdetect", "type", typ.String(), "address", address),
	}
}

func (d *Device) Address() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.address
}

func (d *Device) SetAddress(address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.address = address
}

func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

func (d *Device) SetName(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.name = name
}

func (d *Device) Type() Type {
	return d.typ
}

func (d *Device) Size() Size {
	return d.size
}

// Taxels returns a copy of the latest taxel array.
func (d *Device) Taxels() TaxelArray {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.taxels.Clone()
}

// SetTaxels replaces the taxel array. An array whose shape differs from the
// device size is rejected and the stored one is kept.
func (d *Device) SetTaxels(a TaxelArray) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if got := a.Shape(); got != d.size {
		d.logger.Error("rejected taxel array with wrong shape", "want", d.size, "got", got)
		return fmt.Errorf("setting taxels %v on %v device: %w", got, d.size, apperrors.ErrShapeMismatch)
	}
	d.taxels = a.Clone()
	return nil
}

func (d *Device) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

func (d *Device) SetStatus(s Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = s
}

func (d *Device) Rotation() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rotation
}

func (d *Device) SetRotation(r int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rotation = r
}

func (d *Device) AcquisitionRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.acquisition
}

func (d *Device) SetAcquisitionRunning(running bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acquisition = running
}

// Events returns the device's emitter.
func (d *Device) Events() *Emitter {
	return d.events
}

// Fire emits an event with this device as the source.
func (d *Device) Fire(t EventType, data any, err error) {
	d.events.Fire(Event{Type: t, Device: d, Data: data, Err: err})
}

func (d *Device) String() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.name != "" {
		return fmt.Sprintf("%s %s (%s)", d.typ, d.name, d.address)
	}
	return fmt.Sprintf("%s %s", d.typ, d.address)
}
