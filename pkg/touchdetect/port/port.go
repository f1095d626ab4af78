// Package port opens the USB serial adapters TouchDetect sensors hang off.
package port

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// FTDIVendorID is the USB vendor id of the CAN and serial adapters.
const FTDIVendorID = "0403"

// Port is the part of serial.Port the transports use.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
}

type Mode struct {
	BaudRate    int
	ReadTimeout time.Duration
}

// Opener opens the named port. Tests substitute fakes.
type Opener func(name string, mode Mode) (Port, error)

// Open opens name as 8N1 with the given baud rate. A Read that sees no data
// within ReadTimeout returns 0, nil.
func Open(name string, mode Mode) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: mode.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	if mode.ReadTimeout > 0 {
		if err := p.SetReadTimeout(mode.ReadTimeout); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("setting read timeout on %s: %w", name, err)
		}
	}
	return p, nil
}

type Details struct {
	Name         string
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// Lister enumerates ports. Tests substitute fakes.
type Lister func() ([]Details, error)

// List returns the USB serial ports whose vendor id equals vid. An empty vid
// returns every USB port.
func List(vid string) ([]Details, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("listing serial ports: %w", err)
	}
	var out []Details
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		if vid != "" && !strings.EqualFold(p.VID, vid) {
			continue
		}
		out = append(out, Details{
			Name:         p.Name,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		})
	}
	return out, nil
}

// FTDI lists the FTDI adapters.
func FTDI() ([]Details, error) {
	return List(FTDIVendorID)
}

// ReadFull fills buf unless the port times out first. It returns the number
// of bytes read; a short count means the read timed out.
func ReadFull(p io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := p.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, nil
		}
	}
	return n, nil
}
