// Package ble talks to TouchDetect sensors over Bluetooth Low Energy. The
// sensor streams its taxels as notifications on a single characteristic.
package ble

import (
	"context"
	"fmt"
	"time"

	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect"
)

// NotifyUUID is the characteristic the sensor notifies its data on.
const NotifyUUID = "0000fe42-8e22-4541-9d4c-21edae82ed19"

const unknownName = "Unknown"

// Device is a discovered peripheral.
type Device struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

func NewDevice(address, name string) Device {
	if name == "" {
		name = unknownName
	}
	return Device{Address: address, Name: name}
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.Address)
}

// Sample is one notification. Timestamp is measured from the creation of
// the Sdk.
type Sample struct {
	Timestamp time.Duration `json:"timestamp"`
	Values    []int         `json:"values"`
}

// decodeSample reads big-endian 16 bit values. A trailing odd byte is
// dropped.
func decodeSample(ts time.Duration, data []byte) Sample {
	values := make([]int, len(data)/2)
	for i := range values {
		values[i] = int(data[2*i])*256 + int(data[2*i+1])
	}
	return Sample{Timestamp: ts, Values: values}
}

func (s Sample) Taxels(size touchdetect.Size) (touchdetect.TaxelArray, error) {
	return touchdetect.Reshape(size, s.Values)
}

// Transport is the radio side of the SDK.
type Transport interface {
	Enable() error
	Scan(ctx context.Context, d time.Duration) ([]Device, error)
	// Connect opens a link to addr. onDisconnect runs when the peer drops
	// the link.
	Connect(ctx context.Context, addr string, onDisconnect func()) (Link, error)
}

type Link interface {
	Connected() bool
	Subscribe(uuid string, fn func([]byte)) error
	Unsubscribe() error
	Close() error
}
