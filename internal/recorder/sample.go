// Package recorder streams taxel samples from connected sensors to kafka and
// stores them in postgres on the consuming side.
package recorder

import (
	"time"

	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect/ble"
)

// Sample is the kafka message value. Finger is set for the two sides of a
// WSG gripper and empty otherwise.
type Sample struct {
	Device    string                 `json:"device"`
	Name      string                 `json:"name,omitempty"`
	Transport string                 `json:"transport"`
	Finger    string                 `json:"finger,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Taxels    touchdetect.TaxelArray `json:"taxels"`
}

// samplesFrom converts the payload of a NEW_DATA event. It returns nil for
// payloads it cannot shape into a taxel array.
func samplesFrom(ev touchdetect.Event, at time.Time) []Sample {
	dev := ev.Device
	base := Sample{
		Device:    dev.Address(),
		Name:      dev.Name(),
		Transport: dev.Type().String(),
		Timestamp: at,
	}
	switch data := ev.Data.(type) {
	case touchdetect.TaxelArray:
		base.Taxels = data.Clone()
		return []Sample{base}
	case [2]touchdetect.TaxelArray:
		left, right := base, base
		left.Finger, left.Taxels = "left", data[0].Clone()
		right.Finger, right.Taxels = "right", data[1].Clone()
		return []Sample{left, right}
	case ble.Sample:
		taxels, err := data.Taxels(dev.Size())
		if err != nil {
			return nil
		}
		base.Taxels = taxels
		return []Sample{base}
	default:
		return nil
	}
}
