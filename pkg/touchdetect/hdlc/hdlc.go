// Package hdlc frames serial TouchDetect traffic the way yahdlc does:
// flag-delimited frames with byte stuffing, an address, a control byte and a
// PPP FCS-16.
package hdlc

import (
	"bytes"
	"fmt"

	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
)

const (
	Flag           byte = 0x7E
	Escape         byte = 0x7D
	escapeXOR      byte = 0x20
	DefaultAddress byte = 0xFF

	fcsInit uint16 = 0xFFFF
	fcsGood uint16 = 0xF0B8
	fcsPoly uint16 = 0x8408
)

type FrameType int

const (
	FrameData FrameType = iota
	FrameACK
	FrameNACK
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameACK:
		return "ACK"
	case FrameNACK:
		return "NACK"
	default:
		return "UNKNOWN"
	}
}

type Frame struct {
	Address byte
	Type    FrameType
	Seq     uint8
	Data    []byte
}

var fcsTable = func() [256]uint16 {
	var t [256]uint16
	for i := range t {
		v := uint16(i)
		for range 8 {
			if v&1 != 0 {
				v = v>>1 ^ fcsPoly
			} else {
				v >>= 1
			}
		}
		t[i] = v
	}
	return t
}()

func fcs16(fcs uint16, data []byte) uint16 {
	for _, b := range data {
		fcs = fcs>>8 ^ fcsTable[byte(fcs)^b]
	}
	return fcs
}

// Control builds the control byte. DATA frames carry the send sequence
// number and the poll bit; ACK and NACK carry the receive sequence number.
func Control(t FrameType, seq uint8) byte {
	seq &= 0x07
	switch t {
	case FrameACK:
		return seq<<5 | 1
	case FrameNACK:
		return seq<<5 | 2<<2 | 1
	default:
		return seq<<1 | 1<<4
	}
}

func parseControl(c byte) (FrameType, uint8) {
	if c&1 == 0 {
		return FrameData, c >> 1 & 0x07
	}
	if c>>2&0x03 == 2 {
		return FrameNACK, c >> 5
	}
	return FrameACK, c >> 5
}

// Encode returns the complete frame including both flags. A zero Address is
// sent as DefaultAddress.
func Encode(f Frame) []byte {
	addr := f.Address
	if addr == 0 {
		addr = DefaultAddress
	}
	body := make([]byte, 0, len(f.Data)+4)
	body = append(body, addr, Control(f.Type, f.Seq))
	body = append(body, f.Data...)
	fcs := fcs16(fcsInit, body) ^ 0xFFFF
	body = append(body, byte(fcs), byte(fcs>>8))

	out := make([]byte, 0, len(body)+len(body)/8+2)
	out = append(out, Flag)
	for _, b := range body {
		if b == Flag || b == Escape {
			out = append(out, Escape, b^escapeXOR)
			continue
		}
		out = append(out, b)
	}
	return append(out, Flag)
}

// Decode parses one frame. Surrounding flags are optional.
func Decode(raw []byte) (Frame, error) {
	raw = bytes.TrimPrefix(raw, []byte{Flag})
	raw = bytes.TrimSuffix(raw, []byte{Flag})

	body := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if b == Flag {
			return Frame{}, fmt.Errorf("flag inside frame at %d: %w", i, apperrors.ErrInvalidFrame)
		}
		if b == Escape {
			i++
			if i == len(raw) {
				return Frame{}, fmt.Errorf("dangling escape: %w", apperrors.ErrInvalidFrame)
			}
			b = raw[i] ^ escapeXOR
		}
		body = append(body, b)
	}
	if len(body) < 4 {
		return Frame{}, fmt.Errorf("frame of %d bytes is too short: %w", len(body), apperrors.ErrInvalidFrame)
	}
	if fcs16(fcsInit, body) != fcsGood {
		return Frame{}, fmt.Errorf("hdlc fcs: %w", apperrors.ErrChecksum)
	}
	t, seq := parseControl(body[1])
	return Frame{
		Address: body[0],
		Type:    t,
		Seq:     seq,
		Data:    append([]byte(nil), body[2:len(body)-2]...),
	}, nil
}

// Split cuts buf into complete flag-delimited frames, flags included. Bytes
// before the first flag are dropped; an unterminated frame is returned as
// rest so the caller can prepend it to the next read. Back-to-back flags and
// flags shared between frames are both accepted.
func Split(buf []byte) (frames [][]byte, rest []byte) {
	start := bytes.IndexByte(buf, Flag)
	if start < 0 {
		return nil, nil
	}
	for {
		end := bytes.IndexByte(buf[start+1:], Flag)
		if end < 0 {
			return frames, append([]byte(nil), buf[start:]...)
		}
		end += start + 1
		if end > start+1 {
			frames = append(frames, append([]byte(nil), buf[start:end+1]...))
		}
		start = end
		if start == len(buf)-1 {
			return frames, nil
		}
	}
}
