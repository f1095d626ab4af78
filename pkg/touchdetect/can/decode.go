// Package can reads TouchDetect sensors behind the USB CAN adapter. The
// adapter forwards each CAN frame as a 22-byte serial record; twelve records
// carry one 6x6 taxel package.
package can

import (
	"fmt"

	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect"
)

const (
	FrameSize   = 22
	PackageSize = 12
	// DeviceID is the CAN id of the first frame of a package. The following
	// frames count up from it.
	DeviceID = 0x300

	frameStart = 0xFF
	frameEnd   = 0xFE
)

// MakeByte joins the high bit of h with the low seven bits of l. The adapter
// splits every payload byte that way to keep 0xFF and 0xFE unique.
func MakeByte(h, l byte) byte {
	return h&0x80 | l&0x7F
}

func MakeShort(h, l byte) int {
	return int(h)<<8 | int(l)
}

// FrameID returns the 12 bit CAN id carried in a record.
func FrameID(f []byte) int {
	return MakeShort(MakeByte(f[1], f[2])&0x0F, MakeByte(f[3], f[4]))
}

// CheckFrame reports whether f is a well formed record.
func CheckFrame(f []byte) bool {
	return len(f) == FrameSize && f[0] == frameStart && f[FrameSize-1] == frameEnd
}

// IsStart reports whether f opens a new package.
func IsStart(f []byte) bool {
	return CheckFrame(f) && FrameID(f) == DeviceID
}

// DecodePackage turns twelve records into the taxel array. Each record holds
// three 12 bit taxels: three low bytes followed by two bytes of packed high
// nibbles.
func DecodePackage(frames [][]byte) (touchdetect.TaxelArray, error) {
	if len(frames) != PackageSize {
		return nil, fmt.Errorf("package of %d frames, want %d: %w", len(frames), PackageSize, apperrors.ErrInvalidFrame)
	}
	values := make([]int, 0, PackageSize*3)
	for i, f := range frames {
		if !CheckFrame(f) {
			return nil, fmt.Errorf("frame %d is malformed: %w", i, apperrors.ErrInvalidFrame)
		}
		var b [5]byte
		for k := range b {
			b[k] = MakeByte(f[5+2*k], f[6+2*k])
		}
		values = append(values,
			MakeShort(b[3]&0x0F, b[0]),
			MakeShort(b[3]&0xF0>>4, b[1]),
			MakeShort(b[4]&0x0F, b[2]),
		)
	}
	return touchdetect.Reshape(touchdetect.DefaultSize, values)
}
