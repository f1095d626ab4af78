// Package wsg reads the two TouchDetect fingers of a WSG gripper. A Lua
// script on the gripper answers READ_LEFT and READ_RIGHT commands over TCP.
package wsg

import (
	"encoding/binary"
	"fmt"
	"io"

	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect/crc16"
)

const (
	headerSize = 6
	crcSize    = 2
	// MinFrameSize is a header, one payload byte and the checksum.
	MinFrameSize = headerSize + 1 + crcSize

	CommandReadLeft  byte = 0x01
	CommandReadRight byte = 0x02
)

var (
	transactionID = [2]byte{0xAA, 0xAA}
	protocolID    = [2]byte{0xAA, 0xBB}
)

// MakeFrame wraps payload as AA AA AA BB, little-endian length, payload and
// the little-endian CRC16 of everything before it.
func MakeFrame(payload []byte) []byte {
	frame := make([]byte, headerSize, headerSize+len(payload)+crcSize)
	copy(frame, transactionID[:])
	copy(frame[2:], protocolID[:])
	binary.LittleEndian.PutUint16(frame[4:], uint16(len(payload)))
	frame = append(frame, payload...)
	return binary.LittleEndian.AppendUint16(frame, crc16.Checksum(frame))
}

// DecodeFrame validates frame and returns its payload.
func DecodeFrame(frame []byte) ([]byte, error) {
	if len(frame) < MinFrameSize {
		return nil, fmt.Errorf("frame of %d bytes is too short: %w", len(frame), apperrors.ErrInvalidFrame)
	}
	if [2]byte(frame[:2]) != transactionID || [2]byte(frame[2:4]) != protocolID {
		return nil, fmt.Errorf("unexpected header % x: %w", frame[:4], apperrors.ErrInvalidFrame)
	}
	size := int(binary.LittleEndian.Uint16(frame[4:]))
	end := headerSize + size
	if end+crcSize > len(frame) {
		return nil, fmt.Errorf("payload of %d bytes overruns a %d byte frame: %w", size, len(frame), apperrors.ErrInvalidFrame)
	}
	if got, want := binary.LittleEndian.Uint16(frame[end:]), crc16.Checksum(frame[:end]); got != want {
		return nil, fmt.Errorf("crc %04x, computed %04x: %w", got, want, apperrors.ErrChecksum)
	}
	return append([]byte(nil), frame[headerSize:end]...), nil
}

// ReadFrame reads one complete frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	size := int(binary.LittleEndian.Uint16(header[4:]))
	frame := make([]byte, headerSize+size+crcSize)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[headerSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}
