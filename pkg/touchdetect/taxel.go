package touchdetect

import (
	"encoding/binary"
	"fmt"

	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
)

// Size is the taxel grid of a sensor.
type Size struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

var DefaultSize = Size{Rows: 6, Cols: 6}

// Len is the number of taxels.
func (s Size) Len() int { return s.Rows * s.Cols }

// Bytes is the payload length of a raw frame for this size.
func (s Size) Bytes() int { return s.Len() * 2 }

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Rows, s.Cols) }

// TaxelArray is a row-major grid of raw sensor values.
type TaxelArray [][]int

func NewTaxelArray(size Size) TaxelArray {
	a := make(TaxelArray, size.Rows)
	for i := range a {
		a[i] = make([]int, size.Cols)
	}
	return a
}

// Shape reports rows and columns. A ragged array reports Cols as -1.
func (a TaxelArray) Shape() Size {
	s := Size{Rows: len(a)}
	for i, row := range a {
		if i == 0 {
			s.Cols = len(row)
		} else if len(row) != s.Cols {
			return Size{Rows: len(a), Cols: -1}
		}
	}
	return s
}

func (a TaxelArray) Clone() TaxelArray {
	if a == nil {
		return nil
	}
	out := make(TaxelArray, len(a))
	for i, row := range a {
		out[i] = append([]int(nil), row...)
	}
	return out
}

func (a TaxelArray) Flatten() []int {
	var out []int
	for _, row := range a {
		out = append(out, row...)
	}
	return out
}

// Reshape lays values out row by row.
func Reshape(size Size, values []int) (TaxelArray, error) {
	if len(values) != size.Len() {
		return nil, fmt.Errorf("%d values for a %v array: %w", len(values), size, apperrors.ErrShapeMismatch)
	}
	a := make(TaxelArray, size.Rows)
	for r := range a {
		a[r] = append([]int(nil), values[r*size.Cols:(r+1)*size.Cols]...)
	}
	return a, nil
}

// ToTaxelArray decodes little-endian uint16 taxels. data must hold exactly
// one value per taxel.
func ToTaxelArray(size Size, data []byte) (TaxelArray, error) {
	if len(data) != size.Bytes() {
		return nil, fmt.Errorf("%d bytes for a %v array, want %d: %w", len(data), size, size.Bytes(), apperrors.ErrInvalidFrame)
	}
	values := make([]int, size.Len())
	for i := range values {
		values[i] = int(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return Reshape(size, values)
}
