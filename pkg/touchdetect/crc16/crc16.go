// Package crc16 implements the CRC-16 used by Weiss WSG grippers: the
// CCITT table (polynomial 0x1021) driven with a reflected update and an
// initial value of 0xFFFF.
package crc16

const Init uint16 = 0xFFFF

var table = makeTable(0x1021)

func makeTable(poly uint16) [256]uint16 {
	var t [256]uint16
	for i := range t {
		c := uint16(i) << 8
		for range 8 {
			if c&0x8000 != 0 {
				c = c<<1 ^ poly
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}

// Checksum returns the CRC of data.
func Checksum(data []byte) uint16 {
	return Update(Init, data)
}

// Update continues crc over data, so a frame can be checksummed in parts.
func Update(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = table[byte(crc)^b] ^ crc>>8
	}
	return crc
}
