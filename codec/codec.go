// Package codec reads fixed-width integer fields out of device payloads.
package codec

import (
	"fmt"

	"github.com/pkg/errors"
)

// Absent is returned by the field readers when a value is missing or invalid.
const Absent int64 = -1

// Format describes a field encoding: the low nibble is the width in bytes and
// the high nibble the signedness.
type Format byte

const (
	Uint8  Format = 0x11
	Uint16 Format = 0x12
	Uint32 Format = 0x14
	Sint8  Format = 0x21
	Sint16 Format = 0x22
	Sint32 Format = 0x24
)

// Size returns the field width in bytes.
func (f Format) Size() int {
	return int(f & 0x0f)
}

func (f Format) signed() bool {
	return f&0xf0 == 0x20
}

// ErrShortBuffer is returned when a field does not fit in the buffer.
type ErrShortBuffer struct {
	Offset, Size, Len int
}

func (e *ErrShortBuffer) Error() string {
	return fmt.Sprintf("field at %v size %v overruns buffer of %v bytes", e.Offset, e.Size, e.Len)
}

// ReadUint reads a little-endian unsigned integer of width bits.
func ReadUint(width, off int, b []byte) (int64, error) {
	switch width {
	case 8:
		return Read(Uint8, off, b)
	case 16:
		return Read(Uint16, off, b)
	case 32:
		return Read(Uint32, off, b)
	default:
		return Absent, errors.Errorf("unsupported width %v", width)
	}
}

// ReadInt reads a little-endian two's-complement integer of width bits.
func ReadInt(width, off int, b []byte) (int64, error) {
	switch width {
	case 8:
		return Read(Sint8, off, b)
	case 16:
		return Read(Sint16, off, b)
	case 32:
		return Read(Sint32, off, b)
	default:
		return Absent, errors.Errorf("unsupported width %v", width)
	}
}

// Read decodes one field of format f at off.
func Read(f Format, off int, b []byte) (int64, error) {
	sz := f.Size()
	if sz != 1 && sz != 2 && sz != 4 {
		return Absent, errors.Errorf("invalid format 0x%02x", byte(f))
	}
	if off < 0 || off+sz > len(b) {
		return Absent, &ErrShortBuffer{off, sz, len(b)}
	}

	var u uint32
	for i := sz - 1; i >= 0; i-- {
		u = u<<8 | uint32(b[off+i])
	}

	if !f.signed() {
		return int64(u), nil
	}

	switch sz {
	case 1:
		return int64(int8(u)), nil
	case 2:
		return int64(int16(u)), nil
	default:
		return int64(int32(u)), nil
	}
}

// Field32 reads an unsigned 32-bit field the way the device reports optional
// values: all bits set means absent, as does a field past the end of b. Both
// cases return Absent.
func Field32(off int, b []byte) int64 {
	v, err := Read(Uint32, off, b)
	if err != nil || v == 0xffffffff {
		return Absent
	}
	return v
}

// ReadASCII returns the bytes from off to the end of b as a string. An offset
// at or past the end yields "".
func ReadASCII(off int, b []byte) string {
	if off < 0 || off >= len(b) {
		return ""
	}
	return string(b[off:])
}
