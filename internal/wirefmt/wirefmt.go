// Package wirefmt decodes and encodes fixed-width integers the way they
// appear in target memory: as raw little- or big-endian byte sequences,
// never as the host's native layout. translate uses it to read PTEs; vmem
// uses it for typed reads.
package wirefmt

import (
	"encoding/binary"

	"github.com/memview/memview/address"
)

func order(e address.Endianness) binary.ByteOrder {
	if e == address.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Uint16 decodes the first 2 bytes of b.
func Uint16(b []byte, e address.Endianness) uint16 { return order(e).Uint16(b) }

// Uint32 decodes the first 4 bytes of b.
func Uint32(b []byte, e address.Endianness) uint32 { return order(e).Uint32(b) }

// Uint64 decodes the first 8 bytes of b.
func Uint64(b []byte, e address.Endianness) uint64 { return order(e).Uint64(b) }

// PutUint16 encodes v into the first 2 bytes of b.
func PutUint16(b []byte, v uint16, e address.Endianness) { order(e).PutUint16(b, v) }

// PutUint32 encodes v into the first 4 bytes of b.
func PutUint32(b []byte, v uint32, e address.Endianness) { order(e).PutUint32(b, v) }

// PutUint64 encodes v into the first 8 bytes of b.
func PutUint64(b []byte, v uint64, e address.Endianness) { order(e).PutUint64(b, v) }

// Uint reads a width-byte (1, 2, 4 or 8) unsigned integer from b.
func Uint(b []byte, width int, e address.Endianness) uint64 {
	switch width {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(Uint16(b, e))
	case 4:
		return uint64(Uint32(b, e))
	case 8:
		return Uint64(b, e)
	default:
		panic("wirefmt: unsupported width")
	}
}

// PutUint writes v into b using a width-byte (1, 2, 4 or 8) encoding.
func PutUint(b []byte, width int, v uint64, e address.Endianness) {
	switch width {
	case 1:
		b[0] = byte(v)
	case 2:
		PutUint16(b, uint16(v), e)
	case 4:
		PutUint32(b, uint32(v), e)
	case 8:
		PutUint64(b, v, e)
	default:
		panic("wirefmt: unsupported width")
	}
}
