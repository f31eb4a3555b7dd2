// Package address defines the primitive value types shared by every layer
// of the introspection stack: a target's address space is just an unsigned
// integer with a page-aligned structure, and every higher package (mmu,
// translate, vmem, win32) builds on the same few helpers instead of
// re-deriving them.
package address

import "fmt"

// Address is a byte offset into either a physical or a virtual address
// space. It never exceeds 64 bits, matching every architecture this
// package targets.
type Address uint64

// Null is the distinguished zero address. On every architecture covered
// here a null pointer is unmapped, so callers use Null to mean "no value"
// for optional pointer fields.
const Null Address = 0

// Invalid is a sentinel distinct from any address a real translation can
// produce. It is returned by helpers that need to signal "no such
// address" without an out-of-band bool.
const Invalid Address = Address(^uint64(0))

// IsNull reports whether a is the null address.
func (a Address) IsNull() bool { return a == Null }

// IsValid reports whether a is not the Invalid sentinel.
func (a Address) IsValid() bool { return a != Invalid }

// Add returns a+n.
func (a Address) Add(n uint64) Address { return a + Address(n) }

// AlignDown rounds a down to the nearest multiple of size, which must be a
// power of two.
func (a Address) AlignDown(size uint64) Address {
	return a &^ Address(size-1)
}

// AlignUp rounds a up to the nearest multiple of size, which must be a
// power of two.
func (a Address) AlignUp(size uint64) Address {
	return a.Add(size - 1).AlignDown(size)
}

// PageOffset returns the low bits of a within a page of the given size.
func (a Address) PageOffset(pageSize uint64) uint64 {
	return uint64(a) & (pageSize - 1)
}

// Bits extracts the inclusive bit range [low, high] of a, right-justified
// in the returned value. mmu uses it to pull page-table indices out of
// virtual addresses.
func (a Address) Bits(low, high uint) uint64 {
	width := high - low + 1
	mask := uint64(1)<<width - 1
	return (uint64(a) >> low) & mask
}

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Length is an unsigned byte count with the usual binary unit helpers.
type Length uint64

// Byte-count units. Page sizes across architectures are always expressed
// as a Length so KB/MB/GB arithmetic stays exact.
const (
	KB Length = 1 << 10
	MB Length = 1 << 20
	GB Length = 1 << 30
)

// Bytes returns l as a plain uint64 byte count.
func (l Length) Bytes() uint64 { return uint64(l) }

func (l Length) String() string {
	switch {
	case l >= GB && l%GB == 0:
		return fmt.Sprintf("%dGB", l/GB)
	case l >= MB && l%MB == 0:
		return fmt.Sprintf("%dMB", l/MB)
	case l >= KB && l%KB == 0:
		return fmt.Sprintf("%dKB", l/KB)
	default:
		return fmt.Sprintf("%dB", uint64(l))
	}
}

// Endianness selects how multi-byte integers are decoded from target
// memory. Every PTE and every typed virt_read honors the owning
// architecture's Endianness.
type Endianness int

const (
	LittleEndian Endianness = iota
	BigEndian
)

func (e Endianness) String() string {
	if e == BigEndian {
		return "big"
	}
	return "little"
}
