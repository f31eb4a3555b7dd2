// Package bitset holds the small bit-manipulation helpers mmu uses for
// PTE flag tests and address masking. It exists so "test bit N" and
// "mask below bit N" read the same way everywhere instead of being
// re-derived as shifts inline.
package bitset

import "math/bits"

// Test reports whether bit n of v is set.
func Test(v uint64, n uint) bool {
	return v&(uint64(1)<<n) != 0
}

// Set returns v with bit n forced to 1.
func Set(v uint64, n uint) uint64 {
	return v | (uint64(1) << n)
}

// MaskBelow returns v with all bits below bit n cleared, i.e. v rounded
// down to a multiple of 2^n.
func MaskBelow(v uint64, n uint) uint64 {
	if n == 0 {
		return v
	}
	return v &^ (uint64(1)<<n - 1)
}

// MaskAbove returns v with all bits at or above bit n cleared.
func MaskAbove(v uint64, n uint) uint64 {
	if n >= 64 {
		return v
	}
	return v & (uint64(1)<<n - 1)
}

// Log2 returns the base-2 logarithm of v, which must be an exact power of
// two. It panics otherwise: every caller in this codebase derives v from a
// validated MmuSpec, so a non-power-of-two value indicates a programming
// error, not bad input.
func Log2(v uint64) uint {
	if v == 0 || v&(v-1) != 0 {
		panic("bitset: Log2 of non-power-of-two value")
	}
	return uint(bits.TrailingZeros64(v))
}
