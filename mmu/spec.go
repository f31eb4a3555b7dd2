// Package mmu implements the data-driven page-table layout description:
// the set of bit-exact primitives spec.md §4.2 requires, plus the
// concrete MmuSpec values for x86, x86-PAE, x64 and AArch64 (arch.go). No
// architecture-specific code path exists outside this package; translate
// and vmem only ever call through an *MmuSpec.
package mmu

import (
	"fmt"

	"github.com/memview/memview/address"
	"github.com/memview/memview/internal/bitset"
)

// MmuSpec is the immutable, data-driven description of one architecture's
// page-table layout. Once constructed (the package-level X64Spec,
// X86PAESpec, X86Spec and AArch64Spec values, or NewSpec for a custom
// layout) it is never mutated.
type MmuSpec struct {
	// VirtualAddressSplits gives, MSB-first, the bit-width each
	// translation level contributes to indexing a virtual address. The
	// final entry is the page-offset width, not a table level.
	VirtualAddressSplits []uint

	// ValidFinalPageSteps names the table-level indices (0 = top) at
	// which a large/huge page leaf is permitted to terminate translation
	// early, given the PTE's large-page bit is set. The last table level
	// (Levels()-1) is always a valid termination point regardless of
	// this set.
	ValidFinalPageSteps []int

	// AddressSpaceBits is the maximum physical address width this
	// architecture's page tables can express.
	AddressSpaceBits uint

	// PteSize is the PTE width in bytes: 4 for x86, 8 everywhere else.
	PteSize uint

	PresentBit, WriteableBit, NXBit, LargePageBit uint

	// Endian is the byte order PTEs and page-table pointers are encoded
	// in. Every architecture this module targets is little-endian in
	// practice, but the field exists so a reader never hardcodes it.
	Endian address.Endianness

	validSteps map[int]bool
}

// NewSpec validates and returns spec, or an error describing which
// invariant from spec.md §8 failed.
func NewSpec(spec MmuSpec) (*MmuSpec, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	spec.validSteps = make(map[int]bool, len(spec.ValidFinalPageSteps))
	for _, l := range spec.ValidFinalPageSteps {
		spec.validSteps[l] = true
	}
	return &spec, nil
}

func (m *MmuSpec) validate() error {
	var sum uint
	for _, s := range m.VirtualAddressSplits {
		sum += s
	}
	switch sum {
	case 32, 48, 64:
	default:
		return fmt.Errorf("mmu: sum of virtual_address_splits is %d, want 32, 48 or 64", sum)
	}
	if m.PteSize != 4 && m.PteSize != 8 {
		return fmt.Errorf("mmu: pte_size must be 4 or 8, got %d", m.PteSize)
	}
	if m.PteSize*8 < m.AddressSpaceBits {
		return fmt.Errorf("mmu: pte_size*8 (%d) < address_space_bits (%d)", m.PteSize*8, m.AddressSpaceBits)
	}
	maxLevel := len(m.VirtualAddressSplits) - 2
	for _, l := range m.ValidFinalPageSteps {
		if l < 0 || l > maxLevel {
			return fmt.Errorf("mmu: valid_final_page_steps entry %d outside [0,%d]", l, maxLevel)
		}
	}
	return nil
}

// Levels returns the number of page-table levels (as opposed to the
// trailing page-offset entry in VirtualAddressSplits).
func (m *MmuSpec) Levels() int { return len(m.VirtualAddressSplits) - 1 }

// FinalLevel is the last table level: normal (non-huge) translations
// always terminate here.
func (m *MmuSpec) FinalLevel() int { return m.Levels() - 1 }

// VirtAddrBitRange returns the inclusive [low, high] bit positions within
// a virtual address that index level l.
func (m *MmuSpec) VirtAddrBitRange(l int) (low, high uint) {
	low = 0
	for i := l + 1; i < len(m.VirtualAddressSplits); i++ {
		low += m.VirtualAddressSplits[i]
	}
	high = low + m.VirtualAddressSplits[l] - 1
	return low, high
}

// PteIndex extracts the index into level l's page-table page from vaddr.
func (m *MmuSpec) PteIndex(vaddr address.Address, l int) uint64 {
	low, high := m.VirtAddrBitRange(l)
	return vaddr.Bits(low, high)
}

// PtLeafSize returns the byte size of one page-table page at level l:
// 2^VirtualAddressSplits[l] entries of PteSize bytes each.
func (m *MmuSpec) PtLeafSize(l int) uint64 {
	return uint64(m.PteSize) << m.VirtualAddressSplits[l]
}

// PageSizeLevel returns the size, in bytes, of a leaf page when
// translation terminates at level l.
func (m *MmuSpec) PageSizeLevel(l int) uint64 {
	low, _ := m.VirtAddrBitRange(l)
	return uint64(1) << low
}

// PtePresent reports whether the PTE's present bit is set.
func (m *MmuSpec) PtePresent(pte uint64) bool { return bitset.Test(pte, m.PresentBit) }

// PteWriteable reports whether the PTE's writeable bit is set.
func (m *MmuSpec) PteWriteable(pte uint64) bool { return bitset.Test(pte, m.WriteableBit) }

// PteLargePage reports whether the PTE's large-page bit is set.
func (m *MmuSpec) PteLargePage(pte uint64) bool { return bitset.Test(pte, m.LargePageBit) }

// PteNX reports whether the PTE's no-execute bit is set.
func (m *MmuSpec) PteNX(pte uint64) bool { return bitset.Test(pte, m.NXBit) }

// ValidLeafAt reports whether termination is permitted at level l: either
// l is the final table level, or l was named in ValidFinalPageSteps (in
// which case termination additionally requires the PTE's large-page bit,
// checked separately by the caller).
func (m *MmuSpec) ValidLeafAt(l int) bool {
	return l == m.FinalLevel() || m.validSteps[l]
}

// PteAddrMask extracts the physical-address portion of a PTE at level l.
// It always applies table-alignment masking (the byte size of one
// page-table page at this level), not the leaf page's own alignment: a
// conforming leaf PTE has zero bits in between those two alignments by
// construction, so the translate loop recovers the true physical address
// by additionally OR-ing in the low bits of the virtual address it's
// translating (spec.md §4.3.c) rather than by this function guessing
// leaf-ness from the PTE's own large-page bit. See DESIGN.md for why this
// collapses spec.md §4.2's nominally separate leaf/non-leaf cases into
// one formula.
func (m *MmuSpec) PteAddrMask(pte uint64, l int) uint64 {
	alignBits := bitset.Log2(m.PtLeafSize(l))
	masked := bitset.MaskBelow(pte, alignBits)
	return bitset.MaskAbove(masked, m.AddressSpaceBits)
}

// ConstructPTE builds a synthetic PTE encoding a leaf physical address at
// level l, with the given flag bits set. It is the inverse used by the
// round-trip law in spec.md §8 and by tests that fabricate page tables.
func ConstructPTE(m *MmuSpec, addr uint64, l int, present, writeable, large, nx bool) uint64 {
	pte := addr
	if present {
		pte = bitset.Set(pte, m.PresentBit)
	}
	if writeable {
		pte = bitset.Set(pte, m.WriteableBit)
	}
	if large {
		pte = bitset.Set(pte, m.LargePageBit)
	}
	if nx {
		pte = bitset.Set(pte, m.NXBit)
	}
	return pte
}
