package mmu

import "github.com/memview/memview/address"

// ArchKind tags which family of MmuSpec an ArchIdent carries.
type ArchKind int

const (
	KindX86 ArchKind = iota
	KindAArch64
)

func (k ArchKind) String() string {
	if k == KindAArch64 {
		return "aarch64"
	}
	return "x86"
}

// ArchIdent is the tagged variant spec.md §3/§9 calls for: a runtime
// value carrying pointer width, page size, endianness and a reference to
// the owning architecture's MmuSpec, instead of dynamic dispatch across
// per-architecture types.
type ArchIdent struct {
	Kind ArchKind
	// Bits is the pointer width of this address space: 64, 32, or (x86
	// non-PAE) 32.
	Bits int
	// Wow64 is true for the 32-bit emulated view inside a 64-bit kernel.
	Wow64 bool
	Spec  *MmuSpec
	Endian address.Endianness
}

// PageSize is the base (smallest) page size for this architecture: the
// size of a leaf translation at the final table level.
func (a ArchIdent) PageSize() uint64 {
	return a.Spec.PageSizeLevel(a.Spec.FinalLevel())
}

// PointerWidth returns the width, in bytes, of a native pointer in this
// address space.
func (a ArchIdent) PointerWidth() int { return a.Bits / 8 }

func (a ArchIdent) String() string {
	if a.Wow64 {
		return "x86(32,wow64)"
	}
	return a.Kind.String() + "(" + itoa(a.Bits) + ")"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

var (
	// X64Spec is the standard 4-level long-mode page-table layout:
	// PML4/PDPT/PD/PT, 4KB pages with optional 2MB (PD) and 1GB (PDPT)
	// large pages.
	X64Spec = mustSpec(MmuSpec{
		VirtualAddressSplits: []uint{9, 9, 9, 9, 12},
		ValidFinalPageSteps:  []int{1, 2, 3},
		AddressSpaceBits:     52,
		PteSize:              8,
		PresentBit:           0,
		WriteableBit:         1,
		LargePageBit:         7,
		NXBit:                63,
		Endian:               address.LittleEndian,
	})

	// X86PAESpec is the 3-level PAE layout: a 4-entry PDPT, 512-entry PD
	// and PT, 4KB pages with optional 2MB (PD) large pages.
	X86PAESpec = mustSpec(MmuSpec{
		VirtualAddressSplits: []uint{2, 9, 9, 12},
		ValidFinalPageSteps:  []int{1},
		AddressSpaceBits:     36,
		PteSize:              8,
		PresentBit:           0,
		WriteableBit:         1,
		LargePageBit:         7,
		NXBit:                63,
		Endian:               address.LittleEndian,
	})

	// X86Spec is the legacy 2-level, non-PAE layout: 1024-entry PD and
	// PT, 4-byte PTEs, 4KB pages with optional 4MB (PD) large pages.
	X86Spec = mustSpec(MmuSpec{
		VirtualAddressSplits: []uint{10, 10, 12},
		ValidFinalPageSteps:  []int{0},
		AddressSpaceBits:     32,
		PteSize:              4,
		PresentBit:           0,
		WriteableBit:         1,
		LargePageBit:         7,
		// Non-PAE x86 PTEs have no NX bit; point it past the PTE width so
		// PteNX is always false rather than special-casing the type.
		NXBit:  63,
		Endian: address.LittleEndian,
	})

	// AArch64Spec is the standard 4KB-granule, 4-level AArch64 layout.
	AArch64Spec = mustSpec(MmuSpec{
		VirtualAddressSplits: []uint{9, 9, 9, 9, 12},
		ValidFinalPageSteps:  []int{1, 2},
		AddressSpaceBits:     48,
		PteSize:              8,
		PresentBit: 0,
		// Real AArch64 descriptors use a 2-bit type field (valid + table-
		// vs-block) rather than independent present/large-page bits; bit
		// 2 is treated as a synthetic "block descriptor" marker distinct
		// from PresentBit so the generic walker's uniform bit tests still
		// apply without a hardware-accurate descriptor encoder.
		WriteableBit: 7,  // AP[2], unset = read/write
		LargePageBit: 2,  // synthetic block-descriptor marker
		NXBit:        54, // UXN
		Endian:       address.LittleEndian,
	})
)

func mustSpec(s MmuSpec) *MmuSpec {
	spec, err := NewSpec(s)
	if err != nil {
		panic(err)
	}
	return spec
}

// ArchX64 is the native 64-bit x86 (long mode) architecture.
var ArchX64 = ArchIdent{Kind: KindX86, Bits: 64, Spec: X64Spec, Endian: address.LittleEndian}

// ArchX86PAE is 32-bit x86 with PAE enabled (the mode every modern 32-bit
// Windows kernel actually runs in).
var ArchX86PAE = ArchIdent{Kind: KindX86, Bits: 32, Spec: X86PAESpec, Endian: address.LittleEndian}

// ArchX86 is legacy non-PAE 32-bit x86.
var ArchX86 = ArchIdent{Kind: KindX86, Bits: 32, Spec: X86Spec, Endian: address.LittleEndian}

// ArchWow64 is the 32-bit emulated view of a process running under
// WOW64 on a 64-bit kernel: pointers are 32 bits wide but the page
// tables walked to resolve them are still the process's native
// (PAE-shaped) tables.
var ArchWow64 = ArchIdent{Kind: KindX86, Bits: 32, Wow64: true, Spec: X86PAESpec, Endian: address.LittleEndian}

// ArchAArch64 is the 64-bit ARM architecture.
var ArchAArch64 = ArchIdent{Kind: KindAArch64, Bits: 64, Spec: AArch64Spec, Endian: address.LittleEndian}
