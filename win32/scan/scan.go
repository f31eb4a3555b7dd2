// Package scan locates a Windows kernel's directory-table-base (DTB) and
// image base inside raw physical memory, with no prior knowledge of the
// target beyond its architecture. Its results (a DTB, a kernel image
// base) are what a caller passes to win32/kernel.New; win32/kernel
// itself does not call this package.
package scan

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/memview/memview/address"
	"github.com/memview/memview/mmu"
	"github.com/memview/memview/physmem"
)

// ErrNotFound is returned when a scan exhausts its search space without
// finding a plausible candidate.
var ErrNotFound = errors.New("scan: no candidate found")

// DTBCandidate is one page-table root a scan considers plausible enough
// to attempt a translation against.
type DTBCandidate struct {
	Addr address.Address
	Arch mmu.ArchIdent
}

const pageSize = 0x1000

// ScanX64LowStub searches the first megabyte of physical memory for a
// page that looks like a valid top-level x64 page table: the
// conventional location of a Windows kernel's low-stub DTB before paging
// is fully set up. A page qualifies when its first entry is present and
// writeable and at least one but not all of its 512 entries are present
// — a page of all zeroes or all garbage is rejected. Where an entry's
// physical target lies is not checked.
func ScanX64LowStub(ctx context.Context, mem physmem.Memory) ([]DTBCandidate, error) {
	const limit = 0x100000
	var out []DTBCandidate
	for addr := address.Address(0); uint64(addr) < limit; addr += pageSize {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		page, err := mem.ReadRaw(ctx, addr, pageSize)
		if err != nil {
			continue
		}
		if plausiblePML4(page) {
			out = append(out, DTBCandidate{Addr: addr, Arch: mmu.ArchX64})
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func plausiblePML4(page []byte) bool {
	if len(page) < pageSize {
		return false
	}
	entry0 := binary.LittleEndian.Uint64(page[0:8])
	if entry0&1 == 0 || entry0&2 == 0 { // not present, or not writeable
		return false
	}
	present := 0
	for i := 0; i < 512; i++ {
		e := binary.LittleEndian.Uint64(page[i*8 : i*8+8])
		if e&1 != 0 {
			present++
		}
	}
	return present >= 1 && present < 512
}

// ScanAArch64DTB searches physical memory up to maxPhys for a page
// matching the kernel's self-referencing translation table heuristic:
//
//   - entry 0 is present with the flag byte 0xf03 (page descriptor,
//     access flag set, inner-shareable) and its physical target is
//     below 512 GiB;
//   - some entry within page[0x800:] (index 0x100 upward) points back
//     at the candidate page itself with the same 0xf03 flags — the
//     self-reference slot's exact index varies by build, so every
//     entry in the upper half is a candidate, not just 0x100;
//   - at least six other entries within that same page[0x800:] region
//     carry the 0x703 flag byte (page descriptor without the access
//     flag, the pattern produced by an identity-mapped low region).
//
// This triple condition is specific enough in practice to identify the
// kernel's page directory without any other prior knowledge of the
// image.
func ScanAArch64DTB(ctx context.Context, mem physmem.Memory, maxPhys address.Address) ([]DTBCandidate, error) {
	const maxPhysBits39 = uint64(1) << 39 // 512 GiB
	const addrMask = ^uint64(0) >> 12      // low 52 bits
	const upperHalf = 0x100                // index of byte offset 0x800

	var out []DTBCandidate
	for addr := address.Address(0); uint64(addr) < uint64(maxPhys); addr += pageSize {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		page, err := mem.ReadRaw(ctx, addr, pageSize)
		if err != nil {
			continue
		}
		entries := make([]uint64, 512)
		for i := range entries {
			entries[i] = binary.LittleEndian.Uint64(page[i*8 : i*8+8])
		}

		pte0 := entries[0]
		if pte0&0xfff != 0xf03 {
			continue
		}
		if pte0&addrMask >= maxPhysBits39 {
			continue
		}

		p := uint64(addr)
		selfIdx := -1
		for i := upperHalf; i < 512; i++ {
			if (entries[i]^0xf03)&addrMask == p {
				selfIdx = i
				break
			}
		}
		if selfIdx < 0 {
			continue
		}

		six := 0
		for i := upperHalf; i < 512; i++ {
			if i == selfIdx {
				continue
			}
			if entries[i]&0xfff == 0x703 {
				six++
			}
		}
		if six < 6 {
			continue
		}

		out = append(out, DTBCandidate{Addr: addr, Arch: mmu.ArchAArch64})
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// KernelInfo is what a successful kernel scan recovers: a DTB to walk
// the kernel's address space, and the kernel image's virtual base (the
// ImageBase a PE reader anchors all RVAs to).
type KernelInfo struct {
	DTB       address.Address
	ImageBase address.Address
	Arch      mmu.ArchIdent
	NtBuildNumber uint32
}

// PEValidator checks whether the bytes read at a candidate virtual
// address look like the start of a loaded PE image (MZ + PE\0\0 within
// e_lfanew). The caller supplies one, typically backed by a vmem.Memory
// once a DTB candidate is in hand; keeping it as an injected function lets
// this package stay independent of the vmem/translate layers.
type PEValidator func(ctx context.Context, vaddr address.Address) (ok bool, err error)

// LocateKernelImage walks candidate virtual addresses on a page-aligned
// stride looking for validate to report a PE image, per spec.md §4.5's
// "scan backward/forward from a heuristic anchor until the PE signature
// validates" approach. from is scanned first; the search then proceeds
// downward in page-sized steps for up to maxSteps pages, since Windows
// kernels are loaded at a fixed offset below a well-known anchor on
// every architecture this module supports.
func LocateKernelImage(ctx context.Context, from address.Address, maxSteps int, validate PEValidator) (address.Address, error) {
	addr := from.AlignDown(pageSize)
	for i := 0; i < maxSteps; i++ {
		if err := ctx.Err(); err != nil {
			return address.Invalid, err
		}
		ok, err := validate(ctx, addr)
		if err == nil && ok {
			return addr, nil
		}
		if addr < pageSize {
			break
		}
		addr -= pageSize
	}
	return address.Invalid, fmt.Errorf("scan: %w: no PE image found within %d pages of %s", ErrNotFound, maxSteps, from)
}
