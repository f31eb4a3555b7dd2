// Package vmem implements VirtualMemory: the thin composition of a
// physmem.Memory, a translate.Translator and a DTB into typed,
// page-aware reads over one address space (spec.md §4.4).
package vmem

import (
	"context"
	"errors"
	"fmt"

	"github.com/memview/memview/address"
	"github.com/memview/memview/internal/wirefmt"
	"github.com/memview/memview/mmu"
	"github.com/memview/memview/physmem"
	"github.com/memview/memview/translate"
)

// ErrInvalidString is returned by ReadCStr when no NUL terminator is
// found within maxLen bytes.
var ErrInvalidString = errors.New("vmem: no NUL terminator found within max length")

// UnreadableRange names a byte range of a ReadRaw call that could not be
// translated or read; its bytes in the output are zero-filled.
type UnreadableRange struct {
	Addr address.Address
	Len  uint64
}

// PartialDataError is returned alongside a (zero-filled, full-length)
// buffer when one or more pages of a ReadRaw span failed to resolve.
// Callers that only need a prefix (e.g. walking a linked list until it
// reads as zero) may ignore it.
type PartialDataError struct {
	Unreadable []UnreadableRange
}

func (e *PartialDataError) Error() string {
	return fmt.Sprintf("vmem: %d unreadable sub-range(s)", len(e.Unreadable))
}

// Memory composes a physical memory source, a translator and one DTB
// into an address-space view with typed reads.
type Memory struct {
	phys  physmem.Memory
	tr    *translate.Translator
	arch  mmu.ArchIdent
	dtb   address.Address
}

// New constructs a VirtualMemory view over dtb.
func New(phys physmem.Memory, tr *translate.Translator, arch mmu.ArchIdent, dtb address.Address) *Memory {
	return &Memory{phys: phys, tr: tr, arch: arch, dtb: dtb}
}

// WithDTB returns a view identical to v but addressing a different
// address space. Used to switch from kernel-context to process-context
// reads without constructing a whole new Translator (spec.md §4.7 step
// 9, §9 "Self-referential structures across address spaces").
func (v *Memory) WithDTB(dtb address.Address) *Memory {
	return &Memory{phys: v.phys, tr: v.tr, arch: v.arch, dtb: dtb}
}

// Arch reports the architecture this view translates for.
func (v *Memory) Arch() mmu.ArchIdent { return v.arch }

// DTB reports the directory-table-base this view translates through.
func (v *Memory) DTB() address.Address { return v.dtb }

// pageSize is the smallest (final-level) page size for this view's
// architecture; ReadRaw splits ranges at this granularity.
func (v *Memory) pageSize() uint64 {
	return v.arch.Spec.PageSizeLevel(v.arch.Spec.FinalLevel())
}

// ReadRaw reads length bytes starting at vaddr. Any page within the span
// that fails to translate or read is zero-filled in the result, and the
// call additionally returns a *PartialDataError naming the unreadable
// sub-ranges; the returned byte slice always has exactly length bytes
// regardless of failures (spec.md §4.4 "Partial-read policy", §8
// invariant "len(buffer) == n").
func (v *Memory) ReadRaw(ctx context.Context, vaddr address.Address, length uint64) ([]byte, error) {
	out := make([]byte, length)
	if length == 0 {
		return out, nil
	}

	pageSize := v.pageSize()
	type span struct {
		vaddr  address.Address
		offset uint64
		length uint64
	}
	var spans []span
	cur := vaddr
	remaining := length
	offset := uint64(0)
	for remaining > 0 {
		pageOff := cur.PageOffset(pageSize)
		chunk := pageSize - pageOff
		if chunk > remaining {
			chunk = remaining
		}
		spans = append(spans, span{cur, offset, chunk})
		cur = cur.Add(chunk)
		offset += chunk
		remaining -= chunk
	}

	reqs := make([]translate.Request, len(spans))
	for i, s := range spans {
		reqs[i] = translate.Request{Vaddr: s.vaddr.AlignDown(pageSize), Tag: i}
	}

	results := make([]translate.Result, len(spans))
	if err := v.tr.Translate(ctx, v.dtb, reqs, func(r translate.Result) {
		results[r.Tag.(int)] = r
	}); err != nil {
		return out, err
	}

	var unreadable []UnreadableRange
	var physReqs []physmem.ReadRequest
	var physSpans []span
	for i, s := range spans {
		r := results[i]
		if !r.Ok() {
			unreadable = append(unreadable, UnreadableRange{Addr: s.vaddr, Len: s.length})
			continue
		}
		pageOff := s.vaddr.PageOffset(pageSize)
		paddr := r.Paddr.AlignDown(pageSize).Add(pageOff)
		physReqs = append(physReqs, physmem.ReadRequest{Addr: paddr, Out: out[s.offset : s.offset+s.length]})
		physSpans = append(physSpans, s)
	}

	if len(physReqs) > 0 {
		if err := v.phys.ReadBatch(ctx, physReqs); err != nil {
			var be *physmem.BatchError
			if errors.As(err, &be) {
				failedAddrs := make(map[address.Address]bool, len(be.Failed))
				for _, fe := range be.Failed {
					failedAddrs[fe.Addr] = true
				}
				for i, req := range physReqs {
					if failedAddrs[req.Addr] {
						s := physSpans[i]
						unreadable = append(unreadable, UnreadableRange{Addr: s.vaddr, Len: s.length})
						for b := range req.Out {
							req.Out[b] = 0
						}
					}
				}
			} else {
				return out, err
			}
		}
	}

	if len(unreadable) > 0 {
		return out, &PartialDataError{Unreadable: unreadable}
	}
	return out, nil
}

// Read decodes a width-byte unsigned integer at vaddr using the view's
// architecture endianness.
func (v *Memory) Read(ctx context.Context, vaddr address.Address, width int) (uint64, error) {
	b, err := v.ReadRaw(ctx, vaddr, uint64(width))
	if err != nil && !isPartial(err) {
		return 0, err
	}
	return wirefmt.Uint(b, width, v.arch.Endian), err
}

// ReadU32 is a convenience wrapper around Read for the common 32-bit
// case (pids, RVAs, ...).
func (v *Memory) ReadU32(ctx context.Context, vaddr address.Address) (uint32, error) {
	val, err := v.Read(ctx, vaddr, 4)
	return uint32(val), err
}

// ReadU64 is a convenience wrapper around Read for the common 64-bit
// case.
func (v *Memory) ReadU64(ctx context.Context, vaddr address.Address) (uint64, error) {
	return v.Read(ctx, vaddr, 8)
}

// ReadAddr reads a pointer of this view's own architecture width.
func (v *Memory) ReadAddr(ctx context.Context, vaddr address.Address) (address.Address, error) {
	return v.ReadAddrArch(ctx, vaddr, v.arch)
}

// ReadAddrArch reads a pointer of targetArch's width rather than this
// view's own. Critical for WOW64 (spec.md §4.4): the kernel uses 64-bit
// pointers even while a user-space WOW64 structure embeds 32-bit ones.
func (v *Memory) ReadAddrArch(ctx context.Context, vaddr address.Address, targetArch mmu.ArchIdent) (address.Address, error) {
	val, err := v.Read(ctx, vaddr, targetArch.PointerWidth())
	return address.Address(val), err
}

// ReadCStr reads up to maxLen bytes starting at vaddr and returns the
// bytes up to (not including) the first NUL. A NUL as the very first
// byte yields an empty string, not an error (spec.md §8 boundary
// behavior); no NUL found within maxLen is ErrInvalidString.
func (v *Memory) ReadCStr(ctx context.Context, vaddr address.Address, maxLen int) (string, error) {
	b, err := v.ReadRaw(ctx, vaddr, uint64(maxLen))
	if err != nil && !isPartial(err) {
		return "", err
	}
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}
	return "", ErrInvalidString
}

// WriteRaw writes b to vaddr. Writes are an optional capability per
// spec.md §4.4; every write still goes through the same translator as
// reads, so a page that fails to translate fails the write for that
// sub-range only. This module's own core scope is read-only (spec.md §1
// Non-goals: "No writes to target memory"), so WriteRaw exists purely to
// round out the VirtualMemory contract for connectors that choose to
// support it; none of win32/kernel calls it.
func (v *Memory) WriteRaw(ctx context.Context, vaddr address.Address, b []byte) error {
	pageSize := v.pageSize()
	cur := vaddr
	remaining := uint64(len(b))
	offset := uint64(0)
	var unreadable []UnreadableRange
	for remaining > 0 {
		pageOff := cur.PageOffset(pageSize)
		chunk := pageSize - pageOff
		if chunk > remaining {
			chunk = remaining
		}
		var r translate.Result
		if err := v.tr.Translate(ctx, v.dtb, []translate.Request{{Vaddr: cur.AlignDown(pageSize), Tag: 0}}, func(res translate.Result) { r = res }); err != nil {
			return err
		}
		if !r.Ok() {
			unreadable = append(unreadable, UnreadableRange{Addr: cur, Len: chunk})
		} else {
			paddr := r.Paddr.AlignDown(pageSize).Add(pageOff)
			if err := v.writePhys(ctx, paddr, b[offset:offset+chunk]); err != nil {
				return err
			}
		}
		cur = cur.Add(chunk)
		offset += chunk
		remaining -= chunk
	}
	if len(unreadable) > 0 {
		return &PartialDataError{Unreadable: unreadable}
	}
	return nil
}

func (v *Memory) writePhys(ctx context.Context, paddr address.Address, b []byte) error {
	type writer interface {
		WriteRaw(ctx context.Context, addr address.Address, b []byte) error
	}
	w, ok := v.phys.(writer)
	if !ok {
		return errors.New("vmem: underlying physical memory does not support writes")
	}
	return w.WriteRaw(ctx, paddr, b)
}

func isPartial(err error) bool {
	var pe *PartialDataError
	return errors.As(err, &pe)
}
