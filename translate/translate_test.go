package translate

import (
	"context"
	"errors"
	"testing"

	"github.com/memview/memview/address"
	"github.com/memview/memview/mmu"
	"github.com/memview/memview/physmem"
)

func putPTE(mem *physmem.Slice, addr uint64, pte uint64) {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(pte >> (8 * i))
	}
	mem.Poke(addr, buf)
}

// TestX64LargePageTranslation is spec.md §8 end-to-end scenario 2: DTB =
// 0x1a000, vaddr = 0xFFFFF80000000000. PML4[0x1f0] -> PDPT[0] -> PD[0]
// (large page) -> physical 0x200000. Bits [39,47] of that vaddr are
// 0x1f0, so that is the PML4 slot the walk reads.
func TestX64LargePageTranslation(t *testing.T) {
	mem := physmem.NewSlice(make([]byte, 0x400000))
	dtb := uint64(0x1a000)
	pdptBase := uint64(0x1b000)
	pdBase := uint64(0x1c000)

	putPTE(mem, dtb+0x1f0*8, pdptBase|uint64(1))
	putPTE(mem, pdptBase+0*8, pdBase|uint64(1))
	// PD[0]: present + large page, physical base 0x200000.
	putPTE(mem, pdBase+0*8, 0x200000|uint64(1)|(1<<mmu.X64Spec.LargePageBit))

	tr := New(mem, mmu.X64Spec)
	var got Result
	err := tr.Translate(context.Background(), address.Address(dtb), []Request{
		{Vaddr: address.Address(0xFFFFF80000000000), Tag: "req1"},
	}, func(r Result) { got = r })
	if err != nil {
		t.Fatal(err)
	}
	if !got.Ok() {
		t.Fatalf("translation failed: %v", got.Err)
	}
	if got.Paddr != address.Address(0x200000) {
		t.Fatalf("paddr = %v, want 0x200000", got.Paddr)
	}
	if got.PageSize != 2*1024*1024 {
		t.Fatalf("page size = %d, want 2MB", got.PageSize)
	}
}

func TestPageNotPresent(t *testing.T) {
	mem := physmem.NewSlice(make([]byte, 0x10000))
	dtb := uint64(0x1000)
	// PML4[0] left zero: not present.
	tr := New(mem, mmu.X64Spec)
	var got Result
	err := tr.Translate(context.Background(), address.Address(dtb), []Request{
		{Vaddr: address.Address(0x1000), Tag: "x"},
	}, func(r Result) { got = r })
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(got.Err, ErrPageNotPresent) {
		t.Fatalf("err = %v, want ErrPageNotPresent", got.Err)
	}
}

func TestBatchIndependentFailures(t *testing.T) {
	mem := physmem.NewSlice(make([]byte, 0x10000))
	dtb := uint64(0x1000)
	// Only set up a full mapping for vaddr 0; a second vaddr whose PML4
	// entry was never written resolves to a not-present PTE, but must
	// not abort the other tuple's translation in the same batch.
	pdpt, pd, pt := uint64(0x2000), uint64(0x3000), uint64(0x4000)
	putPTE(mem, dtb+0*8, pdpt|uint64(1))
	putPTE(mem, pdpt+0*8, pd|uint64(1))
	putPTE(mem, pd+0*8, pt|uint64(1))
	putPTE(mem, pt+0*8, 0x9000|uint64(1))

	tr := New(mem, mmu.X64Spec)
	results := map[string]Result{}
	err := tr.Translate(context.Background(), address.Address(dtb), []Request{
		{Vaddr: address.Address(0x0), Tag: "good"},
		{Vaddr: address.Address(0x7FFFFFFFFFFF), Tag: "bad"},
	}, func(r Result) { results[r.Tag.(string)] = r })
	if err != nil {
		t.Fatal(err)
	}
	if !results["good"].Ok() {
		t.Fatalf("good request should succeed, got %v", results["good"].Err)
	}
	if results["bad"].Ok() {
		t.Fatalf("bad request should fail")
	}
}
