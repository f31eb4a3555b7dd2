package scan

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/memview/memview/address"
	"github.com/memview/memview/physmem"
)

func putEntry(page []byte, idx int, v uint64) {
	binary.LittleEndian.PutUint64(page[idx*8:idx*8+8], v)
}

func TestScanX64LowStubFindsCandidate(t *testing.T) {
	mem := physmem.NewSlice(make([]byte, 0x100000))
	page := make([]byte, pageSize)
	putEntry(page, 0, 0x2000|1|2) // present, writeable, points at 0x2000
	putEntry(page, 1, 0x3000|1)
	mem.Poke(0x1000, page)

	cands, err := ScanX64LowStub(context.Background(), mem)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range cands {
		if c.Addr == address.Address(0x1000) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected candidate at 0x1000, got %+v", cands)
	}
}

func TestScanX64LowStubRejectsEmptyPage(t *testing.T) {
	mem := physmem.NewSlice(make([]byte, 0x100000))
	cands, err := ScanX64LowStub(context.Background(), mem)
	if err != ErrNotFound {
		t.Fatalf("err = %v, cands = %+v, want ErrNotFound", err, cands)
	}
}

// TestScanAArch64DTBAccepts builds one page satisfying all three
// heuristic conditions and checks it is reported as a candidate.
func TestScanAArch64DTBAccepts(t *testing.T) {
	mem := physmem.NewSlice(make([]byte, 0x20000))
	const phys = address.Address(0x10000)
	page := make([]byte, pageSize)

	putEntry(page, 0, 0x20000|0xf03)          // pte0: target 0x20000, flags 0xf03
	putEntry(page, 0x100, uint64(phys)|0xf03) // self-reference, within page[0x800:]

	for i := 0x101; i < 0x108; i++ {
		putEntry(page, i, uint64(i)*pageSize|0x703)
	}
	mem.Poke(uint64(phys), page)

	cands, err := ScanAArch64DTB(context.Background(), mem, 0x20000)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range cands {
		if c.Addr == phys {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected candidate at %s, got %+v", phys, cands)
	}
}

func TestScanAArch64DTBRejectsMissingSelfRef(t *testing.T) {
	mem := physmem.NewSlice(make([]byte, 0x20000))
	const phys = address.Address(0x10000)
	page := make([]byte, pageSize)
	putEntry(page, 0, 0x20000|0xf03)
	for i := 0x101; i < 0x108; i++ {
		putEntry(page, i, uint64(i)*pageSize|0x703)
	}
	// no self-reference entry anywhere in page[0x800:]
	mem.Poke(uint64(phys), page)

	_, err := ScanAArch64DTB(context.Background(), mem, 0x20000)
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestScanAArch64DTBRejectsTooFewEntries(t *testing.T) {
	mem := physmem.NewSlice(make([]byte, 0x20000))
	const phys = address.Address(0x10000)
	page := make([]byte, pageSize)
	putEntry(page, 0, 0x20000|0xf03)
	putEntry(page, 0x100, uint64(phys)|0xf03)
	// only 3 valid entries within page[0x800:], below the required 6
	for i := 0x101; i < 0x104; i++ {
		putEntry(page, i, uint64(i)*pageSize|0x703)
	}
	mem.Poke(uint64(phys), page)

	_, err := ScanAArch64DTB(context.Background(), mem, 0x20000)
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLocateKernelImageScansBackward(t *testing.T) {
	validated := map[address.Address]bool{
		address.Address(0x7000): true,
	}
	validate := func(ctx context.Context, vaddr address.Address) (bool, error) {
		return validated[vaddr], nil
	}
	got, err := LocateKernelImage(context.Background(), address.Address(0x9000), 16, validate)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x7000 {
		t.Fatalf("got %s, want 0x7000", got)
	}
}

func TestLocateKernelImageNotFound(t *testing.T) {
	validate := func(ctx context.Context, vaddr address.Address) (bool, error) { return false, nil }
	_, err := LocateKernelImage(context.Background(), address.Address(0x9000), 4, validate)
	if err == nil {
		t.Fatal("expected error")
	}
}
