// Package translate implements VirtualTranslate: batched, coalesced
// virtual-to-physical address translation by walking page tables held in
// a physmem.Memory. All architecture-specific behavior lives in the
// mmu.MmuSpec passed in; this package contains no per-architecture
// branches (spec.md §4.3).
package translate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/memview/memview/address"
	"github.com/memview/memview/internal/wirefmt"
	"github.com/memview/memview/mmu"
	"github.com/memview/memview/physmem"
)

// Reason enumerates per-request translation failures (spec.md §3
// TranslationResult, §7 Translation errors). It implements error so it
// can be compared with errors.Is directly.
type Reason int

const (
	ReasonInvalidPTE Reason = iota + 1
	ReasonPageNotPresent
	ReasonOutOfBounds
	ReasonPhysicalReadFailed
)

func (r Reason) Error() string {
	switch r {
	case ReasonInvalidPTE:
		return "translate: invalid PTE"
	case ReasonPageNotPresent:
		return "translate: page not present"
	case ReasonOutOfBounds:
		return "translate: out of bounds"
	case ReasonPhysicalReadFailed:
		return "translate: physical read failed"
	default:
		return "translate: unknown reason"
	}
}

// Sentinel aliases for errors.Is-style matching at call sites.
var (
	ErrInvalidPTE         error = ReasonInvalidPTE
	ErrPageNotPresent     error = ReasonPageNotPresent
	ErrOutOfBounds        error = ReasonOutOfBounds
	ErrPhysicalReadFailed error = ReasonPhysicalReadFailed
)

// ErrMaxIterations is returned for a tuple that never terminated within
// the architecture's level count — a corrupted or cyclic page table.
var ErrMaxIterations = errors.New("translate: max iterations exceeded")

// Request is one (vaddr, user_tag) pair to translate. Tag is opaque to
// the translator; it flows through unchanged so callers can correlate
// results without relying on output order.
type Request struct {
	Vaddr address.Address
	Tag   any
}

// Result is the outcome of translating one Request.
type Result struct {
	Tag      any
	Paddr    address.Address
	PageSize uint64
	Err      error
}

// Ok reports whether this Result is a successful translation.
func (r Result) Ok() bool { return r.Err == nil }

// Translator batches and caches virtual-to-physical translations against
// one physmem.Memory for one architecture. It is safe for concurrent use
// only if the underlying physmem.Memory advertises ThreadSafe; each
// Translator owns one DTB-keyed cache, matching the "no inter-instance
// synchronization" model in spec.md §5.
type Translator struct {
	mem  physmem.Memory
	spec *mmu.MmuSpec

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

type cacheKey struct {
	dtb     address.Address
	pageIdx uint64
}

type cacheEntry struct {
	paddr    address.Address
	pageSize uint64
}

// New constructs a Translator for the given architecture's page-table
// layout, reading through mem.
func New(mem physmem.Memory, spec *mmu.MmuSpec) *Translator {
	return &Translator{mem: mem, spec: spec, cache: make(map[cacheKey]cacheEntry)}
}

// InvalidateDTB drops every cache entry keyed to dtb. Callers signal a
// DTB change this way; entries for other DTBs are left untouched.
func (t *Translator) InvalidateDTB(dtb address.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.cache {
		if k.dtb == dtb {
			delete(t.cache, k)
		}
	}
}

func (t *Translator) lookupCache(dtb, vaddr address.Address) (cacheEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// The cache is keyed by the smallest page size this architecture
	// supports; a hit at that granularity is always correct regardless
	// of which level ultimately served the original translation.
	pageShift := log2u64(t.spec.PageSizeLevel(t.spec.FinalLevel()))
	key := cacheKey{dtb: dtb, pageIdx: uint64(vaddr) >> pageShift}
	e, ok := t.cache[key]
	return e, ok
}

func (t *Translator) storeCache(dtb, vaddr address.Address, pageSize uint64, paddr address.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pageShift := log2u64(t.spec.PageSizeLevel(t.spec.FinalLevel()))
	key := cacheKey{dtb: dtb, pageIdx: uint64(vaddr) >> pageShift}
	t.cache[key] = cacheEntry{paddr: paddr, pageSize: pageSize}
}

func log2u64(v uint64) uint {
	var n uint
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

type tuple struct {
	tag    any
	vaddr  address.Address
	ptBase address.Address
	level  int
	done   bool
	result Result
}

func (tp *tuple) pteAddr(spec *mmu.MmuSpec) address.Address {
	idx := spec.PteIndex(tp.vaddr, tp.level)
	return tp.ptBase.Add(idx * uint64(spec.PteSize))
}

// Translate resolves every request against dtb, calling out once per
// successful or failed tuple. Output order is unspecified; Tag
// disambiguates (spec.md §4.3 "Ordering"). A single failed translation
// never aborts the batch.
func (t *Translator) Translate(ctx context.Context, dtb address.Address, requests []Request, out func(Result)) error {
	tuples := make([]*tuple, len(requests))
	for i, r := range requests {
		if cached, ok := t.lookupCache(dtb, r.Vaddr); ok {
			minPage := t.spec.PageSizeLevel(t.spec.FinalLevel())
			paddr := cached.paddr.AlignDown(minPage).Add(r.Vaddr.PageOffset(minPage))
			out(Result{Tag: r.Tag, Paddr: paddr, PageSize: cached.pageSize})
			continue
		}
		tuples[i] = &tuple{tag: r.Tag, vaddr: r.Vaddr, ptBase: dtb, level: 0}
	}

	maxIter := t.spec.Levels()
	for iter := 0; iter < maxIter; iter++ {
		active := activeTuples(tuples)
		if len(active) == 0 {
			break
		}
		t.stepLevel(ctx, dtb, active)
	}

	for _, tp := range tuples {
		if tp == nil {
			continue
		}
		if !tp.done {
			tp.result = Result{Tag: tp.tag, Err: ErrMaxIterations}
		}
		out(tp.result)
	}
	return nil
}

// stepLevel performs one level of the walk for every still-active tuple:
// coalesce their PTE reads into the fewest physical reads, issue one
// batch, then decode and advance or terminate each tuple.
func (t *Translator) stepLevel(ctx context.Context, dtb address.Address, active []*tuple) {
	reads, owner := t.planReads(active)
	reqs := make([]physmem.ReadRequest, len(reads))
	bufs := make([][]byte, len(reads))
	for i, rg := range reads {
		bufs[i] = make([]byte, rg.len)
		reqs[i] = physmem.ReadRequest{Addr: rg.addr, Out: bufs[i]}
	}
	batchErr := t.mem.ReadBatch(ctx, reqs)
	failedIdx := failedReadIndices(reads, batchErr)

	for i, tp := range active {
		idx := owner[i]
		if failedIdx[idx] {
			tp.result = Result{Tag: tp.tag, Err: fmt.Errorf("%w", ErrPhysicalReadFailed)}
			tp.done = true
			continue
		}
		rg := reads[idx]
		pteOff := uint64(tp.pteAddr(t.spec)) - uint64(rg.addr)
		pteBytes := bufs[idx][pteOff : pteOff+uint64(t.spec.PteSize)]
		pte := wirefmt.Uint(pteBytes, int(t.spec.PteSize), t.spec.Endian)

		if !t.spec.PtePresent(pte) {
			tp.result = Result{Tag: tp.tag, Err: ErrPageNotPresent}
			tp.done = true
			continue
		}

		terminate := tp.level == t.spec.FinalLevel() ||
			(t.spec.PteLargePage(pte) && t.spec.ValidLeafAt(tp.level))

		paddrBits := t.spec.PteAddrMask(pte, tp.level)
		if paddrBits >= uint64(1)<<t.spec.AddressSpaceBits {
			tp.result = Result{Tag: tp.tag, Err: ErrInvalidPTE}
			tp.done = true
			continue
		}

		if terminate {
			pageSize := t.spec.PageSizeLevel(tp.level)
			paddr := address.Address(paddrBits | (uint64(tp.vaddr) & (pageSize - 1)))
			tp.result = Result{Tag: tp.tag, Paddr: paddr, PageSize: pageSize}
			tp.done = true
			t.storeCache(dtb, tp.vaddr, pageSize, paddr)
			continue
		}

		tp.ptBase = address.Address(paddrBits)
		tp.level++
	}
}

func activeTuples(tuples []*tuple) []*tuple {
	var active []*tuple
	for _, tp := range tuples {
		if tp != nil && !tp.done {
			active = append(active, tp)
		}
	}
	return active
}

type readRange struct {
	addr address.Address
	len  uint64
}

// planReads coalesces each active tuple's next PTE read, per spec.md
// §4.3.b: sort tuples by PTE physical address, then merge every read
// that starts less than 4096 bytes after the current range's first PTE
// into that one spanning read.
func (t *Translator) planReads(active []*tuple) ([]readRange, []int) {
	type item struct {
		pos  int
		addr address.Address
	}
	items := make([]item, len(active))
	for i, tp := range active {
		items[i] = item{i, tp.pteAddr(t.spec)}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].addr < items[j].addr })

	const coalesceWindow = 4096 // one physical page
	var ranges []readRange
	owner := make([]int, len(active))
	for _, it := range items {
		end := it.addr.Add(uint64(t.spec.PteSize))
		if len(ranges) > 0 {
			last := &ranges[len(ranges)-1]
			lastEnd := last.addr.Add(last.len)
			if uint64(it.addr)-uint64(last.addr) < coalesceWindow {
				if end > lastEnd {
					last.len = uint64(end) - uint64(last.addr)
				}
				owner[it.pos] = len(ranges) - 1
				continue
			}
		}
		ranges = append(ranges, readRange{it.addr, uint64(t.spec.PteSize)})
		owner[it.pos] = len(ranges) - 1
	}
	return ranges, owner
}

// failedReadIndices maps a ReadBatch error back onto the indices of the
// coalesced reads slice it was given, so stepLevel can attribute a
// failure only to the tuples depending on that specific physical read
// (spec.md §4.3 "Failure semantics"), leaving the rest of the batch to
// proceed.
func failedReadIndices(reads []readRange, err error) map[int]bool {
	failed := make(map[int]bool)
	if err == nil {
		return failed
	}
	var be *physmem.BatchError
	if !errors.As(err, &be) {
		// An error we don't recognize as partial: treat the whole batch
		// as failed rather than silently proceeding.
		for i := range reads {
			failed[i] = true
		}
		return failed
	}
	byAddr := make(map[address.Address]int, len(reads))
	for i, rg := range reads {
		byAddr[rg.addr] = i
	}
	for _, rangeErr := range be.Failed {
		if i, ok := byAddr[rangeErr.Addr]; ok {
			failed[i] = true
		}
	}
	return failed
}
