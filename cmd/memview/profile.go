package main

import (
	"context"
	"io"
	"sync"

	"github.com/google/pprof/profile"

	"github.com/memview/memview/address"
	"github.com/memview/memview/physmem"
)

// pageFaultRecorder counts physical page touches during a read command,
// keyed by page-aligned physical address. -pprof renders it as a
// github.com/google/pprof/profile.Profile so it can be inspected with
// `go tool pprof` like any other profile.
type pageFaultRecorder struct {
	mu     sync.Mutex
	counts map[uint64]int64
}

func newPageFaultRecorder() *pageFaultRecorder {
	return &pageFaultRecorder{counts: make(map[uint64]int64)}
}

func (r *pageFaultRecorder) record(addr address.Address) {
	page := uint64(addr) &^ 0xfff
	r.mu.Lock()
	r.counts[page]++
	r.mu.Unlock()
}

func (r *pageFaultRecorder) writeProfile(w io.Writer) error {
	fn := &profile.Function{ID: 1, Name: "physical_page_read", SystemName: "physical_page_read", Filename: "memview"}
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "reads", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "reads", Unit: "count"},
		Period:     1,
		Function:   []*profile.Function{fn},
	}

	locID := uint64(1)
	for page, count := range r.counts {
		loc := &profile.Location{
			ID:      locID,
			Address: page,
			Line:    []profile.Line{{Function: fn}},
		}
		prof.Location = append(prof.Location, loc)
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{count},
		})
		locID++
	}
	return prof.Write(w)
}

// countingMemory wraps a physmem.Memory, recording every page it's asked
// to read into a pageFaultRecorder without changing read semantics.
type countingMemory struct {
	inner physmem.Memory
	rec   *pageFaultRecorder
}

func (c *countingMemory) ReadRaw(ctx context.Context, addr address.Address, length uint64) ([]byte, error) {
	c.rec.record(addr)
	return c.inner.ReadRaw(ctx, addr, length)
}

func (c *countingMemory) ReadBatch(ctx context.Context, reqs []physmem.ReadRequest) error {
	for _, r := range reqs {
		c.rec.record(r.Addr)
	}
	return c.inner.ReadBatch(ctx, reqs)
}

func (c *countingMemory) Metadata() physmem.Metadata { return c.inner.Metadata() }
