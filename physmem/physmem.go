// Package physmem defines the PhysicalMemory contract: the one primitive
// every layer above it is built on. A PhysicalMemory reads bytes out of a
// target's physical address space; it never interprets them. Concrete
// connectors (a coredump file, a hypervisor channel, a kernel driver) live
// outside this module's scope — spec.md treats them as external
// collaborators — but this package still ships one reference, in-scope
// implementation (File) so the interface has somewhere to run end to end,
// plus an in-memory Slice used throughout the test suite.
package physmem

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/memview/memview/address"
)

// Threading advertises whether a Memory implementation may be driven
// concurrently from independent goroutines.
type Threading int

const (
	// SingleThreaded means the caller must serialize all access.
	SingleThreaded Threading = iota
	// ThreadSafe means independent goroutines may call ReadRaw/ReadBatch
	// concurrently. translate and vmem do not consult it; they issue
	// their batches sequentially.
	ThreadSafe
)

// Metadata describes static properties of a physical memory source.
type Metadata struct {
	// MaxAddress is one past the highest addressable byte (the source's
	// size in bytes), or address.Invalid if unknown.
	MaxAddress address.Address
	Threading  Threading
}

// ErrOutOfBounds is returned when a requested range falls outside the
// source's addressable space, or exceeds a connector-defined maximum
// single-request size.
var ErrOutOfBounds = errors.New("physmem: out of bounds")

// ErrIOFailed is returned when the underlying transport could not service
// a read (file error, broken hypervisor channel, etc).
var ErrIOFailed = errors.New("physmem: io failed")

// ReadRequest is one entry in a batched read: fill Out with length
// len(Out) bytes starting at Addr.
type ReadRequest struct {
	Addr address.Address
	Out  []byte
}

// RangeError attributes a failure to a specific request's address and
// length so batch callers can tell which of many sub-reads failed.
type RangeError struct {
	Addr address.Address
	Len  int
	Err  error
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("physmem: read [%s, %s) failed: %v", e.Addr, e.Addr.Add(uint64(e.Len)), e.Err)
}

func (e *RangeError) Unwrap() error { return e.Err }

// Memory is the contract every OS-reconstruction layer above this package
// is built on: read contiguous physical ranges, singly or in a batch.
// Implementations may coalesce adjacent ranges in ReadBatch, but each
// output buffer must be filled (or reported as failed) independently of
// the others.
type Memory interface {
	// ReadRaw reads length bytes starting at addr.
	ReadRaw(ctx context.Context, addr address.Address, length uint64) ([]byte, error)
	// ReadBatch fills every request's Out buffer, or reports a per-request
	// error via the returned error's chain (see BatchError).
	ReadBatch(ctx context.Context, requests []ReadRequest) error
	// Metadata reports static properties of this source.
	Metadata() Metadata
}

// BatchError aggregates the per-request failures from a ReadBatch call.
// A request with no corresponding RangeError succeeded.
type BatchError struct {
	Failed []*RangeError
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("physmem: %d of the batch's reads failed", len(e.Failed))
}

// Coalesce sorts requests by address and merges adjacent or overlapping
// ranges into the fewest spanning reads, returning the merged ranges and,
// for each original request, the index of the merged range it falls
// within. It is a helper for ReadBatch implementations that want to
// amortize many small reads against one transport round trip; neither
// Slice nor File calls it, and translate coalesces its PTE reads with
// its own planReads.
func Coalesce(requests []ReadRequest) (ranges []struct {
	Addr address.Address
	Len  uint64
}, owner []int) {
	type indexed struct {
		idx  int
		addr address.Address
		len  uint64
	}
	items := make([]indexed, len(requests))
	for i, r := range requests {
		items[i] = indexed{i, r.Addr, uint64(len(r.Out))}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].addr < items[j].addr })

	owner = make([]int, len(requests))
	for _, it := range items {
		end := it.addr.Add(it.len)
		if len(ranges) > 0 {
			last := &ranges[len(ranges)-1]
			lastEnd := last.Addr.Add(last.Len)
			if it.addr <= lastEnd {
				if end > lastEnd {
					last.Len = uint64(end) - uint64(last.Addr)
				}
				owner[it.idx] = len(ranges) - 1
				continue
			}
		}
		ranges = append(ranges, struct {
			Addr address.Address
			Len  uint64
		}{it.addr, it.len})
		owner[it.idx] = len(ranges) - 1
	}
	return ranges, owner
}
