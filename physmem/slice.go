package physmem

import (
	"context"
	"sync"

	"github.com/memview/memview/address"
	"golang.org/x/sync/errgroup"
)

// Slice is an in-memory PhysicalMemory backed by a plain byte slice. It is
// the mock used throughout this module's test suite (fabricated page
// tables, fabricated EPROCESS chains) and is safe for concurrent readers;
// a RWMutex additionally guards the rare concurrent Poke from a test.
type Slice struct {
	mu  sync.RWMutex
	buf []byte
}

// NewSlice wraps buf directly (no copy); callers that need isolation
// should clone first.
func NewSlice(buf []byte) *Slice {
	return &Slice{buf: buf}
}

// Poke writes b into the backing buffer at off, growing it if necessary.
// It exists purely for tests that fabricate page tables and kernel
// structures in place.
func (s *Slice) Poke(off uint64, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	need := off + uint64(len(b))
	if need > uint64(len(s.buf)) {
		grown := make([]byte, need)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[off:], b)
}

func (s *Slice) ReadRaw(ctx context.Context, addr address.Address, length uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := uint64(addr)
	end := start + length
	if end > uint64(len(s.buf)) {
		return nil, &RangeError{Addr: addr, Len: int(length), Err: ErrOutOfBounds}
	}
	out := make([]byte, length)
	copy(out, s.buf[start:end])
	return out, nil
}

func (s *Slice) ReadBatch(ctx context.Context, requests []ReadRequest) error {
	var failed []*RangeError
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range requests {
		start := uint64(r.Addr)
		end := start + uint64(len(r.Out))
		if end > uint64(len(s.buf)) {
			failed = append(failed, &RangeError{Addr: r.Addr, Len: len(r.Out), Err: ErrOutOfBounds})
			continue
		}
		copy(r.Out, s.buf[start:end])
	}
	if len(failed) > 0 {
		return &BatchError{Failed: failed}
	}
	return nil
}

func (s *Slice) Metadata() Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Metadata{MaxAddress: address.Address(len(s.buf)), Threading: ThreadSafe}
}

// parallelFill is a small helper concrete Memory implementations (File,
// and any future connector) can reuse: it runs fn for each index in
// [0, n) across a bounded goroutine pool (at most 8 at once) when
// threadSafe is true, otherwise sequentially. Slice's own ReadBatch does
// not use it. Grounded on golang.org/x/sync/errgroup, the way
// the rest of the pack (SeleniaProject-Orizon's compiler pipeline stages)
// fans out independent units of work.
func parallelFill(ctx context.Context, threadSafe bool, n int, fn func(i int) error) error {
	if !threadSafe || n <= 1 {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error { return fn(i) })
	}
	return g.Wait()
}
