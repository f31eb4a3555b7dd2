package physmem

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/memview/memview/address"
)

// File is a reference PhysicalMemory backed by a flat coredump file, where
// file offset equals physical address. It is the one concrete connector
// this module ships: the coredump/hypervisor wire protocols themselves
// stay out of scope per spec.md §1, but something has to exercise the
// Memory interface end to end, and a raw physical-memory dump is the
// simplest such source. Real connectors (flow-coredump and friends in
// the upstream project this was distilled from) additionally translate a
// container format's own headers into physical ranges; File assumes that
// has already been done.
type File struct {
	path string
	size int64
	mmapped
}

// Open maps path read-only. On platforms with an mmap backend (see
// mmap_unix.go) the whole file is mapped once; elsewhere reads fall back
// to pread-style ReadAt calls (mmap_other.go).
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("physmem: open %s: %w", path, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("physmem: stat %s: %w", path, err)
	}
	m, err := newMmapped(path, st.Size())
	if err != nil {
		return nil, err
	}
	return &File{path: path, size: st.Size(), mmapped: m}, nil
}

// Close releases the backing mapping or file handle.
func (f *File) Close() error { return f.mmapped.Close() }

func (f *File) ReadRaw(ctx context.Context, addr address.Address, length uint64) ([]byte, error) {
	start := int64(addr)
	end := start + int64(length)
	if start < 0 || end > f.size {
		return nil, &RangeError{Addr: addr, Len: int(length), Err: ErrOutOfBounds}
	}
	out := make([]byte, length)
	if err := f.mmapped.readAt(out, start); err != nil {
		return nil, &RangeError{Addr: addr, Len: int(length), Err: fmt.Errorf("%w: %v", ErrIOFailed, err)}
	}
	return out, nil
}

func (f *File) ReadBatch(ctx context.Context, requests []ReadRequest) error {
	var mu sync.Mutex
	var failed []*RangeError
	err := parallelFill(ctx, true, len(requests), func(i int) error {
		r := requests[i]
		start := int64(r.Addr)
		end := start + int64(len(r.Out))
		if start < 0 || end > f.size {
			mu.Lock()
			failed = append(failed, &RangeError{Addr: r.Addr, Len: len(r.Out), Err: ErrOutOfBounds})
			mu.Unlock()
			return nil
		}
		if err := f.mmapped.readAt(r.Out, start); err != nil {
			mu.Lock()
			failed = append(failed, &RangeError{Addr: r.Addr, Len: len(r.Out), Err: fmt.Errorf("%w: %v", ErrIOFailed, err)})
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		return &BatchError{Failed: failed}
	}
	return nil
}

func (f *File) Metadata() Metadata {
	return Metadata{MaxAddress: address.Address(f.size), Threading: ThreadSafe}
}
