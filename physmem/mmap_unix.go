//go:build linux || darwin

package physmem

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// mmapped maps a coredump file once at open time; readAt then slices the
// mapping directly rather than issuing a syscall per read. This is the
// fast path for the large, read-mostly files this module is built around.
type mmapped struct {
	data []byte
}

func newMmapped(path string, size int64) (mmapped, error) {
	if size == 0 {
		return mmapped{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return mmapped{}, err
	}
	defer f.Close()
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return mmapped{}, err
	}
	return mmapped{data: data}, nil
}

func (m mmapped) readAt(out []byte, off int64) error {
	if off < 0 || off+int64(len(out)) > int64(len(m.data)) {
		return errors.New("physmem: mmap read out of range")
	}
	copy(out, m.data[off:int64(len(out))+off])
	return nil
}

func (m mmapped) Close() error {
	if m.data == nil {
		return nil
	}
	return unix.Munmap(m.data)
}
