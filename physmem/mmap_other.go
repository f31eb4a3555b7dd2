//go:build !linux && !darwin

package physmem

import "os"

// mmapped falls back to plain pread-style access on platforms without a
// cheap mmap path available through golang.org/x/sys/unix.
type mmapped struct {
	f *os.File
}

func newMmapped(path string, size int64) (mmapped, error) {
	f, err := os.Open(path)
	if err != nil {
		return mmapped{}, err
	}
	return mmapped{f: f}, nil
}

func (m mmapped) readAt(out []byte, off int64) error {
	_, err := m.f.ReadAt(out, off)
	return err
}

func (m mmapped) Close() error {
	if m.f == nil {
		return nil
	}
	return m.f.Close()
}
