package physmem

import (
	"context"

	"github.com/memview/memview/address"
)

// WriteRaw implements the optional write capability vmem.Memory.WriteRaw
// looks for on the underlying physical source. Slice supports it so
// tests can exercise vmem's write path; File does not, since this
// module's own scope is read-only (spec.md §1 Non-goals).
func (s *Slice) WriteRaw(ctx context.Context, addr address.Address, b []byte) error {
	s.Poke(uint64(addr), b)
	return nil
}
