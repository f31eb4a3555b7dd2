package physmem

import (
	"bytes"
	"context"
	"testing"

	"github.com/memview/memview/address"
)

func TestSliceReadRaw(t *testing.T) {
	buf := make([]byte, 0x2000)
	copy(buf[0x10:], []byte("hello"))
	s := NewSlice(buf)
	got, err := s.ReadRaw(context.Background(), 0x10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("got %q", got)
	}
}

func TestSliceReadRawOutOfBounds(t *testing.T) {
	s := NewSlice(make([]byte, 0x10))
	_, err := s.ReadRaw(context.Background(), 0x20, 4)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestSliceReadBatchPartialFailure(t *testing.T) {
	s := NewSlice(make([]byte, 0x1000))
	reqs := []ReadRequest{
		{Addr: 0x0, Out: make([]byte, 4)},
		{Addr: 0x2000, Out: make([]byte, 4)},
	}
	err := s.ReadBatch(context.Background(), reqs)
	if err == nil {
		t.Fatal("expected BatchError")
	}
	var be *BatchError
	if !asBatchError(err, &be) {
		t.Fatalf("expected *BatchError, got %T", err)
	}
	if len(be.Failed) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(be.Failed))
	}
}

func asBatchError(err error, out **BatchError) bool {
	be, ok := err.(*BatchError)
	if ok {
		*out = be
	}
	return ok
}

func TestCoalesce(t *testing.T) {
	reqs := []ReadRequest{
		{Addr: address.Address(0x1000), Out: make([]byte, 0x10)},
		{Addr: address.Address(0x1010), Out: make([]byte, 0x10)},
		{Addr: address.Address(0x5000), Out: make([]byte, 0x10)},
	}
	ranges, owner := Coalesce(reqs)
	if len(ranges) != 2 {
		t.Fatalf("expected 2 coalesced ranges, got %d", len(ranges))
	}
	if owner[0] != owner[1] {
		t.Fatalf("adjacent requests should share a range")
	}
	if owner[2] == owner[0] {
		t.Fatalf("distant request should not share a range")
	}
	if ranges[owner[0]].Len != 0x20 {
		t.Fatalf("merged range length = %#x, want 0x20", ranges[owner[0]].Len)
	}
}
