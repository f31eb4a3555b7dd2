package offsets

import (
	"context"
	"errors"
	"testing"
)

func TestLoadDatabase(t *testing.T) {
	db, err := LoadDatabase()
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := db.Lookup(VersionKey{Major: 10, Minor: 0, Build: 19041, Arch: "x64"})
	if err != nil {
		t.Fatal(err)
	}
	if tbl.EprocPid == 0 {
		t.Fatal("expected non-zero eproc_pid offset")
	}
}

func TestLookupNotFound(t *testing.T) {
	db, err := LoadDatabase()
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.Lookup(VersionKey{Major: 99, Minor: 0, Build: 1, Arch: "x64"})
	if !errors.Is(err, ErrOffsetsNotFound) {
		t.Fatalf("err = %v, want ErrOffsetsNotFound", err)
	}
}

type fakePDB struct{ table Table }

func (f fakePDB) Resolve(ctx context.Context, pdbName, guidAge string) (Table, error) {
	return f.table, nil
}

func TestResolverPrefersPDB(t *testing.T) {
	r, err := NewResolver(fakePDB{table: Table{EprocPid: 0xdead}})
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := r.Resolve(context.Background(), VersionKey{Major: 10, Build: 19041, Arch: "x64"}, "ntoskrnl.pdb", "guidage")
	if err != nil {
		t.Fatal(err)
	}
	if tbl.EprocPid != 0xdead {
		t.Fatalf("expected PDB source to win, got %#x", tbl.EprocPid)
	}
}

func TestResolverFallsBackToDatabase(t *testing.T) {
	r, err := NewResolver(nil)
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := r.Resolve(context.Background(), VersionKey{Major: 10, Minor: 0, Build: 19041, Arch: "x64"}, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if tbl.EprocPid == 0 {
		t.Fatal("expected baked-in table entry")
	}
}
