// Package offsets maps a Windows kernel version and architecture to the
// concrete byte offsets win32/kernel needs into EPROCESS, ETHREAD, TEB
// and the kernel module list (spec.md §4.6). Two sources are supported,
// in priority order: a PDB symbol lookup (authoritative, left as an
// interface since downloading and parsing PDBs is an external-service
// concern outside this module's core) and a baked-in table for the fast,
// offline path.
package offsets

import (
	"context"
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Table is the immutable set of byte offsets win32/kernel walks through.
// Once resolved (by PDBSource or the baked-in Database), a Table is never
// mutated.
type Table struct {
	EprocLink         uint64 `yaml:"eproc_link"`
	EprocPid          uint64 `yaml:"eproc_pid"`
	EprocName         uint64 `yaml:"eproc_name"`
	EprocDTB          uint64 `yaml:"eproc_dtb"`
	EprocPeb          uint64 `yaml:"eproc_peb"`
	EprocSectionBase  uint64 `yaml:"eproc_section_base"`
	EprocExitStatus   uint64 `yaml:"eproc_exit_status"`
	EprocThreadList   uint64 `yaml:"eproc_thread_list"`
	EprocWow64        uint64 `yaml:"eproc_wow64"`
	EthreadListEntry  uint64 `yaml:"ethread_list_entry"`
	KthreadTeb        uint64 `yaml:"kthread_teb"`
	TebPebX86         uint64 `yaml:"teb_peb_x86"`
	ListBlink         uint64 `yaml:"list_blink"`
	KmodListEntry     uint64 `yaml:"kmod_list_entry"`
	KmodBase          uint64 `yaml:"kmod_base"`
	KmodSize          uint64 `yaml:"kmod_size"`
	KmodName          uint64 `yaml:"kmod_name"`
	KmodPath          uint64 `yaml:"kmod_path"`

	// Per-process module list: PEB.Ldr and the LDR_DATA_TABLE_ENTRY
	// fields reached through PEB_LDR_DATA.InMemoryOrderModuleList.
	PebLdr               uint64 `yaml:"peb_ldr"`
	LdrInMemOrderList    uint64 `yaml:"ldr_in_mem_order_list"`
	LdrEntryInMemOrderLinks uint64 `yaml:"ldr_entry_in_mem_order_links"`
	LdrEntryDllBase      uint64 `yaml:"ldr_entry_dll_base"`
	LdrEntrySizeOfImage  uint64 `yaml:"ldr_entry_size_of_image"`
	LdrEntryFullDllName  uint64 `yaml:"ldr_entry_full_dll_name"` // UNICODE_STRING
	LdrEntryBaseDllName  uint64 `yaml:"ldr_entry_base_dll_name"` // UNICODE_STRING

	// PEB.ProcessParameters and the two UNICODE_STRING fields of
	// RTL_USER_PROCESS_PARAMETERS this module resolves a process's
	// command line and image path from.
	PebProcessParameters uint64 `yaml:"peb_process_parameters"`
	ParamsCommandLine    uint64 `yaml:"params_command_line"`    // UNICODE_STRING
	ParamsImagePathName  uint64 `yaml:"params_image_path_name"` // UNICODE_STRING
}

// UnicodeString describes a UNICODE_STRING's Length/Buffer field offsets
// relative to its own start, fixed across every Windows version this
// module targets.
const (
	UnicodeStringLengthOffset uint64 = 0x0
	UnicodeStringBufferOffset32 uint64 = 0x4
	UnicodeStringBufferOffset64 uint64 = 0x8
)

// VersionKey identifies one (major, minor, build, arch) Windows release
// the baked-in Database, or a PDB lookup, can resolve offsets for.
type VersionKey struct {
	Major, Minor, Build uint32
	Arch                string // "x64", "x86", "arm64"
}

func (k VersionKey) String() string {
	return fmt.Sprintf("%d.%d.%d-%s", k.Major, k.Minor, k.Build, k.Arch)
}

// ErrOffsetsNotFound is returned when neither the PDB source nor the
// baked-in table has an entry for a version.
var ErrOffsetsNotFound = fmt.Errorf("offsets: no offsets found for this kernel version")

//go:embed offsets.yaml
var bakedYAML []byte

type bakedFile struct {
	Entries []bakedEntry `yaml:"entries"`
}

type bakedEntry struct {
	VersionKey `yaml:",inline"`
	Table      `yaml:",inline"`
}

// Database is the baked-in, offline fallback table, authored as YAML and
// decoded with gopkg.in/yaml.v3 so new Windows builds are added by
// editing offsets.yaml rather than Go code (spec.md §4.6 fallback
// source). The file is embedded at build time, so a change to it takes
// effect only after recompiling.
type Database struct {
	entries map[VersionKey]Table
}

// LoadDatabase parses the embedded baked-in offsets table.
func LoadDatabase() (*Database, error) {
	var f bakedFile
	if err := yaml.Unmarshal(bakedYAML, &f); err != nil {
		return nil, fmt.Errorf("offsets: parsing baked-in table: %w", err)
	}
	db := &Database{entries: make(map[VersionKey]Table, len(f.Entries))}
	for _, e := range f.Entries {
		db.entries[e.VersionKey] = e.Table
	}
	return db, nil
}

// Lookup returns the offsets for key, or ErrOffsetsNotFound.
func (d *Database) Lookup(key VersionKey) (Table, error) {
	t, ok := d.entries[key]
	if !ok {
		return Table{}, ErrOffsetsNotFound
	}
	return t, nil
}

// PDBSource resolves offsets authoritatively from a kernel image's PDB
// symbols (spec.md §4.6 source 1: ntoskrnl.exe's RSDS debug directory,
// fetched from a symbol server at
// "<BASE>/<PdbName>/<Guid><Age>/<PdbName>" per spec.md §6). Parsing a PDB
// and talking to a symbol server are out of this module's core scope —
// PDBSource is the seam a caller plugs a real implementation into; this
// module ships none.
type PDBSource interface {
	Resolve(ctx context.Context, pdbName string, guidAge string) (Table, error)
}

// Resolver tries a PDBSource first, falling back to the baked-in
// Database, matching the priority order in spec.md §4.6.
type Resolver struct {
	PDB *PDBSource
	DB  *Database
}

// NewResolver constructs a Resolver backed by the embedded baked-in
// table; pdb may be nil to skip the PDB lookup entirely.
func NewResolver(pdb PDBSource) (*Resolver, error) {
	db, err := LoadDatabase()
	if err != nil {
		return nil, err
	}
	r := &Resolver{DB: db}
	if pdb != nil {
		r.PDB = &pdb
	}
	return r, nil
}

// Resolve looks up offsets for key, preferring a PDB lookup (given
// pdbName/guidAge) and falling back to the baked-in table.
func (r *Resolver) Resolve(ctx context.Context, key VersionKey, pdbName, guidAge string) (Table, error) {
	if r.PDB != nil {
		if t, err := (*r.PDB).Resolve(ctx, pdbName, guidAge); err == nil {
			return t, nil
		}
	}
	return r.DB.Lookup(key)
}
