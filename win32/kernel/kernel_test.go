package kernel

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/memview/memview/address"
	"github.com/memview/memview/mmu"
	"github.com/memview/memview/physmem"
	"github.com/memview/memview/translate"
	"github.com/memview/memview/win32/offsets"
)

// testTable is a small, convenient offset layout for fabricated test
// fixtures; it has no relation to any real Windows build.
var testTable = offsets.Table{
	EprocLink:        0x10,
	EprocPid:         0x20,
	EprocName:        0x30,
	EprocDTB:         0x48,
	EprocPeb:         0x50,
	EprocSectionBase: 0x58,
	EprocExitStatus:  0x60,
	EprocThreadList:  0x68,
	EprocWow64:       0x70,

	EthreadListEntry: 0x10,
	KthreadTeb:       0x20,
	TebPebX86:        0x30,

	PebLdr:                  0x10,
	LdrInMemOrderList:       0x18,
	LdrEntryInMemOrderLinks: 0x10,
	LdrEntryDllBase:         0x30,
	LdrEntrySizeOfImage:     0x40,
	LdrEntryFullDllName:     0x48,
	LdrEntryBaseDllName:     0x58,

	PebProcessParameters: 0x20,
	ParamsCommandLine:    0x70,
	ParamsImagePathName:  0x60,
}

func putU64(mem *physmem.Slice, addr, v uint64) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	mem.Poke(addr, b)
}

func putU16(mem *physmem.Slice, addr uint64, v uint16) {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	mem.Poke(addr, b)
}

func putU32(mem *physmem.Slice, addr uint64, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	mem.Poke(addr, b)
}

// newIdentityKernel fabricates a 2 MB identity-mapped x64 address space
// (virtual address == physical address) so EPROCESS/PEB/LDR fixtures can
// be poked directly without a translation layer getting in the way.
func newIdentityKernel(t *testing.T, systemEProc address.Address) (*Win32Kernel, *physmem.Slice) {
	t.Helper()
	mem := physmem.NewSlice(make([]byte, 0x200000))
	pdpt, pd := uint64(0x1000), uint64(0x2000)
	putU64(mem, 0, pdpt|1)                              // PML4[0]
	putU64(mem, pdpt, pd|1)                              // PDPT[0]
	putU64(mem, pd, 0|1|(1<<mmu.X64Spec.LargePageBit))   // PD[0]: identity 2MB large page, base 0

	tr := translate.New(mem, mmu.X64Spec)
	k := New(mem, tr, mmu.ArchX64, address.Address(0), address.Address(0), systemEProc, testTable)
	return k, mem
}

func writeUnicodeString(mem *physmem.Slice, structAddr uint64, bufAddr uint64, s string) {
	u16 := make([]byte, 0, len(s)*2)
	for _, r := range s {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(r))
		u16 = append(u16, b...)
	}
	putU16(mem, structAddr, uint16(len(u16)))
	putU64(mem, structAddr+offsets.UnicodeStringBufferOffset64, bufAddr)
	mem.Poke(bufAddr, u16)
}

// writeUnicodeString32 is writeUnicodeString for a 32-bit UNICODE_STRING
// (a 4-byte Buffer pointer), the layout a WOW64 process's PEB/LDR
// structures use.
func writeUnicodeString32(mem *physmem.Slice, structAddr uint64, bufAddr uint32, s string) {
	u16 := make([]byte, 0, len(s)*2)
	for _, r := range s {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(r))
		u16 = append(u16, b...)
	}
	putU16(mem, structAddr, uint16(len(u16)))
	putU32(mem, structAddr+offsets.UnicodeStringBufferOffset32, bufAddr)
	mem.Poke(uint64(bufAddr), u16)
}

// TestProcessListWalksOtherProcesses exercises spec.md §4.7 step 3's walk
// order: list_start is the System process's own ActiveProcessLinks, so
// the System process itself is the first entry delivered, ahead of every
// process it links to.
func TestProcessListWalksOtherProcesses(t *testing.T) {
	sysEproc := address.Address(0x10000)
	proc2 := uint64(0x11000)

	k, mem := newIdentityKernel(t, sysEproc)
	head := uint64(sysEproc) + testTable.EprocLink
	proc2Link := proc2 + testTable.EprocLink

	putU64(mem, head, proc2Link)
	putU64(mem, proc2Link, head) // closes the circle back to head

	putU64(mem, proc2+testTable.EprocPid, 1234)
	mem.Poke(proc2+testTable.EprocName, append([]byte("notepad.exe"), make([]byte, 5)...))
	putU64(mem, proc2+testTable.EprocDTB, 0x77000)
	putU64(mem, proc2+testTable.EprocPeb, 0x80000)
	putU64(mem, proc2+testTable.EprocSectionBase, 0x90000)
	putU32(mem, proc2+testTable.EprocExitStatus, 0x103)

	procs, err := k.ProcessList(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 2 {
		t.Fatalf("len(procs) = %d, want 2", len(procs))
	}
	if procs[0].EProcess != sysEproc {
		t.Fatalf("procs[0].EProcess = %s, want the System process %s", procs[0].EProcess, sysEproc)
	}

	p := procs[1]
	if p.Pid != 1234 {
		t.Fatalf("Pid = %d, want 1234", p.Pid)
	}
	if p.Name != "notepad.exe" {
		t.Fatalf("Name = %q", p.Name)
	}
	if p.DTB != address.Address(0x77000) {
		t.Fatalf("DTB = %s", p.DTB)
	}
	if p.ExitStatus != 0x103 {
		t.Fatalf("ExitStatus = %#x", p.ExitStatus)
	}
}

// TestProcessListSelfLoopEndsList is spec.md §8 scenario 4: patching the
// first Flink to point back at itself must emit the System process alone
// and terminate normally (flink == cur is one of the four sentinel
// conditions in spec.md §4.7 step 3, not corruption).
func TestProcessListSelfLoopEndsList(t *testing.T) {
	sysEproc := address.Address(0x10000)
	k, mem := newIdentityKernel(t, sysEproc)
	head := uint64(sysEproc) + testTable.EprocLink
	putU64(mem, head, head) // Flink points at itself

	reason, err := k.Processes(context.Background(), func(ProcessInfo) bool { return true })
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if reason != ReasonEnd {
		t.Fatalf("reason = %v, want ReasonEnd", reason)
	}

	procs, err := k.ProcessList(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 1 {
		t.Fatalf("len(procs) = %d, want exactly 1", len(procs))
	}
	if procs[0].EProcess != sysEproc {
		t.Fatalf("EProcess = %s, want %s", procs[0].EProcess, sysEproc)
	}
}

// TestProcessListCorrupted is the genuinely corrupted list scenario: a
// cycle that closes on an already-visited node (A) without ever
// revisiting list_start or a node's own link address. The walk must
// detect this by the time it would re-emit A and report
// ErrListCorrupted, not loop forever or silently stop.
func TestProcessListCorrupted(t *testing.T) {
	sysEproc := address.Address(0x10000)
	eprocA := uint64(0x11000)
	eprocB := uint64(0x12000)

	k, mem := newIdentityKernel(t, sysEproc)
	head := uint64(sysEproc) + testTable.EprocLink
	linkA := eprocA + testTable.EprocLink
	linkB := eprocB + testTable.EprocLink

	putU64(mem, head, linkA)
	putU64(mem, linkA, linkB)
	putU64(mem, linkB, linkA) // cycles back into A instead of head or itself

	procs, err := k.ProcessList(context.Background())
	if !errors.Is(err, ErrListCorrupted) {
		t.Fatalf("err = %v, want ErrListCorrupted", err)
	}
	if len(procs) != 3 {
		t.Fatalf("len(procs) = %d, want exactly 3 (System, A, B)", len(procs))
	}
}

func TestProcessListResolvesCommandLine(t *testing.T) {
	sysEproc := address.Address(0x10000)
	proc2 := uint64(0x11000)

	k, mem := newIdentityKernel(t, sysEproc)
	head := uint64(sysEproc) + testTable.EprocLink
	proc2Link := proc2 + testTable.EprocLink
	putU64(mem, head, proc2Link)
	putU64(mem, proc2Link, head)

	peb := uint64(0x80000)
	params := uint64(0x81000)
	putU64(mem, proc2+testTable.EprocPeb, peb)
	putU64(mem, peb+testTable.PebProcessParameters, params)
	writeUnicodeString(mem, params+testTable.ParamsCommandLine, 0x82000, "notepad.exe C:\\file.txt")
	writeUnicodeString(mem, params+testTable.ParamsImagePathName, 0x82100, "C:\\Windows\\notepad.exe")

	procs, err := k.ProcessList(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 2 {
		t.Fatalf("len(procs) = %d, want 2", len(procs))
	}
	if procs[1].CommandLine != "notepad.exe C:\\file.txt" {
		t.Fatalf("CommandLine = %q", procs[1].CommandLine)
	}
	if procs[1].Path != "C:\\Windows\\notepad.exe" {
		t.Fatalf("Path = %q", procs[1].Path)
	}
}

// TestProcessByPID covers spec.md §6's process_by_pid: both the found and
// not-found paths.
func TestProcessByPID(t *testing.T) {
	sysEproc := address.Address(0x10000)
	proc2 := uint64(0x11000)

	k, mem := newIdentityKernel(t, sysEproc)
	head := uint64(sysEproc) + testTable.EprocLink
	proc2Link := proc2 + testTable.EprocLink
	putU64(mem, head, proc2Link)
	putU64(mem, proc2Link, head)
	putU64(mem, proc2+testTable.EprocPid, 4242)

	p, err := k.ProcessByPID(context.Background(), 4242)
	if err != nil {
		t.Fatal(err)
	}
	if p.EProcess != address.Address(proc2) {
		t.Fatalf("EProcess = %s, want %s", p.EProcess, address.Address(proc2))
	}

	_, err = k.ProcessByPID(context.Background(), 9999)
	if !errors.Is(err, ErrProcessNotFound) {
		t.Fatalf("err = %v, want ErrProcessNotFound", err)
	}
}

func TestProcessModulesWalksLdrList(t *testing.T) {
	sysEproc := address.Address(0x10000)
	k, mem := newIdentityKernel(t, sysEproc)

	peb := uint64(0x20000)
	ldr := uint64(0x21000)
	mod1 := uint64(0x22000)

	putU64(mem, peb+testTable.PebLdr, ldr)
	listHead := ldr + testTable.LdrInMemOrderList
	mod1Link := mod1 + testTable.LdrEntryInMemOrderLinks

	putU64(mem, listHead, mod1Link)
	putU64(mem, mod1Link, listHead) // single-entry circular list

	putU64(mem, mod1+testTable.LdrEntryDllBase, 0x140000000)
	putU32(mem, mod1+testTable.LdrEntrySizeOfImage, 0x9000)
	writeUnicodeString(mem, mod1+testTable.LdrEntryBaseDllName, 0x23000, "ntdll.dll")
	writeUnicodeString(mem, mod1+testTable.LdrEntryFullDllName, 0x23100, "C:\\Windows\\System32\\ntdll.dll")

	proc := ProcessInfo{PEB: address.Address(peb), DTB: address.Address(0), ProcArch: mmu.ArchX64}
	mods, err := k.ProcessModules(context.Background(), proc)
	if err != nil {
		t.Fatal(err)
	}
	if len(mods) != 1 {
		t.Fatalf("len(mods) = %d, want 1", len(mods))
	}
	m := mods[0]
	if m.Name != "ntdll.dll" {
		t.Fatalf("Name = %q", m.Name)
	}
	if m.Path != "C:\\Windows\\System32\\ntdll.dll" {
		t.Fatalf("Path = %q", m.Path)
	}
	if m.Base != address.Address(0x140000000) {
		t.Fatalf("Base = %s", m.Base)
	}
}

// TestProcessWow64ResolvesSeparateModuleLists is spec.md §8 scenario 3: a
// WOW64 process must resolve its 32-bit sub-view (TEB at teb+0x2000, PEB
// via teb_peb_x86) and ProcessModules must return that 32-bit module list
// by default, while the native 64-bit list stays reachable by passing the
// kernel's own architecture explicitly.
func TestProcessWow64ResolvesSeparateModuleLists(t *testing.T) {
	sysEproc := address.Address(0x10000)
	proc2 := uint64(0x20000)

	k, mem := newIdentityKernel(t, sysEproc)
	head := uint64(sysEproc) + testTable.EprocLink
	proc2Link := proc2 + testTable.EprocLink
	putU64(mem, head, proc2Link)
	putU64(mem, proc2Link, head)

	putU64(mem, proc2+testTable.EprocWow64, 1) // any non-null value marks Wow64
	putU64(mem, proc2+testTable.EprocDTB, 0)   // identity-mapped DTB, same as the kernel's own

	// ETHREAD chain: EPROCESS.ThreadListHead -> ETHREAD.ThreadListEntry.
	ethread := uint64(0x21000)
	threadListHead := proc2 + testTable.EprocThreadList
	ethreadLink := ethread + testTable.EthreadListEntry
	putU64(mem, threadListHead, ethreadLink)

	teb := uint64(0x22000)
	putU64(mem, ethread+testTable.KthreadTeb, teb)

	tebWow64 := teb + wow64TebOffset
	pebWow64 := uint32(0x30000)
	putU32(mem, tebWow64+testTable.TebPebX86, pebWow64)

	// Native (64-bit) PEB and its module list.
	pebNative := uint64(0x40000)
	ldrNative := uint64(0x41000)
	modNative := uint64(0x42000)
	putU64(mem, proc2+testTable.EprocPeb, pebNative)
	putU64(mem, pebNative+testTable.PebLdr, ldrNative)
	nativeListHead := ldrNative + testTable.LdrInMemOrderList
	modNativeLink := modNative + testTable.LdrEntryInMemOrderLinks
	putU64(mem, nativeListHead, modNativeLink)
	putU64(mem, modNativeLink, nativeListHead)
	putU64(mem, modNative+testTable.LdrEntryDllBase, 0x140000000)
	putU32(mem, modNative+testTable.LdrEntrySizeOfImage, 0x9000)
	writeUnicodeString(mem, modNative+testTable.LdrEntryBaseDllName, 0x43000, "ntdll.dll")
	writeUnicodeString(mem, modNative+testTable.LdrEntryFullDllName, 0x43100, "C:\\Windows\\System32\\ntdll.dll")

	// WOW64 (32-bit) PEB and its module list.
	ldrWow64 := uint32(0x31000)
	modWow64 := uint32(0x51000)
	putU32(mem, uint64(pebWow64)+testTable.PebLdr, ldrWow64)
	wow64ListHead := uint64(ldrWow64) + testTable.LdrInMemOrderList
	modWow64Link := uint64(modWow64) + testTable.LdrEntryInMemOrderLinks
	putU32(mem, wow64ListHead, uint32(modWow64Link))
	putU32(mem, modWow64Link, uint32(wow64ListHead))
	putU32(mem, uint64(modWow64)+testTable.LdrEntryDllBase, 0x400000)
	putU32(mem, uint64(modWow64)+testTable.LdrEntrySizeOfImage, 0x5000)
	writeUnicodeString32(mem, uint64(modWow64)+testTable.LdrEntryBaseDllName, 0x52000, "ntdll32.dll")
	writeUnicodeString32(mem, uint64(modWow64)+testTable.LdrEntryFullDllName, 0x52100, "C:\\Windows\\SysWOW64\\ntdll32.dll")

	procs, err := k.ProcessList(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 2 {
		t.Fatalf("len(procs) = %d, want 2", len(procs))
	}
	p := procs[1]

	if !p.Wow64 {
		t.Fatal("Wow64 = false, want true")
	}
	if p.ProcArch != mmu.ArchWow64 {
		t.Fatalf("ProcArch = %s, want ArchWow64", p.ProcArch)
	}
	if p.Teb != address.Address(teb) {
		t.Fatalf("Teb = %s, want %s", p.Teb, address.Address(teb))
	}
	if p.TebWow64 != address.Address(tebWow64) {
		t.Fatalf("TebWow64 = %s, want %s", p.TebWow64, address.Address(tebWow64))
	}
	if p.PEBWow64 != address.Address(pebWow64) {
		t.Fatalf("PEBWow64 = %s, want %s", p.PEBWow64, address.Address(pebWow64))
	}

	// Default arch (proc.ProcArch == ArchWow64) walks the 32-bit list.
	mods, err := k.ProcessModules(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if len(mods) != 1 || mods[0].Name != "ntdll32.dll" {
		t.Fatalf("default ProcessModules = %+v, want the 32-bit ntdll32.dll list", mods)
	}
	if mods[0].Base != address.Address(0x400000) {
		t.Fatalf("Base = %s, want 0x400000", mods[0].Base)
	}

	// Explicit native arch walks the 64-bit list instead.
	nativeMods, err := k.ProcessModules(context.Background(), p, mmu.ArchX64)
	if err != nil {
		t.Fatal(err)
	}
	if len(nativeMods) != 1 || nativeMods[0].Name != "ntdll.dll" {
		t.Fatalf("native ProcessModules = %+v, want the 64-bit ntdll.dll list", nativeMods)
	}
}
