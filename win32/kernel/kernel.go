// Package kernel reconstructs Windows kernel objects (processes, kernel
// modules, per-process module lists) on top of a vmem.Memory view of
// kernel virtual address space and a resolved offsets.Table, per
// spec.md §4.7.
package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/memview/memview/address"
	"github.com/memview/memview/mmu"
	"github.com/memview/memview/physmem"
	"github.com/memview/memview/translate"
	"github.com/memview/memview/vmem"
	"github.com/memview/memview/win32/offsets"
	"github.com/memview/memview/win32/pe"
)

// maxIter bounds every linked-list walk in this package: a process or
// module list that hasn't closed its loop within this many hops is
// treated as corrupted rather than walked forever.
const maxIter = 65536

// StopReason names why a walk stopped — the terminal half of spec.md
// §4.7's process-iteration state machine (Init → Walking →
// Stopped{Reason}; every walk in this package starts Walking and a
// returned StopReason is always its Stopped state). ReasonUser is
// CallbackStop, ReasonEnd is SentinelReached, ReasonTruncated is
// MaxIter, and ReasonIOError is ReadErr. ReasonListCorrupted is this
// implementation's own addition (see DESIGN.md's Open Question
// resolution for corrupted-list detection): a node revisited before
// the walk ever returns to its starting node.
type StopReason int

const (
	// ReasonUser means the caller's callback returned false.
	ReasonUser StopReason = iota
	// ReasonEnd means the walk reached its sentinel: the flink/blink
	// pair signaled a closed or terminated list.
	ReasonEnd
	// ReasonTruncated means the walk hit maxIter hops without closing
	// the loop.
	ReasonTruncated
	// ReasonIOError means a physical or virtual read failed mid-walk.
	ReasonIOError
	// ReasonListCorrupted means the walk revisited a node it had
	// already emitted without ever seeing the starting node again —
	// the list's links form a shorter cycle than the list itself.
	ReasonListCorrupted
)

func (r StopReason) String() string {
	switch r {
	case ReasonUser:
		return "callback stopped"
	case ReasonEnd:
		return "sentinel reached"
	case ReasonTruncated:
		return "max iterations"
	case ReasonIOError:
		return "read error"
	case ReasonListCorrupted:
		return "list corrupted"
	default:
		return "unknown"
	}
}

// ErrListCorrupted is returned when a walk's StopReason is
// ReasonListCorrupted. The entries already emitted before detection are
// still handed to the caller's callback; spec.md §7 treats this as a
// partial-result error, not a fatal one.
var ErrListCorrupted = errors.New("kernel: linked list is corrupted")

// ErrMaxIterations is returned when a walk's StopReason is
// ReasonTruncated: maxIter hops elapsed without the list ever closing.
// Entries already emitted before the bound was hit are not lost.
var ErrMaxIterations = errors.New("kernel: linked list walk exceeded the iteration bound")

// ErrProcessNotFound is returned by ProcessByPID when no process in the
// list carries the requested PID (spec.md §6 process_by_pid).
var ErrProcessNotFound = errors.New("kernel: process not found")

// ProcessInfo is one reconstructed EPROCESS, matching spec.md §3's
// process data model.
type ProcessInfo struct {
	EProcess    address.Address
	Pid         uint32
	Name        string
	DTB         address.Address
	PEB         address.Address
	SectionBase address.Address
	ExitStatus  int32
	Wow64       bool
	ProcArch    mmu.ArchIdent
	Teb         address.Address
	// TebWow64 and PEBWow64 are the WOW64 sub-view's TEB (teb + 0x2000)
	// and 32-bit PEB, populated only for a WOW64 process on a kernel
	// version that carries a thread TEB pointer (spec.md §4.7 steps
	// 8-9). Both stay address.Null for a native process.
	TebWow64    address.Address
	PEBWow64    address.Address
	CommandLine string
	Path        string
}

// ModuleInfo is one PE module, either a kernel module from
// PsLoadedModuleList or a user-mode module from a process's PEB loader
// list, matching spec.md §3's module data model.
type ModuleInfo struct {
	Base address.Address
	Size address.Length
	Name string
	Path string
}

// Win32Kernel is a reconstructed view of one Windows kernel: a
// kernel-context VirtualMemory, the resolved offset table for this
// kernel's version, and the system process used as the root of the
// process list.
type Win32Kernel struct {
	mem           *vmem.Memory
	phys          physmem.Memory
	tr            *translate.Translator
	arch          mmu.ArchIdent
	tbl           offsets.Table
	kernelBase    address.Address
	systemEProc   address.Address
	NtBuildNumber uint32
	// KernelMajor and KernelMinor record the running kernel's Windows
	// version, used to gate WOW64 TEB resolution (spec.md §4.7 step 8:
	// "If kernel version ≥ 6.2 (Windows 8)"). Left unset (0, 0) they
	// are treated as "unknown, assume modern", since targeting a
	// pre-Windows-8 kernel is the unusual case for this module's
	// callers. Set directly by the caller once the kernel version is
	// known, the same way NtBuildNumber is.
	KernelMajor uint32
	KernelMinor uint32
}

// supportsThreadTeb reports whether this kernel's version carries a
// KTHREAD.Teb pointer, true starting Windows 8 (NT 6.2). An unset
// version (0, 0) is treated as supported.
func (k *Win32Kernel) supportsThreadTeb() bool {
	if k.KernelMajor == 0 && k.KernelMinor == 0 {
		return true
	}
	return k.KernelMajor > 6 || (k.KernelMajor == 6 && k.KernelMinor >= 2)
}

// wow64TebOffset is the fixed displacement from a thread's native TEB
// to its WOW64 sub-TEB (spec.md §4.7 step 8, §9 "known-limitation
// assumption": undocumented whether this holds across every
// architecture and build, treated here as a hard-coded constant as the
// source does).
const wow64TebOffset = 0x2000

// New constructs a Win32Kernel. sysDTB is the directory-table-base of
// kernel address space (from a scan.DTBCandidate or a known-good
// value), kernelBase is the kernel image's virtual base (from
// scan.LocateKernelImage), systemEProc is the System process's EPROCESS
// address (resolved by the caller, e.g. by following
// PsInitialSystemProcess once its RVA is known from the kernel image's
// exports), and tbl is this kernel version's resolved offsets.
func New(phys physmem.Memory, tr *translate.Translator, arch mmu.ArchIdent, sysDTB, kernelBase, systemEProc address.Address, tbl offsets.Table) *Win32Kernel {
	mem := vmem.New(phys, tr, arch, sysDTB)
	return &Win32Kernel{mem: mem, phys: phys, tr: tr, arch: arch, tbl: tbl, kernelBase: kernelBase, systemEProc: systemEProc}
}

// KernelMemory returns the kernel-context VirtualMemory view.
func (k *Win32Kernel) KernelMemory() *vmem.Memory { return k.mem }

// ProcessMemory returns a VirtualMemory view into proc's own address
// space, sharing this kernel's translator and physical memory.
func (k *Win32Kernel) ProcessMemory(proc ProcessInfo) *vmem.Memory {
	return k.mem.WithDTB(proc.DTB)
}

// ProcessesFunc is the push-callback win32/kernel's process-list walk
// invokes once per reconstructed process, per spec.md §9's
// "Generator-style enumeration" and §6's processes(kernel, callback)
// operation. Returning false stops the walk at a well-defined
// boundary — after the current entry, before the next physical read
// (spec.md §5 Cancellation) — without requiring the full list to be
// materialized first.
type ProcessesFunc func(ProcessInfo) bool

// Processes walks EPROCESS.ActiveProcessLinks starting from the System
// process and invokes fn once per process, implementing spec.md §4.7's
// process-iteration state machine: every step is one of the documented
// transitions (Continue, or a terminal Stopped{Reason}, reported back
// as the returned StopReason). list_start is itself the System
// process's own ActiveProcessLinks, so per spec.md §4.7 step 3 ("entry
// = list_start" on the first iteration) the System process is the
// first entry delivered to fn, ahead of every process it links to.
//
// The returned error is nil for ReasonEnd (the list closed normally)
// and ReasonUser (the callback itself stopped the walk — not an error,
// the caller asked for that). It wraps ErrListCorrupted or
// ErrMaxIterations for ReasonListCorrupted/ReasonTruncated; entries
// already delivered to fn are not lost, since fn observed them itself
// before the walk stopped.
func (k *Win32Kernel) Processes(ctx context.Context, fn ProcessesFunc) (StopReason, error) {
	head := k.systemEProc.Add(k.tbl.EprocLink)
	cur := head
	seen := map[address.Address]bool{}

	for i := 0; i < maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return ReasonIOError, err
		}

		eproc := address.Address(uint64(cur) - k.tbl.EprocLink)
		if seen[eproc] {
			return ReasonListCorrupted, fmt.Errorf("kernel: %w: revisited EPROCESS at %s", ErrListCorrupted, eproc)
		}
		seen[eproc] = true

		info, err := k.readProcessInfo(ctx, eproc)
		if err != nil {
			return ReasonIOError, fmt.Errorf("kernel: reading EPROCESS at %s: %w", eproc, err)
		}

		if !fn(info) {
			return ReasonUser, nil
		}

		flink, err := k.mem.ReadAddr(ctx, cur)
		if err != nil {
			return ReasonIOError, fmt.Errorf("kernel: reading ActiveProcessLinks.Flink at %s: %w", cur, err)
		}
		blink, err := k.mem.ReadAddr(ctx, cur.Add(k.tbl.ListBlink))
		if err != nil {
			return ReasonIOError, fmt.Errorf("kernel: reading ActiveProcessLinks.Blink at %s: %w", cur, err)
		}
		if flink.IsNull() || blink.IsNull() || flink == head || flink == cur {
			return ReasonEnd, nil
		}
		cur = flink

		if i == maxIter-1 {
			return ReasonTruncated, fmt.Errorf("kernel: %w", ErrMaxIterations)
		}
	}
	return ReasonEnd, nil
}

// ProcessList collects every process Processes walks into a slice, for
// callers that want the whole list rather than a callback. The entries
// collected before an error (ErrListCorrupted, ErrMaxIterations) are
// returned alongside it.
func (k *Win32Kernel) ProcessList(ctx context.Context) ([]ProcessInfo, error) {
	var procs []ProcessInfo
	_, err := k.Processes(ctx, func(p ProcessInfo) bool {
		procs = append(procs, p)
		return true
	})
	return procs, err
}

// ProcessByPID implements spec.md §6's process_by_pid(kernel, pid)
// operation: it stops the walk as soon as a matching PID is found,
// rather than materializing the full process list first.
func (k *Win32Kernel) ProcessByPID(ctx context.Context, pid uint32) (ProcessInfo, error) {
	var found ProcessInfo
	ok := false
	_, err := k.Processes(ctx, func(p ProcessInfo) bool {
		if p.Pid == pid {
			found = p
			ok = true
			return false
		}
		return true
	})
	if err != nil {
		return ProcessInfo{}, err
	}
	if !ok {
		return ProcessInfo{}, ErrProcessNotFound
	}
	return found, nil
}

// imageFileNameLength is IMAGE_FILE_NAME_LENGTH, the fixed 15-character
// (plus forced NUL) buffer EPROCESS.ImageFileName occupies.
const imageFileNameLength = 15

func (k *Win32Kernel) readProcessInfo(ctx context.Context, eproc address.Address) (ProcessInfo, error) {
	var info ProcessInfo
	info.EProcess = eproc

	pidAddr, err := k.mem.ReadAddr(ctx, eproc.Add(k.tbl.EprocPid))
	if err != nil {
		return info, err
	}
	info.Pid = uint32(pidAddr)

	nameRaw, err := k.mem.ReadRaw(ctx, eproc.Add(k.tbl.EprocName), imageFileNameLength+1)
	if err != nil && !isPartial(err) {
		return info, err
	}
	nameRaw[imageFileNameLength] = 0 // force-NUL the boundary byte regardless of what target memory holds
	n := imageFileNameLength
	for i, c := range nameRaw {
		if c == 0 {
			n = i
			break
		}
	}
	info.Name = string(nameRaw[:n])

	dtb, err := k.mem.ReadAddr(ctx, eproc.Add(k.tbl.EprocDTB))
	if err != nil {
		return info, err
	}
	info.DTB = dtb

	peb, err := k.mem.ReadAddr(ctx, eproc.Add(k.tbl.EprocPeb))
	if err != nil {
		return info, err
	}
	info.PEB = peb
	info.CommandLine, info.Path = k.readProcessParameters(ctx, peb)

	sectionBase, err := k.mem.ReadAddr(ctx, eproc.Add(k.tbl.EprocSectionBase))
	if err != nil {
		return info, err
	}
	info.SectionBase = sectionBase

	exitStatus, err := k.mem.ReadU32(ctx, eproc.Add(k.tbl.EprocExitStatus))
	if err != nil {
		return info, err
	}
	info.ExitStatus = int32(exitStatus)

	if k.tbl.EprocWow64 != 0 {
		wow64Ptr, err := k.mem.ReadAddr(ctx, eproc.Add(k.tbl.EprocWow64))
		if err != nil {
			return info, err
		}
		info.Wow64 = !wow64Ptr.IsNull()
	}
	if info.Wow64 {
		info.ProcArch = mmu.ArchWow64
	} else {
		info.ProcArch = k.arch
	}

	if k.supportsThreadTeb() {
		info.Teb = k.firstThreadTeb(ctx, eproc)
	}
	if info.Wow64 && !info.Teb.IsNull() {
		info.TebWow64 = info.Teb.Add(wow64TebOffset)
		pmem := k.mem.WithDTB(info.DTB)
		pebWow64, err := pmem.ReadAddrArch(ctx, info.TebWow64.Add(k.tbl.TebPebX86), mmu.ArchWow64)
		if err == nil && !pebWow64.IsNull() {
			info.PEBWow64 = pebWow64
		}
	}

	return info, nil
}

// firstThreadTeb best-effort resolves one ETHREAD off EPROCESS's thread
// list and reads its TEB pointer. A failure here (empty thread list,
// unreadable memory) is not fatal to process reconstruction — Teb is
// simply left as address.Null.
func (k *Win32Kernel) firstThreadTeb(ctx context.Context, eproc address.Address) address.Address {
	if k.tbl.EprocThreadList == 0 || k.tbl.EthreadListEntry == 0 {
		return address.Null
	}
	listHead := eproc.Add(k.tbl.EprocThreadList)
	flink, err := k.mem.ReadAddr(ctx, listHead)
	if err != nil || flink == listHead || flink.IsNull() {
		return address.Null
	}
	ethread := address.Address(uint64(flink) - k.tbl.EthreadListEntry)
	teb, err := k.mem.ReadAddr(ctx, ethread.Add(k.tbl.KthreadTeb))
	if err != nil {
		return address.Null
	}
	return teb
}

// readProcessParameters resolves RTL_USER_PROCESS_PARAMETERS off a
// process's PEB and reads its CommandLine and ImagePathName
// UNICODE_STRINGs (spec.md's ProcessInfo.command_line and .path, per
// original_source's PEB.ProcessParameters walk). Best-effort: an
// unreadable PEB or zero ProcessParameters pointer just leaves both
// strings empty rather than failing process reconstruction.
func (k *Win32Kernel) readProcessParameters(ctx context.Context, peb address.Address) (commandLine, path string) {
	if k.tbl.PebProcessParameters == 0 {
		return "", ""
	}
	params, err := k.mem.ReadAddrArch(ctx, peb.Add(k.tbl.PebProcessParameters), k.arch)
	if err != nil || params.IsNull() {
		return "", ""
	}
	commandLine, _ = k.readUnicodeStringArch(ctx, k.mem, params.Add(k.tbl.ParamsCommandLine), k.arch)
	path, _ = k.readUnicodeStringArch(ctx, k.mem, params.Add(k.tbl.ParamsImagePathName), k.arch)
	return commandLine, path
}

func isPartial(err error) bool {
	var pe *vmem.PartialDataError
	return errors.As(err, &pe)
}

// PEReader adapts a VirtualMemory view anchored at one module's image
// base into a pe.Reader, so win32/pe's header/export/import parsers can
// run directly against live target memory.
type PEReader struct {
	mem  *vmem.Memory
	ctx  context.Context
	base address.Address
}

// NewPEReader returns a pe.Reader for the module based at base within
// mem's address space.
func NewPEReader(ctx context.Context, mem *vmem.Memory, base address.Address) *PEReader {
	return &PEReader{mem: mem, ctx: ctx, base: base}
}

// ReadAt implements pe.Reader.
func (r *PEReader) ReadAt(rva uint32, length int) ([]byte, error) {
	b, err := r.mem.ReadRaw(r.ctx, r.base.Add(uint64(rva)), uint64(length))
	if err != nil && !isPartial(err) {
		return nil, err
	}
	return b, nil
}

var _ pe.Reader = (*PEReader)(nil)
