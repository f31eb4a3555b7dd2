package kernel

import (
	"context"
	"fmt"

	"github.com/memview/memview/address"
	"github.com/memview/memview/mmu"
	"github.com/memview/memview/win32/offsets"
	"github.com/memview/memview/win32/pe"
	"golang.org/x/text/encoding/unicode"
)

// KernelModules walks PsLoadedModuleList, the kernel's own module list,
// resolved from the kernel image's export table (spec.md §4.7). The
// list head is located by name rather than a baked-in offset since its
// RVA moves across kernel builds far more than EPROCESS field layouts
// do.
func (k *Win32Kernel) KernelModules(ctx context.Context) ([]ModuleInfo, error) {
	headers, err := pe.ParseHeaders(NewPEReader(ctx, k.mem, k.kernelBase))
	if err != nil {
		return nil, fmt.Errorf("kernel: parsing kernel image headers: %w", err)
	}
	exports, err := pe.Exports(NewPEReader(ctx, k.mem, k.kernelBase), headers)
	if err != nil {
		return nil, fmt.Errorf("kernel: parsing kernel image exports: %w", err)
	}
	rva, ok := pe.FindExport(exports, "PsLoadedModuleList")
	if !ok {
		return nil, fmt.Errorf("kernel: PsLoadedModuleList export not found")
	}
	listHead := k.kernelBase.Add(uint64(rva))

	return k.walkModuleList(ctx, listHead, k.arch, func(entry address.Address) (ModuleInfo, error) {
		return k.readKmodEntry(ctx, entry)
	})
}

func (k *Win32Kernel) readKmodEntry(ctx context.Context, entry address.Address) (ModuleInfo, error) {
	var m ModuleInfo
	base, err := k.mem.ReadAddr(ctx, entry.Add(k.tbl.KmodBase))
	if err != nil {
		return m, err
	}
	sizeVal, err := k.mem.ReadU32(ctx, entry.Add(k.tbl.KmodSize))
	if err != nil {
		return m, err
	}
	name, err := k.readUnicodeStringArch(ctx, k.mem, entry.Add(k.tbl.KmodName), k.arch)
	if err != nil {
		return m, err
	}
	path, err := k.readUnicodeStringArch(ctx, k.mem, entry.Add(k.tbl.KmodPath), k.arch)
	if err != nil {
		return m, err
	}
	m.Base, m.Size, m.Name, m.Path = base, address.Length(sizeVal), name, path
	return m, nil
}

// ProcessModules walks proc's loader module list for the requested
// architecture view, implementing spec.md §6's modules(process, arch?,
// callback): arch is optional and defaults to proc.ProcArch, so a
// native process's own list is walked by default and a WOW64 process's
// default is its 32-bit sub-view's list (spec.md §8 scenario 3). Pass
// the kernel's own architecture explicitly to walk a WOW64 process's
// native 64-bit module list instead.
//
// For the matching view, this resolves the PEB to walk from
// (proc.PEBWow64 for the WOW64 sub-view, proc.PEB otherwise) and reads
// every pointer at that view's width, so a WOW64 process's 32-bit
// loader structures are never misread as 64-bit ones (spec.md §4.4,
// §4.7 steps 9-10).
func (k *Win32Kernel) ProcessModules(ctx context.Context, proc ProcessInfo, arch ...mmu.ArchIdent) ([]ModuleInfo, error) {
	target := proc.ProcArch
	if len(arch) > 0 {
		target = arch[0]
	}

	peb := proc.PEB
	if proc.Wow64 && target.Wow64 {
		peb = proc.PEBWow64
	}
	if peb.IsNull() {
		return nil, fmt.Errorf("kernel: process %d has no PEB for architecture %s", proc.Pid, target)
	}

	pmem := k.ProcessMemory(proc)
	ldr, err := pmem.ReadAddrArch(ctx, peb.Add(k.tbl.PebLdr), target)
	if err != nil {
		return nil, fmt.Errorf("kernel: reading PEB.Ldr: %w", err)
	}
	listHead := ldr.Add(k.tbl.LdrInMemOrderList)

	return k.walkModuleListArch(ctx, pmem, listHead, target, func(entry address.Address) (ModuleInfo, error) {
		return k.readLdrEntry(ctx, pmem, entry, target)
	})
}

func (k *Win32Kernel) readLdrEntry(ctx context.Context, mem addrReader, entry address.Address, arch mmu.ArchIdent) (ModuleInfo, error) {
	var m ModuleInfo
	base, err := mem.ReadAddrArch(ctx, entry.Add(k.tbl.LdrEntryDllBase), arch)
	if err != nil {
		return m, err
	}
	sizeVal, err := mem.ReadU32(ctx, entry.Add(k.tbl.LdrEntrySizeOfImage))
	if err != nil {
		return m, err
	}
	path, err := k.readUnicodeStringArch(ctx, mem, entry.Add(k.tbl.LdrEntryFullDllName), arch)
	if err != nil {
		return m, err
	}
	name, err := k.readUnicodeStringArch(ctx, mem, entry.Add(k.tbl.LdrEntryBaseDllName), arch)
	if err != nil {
		return m, err
	}
	m.Base, m.Size, m.Name, m.Path = base, address.Length(sizeVal), name, path
	return m, nil
}

// walkModuleList and walkModuleListArch share one cycle-safe,
// maxIter-bounded traversal (walkLinks), parameterized over which
// list-entry offset advances the walk (kernel modules link through
// KmodListEntry; loader entries link through LdrEntryInMemOrderLinks).
func (k *Win32Kernel) walkModuleList(ctx context.Context, listHead address.Address, arch mmu.ArchIdent, read func(entry address.Address) (ModuleInfo, error)) ([]ModuleInfo, error) {
	return k.walkLinks(ctx, k.mem, listHead, k.tbl.KmodListEntry, arch, read)
}

func (k *Win32Kernel) walkModuleListArch(ctx context.Context, mem addrReader, listHead address.Address, arch mmu.ArchIdent, read func(entry address.Address) (ModuleInfo, error)) ([]ModuleInfo, error) {
	return k.walkLinks(ctx, mem, listHead, k.tbl.LdrEntryInMemOrderLinks, arch, read)
}

// addrReader is the subset of *vmem.Memory the list walkers need,
// narrowed so walkLinks works against either the kernel's own view or a
// per-process WithDTB view.
type addrReader interface {
	ReadAddrArch(ctx context.Context, vaddr address.Address, arch mmu.ArchIdent) (address.Address, error)
	ReadU32(ctx context.Context, vaddr address.Address) (uint32, error)
}

func (k *Win32Kernel) walkLinks(ctx context.Context, mem addrReader, listHead address.Address, linkOffset uint64, arch mmu.ArchIdent, read func(entry address.Address) (ModuleInfo, error)) ([]ModuleInfo, error) {
	var mods []ModuleInfo
	seen := map[address.Address]bool{listHead: true}
	cur := listHead
	for i := 0; i < maxIter; i++ {
		flink, err := mem.ReadAddrArch(ctx, cur, arch)
		if err != nil {
			return mods, fmt.Errorf("kernel: reading list entry at %s: %w", cur, err)
		}
		if flink == listHead {
			return mods, nil
		}
		if seen[flink] {
			return mods, fmt.Errorf("kernel: %w: revisited list entry at %s", ErrListCorrupted, flink)
		}
		seen[flink] = true

		entry := address.Address(uint64(flink) - linkOffset)
		m, err := read(entry)
		if err != nil {
			return mods, fmt.Errorf("kernel: reading module entry at %s: %w", entry, err)
		}
		mods = append(mods, m)
		cur = flink

		if i == maxIter-1 {
			return mods, fmt.Errorf("kernel: %w", ErrMaxIterations)
		}
	}
	return mods, nil
}

// readUnicodeStringArch reads a UNICODE_STRING (a 16-bit Length followed
// by a pointer-width Buffer field) at the given architecture's pointer
// width, so the same code path serves both native kernel structures and
// a WOW64 process's 32-bit PEB/LDR structures.
func (k *Win32Kernel) readUnicodeStringArch(ctx context.Context, mem addrReader, structAddr address.Address, arch mmu.ArchIdent) (string, error) {
	full, ok := mem.(interface {
		Read(ctx context.Context, vaddr address.Address, width int) (uint64, error)
		ReadRaw(ctx context.Context, vaddr address.Address, length uint64) ([]byte, error)
	})
	if !ok {
		return "", fmt.Errorf("kernel: memory view does not support raw reads")
	}
	length, err := full.Read(ctx, structAddr, 2)
	if err != nil {
		return "", err
	}
	bufOff := offsets.UnicodeStringBufferOffset64
	if arch.PointerWidth() == 4 {
		bufOff = offsets.UnicodeStringBufferOffset32
	}
	bufPtr, err := mem.ReadAddrArch(ctx, structAddr.Add(bufOff), arch)
	if err != nil {
		return "", err
	}
	if length == 0 || bufPtr.IsNull() {
		return "", nil
	}
	raw, err := full.ReadRaw(ctx, bufPtr, uint64(length))
	if err != nil && len(raw) == 0 {
		return "", err
	}
	return decodeUTF16LE(raw)
}

func decodeUTF16LE(b []byte) (string, error) {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := dec.Bytes(b)
	if err != nil {
		return "", fmt.Errorf("kernel: decoding UTF-16LE string: %w", err)
	}
	return string(out), nil
}
