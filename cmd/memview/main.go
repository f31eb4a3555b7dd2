// Command memview is a minimal command-line front end over this
// module's introspection stack: point it at a physical memory
// connector and it can scan for a kernel, list processes, list a
// process's modules, or dump raw virtual memory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/memview/memview/address"
	"github.com/memview/memview/mmu"
	"github.com/memview/memview/physmem"
	"github.com/memview/memview/translate"
	"github.com/memview/memview/vmem"
	"github.com/memview/memview/win32/kernel"
	"github.com/memview/memview/win32/offsets"
	"github.com/memview/memview/win32/scan"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "memview:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: memview <scan|ps|modules|read> [flags] -mem <path> ...")
}

func run(cmd string, args []string) error {
	switch cmd {
	case "scan":
		return runScan(args)
	case "ps":
		return runPS(args)
	case "modules":
		return runModules(args)
	case "read":
		return runRead(args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func openConnector(path string) (physmem.Memory, error) {
	return physmem.Open(path)
}

func runScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	memPath := fs.String("mem", "", "path to a physical memory image")
	arch := fs.String("arch", "x64", "target architecture: x64 or aarch64")
	if err := fs.Parse(args); err != nil {
		return err
	}
	mem, err := openConnector(*memPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	switch *arch {
	case "x64":
		cands, err := scan.ScanX64LowStub(ctx, mem)
		if err != nil {
			return err
		}
		for _, c := range cands {
			fmt.Printf("candidate dtb=%s arch=%s\n", c.Addr, c.Arch)
		}
	case "aarch64":
		md := mem.Metadata()
		cands, err := scan.ScanAArch64DTB(ctx, mem, md.MaxAddress)
		if err != nil {
			return err
		}
		for _, c := range cands {
			fmt.Printf("candidate dtb=%s arch=%s\n", c.Addr, c.Arch)
		}
	default:
		return fmt.Errorf("unknown arch %q", *arch)
	}
	return nil
}

func resolveKernel(ctx context.Context, memPath string, dtb uint64, kernelBase uint64, sysEProc uint64) (*kernel.Win32Kernel, error) {
	phys, err := openConnector(memPath)
	if err != nil {
		return nil, err
	}
	tr := translate.New(phys, mmu.X64Spec)
	resolver, err := offsets.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	tbl, err := resolver.Resolve(ctx, offsets.VersionKey{Major: 10, Minor: 0, Build: 19041, Arch: "x64"}, "", "")
	if err != nil {
		return nil, err
	}
	return kernel.New(phys, tr, mmu.ArchX64, address.Address(dtb), address.Address(kernelBase), address.Address(sysEProc), tbl), nil
}

func runPS(args []string) error {
	fs := flag.NewFlagSet("ps", flag.ExitOnError)
	memPath := fs.String("mem", "", "path to a physical memory image")
	dtb := fs.Uint64("dtb", 0, "kernel directory-table-base")
	kernelBase := fs.Uint64("kernel-base", 0, "kernel image virtual base")
	sysEProc := fs.Uint64("system-eprocess", 0, "System process EPROCESS address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	k, err := resolveKernel(ctx, *memPath, *dtb, *kernelBase, *sysEProc)
	if err != nil {
		return err
	}
	procs, err := k.ProcessList(ctx)
	if err != nil && !errors.Is(err, kernel.ErrListCorrupted) {
		return err
	}
	for _, p := range procs {
		fmt.Printf("%6d  %-20s dtb=%s peb=%s wow64=%v\n", p.Pid, p.Name, p.DTB, p.PEB, p.Wow64)
	}
	if errors.Is(err, kernel.ErrListCorrupted) {
		fmt.Fprintln(os.Stderr, "memview: warning: process list is corrupted, results are partial")
	}
	return nil
}

func runModules(args []string) error {
	fs := flag.NewFlagSet("modules", flag.ExitOnError)
	memPath := fs.String("mem", "", "path to a physical memory image")
	dtb := fs.Uint64("dtb", 0, "kernel directory-table-base")
	kernelBase := fs.Uint64("kernel-base", 0, "kernel image virtual base")
	sysEProc := fs.Uint64("system-eprocess", 0, "System process EPROCESS address")
	if fs.Parse(args) != nil || fs.NArg() < 1 {
		return fmt.Errorf("usage: memview modules [flags] <pid>")
	}
	pid, err := strconv.ParseUint(fs.Arg(0), 10, 32)
	if err != nil {
		return err
	}

	ctx := context.Background()
	k, err := resolveKernel(ctx, *memPath, *dtb, *kernelBase, *sysEProc)
	if err != nil {
		return err
	}
	p, err := k.ProcessByPID(ctx, uint32(pid))
	if err != nil {
		if errors.Is(err, kernel.ErrProcessNotFound) {
			return fmt.Errorf("no such pid %d", pid)
		}
		return err
	}
	mods, err := k.ProcessModules(ctx, p)
	if err != nil && !errors.Is(err, kernel.ErrListCorrupted) {
		return err
	}
	for _, m := range mods {
		fmt.Printf("%s  %-10s %-40s %s\n", m.Base, m.Size, m.Name, m.Path)
	}
	return nil
}

func runRead(args []string) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	memPath := fs.String("mem", "", "path to a physical memory image")
	dtb := fs.Uint64("dtb", 0, "process or kernel directory-table-base")
	profilePath := fs.String("pprof", "", "write a pprof profile of this read's page faults to this path")
	if fs.Parse(args) != nil || fs.NArg() < 2 {
		return fmt.Errorf("usage: memview read [flags] <addr> <len>")
	}
	addr, err := strconv.ParseUint(fs.Arg(0), 0, 64)
	if err != nil {
		return err
	}
	length, err := strconv.ParseUint(fs.Arg(1), 0, 64)
	if err != nil {
		return err
	}

	phys, err := openConnector(*memPath)
	if err != nil {
		return err
	}

	var memSrc physmem.Memory = phys
	var rec *pageFaultRecorder
	if *profilePath != "" {
		rec = newPageFaultRecorder()
		memSrc = &countingMemory{inner: phys, rec: rec}
	}

	tr := translate.New(memSrc, mmu.X64Spec)
	v := vmem.New(memSrc, tr, mmu.ArchX64, address.Address(*dtb))

	ctx := context.Background()
	b, err := v.ReadRaw(ctx, address.Address(addr), length)
	if err != nil && !isPartialErr(err) {
		return err
	}
	os.Stdout.Write(b)

	if rec != nil {
		f, err := os.Create(*profilePath)
		if err != nil {
			return err
		}
		defer f.Close()
		return rec.writeProfile(f)
	}
	return nil
}

func isPartialErr(err error) bool {
	var pe *vmem.PartialDataError
	return errors.As(err, &pe)
}
