package scan

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/memview/memview/mmu"
)

// KernelHint decodes the first few instructions at a candidate kernel
// entry point and renders them as a one-line string. It is informational
// only — a human cross-check that a located image's entry point looks
// like real kernel code and not scan noise — and is never used to gate
// whether a scan result is accepted.
func KernelHint(arch mmu.ArchIdent, code []byte) string {
	switch arch.Kind {
	case mmu.KindX86:
		mode := 64
		if arch.Bits == 32 {
			mode = 32
		}
		inst, err := x86asm.Decode(code, mode)
		if err != nil {
			return fmt.Sprintf("<undecodable: %v>", err)
		}
		return x86asm.GNUSyntax(inst, 0, nil)
	case mmu.KindAArch64:
		inst, err := arm64asm.Decode(code)
		if err != nil {
			return fmt.Sprintf("<undecodable: %v>", err)
		}
		return inst.String()
	default:
		return "<unsupported architecture>"
	}
}
