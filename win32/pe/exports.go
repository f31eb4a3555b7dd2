package pe

import (
	"encoding/binary"
	"fmt"
)

// Export is one resolved export directory entry: a name (if any),
// ordinal, and the RVA it points to. Forwarder entries (RVA pointing
// into the export directory itself, meaning "see OtherDll.Func") are
// returned with Forwarder set instead of a usable RVA.
type Export struct {
	Name      string
	Ordinal   uint16
	RVA       uint32
	Forwarder string
}

// Exports parses the export directory (data directory 0) named by
// spec.md §4.7 as the source of NtBuildNumber and PsLoadedModuleList
// resolution for the kernel image, and of every user-mode module's
// export table.
func Exports(r Reader, h *Headers) ([]Export, error) {
	dir := h.DataDirectories[directoryExport]
	if dir.RVA == 0 || dir.Size == 0 {
		return nil, nil
	}
	raw, err := r.ReadAt(dir.RVA, 40)
	if err != nil {
		return nil, fmt.Errorf("pe: reading export directory: %w", err)
	}
	numFuncs := binary.LittleEndian.Uint32(raw[20:24])
	numNames := binary.LittleEndian.Uint32(raw[24:28])
	addrFuncsRVA := binary.LittleEndian.Uint32(raw[28:32])
	addrNamesRVA := binary.LittleEndian.Uint32(raw[32:36])
	addrOrdinalsRVA := binary.LittleEndian.Uint32(raw[36:40])
	base := binary.LittleEndian.Uint32(raw[16:20])

	funcsRaw, err := r.ReadAt(addrFuncsRVA, int(numFuncs)*4)
	if err != nil {
		return nil, fmt.Errorf("pe: reading export address table: %w", err)
	}
	funcs := make([]uint32, numFuncs)
	for i := range funcs {
		funcs[i] = binary.LittleEndian.Uint32(funcsRaw[i*4 : i*4+4])
	}

	names := make(map[uint16]string, numNames)
	if numNames > 0 {
		namesRaw, err := r.ReadAt(addrNamesRVA, int(numNames)*4)
		if err != nil {
			return nil, fmt.Errorf("pe: reading export name pointer table: %w", err)
		}
		ordRaw, err := r.ReadAt(addrOrdinalsRVA, int(numNames)*2)
		if err != nil {
			return nil, fmt.Errorf("pe: reading export ordinal table: %w", err)
		}
		for i := uint32(0); i < numNames; i++ {
			nameRVA := binary.LittleEndian.Uint32(namesRaw[i*4 : i*4+4])
			idx := binary.LittleEndian.Uint16(ordRaw[i*2 : i*2+2])
			name, err := readCStringRVA(r, nameRVA, 256)
			if err != nil {
				continue
			}
			names[idx] = name
		}
	}

	exports := make([]Export, 0, numFuncs)
	for i, rva := range funcs {
		if rva == 0 {
			continue
		}
		e := Export{Ordinal: uint16(i) + uint16(base), RVA: rva}
		if name, ok := names[uint16(i)]; ok {
			e.Name = name
		}
		if rva >= dir.RVA && rva < dir.RVA+dir.Size {
			fwd, err := readCStringRVA(r, rva, 256)
			if err == nil {
				e.Forwarder = fwd
				e.RVA = 0
			}
		}
		exports = append(exports, e)
	}
	return exports, nil
}

// FindExport returns the RVA of the export named name, or ok=false.
func FindExport(exports []Export, name string) (rva uint32, ok bool) {
	for _, e := range exports {
		if e.Name == name && e.Forwarder == "" {
			return e.RVA, true
		}
	}
	return 0, false
}

func readCStringRVA(r Reader, rva uint32, maxLen int) (string, error) {
	const chunk = 32
	buf := make([]byte, 0, chunk)
	for off := uint32(0); int(off) < maxLen; off += chunk {
		n := chunk
		if int(off)+n > maxLen {
			n = maxLen - int(off)
		}
		b, err := r.ReadAt(rva+off, n)
		if err != nil {
			if len(buf) > 0 {
				break
			}
			return "", err
		}
		for _, c := range b {
			if c == 0 {
				return string(buf), nil
			}
			buf = append(buf, c)
		}
	}
	return string(buf), nil
}
