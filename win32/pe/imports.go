package pe

import (
	"encoding/binary"
	"fmt"
)

// ImportedModule is one IMAGE_IMPORT_DESCRIPTOR: the DLL it imports from
// and the names/ordinals pulled from it.
type ImportedModule struct {
	DLLName string
	Symbols []ImportedSymbol
}

// ImportedSymbol is one entry of an import module's thunk array.
type ImportedSymbol struct {
	Name    string // empty if imported by ordinal
	Ordinal uint16
}

const ordinalFlag64 = uint64(1) << 63
const ordinalFlag32 = uint32(1) << 31

// Imports parses the import directory (data directory 1), spec.md §4.7.
func Imports(r Reader, h *Headers) ([]ImportedModule, error) {
	dir := h.DataDirectories[directoryImport]
	if dir.RVA == 0 || dir.Size == 0 {
		return nil, nil
	}
	const descSize = 20
	var mods []ImportedModule
	for off := uint32(0); ; off += descSize {
		raw, err := r.ReadAt(dir.RVA+off, descSize)
		if err != nil {
			return nil, fmt.Errorf("pe: reading import descriptor at +%#x: %w", off, err)
		}
		origFirstThunk := binary.LittleEndian.Uint32(raw[0:4])
		nameRVA := binary.LittleEndian.Uint32(raw[12:16])
		firstThunk := binary.LittleEndian.Uint32(raw[16:20])
		if origFirstThunk == 0 && nameRVA == 0 && firstThunk == 0 {
			break // null terminator descriptor
		}
		name, err := readCStringRVA(r, nameRVA, 256)
		if err != nil {
			return nil, fmt.Errorf("pe: reading import DLL name: %w", err)
		}
		thunkRVA := origFirstThunk
		if thunkRVA == 0 {
			thunkRVA = firstThunk
		}
		syms, err := readThunks(r, h, thunkRVA)
		if err != nil {
			return nil, fmt.Errorf("pe: reading thunks for %s: %w", name, err)
		}
		mods = append(mods, ImportedModule{DLLName: name, Symbols: syms})
	}
	return mods, nil
}

func readThunks(r Reader, h *Headers, rva uint32) ([]ImportedSymbol, error) {
	width := 4
	if h.Is64 {
		width = 8
	}
	var syms []ImportedSymbol
	for off := uint32(0); ; off += uint32(width) {
		raw, err := r.ReadAt(rva+off, width)
		if err != nil {
			return nil, err
		}
		var entry uint64
		var byOrdinal bool
		var ordinal uint16
		if h.Is64 {
			entry = binary.LittleEndian.Uint64(raw)
			if entry == 0 {
				break
			}
			byOrdinal = entry&ordinalFlag64 != 0
			ordinal = uint16(entry & 0xffff)
		} else {
			entry32 := binary.LittleEndian.Uint32(raw)
			entry = uint64(entry32)
			if entry32 == 0 {
				break
			}
			byOrdinal = entry32&ordinalFlag32 != 0
			ordinal = uint16(entry32 & 0xffff)
		}
		if byOrdinal {
			syms = append(syms, ImportedSymbol{Ordinal: ordinal})
			continue
		}
		hintNameRVA := uint32(entry)
		name, err := readCStringRVA(r, hintNameRVA+2, 256) // skip 2-byte Hint
		if err != nil {
			return nil, err
		}
		syms = append(syms, ImportedSymbol{Name: name})
	}
	return syms, nil
}
