package emulator

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ARM64 relocation types
const (
	R_AARCH64_ABS64     = 257  // Absolute 64-bit symbol reference
	R_AARCH64_GLOB_DAT  = 1025 // GOT entry for global data symbol
	R_AARCH64_JUMP_SLOT = 1026 // PLT GOT entry for function call
	R_AARCH64_RELATIVE  = 1027 // Position-independent data reference
)

const pageSize = 0x1000

// ELFInfo contains parsed ELF metadata
type ELFInfo struct {
	Path     string
	Machine  elf.Machine
	Entry    uint64
	Symbols  map[string]uint64 // symbol name -> virtual address (all symbols)
	Imports  map[string]uint64 // symbol name -> PLT stub address (external imports only)
	Exports  map[string]uint64 // defined global dynamic functions
	Segments []Segment
	BaseAddr uint64 // Load base address
	EndAddr  uint64 // End of loaded memory
}

// Segment represents a loadable ELF segment
type Segment struct {
	VAddr  uint64
	Offset uint64
	Size   uint64 // File size
	MemSz  uint64 // Memory size (may be larger due to .bss)
	Flags  elf.ProgFlag
}

// LoadELFBase is where the first position-independent library is placed.
// Later libraries follow it at page-aligned addresses.
const LoadELFBase = 0x40000000 // 1GB

// Name returns the file name of the library.
func (info *ELFInfo) Name() string {
	return filepath.Base(info.Path)
}

// LoadELF loads an ELF file and maps it into the emulator.
// Position-independent shared libraries are placed after the previously
// loaded one.
func (e *Emulator) LoadELF(path string) (*ELFInfo, error) {
	return e.LoadELFAt(path, 0)
}

// LoadELFAt loads an ELF file at a specific base address.
// If loadBase is 0, auto-selects based on file type:
// - Executables: use vaddr from file
// - Shared libraries (vaddr=0): relocate to the next free library base
func (e *Emulator) LoadELFAt(path string, loadBase uint64) (*ELFInfo, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_AARCH64 {
		return nil, fmt.Errorf("expected ARM64 (EM_AARCH64), got %v", f.Machine)
	}

	fileBase, fileEnd, ok := loadBounds(f)
	if !ok {
		return nil, fmt.Errorf("no PT_LOAD segments found")
	}

	// PIE/shared libraries have fileBase=0 or very low, need to relocate
	var relocOffset uint64
	switch {
	case loadBase != 0:
		relocOffset = loadBase - fileBase
	case fileBase < 0x10000:
		relocOffset = e.nextLib - fileBase
	}

	info := &ELFInfo{
		Path:     path,
		Machine:  f.Machine,
		Entry:    f.Entry + relocOffset,
		Symbols:  make(map[string]uint64),
		Imports:  make(map[string]uint64),
		Exports:  make(map[string]uint64),
		BaseAddr: fileBase + relocOffset,
		EndAddr:  fileEnd + relocOffset,
	}
	collectSymbols(f, relocOffset, info)

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	alignedBase := info.BaseAddr &^ (pageSize - 1)
	alignedEnd := (info.EndAddr + pageSize - 1) &^ (pageSize - 1)
	if err := e.MapRegion(alignedBase, alignedEnd-alignedBase); err != nil {
		return nil, fmt.Errorf("map 0x%x-0x%x: %w", alignedBase, alignedEnd, err)
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		loadVAddr := prog.Vaddr + relocOffset
		info.Segments = append(info.Segments, Segment{
			VAddr:  loadVAddr,
			Offset: prog.Off,
			Size:   prog.Filesz,
			MemSz:  prog.Memsz,
			Flags:  prog.Flags,
		})
		if prog.Filesz > 0 {
			if prog.Off+prog.Filesz > uint64(len(fileData)) {
				return nil, fmt.Errorf("segment at 0x%x extends past end of file", prog.Vaddr)
			}
			if err := e.MemWrite(loadVAddr, fileData[prog.Off:prog.Off+prog.Filesz]); err != nil {
				return nil, fmt.Errorf("write segment at 0x%x: %w", loadVAddr, err)
			}
		}
		// .bss is already zero in a fresh mapping.
	}

	// PLT addresses must be known before ABS64 relocations to imports.
	addPLTSymbols(f, relocOffset, info.Symbols, info.Imports)

	if err := e.applyRelocations(f, relocOffset, info.Imports); err != nil {
		return nil, fmt.Errorf("apply relocations: %w", err)
	}

	if loadBase == 0 && fileBase < 0x10000 {
		e.nextLib = alignedEnd + 0x100000
	}
	return info, nil
}

// UnloadELF unmaps a library loaded by LoadELF.
func (e *Emulator) UnloadELF(info *ELFInfo) error {
	alignedBase := info.BaseAddr &^ (pageSize - 1)
	alignedEnd := (info.EndAddr + pageSize - 1) &^ (pageSize - 1)
	return e.UnmapRegion(alignedBase, alignedEnd-alignedBase)
}

// ReadExports lists the exported functions of an ELF file without loading
// it. Addresses are file virtual addresses.
func ReadExports(path string) (map[string]uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()
	info := &ELFInfo{
		Symbols: make(map[string]uint64),
		Exports: make(map[string]uint64),
	}
	collectSymbols(f, 0, info)
	return info.Exports, nil
}

func loadBounds(f *elf.File) (base, end uint64, ok bool) {
	base = ^uint64(0)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		base = min(base, prog.Vaddr)
		end = max(end, prog.Vaddr+prog.Memsz)
	}
	return base, end, base != ^uint64(0)
}

// stripVersion removes @VERSION and @@VERSION suffixes.
func stripVersion(name string) string {
	if idx := strings.Index(name, "@"); idx != -1 {
		return name[:idx]
	}
	return name
}

func collectSymbols(f *elf.File, relocOffset uint64, info *ELFInfo) {
	if syms, err := f.DynamicSymbols(); err == nil {
		for _, sym := range syms {
			if sym.Value == 0 || sym.Name == "" {
				continue
			}
			name := stripVersion(sym.Name)
			addr := sym.Value + relocOffset
			info.Symbols[sym.Name] = addr
			info.Symbols[name] = addr
			bind := elf.ST_BIND(sym.Info)
			if elf.ST_TYPE(sym.Info) == elf.STT_FUNC && (bind == elf.STB_GLOBAL || bind == elf.STB_WEAK) &&
				sym.Section != elf.SHN_UNDEF {
				info.Exports[name] = addr
			}
		}
	}
	if syms, err := f.Symbols(); err == nil {
		for _, sym := range syms {
			if sym.Value != 0 && sym.Name != "" {
				info.Symbols[sym.Name] = sym.Value + relocOffset
			}
		}
	}
}

// addPLTSymbols adds PLT stub addresses for external symbols.
// This allows stubs to hook external function calls via their PLT entry.
// Addresses are added to both symbols (for lookups) and imports (for stub installation).
func addPLTSymbols(f *elf.File, relocOffset uint64, symbols, imports map[string]uint64) {
	pltSec := f.Section(".plt")
	relaPlt := f.Section(".rela.plt")
	if pltSec == nil || relaPlt == nil {
		return
	}

	// Go skips STN_UNDEF at index 0
	dynSyms, err := f.DynamicSymbols()
	if err != nil {
		return
	}
	relaData, err := relaPlt.Data()
	if err != nil {
		return
	}

	// ARM64 PLT: 32-byte header, then 16 bytes per entry
	pltBase := pltSec.Addr + relocOffset
	const pltHeaderSize = 32
	const pltEntrySize = 16

	entryIdx := 0
	for i := 0; i+24 <= len(relaData); i += 24 {
		rInfo := binary.LittleEndian.Uint64(relaData[i+8:])
		arrayIdx := int(rInfo>>32) - 1
		if arrayIdx >= 0 && arrayIdx < len(dynSyms) {
			sym := dynSyms[arrayIdx]
			if sym.Name != "" && sym.Value == 0 {
				pltAddr := pltBase + pltHeaderSize + uint64(entryIdx)*pltEntrySize
				name := stripVersion(sym.Name)
				symbols[name] = pltAddr
				imports[name] = pltAddr
			}
		}
		entryIdx++
	}
}

// applyRelocations processes ELF relocations to fix GOT entries.
// The imports map provides PLT stub addresses for external symbols (needed for R_AARCH64_ABS64).
func (e *Emulator) applyRelocations(f *elf.File, relocOffset uint64, imports map[string]uint64) error {
	// DynamicSymbols skips STN_UNDEF, so ELF index i is at i-1.
	dynSyms, _ := f.DynamicSymbols()
	symAt := func(idx int) (elf.Symbol, bool) {
		if idx < 1 || idx > len(dynSyms) {
			return elf.Symbol{}, false
		}
		return dynSyms[idx-1], true
	}

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		if sec.Name != ".rela.dyn" && sec.Name != ".rela.plt" {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return fmt.Errorf("read %s: %w", sec.Name, err)
		}

		// r_offset (8), r_info (8), r_addend (8)
		for i := 0; i+24 <= len(data); i += 24 {
			rOffset := binary.LittleEndian.Uint64(data[i:])
			rInfo := binary.LittleEndian.Uint64(data[i+8:])
			rAddend := binary.LittleEndian.Uint64(data[i+16:])
			target := rOffset + relocOffset
			sym, hasSym := symAt(int(rInfo >> 32))

			var value uint64
			switch uint32(rInfo) {
			case R_AARCH64_RELATIVE:
				value = relocOffset + rAddend
			case R_AARCH64_GLOB_DAT, R_AARCH64_JUMP_SLOT:
				switch {
				case !hasSym:
					continue
				case sym.Value != 0:
					value = sym.Value + relocOffset
				case stripVersion(sym.Name) == "__stack_chk_guard":
					value = e.StackGuardAddr()
				default:
					// Unresolved imports go through the PLT hook.
					continue
				}
			case R_AARCH64_ABS64:
				switch {
				case hasSym && sym.Value != 0:
					value = sym.Value + relocOffset + rAddend
				case hasSym && sym.Name != "":
					stub, ok := imports[stripVersion(sym.Name)]
					if !ok {
						continue
					}
					value = stub + rAddend
				case rAddend != 0:
					value = relocOffset + rAddend
				default:
					continue
				}
			default:
				continue
			}
			if err := e.MemWriteU64(target, value); err != nil {
				return fmt.Errorf("relocate 0x%x: %w", target, err)
			}
		}
	}
	return nil
}

// FindSymbol looks up a symbol by name, returns 0 if not found
func (info *ELFInfo) FindSymbol(name string) uint64 {
	return info.Symbols[name]
}

// FindJNIOnLoad returns the address of JNI_OnLoad or 0
func (info *ELFInfo) FindJNIOnLoad() uint64 {
	return info.Symbols["JNI_OnLoad"]
}

// ExportNames returns the exported function names in sorted order.
func (info *ELFInfo) ExportNames() []string {
	names := make([]string, 0, len(info.Exports))
	for name := range info.Exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsExecutable returns true if the segment is executable
func (s *Segment) IsExecutable() bool {
	return s.Flags&elf.PF_X != 0
}

// IsWritable returns true if the segment is writable
func (s *Segment) IsWritable() bool {
	return s.Flags&elf.PF_W != 0
}
