package pe

import (
	"fmt"
	"strconv"
	"strings"
)

// ExportDirectory is the subset of IMAGE_EXPORT_DIRECTORY this engine needs.
type ExportDirectory struct {
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// ExportDir parses the export directory. ok is false (no error) when the
// image carries no export directory at all.
func (f *File) ExportDir() (ExportDirectory, bool, error) {
	dir := f.Directory(ImageDirectoryEntryExport)
	if dir.Size == 0 || dir.VirtualAddress == 0 {
		return ExportDirectory{}, false, nil
	}
	buf := make([]byte, 40)
	if err := f.ReadAtRVA(buf, dir.VirtualAddress); err != nil {
		return ExportDirectory{}, false, fmt.Errorf("pe: truncated export directory: %w", err)
	}
	ed := ExportDirectory{
		Base:                  le32(buf[16:20]),
		NumberOfFunctions:     le32(buf[20:24]),
		NumberOfNames:         le32(buf[24:28]),
		AddressOfFunctions:    le32(buf[28:32]),
		AddressOfNames:        le32(buf[32:36]),
		AddressOfNameOrdinals: le32(buf[36:40]),
	}
	return ed, true, nil
}

// Export is a single resolved export: its RVA, and — if it is a forwarder —
// the two string halves of "<module>.<function-or-#ordinal>".
type Export struct {
	Ordinal        uint32
	Name           string
	RVA            uint32
	Forwarded      bool
	ForwardModule  string
	ForwardTarget  string // either a name, or "#<decimal ordinal>"
}

// ExportByOrdinal resolves an export by its absolute ordinal (i.e. already
// including ExportDirectory.Base).
func (f *File) ExportByOrdinal(ed ExportDirectory, ordinal uint32) (Export, error) {
	if ordinal < ed.Base {
		return Export{}, fmt.Errorf("pe: ordinal %d below export base %d", ordinal, ed.Base)
	}
	idx := ordinal - ed.Base
	if idx >= ed.NumberOfFunctions {
		return Export{}, fmt.Errorf("pe: ordinal %d out of range (max %d)", ordinal, ed.Base+ed.NumberOfFunctions-1)
	}
	buf := make([]byte, 4)
	if err := f.ReadAtRVA(buf, ed.AddressOfFunctions+idx*4); err != nil {
		return Export{}, err
	}
	rva := le32(buf)
	return f.decodeExport(ed, ordinal, "", rva)
}

// ExportByName resolves an export by its exported name, via a linear scan
// of the name-pointer table (the table is nominally sorted, but this
// engine does not assume it).
func (f *File) ExportByName(ed ExportDirectory, name string) (Export, error) {
	names, err := f.exportNames(ed)
	if err != nil {
		return Export{}, err
	}
	ordinals, err := f.exportNameOrdinals(ed)
	if err != nil {
		return Export{}, err
	}
	for i, n := range names {
		if n == name {
			idx := ordinals[i]
			ordinal := ed.Base + uint32(idx)
			fnBuf := make([]byte, 4)
			if err := f.ReadAtRVA(fnBuf, ed.AddressOfFunctions+uint32(idx)*4); err != nil {
				return Export{}, err
			}
			return f.decodeExport(ed, ordinal, name, le32(fnBuf))
		}
	}
	return Export{}, fmt.Errorf("pe: export %q not found", name)
}

// NameAtHint reads the name-pointer table entry at the given hint index and
// its corresponding ordinal-table entry, the "by hint" fast path an import
// thunk's Hint field lets a caller try before falling back to ExportByName.
func (f *File) NameAtHint(ed ExportDirectory, hint uint16) (name string, ordinal uint32, err error) {
	if uint32(hint) >= ed.NumberOfNames {
		return "", 0, fmt.Errorf("pe: hint %d out of range (max %d)", hint, ed.NumberOfNames-1)
	}
	nameRVABuf := make([]byte, 4)
	if err := f.ReadAtRVA(nameRVABuf, ed.AddressOfNames+uint32(hint)*4); err != nil {
		return "", 0, err
	}
	name, err = f.ReadCString(le32(nameRVABuf))
	if err != nil {
		return "", 0, err
	}
	ordBuf := make([]byte, 2)
	if err := f.ReadAtRVA(ordBuf, ed.AddressOfNameOrdinals+uint32(hint)*2); err != nil {
		return "", 0, err
	}
	ordinal = ed.Base + uint32(le16(ordBuf))
	return name, ordinal, nil
}

func (f *File) exportNames(ed ExportDirectory) ([]string, error) {
	out := make([]string, ed.NumberOfNames)
	for i := uint32(0); i < ed.NumberOfNames; i++ {
		ptrBuf := make([]byte, 4)
		if err := f.ReadAtRVA(ptrBuf, ed.AddressOfNames+i*4); err != nil {
			return nil, err
		}
		name, err := f.ReadCString(le32(ptrBuf))
		if err != nil {
			return nil, err
		}
		out[i] = name
	}
	return out, nil
}

func (f *File) exportNameOrdinals(ed ExportDirectory) ([]uint16, error) {
	out := make([]uint16, ed.NumberOfNames)
	for i := uint32(0); i < ed.NumberOfNames; i++ {
		buf := make([]byte, 2)
		if err := f.ReadAtRVA(buf, ed.AddressOfNameOrdinals+i*2); err != nil {
			return nil, err
		}
		out[i] = le16(buf)
	}
	return out, nil
}

func (f *File) decodeExport(ed ExportDirectory, ordinal uint32, name string, rva uint32) (Export, error) {
	dir := f.Directory(ImageDirectoryEntryExport)
	e := Export{Ordinal: ordinal, Name: name, RVA: rva}
	// An export whose RVA falls inside the export directory itself is a
	// forwarder: its "RVA" is actually the RVA of a "module.function" (or
	// "module.#ordinal") ASCII string, not code.
	if rva >= dir.VirtualAddress && rva < dir.VirtualAddress+dir.Size {
		fwd, err := f.ReadCString(rva)
		if err != nil {
			return Export{}, fmt.Errorf("pe: truncated forwarder string: %w", err)
		}
		mod, target, ok := strings.Cut(fwd, ".")
		if !ok {
			return Export{}, fmt.Errorf("pe: malformed forwarder string %q", fwd)
		}
		e.Forwarded = true
		e.ForwardModule = mod
		e.ForwardTarget = target
	}
	return e, nil
}

// ForwardOrdinal parses a "#<decimal>" forwarder target into its ordinal.
func ForwardOrdinal(target string) (uint16, error) {
	if len(target) == 0 || target[0] != '#' {
		return 0, fmt.Errorf("pe: %q is not an ordinal forwarder target", target)
	}
	v, err := strconv.ParseUint(target[1:], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("pe: invalid forwarder ordinal %q: %w", target, err)
	}
	return uint16(v), nil
}
