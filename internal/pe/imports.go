package pe

import "fmt"

const imageOrdinalFlag64 = uint64(1) << 63
const imageOrdinalFlag32 = uint64(1) << 31

// ImportDescriptor is IMAGE_IMPORT_DESCRIPTOR.
type ImportDescriptor struct {
	OriginalFirstThunk uint32
	Name               uint32
	FirstThunk         uint32
}

// ImportDirs returns the image's import descriptor list, terminated (per
// the on-disk format) by an all-zero descriptor.
func (f *File) ImportDirs() ([]ImportDescriptor, error) {
	dir := f.Directory(ImageDirectoryEntryImport)
	if dir.Size == 0 || dir.VirtualAddress == 0 {
		return nil, nil
	}
	off, err := f.RvaToOffset(dir.VirtualAddress)
	if err != nil {
		return nil, err
	}
	const descSize = 20
	var out []ImportDescriptor
	for i := 0; ; i++ {
		buf := make([]byte, descSize)
		if _, err := f.R.ReadAt(buf, off+uint32(i)*descSize); err != nil {
			return nil, fmt.Errorf("pe: truncated import descriptor %d: %w", i, err)
		}
		d := ImportDescriptor{
			OriginalFirstThunk: le32(buf[0:4]),
			Name:               le32(buf[12:16]),
			FirstThunk:         le32(buf[16:20]),
		}
		if d.OriginalFirstThunk == 0 && d.Name == 0 && d.FirstThunk == 0 {
			break
		}
		out = append(out, d)
	}
	return out, nil
}

// ImportThunk is one entry of an import descriptor's original-thunk array:
// either an ordinal import, or a (hint, name) import.
type ImportThunk struct {
	ByOrdinal bool
	Ordinal   uint16
	Hint      uint16
	Name      string
	// thunkRVA is the RVA of this entry's slot in the FIRST thunk array
	// (the IAT), positionally aligned with the original-thunk array by
	// index.
	thunkRVA uint32
}

// ImportThunks walks the original (first) thunk array of d, decoding each
// entry by ordinal or by (hint, name), and records the IAT slot RVA each
// entry corresponds to positionally in the first-thunk array.
func (f *File) ImportThunks(d ImportDescriptor) ([]ImportThunk, error) {
	thunkRVA := d.OriginalFirstThunk
	iatRVA := d.FirstThunk
	if thunkRVA == 0 {
		// No hint table; thunk array doubles as the IAT.
		thunkRVA = d.FirstThunk
	}
	entrySize := uint32(4)
	ordFlag := imageOrdinalFlag32
	if f.Opt.Is64 {
		entrySize = 8
		ordFlag = imageOrdinalFlag64
	}

	var out []ImportThunk
	for i := uint32(0); ; i++ {
		raw, err := f.readThunkValue(thunkRVA+i*entrySize, entrySize)
		if err != nil {
			return nil, err
		}
		if raw == 0 {
			break
		}
		t := ImportThunk{thunkRVA: iatRVA + i*entrySize}
		if raw&ordFlag != 0 {
			t.ByOrdinal = true
			t.Ordinal = uint16(raw & 0xffff)
		} else {
			ibnRVA := uint32(raw)
			hintBuf := make([]byte, 2)
			if err := f.ReadAtRVA(hintBuf, ibnRVA); err != nil {
				return nil, err
			}
			name, err := f.ReadCString(ibnRVA + 2)
			if err != nil {
				return nil, err
			}
			t.Hint = le16(hintBuf)
			t.Name = name
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *File) readThunkValue(rva uint32, size uint32) (uint64, error) {
	buf := make([]byte, size)
	if err := f.ReadAtRVA(buf, rva); err != nil {
		return 0, err
	}
	if size == 8 {
		return le64(buf), nil
	}
	return uint64(le32(buf)), nil
}

// ThunkRVA exposes the IAT slot RVA computed for this thunk, so the Import
// Linker can patch it once the export is resolved.
func (t ImportThunk) ThunkRVA() uint32 { return t.thunkRVA }
