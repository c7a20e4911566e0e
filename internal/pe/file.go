package pe

import "fmt"

// File is a parsed view over a PE image: either a raw on-disk scratch
// buffer (Identity == false, RVAs must be translated through the section
// table to a file offset) or an already laid-out image, local or remote
// (Identity == true, an RVA already equals a Reader offset because layout
// wrote every section to base+VirtualAddress and the headers to base+0).
type File struct {
	R        Reader
	Identity bool

	Dos     DosHeader
	File    FileHeader
	Opt     OptionalHeader
	sectionHdrOff uint32
}

// Open parses the DOS header, NT headers and section table out of r.
func Open(r Reader, identity bool) (*File, error) {
	if r.Size() < dosHeaderSize {
		return nil, fmt.Errorf("pe: incomplete IMAGE_DOS_HEADER")
	}
	dos, err := readDosHeader(r)
	if err != nil {
		return nil, err
	}
	if dos.EMagic != ImageDosSignature {
		return nil, fmt.Errorf("pe: not an MS-DOS binary (got %#x, want %#x)", dos.EMagic, ImageDosSignature)
	}

	ntOff := uint32(dos.ELfanew)
	sig := make([]byte, 4)
	if _, err := r.ReadAt(sig, ntOff); err != nil {
		return nil, fmt.Errorf("pe: incomplete IMAGE_NT_HEADERS: %w", err)
	}
	if le32(sig) != ImageNtSignature {
		return nil, fmt.Errorf("pe: not an NT binary (got %#x, want %#x)", le32(sig), ImageNtSignature)
	}

	fhBuf := make([]byte, 20)
	if _, err := r.ReadAt(fhBuf, ntOff+4); err != nil {
		return nil, fmt.Errorf("pe: incomplete IMAGE_FILE_HEADER: %w", err)
	}
	fh := FileHeader{
		Machine:              le16(fhBuf[0:2]),
		NumberOfSections:     le16(fhBuf[2:4]),
		TimeDateStamp:        le32(fhBuf[4:8]),
		PointerToSymbolTable: le32(fhBuf[8:12]),
		NumberOfSymbols:      le32(fhBuf[12:16]),
		SizeOfOptionalHeader: le16(fhBuf[16:18]),
		Characteristics:      le16(fhBuf[18:20]),
	}

	optOff := ntOff + 4 + 20
	magicBuf := make([]byte, 2)
	if _, err := r.ReadAt(magicBuf, optOff); err != nil {
		return nil, fmt.Errorf("pe: incomplete IMAGE_OPTIONAL_HEADER: %w", err)
	}
	magic := le16(magicBuf)

	var opt OptionalHeader
	switch magic {
	case ImageNtOptionalHdr32Magic:
		opt, err = readOptionalHeader32(r, optOff)
	case ImageNtOptionalHdr64Magic:
		opt, err = readOptionalHeader64(r, optOff)
	default:
		return nil, fmt.Errorf("pe: unrecognized optional header magic %#x", magic)
	}
	if err != nil {
		return nil, err
	}

	f := &File{
		R:             r,
		Identity:      identity,
		Dos:           dos,
		File:          fh,
		Opt:           opt,
		sectionHdrOff: optOff + uint32(fh.SizeOfOptionalHeader),
	}
	return f, nil
}

func readOptionalHeader32(r Reader, off uint32) (OptionalHeader, error) {
	buf := make([]byte, 96)
	if _, err := r.ReadAt(buf, off); err != nil {
		return OptionalHeader{}, fmt.Errorf("pe: incomplete IMAGE_OPTIONAL_HEADER32: %w", err)
	}
	opt := OptionalHeader{
		Is64:                false,
		Magic:               le16(buf[0:2]),
		AddressOfEntryPoint: le32(buf[16:20]),
		ImageBase:           uint64(le32(buf[28:32])),
		SectionAlignment:    le32(buf[32:36]),
		FileAlignment:       le32(buf[36:40]),
		SizeOfImage:         le32(buf[56:60]),
		SizeOfHeaders:       le32(buf[60:64]),
		NumberOfRvaAndSizes: le32(buf[92:96]),
	}
	return readDataDirectories(r, off+96, opt)
}

func readOptionalHeader64(r Reader, off uint32) (OptionalHeader, error) {
	buf := make([]byte, 112)
	if _, err := r.ReadAt(buf, off); err != nil {
		return OptionalHeader{}, fmt.Errorf("pe: incomplete IMAGE_OPTIONAL_HEADER64: %w", err)
	}
	opt := OptionalHeader{
		Is64:                true,
		Magic:               le16(buf[0:2]),
		AddressOfEntryPoint: le32(buf[16:20]),
		ImageBase:           le64(buf[24:32]),
		SectionAlignment:    le32(buf[32:36]),
		FileAlignment:       le32(buf[36:40]),
		SizeOfImage:         le32(buf[56:60]),
		SizeOfHeaders:       le32(buf[60:64]),
		NumberOfRvaAndSizes: le32(buf[108:112]),
	}
	return readDataDirectories(r, off+112, opt)
}

func readDataDirectories(r Reader, off uint32, opt OptionalHeader) (OptionalHeader, error) {
	n := int(opt.NumberOfRvaAndSizes)
	if n > numDataDirectories {
		n = numDataDirectories
	}
	buf := make([]byte, n*8)
	if n > 0 {
		if _, err := r.ReadAt(buf, off); err != nil {
			return opt, fmt.Errorf("pe: incomplete data directories: %w", err)
		}
	}
	for i := 0; i < n; i++ {
		opt.DataDirectory[i] = DataDirectory{
			VirtualAddress: le32(buf[i*8 : i*8+4]),
			Size:           le32(buf[i*8+4 : i*8+8]),
		}
	}
	return opt, nil
}

// Directory returns the idx'th data directory entry (IMAGE_DATA_DIRECTORY).
func (f *File) Directory(idx int) DataDirectory {
	return f.Opt.DataDirectory[idx]
}

// ImageBaseFieldRVA returns the RVA of the OptionalHeader.ImageBase field
// itself, so a caller rebasing an image can patch the on-disk/in-memory
// header in place to match the address it was actually loaded at, rather
// than leaving it pointing at the image's preferred base.
func (f *File) ImageBaseFieldRVA() uint32 {
	optOff := uint32(f.Dos.ELfanew) + 4 + 20
	if f.Opt.Is64 {
		return optOff + 24
	}
	return optOff + 28
}

// Machine reports the image's target architecture.
func (f *File) Machine() uint16 { return f.File.Machine }

// RvaToOffset translates an RVA into a Reader offset. For an identity-mapped
// file (already laid out, local or remote) this is a no-op: layout wrote
// every section to base+VirtualAddress. For a raw scratch buffer, the RVA is
// translated through the section table to the corresponding file offset,
// exactly as the on-disk image's PointerToRawData/VirtualAddress pairing
// describes, falling back to an identity mapping within the header region
// (RVA < SizeOfHeaders, which is laid out identically to the file's start).
func (f *File) RvaToOffset(rva uint32) (uint32, error) {
	if f.Identity {
		return rva, nil
	}
	if rva < f.Opt.SizeOfHeaders {
		return rva, nil
	}
	sections, err := f.Sections()
	if err != nil {
		return 0, err
	}
	for _, s := range sections {
		size := s.VirtualSize
		if size == 0 {
			size = s.SizeOfRawData
		}
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+size {
			return s.PointerToRawData + (rva - s.VirtualAddress), nil
		}
	}
	return 0, fmt.Errorf("pe: rva %#x not contained in any section", rva)
}

// ReadAtRVA reads len(p) bytes starting at the given RVA.
func (f *File) ReadAtRVA(p []byte, rva uint32) error {
	off, err := f.RvaToOffset(rva)
	if err != nil {
		return err
	}
	_, err = f.R.ReadAt(p, off)
	return err
}

// WriteAtRVA overwrites len(p) bytes starting at the given RVA. f.R must
// also implement a WriteAt(p []byte, off uint32) error method (BufferReader
// does, as does the mapper's remote-image reader); used for patching
// relocations into the local scratch buffer and IAT slots into a mapped
// image.
func (f *File) WriteAtRVA(p []byte, rva uint32) error {
	w, ok := f.R.(interface {
		WriteAt(p []byte, off uint32) error
	})
	if !ok {
		return fmt.Errorf("pe: underlying reader is not writable")
	}
	off, err := f.RvaToOffset(rva)
	if err != nil {
		return err
	}
	return w.WriteAt(p, off)
}

// ReadCString reads a NUL-terminated ASCII string starting at the given RVA.
func (f *File) ReadCString(rva uint32) (string, error) {
	off, err := f.RvaToOffset(rva)
	if err != nil {
		return "", err
	}
	var out []byte
	b := make([]byte, 1)
	for i := 0; i < 512; i++ {
		if _, err := f.R.ReadAt(b, off+uint32(i)); err != nil {
			return "", err
		}
		if b[0] == 0 {
			break
		}
		out = append(out, b[0])
	}
	return string(out), nil
}
