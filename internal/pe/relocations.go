package pe

import "fmt"

// Base relocation types (IMAGE_REL_BASED_*). This engine, per its non-goals,
// supports only the three types real contemporary x86/x64 PE images use;
// ARM Thumb2 (IMAGE_REL_BASED_THUMB_MOV32) and the rest are unsupported.
const (
	ImageRelBasedAbsolute = 0
	ImageRelBasedHighLow  = 3
	ImageRelBasedDir64    = 10
)

// Relocation is a single decoded base-relocation entry.
type Relocation struct {
	PageRVA uint32
	Type    uint16
	Offset  uint16 // offset within the page
}

// Relocations walks the base relocation directory block by block, exactly as
// the on-disk IMAGE_BASE_RELOCATION layout describes: a (VirtualAddress,
// SizeOfBlock) header followed by SizeOfBlock-sizeof(header) bytes of
// 16-bit entries, repeating until a zero-sized block or the end of the
// directory. It stops without error on a zero VirtualAddress sentinel block
// or when the directory is empty. ABSOLUTE entries (the padding that keeps
// a block DWORD-aligned) are skipped and not returned.
func (f *File) Relocations() ([]Relocation, error) {
	dir := f.Directory(ImageDirectoryEntryBaseReloc)
	if dir.Size == 0 {
		return nil, nil
	}
	dirOff, err := f.RvaToOffset(dir.VirtualAddress)
	if err != nil {
		return nil, err
	}
	var out []Relocation
	const blockHeaderSize = 8
	pos := uint32(0)
	for pos+blockHeaderSize <= dir.Size {
		hdr := make([]byte, blockHeaderSize)
		if _, err := f.R.ReadAt(hdr, dirOff+pos); err != nil {
			return nil, fmt.Errorf("pe: truncated relocation block: %w", err)
		}
		pageRVA := le32(hdr[0:4])
		blockSize := le32(hdr[4:8])
		if blockSize == 0 || pageRVA == 0 {
			break
		}
		if blockSize < blockHeaderSize {
			return nil, fmt.Errorf("pe: relocation block size %d smaller than header", blockSize)
		}
		entryCount := (blockSize - blockHeaderSize) / 2
		entries := make([]byte, entryCount*2)
		if entryCount > 0 {
			if _, err := f.R.ReadAt(entries, dirOff+pos+blockHeaderSize); err != nil {
				return nil, fmt.Errorf("pe: truncated relocation entries: %w", err)
			}
		}
		for i := uint32(0); i < entryCount; i++ {
			v := le16(entries[i*2 : i*2+2])
			if v>>12 == ImageRelBasedAbsolute {
				continue
			}
			out = append(out, Relocation{
				PageRVA: pageRVA,
				Type:    v >> 12,
				Offset:  v & 0xfff,
			})
		}
		pos += blockSize
	}
	return out, nil
}
