package pe

import "fmt"

// Section characteristics this engine inspects (IMAGE_SCN_*).
const (
	ImageScnCntCode             = 0x00000020
	ImageScnCntInitializedData  = 0x00000040
	ImageScnCntUninitializedData = 0x00000080
	ImageScnMemExecute          = 0x20000000
	ImageScnMemRead             = 0x40000000
	ImageScnMemWrite            = 0x80000000
)

const sectionHeaderSize = 40

// Section is IMAGE_SECTION_HEADER.
type Section struct {
	Name             string
	VirtualSize      uint32
	VirtualAddress   uint32
	SizeOfRawData    uint32
	PointerToRawData uint32
	Characteristics  uint32
}

// Sections returns the image's section table, in on-disk order.
func (f *File) Sections() ([]Section, error) {
	n := int(f.File.NumberOfSections)
	out := make([]Section, 0, n)
	buf := make([]byte, sectionHeaderSize)
	for i := 0; i < n; i++ {
		off := f.sectionHdrOff + uint32(i)*sectionHeaderSize
		if _, err := f.R.ReadAt(buf, off); err != nil {
			return nil, fmt.Errorf("pe: incomplete section header %d: %w", i, err)
		}
		name := buf[0:8]
		nameLen := 8
		for j, c := range name {
			if c == 0 {
				nameLen = j
				break
			}
		}
		out = append(out, Section{
			Name:             string(name[:nameLen]),
			VirtualSize:      le32(buf[8:12]),
			VirtualAddress:   le32(buf[12:16]),
			SizeOfRawData:    le32(buf[16:20]),
			PointerToRawData: le32(buf[20:24]),
			Characteristics:  le32(buf[36:40]),
		})
	}
	return out, nil
}

// ProtectionForCharacteristics derives the effective section characteristics
// (synthesizing MEM_EXECUTE|MEM_READ|MEM_WRITE from the CNT_* content flags
// when none are explicitly set, per the loader's layout rules) and returns
// the index into the 16-entry characteristics-to-protection table that the
// caller (mapper/layout.go) keys its concrete OS protection constants by.
func ProtectionForCharacteristics(characteristics uint32) int {
	c := characteristics
	if c&(ImageScnMemExecute|ImageScnMemRead|ImageScnMemWrite) == 0 {
		if c&ImageScnCntCode != 0 {
			c |= ImageScnMemExecute | ImageScnMemRead
		}
		if c&ImageScnCntInitializedData != 0 {
			c |= ImageScnMemRead | ImageScnMemWrite
		}
		if c&ImageScnCntUninitializedData != 0 {
			c |= ImageScnMemRead | ImageScnMemWrite
		}
	}
	return int(c >> 28)
}
