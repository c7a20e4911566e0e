package pe

import "fmt"

// Reader is the narrow contract the PE views need from whatever memory
// holds the image: a local on-disk scratch buffer, or an already-mapped
// remote image. Offsets here are positions in that memory: file offsets
// for an on-disk scratch buffer, and RVAs for an image already laid out at
// its base. File.RvaToOffset translates an RVA to the right kind of offset.
type Reader interface {
	// ReadAt copies len(p) bytes starting at the given offset into p.
	ReadAt(p []byte, off uint32) (int, error)
	// Size reports the extent of the readable region, in bytes.
	Size() uint32
}

// BufferReader is a Reader over a plain in-memory byte slice (the Image
// Reader's local scratch buffer).
type BufferReader []byte

func (b BufferReader) ReadAt(p []byte, off uint32) (int, error) {
	if uint64(off)+uint64(len(p)) > uint64(len(b)) {
		return 0, fmt.Errorf("pe: read past end of buffer (off=%d len=%d size=%d)", off, len(p), len(b))
	}
	return copy(p, b[off:]), nil
}

func (b BufferReader) Size() uint32 { return uint32(len(b)) }

// WriteAt overwrites len(p) bytes starting at off. Used by the Layout Engine
// to apply base relocations to the scratch buffer before section write-out.
func (b BufferReader) WriteAt(p []byte, off uint32) error {
	if uint64(off)+uint64(len(p)) > uint64(len(b)) {
		return fmt.Errorf("pe: write past end of buffer (off=%d len=%d size=%d)", off, len(p), len(b))
	}
	copy(b[off:], p)
	return nil
}
