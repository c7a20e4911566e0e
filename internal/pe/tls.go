package pe

import "fmt"

// TLSCallbacks returns the entries of the image's TLS callback array
// (IMAGE_TLS_DIRECTORY.AddressOfCallbacks), stopping at the NUL sentinel
// entry. Both AddressOfCallbacks and the array entries are VAs, not RVAs,
// in the 32-bit and 64-bit shapes alike: the array is located by
// subtracting the header's ImageBase from AddressOfCallbacks, and the
// entries are returned as stored. Before relocation they are VAs at the
// image's preferred base; once relocations and the header ImageBase have
// been fixed up for the real (remote) base, they are addresses at that base.
func (f *File) TLSCallbacks() ([]uint64, error) {
	dir := f.Directory(ImageDirectoryEntryTLS)
	if dir.VirtualAddress == 0 {
		return nil, nil
	}
	var callbacksVA uint64
	if f.Opt.Is64 {
		buf := make([]byte, 8)
		if err := f.ReadAtRVA(buf, dir.VirtualAddress+24); err != nil {
			return nil, fmt.Errorf("pe: truncated IMAGE_TLS_DIRECTORY64: %w", err)
		}
		callbacksVA = le64(buf)
	} else {
		buf := make([]byte, 4)
		if err := f.ReadAtRVA(buf, dir.VirtualAddress+12); err != nil {
			return nil, fmt.Errorf("pe: truncated IMAGE_TLS_DIRECTORY32: %w", err)
		}
		callbacksVA = uint64(le32(buf))
	}
	if callbacksVA == 0 {
		return nil, nil
	}

	// AddressOfCallbacks is a VA relative to the image's current base in
	// memory, not an RVA. Once the image is identity-mapped (Identity ==
	// true), base == f.R's origin, so VA - ImageBase is the RVA of the
	// callback array itself.
	arrayRVA := uint32(callbacksVA - f.Opt.ImageBase)

	var out []uint64
	entrySize := uint32(4)
	if f.Opt.Is64 {
		entrySize = 8
	}
	for i := uint32(0); ; i++ {
		buf := make([]byte, entrySize)
		if err := f.ReadAtRVA(buf, arrayRVA+i*entrySize); err != nil {
			return nil, fmt.Errorf("pe: truncated TLS callback array: %w", err)
		}
		var v uint64
		if entrySize == 8 {
			v = le64(buf)
		} else {
			v = uint64(le32(buf))
		}
		if v == 0 {
			break
		}
		out = append(out, v)
	}
	return out, nil
}
