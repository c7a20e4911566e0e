package mapper

import (
	"github.com/darkit/manualmap/internal/pe"
	"github.com/pkg/errors"
)

// remoteReader presents a slice of one remote process's address space as a
// pe.Reader, so the parsing logic in internal/pe can run unmodified against
// an already-mapped image: once layoutImage has written headers, sections
// and relocations, "RVA" and "offset from remoteBase" mean the same thing.
type remoteReader struct {
	remote  Remote
	base    uint64
	imgSize uint32
}

func (r *remoteReader) ReadAt(p []byte, off uint32) (int, error) {
	if err := r.remote.Read(r.base+uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (r *remoteReader) Size() uint32 { return r.imgSize }

func (r *remoteReader) WriteAt(p []byte, off uint32) error {
	return r.remote.Write(r.base+uint64(off), p)
}

// openRemotePE builds a *pe.File view over a module already sitting at
// base in remote's address space — either one this Mapper mapped earlier
// (from the cache) or one the target process loaded itself (ntdll.dll).
// The size passed to pe.Open is an upper bound only; individual reads are
// still bounds-checked by the underlying Remote implementation.
func openRemotePE(remote Remote, base uint64) (*pe.File, error) {
	rr := &remoteReader{remote: remote, base: base, imgSize: 0xFFFFFFFF}
	f, err := pe.Open(rr, true)
	if err != nil {
		return nil, errors.Wrap(ErrBadImage, err.Error())
	}
	return f, nil
}

// layoutImage lays img out in remote's address space: allocates
// SizeOfImage, fixes up base relocations and the header's own ImageBase
// field against the new base in the local scratch buffer, then copies the
// now-corrected header block and every section's raw data to its virtual
// address. Patching relocations before section write-out (rather than
// against the remote image afterwards) means every byte this function
// ever writes to the target process is already final — nothing it sends
// over the wire needs a second pass.
func layoutImage(remote Remote, img *Image) (remoteBase uint64, remotePE *pe.File, err error) {
	size := img.PE.Opt.SizeOfImage
	remoteBase, err = remote.Alloc(uint64(size))
	if err != nil {
		return 0, nil, errors.Wrapf(ErrRemoteMemory, "allocating %#x bytes: %v", size, err)
	}

	// img.PE addresses img.Raw by on-disk RVA (Identity == false), so this
	// patches the local file buffer directly: relocations applied here are
	// already baked into the bytes the section loop below sends remote.
	if err := applyRelocations(img.PE, remoteBase, img.PE.Opt.ImageBase); err != nil {
		return 0, nil, err
	}

	headers := make([]byte, img.PE.Opt.SizeOfHeaders)
	copy(headers, img.Raw)

	// Patch the header's own ImageBase field to the address this image is
	// actually being mapped at. Every other rebased pointer in the image
	// is fixed up through the relocation table above, but the header
	// field itself is not a relocation entry, so later readers of the
	// remote image (TLS callback resolution, in particular) see a base
	// consistent with where the image really lives instead of its
	// on-disk preferred base.
	ibRVA := img.PE.ImageBaseFieldRVA()
	if img.PE.Opt.Is64 {
		putLE64(headers[ibRVA:ibRVA+8], remoteBase)
	} else {
		putLE32(headers[ibRVA:ibRVA+4], uint32(remoteBase))
	}

	if err := remote.Write(remoteBase, headers); err != nil {
		return 0, nil, errors.Wrapf(ErrRemoteMemory, "writing headers: %v", err)
	}

	sections, err := img.PE.Sections()
	if err != nil {
		return 0, nil, errors.Wrap(ErrBadImage, err.Error())
	}
	for _, s := range sections {
		if s.SizeOfRawData == 0 {
			continue
		}
		start := s.PointerToRawData
		end := start + s.SizeOfRawData
		if end > uint32(len(img.Raw)) {
			end = uint32(len(img.Raw))
		}
		if start >= end {
			continue
		}
		if err := remote.Write(remoteBase+uint64(s.VirtualAddress), img.Raw[start:end]); err != nil {
			return 0, nil, errors.Wrapf(ErrRemoteMemory, "writing section %s: %v", s.Name, err)
		}
	}

	rr := &remoteReader{remote: remote, base: remoteBase, imgSize: size}
	remotePE, err = pe.Open(rr, true)
	if err != nil {
		return 0, nil, errors.Wrap(ErrBadImage, err.Error())
	}
	return remoteBase, remotePE, nil
}

// applyRelocations walks f's base relocation directory and adds the delta
// between the new remote base and the image's preferred base to every
// fixed-up location. f may be the local on-disk scratch buffer (Identity
// == false, as layoutImage calls it) or an already-laid-out image
// (Identity == true, as openRemotePE's caller would) — ReadAtRVA/WriteAtRVA
// translate either way. Only ABSOLUTE (a no-op padding entry), HIGHLOW and
// DIR64 are supported, matching this engine's stated relocation non-goals.
func applyRelocations(f *pe.File, newBase, preferredBase uint64) error {
	delta := newBase - preferredBase
	if delta == 0 {
		return nil
	}

	relocs, err := f.Relocations()
	if err != nil {
		return errors.Wrap(ErrBadImage, err.Error())
	}

	for _, r := range relocs {
		rva := r.PageRVA + uint32(r.Offset)
		switch r.Type {
		case pe.ImageRelBasedAbsolute:
			continue
		case pe.ImageRelBasedHighLow:
			buf := make([]byte, 4)
			if err := f.ReadAtRVA(buf, rva); err != nil {
				return errors.Wrapf(ErrBadImage, "reading relocation at %#x: %v", rva, err)
			}
			v := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
			v += uint32(delta)
			buf[0], buf[1], buf[2], buf[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
			if err := f.WriteAtRVA(buf, rva); err != nil {
				return errors.Wrapf(ErrBadImage, "writing relocation at %#x: %v", rva, err)
			}
		case pe.ImageRelBasedDir64:
			buf := make([]byte, 8)
			if err := f.ReadAtRVA(buf, rva); err != nil {
				return errors.Wrapf(ErrBadImage, "reading relocation at %#x: %v", rva, err)
			}
			var v uint64
			for i := 7; i >= 0; i-- {
				v = v<<8 | uint64(buf[i])
			}
			v += delta
			for i := 0; i < 8; i++ {
				buf[i] = byte(v >> (8 * i))
			}
			if err := f.WriteAtRVA(buf, rva); err != nil {
				return errors.Wrapf(ErrBadImage, "writing relocation at %#x: %v", rva, err)
			}
		default:
			return errors.Wrapf(ErrUnsupportedReloc, "type %d at rva %#x", r.Type, rva)
		}
	}
	return nil
}

func putLE32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// protectSections applies each section's derived page protection. It runs
// after relocations and imports are patched in and before any TLS callback
// or the entry point is called, so no code in the image is reachable at the
// wrong protection during mapping.
func protectSections(remote Remote, remoteBase uint64, img *Image) error {
	sections, err := img.PE.Sections()
	if err != nil {
		return errors.Wrap(ErrBadImage, err.Error())
	}
	for _, s := range sections {
		size := s.VirtualSize
		if size == 0 {
			size = s.SizeOfRawData
		}
		if size == 0 {
			continue
		}
		idx := pe.ProtectionForCharacteristics(s.Characteristics)
		protect := protectForIndex(idx)
		if _, err := remote.Protect(remoteBase+uint64(s.VirtualAddress), uint64(size), protect); err != nil {
			return errors.Wrapf(ErrRemoteMemory, "protecting section %s: %v", s.Name, err)
		}
	}
	return nil
}
