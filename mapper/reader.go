package mapper

import (
	"os"

	"github.com/darkit/manualmap/internal/pe"
	"github.com/pkg/errors"
)

// Image is a library file read into memory and parsed, ready for the
// Layout Engine to lay it out in a remote process: the whole file is read
// into a local buffer before anything touches remote memory.
type Image struct {
	Path string
	Raw  []byte
	PE   *pe.File
}

// ReadImage reads path off local disk and parses its PE headers. The
// returned PE.File addresses RVAs against the on-disk layout (Identity ==
// false), since sections have not yet been mapped into their virtual
// layout.
func ReadImage(path string) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "mapper: reading %s", path)
	}

	f, err := pe.Open(pe.BufferReader(raw), false)
	if err != nil {
		return nil, errors.Wrapf(ErrBadImage, "%s: %v", path, err)
	}

	return &Image{Path: path, Raw: raw, PE: f}, nil
}

// CheckArch returns ErrBadImage if the image's machine type does not match
// the target process's architecture.
func CheckArch(f *pe.File, arch Arch) error {
	switch arch {
	case ArchAMD64:
		if f.Machine() != pe.ImageFileMachineAMD64 {
			return errors.Wrapf(ErrBadImage, "image machine type %#x does not match target amd64 process", f.Machine())
		}
	case ArchI386:
		if f.Machine() != pe.ImageFileMachineI386 {
			return errors.Wrapf(ErrBadImage, "image machine type %#x does not match target i386 process", f.Machine())
		}
	default:
		return errors.Wrap(ErrBadImage, "unknown target architecture")
	}
	return nil
}
