//go:build windows

package remoteproc

import (
	"github.com/darkit/manualmap/mapper"
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// dontResolveDllReferences is LOAD_LIBRARY flag DONT_RESOLVE_DLL_REFERENCES:
// map the file and run its loader bookkeeping, but skip import resolution
// and DllMain, so the address returned by GetProcAddress reflects a plain
// load rather than whatever it would be after the module's own imports
// and TLS/entry point ran.
const dontResolveDllReferences = 0x00000001

// LocalExportLoader implements mapper.LocalExportResolver against the
// caller's own process, the standard way to inspect a DLL's export
// addresses without running it.
type LocalExportLoader struct{}

var _ mapper.LocalExportResolver = LocalExportLoader{}

func (LocalExportLoader) ResolveExportRVA(path, export string) (uint32, error) {
	h, err := windows.LoadLibraryEx(path, 0, dontResolveDllReferences)
	if err != nil {
		return 0, errors.Wrapf(err, "remoteproc: LoadLibraryEx(%s)", path)
	}
	defer windows.FreeLibrary(h)

	addr, err := windows.GetProcAddress(h, export)
	if err != nil {
		return 0, errors.Wrapf(err, "remoteproc: GetProcAddress(%s, %s)", path, export)
	}
	return uint32(addr - uintptr(h)), nil
}
