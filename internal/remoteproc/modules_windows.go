//go:build windows

package remoteproc

import (
	"github.com/darkit/manualmap/mapper"
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// ModuleEnumerator lists the modules already loaded in one target process,
// via a CreateToolhelp32Snapshot module snapshot. The import linker's
// ntdll.dll special case uses this to find the target process's existing
// ntdll base instead of manually mapping a second copy.
type ModuleEnumerator struct {
	pid uint32
}

var _ mapper.ModuleEnumerator = (*ModuleEnumerator)(nil)

// NewModuleEnumerator returns an enumerator bound to the given process ID.
func NewModuleEnumerator(pid uint32) *ModuleEnumerator {
	return &ModuleEnumerator{pid: pid}
}

func (m *ModuleEnumerator) ListModules() ([]mapper.ModuleInfo, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, m.pid)
	if err != nil {
		return nil, errors.Wrapf(err, "remoteproc: CreateToolhelp32Snapshot(pid=%d)", m.pid)
	}
	defer windows.CloseHandle(snap)

	var entry windows.ModuleEntry32
	entry.Size = uint32(windows.SizeofModuleEntry32)

	var out []mapper.ModuleInfo
	if err := windows.Module32First(snap, &entry); err != nil {
		return nil, errors.Wrap(err, "remoteproc: Module32First")
	}
	for {
		out = append(out, mapper.ModuleInfo{
			Handle: uint64(uintptr(entry.ModuleHandle)),
			Name:   windows.UTF16ToString(entry.Module[:]),
			Path:   windows.UTF16ToString(entry.ExePath[:]),
			Base:   uint64(uintptr(entry.ModBaseAddr)),
		})
		if err := windows.Module32Next(snap, &entry); err != nil {
			if errors.Is(err, windows.ERROR_NO_MORE_FILES) {
				break
			}
			return nil, errors.Wrap(err, "remoteproc: Module32Next")
		}
	}
	return out, nil
}
