//go:build windows

package remoteproc

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/darkit/manualmap/mapper"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
)

var _ mapper.Remote = (*WindowsProcess)(nil)

// processAllAccess is PROCESS_ALL_ACCESS. golang.org/x/sys/windows only
// exposes the granular PROCESS_* rights, not this combined mask, so it is
// reproduced here the same way the Windows SDK headers define it.
const processAllAccess = 0x1FFFFF

// WindowsProcess is the real cross-process memory manager, bound to one
// target process by PID. It backs every remote read/write/allocate/protect/
// call the Mapper issues (Alloc/Write/Read/Protect/Call/ProcessPath/
// ProcessHandle).
type WindowsProcess struct {
	pid    uint32
	handle windows.Handle
	arch   mapper.Arch
}

// Open attaches to the process identified by pid, elevating the caller's
// token with SeDebugPrivilege first (see privilege_windows.go) so that
// OpenProcess succeeds against processes outside the caller's own job or
// session.
func Open(pid uint32) (*WindowsProcess, error) {
	if err := EnableDebugPrivilege(); err != nil {
		logWarnPrivilege(err)
	}

	h, err := windows.OpenProcess(processAllAccess, false, pid)
	if err != nil {
		return nil, errors.Wrapf(err, "remoteproc: OpenProcess(%d)", pid)
	}

	arch, err := processArch(h)
	if err != nil {
		windows.CloseHandle(h)
		return nil, err
	}

	return &WindowsProcess{pid: pid, handle: h, arch: arch}, nil
}

// Close releases the underlying process handle. It does not unmap, free,
// or otherwise tear down any image this Mapper manually mapped into the
// process: unloading manually mapped images is not supported.
func (p *WindowsProcess) Close() error {
	return windows.CloseHandle(p.handle)
}

func processArch(h windows.Handle) (mapper.Arch, error) {
	isWow64, err := isWow64Process(h)
	if err != nil {
		return mapper.ArchUnknown, err
	}
	if isWow64 {
		return mapper.ArchI386, nil
	}
	var hostIs64 bool
	switch {
	case is64BitHost():
		hostIs64 = true
	default:
		hostIs64 = false
	}
	if hostIs64 {
		return mapper.ArchAMD64, nil
	}
	return mapper.ArchI386, nil
}

func isWow64Process(h windows.Handle) (bool, error) {
	var wow64 bool
	if err := windows.IsWow64Process(h, &wow64); err != nil {
		return false, errors.Wrap(err, "remoteproc: IsWow64Process")
	}
	return wow64, nil
}

func is64BitHost() bool {
	return unsafe.Sizeof(uintptr(0)) == 8
}

func (p *WindowsProcess) Arch() mapper.Arch { return p.arch }

func (p *WindowsProcess) ProcessHandle() uintptr { return uintptr(p.handle) }

func (p *WindowsProcess) ProcessPath() (string, error) {
	buf := make([]uint16, windows.MAX_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(p.handle, 0, &buf[0], &size); err != nil {
		return "", errors.Wrap(err, "remoteproc: QueryFullProcessImageName")
	}
	return windows.UTF16ToString(buf[:size]), nil
}

func (p *WindowsProcess) Alloc(size uint64) (uint64, error) {
	addr, err := virtualAllocEx(p.handle, 0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return 0, errors.Wrapf(err, "remoteproc: VirtualAllocEx(size=%#x)", size)
	}
	return uint64(addr), nil
}

func (p *WindowsProcess) Write(ptr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var written uintptr
	err := windows.WriteProcessMemory(p.handle, uintptr(ptr), &data[0], uintptr(len(data)), &written)
	if err != nil {
		return errors.Wrapf(err, "remoteproc: WriteProcessMemory(ptr=%#x, len=%d)", ptr, len(data))
	}
	if written != uintptr(len(data)) {
		return fmt.Errorf("remoteproc: short write at %#x: wrote %d of %d bytes", ptr, written, len(data))
	}
	return nil
}

func (p *WindowsProcess) Read(ptr uint64, out []byte) error {
	if len(out) == 0 {
		return nil
	}
	var read uintptr
	err := windows.ReadProcessMemory(p.handle, uintptr(ptr), &out[0], uintptr(len(out)), &read)
	if err != nil {
		return errors.Wrapf(err, "remoteproc: ReadProcessMemory(ptr=%#x, len=%d)", ptr, len(out))
	}
	if read != uintptr(len(out)) {
		return fmt.Errorf("remoteproc: short read at %#x: read %d of %d bytes", ptr, read, len(out))
	}
	return nil
}

func (p *WindowsProcess) ReadString(ptr uint64) (string, error) {
	var out []byte
	buf := make([]byte, 1)
	for i := 0; i < 32768; i++ {
		if err := p.Read(ptr+uint64(i), buf); err != nil {
			return "", err
		}
		if buf[0] == 0 {
			break
		}
		out = append(out, buf[0])
	}
	return string(out), nil
}

func (p *WindowsProcess) Protect(ptr uint64, size uint64, protect uint32) (uint32, error) {
	var old uint32
	err := windows.VirtualProtectEx(p.handle, uintptr(ptr), uintptr(size), protect, &old)
	if err != nil {
		return 0, errors.Wrapf(err, "remoteproc: VirtualProtectEx(ptr=%#x, size=%#x, protect=%#x)", ptr, size, protect)
	}
	return old, nil
}

// Call invokes the function at ptr in the target process with up to three
// arguments, via a tiny generated trampoline (see trampoline_windows.go)
// run on a remote thread, since CreateRemoteThread only
// carries a single LPVOID parameter and this engine's loader ABI calls
// (TLS callback, entry point, export) need up to three.
func (p *WindowsProcess) Call(ptr uint64, args ...uint64) (uint64, error) {
	code, err := buildTrampoline(p.arch, ptr, args)
	if err != nil {
		return 0, err
	}

	remoteCode, err := p.Alloc(uint64(len(code)))
	if err != nil {
		return 0, errors.Wrap(err, "remoteproc: allocating call trampoline")
	}
	defer virtualFreeEx(p.handle, uintptr(remoteCode), 0, windows.MEM_RELEASE)

	if err := p.Write(remoteCode, code); err != nil {
		return 0, errors.Wrap(err, "remoteproc: writing call trampoline")
	}
	if _, err := p.Protect(remoteCode, uint64(len(code)), windows.PAGE_EXECUTE_READ); err != nil {
		return 0, errors.Wrap(err, "remoteproc: protecting call trampoline")
	}

	thread, err := createRemoteThread(p.handle, remoteCode)
	if err != nil {
		return 0, errors.Wrap(err, "remoteproc: CreateRemoteThread")
	}
	defer windows.CloseHandle(thread)

	event, err := windows.WaitForSingleObject(thread, uint32(30*time.Second/time.Millisecond))
	if err != nil {
		return 0, errors.Wrap(err, "remoteproc: WaitForSingleObject")
	}
	if event != windows.WAIT_OBJECT_0 {
		return 0, fmt.Errorf("remoteproc: remote call timed out waiting on thread")
	}

	exitCode, err := getExitCodeThread(thread)
	if err != nil {
		return 0, errors.Wrap(err, "remoteproc: GetExitCodeThread")
	}
	return uint64(exitCode), nil
}

func logWarnPrivilege(err error) {
	// SeDebugPrivilege is best-effort: a caller already running as the
	// same user as the target, or already elevated, doesn't need it.
	logrus.WithError(err).Warn("remoteproc: could not enable SeDebugPrivilege; opening the process without it")
}
