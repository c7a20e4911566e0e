//go:build windows

package remoteproc

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// VirtualAllocEx, VirtualFreeEx, CreateRemoteThread and GetExitCodeThread
// have no wrapper in golang.org/x/sys/windows, so this reaches kernel32.dll
// directly, the same way the package's own generated zsyscall_windows.go
// reaches every entry point it does wrap: one lazily-loaded proc per
// function, called through syscall.SyscallN and turned into a Go error.
var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procVirtualAllocEx     = modkernel32.NewProc("VirtualAllocEx")
	procVirtualFreeEx      = modkernel32.NewProc("VirtualFreeEx")
	procCreateRemoteThread = modkernel32.NewProc("CreateRemoteThread")
	procGetExitCodeThread  = modkernel32.NewProc("GetExitCodeThread")
)

func virtualAllocEx(process windows.Handle, address, size uintptr, allocType, protect uint32) (uintptr, error) {
	r1, _, e1 := procVirtualAllocEx.Call(uintptr(process), address, size, uintptr(allocType), uintptr(protect))
	if r1 == 0 {
		return 0, asError(e1)
	}
	return r1, nil
}

func virtualFreeEx(process windows.Handle, address, size uintptr, freeType uint32) error {
	r1, _, e1 := procVirtualFreeEx.Call(uintptr(process), address, size, uintptr(freeType))
	if r1 == 0 {
		return asError(e1)
	}
	return nil
}

// createRemoteThread starts a thread in process at startAddress with no
// parameter: this engine's trampolines take their arguments pre-baked into
// the generated machine code instead, so CreateRemoteThread's single
// LPVOID parameter slot goes unused.
func createRemoteThread(process windows.Handle, startAddress uintptr) (windows.Handle, error) {
	r1, _, e1 := procCreateRemoteThread.Call(uintptr(process), 0, 0, startAddress, 0, 0, 0)
	if r1 == 0 {
		return 0, asError(e1)
	}
	return windows.Handle(r1), nil
}

func getExitCodeThread(thread windows.Handle) (uint32, error) {
	var exitCode uint32
	r1, _, e1 := procGetExitCodeThread.Call(uintptr(thread), uintptr(unsafe.Pointer(&exitCode)))
	if r1 == 0 {
		return 0, asError(e1)
	}
	return exitCode, nil
}

func asError(e error) error {
	if errno, ok := e.(syscall.Errno); ok && errno != 0 {
		return errno
	}
	return syscall.EINVAL
}
