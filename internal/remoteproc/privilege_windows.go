//go:build windows

package remoteproc

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// EnableDebugPrivilege adjusts the calling process's token to enable
// SeDebugPrivilege: opening an arbitrary target process with
// PROCESS_ALL_ACCESS otherwise fails against processes the caller's token
// would not normally be allowed to touch.
func EnableDebugPrivilege() error {
	var token windows.Token
	proc, err := windows.GetCurrentProcess()
	if err != nil {
		return errors.Wrap(err, "remoteproc: GetCurrentProcess")
	}
	if err := windows.OpenProcessToken(proc, windows.TOKEN_ADJUST_PRIVILEGES|windows.TOKEN_QUERY, &token); err != nil {
		return errors.Wrap(err, "remoteproc: OpenProcessToken")
	}
	defer token.Close()

	var luid windows.LUID
	if err := windows.LookupPrivilegeValue(nil, windows.StringToUTF16Ptr("SeDebugPrivilege"), &luid); err != nil {
		return errors.Wrap(err, "remoteproc: LookupPrivilegeValue(SeDebugPrivilege)")
	}

	privileges := windows.Tokenprivileges{
		PrivilegeCount: 1,
		Privileges: [1]windows.LUIDAndAttributes{
			{Luid: luid, Attributes: windows.SE_PRIVILEGE_ENABLED},
		},
	}
	if err := windows.AdjustTokenPrivileges(token, false, &privileges, 0, nil, nil); err != nil {
		return errors.Wrap(err, "remoteproc: AdjustTokenPrivileges(SeDebugPrivilege)")
	}
	return nil
}
