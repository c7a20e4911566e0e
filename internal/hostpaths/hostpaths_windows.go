//go:build windows

package hostpaths

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// WindowsHost implements pathresolve.Host against the real OS.
type WindowsHost struct{}

func (WindowsHost) SystemDirectory() (string, error) {
	dir, err := windows.GetSystemDirectory()
	if err != nil {
		return "", errors.Wrap(err, "hostpaths: GetSystemDirectory")
	}
	return dir, nil
}

func (WindowsHost) WindowsDirectory() (string, error) {
	dir, err := windows.GetWindowsDirectory()
	if err != nil {
		return "", errors.Wrap(err, "hostpaths: GetWindowsDirectory")
	}
	return dir, nil
}
