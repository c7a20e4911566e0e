// Package pathresolve implements the Path Resolver component: mapping a
// caller-supplied library name or path to an absolute on-disk path,
// emulating a deliberately reduced three-directory Windows DLL search
// order, including its documented simplifications (no activation
// contexts, manifests, KnownDLLs, %PATH%, or per-application redirection).
package pathresolve

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when no candidate path exists on disk, in either
// mode. Callers translate it to their own taxonomy (mapper.ErrModuleNotFound).
var ErrNotFound = fmt.Errorf("pathresolve: module not found")

// Host supplies the two OS-reported directories the search-order mode
// consults, so this package stays testable off a real Windows host.
type Host interface {
	SystemDirectory() (string, error)
	WindowsDirectory() (string, error)
}

// Resolve maps name to an absolute path.
//
// In explicit-path mode (useSearchOrder == false — a caller-supplied full
// path, or a recursive dependency's first attempt), relative names are
// made absolute against callerDir and the result must exist on disk.
//
// In search-order mode (useSearchOrder == true), name is tried in turn
// under callerDir (the target process's executable directory for a
// top-level InjectDll; the dependent module's own directory for a
// dependency), the system directory, and the Windows directory; the first
// directory containing it wins.
func Resolve(name string, useSearchOrder bool, callerDir string, host Host) (string, error) {
	if !useSearchOrder {
		candidate := name
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(callerDir, candidate)
		}
		if _, err := os.Stat(candidate); err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, candidate)
		}
		return Canonicalize(candidate), nil
	}

	sysDir, err := host.SystemDirectory()
	if err != nil {
		return "", fmt.Errorf("pathresolve: system directory: %w", err)
	}
	winDir, err := host.WindowsDirectory()
	if err != nil {
		return "", fmt.Errorf("pathresolve: windows directory: %w", err)
	}

	for _, dir := range []string{callerDir, sysDir, winDir} {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return Canonicalize(candidate), nil
		}
	}
	return "", fmt.Errorf("%w: %s (searched %s, %s, %s)", ErrNotFound, name, callerDir, sysDir, winDir)
}

// Canonicalize converts path to an absolute, cleaned form with the
// platform's preferred separators.
func Canonicalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return filepath.Clean(abs)
}

// CacheKey folds a canonicalized path to the case-insensitive form the
// Mapper's mapped-module cache keys on: absolute, case-folded, with the
// platform's preferred separators.
func CacheKey(path string) string {
	return strings.ToLower(Canonicalize(path))
}
