package mapper

import "github.com/pkg/errors"

// Sentinel error taxonomy: the engine's own failures wrap one of these via
// errors.Wrap/Wrapf so callers can classify them with errors.Is while still
// seeing the failing detail in the message. Errors from reading the target
// process path, listing its modules, or reading the file off disk, and the
// error for a missing LocalExportResolver, are returned without a sentinel.
var (
	// ErrShimsEnabled is returned when the target process has the
	// application compatibility shim engine (ShimEng.dll) loaded, which
	// this engine refuses to inject into since shims can rewrite
	// loader behavior this engine does not emulate.
	ErrShimsEnabled = errors.New("mapper: target process has the shim engine loaded")

	// ErrBadImage is returned when a file is not a loadable PE image for
	// the target process's architecture (bad signature, wrong machine
	// type, or a structurally inconsistent header).
	ErrBadImage = errors.New("mapper: not a valid image for the target process")

	// ErrModuleNotFound is returned when the Path Resolver exhausts every
	// candidate directory without finding the named module.
	ErrModuleNotFound = errors.New("mapper: module not found")

	// ErrUnsupportedReloc is returned when a base relocation entry uses a
	// type this engine does not implement (anything but ABSOLUTE,
	// HIGHLOW, or DIR64 — see internal/pe/relocations.go).
	ErrUnsupportedReloc = errors.New("mapper: unsupported base relocation type")

	// ErrUnresolvedImport is returned when an import thunk cannot be
	// resolved to an export, including exhausted forwarder chains.
	ErrUnresolvedImport = errors.New("mapper: unresolved import")

	// ErrRemoteMemory is returned when a remote allocate/read/write/
	// protect operation fails.
	ErrRemoteMemory = errors.New("mapper: remote memory operation failed")

	// ErrRemoteCallFailed is returned when a remote function call (TLS
	// callback, entry point, or export) could not be issued, as opposed
	// to having been issued and returned a failure value.
	ErrRemoteCallFailed = errors.New("mapper: remote call failed")
)
