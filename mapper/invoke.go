package mapper

import (
	"fmt"

	"github.com/darkit/manualmap/internal/pe"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// dllProcessAttach is the DLL_PROCESS_ATTACH reason code every TLS
// callback and entry point is invoked with, matching the loader ABI a
// real DllMain expects: (HINSTANCE hinstDLL, DWORD fdwReason, LPVOID
// lpvReserved).
const dllProcessAttach = 1

// runLoad is the Remote Invoker: it calls every TLS callback in the order
// the directory lists them, then the image's entry point, each with the
// standard (module base, DLL_PROCESS_ATTACH, reserved=0) loader ABI.
func (m *Mapper) runLoad(remotePE *pe.File, remoteBase uint64, log *logrus.Entry) error {
	callbacks, err := remotePE.TLSCallbacks()
	if err != nil {
		return errors.Wrap(ErrBadImage, err.Error())
	}
	for _, cb := range callbacks {
		if _, err := m.remote.Call(cb, remoteBase, dllProcessAttach, 0); err != nil {
			return errors.Wrapf(ErrRemoteCallFailed, "TLS callback at %#x: %v", cb, err)
		}
	}
	log.WithField("tls_callbacks", len(callbacks)).Debug("TLS callbacks invoked")

	if remotePE.Opt.AddressOfEntryPoint == 0 {
		return nil
	}
	entryVA := remoteBase + uint64(remotePE.Opt.AddressOfEntryPoint)
	result, err := m.remote.Call(entryVA, remoteBase, dllProcessAttach, 0)
	if err != nil {
		return errors.Wrapf(ErrRemoteCallFailed, "entry point at %#x: %v", entryVA, err)
	}
	log.WithField("entry_point_result", result).Debug("entry point invoked")
	return nil
}

// invokeExport resolves and calls an optional named export after the image
// is fully mapped and initialized, via the LocalExportResolver configured
// on this Mapper. The export is called with a single argument, the remote
// base, for callers that use this to run a module-specific bootstrap
// routine rather than a standard DllMain-shaped function.
func (m *Mapper) invokeExport(resolvedPath string, remoteBase uint64, export string, log *logrus.Entry) (uint64, error) {
	if m.localExports == nil {
		return 0, fmt.Errorf("mapper: no local export resolver configured; cannot resolve %q", export)
	}
	rva, err := m.localExports.ResolveExportRVA(resolvedPath, export)
	if err != nil {
		return 0, errors.Wrapf(ErrUnresolvedImport, "resolving export %q: %v", export, err)
	}

	va := remoteBase + uint64(rva)
	result, err := m.remote.Call(va, remoteBase)
	if err != nil {
		return 0, errors.Wrapf(ErrRemoteCallFailed, "export %q at %#x: %v", export, va, err)
	}
	log.WithFields(logrus.Fields{"export": export, "result": result}).Info("optional export invoked")
	return result, nil
}
