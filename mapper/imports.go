package mapper

import (
	"fmt"
	"strings"

	"github.com/darkit/manualmap/internal/pe"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// maxForwarderDepth bounds forwarder-chain chasing: a chain longer than
// this is almost certainly a data error rather than a legitimate
// multi-hop forward (the deepest real-world chains, e.g. api-ms-win-core
// shims into ntdll, are two or three hops).
const maxForwarderDepth = 10

// linkImports resolves every import descriptor in remotePE: for each one
// it resolves (recursively mapping, when necessary) the owning module,
// resolves each thunk to an export — by ordinal, by hint, or by name,
// chasing forwarders — and patches the positionally corresponding IAT
// slot with the resolved absolute address.
func (m *Mapper) linkImports(remotePE *pe.File, callerDir string, log *logrus.Entry) error {
	dirs, err := remotePE.ImportDirs()
	if err != nil {
		return errors.Wrap(ErrBadImage, err.Error())
	}

	for _, d := range dirs {
		name, err := remotePE.ReadCString(d.Name)
		if err != nil {
			return errors.Wrap(ErrBadImage, err.Error())
		}

		depBase, depPE, err := m.resolveImportModule(name, callerDir, log)
		if err != nil {
			return errors.Wrapf(ErrUnresolvedImport, "%s: %v", name, err)
		}

		depED, ok, err := depPE.ExportDir()
		if err != nil {
			return errors.Wrapf(ErrUnresolvedImport, "%s: reading export directory: %v", name, err)
		}
		if !ok {
			return errors.Wrapf(ErrUnresolvedImport, "%s exports nothing", name)
		}

		thunks, err := remotePE.ImportThunks(d)
		if err != nil {
			return errors.Wrap(ErrBadImage, err.Error())
		}

		for _, t := range thunks {
			va, err := m.resolveExport(depBase, depPE, depED, t, callerDir, log)
			if err != nil {
				return errors.Wrapf(ErrUnresolvedImport, "%s: %v", name, err)
			}
			if err := patchThunk(remotePE, t, va); err != nil {
				return errors.Wrapf(ErrRemoteMemory, "patching IAT for %s: %v", name, err)
			}
		}

		log.WithFields(logrus.Fields{"module": name, "thunks": len(thunks)}).Debug("import descriptor resolved")
	}
	return nil
}

func patchThunk(remotePE *pe.File, t pe.ImportThunk, va uint64) error {
	size := 4
	if remotePE.Opt.Is64 {
		size = 8
	}
	var buf [8]byte
	for i := 0; i < size; i++ {
		buf[i] = byte(va >> (8 * i))
	}
	return remotePE.WriteAtRVA(buf[:size], t.ThunkRVA())
}

// resolveImportModule finds (mapping it if necessary) the module an import
// descriptor names. ntdll.dll is special-cased: the target process always
// already has it loaded, and mapping a second copy would double-run
// loader-internal initialization, so this engine reuses the existing one
// via the module enumerator instead of recursing.
//
// Otherwise it recurses into injectDll, first trying name as an explicit
// path relative to callerDir (the dependent module's own directory, as a
// real loader prefers), and retrying in search-order mode only if that
// attempt fails with ErrModuleNotFound.
func (m *Mapper) resolveImportModule(name, callerDir string, log *logrus.Entry) (uint64, *pe.File, error) {
	if strings.EqualFold(name, "ntdll.dll") {
		base, ok, err := m.ntdllBase()
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			return 0, nil, fmt.Errorf("ntdll.dll is not loaded in the target process")
		}
		f, err := openRemotePE(m.remote, base)
		return base, f, err
	}

	base, f, err := m.injectDll(name, callerDir, false, log)
	if err == nil {
		return base, f, nil
	}
	if !errors.Is(err, ErrModuleNotFound) {
		return 0, nil, err
	}
	return m.injectDll(name, callerDir, true, log)
}

// resolveExport resolves one import thunk to an absolute remote address,
// trying the hint fast path before falling back to a by-name scan, then
// chasing any forwarder chain to its end.
func (m *Mapper) resolveExport(depBase uint64, depPE *pe.File, depED pe.ExportDirectory, t pe.ImportThunk, callerDir string, log *logrus.Entry) (uint64, error) {
	var export pe.Export
	var err error
	switch {
	case t.ByOrdinal:
		export, err = depPE.ExportByOrdinal(depED, uint32(t.Ordinal))
	default:
		if hintName, hintOrdinal, herr := depPE.NameAtHint(depED, t.Hint); herr == nil && hintName == t.Name {
			export, err = depPE.ExportByOrdinal(depED, hintOrdinal)
		} else {
			export, err = depPE.ExportByName(depED, t.Name)
		}
	}
	if err != nil {
		return 0, err
	}
	return m.resolveForwardChain(depBase, export, callerDir, log, 0)
}

// resolveForwardChain follows a forwarder export ("module.function" or
// "module.#ordinal") to its ultimate, non-forwarded target, recursively
// mapping (or reusing) whatever module each hop names.
func (m *Mapper) resolveForwardChain(base uint64, export pe.Export, callerDir string, log *logrus.Entry, depth int) (uint64, error) {
	if !export.Forwarded {
		return base + uint64(export.RVA), nil
	}
	if depth >= maxForwarderDepth {
		return 0, fmt.Errorf("forwarder chain exceeds %d hops", maxForwarderDepth)
	}

	targetModule := export.ForwardModule
	if !strings.HasSuffix(strings.ToLower(targetModule), ".dll") {
		targetModule += ".dll"
	}

	targetBase, targetPE, err := m.resolveImportModule(targetModule, callerDir, log)
	if err != nil {
		return 0, fmt.Errorf("forwarder target %s: %w", targetModule, err)
	}
	targetED, ok, err := targetPE.ExportDir()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("forwarder target %s exports nothing", targetModule)
	}

	var targetExport pe.Export
	if ord, operr := pe.ForwardOrdinal(export.ForwardTarget); operr == nil {
		targetExport, err = targetPE.ExportByOrdinal(targetED, uint32(ord))
	} else {
		targetExport, err = targetPE.ExportByName(targetED, export.ForwardTarget)
	}
	if err != nil {
		return 0, err
	}

	return m.resolveForwardChain(targetBase, targetExport, callerDir, log, depth+1)
}

// ntdllBase returns the target process's already-loaded ntdll.dll base.
func (m *Mapper) ntdllBase() (uint64, bool, error) {
	mods, err := m.listModules()
	if err != nil {
		return 0, false, err
	}
	for _, mod := range mods {
		if strings.EqualFold(mod.Name, "ntdll.dll") {
			return mod.Base, true, nil
		}
	}
	return 0, false, nil
}
