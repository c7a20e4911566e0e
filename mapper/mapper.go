package mapper

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/darkit/manualmap/internal/pathresolve"
	"github.com/darkit/manualmap/internal/pe"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Mapper is the facade over the whole manual-mapping engine: one Mapper is
// bound to one target process and owns that process's mapped-module
// cache, so repeated InjectDll calls against the same process see each
// other's dependency graph instead of re-mapping shared libraries.
type Mapper struct {
	remote       Remote
	modules      ModuleEnumerator
	host         pathresolve.Host
	localExports LocalExportResolver
	cache        *moduleCache
	log          *logrus.Entry

	modulesOnce sync.Once
	modulesErr  error
	moduleList  []ModuleInfo
}

// New builds a Mapper bound to remote. modules and host are the other two
// collaborators the engine needs (module enumeration for the ntdll
// special case, and system/Windows directory lookups for search-order
// path resolution). localExports may be nil; InjectDll then fails only if
// a caller actually asks it to invoke an optional export. log may be nil,
// in which case a bare logrus logger is used.
func New(remote Remote, modules ModuleEnumerator, host pathresolve.Host, localExports LocalExportResolver, log *logrus.Entry) *Mapper {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Mapper{
		remote:       remote,
		modules:      modules,
		host:         host,
		localExports: localExports,
		cache:        newModuleCache(),
		log:          log,
	}
}

// Equal reports whether two Mappers are bound to the same target process.
func (m *Mapper) Equal(other *Mapper) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.remote.ProcessHandle() == other.remote.ProcessHandle()
}

// InjectDll manually maps path into the target process, resolving and
// recursively mapping its dependency graph, and returns the image's
// remote base address. If export is non-empty, it is additionally
// resolved and called with the remote base as its one argument once the
// image is fully initialized.
//
// useSearchOrder selects how path itself (not its dependencies, which
// always use the two-stage explicit-then-search-order resolution
// described on resolveImportModule) is resolved: false treats it as an
// explicit path (absolute as given, relative joined against the target
// process's own executable directory); true treats it as a bare name to
// search for across the process directory, system directory, and Windows
// directory.
func (m *Mapper) InjectDll(path string, export string, useSearchOrder bool) (uint64, error) {
	correlationID := uuid.New().String()
	log := m.log.WithFields(logrus.Fields{"correlation_id": correlationID, "path": path})
	log.Info("mapping module")

	callerDir, err := m.callerDirectory()
	if err != nil {
		return 0, err
	}

	remoteBase, _, err := m.injectDll(path, callerDir, useSearchOrder, log)
	if err != nil {
		log.WithError(err).Warn("mapping failed")
		return 0, err
	}

	if export != "" {
		resolved, rerr := pathresolve.Resolve(path, useSearchOrder, callerDir, m.host)
		if rerr != nil {
			return remoteBase, errors.Wrapf(ErrModuleNotFound, "%s: %v", path, rerr)
		}
		if _, err := m.invokeExport(resolved, remoteBase, export, log); err != nil {
			return remoteBase, err
		}
	}

	log.WithField("remote_base", remoteBase).Info("module mapped")
	return remoteBase, nil
}

func (m *Mapper) callerDirectory() (string, error) {
	p, err := m.remote.ProcessPath()
	if err != nil {
		return "", errors.Wrap(err, "mapper: resolving target process path")
	}
	return filepath.Dir(p), nil
}

// injectDll is the engine's recursive core: resolve, check the cache,
// read and parse the file, lay it out remotely, register the cache entry,
// then link imports, apply protections and run TLS/entry point — in that
// order, so a cyclic dependency graph closes via the cache instead of
// recursing forever.
func (m *Mapper) injectDll(path, callerDir string, useSearchOrder bool, log *logrus.Entry) (uint64, *pe.File, error) {
	loaded, err := m.shimEngineLoaded()
	if err != nil {
		return 0, nil, err
	}
	if loaded {
		return 0, nil, errors.Wrap(ErrShimsEnabled, path)
	}

	resolved, err := pathresolve.Resolve(path, useSearchOrder, callerDir, m.host)
	if err != nil {
		return 0, nil, errors.Wrapf(ErrModuleNotFound, "%s: %v", path, err)
	}

	key := pathresolve.CacheKey(resolved)
	if base, ok := m.cache.lookup(key); ok {
		remotePE, err := openRemotePE(m.remote, base)
		if err != nil {
			return 0, nil, err
		}
		return base, remotePE, nil
	}

	img, err := ReadImage(resolved)
	if err != nil {
		return 0, nil, err
	}
	if err := CheckArch(img.PE, m.remote.Arch()); err != nil {
		return 0, nil, err
	}

	remoteBase, remotePE, err := layoutImage(m.remote, img)
	if err != nil {
		return 0, nil, err
	}

	// Register before recursing into this module's own imports: a cyclic
	// dependency graph (A imports B, B imports A) would otherwise recurse
	// forever, since B's import fixup would try to map A all over again.
	m.cache.register(key, remoteBase)

	if err := m.linkImports(remotePE, filepath.Dir(resolved), log); err != nil {
		return 0, nil, err
	}
	if err := protectSections(m.remote, remoteBase, img); err != nil {
		return 0, nil, err
	}
	if err := m.runLoad(remotePE, remoteBase, log); err != nil {
		return 0, nil, err
	}

	return remoteBase, remotePE, nil
}

// shimEngineLoaded reports whether the target process has the application
// compatibility shim engine loaded. This engine does not emulate whatever
// behavior changes a shim might apply to loading, so it refuses to map
// into such a process rather than risk a subtly wrong result.
func (m *Mapper) shimEngineLoaded() (bool, error) {
	mods, err := m.listModules()
	if err != nil {
		return false, err
	}
	for _, mod := range mods {
		if strings.EqualFold(mod.Name, "ShimEng.dll") {
			return true, nil
		}
	}
	return false, nil
}

// listModules returns the target process's loaded-module snapshot, taken
// once per Mapper and reused for the rest of its life. A snapshot is safe
// to cache because nothing this engine does changes it: manually mapped
// images never register themselves with the target's loader, so they
// never appear in ListModules either way.
func (m *Mapper) listModules() ([]ModuleInfo, error) {
	m.modulesOnce.Do(func() {
		m.moduleList, m.modulesErr = m.modules.ListModules()
		if m.modulesErr != nil {
			m.modulesErr = errors.Wrap(m.modulesErr, "mapper: listing target process modules")
		}
	})
	return m.moduleList, m.modulesErr
}
