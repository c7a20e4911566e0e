package mapper_test

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/darkit/manualmap/internal/hostpaths"
	"github.com/darkit/manualmap/internal/pe"
	"github.com/darkit/manualmap/internal/petest"
	"github.com/darkit/manualmap/internal/remoteproc"
	"github.com/darkit/manualmap/mapper"
	"github.com/stretchr/testify/require"
)

const arenaSize = 64 * 1024 * 1024

type fakeModules struct {
	mods []mapper.ModuleInfo
}

func (f fakeModules) ListModules() ([]mapper.ModuleInfo, error) { return f.mods, nil }

type fakeLocalExports struct {
	rva uint32
	err error
}

func (f fakeLocalExports) ResolveExportRVA(path, export string) (uint32, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.rva, nil
}

func newFakeEnv(t *testing.T, mods []mapper.ModuleInfo, localExports mapper.LocalExportResolver) (*remoteproc.FakeProcess, *mapper.Mapper, string) {
	t.Helper()
	dir := t.TempDir()
	proc := remoteproc.NewFakeProcess(arenaSize, mapper.ArchAMD64, filepath.Join(dir, "host.exe"))
	host := hostpaths.FakeHost{SystemDir: dir, WindowsDir: dir}
	m := mapper.New(proc, fakeModules{mods: mods}, host, localExports, nil)
	return proc, m, dir
}

func writeDll(t *testing.T, dir, name string, raw []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func readUint64(t *testing.T, proc *remoteproc.FakeProcess, ptr uint64) uint64 {
	t.Helper()
	var buf [8]byte
	require.NoError(t, proc.Read(ptr, buf[:]))
	return binary.LittleEndian.Uint64(buf[:])
}

// TestInjectEntryPointAndMarker exercises the simplest path: no imports, no
// TLS, just a DLL_PROCESS_ATTACH call to the entry point. The target
// address the stub writes to sits well above where FakeProcess.Alloc ever
// grows, so it also proves the call ran against the real remote base
// rather than the image's preferred one.
func TestInjectEntryPointAndMarker(t *testing.T) {
	const markerAddr = arenaSize - 0x1000

	b := petest.NewBuilder(true)
	b.EntryPointRVA = b.AddStoreStub(markerAddr, 0xDEADBEEF)
	raw := b.Build()

	proc, m, dir := newFakeEnv(t, nil, nil)
	path := writeDll(t, dir, "main.dll", raw)

	base, err := m.InjectDll(path, "", false)
	require.NoError(t, err)
	require.NotZero(t, base)

	require.Equal(t, uint64(0xDEADBEEF), readUint64(t, proc, markerAddr))
	require.Contains(t, proc.Calls, base+uint64(b.EntryPointRVA))
}

// TestInjectRebasedTLSCallbackAndPointerReloc covers both halves of base
// relocation handling in one scenario: a TLS callback (exercised through
// the header ImageBase patch layoutImage applies before TLSCallbacks()
// computes the callback array's RVA) and an ordinary rebased data pointer.
// FakeProcess.Alloc never hands out the image's preferred base, so every
// injection here is implicitly a rebase.
func TestInjectRebasedTLSCallbackAndPointerReloc(t *testing.T) {
	const markerAddr = arenaSize - 0x1000

	b := petest.NewBuilder(true)
	cb := b.AddStoreStub(markerAddr, 0xC0FFEE)
	b.SetTLSCallbacks([]uint64{b.ImageBase + uint64(cb)})

	targetRVA := b.AddCallStub(1)
	ptrSlot := b.Alloc(8)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], b.ImageBase+uint64(targetRVA))
	b.WriteAt(ptrSlot, buf[:])
	b.AddReloc(ptrSlot, pe.ImageRelBasedDir64)

	raw := b.Build()
	proc, m, dir := newFakeEnv(t, nil, nil)
	path := writeDll(t, dir, "main.dll", raw)

	base, err := m.InjectDll(path, "", false)
	require.NoError(t, err)

	require.Equal(t, uint64(0xC0FFEE), readUint64(t, proc, markerAddr))

	gotPtr := readUint64(t, proc, base+uint64(ptrSlot))
	require.Equal(t, base+uint64(targetRVA), gotPtr)
}

// TestInjectResolvesNamedAndOrdinalImports builds a dependency with both a
// by-name and a by-ordinal export, and a dependent that imports both the
// same way, then proves each IAT slot ended up pointing at genuinely
// callable code by invoking it through FakeProcess.
func TestInjectResolvesNamedAndOrdinalImports(t *testing.T) {
	dep := petest.NewBuilder(true)
	named := dep.AddCallStub(11)
	byOrd := dep.AddCallStub(22)
	dep.SetExports(1, []petest.Export{
		{Name: "DoThing", RVA: named},
		{RVA: byOrd}, // ordinal 2
	})

	main := petest.NewBuilder(true)
	results := main.AddImports([]petest.Import{
		{Module: "helper.dll", Thunks: []petest.ImportThunk{
			{Name: "DoThing"},
			{Ordinal: 2, ByOrdinal: true},
		}},
	})

	proc, m, dir := newFakeEnv(t, nil, nil)
	writeDll(t, dir, "helper.dll", dep.Build())
	mainPath := writeDll(t, dir, "main.dll", main.Build())

	base, err := m.InjectDll(mainPath, "", false)
	require.NoError(t, err)

	namedVA := readUint64(t, proc, base+uint64(results[0].ThunkRVAs[0]))
	ret, err := proc.Call(namedVA)
	require.NoError(t, err)
	require.EqualValues(t, 11, ret)

	ordVA := readUint64(t, proc, base+uint64(results[0].ThunkRVAs[1]))
	ret, err = proc.Call(ordVA)
	require.NoError(t, err)
	require.EqualValues(t, 22, ret)
}

// TestInjectCyclicImports maps two modules that import each other. The
// moduleCache registers a module's remote base before recursing into its
// own imports, which is what keeps this from recursing forever.
func TestInjectCyclicImports(t *testing.T) {
	a := petest.NewBuilder(true)
	fromA := a.AddCallStub(1)
	aImports := a.AddImports([]petest.Import{
		{Module: "b.dll", Thunks: []petest.ImportThunk{{Name: "FromB"}}},
	})
	a.SetExports(1, []petest.Export{{Name: "FromA", RVA: fromA}})

	b := petest.NewBuilder(true)
	fromB := b.AddCallStub(2)
	bImports := b.AddImports([]petest.Import{
		{Module: "a.dll", Thunks: []petest.ImportThunk{{Name: "FromA"}}},
	})
	b.SetExports(1, []petest.Export{{Name: "FromB", RVA: fromB}})

	proc, m, dir := newFakeEnv(t, nil, nil)
	aPath := writeDll(t, dir, "a.dll", a.Build())
	bPath := writeDll(t, dir, "b.dll", b.Build())

	aBase, err := m.InjectDll(aPath, "", false)
	require.NoError(t, err)

	resolvedFromB := readUint64(t, proc, aBase+uint64(aImports[0].ThunkRVAs[0]))
	ret, err := proc.Call(resolvedFromB)
	require.NoError(t, err)
	require.EqualValues(t, 2, ret)

	// b is already mapped as a's dependency; this call must hit the cache
	// rather than mapping a second copy.
	bBase, err := m.InjectDll(bPath, "", false)
	require.NoError(t, err)

	resolvedFromA := readUint64(t, proc, bBase+uint64(bImports[0].ThunkRVAs[0]))
	ret, err = proc.Call(resolvedFromA)
	require.NoError(t, err)
	require.EqualValues(t, 1, ret)
}

// TestInjectForwarderChainToNtdll builds a dependent -> shim -> ntdll
// forwarder chain. ntdll is never mapped by this engine: its bytes are
// written directly into the fake arena (standing in for the target
// process having already loaded it) and discovered through the module
// enumerator, exactly as the ntdll.dll special case expects.
func TestInjectForwarderChainToNtdll(t *testing.T) {
	const ntdllBase = 0x3000000 // well inside arenaSize, far above where Alloc grows

	ntdll := petest.NewBuilder(true)
	ntdll.ImageBase = ntdllBase
	realFn := ntdll.AddCallStub(99)
	ntdll.SetExports(1, []petest.Export{{Name: "NtRealFunc", RVA: realFn}})
	ntdllBytes := ntdll.Build()

	shim := petest.NewBuilder(true)
	shim.SetExports(1, []petest.Export{
		{Name: "Forwarded", ForwardTo: "ntdll.NtRealFunc"},
	})

	main := petest.NewBuilder(true)
	results := main.AddImports([]petest.Import{
		{Module: "shim.dll", Thunks: []petest.ImportThunk{{Name: "Forwarded"}}},
	})

	proc, m, dir := newFakeEnv(t, []mapper.ModuleInfo{
		{Name: "ntdll.dll", Base: ntdllBase},
	}, nil)
	require.NoError(t, proc.Write(ntdllBase, ntdllBytes))
	writeDll(t, dir, "shim.dll", shim.Build())
	mainPath := writeDll(t, dir, "main.dll", main.Build())

	base, err := m.InjectDll(mainPath, "", false)
	require.NoError(t, err)

	resolved := readUint64(t, proc, base+uint64(results[0].ThunkRVAs[0]))
	require.Equal(t, ntdllBase+uint64(realFn), resolved)

	ret, err := proc.Call(resolved)
	require.NoError(t, err)
	require.EqualValues(t, 99, ret)
}

// TestInjectUnsupportedRelocationType confirms an unrecognized base
// relocation entry surfaces as ErrUnsupportedReloc rather than silently
// corrupting the image.
func TestInjectUnsupportedRelocationType(t *testing.T) {
	b := petest.NewBuilder(true)
	slot := b.Alloc(8)
	b.AddReloc(slot, 1) // IMAGE_REL_BASED_HIGH, not implemented
	raw := b.Build()

	_, m, dir := newFakeEnv(t, nil, nil)
	path := writeDll(t, dir, "main.dll", raw)

	_, err := m.InjectDll(path, "", false)
	require.Error(t, err)
	require.True(t, errors.Is(err, mapper.ErrUnsupportedReloc))
}

// TestInjectOptionalExportViaLocalResolver covers the "call an arbitrary
// export after mapping" feature: the resolver is a test double standing in
// for the local-load-then-GetProcAddress trick, so only its reported RVA
// matters here, not the image's own export directory. The stub records
// the argument it was actually invoked with (via AddStoreArgStub) so the
// test catches a regression that calls the export with no arguments
// instead of passing the remote base, not just that some call happened.
func TestInjectOptionalExportViaLocalResolver(t *testing.T) {
	const markerAddr = arenaSize - 0x1000

	b := petest.NewBuilder(true)
	bootstrapRVA := b.AddStoreArgStub(0, markerAddr)
	raw := b.Build()

	proc, m, dir := newFakeEnv(t, nil, fakeLocalExports{rva: bootstrapRVA})
	path := writeDll(t, dir, "main.dll", raw)

	base, err := m.InjectDll(path, "Bootstrap", false)
	require.NoError(t, err)
	require.Equal(t, base, readUint64(t, proc, markerAddr))
}

// TestInjectOptionalExportWithoutResolverConfigured confirms the engine
// refuses the request outright rather than silently skipping it.
func TestInjectOptionalExportWithoutResolverConfigured(t *testing.T) {
	b := petest.NewBuilder(true)
	raw := b.Build()

	_, m, dir := newFakeEnv(t, nil, nil)
	path := writeDll(t, dir, "main.dll", raw)

	_, err := m.InjectDll(path, "Bootstrap", false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no local export resolver configured")
}

// TestInjectRefusesWhenShimEngineLoaded exercises the compatibility-shim
// guard: a process reporting ShimEng.dll among its loaded modules is
// refused rather than risk mapping against loader behavior this engine
// does not emulate.
func TestInjectRefusesWhenShimEngineLoaded(t *testing.T) {
	b := petest.NewBuilder(true)
	raw := b.Build()

	_, m, dir := newFakeEnv(t, []mapper.ModuleInfo{
		{Name: "ShimEng.dll", Base: 0x77000000},
	}, nil)
	path := writeDll(t, dir, "main.dll", raw)

	_, err := m.InjectDll(path, "", false)
	require.Error(t, err)
	require.True(t, errors.Is(err, mapper.ErrShimsEnabled))
}
