package pe_test

import (
	"testing"

	"github.com/darkit/manualmap/internal/pe"
	"github.com/darkit/manualmap/internal/petest"
	"github.com/stretchr/testify/require"
)

func openBuilt(t *testing.T, b *petest.Builder) *pe.File {
	t.Helper()
	f, err := pe.Open(pe.BufferReader(b.Build()), false)
	require.NoError(t, err)
	return f
}

func TestOpenHeaders64(t *testing.T) {
	b := petest.NewBuilder(true)
	b.ImageBase = 0x180000000
	b.EntryPointRVA = 0x1500
	f := openBuilt(t, b)

	require.True(t, f.Opt.Is64)
	require.Equal(t, pe.ImageFileMachineAMD64, int(f.Machine()))
	require.EqualValues(t, 0x180000000, f.Opt.ImageBase)
	require.EqualValues(t, 0x1500, f.Opt.AddressOfEntryPoint)
	require.EqualValues(t, petest.HeaderSize, f.Opt.SizeOfHeaders)
}

func TestOpenHeaders32(t *testing.T) {
	b := petest.NewBuilder(false)
	b.ImageBase = 0x10000000
	b.EntryPointRVA = 0x2000
	f := openBuilt(t, b)

	require.False(t, f.Opt.Is64)
	require.Equal(t, pe.ImageFileMachineI386, int(f.Machine()))
	require.EqualValues(t, 0x10000000, f.Opt.ImageBase)
	require.EqualValues(t, 0x2000, f.Opt.AddressOfEntryPoint)
}

func TestSections(t *testing.T) {
	b := petest.NewBuilder(true)
	b.Alloc(128)
	f := openBuilt(t, b)

	sections, err := f.Sections()
	require.NoError(t, err)
	require.Len(t, sections, 1)
	require.Equal(t, "test", sections[0].Name)
	require.EqualValues(t, petest.SectionRVA, sections[0].VirtualAddress)
}

func TestImageBaseFieldRVARoundtrips(t *testing.T) {
	for _, is64 := range []bool{false, true} {
		b := petest.NewBuilder(is64)
		f := openBuilt(t, b)
		rva := f.ImageBaseFieldRVA()

		size := 4
		if is64 {
			size = 8
		}
		buf := make([]byte, size)
		require.NoError(t, f.ReadAtRVA(buf, rva))

		var got uint64
		for i := size - 1; i >= 0; i-- {
			got = got<<8 | uint64(buf[i])
		}
		require.Equal(t, f.Opt.ImageBase, got)
	}
}

func TestExportByNameAndOrdinal(t *testing.T) {
	b := petest.NewBuilder(true)
	fooRVA := b.AddCallStub(42)
	barRVA := b.AddCallStub(7)
	b.SetExports(1, []petest.Export{
		{Name: "Foo", RVA: fooRVA},
		{RVA: barRVA}, // ordinal-only, ordinal 2
	})
	f := openBuilt(t, b)

	ed, ok, err := f.ExportDir()
	require.NoError(t, err)
	require.True(t, ok)

	foo, err := f.ExportByName(ed, "Foo")
	require.NoError(t, err)
	require.EqualValues(t, 1, foo.Ordinal)
	require.EqualValues(t, fooRVA, foo.RVA)
	require.False(t, foo.Forwarded)

	bar, err := f.ExportByOrdinal(ed, 2)
	require.NoError(t, err)
	require.EqualValues(t, barRVA, bar.RVA)

	name, ordinal, err := f.NameAtHint(ed, 0)
	require.NoError(t, err)
	require.Equal(t, "Foo", name)
	require.EqualValues(t, 1, ordinal)

	_, err = f.ExportByName(ed, "DoesNotExist")
	require.Error(t, err)
}

func TestExportForwarder(t *testing.T) {
	b := petest.NewBuilder(true)
	b.SetExports(1, []petest.Export{
		{Name: "Forwarded", ForwardTo: "OTHER.Real"},
		{Name: "ForwardedOrdinal", ForwardTo: "OTHER.#9"},
	})
	f := openBuilt(t, b)

	ed, ok, err := f.ExportDir()
	require.NoError(t, err)
	require.True(t, ok)

	exp, err := f.ExportByName(ed, "Forwarded")
	require.NoError(t, err)
	require.True(t, exp.Forwarded)
	require.Equal(t, "OTHER", exp.ForwardModule)
	require.Equal(t, "Real", exp.ForwardTarget)

	exp2, err := f.ExportByName(ed, "ForwardedOrdinal")
	require.NoError(t, err)
	require.True(t, exp2.Forwarded)
	ord, err := pe.ForwardOrdinal(exp2.ForwardTarget)
	require.NoError(t, err)
	require.EqualValues(t, 9, ord)

	_, err = pe.ForwardOrdinal("Real")
	require.Error(t, err)
}

func TestImportThunks(t *testing.T) {
	b := petest.NewBuilder(true)
	results := b.AddImports([]petest.Import{
		{Module: "KERNEL32.dll", Thunks: []petest.ImportThunk{
			{Name: "LoadLibraryA"},
			{Ordinal: 7, ByOrdinal: true},
		}},
	})
	f := openBuilt(t, b)

	dirs, err := f.ImportDirs()
	require.NoError(t, err)
	require.Len(t, dirs, 1)

	name, err := f.ReadCString(dirs[0].Name)
	require.NoError(t, err)
	require.Equal(t, "KERNEL32.dll", name)

	thunks, err := f.ImportThunks(dirs[0])
	require.NoError(t, err)
	require.Len(t, thunks, 2)

	require.False(t, thunks[0].ByOrdinal)
	require.Equal(t, "LoadLibraryA", thunks[0].Name)
	require.Equal(t, results[0].ThunkRVAs[0], thunks[0].ThunkRVA())

	require.True(t, thunks[1].ByOrdinal)
	require.EqualValues(t, 7, thunks[1].Ordinal)
	require.Equal(t, results[0].ThunkRVAs[1], thunks[1].ThunkRVA())
}

func TestImportDirsEmptyWhenNoImports(t *testing.T) {
	b := petest.NewBuilder(true)
	f := openBuilt(t, b)

	dirs, err := f.ImportDirs()
	require.NoError(t, err)
	require.Empty(t, dirs)
}

func TestRelocations(t *testing.T) {
	b := petest.NewBuilder(true)
	sameRVA := b.Alloc(8)
	otherPageRVA := petest.SectionRVA + petest.PageSize + 16
	b.Alloc(int(petest.PageSize))
	b.AddReloc(sameRVA, pe.ImageRelBasedDir64)
	b.AddReloc(otherPageRVA, pe.ImageRelBasedHighLow)
	f := openBuilt(t, b)

	relocs, err := f.Relocations()
	require.NoError(t, err)
	require.Len(t, relocs, 2)

	byRVA := map[uint32]uint16{}
	for _, r := range relocs {
		byRVA[r.PageRVA+uint32(r.Offset)] = r.Type
	}
	require.Equal(t, uint16(pe.ImageRelBasedDir64), byRVA[sameRVA])
	require.Equal(t, uint16(pe.ImageRelBasedHighLow), byRVA[otherPageRVA])
}

func TestRelocationsEmptyWhenNone(t *testing.T) {
	b := petest.NewBuilder(true)
	f := openBuilt(t, b)

	relocs, err := f.Relocations()
	require.NoError(t, err)
	require.Empty(t, relocs)
}

func TestTLSCallbacksWithoutRebase(t *testing.T) {
	b := petest.NewBuilder(true)
	cb1 := b.AddCallStub(100)
	cb2 := b.AddCallStub(200)
	b.SetTLSCallbacks([]uint64{
		b.ImageBase + uint64(cb1),
		b.ImageBase + uint64(cb2),
	})
	f := openBuilt(t, b)

	callbacks, err := f.TLSCallbacks()
	require.NoError(t, err)
	require.Equal(t, []uint64{b.ImageBase + uint64(cb1), b.ImageBase + uint64(cb2)}, callbacks)
}

func TestTLSCallbacksAbsentDirectory(t *testing.T) {
	b := petest.NewBuilder(true)
	f := openBuilt(t, b)

	callbacks, err := f.TLSCallbacks()
	require.NoError(t, err)
	require.Empty(t, callbacks)
}
