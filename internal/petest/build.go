// Package petest builds minimal, hand-encoded PE images for use in tests,
// in both internal/pe (header/directory parsing) and mapper (end-to-end
// mapping scenarios against remoteproc.FakeProcess). It deliberately
// keeps section and file alignment equal (one page), so a built image's
// RVAs and on-disk file offsets coincide; this lets the very same bytes
// serve as the on-disk image ReadImage loads and, once copied into a
// FakeProcess arena at a remote base, the identity-mapped image the
// engine then parses.
package petest

import "encoding/binary"

const (
	// PageSize is both the section and file alignment this builder uses.
	PageSize = 0x1000
	// HeaderSize is the fixed size reserved for the DOS/NT/section headers.
	HeaderSize = PageSize
	// SectionRVA is the RVA (and file offset) the single data section
	// built by this package always starts at.
	SectionRVA = HeaderSize
)

// Export describes one export table entry. Set RVA for a regular export,
// or ForwardTo (a "module.function" or "module.#ordinal" string) for a
// forwarder; Name may be empty for an ordinal-only export.
type Export struct {
	Name      string
	RVA       uint32
	ForwardTo string
}

// ImportThunk describes one entry of an import descriptor's thunk array.
type ImportThunk struct {
	Name      string
	Ordinal   uint16
	ByOrdinal bool
}

// Import describes one import descriptor: a module name and its thunks.
type Import struct {
	Module string
	Thunks []ImportThunk
}

// ImportResult reports where an Import's patchable IAT slots ended up, so
// a test can read back what the engine wrote there.
type ImportResult struct {
	Module    string
	ThunkRVAs []uint32
}

// Builder assembles a single-section PE image byte by byte. Build a
// Builder, call the setup methods in any order, then call Build once.
type Builder struct {
	Is64          bool
	ImageBase     uint64
	EntryPointRVA uint32
	Characteristics uint32 // section characteristics for the one data section

	payload []byte
	dataDir [16]dataDirEntry
	relocs  map[uint32][]relocEntry
}

type dataDirEntry struct {
	rva  uint32
	size uint32
}

type relocEntry struct {
	offset uint16 // offset within the 4KB page
	typ    uint16
}

const (
	dirExport    = 0
	dirImport    = 1
	dirBaseReloc = 5
	dirTLS       = 9
)

// NewBuilder returns a Builder for a PE32+ (is64 true) or PE32 image, with
// a default 0x10000000 preferred base and characteristics marking the
// single data section readable, writable, and executable (loosened on
// purpose; individual tests that care about protection narrow it).
func NewBuilder(is64 bool) *Builder {
	return &Builder{
		Is64:            is64,
		ImageBase:       0x10000000,
		Characteristics: 0xE0000000, // MEM_EXECUTE | MEM_READ | MEM_WRITE
		relocs:          make(map[uint32][]relocEntry),
	}
}

// Alloc reserves n zeroed bytes at the end of the section payload and
// returns their RVA.
func (b *Builder) Alloc(n int) uint32 {
	rva := SectionRVA + uint32(len(b.payload))
	b.payload = append(b.payload, make([]byte, n)...)
	return rva
}

// WriteAt overwrites len(data) bytes at rva, which must already be inside
// an allocated region.
func (b *Builder) WriteAt(rva uint32, data []byte) {
	off := rva - SectionRVA
	copy(b.payload[off:], data)
}

func (b *Builder) putUint16(rva uint32, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	b.WriteAt(rva, buf[:])
}

func (b *Builder) putUint32(rva uint32, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	b.WriteAt(rva, buf[:])
}

func (b *Builder) putUint64(rva uint32, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	b.WriteAt(rva, buf[:])
}

// AddString allocates a NUL-terminated copy of s and returns its RVA.
func (b *Builder) AddString(s string) uint32 {
	rva := b.Alloc(len(s) + 1)
	b.WriteAt(rva, append([]byte(s), 0))
	return rva
}

// AddCallStub allocates a FakeProcess instruction (see remoteproc.FakeProcess)
// that unconditionally returns v, and returns its RVA. Used to give TLS
// callbacks, entry points, and exports an observable return value in tests
// without any real machine code.
func (b *Builder) AddCallStub(v uint64) uint32 {
	rva := b.Alloc(9)
	buf := make([]byte, 9)
	buf[0] = 0
	binary.LittleEndian.PutUint64(buf[1:], v)
	b.WriteAt(rva, buf)
	return rva
}

// AddStoreStub allocates a FakeProcess instruction that writes v to ptr and
// returns v, and returns its RVA.
func (b *Builder) AddStoreStub(ptr, v uint64) uint32 {
	rva := b.Alloc(25)
	buf := make([]byte, 25)
	buf[0] = 1
	binary.LittleEndian.PutUint64(buf[1:9], ptr)
	binary.LittleEndian.PutUint64(buf[9:17], v)
	b.WriteAt(rva, buf)
	return rva
}

// AddStoreArgStub allocates a FakeProcess instruction that writes the
// argIndex'th argument the stub is actually invoked with to ptr, and
// returns its RVA. Unlike AddCallStub/AddStoreStub, the value observed at
// ptr depends on what the caller of Call passed, not on a value baked in
// at build time — used to confirm an engine call site really threads a
// particular argument through rather than just calling the function.
func (b *Builder) AddStoreArgStub(argIndex int, ptr uint64) uint32 {
	rva := b.Alloc(17)
	buf := make([]byte, 17)
	buf[0] = 2
	binary.LittleEndian.PutUint64(buf[1:9], uint64(argIndex))
	binary.LittleEndian.PutUint64(buf[9:17], ptr)
	b.WriteAt(rva, buf)
	return rva
}

// SetExports builds the export directory. base is IMAGE_EXPORT_DIRECTORY.Base.
func (b *Builder) SetExports(base uint32, specs []Export) {
	dirRVA := b.Alloc(40)

	addrOfFunctions := b.Alloc(4 * len(specs))
	var namedIdx []int
	for i, s := range specs {
		if s.Name != "" {
			namedIdx = append(namedIdx, i)
		}
	}
	addrOfNames := b.Alloc(4 * len(namedIdx))
	addrOfNameOrdinals := b.Alloc(2 * len(namedIdx))

	for i, s := range specs {
		rva := s.RVA
		if s.ForwardTo != "" {
			rva = b.AddString(s.ForwardTo)
		}
		b.putUint32(addrOfFunctions+uint32(i*4), rva)
	}
	for j, i := range namedIdx {
		nameRVA := b.AddString(specs[i].Name)
		b.putUint32(addrOfNames+uint32(j*4), nameRVA)
		b.putUint16(addrOfNameOrdinals+uint32(j*2), uint16(i))
	}

	b.putUint32(dirRVA+16, base)
	b.putUint32(dirRVA+20, uint32(len(specs)))
	b.putUint32(dirRVA+24, uint32(len(namedIdx)))
	b.putUint32(dirRVA+28, addrOfFunctions)
	b.putUint32(dirRVA+32, addrOfNames)
	b.putUint32(dirRVA+36, addrOfNameOrdinals)

	end := SectionRVA + uint32(len(b.payload))
	b.dataDir[dirExport] = dataDirEntry{rva: dirRVA, size: end - dirRVA}
}

// AddImports builds the import descriptor table (one descriptor per Import,
// plus the all-zero terminator) and every descriptor's thunk/name data.
func (b *Builder) AddImports(specs []Import) []ImportResult {
	entrySize := uint32(4)
	ordFlag := uint64(1) << 31
	if b.Is64 {
		entrySize = 8
		ordFlag = uint64(1) << 63
	}

	descRVA := b.Alloc(20 * (len(specs) + 1))
	results := make([]ImportResult, len(specs))

	for i, spec := range specs {
		nameRVA := b.AddString(spec.Module)
		m := uint32(len(spec.Thunks))
		origArr := b.Alloc(int(entrySize * (m + 1)))
		firstArr := b.Alloc(int(entrySize * (m + 1)))

		thunkRVAs := make([]uint32, m)
		for j, t := range spec.Thunks {
			var val uint64
			if t.ByOrdinal {
				val = ordFlag | uint64(t.Ordinal)
			} else {
				ibnRVA := b.Alloc(2 + len(t.Name) + 1)
				b.putUint16(ibnRVA, 0)
				b.WriteAt(ibnRVA+2, append([]byte(t.Name), 0))
				val = uint64(ibnRVA)
			}
			off := uint32(j) * entrySize
			if b.Is64 {
				b.putUint64(origArr+off, val)
				b.putUint64(firstArr+off, val)
			} else {
				b.putUint32(origArr+off, uint32(val))
				b.putUint32(firstArr+off, uint32(val))
			}
			thunkRVAs[j] = firstArr + off
		}

		descOff := descRVA + uint32(i*20)
		b.putUint32(descOff+0, origArr)
		b.putUint32(descOff+12, nameRVA)
		b.putUint32(descOff+16, firstArr)

		results[i] = ImportResult{Module: spec.Module, ThunkRVAs: thunkRVAs}
	}

	b.dataDir[dirImport] = dataDirEntry{rva: descRVA, size: 20 * uint32(len(specs)+1)}
	return results
}

// AddReloc records one base relocation entry (type is one of the
// IMAGE_REL_BASED_* constants in internal/pe), grouped into 4KB-page
// blocks and emitted by Build.
func (b *Builder) AddReloc(rva uint32, typ uint16) {
	page := rva &^ 0xfff
	off := uint16(rva & 0xfff)
	b.relocs[page] = append(b.relocs[page], relocEntry{offset: off, typ: typ})
}

// SetTLSCallbacks builds a TLS directory whose AddressOfCallbacks points at
// a NUL-terminated array of the given (preferred-base-relative) VAs. Every
// entry is also registered as a base relocation so layout's rebasing fixes
// the callback pointers up the same way a real loader's relocation pass
// would.
func (b *Builder) SetTLSCallbacks(callbackVAs []uint64) {
	entrySize := uint32(4)
	if b.Is64 {
		entrySize = 8
	}
	arrRVA := b.Alloc(int(entrySize * uint32(len(callbackVAs)+1)))
	for i, va := range callbackVAs {
		off := arrRVA + uint32(i)*entrySize
		if b.Is64 {
			b.putUint64(off, va)
			b.AddReloc(off, 10) // IMAGE_REL_BASED_DIR64
		} else {
			b.putUint32(off, uint32(va))
			b.AddReloc(off, 3) // IMAGE_REL_BASED_HIGHLOW
		}
	}

	dirSize := 24
	if b.Is64 {
		dirSize = 40
	}
	dirRVA := b.Alloc(dirSize)
	callbacksFieldOff := uint32(12)
	if b.Is64 {
		callbacksFieldOff = 24
	}
	callbacksVA := b.ImageBase + uint64(arrRVA)
	if b.Is64 {
		b.putUint64(dirRVA+callbacksFieldOff, callbacksVA)
		b.AddReloc(dirRVA+callbacksFieldOff, 10)
	} else {
		b.putUint32(dirRVA+callbacksFieldOff, uint32(callbacksVA))
		b.AddReloc(dirRVA+callbacksFieldOff, 3)
	}
	b.dataDir[dirTLS] = dataDirEntry{rva: dirRVA, size: uint32(dirSize)}
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

// Build assembles the final on-disk image bytes: DOS header, NT headers,
// a single section header, padded to HeaderSize, followed by the section
// payload (padded to a page boundary), with any recorded relocations
// appended to the payload and the base relocation data directory set to
// cover them.
func (b *Builder) Build() []byte {
	b.finalizeRelocs()

	sectionSize := alignUp(uint32(len(b.payload)), PageSize)
	payload := make([]byte, sectionSize)
	copy(payload, b.payload)

	out := make([]byte, HeaderSize+len(payload))

	// IMAGE_DOS_HEADER: only e_magic and e_lfanew matter to the parser.
	binary.LittleEndian.PutUint16(out[0:2], 0x5a4d) // "MZ"
	binary.LittleEndian.PutUint32(out[60:64], 64)   // e_lfanew -> NT headers at 64

	ntOff := uint32(64)
	binary.LittleEndian.PutUint32(out[ntOff:ntOff+4], 0x00004550) // "PE\0\0"

	machine := uint16(0x014c)
	if b.Is64 {
		machine = 0x8664
	}
	fhOff := ntOff + 4
	binary.LittleEndian.PutUint16(out[fhOff:fhOff+2], machine)
	binary.LittleEndian.PutUint16(out[fhOff+2:fhOff+4], 1) // NumberOfSections
	optHdrSize := uint16(224) // IMAGE_OPTIONAL_HEADER32 + 16 data directories
	if b.Is64 {
		optHdrSize = 240 // IMAGE_OPTIONAL_HEADER64 + 16 data directories
	}
	binary.LittleEndian.PutUint16(out[fhOff+16:fhOff+18], optHdrSize)
	binary.LittleEndian.PutUint16(out[fhOff+18:fhOff+20], 0x2000) // IMAGE_FILE_DLL

	optOff := fhOff + 20
	magic := uint16(0x10b)
	if b.Is64 {
		magic = 0x20b
	}
	binary.LittleEndian.PutUint16(out[optOff:optOff+2], magic)
	binary.LittleEndian.PutUint32(out[optOff+16:optOff+20], b.EntryPointRVA)

	var ddOff uint32
	if b.Is64 {
		binary.LittleEndian.PutUint64(out[optOff+24:optOff+32], b.ImageBase)
		ddOff = optOff + 112
	} else {
		binary.LittleEndian.PutUint32(out[optOff+28:optOff+32], uint32(b.ImageBase))
		ddOff = optOff + 96
	}
	binary.LittleEndian.PutUint32(out[optOff+32:optOff+36], PageSize) // SectionAlignment
	binary.LittleEndian.PutUint32(out[optOff+36:optOff+40], PageSize) // FileAlignment
	binary.LittleEndian.PutUint32(out[optOff+56:optOff+60], HeaderSize+sectionSize) // SizeOfImage
	binary.LittleEndian.PutUint32(out[optOff+60:optOff+64], HeaderSize)            // SizeOfHeaders
	if b.Is64 {
		binary.LittleEndian.PutUint32(out[optOff+108:optOff+112], 16)
	} else {
		binary.LittleEndian.PutUint32(out[optOff+92:optOff+96], 16)
	}

	for i, d := range b.dataDir {
		off := ddOff + uint32(i*8)
		binary.LittleEndian.PutUint32(out[off:off+4], d.rva)
		binary.LittleEndian.PutUint32(out[off+4:off+8], d.size)
	}

	sectionHdrOff := ddOff + 16*8
	name := "test"
	copy(out[sectionHdrOff:sectionHdrOff+8], name)
	binary.LittleEndian.PutUint32(out[sectionHdrOff+8:sectionHdrOff+12], uint32(len(b.payload)))  // VirtualSize
	binary.LittleEndian.PutUint32(out[sectionHdrOff+12:sectionHdrOff+16], SectionRVA)              // VirtualAddress
	binary.LittleEndian.PutUint32(out[sectionHdrOff+16:sectionHdrOff+20], sectionSize)              // SizeOfRawData
	binary.LittleEndian.PutUint32(out[sectionHdrOff+20:sectionHdrOff+24], HeaderSize)               // PointerToRawData
	binary.LittleEndian.PutUint32(out[sectionHdrOff+36:sectionHdrOff+40], b.Characteristics)

	copy(out[HeaderSize:], payload)
	return out
}

func (b *Builder) finalizeRelocs() {
	if len(b.relocs) == 0 {
		return
	}
	pages := make([]uint32, 0, len(b.relocs))
	for p := range b.relocs {
		pages = append(pages, p)
	}
	for i := 0; i < len(pages); i++ {
		for j := i + 1; j < len(pages); j++ {
			if pages[j] < pages[i] {
				pages[i], pages[j] = pages[j], pages[i]
			}
		}
	}

	dirStart := SectionRVA + uint32(len(b.payload))
	for _, page := range pages {
		entries := b.relocs[page]
		blockSize := 8 + uint32(len(entries))*2
		if blockSize%4 != 0 {
			blockSize += 2 // padding entry keeps the block DWORD-aligned
		}
		hdrRVA := b.Alloc(int(blockSize))
		b.putUint32(hdrRVA, page)
		b.putUint32(hdrRVA+4, blockSize)
		for i, e := range entries {
			v := (e.typ << 12) | e.offset
			b.putUint16(hdrRVA+8+uint32(i*2), v)
		}
	}
	dirEnd := SectionRVA + uint32(len(b.payload))
	b.dataDir[dirBaseReloc] = dataDirEntry{rva: dirStart, size: dirEnd - dirStart}
}
