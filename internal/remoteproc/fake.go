package remoteproc

import (
	"encoding/binary"
	"fmt"

	"github.com/darkit/manualmap/mapper"
)

var _ mapper.Remote = (*FakeProcess)(nil)

// call is a tiny fixed-size bytecode a FakeProcess "function" can be made of,
// interpreted by FakeProcess.Call. It exists purely so mapper package tests
// can build hand-crafted images whose entry points, TLS callbacks, and
// exports have an observable effect (writing a marker word, or returning a
// fixed value) without any real code execution.
//
// Encoding (little-endian), one instruction per call:
//
//	op 0 (ret N):            byte(0), uint64(N)                 -> returns N
//	op 1 (store ptr v):       byte(1), uint64(ptr), uint64(v)    -> writes v at ptr, returns v
//	op 2 (store arg[i] ptr):  byte(2), uint64(i), uint64(ptr)    -> writes the caller's i'th
//	                          Call argument to ptr, returns it (0 if the call received no
//	                          such argument) — lets a test see the exact value an engine
//	                          passed through Call, not just that Call happened.
type FakeProcess struct {
	Mem       []byte
	arch      mapper.Arch
	nextAlloc uint64
	path      string
	Protects  map[uint64]protectRegion
	Calls     []uint64   // addresses invoked via Call, in order, for assertions
	CallArgs  [][]uint64 // args received by each entry in Calls, same order
}

type protectRegion struct {
	size    uint64
	protect uint32
}

// NewFakeProcess creates a fake remote process backed by a memSize-byte
// arena, reporting the given architecture and process path.
func NewFakeProcess(memSize uint64, arch mapper.Arch, path string) *FakeProcess {
	return &FakeProcess{
		Mem:      make([]byte, memSize),
		arch:     arch,
		// Page 0 is never handed out: a real allocator never returns a
		// base address of 0 on success.
		nextAlloc: 0x1000,
		path:     path,
		Protects: make(map[uint64]protectRegion),
	}
}

func (p *FakeProcess) Arch() mapper.Arch { return p.arch }

func (p *FakeProcess) Alloc(size uint64) (uint64, error) {
	// Emulate page granularity so VirtualSize-vs-SizeOfRawData rounding
	// behaves the same way it would against a real allocator.
	const pageSize = 0x1000
	aligned := (size + pageSize - 1) &^ (pageSize - 1)
	// Page 0 is never handed out: a real allocator never returns a base
	// address of 0 on success.
	if p.nextAlloc == 0 {
		p.nextAlloc = pageSize
	}
	base := p.nextAlloc
	if base+aligned > uint64(len(p.Mem)) {
		return 0, fmt.Errorf("remoteproc: fake arena exhausted (want %d more, have %d)", aligned, uint64(len(p.Mem))-base)
	}
	p.nextAlloc += aligned
	// Keep a one-page gap between allocations so an engine bug that
	// over-writes past SizeOfImage is observable rather than silently
	// overlapping the next module.
	p.nextAlloc += pageSize
	return base, nil
}

func (p *FakeProcess) Write(ptr uint64, data []byte) error {
	if ptr+uint64(len(data)) > uint64(len(p.Mem)) {
		return fmt.Errorf("remoteproc: write out of range (ptr=%#x len=%d)", ptr, len(data))
	}
	copy(p.Mem[ptr:], data)
	return nil
}

func (p *FakeProcess) Read(ptr uint64, out []byte) error {
	if ptr+uint64(len(out)) > uint64(len(p.Mem)) {
		return fmt.Errorf("remoteproc: read out of range (ptr=%#x len=%d)", ptr, len(out))
	}
	copy(out, p.Mem[ptr:])
	return nil
}

func (p *FakeProcess) ReadString(ptr uint64) (string, error) {
	end := ptr
	for end < uint64(len(p.Mem)) && p.Mem[end] != 0 {
		end++
	}
	if end >= uint64(len(p.Mem)) {
		return "", fmt.Errorf("remoteproc: unterminated string at %#x", ptr)
	}
	return string(p.Mem[ptr:end]), nil
}

func (p *FakeProcess) Protect(ptr uint64, size uint64, protect uint32) (uint32, error) {
	prev := p.Protects[ptr]
	p.Protects[ptr] = protectRegion{size: size, protect: protect}
	return prev.protect, nil
}

// Call interprets the tiny instruction encoded at ptr (see the FakeProcess
// doc comment) and records ptr in Calls for test assertions.
func (p *FakeProcess) Call(ptr uint64, args ...uint64) (uint64, error) {
	p.Calls = append(p.Calls, ptr)
	p.CallArgs = append(p.CallArgs, append([]uint64(nil), args...))
	if ptr+9 > uint64(len(p.Mem)) {
		return 0, fmt.Errorf("remoteproc: call target out of range: %#x", ptr)
	}
	switch p.Mem[ptr] {
	case 0:
		return binary.LittleEndian.Uint64(p.Mem[ptr+1 : ptr+9]), nil
	case 1:
		if ptr+25 > uint64(len(p.Mem)) {
			return 0, fmt.Errorf("remoteproc: store instruction out of range: %#x", ptr)
		}
		target := binary.LittleEndian.Uint64(p.Mem[ptr+1 : ptr+9])
		val := binary.LittleEndian.Uint64(p.Mem[ptr+9 : ptr+17])
		if err := p.Write(target, le64bytes(val)); err != nil {
			return 0, err
		}
		return val, nil
	case 2:
		if ptr+17 > uint64(len(p.Mem)) {
			return 0, fmt.Errorf("remoteproc: store-arg instruction out of range: %#x", ptr)
		}
		idx := binary.LittleEndian.Uint64(p.Mem[ptr+1 : ptr+9])
		target := binary.LittleEndian.Uint64(p.Mem[ptr+9 : ptr+17])
		var val uint64
		if idx < uint64(len(args)) {
			val = args[idx]
		}
		if err := p.Write(target, le64bytes(val)); err != nil {
			return 0, err
		}
		return val, nil
	default:
		return 0, fmt.Errorf("remoteproc: unrecognized fake opcode %d at %#x", p.Mem[ptr], ptr)
	}
}

func le64bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func (p *FakeProcess) ProcessPath() (string, error) { return p.path, nil }

func (p *FakeProcess) ProcessHandle() uintptr { return 1 }
