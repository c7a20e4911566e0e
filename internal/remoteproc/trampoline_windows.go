//go:build windows

package remoteproc

import (
	"encoding/binary"
	"fmt"

	"github.com/darkit/manualmap/mapper"
)

// buildTrampoline assembles a minimal machine-code stub that loads up to
// three immediate arguments into the target architecture's calling
// convention registers, calls target, and returns its result as the thread
// exit code (truncated to 32 bits, which is all CreateRemoteThread's ABI
// preserves — sufficient for this engine's own use, which only logs the
// entry point's and the export's return values and ignores the TLS
// callbacks' results).
func buildTrampoline(arch mapper.Arch, target uint64, args []uint64) ([]byte, error) {
	if len(args) > 3 {
		return nil, fmt.Errorf("remoteproc: at most 3 arguments supported, got %d", len(args))
	}
	switch arch {
	case mapper.ArchAMD64:
		return buildTrampolineAMD64(target, args), nil
	case mapper.ArchI386:
		return buildTrampolineI386(target, args), nil
	default:
		return nil, fmt.Errorf("remoteproc: unknown target architecture")
	}
}

// buildTrampolineAMD64 uses the Microsoft x64 calling convention: the first
// three integer arguments go in RCX, RDX, R8; the call site must reserve
// 0x20 bytes of shadow space on the stack.
func buildTrampolineAMD64(target uint64, args []uint64) []byte {
	var code []byte
	movImm := func(reg byte, v uint64) {
		// REX.W + B8+reg imm64
		code = append(code, 0x48, reg)
		code = append(code, u64le(v)...)
	}
	if len(args) > 0 {
		movImm(0xB9, args[0]) // mov rcx, imm64
	}
	if len(args) > 1 {
		movImm(0xBA, args[1]) // mov rdx, imm64
	}
	if len(args) > 2 {
		code = append(code, 0x49, 0xB8) // REX.WB + mov r8, imm64
		code = append(code, u64le(args[2])...)
	}
	code = append(code, 0x48, 0xB8) // mov rax, imm64 (target)
	code = append(code, u64le(target)...)
	code = append(code, 0x48, 0x83, 0xEC, 0x28) // sub rsp, 0x28
	code = append(code, 0xFF, 0xD0)             // call rax
	code = append(code, 0x48, 0x83, 0xC4, 0x28) // add rsp, 0x28
	code = append(code, 0xC3)                   // ret
	return code
}

// buildTrampolineI386 uses stdcall/cdecl-equivalent stack argument passing
// (the loader ABI calls this engine issues — DllMain/TLS callbacks — are
// stdcall, callee-cleaned; a cdecl target leaves its arguments on the
// stack). The stub saves ESP in EBP around the call, so either way the
// stack is restored afterwards, and then returns as the stdcall thread
// start routine CreateRemoteThread runs it as, popping that routine's one
// LPVOID parameter.
func buildTrampolineI386(target uint64, args []uint64) []byte {
	var code []byte
	code = append(code, 0x55)       // push ebp
	code = append(code, 0x89, 0xE5) // mov ebp, esp
	for i := len(args) - 1; i >= 0; i-- {
		code = append(code, 0x68) // push imm32
		code = append(code, u32le(uint32(args[i]))...)
	}
	code = append(code, 0xB8) // mov eax, imm32 (target)
	code = append(code, u32le(uint32(target))...)
	code = append(code, 0xFF, 0xD0)       // call eax
	code = append(code, 0x89, 0xEC)       // mov esp, ebp (drop any args the callee left)
	code = append(code, 0x5D)             // pop ebp
	code = append(code, 0xC2, 0x04, 0x00) // ret 4 (the thread routine's LPVOID parameter)
	return code
}

func u64le(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
