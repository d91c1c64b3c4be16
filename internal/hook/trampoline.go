// Package hook implements the hook-installation protocol (spec.md §4.6):
// synthesizing the protocol-method trampoline, planting the prepared
// payload and trampoline at their fixed physical addresses, and swapping
// the hooked function pointer.
package hook

import "encoding/binary"

// Trampoline machine code, x86-64, Microsoft calling convention. It
// restores the hooked pointer before calling the payload, so a second
// call through the same pointer bypasses the hook entirely, then
// tail-calls the original function.
//
//	push   rcx
//	mov    rax, patch_val
//	mov    rcx, patch_ptr
//	mov    qword ptr [rcx], rax
//	push   rdx
//	push   r8
//	push   r9
//	push   r10
//	push   r11
//	sub    rsp, 0x28
//	mov    rax, entry_addr
//	call   rax
//	add    rsp, 0x28
//	pop    r11
//	pop    r10
//	pop    r9
//	pop    r8
//	pop    rdx
//	pop    rcx
//	mov    rax, patch_val
//	jmp    rax
const TrampolineLen = 75

const (
	offPatchValA = 3  // mov rax, patch_val (1st) — immediate operand
	offPatchPtr  = 13 // mov rcx, patch_ptr — immediate operand
	offEntryAddr = 39 // mov rax, entry_addr — immediate operand
	offPatchValB = 65 // mov rax, patch_val (2nd, post-call) — immediate operand
)

// BuildStub synthesizes the trampoline for patchVal (the original
// function pointer, restored before the tail-call), patchPtr (the
// address of the hooked slot the trampoline writes patchVal back into),
// and entryAddr (the payload's in-memory entry point).
func BuildStub(patchVal, patchPtr, entryAddr uint64) [TrampolineLen]byte {
	var buf [TrampolineLen]byte
	i := 0

	emit := func(b ...byte) {
		i += copy(buf[i:], b)
	}
	emitQword := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[i:i+8], v)
		i += 8
	}

	emit(0x51)                    // push rcx
	emit(0x48, 0xb8)              // mov rax, imm64
	emitQword(patchVal)
	emit(0x48, 0xb9)              // mov rcx, imm64
	emitQword(patchPtr)
	emit(0x48, 0x89, 0x01)        // mov [rcx], rax
	emit(0x52)                    // push rdx
	emit(0x41, 0x50)              // push r8
	emit(0x41, 0x51)              // push r9
	emit(0x41, 0x52)              // push r10
	emit(0x41, 0x53)              // push r11
	emit(0x48, 0x83, 0xec, 0x28)  // sub rsp, 0x28
	emit(0x48, 0xb8)              // mov rax, imm64
	emitQword(entryAddr)
	emit(0xff, 0xd0)              // call rax
	emit(0x48, 0x83, 0xc4, 0x28)  // add rsp, 0x28
	emit(0x41, 0x5b)              // pop r11
	emit(0x41, 0x5a)              // pop r10
	emit(0x41, 0x59)              // pop r9
	emit(0x41, 0x58)              // pop r8
	emit(0x5a)                    // pop rdx
	emit(0x59)                    // pop rcx
	emit(0x48, 0xb8)              // mov rax, imm64
	emitQword(patchVal)
	emit(0xff, 0xe0)              // jmp rax

	return buf
}

// stubImmediate reads the 8-byte immediate embedded at off within stub.
func stubImmediate(stub [TrampolineLen]byte, off int) uint64 {
	return binary.LittleEndian.Uint64(stub[off : off+8])
}
