// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package instruction

import (
	"encoding/binary"
	"fmt"
	"math"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

// NearJumpSize is the byte size of the x86 5-byte near relative jump.
const NearJumpSize = 5

// MinJumpSize is the byte size of the smallest indirect outbound jump
// form (the 6-byte indirect jump; its 8-byte holder is allocated
// separately).
const MinJumpSize = 6

// PreferredJumpSize is the byte size of the register-transparent,
// unrestricted-reach outbound jump form: push rax (1) + mov rax, imm64
// (10, REX.W+B8+imm64 — a real destination never fits a 32-bit
// immediate) + xchg [rsp], rax (4, REX.W+87+ModRM+SIB) + ret (1) = 16.
const PreferredJumpSize = 16

// HolderSize is the size of the absolute-destination slot the minimum
// jump form reads from.
const HolderSize = 8

// MakeX86NearJump builds a 5-byte `E9 rel32` jump (x86, ±2 GiB reach).
// It fails if the resulting displacement does not fit in a signed 32-bit
// field.
func MakeX86NearJump(address, destination uint64) (List, error) {
	disp := CalculateRelativeDisplacement(address, destination, 5)
	if disp < math.MinInt32 || disp > math.MaxInt32 {
		return nil, fmt.Errorf("instruction: x86 near jump from %#x to %#x does not fit in rel32", address, destination)
	}

	bytes := make([]byte, 5)
	bytes[0] = 0xE9
	binary.LittleEndian.PutUint32(bytes[1:], uint32(disp))

	in := New(address, bytes, "jmp", fmt.Sprintf("%#x", destination)).
		WithDisplacement(Displacement{Relative: disp}, 1, true, true)
	return List{in}, nil
}

// MakeX64MinimumJump builds the 6-byte `FF 25 disp32` indirect jump plus
// its 8-byte absolute-destination holder slot. address is where the jmp
// instruction sits; destHolder is where the 8-byte slot sits (it need not
// be adjacent); destination is the final target, written into the holder.
//
// Reach from address to destHolder is ±2 GiB; once that jump lands, the
// final destination is unrestricted.
func MakeX64MinimumJump(address, destination, destHolder uint64) (List, error) {
	disp := CalculateRelativeDisplacement(address, destHolder, 6)
	if disp < math.MinInt32 || disp > math.MaxInt32 {
		return nil, fmt.Errorf("instruction: x64 minimum jump holder at %#x is unreachable from %#x", destHolder, address)
	}

	bytes := make([]byte, 6)
	bytes[0] = 0xFF
	bytes[1] = 0x25
	binary.LittleEndian.PutUint32(bytes[2:], uint32(disp))
	jmp := New(address, bytes, "jmp", fmt.Sprintf("[%#x] -> %#x", destHolder, destination)).
		WithDisplacement(Displacement{Relative: disp}, 2, true, true)

	holderBytes := make([]byte, HolderSize)
	binary.LittleEndian.PutUint64(holderBytes, destination)
	holder := New(destHolder, holderBytes, "dest holder", "").
		WithDisplacement(Displacement{Absolute: destination}, 0, false, false)

	return List{jmp, holder}, nil
}

// MakeX64PreferredJump builds the 16-byte, unrestricted-reach, flags- and
// register-transparent absolute jump:
//
//	push rax
//	mov rax, imm64(destination)
//	xchg [rsp], rax
//	ret
//
// The stack-slot exchange is what restores rax without ever exposing the
// destination in a visible register. It needs no later displacement
// patching (the destination is baked in at emission time), which is
// exactly the shape golang-asm's builder targets: each mnemonic here maps
// 1:1 onto an *obj.Prog, the same pattern the teacher's AMD64 JIT backend
// uses for its scalar emits.
func MakeX64PreferredJump(address, destination uint64) (List, error) {
	builder, err := asm.NewBuilder("amd64", 4)
	if err != nil {
		return nil, fmt.Errorf("instruction: x64 preferred jump: %w", err)
	}

	push := builder.NewProg()
	push.As = x86.APUSHQ
	push.To.Type = obj.TYPE_REG
	push.To.Reg = x86.REG_AX
	builder.AddInstruction(push)

	mov := builder.NewProg()
	mov.As = x86.AMOVQ
	mov.From.Type = obj.TYPE_CONST
	mov.From.Offset = int64(destination)
	mov.To.Type = obj.TYPE_REG
	mov.To.Reg = x86.REG_AX
	builder.AddInstruction(mov)

	xchg := builder.NewProg()
	xchg.As = x86.AXCHGQ
	xchg.From.Type = obj.TYPE_REG
	xchg.From.Reg = x86.REG_AX
	xchg.To.Type = obj.TYPE_MEM
	xchg.To.Reg = x86.REG_SP
	builder.AddInstruction(xchg)

	ret := builder.NewProg()
	ret.As = obj.ARET
	builder.AddInstruction(ret)

	out := builder.Assemble()

	in := New(address, out, "push/mov/xchg/ret", fmt.Sprintf("-> %#x", destination)).
		WithDisplacement(Displacement{Absolute: destination}, 0, false, false)
	return List{in}, nil
}

// MakeAgnosticJump picks the preferred x64 absolute jump form; it exists
// for call sites that don't care about proximity to the destination. The
// detour core uses it for the trampoline's tail jump and jump-table
// slots; the outbound jump over the target is chosen separately, smallest
// form first.
func MakeAgnosticJump(address, destination uint64) (List, error) {
	return MakeX64PreferredJump(address, destination)
}
