// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package instruction holds the decoded, mutable representation of a single
// x86-64 machine instruction, plus the pure byte-sequence constructors for
// the jumps the detour core writes (near, minimum indirect, and preferred
// absolute).
package instruction

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// uidCounter hands out each Instruction's process-unique, monotonically
// increasing identity (UID). Two independently constructed instructions
// with identical address+bytes get different UIDs. The detour core itself
// does not read UIDs: its classification lists hold *Instruction pointers.
var uidCounter uint64

func nextUID() uint64 {
	return atomic.AddUint64(&uidCounter, 1)
}

// Displacement is a tagged union, discriminated by Instruction.IsRelative:
// a rip-relative field (a relative branch, or a rip-relative memory
// operand such as `mov rax, [rip+disp]`) carries a signed offset relative
// to the end of the instruction; an absolute field carries the target
// address itself.
type Displacement struct {
	Relative int64
	Absolute uint64
}

// Instruction is a single decoded (or synthesized) x86-64 instruction.
type Instruction struct {
	address      uint64
	bytes        []byte
	displacement Displacement
	dispOffset   uint8
	isRelative   bool
	hasDisp      bool
	isBranching  bool
	mnemonic     string
	opStr        string
	uid          uint64
}

// New builds an Instruction from already-encoded bytes, with no
// displacement. WithDisplacement attaches one: its dispOffset says where
// the patchable field lives inside bytes, and isRelative selects which
// half of Displacement that field means.
func New(address uint64, bytes []byte, mnemonic, opStr string) *Instruction {
	return &Instruction{
		address:  address,
		bytes:    append([]byte(nil), bytes...),
		mnemonic: mnemonic,
		opStr:    opStr,
		uid:      nextUID(),
	}
}

// WithDisplacement attaches a displacement in place, returning the same
// instruction for chaining at construction sites.
func (i *Instruction) WithDisplacement(d Displacement, dispOffset uint8, isRelative, isBranching bool) *Instruction {
	i.displacement = d
	i.dispOffset = dispOffset
	i.isRelative = isRelative
	i.hasDisp = true
	i.isBranching = isBranching
	return i
}

// Address returns the address this instruction currently sits at.
func (i *Instruction) Address() uint64 { return i.address }

// SetAddress is pure book-keeping: it does not re-encode anything, it
// just updates what address callers believe this instruction lives at.
func (i *Instruction) SetAddress(address uint64) { i.address = address }

// Bytes returns the raw encoded bytes of the instruction.
func (i *Instruction) Bytes() []byte { return i.bytes }

// Size is the length, in bytes, of the instruction's encoding.
func (i *Instruction) Size() int { return len(i.bytes) }

// Mnemonic is a short human-readable opcode name, for diagnostics only.
func (i *Instruction) Mnemonic() string { return i.mnemonic }

// FullName is the mnemonic plus operand string, for diagnostics only.
func (i *Instruction) FullName() string {
	if i.opStr == "" {
		return i.mnemonic
	}
	return i.mnemonic + " " + i.opStr
}

// IsBranching reports whether this instruction changes control flow
// (jmp/jcc/call). Only WithDisplacement sets it, so a branch without a
// displacement field (an indirect jmp through a register, a ret) reports
// false.
func (i *Instruction) IsBranching() bool { return i.isBranching }

// HasDisplacement reports whether this instruction carries a patchable
// relative or absolute displacement.
func (i *Instruction) HasDisplacement() bool { return i.hasDisp }

// IsRelative reports whether the displacement is eip/rip-relative (true)
// or an absolute target (false). Meaningless when HasDisplacement is false.
func (i *Instruction) IsRelative() bool { return i.isRelative }

// DisplacementOffset is the byte offset into Bytes() where the
// displacement is encoded.
func (i *Instruction) DisplacementOffset() uint8 { return i.dispOffset }

// DispSize is the width, in bytes, of the encoded displacement field.
func (i *Instruction) DispSize() int {
	if !i.hasDisp {
		return 0
	}
	return i.Size() - int(i.dispOffset)
}

// Displacement returns the current displacement value.
func (i *Instruction) Displacement() Displacement { return i.displacement }

// UID is this instruction's process-unique identity.
func (i *Instruction) UID() uint64 { return i.uid }

// Destination returns the address this instruction points to, handling
// both rip-relative and absolute forms. Only meaningful when
// HasDisplacement is true.
func (i *Instruction) Destination() uint64 {
	if i.isRelative {
		return i.address + uint64(i.displacement.Relative) + uint64(i.Size())
	}
	return i.displacement.Absolute
}

// SetRelativeDisplacement updates the relative displacement and
// re-encodes it into Bytes() at DisplacementOffset(). It fails silently
// (a no-op on the bytes, matching the debug-trap-in-debug-builds behavior
// of the source this is ported from) if the field does not fit.
func (i *Instruction) SetRelativeDisplacement(d int64) {
	i.displacement.Relative = d
	i.isRelative = true
	i.hasDisp = true
	i.encodeDisplacement(d)
}

// SetAbsoluteDisplacement is the absolute-target symmetric twin of
// SetRelativeDisplacement.
func (i *Instruction) SetAbsoluteDisplacement(d uint64) {
	i.displacement.Absolute = d
	i.isRelative = false
	i.hasDisp = true
	i.encodeDisplacement(int64(d))
}

func (i *Instruction) encodeDisplacement(v int64) {
	dispSize := i.Size() - int(i.dispOffset)
	if dispSize <= 0 || int(i.dispOffset)+dispSize > len(i.bytes) || dispSize > 8 {
		return
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	copy(i.bytes[i.dispOffset:i.dispOffset+uint8(dispSize)], buf[:dispSize])
}

func (i *Instruction) String() string {
	s := fmt.Sprintf("%#x [%d]: % x %s", i.address, i.Size(), i.bytes, i.FullName())
	if i.hasDisp && i.isRelative {
		s += fmt.Sprintf(" -> %#x", i.Destination())
	}
	return s
}

// CalculateRelativeDisplacement computes the displacement d such that
// from + insSize + d == to, i.e. the value a branch instruction of size
// insSize located at from must encode to land on to.
func CalculateRelativeDisplacement(from, to uint64, insSize uint8) int64 {
	return int64(to) - int64(from) - int64(insSize)
}

// List is an ordered sequence of instructions.
type List []*Instruction

// Size returns the sum of the byte lengths of every instruction in the list.
func Size(insts List) uint64 {
	var sz uint64
	for _, in := range insts {
		sz += uint64(in.Size())
	}
	return sz
}

// Bytes concatenates the raw encodings of every instruction in the list,
// in order; this is exactly the byte stream the CPU will execute.
func Bytes(insts List) []byte {
	out := make([]byte, 0, Size(insts))
	for _, in := range insts {
		out = append(out, in.Bytes()...)
	}
	return out
}
