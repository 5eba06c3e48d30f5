// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package disasm provides functions for disassembling x86-64 machine
// code into the decoded instruction records the detour core operates on.
// The detour core only ever talks to the Disassembler interface; this
// package is simply the concrete implementation backed by
// golang.org/x/arch/x86/x86asm, the pure-Go x86 decoder.
package disasm

import (
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/golang-detours/detour/instruction"
)

// PrintDebugInfo, when set before any Disassemble call, routes decode
// tracing to stderr instead of discarding it.
var PrintDebugInfo = false

var logger *log.Logger

// debugWriter reads PrintDebugInfo on every write, so the switch takes
// effect whenever it is set, not only at package initialization.
type debugWriter struct{}

func (debugWriter) Write(p []byte) (int, error) {
	if !PrintDebugInfo {
		return ioutil.Discard.Write(p)
	}
	return os.Stderr.Write(p)
}

func init() {
	logger = log.New(debugWriter{}, "disasm: ", log.Lshortfile)
}

// Disassembler is the capability the detour core consumes: given a buffer
// of raw bytes that starts at addr, produce the ordered instruction list
// it decodes to. The core never constructs instructions itself except
// through Jump emitters; everything it reads out of target/prologue
// memory comes through this interface.
type Disassembler interface {
	Disassemble(addr uint64, buf []byte) (instruction.List, error)
}

// X86 is the Disassembler backed by x86asm, decoding 64-bit mode
// instructions until buf is exhausted or a decode error is hit.
type X86 struct{}

// Disassemble decodes every instruction in buf, assigning addresses
// starting at addr and incrementing by each instruction's length.
func (X86) Disassemble(addr uint64, buf []byte) (instruction.List, error) {
	var out instruction.List
	off := 0
	for off < len(buf) {
		inst, err := x86asm.Decode(buf[off:], 64)
		if err != nil {
			return nil, fmt.Errorf("disasm: decode at %#x: %w", addr+uint64(off), err)
		}
		if inst.Len == 0 {
			return nil, fmt.Errorf("disasm: zero-length decode at %#x", addr+uint64(off))
		}

		rec := toInstruction(addr+uint64(off), buf[off:off+inst.Len], inst)
		logger.Printf("%s", rec)
		out = append(out, rec)
		off += inst.Len
	}
	return out, nil
}

// toInstruction converts one x86asm.Inst into our mutable Instruction
// record. x86asm.Inst.PCRel/PCRelOff already give exactly the
// dispSize/dispOffset pair the detour core needs for both branch
// displacements and rip-relative memory operands — this is the reason
// x86asm was picked over a hand-rolled decoder.
func toInstruction(addr uint64, raw []byte, inst x86asm.Inst) *instruction.Instruction {
	mnemonic := strings.Fields(inst.String())
	mnem := inst.Op.String()
	opStr := ""
	if len(mnemonic) > 1 {
		opStr = strings.Join(mnemonic[1:], " ")
	}

	rec := instruction.New(addr, raw, mnem, opStr)

	if inst.PCRel == 0 {
		return rec
	}

	dispOffset := uint8(len(raw) - inst.PCRel)
	branching := isControlFlow(inst.Op)

	// Re-derive the displacement straight from the encoded bytes rather
	// than trust PCRelOff's exact sign convention, so
	// Instruction.Destination and the raw bytes always agree.
	disp := instruction.Displacement{Relative: readSigned(raw[dispOffset:])}

	rec.WithDisplacement(disp, dispOffset, true, branching)
	return rec
}

func readSigned(b []byte) int64 {
	switch len(b) {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(uint16(b[0]) | uint16(b[1])<<8))
	case 4:
		var v uint32
		for i := 0; i < 4; i++ {
			v |= uint32(b[i]) << (8 * i)
		}
		return int64(int32(v))
	default:
		var v uint64
		for i := 0; i < len(b) && i < 8; i++ {
			v |= uint64(b[i]) << (8 * i)
		}
		return int64(v)
	}
}

// isControlFlow reports whether op is a jump/call whose PC-relative
// field is a branch target, as opposed to a rip-relative memory operand
// on e.g. MOV/LEA, which also carries a PCRel field but isn't branching.
func isControlFlow(op x86asm.Op) bool {
	name := op.String()
	switch {
	case strings.HasPrefix(name, "J"):
		return true
	case strings.HasPrefix(name, "CALL"):
		return true
	case strings.HasPrefix(name, "LOOP"):
		return true
	default:
		return false
	}
}
