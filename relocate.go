// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package detour

import (
	"fmt"
	"math"

	"github.com/golang-detours/detour/instruction"
)

// jumpEmitter is the shape every jump constructor in package instruction
// agnostic to holder slots conforms to: given where the jump sits and
// where it should go, return the instructions composing it.
type jumpEmitter func(address, destination uint64) (instruction.List, error)

// entryFixup is a branch that needs a jump-table slot: its relocated
// displacement can't reach target directly, so it gets repointed at a
// slot emitted nearby, and the slot carries the real jump to target.
type entryFixup struct {
	inst   *instruction.Instruction
	target uint64
}

// relocPlan is the output of buildRelocationList: the prologue's
// relocated copies, plus which of them fall into each of §4.6's
// classification buckets. An instruction can appear in at most one of
// needsEntry/needsJump; a rip-relative non-branch that needed fixing up
// is already rewritten in place by the time it lands in needsReloc.
type relocPlan struct {
	prologue   instruction.List
	needsReloc instruction.List
	needsEntry []entryFixup
	needsJump  instruction.List
}

// cloneAt copies in into a new Instruction at newAddr, carrying over its
// displacement metadata. The original is left untouched — it belongs to
// the decode of live target memory, not to the trampoline being built.
func cloneAt(in *instruction.Instruction, newAddr uint64) *instruction.Instruction {
	c := instruction.New(newAddr, in.Bytes(), in.Mnemonic(), "")
	if in.HasDisplacement() {
		c.WithDisplacement(in.Displacement(), in.DisplacementOffset(), in.IsRelative(), in.IsBranching())
	}
	return c
}

// fitsSigned reports whether v fits in a two's-complement field of the
// given byte width.
func fitsSigned(v int64, width int) bool {
	switch width {
	case 1:
		return v >= math.MinInt8 && v <= math.MaxInt8
	case 2:
		return v >= math.MinInt16 && v <= math.MaxInt16
	case 4:
		return v >= math.MinInt32 && v <= math.MaxInt32
	default:
		return true
	}
}

// buildRelocationList classifies every instruction of prologue (decoded
// at origAddr) against its relocated copy at trampolineAddr+offset,
// per §4.6:
//
//   - a rip-relative non-branch (e.g. `mov rax, [rip+disp]`) is rewritten
//     in place to keep pointing at the same absolute address, and fails
//     the whole build if the new displacement no longer fits in 32 bits;
//   - a branch whose original target lies inside the prologue window
//     keeps its encoded displacement unchanged (translating both the
//     branch and its target by the same delta leaves their relative
//     distance invariant) and is recorded so relocateTrampoline can
//     re-affirm that;
//   - a branch whose target lies outside the window is rewritten in
//     place if the new displacement still fits its original encoding
//     width, else queued for a jump-table slot.
func buildRelocationList(prologue instruction.List, origAddr, trampolineAddr uint64) (*relocPlan, error) {
	windowEnd := origAddr + instruction.Size(prologue)

	plan := &relocPlan{}
	offset := uint64(0)
	for _, in := range prologue {
		newAddr := trampolineAddr + offset
		offset += uint64(in.Size())

		clone := cloneAt(in, newAddr)
		plan.prologue = append(plan.prologue, clone)

		switch {
		case clone.HasDisplacement() && clone.IsRelative() && !clone.IsBranching():
			target := in.Destination()
			newDisp := instruction.CalculateRelativeDisplacement(newAddr, target, uint8(clone.Size()))
			if !fitsSigned(newDisp, clone.DispSize()) {
				return nil, fmt.Errorf("%w: %s", ErrUnrelocatableInstruction, clone)
			}
			clone.SetRelativeDisplacement(newDisp)
			plan.needsReloc = append(plan.needsReloc, clone)

		case clone.IsBranching() && clone.HasDisplacement() && clone.IsRelative():
			target := in.Destination()
			switch {
			case target >= origAddr && target < windowEnd:
				plan.needsJump = append(plan.needsJump, clone)
			default:
				newDisp := instruction.CalculateRelativeDisplacement(newAddr, target, uint8(clone.Size()))
				if fitsSigned(newDisp, clone.DispSize()) {
					clone.SetRelativeDisplacement(newDisp)
				} else {
					plan.needsEntry = append(plan.needsEntry, entryFixup{inst: clone, target: target})
				}
			}
		}
	}
	return plan, nil
}

// relocateTrampoline lays out the relocated prologue, a tail jump back
// into the target immediately after the overwritten window, and a jump
// table for every entryFixup, returning the full ordered instruction
// list that composes the trampoline's bytes.
func relocateTrampoline(plan *relocPlan, origAddr, trampolineAddr, roundProlSz uint64, emit jumpEmitter) (instruction.List, error) {
	out := append(instruction.List(nil), plan.prologue...)

	tailAddr := trampolineAddr + instruction.Size(plan.prologue)
	tail, err := emit(tailAddr, origAddr+roundProlSz)
	if err != nil {
		return nil, fmt.Errorf("%w: tail jump: %v", ErrAllocationFailed, err)
	}
	out = append(out, tail...)

	for _, fx := range plan.needsEntry {
		slotAddr := trampolineAddr + instruction.Size(out)
		slot, err := emit(slotAddr, fx.target)
		if err != nil {
			return nil, fmt.Errorf("%w: jump table entry: %v", ErrAllocationFailed, err)
		}
		newDisp := instruction.CalculateRelativeDisplacement(fx.inst.Address(), slotAddr, uint8(fx.inst.Size()))
		if !fitsSigned(newDisp, fx.inst.DispSize()) {
			return nil, fmt.Errorf("%w: jump table slot unreachable from its branch", ErrUnrelocatableInstruction)
		}
		fx.inst.SetRelativeDisplacement(newDisp)
		out = append(out, slot...)
	}

	for _, in := range plan.needsJump {
		target := in.Destination()
		newDisp := instruction.CalculateRelativeDisplacement(in.Address(), target, uint8(in.Size()))
		in.SetRelativeDisplacement(newDisp)
	}

	return out, nil
}

// estimateTrampolineSize upper-bounds the bytes relocateTrampoline could
// possibly emit: the relocated prologue, one tail jump, and — worst
// case, every external branch needing its own slot — one jump-table
// entry per instruction, using the largest (preferred, 16-byte) emitter
// form for the estimate regardless of which form actually gets used.
// Over-allocating here just leaves unreachable padding at the tail of
// the trampoline buffer; it is never executed.
func estimateTrampolineSize(prologue instruction.List, reserveHolder bool) int {
	sz := int(instruction.Size(prologue))
	sz += instruction.PreferredJumpSize
	sz += len(prologue) * instruction.PreferredJumpSize
	if reserveHolder {
		sz += instruction.HolderSize
	}
	return sz
}
