// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package detour

import (
	"github.com/golang-detours/detour/disasm"
	"github.com/golang-detours/detour/instruction"
)

// calcNearestSz accumulates instruction sizes from the start of insts
// until the cumulative size is >= minSz, returning that prefix and its
// exact rounded byte size. It never splits an instruction and fails if
// insts is exhausted before minSz is reached.
func calcNearestSz(insts instruction.List, minSz uint64) (instruction.List, uint64, error) {
	var sz uint64
	for i, in := range insts {
		sz += uint64(in.Size())
		if sz >= minSz {
			return insts[:i+1], sz, nil
		}
	}
	return nil, 0, ErrPrologueTooShort
}

// followJmp sees through an unconditional direct jump at the very start
// of insts — an already-installed hook, or a compiler-emitted
// incremental-link thunk — re-decoding at its destination and recursing
// up to depth times. It succeeds trivially (returning addr/insts
// unchanged) when the first instruction isn't such a jump, and only
// follows direct relative jumps: an indirect jmp through a register or
// memory operand can't be resolved without running the program, so it is
// left alone and treated as the real prologue entry.
func followJmp(addr uint64, insts instruction.List, dis disasm.Disassembler, depth int) (uint64, instruction.List, error) {
	if len(insts) == 0 {
		return addr, insts, nil
	}
	first := insts[0]
	if first.Mnemonic() != "JMP" || !first.HasDisplacement() || !first.IsRelative() {
		return addr, insts, nil
	}
	// A rip-relative memory jump (FF 25 disp32) also carries a relative
	// displacement; only the direct forms put it right after E9/EB.
	if off := first.DisplacementOffset(); off == 0 || (first.Bytes()[off-1] != 0xE9 && first.Bytes()[off-1] != 0xEB) {
		return addr, insts, nil
	}
	if depth <= 0 {
		return 0, nil, ErrJumpFollowTooDeep
	}

	dest := first.Destination()
	next, err := dis.Disassemble(dest, readCode(dest, maxScanWindow))
	if err != nil {
		return 0, nil, err
	}
	return followJmp(dest, next, dis, depth-1)
}

// expandProlSelfJmps grows the prologue window, starting from minSz,
// until every branch that crosses the window boundary in either
// direction — a prologue-internal jump whose target hasn't been pulled
// in yet, or a later branch whose target lands inside the window we're
// about to overwrite — is itself inside the window. Iterates to a fixed
// point by re-invoking calcNearestSz with a larger minimum each time a
// crossing branch is found; fails if the function runs out of decoded
// instructions first.
func expandProlSelfJmps(full instruction.List, origAddr uint64, minSz uint64) (instruction.List, uint64, error) {
	for {
		prefix, roundSz, err := calcNearestSz(full, minSz)
		if err != nil {
			return nil, 0, ErrSelfJmpUnboundable
		}

		windowEnd := origAddr + roundSz
		next := minSz

		for _, in := range full {
			if !in.IsBranching() || !in.HasDisplacement() || !in.IsRelative() {
				continue
			}
			addr := in.Address()
			dest := in.Destination()
			addrInWindow := addr >= origAddr && addr < windowEnd
			destInWindow := dest >= origAddr && dest < windowEnd

			switch {
			case addrInWindow && !destInWindow && dest > origAddr:
				// Prologue-internal branch whose target hasn't been
				// pulled into the window yet: extend to cover it.
				if need := dest - origAddr + 1; need > next {
					next = need
				}
			case !addrInWindow && destInWindow:
				// A later branch targets bytes we're about to
				// overwrite: pull the branch itself into the window so
				// it gets relocated along with its target.
				if need := addr - origAddr + 1; need > next {
					next = need
				}
			}
		}

		if next == minSz {
			return prefix, roundSz, nil
		}
		minSz = next
	}
}
