// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package detour

import "errors"

// Error kinds returned by Hook/Unhook, one per recoverable failure class.
// Every error preceding the outbound jump write is recoverable: target
// memory is left untouched. ErrWriteFailed is the one kind that can also
// mark a failure during or after the write itself, when a best-effort
// rollback has already been attempted.
var (
	// ErrPrologueTooShort means the target function ended before minSz
	// bytes of its prologue had been decoded.
	ErrPrologueTooShort = errors.New("detour: function ended before minimum prologue size was reached")

	// ErrJumpFollowTooDeep means followJmp exceeded its depth bound
	// chasing a chain of unconditional jumps/thunks at the target entry.
	ErrJumpFollowTooDeep = errors.New("detour: jump-follow depth exceeded at target entry")

	// ErrSelfJmpUnboundable means expandProlSelfJmps could not reach a
	// fixed point within the bounds of the target function.
	ErrSelfJmpUnboundable = errors.New("detour: self-jmp expansion did not converge within the function")

	// ErrUnrelocatableInstruction means a rip-relative non-branch
	// instruction's relocated displacement no longer fits in 32 bits, or
	// a jump-table slot lies out of reach of the branch it serves.
	ErrUnrelocatableInstruction = errors.New("detour: instruction cannot be relocated to the trampoline")

	// ErrAllocationFailed means no executable trampoline buffer could be
	// obtained, near or otherwise.
	ErrAllocationFailed = errors.New("detour: trampoline allocation failed")

	// ErrProtectionFailed means a page-permission change failed.
	ErrProtectionFailed = errors.New("detour: page protection change failed")

	// ErrWriteFailed means the outbound jump could not be written. Hook
	// returns it before writing anything when the encoded jump is longer
	// than the prologue window. When the written bytes do not read back,
	// a best-effort rollback is attempted before this is returned; if the
	// rollback itself fails, that is logged, the error wraps this one,
	// and the caller's target memory is in an undefined state.
	ErrWriteFailed = errors.New("detour: outbound jump write failed")

	// ErrNotHooked is returned by Unhook on a Hook that was never
	// successfully hooked, or was already unhooked.
	ErrNotHooked = errors.New("detour: hook is not currently installed")
)
