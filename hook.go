// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package detour implements an in-process x86-64 function detour
// engine: given the address of a target function and a replacement
// callback, it rewrites the target's prologue to divert execution to
// the callback while publishing a callable trampoline that still runs
// the target's original behavior. Installation and removal are
// transactional — either the detour is fully applied (or fully
// reverted) or the target's bytes and page permissions are left exactly
// as they were found.
package detour

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/golang-detours/detour/disasm"
	"github.com/golang-detours/detour/instruction"
	"github.com/golang-detours/detour/internal/compile"
	"github.com/golang-detours/detour/memprotect"
)

// maxScanWindow bounds how many bytes of target code get decoded up
// front. It needs to comfortably exceed the largest prologue window
// expandProlSelfJmps could ever grow to for a well-behaved function;
// functions that need more are rejected as ErrSelfJmpUnboundable rather
// than read past, since the engine has no notion of function boundaries
// (spec non-goal) and must not runaway-decode into whatever follows.
const maxScanWindow = 256

// defaultFollowDepth is how many already-installed hooks or
// compiler-emitted thunks followJmp will transparently see through
// before giving up.
const defaultFollowDepth = 3

// TrampolineAddr is the address of a trampoline buffer. The caller owns
// turning it into a callable function pointer (e.g. via a small asm stub
// matching the target's calling convention) — this package builds and
// installs machine code but never calls it, mirroring the source's
// FnCast, which leaves the same cast to the caller.
type TrampolineAddr uintptr

// outboundForm selects which jump shape gets written over the target's
// prologue.
type outboundForm int

const (
	// formNear is the 5-byte direct relative jump straight to callback;
	// usable whenever target and callback happen to be within ±2GiB of
	// each other, which needs no trampoline placement at all.
	formNear outboundForm = iota
	// formMinimum is the 6-byte indirect jump plus 8-byte holder,
	// usable when the trampoline lands within ±2GiB of the target.
	formMinimum
	// formPreferred is the 16-byte register- and flag-transparent
	// absolute jump, usable from anywhere.
	formPreferred
)

// JumpFormPreference controls which outbound jump forms prepare() is
// willing to try.
type JumpFormPreference int

const (
	// PreferNearest tries formNear, then formMinimum (via NearAllocator),
	// and only falls back to formPreferred if neither fits. This is the
	// default: it minimizes both the overwritten prologue window and the
	// number of bytes patched into live target memory.
	PreferNearest JumpFormPreference = iota
	// ForcePreferred skips the formNear/formMinimum attempts entirely and
	// always installs the unrestricted-reach, register-transparent
	// absolute jump — useful when a caller already knows no allocation
	// will land nearby, or wants a uniform overwrite width across many
	// hooks regardless of address layout.
	ForcePreferred
)

// Option configures a Hook at construction time.
type Option func(*Hook)

// WithFollowDepth overrides the default followJmp recursion bound (3).
func WithFollowDepth(depth int) Option {
	return func(h *Hook) { h.followDepth = depth }
}

// WithJumpFormPreference overrides the default formNear/formMinimum/
// formPreferred cascade prepare() runs (see JumpFormPreference).
func WithJumpFormPreference(p JumpFormPreference) Option {
	return func(h *Hook) { h.jumpForm = p }
}

// WithAllocatorAnchor overrides the anchor address NearAllocator centers
// its ±2GiB search on when attempting formMinimum. It defaults to the
// resolved target address, which is what makes the 6-byte indirect jump
// reachable from the target in the first place; callers with more
// context about where nearby executable pages actually exist (e.g. a
// known code cave, or a prior successful allocation for a sibling hook)
// can steer the search there instead.
func WithAllocatorAnchor(anchor uint64) Option {
	return func(h *Hook) { h.anchorOverride = &anchor }
}

// WithDisassembler overrides the default disasm.X86{} capability. Tests
// that synthesize a prologue in an ordinary byte slice typically don't
// need this — disasm.X86{} works over any readable memory — but it's
// here for callers that want to inject a fake for unit testing the core
// without touching real executable memory at all.
func WithDisassembler(d disasm.Disassembler) Option {
	return func(h *Hook) { h.disasm = d }
}

// Hook is the stateful façade binding a target function, a callback, and
// a caller-owned trampoline out-slot together. hook() and unhook() are
// not reentrant and must not be called concurrently on the same Hook;
// independent Hooks on disjoint targets may be operated on concurrently.
type Hook struct {
	target   uint64
	callback uint64
	out      *TrampolineAddr

	disasm         disasm.Disassembler
	followDepth    int
	allocator      *compile.MMapAllocator
	jumpForm       JumpFormPreference
	anchorOverride *uint64

	hooked      bool
	origAddr    uint64
	origBytes   []byte
	roundProlSz uint64
	trampoline  *compile.Buffer
}

// NewHook constructs a detached Hook. target and callback must already
// be addresses of executable code resident in this process; out
// receives the trampoline address on a successful Hook and is cleared
// back to zero on Unhook.
func NewHook(target, callback uint64, out *TrampolineAddr, opts ...Option) *Hook {
	h := &Hook{
		target:      target,
		callback:    callback,
		out:         out,
		disasm:      disasm.X86{},
		followDepth: defaultFollowDepth,
		allocator:   &compile.MMapAllocator{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hooked reports whether this Hook currently has its detour installed.
func (h *Hook) Hooked() bool { return h.hooked }

// TargetAddr is the address the detour was ultimately installed over —
// the result of following any pre-existing jumps/thunks at target, not
// necessarily target itself. Zero until a successful Hook.
func (h *Hook) TargetAddr() uint64 { return h.origAddr }

// Hook disassembles the target, walks through any already-installed
// jump or thunk at its entry, selects and widens the prologue window,
// allocates and populates a trampoline, and finally patches the target
// with the outbound jump to callback. On any failure prior to the
// target write, no target memory is touched and the error identifies
// which step failed.
func (h *Hook) Hook() error {
	if h.hooked {
		return fmt.Errorf("detour: hook already installed")
	}

	full, err := h.disasm.Disassemble(h.target, readCode(h.target, maxScanWindow))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPrologueTooShort, err)
	}

	resolvedAddr, full, err := followJmp(h.target, full, h.disasm, h.followDepth)
	if err != nil {
		return err
	}
	logger.Printf("target %#x resolved to %#x", h.target, resolvedAddr)

	prologue, roundSz, buf, form, err := h.prepare(resolvedAddr, full)
	if err != nil {
		return err
	}

	origBytes := append([]byte(nil), readCode(resolvedAddr, int(roundSz))...)

	plan, err := buildRelocationList(prologue, resolvedAddr, uint64(buf.Addr()))
	if err != nil {
		buf.Free()
		return err
	}

	trampolineInsts, err := relocateTrampoline(plan, resolvedAddr, uint64(buf.Addr()), roundSz, instruction.MakeAgnosticJump)
	if err != nil {
		buf.Free()
		return err
	}

	body := instruction.Bytes(trampolineInsts)
	if len(body) > len(buf.Bytes()) {
		buf.Free()
		return fmt.Errorf("%w: trampoline needs %d bytes, only %d allocated", ErrAllocationFailed, len(body), len(buf.Bytes()))
	}
	copy(buf.Bytes(), body)

	var holderAddr uint64
	if form == formMinimum {
		holderAddr = uint64(buf.Addr()) + uint64(len(body))
		if int(holderAddr-uint64(buf.Addr()))+instruction.HolderSize > len(buf.Bytes()) {
			buf.Free()
			return fmt.Errorf("%w: no room reserved for indirect holder", ErrAllocationFailed)
		}
		binary.LittleEndian.PutUint64(buf.Bytes()[len(body):len(body)+instruction.HolderSize], h.callback)
	}

	if err := buf.Finalize(); err != nil {
		buf.Free()
		return fmt.Errorf("%w: %v", ErrProtectionFailed, err)
	}

	outbound, err := makeOutbound(form, resolvedAddr, h.callback, holderAddr)
	if err != nil {
		buf.Free()
		return fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	outboundBytes := instruction.Bytes(outbound)
	if uint64(len(outboundBytes)) > roundSz {
		buf.Free()
		return fmt.Errorf("%w: outbound jump is %d bytes, window is only %d", ErrWriteFailed, len(outboundBytes), roundSz)
	}

	if err := writeOutbound(resolvedAddr, roundSz, outboundBytes, origBytes); err != nil {
		buf.Free()
		return err
	}

	h.origAddr = resolvedAddr
	h.origBytes = origBytes
	h.roundProlSz = roundSz
	h.trampoline = buf
	h.hooked = true
	*h.out = TrampolineAddr(buf.Addr())
	return nil
}

// Unhook writes the saved original bytes back over the target, releases
// the trampoline, and clears the caller's out-slot. It is a no-op error
// (ErrNotHooked) if the hook was never installed or was already removed.
func (h *Hook) Unhook() error {
	if !h.hooked {
		return ErrNotHooked
	}

	prot, err := memprotect.New(uintptr(h.origAddr), uintptr(h.roundProlSz), memprotect.R|memprotect.W|memprotect.X)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtectionFailed, err)
	}
	copy(readCode(h.origAddr, int(h.roundProlSz)), h.origBytes)
	if err := prot.Release(); err != nil {
		return fmt.Errorf("%w: %v", ErrProtectionFailed, err)
	}

	if err := h.trampoline.Free(); err != nil {
		logger.Printf("trampoline free at %#x failed: %v", h.trampoline.Addr(), err)
	}

	*h.out = 0
	h.hooked = false
	h.trampoline = nil
	h.origBytes = nil
	return nil
}

// prepare picks the prologue window, the outbound jump form, and the
// trampoline allocation together, cheapest form first:
//
//  1. formNear (5 bytes) needs no trampoline placement at all, just
//     target and callback being within ±2GiB of each other — common for
//     same-binary hooks, never true for far-apart shared objects.
//  2. formMinimum (6 bytes + holder) needs the trampoline itself placed
//     within ±2GiB of the target, tried via NearAllocator.
//  3. formPreferred (16 bytes) always works, at the cost of widening the
//     overwrite window to 16 bytes of original prologue.
func (h *Hook) prepare(resolvedAddr uint64, full instruction.List) (instruction.List, uint64, *compile.Buffer, outboundForm, error) {
	if h.jumpForm != ForcePreferred {
		if fitsSigned(instruction.CalculateRelativeDisplacement(resolvedAddr, h.callback, instruction.NearJumpSize), 4) {
			if prologue, roundSz, err := expandProlSelfJmps(full, resolvedAddr, uint64(instruction.NearJumpSize)); err == nil {
				if buf, aerr := h.allocator.Alloc(estimateTrampolineSize(prologue, false)); aerr == nil {
					return prologue, roundSz, buf, formNear, nil
				}
			}
		}

		anchor := resolvedAddr
		if h.anchorOverride != nil {
			anchor = *h.anchorOverride
		}
		if prologue, roundSz, err := expandProlSelfJmps(full, resolvedAddr, uint64(instruction.MinJumpSize)); err == nil {
			if buf, nerr := (compile.NearAllocator{}).AllocNear(anchor, estimateTrampolineSize(prologue, true)); nerr == nil {
				return prologue, roundSz, buf, formMinimum, nil
			}
		}
	}

	prologue, roundSz, err := expandProlSelfJmps(full, resolvedAddr, uint64(instruction.PreferredJumpSize))
	if err != nil {
		return nil, 0, nil, 0, err
	}
	buf, err := h.allocator.Alloc(estimateTrampolineSize(prologue, false))
	if err != nil {
		return nil, 0, nil, 0, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	return prologue, roundSz, buf, formPreferred, nil
}

func makeOutbound(form outboundForm, addr, callback, holderAddr uint64) (instruction.List, error) {
	switch form {
	case formNear:
		return instruction.MakeX86NearJump(addr, callback)
	case formMinimum:
		return instruction.MakeX64MinimumJump(addr, callback, holderAddr)
	default:
		return instruction.MakeX64PreferredJump(addr, callback)
	}
}

// writeOutbound installs outbound over [addr, addr+roundSz) under a
// scoped write-enable, NOP-padding whatever's left of the window, and
// rolls back to origBytes if the bytes don't read back as written —
// this is the one place a failure is no longer cleanly recoverable by
// just returning, so a best-effort restoration is attempted first.
func writeOutbound(addr, roundSz uint64, outbound, origBytes []byte) error {
	prot, err := memprotect.New(uintptr(addr), uintptr(roundSz), memprotect.R|memprotect.W|memprotect.X)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtectionFailed, err)
	}
	defer prot.Release()

	dst := readCode(addr, int(roundSz))
	copy(dst, outbound)
	for i := len(outbound); i < len(dst); i++ {
		dst[i] = 0x90
	}

	if !bytes.Equal(dst[:len(outbound)], outbound) {
		copy(dst, origBytes)
		if !bytes.Equal(dst, origBytes) {
			logger.Printf("rollback at %#x failed: target bytes are in an undefined state", addr)
			return fmt.Errorf("%w: verification read-back mismatch, rollback also failed", ErrWriteFailed)
		}
		return fmt.Errorf("%w: verification read-back mismatch, rolled back", ErrWriteFailed)
	}
	return nil
}
