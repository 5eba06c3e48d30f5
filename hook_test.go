// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux && amd64

package detour

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"

	"github.com/golang-detours/detour/instruction"
	"github.com/golang-detours/detour/internal/callthunk"
	"github.com/golang-detours/detour/internal/effect"
	"golang.org/x/sys/unix"
)

// movRaxImm64Ret builds `mov rax, imm64; ret` (11 bytes): a minimal
// call-safe function (it never touches the stack) that returns a
// caller-chosen marker in rax, so a call-through test can tell target
// code, callback code, and trampoline-relocated code apart by their
// return value alone.
func movRaxImm64Ret(marker uint64) []byte {
	b := make([]byte, 11)
	b[0], b[1] = 0x48, 0xB8 // REX.W + B8 (mov rax, imm64)
	binary.LittleEndian.PutUint64(b[2:10], marker)
	b[10] = 0xC3 // ret
	return b
}

// callThenMovRaxImm64Ret builds `mov rax, imm64(fn); call rax; mov rax,
// imm64(marker); ret` (23 bytes): a raw-machine-code callback that calls
// back into a real Go function (by its entry PC) before returning its
// own marker, so a test can observe both "the callback ran" (via the Go
// side effect) and "the callback's return value reached the caller"
// (via the marker) from a single call-through.
func callThenMovRaxImm64Ret(fn uintptr, marker uint64) []byte {
	b := make([]byte, 23)
	b[0], b[1] = 0x48, 0xB8
	binary.LittleEndian.PutUint64(b[2:10], uint64(fn))
	b[10], b[11] = 0xFF, 0xD0 // call rax
	b[12], b[13] = 0x48, 0xB8
	binary.LittleEndian.PutUint64(b[14:22], marker)
	b[22] = 0xC3 // ret
	return b
}

// newExecPage mmaps a fresh RWX page, fills it with NOPs, writes code at
// its start, and returns its live address. disasm.X86{} needs the whole
// maxScanWindow to decode cleanly, and 0x90 (nop) decodes as a harmless
// single-byte instruction no matter how many repeat, so padding the rest
// of the page with it keeps Disassemble from ever hitting a decode error
// past the bytes the test actually cares about.
func newExecPage(t *testing.T, code []byte) uint64 {
	t.Helper()
	pageSize := unix.Getpagesize()
	mem, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(mem) })

	for i := range mem {
		mem[i] = 0x90
	}
	copy(mem, code)
	return addrOfBytes(mem)
}

func TestHookStraightLineInstallAndRestore(t *testing.T) {
	const markerTarget = uint64(0x1111111122222222)
	const markerCallback = uint64(0x3333333344444444)

	target := newExecPage(t, movRaxImm64Ret(markerTarget))
	callback := newExecPage(t, movRaxImm64Ret(markerCallback))

	before := append([]byte(nil), readCode(target, 16)...)

	if got := callthunk.Call(uintptr(target)); got != uintptr(markerTarget) {
		t.Fatalf("pre-hook call-through = %#x, want %#x", got, markerTarget)
	}

	var tramp TrampolineAddr
	h := NewHook(target, callback, &tramp)
	if err := h.Hook(); err != nil {
		t.Fatalf("Hook() = %v", err)
	}
	if !h.Hooked() {
		t.Fatal("Hooked() = false after a successful Hook()")
	}
	if tramp == 0 {
		t.Fatal("trampoline out-slot was never published")
	}

	after := readCode(target, 16)
	if bytes.Equal(before, after) {
		t.Fatal("target bytes unchanged after Hook()")
	}

	if got := callthunk.Call(uintptr(target)); got != uintptr(markerCallback) {
		t.Fatalf("hooked call-through = %#x, want %#x (callback's marker)", got, markerCallback)
	}
	if got := callthunk.Call(uintptr(tramp)); got != uintptr(markerTarget) {
		t.Fatalf("trampoline call-through = %#x, want %#x (original target's marker)", got, markerTarget)
	}

	if err := h.Unhook(); err != nil {
		t.Fatalf("Unhook() = %v", err)
	}
	if h.Hooked() {
		t.Fatal("Hooked() = true after Unhook()")
	}
	if tramp != 0 {
		t.Fatal("out-slot not cleared by Unhook()")
	}
	if restored := readCode(target, 16); !bytes.Equal(restored, before) {
		t.Fatalf("bytes after Unhook() = % x, want % x (byte-exact restore)", restored, before)
	}
	if got := callthunk.Call(uintptr(target)); got != uintptr(markerTarget) {
		t.Fatalf("post-unhook call-through = %#x, want %#x", got, markerTarget)
	}
}

// testEffects backs TestHookCallbackEffectTracked: the raw machine-code
// callback can't hold a Go closure, so it calls triggerActiveEffect by
// its bare entry PC, and the test pushes/pops around that call to prove
// the callback actually executed (not just that the jump landed).
var testEffects effect.Tracker
var activeEffect *effect.Effect

func triggerActiveEffect() {
	if activeEffect != nil {
		activeEffect.Trigger()
	}
}

func TestHookCallbackEffectTracked(t *testing.T) {
	const markerTarget = uint64(0x5555555566666666)
	const markerCallback = uint64(0x7777777788888888)

	fn := reflect.ValueOf(triggerActiveEffect).Pointer()
	target := newExecPage(t, movRaxImm64Ret(markerTarget))
	callback := newExecPage(t, callThenMovRaxImm64Ret(uintptr(fn), markerCallback))

	activeEffect = testEffects.Push()
	defer func() { testEffects.Pop(); activeEffect = nil }()

	var tramp TrampolineAddr
	h := NewHook(target, callback, &tramp)
	if err := h.Hook(); err != nil {
		t.Fatalf("Hook() = %v", err)
	}
	defer h.Unhook()

	if got := callthunk.Call(uintptr(target)); got != uintptr(markerCallback) {
		t.Fatalf("call-through = %#x, want %#x", got, markerCallback)
	}
	if !activeEffect.DidExecute() {
		t.Fatal("callback's indirect jump landed but never triggered the effect tracker")
	}
}

func TestHookSelfJmpForwardExpandsWindow(t *testing.T) {
	code := make([]byte, 32)
	for i := range code {
		code[i] = 0x90
	}
	code[0] = 0x57             // push rdi
	code[1], code[2] = 0x74, 0 // je placeholder, patched below
	code[31] = 0xC3

	// je at offset 1 (size 2): destination = addr+1+2+disp. Aim 14 bytes
	// past the entry so a minimal (5/6-byte) window doesn't initially
	// include it and expandProlSelfJmps has to pull it in.
	const jeOffset = 1
	const wantPastEntry = 14
	disp := int8(wantPastEntry - jeOffset - 2)
	code[2] = byte(disp)

	target := newExecPage(t, code)
	callback := newExecPage(t, []byte{0xC3})
	jeDest := target + jeOffset + 2 + uint64(int64(disp))

	var tramp TrampolineAddr
	h := NewHook(target, callback, &tramp)
	if err := h.Hook(); err != nil {
		t.Fatalf("Hook() = %v", err)
	}
	defer h.Unhook()

	if jeDest < h.origAddr || jeDest >= h.origAddr+h.roundProlSz {
		t.Fatalf("je target %#x not covered by expanded window [%#x, %#x)", jeDest, h.origAddr, h.origAddr+h.roundProlSz)
	}
}

func TestHookSelfJmpBackwardExternalBranchExpandsWindow(t *testing.T) {
	code := make([]byte, 48)
	for i := range code {
		code[i] = 0x90
	}
	code[0] = 0x57                                 // push rdi
	copy(code[1:], []byte{0x48, 0x83, 0xEC, 0x30}) // sub rsp, 0x30
	const jeOffset = 20
	code[jeOffset] = 0x74
	// je back to offset 2 (inside the initial minimal window).
	disp := int8(2 - jeOffset - 2)
	code[jeOffset+1] = byte(disp)
	code[47] = 0xC3

	target := newExecPage(t, code)
	callback := newExecPage(t, []byte{0xC3})

	var tramp TrampolineAddr
	h := NewHook(target, callback, &tramp)
	if err := h.Hook(); err != nil {
		t.Fatalf("Hook() = %v", err)
	}
	defer h.Unhook()

	jeAddr := target + jeOffset
	if jeAddr < h.origAddr || jeAddr >= h.origAddr+h.roundProlSz {
		t.Fatalf("external je at %#x not pulled into expanded window [%#x, %#x)", jeAddr, h.origAddr, h.origAddr+h.roundProlSz)
	}
}

func TestDoubleHookTransparency(t *testing.T) {
	target := newExecPage(t, []byte{0x57, 0xB8, 0x01, 0x00, 0x00, 0x00, 0xC3})
	callback1 := newExecPage(t, []byte{0xC3})
	callback2 := newExecPage(t, []byte{0xC3})

	var tramp1 TrampolineAddr
	h1 := NewHook(target, callback1, &tramp1)
	if err := h1.Hook(); err != nil {
		t.Fatalf("first Hook() = %v", err)
	}
	defer h1.Unhook()

	var tramp2 TrampolineAddr
	h2 := NewHook(target, callback2, &tramp2)
	if err := h2.Hook(); err != nil {
		t.Fatalf("second Hook() = %v", err)
	}
	defer h2.Unhook()

	if h2.TargetAddr() != h1.TargetAddr() {
		t.Fatalf("second hook resolved to %#x, want followJmp to land on the same original prologue at %#x", h2.TargetAddr(), h1.TargetAddr())
	}
}

func TestHookRejectsDoubleInstall(t *testing.T) {
	target := newExecPage(t, []byte{0x57, 0xB8, 0x01, 0x00, 0x00, 0x00, 0xC3})
	callback := newExecPage(t, []byte{0xC3})

	var tramp TrampolineAddr
	h := NewHook(target, callback, &tramp)
	if err := h.Hook(); err != nil {
		t.Fatalf("Hook() = %v", err)
	}
	defer h.Unhook()

	if err := h.Hook(); err == nil {
		t.Fatal("second Hook() on an already-hooked instance succeeded, want error")
	}
}

func TestUnhookWithoutHookReturnsError(t *testing.T) {
	var tramp TrampolineAddr
	h := NewHook(0x1000, 0x2000, &tramp)
	if err := h.Unhook(); err == nil {
		t.Fatal("Unhook() on a never-hooked instance succeeded, want ErrNotHooked")
	}
}

func TestWithJumpFormPreferenceForcesPreferred(t *testing.T) {
	const markerTarget = uint64(0x9999999900000000)
	const markerCallback = uint64(0x9999999911111111)

	target := newExecPage(t, movRaxImm64Ret(markerTarget))
	callback := newExecPage(t, movRaxImm64Ret(markerCallback))

	var tramp TrampolineAddr
	h := NewHook(target, callback, &tramp, WithJumpFormPreference(ForcePreferred))
	if err := h.Hook(); err != nil {
		t.Fatalf("Hook() = %v", err)
	}
	defer h.Unhook()

	if h.roundProlSz < uint64(instruction.PreferredJumpSize) {
		t.Fatalf("roundProlSz = %d, want >= %d (ForcePreferred should widen to the preferred form's window)", h.roundProlSz, instruction.PreferredJumpSize)
	}
	if got := callthunk.Call(uintptr(target)); got != uintptr(markerCallback) {
		t.Fatalf("call-through = %#x, want %#x", got, markerCallback)
	}
}

func TestWithAllocatorAnchorStillHooks(t *testing.T) {
	// Whichever form prepare() actually picks, passing an explicit
	// anchor must not break a hook that would otherwise succeed — this
	// exercises the option's plumbing into NearAllocator.AllocNear even
	// though it can't force formMinimum specifically from a test (that
	// depends on the runtime distance between two freshly mmap'd pages).
	target := newExecPage(t, movRaxImm64Ret(0x1212121212121212))
	callback := newExecPage(t, movRaxImm64Ret(0x3434343434343434))

	anchor := target
	var tramp TrampolineAddr
	h := NewHook(target, callback, &tramp, WithAllocatorAnchor(anchor))
	if err := h.Hook(); err != nil {
		t.Fatalf("Hook() = %v", err)
	}
	defer h.Unhook()

	if tramp == 0 {
		t.Fatal("trampoline out-slot was never published")
	}
}
