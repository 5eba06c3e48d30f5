// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package callthunk holds the one piece of assembly this module needs:
// a way to actually invoke a raw machine-code address — a hooked
// target, a callback, or a published trampoline — as an ordinary call,
// so tests can observe real execution instead of only inspecting bytes.
// hook.go's own TrampolineAddr doc comment already anticipates this:
// turning a trampoline address into something callable needs "a small
// asm stub matching the target's calling convention," left to the
// caller for production use; this package is that stub, scoped to this
// repo's own tests.
package callthunk

// Call invokes the zero-argument function at addr and returns whatever
// it left in rax. addr must already be mapped executable; the callee
// must take no arguments, take no stack space of its own beyond what it
// cleans up before ret, and return a single 8-byte value in rax — which
// is exactly the shape of a raw jump-table/trampoline entry point, and
// of the raw machine-code functions hook_test.go calls through it.
func Call(addr uintptr) uintptr
