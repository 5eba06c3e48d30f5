// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package effect provides a tiny stack used only by this repo's own
// hook/unhook tests to prove that a relocated prologue still runs:
// the test pushes an Effect before calling the hooked function, the
// hooked body (or a side of a branch it can reach) triggers it, and
// the test pops it back off and checks it fired. Ported from the
// EffectTracker test fixture PolyHook_2_0's detour tests drive the
// same hookMe1-4 scenarios through (TestDetourx64.cpp references
// headers/Tests/TestEffectTracker.hpp, which wasn't part of the
// retrieved source, so this is rebuilt from its call sites: PushEffect,
// PeakEffect().trigger(), PopEffect().didExecute()).
package effect

// Effect is a single flag a relocated code path can trigger to prove
// it actually ran.
type Effect struct {
	triggered bool
}

// Trigger marks this effect as having executed. Safe to call from
// inside a hooked or trampolined function body.
func (e *Effect) Trigger() { e.triggered = true }

// DidExecute reports whether Trigger was ever called.
func (e *Effect) DidExecute() bool { return e.triggered }

// Tracker is a stack of Effects, letting nested or sequential test
// scenarios each get their own flag without naming one per scenario.
type Tracker struct {
	stack []*Effect
}

// Push starts tracking a new Effect, placing it on top of the stack.
func (t *Tracker) Push() *Effect {
	e := &Effect{}
	t.stack = append(t.stack, e)
	return e
}

// Peak returns the Effect on top of the stack without removing it.
// Panics if the stack is empty, same as indexing past the end of a
// slice would — callers are expected to Push before Peak/Pop.
func (t *Tracker) Peak() *Effect {
	return t.stack[len(t.stack)-1]
}

// Pop removes and returns the Effect on top of the stack.
func (t *Tracker) Pop() *Effect {
	e := t.Peak()
	t.stack = t.stack[:len(t.stack)-1]
	return e
}
