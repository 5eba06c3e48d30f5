// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memprotect provides a scoped capability for temporarily
// changing page protection over an address range, guaranteeing
// restoration on release.
package memprotect

// Flag is a page protection flag set.
type Flag int

// Flag bits compose with |. Unset is the distinguishing sentinel meaning
// "no change has been applied yet" — it is never a real protection and is
// distinct from None, so Release never confuses "protected nothing yet"
// with "protected to no access." Release skips a Protector whose recorded
// original protection is Unset. A zero-value Protector records None, not
// Unset; New is the way to obtain one.
const (
	None Flag = 0
	R    Flag = 1 << (iota - 1)
	W
	X
)

// Unset means "no change has been applied yet."
const Unset Flag = -1

func (f Flag) String() string {
	if f == Unset {
		return "UNSET"
	}
	s := ""
	if f&R != 0 {
		s += "R"
	}
	if f&W != 0 {
		s += "W"
	}
	if f&X != 0 {
		s += "X"
	}
	if s == "" {
		return "NONE"
	}
	return s
}

// Protector holds a page range at a given protection for as long as it is
// alive. Release restores whatever protection was observed at
// acquisition time. Nested protectors on overlapping ranges compose by
// stacking: the outermost Release is the one whose restoration the
// process actually observes, since each inner Release restores to what
// its own acquisition saw.
type Protector struct {
	addr     uintptr
	length   uintptr
	orig     Flag
	released bool
}

// Set changes protection over [addr, addr+length) to prot permanently,
// with no corresponding Protector to release it later. Used for one-way
// transitions like a freshly written trampoline going RW -> RX.
func Set(addr, length uintptr, prot Flag) error {
	_, err := protect(addr, length, prot)
	return err
}

// New acquires prot over [addr, addr+length), recording whatever
// protection was there before so Release can restore it.
func New(addr, length uintptr, prot Flag) (*Protector, error) {
	orig, err := protect(addr, length, prot)
	if err != nil {
		return nil, err
	}
	return &Protector{addr: addr, length: length, orig: orig}, nil
}

// OriginalProt is the protection observed at acquisition time.
func (p *Protector) OriginalProt() Flag { return p.orig }

// Release restores the original protection. It is idempotent and safe to
// call multiple times or defer unconditionally.
func (p *Protector) Release() error {
	if p.released || p.orig == Unset {
		return nil
	}
	p.released = true
	_, err := protect(p.addr, p.length, p.orig)
	return err
}
