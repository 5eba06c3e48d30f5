// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package detour

import "unsafe"

// readCode returns a view over n bytes of live memory starting at addr.
// The core never owns this memory: it only decodes it, and later writes
// into it under a memprotect.Protector. Every address the core is handed
// (a target, a callback, a followJmp destination) is assumed to already
// be mapped and readable; that assumption is the caller's to guarantee,
// same as passing any raw function pointer to code that will call it.
func readCode(addr uint64, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}

// addrOfBytes is the inverse of readCode, used by tests that synthesize
// a prologue in an ordinary Go byte slice and need its live address.
func addrOfBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
