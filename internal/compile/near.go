// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package compile

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// NearAllocator hands out standalone executable buffers placed within
// Reach of a caller-supplied anchor address. MMapAllocator's portable
// mmap-go blocks have no way to express an address hint, so the
// anchor-aware path drops to the raw mmap(2) syscall directly, the way
// the rest of the pack reaches for unix.Mmap once it needs control
// mmap-go doesn't expose (see other_examples' cc/internal/asm/amd64
// trampoline allocator for the same move). unix.Mmap itself always maps
// at addr NULL — its "offset" parameter is a file offset, not a
// placement hint — so getting a hint to the kernel means calling
// SYS_MMAP through unix.Syscall6 ourselves.
//
// A placement within Reach lets the caller prefer the 6-byte indirect
// jump form over the 16-byte register-transparent one; it's an
// optimization, never a requirement, so callers must still cope with
// AllocNear failing and falling back to MMapAllocator.
type NearAllocator struct{}

// attempts bounds how many candidate addresses AllocNear tries before
// giving up. Each attempt is cheap (a single mmap+munmap), and real
// address space exhaustion near a given anchor is rare enough that a
// handful of probes either lands or the anchor's neighbourhood is
// genuinely full.
const attempts = 64

// AllocNear returns a standalone RWX buffer of size bytes whose address
// is within Reach of anchor, or an error if no such placement could be
// found in the allotted probes. The kernel only ever treats addr as a
// hint (no MAP_FIXED here), so every candidate mapping is checked
// against the reach window after the fact and discarded if it landed
// outside it.
func (NearAllocator) AllocNear(anchor uint64, size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("compile: alloc size must be positive, got %d", size)
	}
	pageSize := uint64(syscall.Getpagesize())
	allocSize := (uint64(size) + pageSize - 1) &^ (pageSize - 1)

	low := uint64(0)
	if anchor > Reach {
		low = anchor - Reach
	}
	high := anchor + Reach

	step := allocSize
	if step == 0 {
		step = pageSize
	}

	for i := 0; i < attempts; i++ {
		var hint uint64
		if i%2 == 0 {
			hint = anchor + uint64(i/2)*step
		} else {
			offset := uint64(i/2+1) * step
			if offset > anchor {
				continue
			}
			hint = anchor - offset
		}

		addr, ok := rawMmapAnon(uintptr(hint), uintptr(allocSize))
		if !ok {
			continue
		}

		if uint64(addr) < low || uint64(addr) > high || uint64(addr)+allocSize > high {
			rawMunmap(addr, uintptr(allocSize))
			continue
		}

		mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), allocSize)
		return &Buffer{addr: addr, mem: mem[:size], rawMmap: mem}, nil
	}

	return nil, fmt.Errorf("compile: no placement within %#x of anchor %#x after %d attempts", Reach, anchor, attempts)
}

// rawMmapAnon maps length bytes RWX, anonymous and private, hinting addr
// as the placement the kernel should try first.
func rawMmapAnon(addr, length uintptr) (uintptr, bool) {
	got, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		length,
		uintptr(unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS),
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		return 0, false
	}
	return got, true
}

func rawMunmap(addr, length uintptr) {
	unix.Syscall(unix.SYS_MUNMAP, addr, length, 0)
}
