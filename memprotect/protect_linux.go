// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package memprotect

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// protect changes protection over [addr, addr+length) to prot and
// returns whatever protection the range had before.
//
// mprotect(2) is page-granular; the source this package is modeled on
// protects a single page regardless of the requested length (a bug for
// multi-page spans, left as an open question in the design this follows).
// This implementation protects ceil(length/pageSize) pages instead, so a
// prologue window spanning a page boundary is never left partially
// unprotected.
func protect(addr, length uintptr, prot Flag) (Flag, error) {
	pageSize := uintptr(syscall.Getpagesize())
	base := addr &^ (pageSize - 1)
	end := (addr + length + pageSize - 1) &^ (pageSize - 1)
	spanLen := end - base

	orig, err := currentProtection(base, spanLen)
	if err != nil {
		return Unset, err
	}

	region := unsafe.Slice((*byte)(unsafe.Pointer(base)), spanLen)
	if err := unix.Mprotect(region, translate(prot)); err != nil {
		return Unset, fmt.Errorf("memprotect: mprotect %#x[%d]: %w", base, spanLen, err)
	}
	return orig, nil
}

func translate(f Flag) int {
	p := unix.PROT_NONE
	if f&R != 0 {
		p |= unix.PROT_READ
	}
	if f&W != 0 {
		p |= unix.PROT_WRITE
	}
	if f&X != 0 {
		p |= unix.PROT_EXEC
	}
	return p
}

// currentProtection looks up the protection bits the kernel currently has
// recorded for [base, base+length) by scanning /proc/self/maps. It
// assumes the whole span falls within one mapping, which holds for the
// prologue windows and trampoline buffers this package is used on.
func currentProtection(base, length uintptr) (Flag, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		// Fall back to a conservative RWX assumption rather than fail
		// the whole protect() call when /proc isn't mounted.
		return R | W | X, nil
	}
	defer f.Close()

	want := uint64(base)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		lo, err := strconv.ParseUint(bounds[0], 16, 64)
		if err != nil {
			continue
		}
		hi, err := strconv.ParseUint(bounds[1], 16, 64)
		if err != nil {
			continue
		}
		if want < lo || want >= hi {
			continue
		}
		perms := fields[1]
		var fl Flag
		if strings.Contains(perms, "r") {
			fl |= R
		}
		if strings.Contains(perms, "w") {
			fl |= W
		}
		if strings.Contains(perms, "x") {
			fl |= X
		}
		return fl, nil
	}
	return R | W | X, nil
}
