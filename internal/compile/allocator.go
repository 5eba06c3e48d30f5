// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package compile holds the executable-memory allocators the detour core
// consumes to get a trampoline buffer. The amd64 jump-stub builder lives
// in package instruction. It mirrors the teacher's exec/internal/compile package, which played
// the same "allocate executable memory, build machine code into it" role
// for a WebAssembly JIT backend.
package compile

import (
	"fmt"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"

	"github.com/golang-detours/detour/memprotect"
)

// minAllocSize is the size, in bytes, of each backing mmap'd block.
// Trampolines are tiny (a relocated prologue plus a handful of jump
// table entries), so one block comfortably serves many of them.
const minAllocSize = 32 * 1024

// allocationAlignment is the alignment every carved-out region gets
// within a block.
const allocationAlignment = 8

// Buffer is a block of memory a trampoline gets built into: mapped RWX,
// then read+execute only after Finalize.
type Buffer struct {
	addr    uintptr
	mem     []byte
	block   *mmapBlock // nil if independently allocated (NearAllocator)
	rawMmap []byte     // full backing mapping for a standalone (NearAllocator) buffer
}

// Addr is the address this buffer lives at.
func (b *Buffer) Addr() uintptr { return b.addr }

// Bytes is the writable view over the buffer, valid until Finalize.
func (b *Buffer) Bytes() []byte { return b.mem }

// Finalize drops write permission from the pages holding the buffer,
// leaving them RX. Both allocators map buffers RWX, so a buffer is
// executable before Finalize as well; Finalize only removes W. mmap-go
// has no "reprotect what I already mapped" operation, so this goes
// through memprotect directly.
func (b *Buffer) Finalize() error {
	return memprotect.Set(b.addr, uintptr(len(b.mem)), memprotect.R|memprotect.X)
}

// Free releases the memory backing this buffer. For block-allocated
// buffers this is a no-op: the block is freed as a whole when the
// MMapAllocator that owns it is closed, since bump-allocated regions
// can't be independently unmapped.
func (b *Buffer) Free() error {
	if b.rawMmap != nil {
		return unix.Munmap(b.rawMmap)
	}
	return nil
}

type mmapBlock struct {
	mapping   mmap.MMap
	consumed  uint32
	remaining uint32
}

// MMapAllocator is a bump allocator over anonymous RWX mmap'd blocks.
// Its contract (block size, alignment, consumed/remaining bookkeeping)
// is grounded on the teacher's allocator_test.go, the only surviving
// witness of exec/internal/compile's allocator.go in the retrieved
// source tree.
type MMapAllocator struct {
	blocks []*mmapBlock
	last   *mmapBlock
}

// Alloc carves size bytes, 8-byte aligned, out of the current block,
// allocating a fresh minAllocSize (or larger, if size itself exceeds it)
// block when there isn't enough room left.
func (a *MMapAllocator) Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("compile: alloc size must be positive, got %d", size)
	}
	aligned := alignUp(uint32(size), allocationAlignment)

	if a.last == nil || uint32(aligned) > a.last.remaining {
		blockSize := minAllocSize
		if aligned > blockSize {
			blockSize = int(aligned)
		}
		block, err := newBlock(blockSize)
		if err != nil {
			return nil, err
		}
		a.blocks = append(a.blocks, block)
		a.last = block
	}

	start := a.last.consumed
	a.last.consumed += aligned
	a.last.remaining -= aligned

	return &Buffer{
		addr:  addrOf(a.last.mapping) + uintptr(start),
		mem:   a.last.mapping[start : start+aligned],
		block: a.last,
	}, nil
}

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Close unmaps every block this allocator has ever handed out memory
// from. It invalidates every Buffer previously returned by Alloc.
func (a *MMapAllocator) Close() error {
	var firstErr error
	for _, b := range a.blocks {
		if err := b.mapping.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.blocks = nil
	a.last = nil
	return firstErr
}

func newBlock(size int) (*mmapBlock, error) {
	m, err := mmap.MapRegion(nil, size, mmap.RDWR|mmap.EXEC, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("compile: mmap %d bytes: %w", size, err)
	}
	return &mmapBlock{mapping: m, remaining: uint32(size)}, nil
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

// Reach is the maximum distance AllocNear should accept between the
// anchor and the returned buffer for the minimum (6-byte indirect) jump
// form to still be usable.
const Reach = 1<<31 - 1
