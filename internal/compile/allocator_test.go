// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compile

import (
	"bytes"
	"testing"
)

func TestMMapAllocatorBumpsWithinBlock(t *testing.T) {
	a := &MMapAllocator{}
	defer a.Close()

	buf, err := a.Alloc(4)
	if err != nil {
		t.Fatal(err)
	}
	copy(buf.Bytes(), []byte{1, 2, 3, 4})
	if want := uint32(8); a.last.consumed != want {
		t.Errorf("a.last.consumed = %d, want %d", a.last.consumed, want)
	}
	if want := uint32(minAllocSize - 8); a.last.remaining != want {
		t.Errorf("a.last.remaining = %d, want %d", a.last.remaining, want)
	}

	buf2, err := a.Alloc(4)
	if err != nil {
		t.Fatal(err)
	}
	copy(buf2.Bytes(), []byte{4, 3, 2, 1})
	if want := uint32(16); a.last.consumed != want {
		t.Errorf("a.last.consumed = %d, want %d", a.last.consumed, want)
	}
	if want := uint32(minAllocSize - 16); a.last.remaining != want {
		t.Errorf("a.last.remaining = %d, want %d", a.last.remaining, want)
	}

	if !bytes.Equal(buf.Bytes(), []byte{1, 2, 3, 4}) {
		t.Errorf("first allocation clobbered by second: got %v", buf.Bytes())
	}
}

func TestMMapAllocatorOversizeGetsNewBlock(t *testing.T) {
	a := &MMapAllocator{}
	defer a.Close()

	if _, err := a.Alloc(4); err != nil {
		t.Fatal(err)
	}
	firstBlock := a.last

	big := 36 * 1024
	buf, err := a.Alloc(big)
	if err != nil {
		t.Fatal(err)
	}
	if a.last == firstBlock {
		t.Fatal("oversize alloc did not start a new block")
	}
	if want := uint32(big); a.last.consumed != want {
		t.Errorf("a.last.consumed = %d, want %d", a.last.consumed, want)
	}
	if a.last.remaining != 0 {
		t.Errorf("a.last.remaining = %d, want 0", a.last.remaining)
	}
	buf.Bytes()[1] = 5
	if buf.Bytes()[1] != 5 {
		t.Fatal("write to oversize buffer did not stick")
	}
}

func TestBufferFinalizeMakesExecutable(t *testing.T) {
	a := &MMapAllocator{}
	defer a.Close()

	// ret
	buf, err := a.Alloc(1)
	if err != nil {
		t.Fatal(err)
	}
	buf.Bytes()[0] = 0xc3
	if err := buf.Finalize(); err != nil {
		t.Fatalf("Finalize() = %v", err)
	}
}

func TestCloseInvalidatesAllBlocks(t *testing.T) {
	a := &MMapAllocator{}
	if _, err := a.Alloc(4); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if len(a.blocks) != 0 || a.last != nil {
		t.Fatal("Close() did not clear allocator state")
	}
}
