// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

import (
	"encoding/binary"
	"errors"
	"testing"
	"unsafe"
)

func TestControlBlockOffsets(t *testing.T) {
	var c ControlBlock

	for _, tc := range []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"head", unsafe.Offsetof(c.head), 0x00},
		{"tail", unsafe.Offsetof(c.tail), 0x04},
		{"lock", unsafe.Offsetof(c.lock), 0x08},
		{"data_count", unsafe.Offsetof(c.dataCount), 0x0c},
		{"buffer_size", unsafe.Offsetof(c.bufferSize), 0x10},
	} {
		if tc.got != tc.want {
			t.Errorf("%s offset = %#x, want %#x", tc.name, tc.got, tc.want)
		}
	}

	if n := unsafe.Sizeof(c); n != ControlBlockSize {
		t.Errorf("control block size = %d, want %d", n, ControlBlockSize)
	}

	var b Batch

	if off := unsafe.Offsetof(b.Entries); off != 8 {
		t.Errorf("entries offset = %d, want 8", off)
	}

	if n := unsafe.Sizeof(b); n != BatchSize {
		t.Errorf("batch size = %d, want %d", n, BatchSize)
	}
}

func TestControlBlockWireFormat(t *testing.T) {
	buf := make([]uint64, RegionSize(4)/8)
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), RegionSize(4))

	binary.LittleEndian.PutUint32(raw[0x00:], 3)
	binary.LittleEndian.PutUint32(raw[0x04:], 1)
	binary.LittleEndian.PutUint32(raw[0x0c:], 2)
	binary.LittleEndian.PutUint32(raw[0x10:], 4)

	r, err := View(raw)

	if err != nil {
		t.Fatalf("View() error = %v", err)
	}

	if got := r.Status(); got != (Status{Head: 3, Tail: 1, Pending: 2, Size: 4}) {
		t.Fatalf("Status() = %v", got)
	}

	r.Control().SetHead(0)

	if got := binary.LittleEndian.Uint32(raw[0x00:]); got != 0 {
		t.Fatalf("head word = %d after SetHead(0)", got)
	}

	binary.LittleEndian.PutUint64(raw[ControlBlockSize+BatchSize:], 5)

	b, err := r.Batch(1)

	if err != nil {
		t.Fatalf("Batch(1) error = %v", err)
	}

	if b.Size != 5 {
		t.Fatalf("Batch(1).Size = %d, want 5", b.Size)
	}
}

func TestBatchValid(t *testing.T) {
	var b Batch

	b.Size = 3

	entries, err := b.Valid()

	if err != nil || len(entries) != 3 {
		t.Fatalf("Valid() = %d entries, %v", len(entries), err)
	}

	b.Size = MaxBatchEntries + 1

	if _, err = b.Valid(); !errors.Is(err, ErrBadLayout) {
		t.Fatalf("Valid() error = %v, want ErrBadLayout", err)
	}
}

func TestViewRejectsMalformedRegions(t *testing.T) {
	aligned := func(n int) []byte {
		buf := make([]uint64, (n+7)/8)
		return unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), n)
	}

	zero := aligned(RegionSize(1))

	short := aligned(RegionSize(2))
	binary.LittleEndian.PutUint32(short[0x10:], 3)

	for name, buf := range map[string][]byte{
		"truncated control block": aligned(ControlBlockSize - 4),
		"zero buffer size":        zero,
		"geometry exceeds buffer": short,
		"misaligned":              aligned(RegionSize(1) + 8)[4:],
	} {
		if _, err := View(buf); !errors.Is(err, ErrBadLayout) {
			t.Errorf("%s: View() error = %v, want ErrBadLayout", name, err)
		}
	}
}
