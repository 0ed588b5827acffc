// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Status represents a snapshot of the control block, taken without the lock.
type Status struct {
	Head    uint32
	Tail    uint32
	Pending uint32
	Size    uint32
	Locked  bool
}

func (s Status) String() string {
	return fmt.Sprintf("head:%d tail:%d pending:%d size:%d locked:%v", s.Head, s.Tail, s.Pending, s.Size, s.Locked)
}

// Status returns a snapshot of the control block, a detached region reports
// a zero value.
func (r *Region) Status() Status {
	if r.ctrl == nil {
		return Status{}
	}

	return Status{
		Head:    r.ctrl.Head(),
		Tail:    r.ctrl.Tail(),
		Pending: r.ctrl.Pending(),
		Size:    r.ctrl.BufferSize(),
		Locked:  r.ctrl.Locked(),
	}
}

// Word reads one 32-bit word from the region at the given offset.
func (r *Region) Word(off int) (uint32, error) {
	if off%4 != 0 {
		return 0, fmt.Errorf("offset %#x is not 32-bit aligned", off)
	}

	if off < 0 || off+4 > len(r.mem) {
		return 0, fmt.Errorf("offset %#x out of range", off)
	}

	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.mem[off]))), nil
}

// Peek returns a copy of size bytes of the region starting at the given
// offset.
func (r *Region) Peek(off int, size int) ([]byte, error) {
	if off < 0 || size < 0 || off+size > len(r.mem) {
		return nil, fmt.Errorf("range %#x+%d exceeds region size %d", off, size, len(r.mem))
	}

	b := make([]byte, size)
	copy(b, r.mem[off:off+size])

	return b, nil
}
