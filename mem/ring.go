// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

import (
	"errors"
	"fmt"
	"time"
)

// ErrDetached is returned when a detached region is used.
var ErrDetached = errors.New("region is detached")

// ErrFull is returned when the ring has no free slot. One slot is always kept
// free so that head == tail only ever means empty.
var ErrFull = errors.New("ring is full")

// Push appends a batch at the ring tail, it is the producer side of the
// protocol and holds the control block lock for the whole update.
func (r *Region) Push(entries []Entry, retries int, interval time.Duration) (slot uint32, err error) {
	if len(entries) > MaxBatchEntries {
		return 0, fmt.Errorf("batch of %d entries exceeds %d", len(entries), MaxBatchEntries)
	}

	c := r.ctrl

	if c == nil {
		return 0, ErrDetached
	}

	if err = c.Lock(retries, interval); err != nil {
		return
	}

	defer c.Unlock()

	head := c.Head()
	tail := c.Tail()

	if head >= r.slots || tail >= r.slots {
		return 0, fmt.Errorf("%w, head:%d tail:%d size:%d", ErrBadLayout, head, tail, r.slots)
	}

	next := (tail + 1) % r.slots

	if next == head {
		return 0, ErrFull
	}

	b := r.batch(tail)
	copy(b.Entries[:], entries)
	b.Size = uint64(len(entries))

	c.SetTail(next)
	c.IncPending()

	return tail, nil
}

// Free returns the number of batches that can still be pushed.
func (r *Region) Free() uint32 {
	if r.ctrl == nil {
		return 0
	}

	head := r.ctrl.Head()
	tail := r.ctrl.Tail()

	return r.slots - 1 - (tail+r.slots-head)%r.slots
}
