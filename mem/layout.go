// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mem implements the shared memory layout exchanged between the
// Non-secure host and the Trusted Applet: a control block followed by a ring
// of fixed size batch records.
//
// The layout is a binary contract with the applet, both sides must agree on
// it byte for byte:
//
//	0x00 head        next batch to be consumed (host, under lock)
//	0x04 tail        next free slot (producer, under lock)
//	0x08 lock        spinlock word, 0 when clear
//	0x0c data_count  unconsumed batches
//	0x10 buffer_size ring capacity in slots, read-only after init
//	0x18 batch[0] ... batch[buffer_size-1]
//
// All words are little-endian 32-bit values.
package mem

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	// ControlBlockSize is the size of the control block, including padding
	// to align the ring storage on 8 bytes.
	ControlBlockSize = 0x18

	// EntrySize is the size of a single batch entry, its content is only
	// interpreted by the Trusted Applet.
	EntrySize = 16

	// MaxBatchEntries is the number of entries each batch record can hold.
	MaxBatchEntries = 64

	// BatchSize is the size of a batch record in ring storage.
	BatchSize = 8 + MaxBatchEntries*EntrySize
)

// ErrBadLayout is returned when shared memory content does not describe a
// valid region, as it is written by an independently trusted party it is
// never assumed to be well formed.
var ErrBadLayout = errors.New("invalid shared memory layout")

// ControlBlock represents the head of the shared region. It must only be
// accessed through a pointer into shared memory.
type ControlBlock struct {
	head       uint32 // 0x00
	tail       uint32 // 0x04
	lock       uint32 // 0x08
	dataCount  uint32 // 0x0c
	bufferSize uint32 // 0x10
	_          uint32 // 0x14
}

// Head returns the index of the next batch to be consumed.
func (c *ControlBlock) Head() uint32 {
	return atomic.LoadUint32(&c.head)
}

// SetHead sets the index of the next batch to be consumed, only the host sets
// it while holding the lock.
func (c *ControlBlock) SetHead(head uint32) {
	atomic.StoreUint32(&c.head, head)
}

// Tail returns the index of the next free slot.
func (c *ControlBlock) Tail() uint32 {
	return atomic.LoadUint32(&c.tail)
}

// SetTail sets the index of the next free slot, only the producer sets it
// while holding the lock.
func (c *ControlBlock) SetTail(tail uint32) {
	atomic.StoreUint32(&c.tail, tail)
}

// Pending returns the number of unconsumed batches. Without the lock a
// positive value is only a hint, zero means the ring is empty.
func (c *ControlBlock) Pending() uint32 {
	return atomic.LoadUint32(&c.dataCount)
}

// IncPending increments the number of unconsumed batches.
func (c *ControlBlock) IncPending() uint32 {
	return atomic.AddUint32(&c.dataCount, 1)
}

// DecPending decrements the number of unconsumed batches.
func (c *ControlBlock) DecPending() uint32 {
	return atomic.AddUint32(&c.dataCount, ^uint32(0))
}

// BufferSize returns the ring capacity in slots. The value never changes
// after initialization and is read without atomicity.
func (c *ControlBlock) BufferSize() uint32 {
	return c.bufferSize
}

// init resets the control block of a newly created region, buffer_size is
// published last.
func (c *ControlBlock) init(slots uint32) {
	atomic.StoreUint32(&c.head, 0)
	atomic.StoreUint32(&c.tail, 0)
	atomic.StoreUint32(&c.lock, 0)
	atomic.StoreUint32(&c.dataCount, 0)
	atomic.StoreUint32(&c.bufferSize, slots)
}

// Entry represents an opaque batch entry.
type Entry [EntrySize]byte

// Batch represents a ring storage record.
type Batch struct {
	// Size is the number of valid entries.
	Size    uint64
	Entries [MaxBatchEntries]Entry
}

// Valid returns the valid entries of the batch, the size field is validated
// against the record capacity.
func (b *Batch) Valid() ([]Entry, error) {
	n := atomic.LoadUint64(&b.Size)

	if n > MaxBatchEntries {
		return nil, fmt.Errorf("%w, batch size %d exceeds %d entries", ErrBadLayout, n, MaxBatchEntries)
	}

	return b.Entries[:n], nil
}

// RegionSize returns the size of a region holding the given number of slots.
func RegionSize(slots uint32) int {
	return ControlBlockSize + int(slots)*BatchSize
}

// compile time layout checks
var (
	_ [ControlBlockSize - unsafe.Sizeof(ControlBlock{})]byte
	_ [unsafe.Sizeof(ControlBlock{}) - ControlBlockSize]byte
	_ [BatchSize - unsafe.Sizeof(Batch{})]byte
	_ [unsafe.Sizeof(Batch{}) - BatchSize]byte
)
