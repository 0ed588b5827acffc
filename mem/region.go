// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region represents a shared memory region holding a control block and its
// ring storage.
type Region struct {
	// Path is the file backing the region, empty for views.
	Path string

	file  *os.File
	mem   []byte
	ctrl  *ControlBlock
	slots uint32
}

// MapFile maps size bytes of the file at path as shared memory, a size of 0
// maps the whole file.
func MapFile(path string, size int) (buf []byte, err error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)

	if err != nil {
		return
	}

	defer f.Close()

	return mapFile(f, size)
}

// Unmap releases memory obtained with MapFile.
func Unmap(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	return unix.Munmap(buf)
}

func mapFile(f *os.File, size int) (buf []byte, err error) {
	var st unix.Stat_t

	if err = unix.Fstat(int(f.Fd()), &st); err != nil {
		return nil, fmt.Errorf("could not stat %s, %v", f.Name(), err)
	}

	switch {
	case size == 0:
		size = int(st.Size)
	case int64(size) > st.Size:
		return nil, fmt.Errorf("%s is smaller than %d bytes", f.Name(), size)
	}

	if size == 0 {
		return nil, fmt.Errorf("%s is empty", f.Name())
	}

	if buf, err = unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED); err != nil {
		return nil, fmt.Errorf("could not map %s, %v", f.Name(), err)
	}

	return
}

// Attach maps the region backed by the file at path.
//
// With create set a new file is created holding the given number of slots
// and its control block is initialized, the call fails if the file already
// exists. Otherwise the region must have been initialized by its creator,
// slots is ignored and the geometry is read from the control block.
func Attach(path string, create bool, slots uint32) (r *Region, err error) {
	var f *os.File

	if create {
		if slots == 0 {
			return nil, fmt.Errorf("%w, buffer size must be positive", ErrBadLayout)
		}

		if f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600); err != nil {
			return
		}

		if err = unix.Ftruncate(int(f.Fd()), int64(RegionSize(slots))); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("could not resize %s, %v", path, err)
		}
	} else {
		if f, err = os.OpenFile(path, os.O_RDWR, 0); err != nil {
			return
		}
	}

	buf, err := mapFile(f, 0)

	if err != nil {
		f.Close()

		if create {
			os.Remove(path)
		}

		return
	}

	if create {
		(*ControlBlock)(unsafe.Pointer(&buf[0])).init(slots)
	}

	if r, err = View(buf); err != nil {
		unix.Munmap(buf)
		f.Close()

		if create {
			os.Remove(path)
		}

		return nil, err
	}

	r.Path = path
	r.file = f

	return
}

// View returns a region over memory that is already mapped, such as a buffer
// received from the peer. The control block geometry is validated against
// the buffer size.
func View(buf []byte) (*Region, error) {
	if len(buf) < ControlBlockSize {
		return nil, fmt.Errorf("%w, %d bytes cannot hold a control block", ErrBadLayout, len(buf))
	}

	if uintptr(unsafe.Pointer(&buf[0]))%8 != 0 {
		return nil, fmt.Errorf("%w, region is not 8 byte aligned", ErrBadLayout)
	}

	ctrl := (*ControlBlock)(unsafe.Pointer(&buf[0]))
	slots := ctrl.BufferSize()

	if slots == 0 {
		return nil, fmt.Errorf("%w, buffer size is zero", ErrBadLayout)
	}

	if uint64(len(buf)) < uint64(ControlBlockSize)+uint64(slots)*BatchSize {
		return nil, fmt.Errorf("%w, %d slots do not fit %d bytes", ErrBadLayout, slots, len(buf))
	}

	return &Region{
		mem:   buf,
		ctrl:  ctrl,
		slots: slots,
	}, nil
}

// Control returns the region control block, it is nil once the region is
// detached.
func (r *Region) Control() *ControlBlock {
	return r.ctrl
}

// Slots returns the ring capacity observed when the region was attached.
func (r *Region) Slots() uint32 {
	return r.slots
}

// Bytes returns the whole region memory.
func (r *Region) Bytes() []byte {
	return r.mem
}

// Size returns the region size in bytes.
func (r *Region) Size() int {
	return len(r.mem)
}

// Batch returns the batch record at the given slot.
func (r *Region) Batch(slot uint32) (*Batch, error) {
	if slot >= r.slots {
		return nil, fmt.Errorf("%w, slot %d out of range (%d slots)", ErrBadLayout, slot, r.slots)
	}

	return r.batch(slot), nil
}

func (r *Region) batch(slot uint32) *Batch {
	off := ControlBlockSize + int(slot)*BatchSize
	return (*Batch)(unsafe.Pointer(&r.mem[off]))
}

// Detach unmaps the region and closes its backing file, it can be called
// more than once. Views are only forgotten as their memory is owned by the
// caller.
func (r *Region) Detach() (err error) {
	if r == nil || r.mem == nil {
		return
	}

	if r.file != nil {
		err = unix.Munmap(r.mem)

		if e := r.file.Close(); err == nil {
			err = e
		}

		r.file = nil
	}

	r.mem = nil
	r.ctrl = nil
	r.slots = 0

	return
}

// Remove detaches the region and deletes its backing file, it is used by the
// region creator once both sides are done.
func (r *Region) Remove() error {
	path := r.Path

	if err := r.Detach(); err != nil {
		return err
	}

	if path == "" {
		return nil
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}
