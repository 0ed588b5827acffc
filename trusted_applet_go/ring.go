// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package applet

import (
	"encoding/binary"
	"hash"
	"log"

	"golang.org/x/crypto/blake2b"

	"github.com/usbarmory/GoTEE-shmring/mem"
	"github.com/usbarmory/GoTEE-shmring/tee"
)

// RingUUID identifies the shared memory ring applet.
const RingUUID = "c3f6e2c0-4a3b-11e7-a919-92ebcb67fe33"

// Ring is the applet consuming batches from a shared memory ring.
//
// The ring region is passed as whole memory reference when the session is
// opened. Every ENQUEUE consumes the batch at the ring head, the head index is
// read from the control block whose lock must be held by the caller for the
// whole invocation. Consumed entries are folded into a BLAKE2b-256 digest
// which PROCESS reports and resets.
type Ring struct {
	region *mem.Region
	digest hash.Hash

	batches uint32
	entries uint64
}

// NewRing returns a new ring applet instance.
func NewRing() Applet {
	return &Ring{}
}

func (r *Ring) OpenSession(p *Params) (err error) {
	if err = p.Expect(tee.MemRefWhole, tee.None, tee.None, tee.None); err != nil {
		return
	}

	region, err := mem.View(p[0].Buffer)

	if err != nil {
		return Errorf(tee.ErrorBadFormat, "%v", err)
	}

	if r.digest, err = blake2b.New256(nil); err != nil {
		return Errorf(tee.ErrorGeneric, "could not initialize digest, %v", err)
	}

	r.region = region

	log.Printf("TA attached to shared memory %s", region.Status())

	return
}

func (r *Ring) InvokeCommand(cmd tee.Command, p *Params) error {
	if r.region == nil {
		return Errorf(tee.ErrorBadState, "session has no shared memory")
	}

	switch cmd {
	case tee.CmdEnqueue:
		return r.enqueue(p)
	case tee.CmdProcess:
		return r.process(p)
	default:
		return Errorf(tee.ErrorNotSupported, "unsupported command %s", cmd)
	}
}

func (r *Ring) CloseSession() {
	if r.region != nil {
		r.region.Detach()
		r.region = nil
	}
}

func (r *Ring) enqueue(p *Params) error {
	if err := p.Expect(tee.MemRefWhole, tee.None, tee.None, tee.None); err != nil {
		return err
	}

	c := r.region.Control()

	// the head index is only stable while the host holds the lock
	if !c.Locked() {
		return Errorf(tee.ErrorBadState, "control block is not locked")
	}

	head := c.Head()
	tail := c.Tail()
	slots := r.region.Slots()

	if head >= slots || tail >= slots {
		return Errorf(tee.ErrorBadFormat, "invalid indices head:%d tail:%d size:%d", head, tail, slots)
	}

	if head == tail {
		return Errorf(tee.ErrorNoData, "ring is empty")
	}

	b, err := r.region.Batch(head)

	if err != nil {
		return Errorf(tee.ErrorBadFormat, "%v", err)
	}

	entries, err := b.Valid()

	if err != nil {
		return Errorf(tee.ErrorBadFormat, "%v", err)
	}

	for i := range entries {
		r.digest.Write(entries[i][:])
	}

	r.batches++
	r.entries += uint64(len(entries))

	log.Printf("TA consumed batch head:%d entries:%d", head, len(entries))

	return nil
}

func (r *Ring) process(p *Params) error {
	if err := p.Expect(tee.ValueInOut, tee.None, tee.None, tee.None); err != nil {
		return err
	}

	sum := r.digest.Sum(nil)

	p[0].Value = tee.Value{
		A: r.batches,
		B: binary.LittleEndian.Uint32(sum),
	}

	log.Printf("TA processed batches:%d entries:%d digest:%x", r.batches, r.entries, sum)

	r.digest.Reset()
	r.batches = 0
	r.entries = 0

	return nil
}
