// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package drain implements the Non-secure consumer of the shared memory ring:
// every pending batch is handed to the Trusted Applet with one ENQUEUE
// invocation, in FIFO order, followed by a single PROCESS finalization.
package drain

import (
	"fmt"
	"log"
	"time"

	"github.com/usbarmory/GoTEE-shmring/mem"
	"github.com/usbarmory/GoTEE-shmring/tee"
)

// Invoker represents the session commands are invoked on.
type Invoker interface {
	InvokeCommand(cmd tee.Command, op *tee.Operation) error
}

// Observer is notified of every command invocation along with the ring head
// observed when it was issued.
type Observer interface {
	Invoked(cmd tee.Command, head uint32, err error)
}

// Loop represents the drain of a ring region towards a session.
type Loop struct {
	// Region is the attached ring
	Region *mem.Region
	// Session is the Trusted Applet session
	Session Invoker
	// Memory is the registration of Region with the TEE
	Memory *tee.SharedMemory

	// Retries and Interval bound the lock acquisition
	Retries  int
	Interval time.Duration

	// Observer, when set, is notified of invocations
	Observer Observer
}

// Report summarizes a drain run.
type Report struct {
	// State is the terminal state of the drain loop
	State State
	// Consumed is the number of batches handed to the applet
	Consumed int
	// Processed is set when PROCESS succeeded
	Processed bool
	// Value is the PROCESS output value
	Value tee.Value
	// Err is the error which ended the run, if any
	Err error
}

// Success reports whether the ring was drained and finalized.
func (r Report) Success() bool {
	return r.State == Done && r.Processed && r.Err == nil
}

func (l *Loop) observe(cmd tee.Command, head uint32, err error) {
	if l.Observer != nil {
		l.Observer.Invoked(cmd, head, err)
	}
}

func (l *Loop) enqueueOp() *tee.Operation {
	op := &tee.Operation{}
	op.Types[0] = tee.MemRefWhole
	op.Params[0].MemRef.Parent = l.Memory

	return op
}

// Drain consumes pending batches until the ring is empty or an error occurs.
// It returns the terminal state reached and the number of batches consumed.
//
// The control block lock is held from the locked emptiness check until the
// head is advanced, the applet reads the batch at head during ENQUEUE and
// relies on it. On any failure the lock is released and head is left
// untouched.
func (l *Loop) Drain() (state State, consumed int, err error) {
	var head uint32

	c := l.Region.Control()
	slots := l.Region.Slots()

	for state = CheckEmpty; !state.Terminal(); {
		switch state {
		case CheckEmpty:
			// unlocked hint, only a zero count is acted upon
			if c.Pending() == 0 {
				log.Printf("host no more data to process")
				state = Done
			} else {
				state = AcquireLock
			}
		case AcquireLock:
			if err = c.Lock(l.Retries, l.Interval); err != nil {
				log.Printf("host lock acquisition timeout")
				return TimeoutAbort, consumed, err
			}

			state = CheckEmptyLocked
		case CheckEmptyLocked:
			head = c.Head()
			tail := c.Tail()

			switch {
			case head >= slots || tail >= slots:
				c.Unlock()
				err = fmt.Errorf("%w, head:%d tail:%d size:%d", mem.ErrBadLayout, head, tail, slots)
				log.Printf("host %v", err)
				return LayoutAbort, consumed, err
			case head == tail:
				c.Unlock()
				log.Printf("host no data after lock acquisition")
				state = Done
			default:
				state = Invoke
			}
		case Invoke:
			if b, _ := l.Region.Batch(head); b != nil {
				log.Printf("host processing batch head:%d entries:%d", head, b.Size)
			}

			err = l.Session.InvokeCommand(tee.CmdEnqueue, l.enqueueOp())
			l.observe(tee.CmdEnqueue, head, err)

			if err != nil {
				c.Unlock()
				res, origin := tee.ResultOf(err)
				log.Printf("host enqueue failed: %#x (origin %#x)", uint32(res), uint32(origin))
				return InvokeFailedAbort, consumed, fmt.Errorf("enqueue failed, %w", err)
			}

			state = Advance
		case Advance:
			c.SetHead((head + 1) % slots)
			c.DecPending()
			c.Unlock()

			consumed++
			state = CheckEmpty
		}
	}

	return
}

// Finalize issues the PROCESS command and returns the value written back by
// the applet. It is never retried.
func (l *Loop) Finalize() (v tee.Value, err error) {
	op := &tee.Operation{}
	op.Types[0] = tee.ValueInOut

	log.Printf("host invoking %s", tee.CmdProcess)

	err = l.Session.InvokeCommand(tee.CmdProcess, op)
	l.observe(tee.CmdProcess, l.Region.Control().Head(), err)

	if err != nil {
		res, origin := tee.ResultOf(err)
		log.Printf("host process failed: %#x (origin %#x)", uint32(res), uint32(origin))
		return v, fmt.Errorf("process failed, %w", err)
	}

	return op.Params[0].Value, nil
}

// Run drains the ring and, once it is empty, finalizes the consumed batches.
// Finalization is skipped when the drain aborts.
func (l *Loop) Run() (r Report) {
	r.State, r.Consumed, r.Err = l.Drain()

	if r.State != Done {
		return
	}

	if r.Value, r.Err = l.Finalize(); r.Err == nil {
		r.Processed = true
	}

	log.Printf("host drained %d batches, state:%s processed:%v", r.Consumed, r.State, r.Processed)

	return
}
