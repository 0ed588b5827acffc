// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package applet

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/blake2b"

	"github.com/usbarmory/GoTEE-shmring/mem"
	"github.com/usbarmory/GoTEE-shmring/tee"
)

func newRegion(t *testing.T, slots uint32) *mem.Region {
	t.Helper()

	r, err := mem.Attach(filepath.Join(t.TempDir(), "ring"), true, slots)

	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	t.Cleanup(func() { r.Remove() })

	return r
}

func openRing(t *testing.T, r *mem.Region) Applet {
	t.Helper()

	ta := NewRing()
	p := &Params{{Type: tee.MemRefWhole, Buffer: r.Bytes()}}

	if err := ta.OpenSession(p); err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}

	t.Cleanup(ta.CloseSession)

	return ta
}

func enqueueParams(r *mem.Region) *Params {
	return &Params{{Type: tee.MemRefWhole, Buffer: r.Bytes()}}
}

func expectResult(t *testing.T, err error, want tee.Result) {
	t.Helper()

	res, origin := tee.ResultOf(err)

	if res != want {
		t.Fatalf("result = %v (%v), want %v", res, err, want)
	}

	if want != tee.Success && origin != tee.OriginTrustedApp {
		t.Fatalf("origin = %#x, want %#x", origin, tee.OriginTrustedApp)
	}
}

func TestRingConsumesHeadBatch(t *testing.T) {
	r := newRegion(t, 4)
	ta := openRing(t, r)

	var e0, e1, e2 mem.Entry

	e0[0], e1[0], e2[0] = 1, 2, 3

	r.Push([]mem.Entry{e0, e1}, 0, 0)
	r.Push([]mem.Entry{e2}, 0, 0)

	c := r.Control()

	for head := uint32(0); head < 2; head++ {
		c.TryLock()

		if err := ta.InvokeCommand(tee.CmdEnqueue, enqueueParams(r)); err != nil {
			t.Fatalf("ENQUEUE at head %d error = %v", head, err)
		}

		c.SetHead(head + 1)
		c.DecPending()
		c.Unlock()
	}

	p := &Params{{Type: tee.ValueInOut}}

	if err := ta.InvokeCommand(tee.CmdProcess, p); err != nil {
		t.Fatalf("PROCESS error = %v", err)
	}

	h, _ := blake2b.New256(nil)
	h.Write(e0[:])
	h.Write(e1[:])
	h.Write(e2[:])

	want := tee.Value{A: 2, B: binary.LittleEndian.Uint32(h.Sum(nil))}

	if p[0].Value != want {
		t.Fatalf("PROCESS value = %+v, want %+v", p[0].Value, want)
	}

	// digest restarts after each PROCESS
	if err := ta.InvokeCommand(tee.CmdProcess, p); err != nil || p[0].Value.A != 0 {
		t.Fatalf("second PROCESS = %+v, %v", p[0].Value, err)
	}
}

func TestRingRejectsUnlockedEnqueue(t *testing.T) {
	r := newRegion(t, 2)
	ta := openRing(t, r)

	r.Push(nil, 0, 0)

	expectResult(t, ta.InvokeCommand(tee.CmdEnqueue, enqueueParams(r)), tee.ErrorBadState)
}

func TestRingRejectsEmptyRing(t *testing.T) {
	r := newRegion(t, 2)
	ta := openRing(t, r)

	r.Control().TryLock()

	expectResult(t, ta.InvokeCommand(tee.CmdEnqueue, enqueueParams(r)), tee.ErrorNoData)
}

func TestRingValidatesSharedInput(t *testing.T) {
	r := newRegion(t, 2)
	ta := openRing(t, r)

	slot, _ := r.Push(nil, 0, 0)
	b, _ := r.Batch(slot)
	b.Size = mem.MaxBatchEntries + 1

	c := r.Control()
	c.TryLock()

	expectResult(t, ta.InvokeCommand(tee.CmdEnqueue, enqueueParams(r)), tee.ErrorBadFormat)

	b.Size = 0
	c.SetHead(7)

	expectResult(t, ta.InvokeCommand(tee.CmdEnqueue, enqueueParams(r)), tee.ErrorBadFormat)
}

func TestRingParameterChecks(t *testing.T) {
	r := newRegion(t, 2)
	ta := openRing(t, r)

	expectResult(t, ta.InvokeCommand(tee.CmdProcess, &Params{{Type: tee.ValueInput}}), tee.ErrorBadParameters)
	expectResult(t, ta.InvokeCommand(tee.CmdEnqueue, &Params{}), tee.ErrorBadParameters)
	expectResult(t, ta.InvokeCommand(tee.Command(9), &Params{}), tee.ErrorNotSupported)

	bad := NewRing()

	expectResult(t, bad.OpenSession(&Params{{Type: tee.MemRefWhole, Buffer: make([]byte, 8)}}), tee.ErrorBadFormat)
	expectResult(t, bad.InvokeCommand(tee.CmdProcess, &Params{{Type: tee.ValueInOut}}), tee.ErrorBadState)
}
