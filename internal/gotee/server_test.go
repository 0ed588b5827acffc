// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package gotee

import (
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/usbarmory/GoTEE-shmring/mem"
	"github.com/usbarmory/GoTEE-shmring/tee"
	"github.com/usbarmory/GoTEE-shmring/trusted_applet_go"
)

func connect(t *testing.T) (*tee.Context, *Server) {
	t.Helper()

	uuid, err := tee.ParseUUID(applet.RingUUID)

	if err != nil {
		t.Fatal(err)
	}

	srv := &Server{}
	srv.Install(uuid, applet.NewRing)

	client, server := net.Pipe()
	done := make(chan struct{})

	go func() {
		srv.ServeConn(server)
		close(done)
	}()

	ctx := tee.NewContext(client)

	t.Cleanup(func() {
		ctx.Finalize()
		<-done
	})

	return ctx, srv
}

func setup(t *testing.T, slots uint32) (*mem.Region, *tee.SharedMemory) {
	t.Helper()

	r, err := mem.Attach(filepath.Join(t.TempDir(), "ring"), true, slots)

	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	t.Cleanup(func() { r.Remove() })

	shm := &tee.SharedMemory{
		Buffer: r.Bytes(),
		Flags:  tee.MemInput | tee.MemOutput,
		Path:   r.Path,
	}

	return r, shm
}

func whole(shm *tee.SharedMemory) *tee.Operation {
	op := &tee.Operation{}
	op.Types[0] = tee.MemRefWhole
	op.Params[0].MemRef.Parent = shm

	return op
}

func TestSessionLifecycle(t *testing.T) {
	ctx, srv := connect(t)
	r, shm := setup(t, 4)

	var e mem.Entry
	e[0] = 0xaa

	r.Push([]mem.Entry{e}, 0, 0)

	if err := ctx.RegisterSharedMemory(shm); err != nil {
		t.Fatalf("RegisterSharedMemory() error = %v", err)
	}

	if shm.Size != uint32(r.Size()) {
		t.Fatalf("registered size = %d, want %d", shm.Size, r.Size())
	}

	uuid, _ := tee.ParseUUID(applet.RingUUID)
	s, err := ctx.OpenSession(uuid, whole(shm))

	if err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}

	c := r.Control()
	c.TryLock()

	if err = s.InvokeCommand(tee.CmdEnqueue, whole(shm)); err != nil {
		t.Fatalf("ENQUEUE error = %v", err)
	}

	c.SetHead(1)
	c.DecPending()
	c.Unlock()

	// head == tail, the applet refuses to consume
	c.TryLock()
	err = s.InvokeCommand(tee.CmdEnqueue, whole(shm))
	c.Unlock()

	var teeErr *tee.Error

	if !errors.As(err, &teeErr) || teeErr.Result != tee.ErrorNoData || teeErr.Origin != tee.OriginTrustedApp {
		t.Fatalf("ENQUEUE on empty ring error = %v", err)
	}

	op := &tee.Operation{}
	op.Types[0] = tee.ValueInOut

	if err = s.InvokeCommand(tee.CmdProcess, op); err != nil {
		t.Fatalf("PROCESS error = %v", err)
	}

	if op.Params[0].Value.A != 1 {
		t.Fatalf("PROCESS consumed = %d, want 1", op.Params[0].Value.A)
	}

	// teardown order: release, close, finalize
	if err = ctx.ReleaseSharedMemory(shm); err != nil {
		t.Fatalf("ReleaseSharedMemory() error = %v", err)
	}

	if err = ctx.ReleaseSharedMemory(shm); err != nil {
		t.Fatalf("second ReleaseSharedMemory() error = %v", err)
	}

	if err = s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err = s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if sessions, mapped := srv.Usage(); sessions != 0 || mapped != 0 {
		t.Fatalf("Usage() after close = %d sessions, %d mapped", sessions, mapped)
	}

	if res, _ := tee.ResultOf(s.InvokeCommand(tee.CmdProcess, op)); res != tee.ErrorBadState {
		t.Fatalf("InvokeCommand() on closed session result = %v", res)
	}

	if err = ctx.Finalize(); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	if err = ctx.Finalize(); err != nil {
		t.Fatalf("second Finalize() error = %v", err)
	}
}

func TestOpenSessionUnknownApplet(t *testing.T) {
	ctx, _ := connect(t)

	_, err := ctx.OpenSession(tee.UUID{1}, nil)

	if res, origin := tee.ResultOf(err); res != tee.ErrorItemNotFound || origin != tee.OriginTEE {
		t.Fatalf("OpenSession() = %#x origin %#x, want item not found from TEE", uint32(res), uint32(origin))
	}
}

func TestOpenSessionRejectsMalformedRegion(t *testing.T) {
	ctx, _ := connect(t)
	r, shm := setup(t, 2)

	// corrupt buffer_size after the region was created
	copy(r.Bytes()[0x10:], []byte{0, 0, 0, 0})

	if err := ctx.RegisterSharedMemory(shm); err != nil {
		t.Fatalf("RegisterSharedMemory() error = %v", err)
	}

	uuid, _ := tee.ParseUUID(applet.RingUUID)
	_, err := ctx.OpenSession(uuid, whole(shm))

	if res, origin := tee.ResultOf(err); res != tee.ErrorBadFormat || origin != tee.OriginTrustedApp {
		t.Fatalf("OpenSession() = %v", err)
	}
}

func TestRegisterSharedMemoryMissingFile(t *testing.T) {
	ctx, _ := connect(t)

	shm := &tee.SharedMemory{
		Size:  64,
		Flags: tee.MemInput,
		Path:  filepath.Join(t.TempDir(), "none"),
	}

	if res, _ := tee.ResultOf(ctx.RegisterSharedMemory(shm)); res != tee.ErrorOutOfMemory {
		t.Fatalf("RegisterSharedMemory() result = %v", res)
	}

	if shm.Registered() {
		t.Fatalf("failed registration left memory registered")
	}
}

func TestClientDisconnectReleasesSessions(t *testing.T) {
	ctx, srv := connect(t)
	_, shm := setup(t, 2)

	if err := ctx.RegisterSharedMemory(shm); err != nil {
		t.Fatalf("RegisterSharedMemory() error = %v", err)
	}

	uuid, _ := tee.ParseUUID(applet.RingUUID)

	if _, err := ctx.OpenSession(uuid, whole(shm)); err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}

	if sessions, mapped := srv.Usage(); sessions != 1 || mapped != 1 {
		t.Fatalf("Usage() = %d sessions, %d mapped, want 1, 1", sessions, mapped)
	}

	if err := ctx.Finalize(); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	// the server side cleanup runs when the connection drops
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); time.Sleep(10 * time.Millisecond) {
		if sessions, mapped := srv.Usage(); sessions == 0 && mapped == 0 {
			return
		}
	}

	sessions, mapped := srv.Usage()
	t.Fatalf("Usage() after disconnect = %d sessions, %d mapped", sessions, mapped)
}
