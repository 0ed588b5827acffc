// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package drain

import (
	"errors"
	"fmt"
	"log"

	"github.com/usbarmory/GoTEE-shmring/mem"
	"github.com/usbarmory/GoTEE-shmring/tee"
)

// Resources represents the host resources acquired to drain a ring, fields
// are set as setup progresses.
type Resources struct {
	Context *tee.Context
	Region  *mem.Region
	Memory  *tee.SharedMemory
	Session *tee.Session
}

// Open initializes a TEE context, attaches to the ring region created by the
// producer, registers it as shared memory and opens a session with the
// applet passing the region as whole memory reference.
//
// On error the resources acquired so far are returned and must be released
// with Teardown.
func Open(network string, address string, path string, uuid tee.UUID) (res *Resources, err error) {
	res = &Resources{}

	if res.Context, err = tee.InitializeContext(network, address); err != nil {
		return
	}

	log.Printf("host TEE context initialized")

	if res.Region, err = mem.Attach(path, false, 0); err != nil {
		return res, fmt.Errorf("could not attach to shared memory, %v", err)
	}

	res.Memory = &tee.SharedMemory{
		Buffer: res.Region.Bytes(),
		Size:   uint32(res.Region.Size()),
		Flags:  tee.MemInput | tee.MemOutput,
		Path:   path,
	}

	log.Printf("host registering shared memory %s (size:%d)", path, res.Memory.Size)

	if err = res.Context.RegisterSharedMemory(res.Memory); err != nil {
		return
	}

	op := &tee.Operation{}
	op.Types[0] = tee.MemRefWhole
	op.Params[0].MemRef.Parent = res.Memory

	log.Printf("host opening session with %s (param types:%#x)", uuid, tee.ParamTypes(op.Types[0], op.Types[1], op.Types[2], op.Types[3]))

	if res.Session, err = res.Context.OpenSession(uuid, op); err != nil {
		return
	}

	status := res.Region.Status()
	log.Printf("host connected to shared memory head:%d tail:%d", status.Head, status.Tail)

	return
}

// Loop returns a drain loop over the acquired resources.
func (res *Resources) Loop() *Loop {
	return &Loop{
		Region:   res.Region,
		Session:  res.Session,
		Memory:   res.Memory,
		Retries:  mem.DefaultLockRetries,
		Interval: mem.DefaultLockInterval,
	}
}

// Teardown releases all acquired resources in order: shared memory
// registration, region mapping, session and context. Every step is attempted
// and Teardown can be called more than once.
func (res *Resources) Teardown() error {
	var errs []error

	step := func(name string, err error) {
		if err != nil {
			log.Printf("host could not %s, %v", name, err)
			errs = append(errs, fmt.Errorf("%s, %w", name, err))
		}
	}

	if res.Context != nil {
		step("release shared memory", res.Context.ReleaseSharedMemory(res.Memory))
	}

	step("detach region", res.Region.Detach())
	step("close session", res.Session.Close())
	step("finalize context", res.Context.Finalize())

	log.Printf("host TEE resources released")

	return errors.Join(errs...)
}
