// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// The nonsecure_agent_go program is a ring producer, it creates the shared
// memory region when missing and appends batches at its tail.
package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/usbarmory/GoTEE-shmring/mem"
	"github.com/usbarmory/GoTEE-shmring/util"
)

// backoff is the wait before retrying a push on a full ring
const backoff = 10 * time.Millisecond

func init() {
	log.SetFlags(log.Ltime)
	log.SetOutput(os.Stdout)
}

func attach(path string, slots uint32) (r *mem.Region, err error) {
	if r, err = mem.Attach(path, true, slots); errors.Is(err, fs.ErrExist) {
		log.Printf("agent joining existing region %s", path)
		return mem.Attach(path, false, 0)
	}

	if err == nil {
		log.Printf("agent created region %s (slots:%d size:%d)", path, slots, r.Size())
	}

	return
}

func batch(seq int, n int) (entries []mem.Entry) {
	entries = make([]mem.Entry, n)

	for i := range entries {
		binary.LittleEndian.PutUint64(entries[i][0:8], uint64(seq))
		binary.LittleEndian.PutUint64(entries[i][8:16], uint64(i))
	}

	return
}

func main() {
	conf, err := util.Load(flag.CommandLine, os.Args[1:])

	if err != nil {
		log.Fatalf("agent invalid configuration, %v", err)
	}

	if conf.Entries > mem.MaxBatchEntries {
		log.Fatalf("agent batches are limited to %d entries", mem.MaxBatchEntries)
	}

	interval, _ := conf.Interval()

	log.Printf("agent %s/%s (%s) • ring producer", runtime.GOOS, runtime.GOARCH, runtime.Version())

	r, err := attach(conf.Region, uint32(conf.Slots))

	if err != nil {
		log.Fatalf("agent could not attach to shared memory, %v", err)
	}

	defer r.Detach()

	for seq := 0; seq < conf.Batches; {
		slot, err := r.Push(batch(seq, conf.Entries), conf.LockRetries, interval)

		switch {
		case errors.Is(err, mem.ErrFull):
			time.Sleep(backoff)
			continue
		case err != nil:
			r.Detach()
			log.Fatalf("agent could not push batch %d, %v", seq, err)
		}

		log.Printf("agent pushed batch %d slot:%d entries:%d free:%d", seq, slot, conf.Entries, r.Free())
		seq++
	}

	log.Printf("agent done, %s", r.Status())
}
