// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"golang.org/x/term"

	"github.com/usbarmory/GoTEE-shmring/nonsecure_os_go/internal/drain"
)

const maxBufferSize = 102400

func init() {
	Add(Cmd{
		Name: "status",
		Help: "show ring control block",
		Fn:   statusCmd,
	})

	Add(Cmd{
		Name:    "peek",
		Args:    2,
		Pattern: regexp.MustCompile(`^peek ([[:xdigit:]]+) (\d+)$`),
		Syntax:  "<hex offset> <size>",
		Help:    "shared memory display",
		Fn:      peekCmd,
	})

	Add(Cmd{
		Name:    "word",
		Args:    1,
		Pattern: regexp.MustCompile(`^word ([[:xdigit:]]+)$`),
		Syntax:  "<hex offset>",
		Help:    "shared memory 32-bit word read",
		Fn:      wordCmd,
	})

	Add(Cmd{
		Name: "drain",
		Help: "hand pending batches to the applet",
		Fn:   drainCmd,
	})

	Add(Cmd{
		Name: "process",
		Help: "finalize consumed batches",
		Fn:   processCmd,
	})

	Add(Cmd{
		Name: "run",
		Help: "drain and finalize",
		Fn:   runCmd,
	})

	Add(Cmd{
		Name:    "report",
		Args:    1,
		Pattern: regexp.MustCompile(`^report ?(\d*)$`),
		Syntax:  "(run id)?",
		Help:    "show journaled run (default: last)",
		Fn:      reportCmd,
	})
}

func statusCmd(h *Host, _ *term.Terminal, _ []string) (string, error) {
	return h.Loop.Region.Status().String(), nil
}

func peekCmd(h *Host, _ *term.Terminal, arg []string) (res string, err error) {
	off, err := strconv.ParseUint(arg[0], 16, 32)

	if err != nil {
		return "", fmt.Errorf("invalid offset, %v", err)
	}

	size, err := strconv.ParseUint(arg[1], 10, 32)

	if err != nil {
		return "", fmt.Errorf("invalid size, %v", err)
	}

	if size > maxBufferSize {
		return "", fmt.Errorf("size argument must be <= %d", maxBufferSize)
	}

	buf, err := h.Loop.Region.Peek(int(off), int(size))

	if err != nil {
		return
	}

	return hex.Dump(buf), nil
}

func wordCmd(h *Host, _ *term.Terminal, arg []string) (string, error) {
	off, err := strconv.ParseUint(arg[0], 16, 32)

	if err != nil {
		return "", fmt.Errorf("invalid offset, %v", err)
	}

	w, err := h.Loop.Region.Word(int(off))

	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%#.8x: %#.8x", off, w), nil
}

func drainCmd(h *Host, _ *term.Terminal, _ []string) (string, error) {
	var r drain.Report

	h.journaled(func(r *drain.Report) {
		r.State, r.Consumed, r.Err = h.Loop.Drain()
	}, &r)

	return fmt.Sprintf("state:%s consumed:%d", r.State, r.Consumed), r.Err
}

func processCmd(h *Host, _ *term.Terminal, _ []string) (string, error) {
	var r drain.Report

	h.journaled(func(r *drain.Report) {
		r.State = drain.Done

		if r.Value, r.Err = h.Loop.Finalize(); r.Err == nil {
			r.Processed = true
		}
	}, &r)

	if r.Err != nil {
		return "", r.Err
	}

	return fmt.Sprintf("batches:%d digest:%#.8x", r.Value.A, r.Value.B), nil
}

func runCmd(h *Host, _ *term.Terminal, _ []string) (string, error) {
	r := h.Run()
	return fmt.Sprintf("state:%s consumed:%d processed:%v", r.State, r.Consumed, r.Processed), r.Err
}

func reportCmd(h *Host, _ *term.Terminal, arg []string) (string, error) {
	if h.Journal == nil {
		return "", errors.New("journal is disabled")
	}

	h.Lock()
	id := h.last
	h.Unlock()

	if len(arg[0]) > 0 {
		var err error

		if id, err = strconv.ParseInt(arg[0], 10, 64); err != nil {
			return "", fmt.Errorf("invalid run id, %v", err)
		}
	}

	buf, err := h.Journal.Report(id)

	if err != nil {
		return "", err
	}

	return string(buf), nil
}
