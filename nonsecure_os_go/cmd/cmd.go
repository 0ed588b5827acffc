// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package cmd implements the host console commands.
package cmd

import (
	"bytes"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/usbarmory/GoTEE-shmring/journal"
	"github.com/usbarmory/GoTEE-shmring/nonsecure_os_go/internal/drain"
)

// Cmd represents a console command.
type Cmd struct {
	Name    string
	Args    int
	Pattern *regexp.Regexp
	Syntax  string
	Help    string
	Fn      func(h *Host, term *term.Terminal, arg []string) (res string, err error)
}

var cmds = make(map[string]*Cmd)

// Add registers a console command.
func Add(cmd Cmd) {
	cmds[cmd.Name] = &cmd
}

// Help returns the command list.
func Help(term *term.Terminal) string {
	var help bytes.Buffer
	var names []string

	t := tabwriter.NewWriter(&help, 16, 8, 0, '\t', tabwriter.TabIndent)

	for name := range cmds {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		_, _ = fmt.Fprintf(t, "%s\t%s\t # %s\n", name, cmds[name].Syntax, cmds[name].Help)
	}

	_ = t.Flush()

	if term == nil {
		return help.String()
	}

	return string(term.Escape.Cyan) + help.String() + string(term.Escape.Reset)
}

// Host represents the host state console commands operate on, commands are
// serialized so that the ring has a single consumer.
type Host struct {
	sync.Mutex

	// Loop drains the attached ring
	Loop *drain.Loop
	// Journal, when set, records every run
	Journal *journal.Journal

	last int64
}

// Handle executes a console command line.
func (h *Host) Handle(term *term.Terminal, line string) (err error) {
	var match *Cmd
	var arg []string
	var res string

	line = strings.TrimSpace(line)

	if line == "" {
		return
	}

	for _, cmd := range cmds {
		if cmd.Pattern == nil {
			if cmd.Name == line {
				match = cmd
				break
			}

			continue
		}

		if m := cmd.Pattern.FindStringSubmatch(line); len(m) > 0 && (len(m)-1 == cmd.Args) {
			match = cmd
			arg = m[1:]
			break
		}
	}

	if match == nil {
		return fmt.Errorf("unknown command, type `help`")
	}

	if res, err = match.Fn(h, term, arg); len(res) > 0 && term != nil {
		fmt.Fprintln(term, res)
	}

	return
}

// Run drains the ring and finalizes the consumed batches.
func (h *Host) Run() (r drain.Report) {
	h.journaled(func(r *drain.Report) {
		*r = h.Loop.Run()
	}, &r)

	return
}

func (h *Host) journaled(fn func(*drain.Report), r *drain.Report) {
	h.Lock()
	defer h.Unlock()

	var run *journal.Run

	if h.Journal != nil {
		var err error

		if run, err = h.Journal.Begin(h.Loop.Region.Path); err != nil {
			log.Printf("host could not journal run, %v", err)
		} else {
			h.Loop.Observer = run
			defer func() { h.Loop.Observer = nil }()
		}
	}

	fn(r)

	if run == nil {
		return
	}

	h.last = run.ID

	if err := run.End(r.State.String(), r.Consumed, r.Processed, r.Value, r.Err); err != nil {
		log.Printf("host %v", err)
	}
}
