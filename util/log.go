// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"bytes"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

const outputLimit = 1024
const flushChr = 0x0a // \n

// BufferedLog represents a line buffered log writer, to avoid interleaved
// output when the Secure and Non-secure sides log simultaneously. On a
// terminal Secure lines are shown in green and Non-secure ones in red.
type BufferedLog struct {
	// Secure tags output as originating from the Secure side
	Secure bool
	// Term, when set, receives colored output
	Term *term.Terminal
	// Output receives plain output when Term is not set, os.Stdout is used
	// when nil.
	Output io.Writer

	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *BufferedLog) flush() (err error) {
	defer l.buf.Reset()

	if t := l.Term; t != nil {
		color := t.Escape.Red

		if l.Secure {
			color = t.Escape.Green
		}

		t.Write(color)
		_, err = t.Write(l.buf.Bytes())
		t.Write(t.Escape.Reset)

		return
	}

	out := l.Output

	if out == nil {
		out = os.Stdout
	}

	_, err = out.Write(l.buf.Bytes())

	return
}

func (l *BufferedLog) writeByte(c byte) error {
	l.buf.WriteByte(c)

	if c == flushChr || l.buf.Len() > outputLimit {
		return l.flush()
	}

	return nil
}

// WriteByte buffers a single character, output is flushed on new lines.
func (l *BufferedLog) WriteByte(c byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.writeByte(c)
}

// Write buffers p, output is flushed on new lines.
func (l *BufferedLog) Write(p []byte) (n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, c := range p {
		if err = l.writeByte(c); err != nil {
			return
		}

		n++
	}

	return
}
