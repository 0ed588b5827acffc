// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package applet defines the interface between the TEE and the Trusted
// Applications it hosts, along with the shared memory ring applet.
package applet

import (
	"fmt"

	"github.com/usbarmory/GoTEE-shmring/tee"
)

// Param represents an operation parameter as seen by a Trusted Application,
// memory references are resolved to the TEE mapping of the shared memory.
type Param struct {
	Type   tee.ParamType
	Value  tee.Value
	Buffer []byte
}

// Params represents the four parameters of an operation.
type Params [4]Param

// Expect returns an error unless the parameter types match.
func (p *Params) Expect(t0, t1, t2, t3 tee.ParamType) error {
	want := [4]tee.ParamType{t0, t1, t2, t3}

	for i := range p {
		if p[i].Type != want[i] {
			return Errorf(tee.ErrorBadParameters, "parameter %d type %#x, expected %#x", i, p[i].Type, want[i])
		}
	}

	return nil
}

// Applet represents a Trusted Application instance bound to a single
// session. Calls on an instance are serialized by the TEE.
type Applet interface {
	// OpenSession is invoked once when the session is opened.
	OpenSession(p *Params) error
	// InvokeCommand is invoked for every command, output values are
	// written back to p.
	InvokeCommand(cmd tee.Command, p *Params) error
	// CloseSession is invoked once when the session is closed.
	CloseSession()
}

// Factory returns a new applet instance.
type Factory func() Applet

// Errorf returns a Trusted Application error with the given result code.
func Errorf(res tee.Result, format string, args ...any) error {
	return &tee.Error{
		Op:     "TA",
		Result: res,
		Origin: tee.OriginTrustedApp,
		Err:    fmt.Errorf(format, args...),
	}
}
