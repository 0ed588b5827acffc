// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package tee implements the Non-secure side of the session channel towards a
// Trusted Application: context initialization, shared memory registration,
// sessions and command invocation.
//
// The API follows the GlobalPlatform TEE Client API semantics, every call is
// synchronous and failures are reported as *Error values carrying the result
// and origin codes.
package tee

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Result represents a TEE Client API return code.
type Result uint32

// Return codes
const (
	Success            Result = 0x00000000
	ErrorGeneric       Result = 0xffff0000
	ErrorAccessDenied  Result = 0xffff0001
	ErrorCancel        Result = 0xffff0002
	ErrorBadFormat     Result = 0xffff0005
	ErrorBadParameters Result = 0xffff0006
	ErrorBadState      Result = 0xffff0007
	ErrorItemNotFound  Result = 0xffff0008
	ErrorNotSupported  Result = 0xffff000a
	ErrorNoData        Result = 0xffff000b
	ErrorOutOfMemory   Result = 0xffff000c
	ErrorBusy          Result = 0xffff000d
	ErrorCommunication Result = 0xffff000e
	ErrorTargetDead    Result = 0xffff3024
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case ErrorGeneric:
		return "generic"
	case ErrorAccessDenied:
		return "access_denied"
	case ErrorCancel:
		return "cancel"
	case ErrorBadFormat:
		return "bad_format"
	case ErrorBadParameters:
		return "bad_parameters"
	case ErrorBadState:
		return "bad_state"
	case ErrorItemNotFound:
		return "item_not_found"
	case ErrorNotSupported:
		return "not_supported"
	case ErrorNoData:
		return "no_data"
	case ErrorOutOfMemory:
		return "out_of_memory"
	case ErrorBusy:
		return "busy"
	case ErrorCommunication:
		return "communication"
	case ErrorTargetDead:
		return "target_dead"
	default:
		return fmt.Sprintf("%#x", uint32(r))
	}
}

// Origin identifies the layer that produced a return code.
type Origin uint32

// Return code origins
const (
	OriginAPI        Origin = 1
	OriginComms      Origin = 2
	OriginTEE        Origin = 3
	OriginTrustedApp Origin = 4
)

// Error represents a failed TEE Client API call.
type Error struct {
	// Op is the failing call
	Op string
	// Result is the return code
	Result Result
	// Origin is the layer which returned Result
	Origin Origin
	// Err is the underlying transport error, if any
	Err error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s failed: %#x (origin %#x)", e.Op, uint32(e.Result), uint32(e.Origin))

	if e.Err != nil {
		s += ", " + e.Err.Error()
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ResultOf returns the return code carried by err, Success for nil errors and
// ErrorGeneric for errors not originating from this package.
func ResultOf(err error) (Result, Origin) {
	var e *Error

	switch {
	case err == nil:
		return Success, 0
	case errors.As(err, &e):
		return e.Result, e.Origin
	default:
		return ErrorGeneric, OriginAPI
	}
}

// Command identifies a Trusted Application command.
type Command uint32

// Shared memory ring commands
const (
	// CmdEnqueue notifies the applet that the batch at the ring head is
	// ready, the batch itself is read from shared memory.
	CmdEnqueue Command = 0
	// CmdProcess requests the applet to finalize the consumed batches.
	CmdProcess Command = 1
)

func (c Command) String() string {
	switch c {
	case CmdEnqueue:
		return "ENQUEUE"
	case CmdProcess:
		return "PROCESS"
	default:
		return fmt.Sprintf("CMD(%d)", uint32(c))
	}
}

// ParamType represents the type of an operation parameter.
type ParamType uint32

// Parameter types
const (
	None               ParamType = 0x0
	ValueInput         ParamType = 0x1
	ValueOutput        ParamType = 0x2
	ValueInOut         ParamType = 0x3
	MemRefWhole        ParamType = 0xc
	MemRefPartialInput ParamType = 0xd
	MemRefPartialOut   ParamType = 0xe
	MemRefPartialInOut ParamType = 0xf
)

// IsValue reports whether the parameter carries a value.
func (t ParamType) IsValue() bool {
	return t >= ValueInput && t <= ValueInOut
}

// IsMemRef reports whether the parameter references registered memory.
func (t ParamType) IsMemRef() bool {
	return t >= MemRefWhole && t <= MemRefPartialInOut
}

// ParamTypes packs four parameter types as in TEEC_PARAM_TYPES.
func ParamTypes(t0, t1, t2, t3 ParamType) uint32 {
	return uint32(t0) | uint32(t1)<<4 | uint32(t2)<<8 | uint32(t3)<<12
}

// UnpackParamTypes is the inverse of ParamTypes.
func UnpackParamTypes(v uint32) (t [4]ParamType) {
	for i := range t {
		t[i] = ParamType((v >> (4 * i)) & 0xf)
	}

	return
}

// Value represents a value parameter.
type Value struct {
	A uint32
	B uint32
}

// MemRef represents a reference to registered shared memory.
type MemRef struct {
	Parent *SharedMemory
	Offset uint32
	// Size is ignored for MemRefWhole references.
	Size uint32
}

// Param represents an operation parameter, the field in use depends on the
// parameter type.
type Param struct {
	Value  Value
	MemRef MemRef
}

// Operation represents the parameters of a session open or command
// invocation.
type Operation struct {
	Types  [4]ParamType
	Params [4]Param
}

// Shared memory flags
const (
	MemInput  = 1 << 0
	MemOutput = 1 << 1
)

// Login methods
const (
	LoginPublic = 0
)

// UUID identifies a Trusted Application.
type UUID [16]byte

// ParseUUID parses the canonical textual representation of a UUID.
func ParseUUID(s string) (u UUID, err error) {
	b, err := hex.DecodeString(strings.ReplaceAll(s, "-", ""))

	if err != nil || len(b) != len(u) || len(s) != 36 {
		return u, fmt.Errorf("invalid UUID %q", s)
	}

	copy(u[:], b)

	return
}

func (u UUID) String() string {
	h := hex.EncodeToString(u[:])
	return h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32]
}
