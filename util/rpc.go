// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

// RPC service name for the TEE session channel.
const ServiceName = "TEE"

// SharedMemory represents a shared memory registration request.
type SharedMemory struct {
	// Path is the file backing the memory, the TEE maps it on its side
	Path string
	// Size is the number of bytes shared starting from offset 0
	Size uint32
	// Flags are the TEE Client API memory flags
	Flags uint32
}

// Param represents an operation parameter on the wire.
type Param struct {
	// Type is the parameter type
	Type uint32
	// A and B are the value parameter words
	A uint32
	B uint32
	// Memory is the id of the referenced shared memory registration
	Memory uint32
	// Offset and Size delimit partial memory references
	Offset uint32
	Size   uint32
}

// OpenSession represents a session open request.
type OpenSession struct {
	UUID   [16]byte
	Login  uint32
	Params [4]Param
}

// Invoke represents a command invocation request.
type Invoke struct {
	Session uint32
	Command uint32
	Params  [4]Param
}

// Reply represents the outcome of a session channel request, failures are
// reported in Result and Origin rather than as RPC errors.
type Reply struct {
	// ID is the allocated shared memory or session id
	ID     uint32
	Result uint32
	Origin uint32
	// Params holds output values
	Params [4]Param
}
