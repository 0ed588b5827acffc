// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package tee

import (
	"errors"
	"io"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"github.com/usbarmory/GoTEE-shmring/util"
)

var errFinalized = errors.New("context is finalized")

// Context represents a connection with the TEE.
type Context struct {
	mu     sync.Mutex
	client *rpc.Client
}

// SharedMemory represents a memory block shared with the TEE.
type SharedMemory struct {
	// Buffer is the local mapping of the memory
	Buffer []byte
	// Size is the number of shared bytes, a value of 0 shares the whole
	// buffer.
	Size uint32
	// Flags is a combination of MemInput and MemOutput
	Flags uint32
	// Path is the file backing Buffer, the TEE maps it on its side
	Path string

	id  uint32
	ctx *Context
}

// Registered reports whether the memory is currently registered.
func (shm *SharedMemory) Registered() bool {
	return shm != nil && shm.ctx != nil
}

// Session represents an open session with a Trusted Application.
type Session struct {
	ctx *Context
	id  uint32
}

// InitializeContext connects to the TEE listening at the given address.
func InitializeContext(network, address string) (*Context, error) {
	conn, err := net.Dial(network, address)

	if err != nil {
		return nil, &Error{
			Op:     "TEEC_InitializeContext",
			Result: ErrorCommunication,
			Origin: OriginAPI,
			Err:    err,
		}
	}

	return NewContext(conn), nil
}

// NewContext returns a context over an established connection with the TEE,
// the connection is owned by the context from now on.
func NewContext(conn io.ReadWriteCloser) *Context {
	return &Context{
		client: jsonrpc.NewClient(conn),
	}
}

func (ctx *Context) call(op string, method string, args any, reply *util.Reply) error {
	ctx.mu.Lock()
	client := ctx.client
	ctx.mu.Unlock()

	if client == nil {
		return &Error{Op: op, Result: ErrorBadState, Origin: OriginAPI, Err: errFinalized}
	}

	if err := client.Call(util.ServiceName+"."+method, args, reply); err != nil {
		return &Error{Op: op, Result: ErrorCommunication, Origin: OriginComms, Err: err}
	}

	if r := Result(reply.Result); r != Success {
		return &Error{Op: op, Result: r, Origin: Origin(reply.Origin)}
	}

	return nil
}

// RegisterSharedMemory registers a memory block backed by a file so that it
// can be referenced by operations.
func (ctx *Context) RegisterSharedMemory(shm *SharedMemory) (err error) {
	const op = "TEEC_RegisterSharedMemory"

	if shm == nil || shm.Path == "" || shm.Flags&^(MemInput|MemOutput) != 0 {
		return &Error{Op: op, Result: ErrorBadParameters, Origin: OriginAPI}
	}

	if shm.ctx != nil {
		return &Error{Op: op, Result: ErrorBadState, Origin: OriginAPI}
	}

	if shm.Size == 0 {
		shm.Size = uint32(len(shm.Buffer))
	}

	req := util.SharedMemory{
		Path:  shm.Path,
		Size:  shm.Size,
		Flags: shm.Flags,
	}

	var reply util.Reply

	if err = ctx.call(op, "RegisterSharedMemory", req, &reply); err != nil {
		return
	}

	shm.id = reply.ID
	shm.ctx = ctx

	return
}

// ReleaseSharedMemory unregisters a memory block, releasing a memory block
// which is not registered is a no-op. The local mapping is left untouched.
func (ctx *Context) ReleaseSharedMemory(shm *SharedMemory) (err error) {
	if !shm.Registered() {
		return
	}

	var reply util.Reply

	err = ctx.call("TEEC_ReleaseSharedMemory", "ReleaseSharedMemory", shm.id, &reply)

	shm.id = 0
	shm.ctx = nil

	return
}

// OpenSession opens a session with the Trusted Application identified by
// uuid, op carries the open session parameters and may be nil.
func (ctx *Context) OpenSession(uuid UUID, op *Operation) (s *Session, err error) {
	const name = "TEEC_OpenSession"

	req := util.OpenSession{
		UUID:  uuid,
		Login: LoginPublic,
	}

	if req.Params, err = ctx.marshal(name, op); err != nil {
		return
	}

	var reply util.Reply

	if err = ctx.call(name, "OpenSession", req, &reply); err != nil {
		return
	}

	unmarshal(op, reply.Params)

	return &Session{ctx: ctx, id: reply.ID}, nil
}

// InvokeCommand invokes a Trusted Application command, output values are
// written back to op.
func (s *Session) InvokeCommand(cmd Command, op *Operation) (err error) {
	const name = "TEEC_InvokeCommand"

	if s == nil || s.ctx == nil {
		return &Error{Op: name, Result: ErrorBadState, Origin: OriginAPI}
	}

	req := util.Invoke{
		Session: s.id,
		Command: uint32(cmd),
	}

	if req.Params, err = s.ctx.marshal(name, op); err != nil {
		return
	}

	var reply util.Reply

	if err = s.ctx.call(name, "InvokeCommand", req, &reply); err != nil {
		return
	}

	unmarshal(op, reply.Params)

	return
}

// Close closes the session, it can be called more than once.
func (s *Session) Close() (err error) {
	if s == nil || s.ctx == nil {
		return
	}

	var reply util.Reply

	err = s.ctx.call("TEEC_CloseSession", "CloseSession", s.id, &reply)
	s.ctx = nil

	return
}

// Finalize closes the connection with the TEE, it can be called more than
// once.
func (ctx *Context) Finalize() (err error) {
	if ctx == nil {
		return
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.client == nil {
		return
	}

	err = ctx.client.Close()
	ctx.client = nil

	return
}

func (ctx *Context) marshal(name string, op *Operation) (params [4]util.Param, err error) {
	if op == nil {
		return
	}

	for i, t := range op.Types {
		p := &op.Params[i]
		params[i].Type = uint32(t)

		switch {
		case t == None:
		case t.IsValue():
			params[i].A = p.Value.A
			params[i].B = p.Value.B
		case t.IsMemRef():
			shm := p.MemRef.Parent

			if !shm.Registered() || shm.ctx != ctx {
				return params, &Error{Op: name, Result: ErrorBadParameters, Origin: OriginAPI}
			}

			params[i].Memory = shm.id

			if t == MemRefWhole {
				params[i].Size = shm.Size
			} else {
				params[i].Offset = p.MemRef.Offset
				params[i].Size = p.MemRef.Size
			}
		default:
			return params, &Error{Op: name, Result: ErrorBadParameters, Origin: OriginAPI}
		}
	}

	return
}

func unmarshal(op *Operation, params [4]util.Param) {
	if op == nil {
		return
	}

	for i, t := range op.Types {
		switch t {
		case ValueOutput, ValueInOut:
			op.Params[i].Value = Value{A: params[i].A, B: params[i].B}
		case MemRefPartialOut, MemRefPartialInOut:
			op.Params[i].MemRef.Size = params[i].Size
		}
	}
}
