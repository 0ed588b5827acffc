// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package gotee

import (
	"log"
	"sync"

	"github.com/usbarmory/GoTEE-shmring/mem"
	"github.com/usbarmory/GoTEE-shmring/tee"
	"github.com/usbarmory/GoTEE-shmring/trusted_applet_go"
	"github.com/usbarmory/GoTEE-shmring/util"
)

type sharedMemory struct {
	buf   []byte
	flags uint32

	// sessions referencing the memory
	refs     int
	released bool
}

type session struct {
	sync.Mutex

	ta     applet.Applet
	pinned []*sharedMemory
}

// RPC represents the receiver for Non-secure client requests, one instance
// serves a single client connection.
type RPC struct {
	mu  sync.Mutex
	srv *Server

	memory   map[uint32]*sharedMemory
	sessions map[uint32]*session
	next     uint32
}

func fail(reply *util.Reply, res tee.Result, origin tee.Origin) error {
	reply.Result = uint32(res)
	reply.Origin = uint32(origin)
	return nil
}

func (r *RPC) id() uint32 {
	r.next++
	return r.next
}

func (r *RPC) unmap(shm *sharedMemory) {
	if err := mem.Unmap(shm.buf); err != nil {
		log.Printf("SM could not unmap shared memory, %v", err)
	}

	r.srv.mapped.Add(-1)
}

// unpin must be called with r.mu held.
func (r *RPC) unpin(shm *sharedMemory) {
	if shm.refs--; shm.refs == 0 && shm.released {
		r.unmap(shm)
	}
}

// resolve converts wire parameters, memory references are resolved to the
// TEE mapping of the registered memory. It must be called with r.mu held.
func (r *RPC) resolve(in [4]util.Param) (p applet.Params, refs []*sharedMemory, res tee.Result) {
	for i, w := range in {
		t := tee.ParamType(w.Type)
		p[i].Type = t

		switch {
		case t == tee.None:
		case t.IsValue():
			p[i].Value = tee.Value{A: w.A, B: w.B}
		case t.IsMemRef():
			shm, ok := r.memory[w.Memory]

			if !ok || shm.released {
				return p, nil, tee.ErrorBadParameters
			}

			buf := shm.buf

			if t != tee.MemRefWhole {
				if uint64(w.Offset)+uint64(w.Size) > uint64(len(buf)) {
					return p, nil, tee.ErrorBadParameters
				}

				buf = buf[w.Offset : w.Offset+w.Size]
			}

			p[i].Buffer = buf
			refs = append(refs, shm)
		default:
			return p, nil, tee.ErrorBadParameters
		}
	}

	return p, refs, tee.Success
}

func output(p *applet.Params, reply *util.Reply) {
	for i := range p {
		reply.Params[i].Type = uint32(p[i].Type)

		switch p[i].Type {
		case tee.ValueOutput, tee.ValueInOut:
			reply.Params[i].A = p[i].Value.A
			reply.Params[i].B = p[i].Value.B
		case tee.MemRefPartialOut, tee.MemRefPartialInOut:
			reply.Params[i].Size = uint32(len(p[i].Buffer))
		}
	}
}

func result(err error) (tee.Result, tee.Origin) {
	res, origin := tee.ResultOf(err)

	if err != nil && origin == tee.OriginAPI {
		origin = tee.OriginTrustedApp
	}

	return res, origin
}

// RegisterSharedMemory maps the memory backing a client registration.
func (r *RPC) RegisterSharedMemory(req util.SharedMemory, reply *util.Reply) error {
	if req.Size == 0 || req.Flags&^(tee.MemInput|tee.MemOutput) != 0 {
		return fail(reply, tee.ErrorBadParameters, tee.OriginTEE)
	}

	buf, err := mem.MapFile(req.Path, int(req.Size))

	if err != nil {
		log.Printf("SM could not register shared memory, %v", err)
		return fail(reply, tee.ErrorOutOfMemory, tee.OriginTEE)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reply.ID = r.id()
	r.memory[reply.ID] = &sharedMemory{buf: buf, flags: req.Flags}
	r.srv.mapped.Add(1)

	log.Printf("SM registered shared memory id:%d size:%d", reply.ID, req.Size)

	return nil
}

// ReleaseSharedMemory releases a client registration, the mapping is kept
// until no session references it.
func (r *RPC) ReleaseSharedMemory(id uint32, reply *util.Reply) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	shm, ok := r.memory[id]

	if !ok {
		return fail(reply, tee.ErrorItemNotFound, tee.OriginTEE)
	}

	delete(r.memory, id)
	shm.released = true

	if shm.refs == 0 {
		r.unmap(shm)
	}

	return nil
}

// OpenSession binds a new applet instance to a session.
func (r *RPC) OpenSession(req util.OpenSession, reply *util.Reply) error {
	uuid := tee.UUID(req.UUID)
	factory, ok := r.srv.lookup(uuid)

	if !ok {
		log.Printf("SM could not find applet %s", uuid)
		return fail(reply, tee.ErrorItemNotFound, tee.OriginTEE)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, refs, res := r.resolve(req.Params)

	if res != tee.Success {
		return fail(reply, res, tee.OriginTEE)
	}

	ta := factory()

	if err := ta.OpenSession(&p); err != nil {
		log.Printf("SM could not open session with %s, %v", uuid, err)
		res, origin := result(err)
		return fail(reply, res, origin)
	}

	for _, shm := range refs {
		shm.refs++
	}

	reply.ID = r.id()
	r.sessions[reply.ID] = &session{ta: ta, pinned: refs}
	r.srv.sessions.Add(1)

	output(&p, reply)

	log.Printf("SM opened session id:%d applet:%s", reply.ID, uuid)

	return nil
}

// InvokeCommand invokes a command on the applet bound to a session.
func (r *RPC) InvokeCommand(req util.Invoke, reply *util.Reply) error {
	r.mu.Lock()

	s, ok := r.sessions[req.Session]

	if !ok {
		r.mu.Unlock()
		return fail(reply, tee.ErrorBadState, tee.OriginTEE)
	}

	p, _, res := r.resolve(req.Params)
	r.mu.Unlock()

	if res != tee.Success {
		return fail(reply, res, tee.OriginTEE)
	}

	cmd := tee.Command(req.Command)

	s.Lock()
	err := s.ta.InvokeCommand(cmd, &p)
	s.Unlock()

	if err != nil {
		log.Printf("SM session:%d %s failed, %v", req.Session, cmd, err)
		res, origin := result(err)
		return fail(reply, res, origin)
	}

	output(&p, reply)

	return nil
}

// CloseSession closes a session and its applet instance.
func (r *RPC) CloseSession(id uint32, reply *util.Reply) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]

	if !ok {
		return fail(reply, tee.ErrorItemNotFound, tee.OriginTEE)
	}

	r.closeSession(id, s)

	log.Printf("SM closed session id:%d", id)

	return nil
}

// closeSession must be called with r.mu held.
func (r *RPC) closeSession(id uint32, s *session) {
	delete(r.sessions, id)
	r.srv.sessions.Add(-1)

	s.Lock()
	s.ta.CloseSession()
	s.Unlock()

	for _, shm := range s.pinned {
		r.unpin(shm)
	}
}

// release frees all resources left by the client.
func (r *RPC) release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		r.closeSession(id, s)
	}

	for id, shm := range r.memory {
		delete(r.memory, id)
		shm.released = true

		if shm.refs == 0 {
			r.unmap(shm)
		}
	}
}
