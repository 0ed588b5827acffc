// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package gotee implements the TEE side of the session channel, it hosts
// Trusted Applications and serves their sessions to Non-secure clients.
package gotee

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"sync/atomic"

	"github.com/usbarmory/GoTEE-shmring/tee"
	"github.com/usbarmory/GoTEE-shmring/trusted_applet_go"
	"github.com/usbarmory/GoTEE-shmring/util"
)

// Server represents a TEE instance.
type Server struct {
	sync.RWMutex

	applets map[tee.UUID]applet.Factory

	// open sessions and mapped shared memory, across all clients
	sessions atomic.Int32
	mapped   atomic.Int32
}

// Usage returns the number of open sessions and of shared memory mappings
// held across all clients.
func (s *Server) Usage() (sessions int, mapped int) {
	return int(s.sessions.Load()), int(s.mapped.Load())
}

// Install registers a Trusted Application, sessions opened towards uuid are
// bound to a new instance returned by factory.
func (s *Server) Install(uuid tee.UUID, factory applet.Factory) {
	s.Lock()
	defer s.Unlock()

	if s.applets == nil {
		s.applets = make(map[tee.UUID]applet.Factory)
	}

	s.applets[uuid] = factory

	log.Printf("SM installed applet %s", uuid)
}

func (s *Server) lookup(uuid tee.UUID) (applet.Factory, bool) {
	s.RLock()
	defer s.RUnlock()

	f, ok := s.applets[uuid]

	return f, ok
}

// ServeConn serves a single client connection until it is closed. Sessions
// and shared memory registrations left open by the client are released on
// return.
func (s *Server) ServeConn(conn io.ReadWriteCloser) error {
	r := &RPC{
		srv:      s,
		memory:   make(map[uint32]*sharedMemory),
		sessions: make(map[uint32]*session),
	}
	defer r.release()

	srv := rpc.NewServer()

	if err := srv.RegisterName(util.ServiceName, r); err != nil {
		conn.Close()
		return fmt.Errorf("SM could not register RPC receiver, %v", err)
	}

	srv.ServeCodec(jsonrpc.NewServerCodec(conn))

	return nil
}

// Serve accepts client connections on l until it is closed.
func (s *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()

		if errors.Is(err, net.ErrClosed) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("SM could not accept connection, %v", err)
		}

		log.Printf("SM new client connection")

		go func() {
			if err := s.ServeConn(conn); err != nil {
				log.Print(err)
			}

			sessions, mapped := s.Usage()
			log.Printf("SM client connection closed (sessions:%d mapped:%d)", sessions, mapped)
		}()
	}
}
