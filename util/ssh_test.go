// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

type syncBuffer struct {
	sync.Mutex
	bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.Lock()
	defer b.Unlock()

	return b.Buffer.Write(p)
}

func (b *syncBuffer) Contains(s string) bool {
	b.Lock()
	defer b.Unlock()

	return strings.Contains(b.Buffer.String(), s)
}

func startConsole(t *testing.T, keys []ssh.PublicKey) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")

	if err != nil {
		t.Fatal(err)
	}

	c := &Console{
		Banner: "test console",
		Help:   func(*term.Terminal) string { return "help text" },
		Handler: func(t *term.Terminal, cmd string) error {
			if cmd == "exit" {
				return io.EOF
			}

			fmt.Fprintf(t, "pong:%s\n", cmd)

			return nil
		},
		Listener:       l,
		AuthorizedKeys: keys,
	}

	if err = c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	t.Cleanup(func() { c.Close() })

	return l.Addr().String()
}

func waitFor(t *testing.T, out *syncBuffer, s string) {
	t.Helper()

	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); time.Sleep(10 * time.Millisecond) {
		if out.Contains(s) {
			return
		}
	}

	t.Fatalf("timeout waiting for %q, got %q", s, out.String())
}

func TestConsoleSession(t *testing.T) {
	addr := startConsole(t, nil)

	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "test",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})

	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	defer client.Close()

	session, err := client.NewSession()

	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	defer session.Close()

	out := &syncBuffer{}
	session.Stdout = out

	stdin, err := session.StdinPipe()

	if err != nil {
		t.Fatal(err)
	}

	if err = session.Shell(); err != nil {
		t.Fatalf("Shell() error = %v", err)
	}

	waitFor(t, out, "test console")
	waitFor(t, out, "help text")

	fmt.Fprint(stdin, "status\r")
	waitFor(t, out, "pong:status")

	fmt.Fprint(stdin, "exit\r")

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("session not closed after exit")
	}
}

func TestConsoleAuthorizedKeys(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)

	if err != nil {
		t.Fatal(err)
	}

	authorized, _ := ssh.NewPublicKey(pub)
	signer, _ := ssh.NewSignerFromKey(priv)

	path := filepath.Join(t.TempDir(), "authorized_keys")

	if err = os.WriteFile(path, ssh.MarshalAuthorizedKey(authorized), 0600); err != nil {
		t.Fatal(err)
	}

	keys, err := LoadAuthorizedKeys(path)

	if err != nil || len(keys) != 1 {
		t.Fatalf("LoadAuthorizedKeys() = %d keys, %v", len(keys), err)
	}

	addr := startConsole(t, keys)

	config := &ssh.ClientConfig{
		User:            "test",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}

	if _, err = ssh.Dial("tcp", addr, config); err == nil {
		t.Fatalf("Dial() without key succeeded")
	}

	config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}

	client, err := ssh.Dial("tcp", addr, config)

	if err != nil {
		t.Fatalf("Dial() with authorized key error = %v", err)
	}

	client.Close()
}
