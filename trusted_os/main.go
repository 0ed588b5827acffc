// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// The trusted_os program hosts the ring Trusted Applet and serves its sessions
// to the Non-secure host over a local socket.
package main

import (
	"errors"
	"flag"
	"io/fs"
	"log"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/usbarmory/GoTEE-shmring/internal/gotee"
	"github.com/usbarmory/GoTEE-shmring/tee"
	"github.com/usbarmory/GoTEE-shmring/trusted_applet_go"
	"github.com/usbarmory/GoTEE-shmring/util"
)

func init() {
	log.SetFlags(log.Ltime)
	log.SetOutput(&util.BufferedLog{Secure: true})
}

func listen(network string, address string) (net.Listener, error) {
	if network == "unix" {
		if err := os.Remove(address); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	return net.Listen(network, address)
}

func main() {
	defer log.Printf("SM says goodbye")

	conf, err := util.Load(flag.CommandLine, os.Args[1:])

	if err != nil {
		log.Fatalf("SM invalid configuration, %v", err)
	}

	if conf.UUID == "" {
		conf.UUID = applet.RingUUID
	}

	uuid, err := tee.ParseUUID(conf.UUID)

	if err != nil {
		log.Fatalf("SM %v", err)
	}

	log.Printf("SM %s/%s (%s) • TEE emulator (Secure World)", runtime.GOOS, runtime.GOARCH, runtime.Version())

	srv := &gotee.Server{}
	srv.Install(uuid, applet.NewRing)

	l, err := listen(conf.Network, conf.Address)

	if err != nil {
		log.Fatalf("SM could not listen on %s, %v", conf.Address, err)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		log.Printf("SM received %v", <-sig)
		l.Close()
	}()

	log.Printf("SM serving sessions on %s:%s", conf.Network, conf.Address)

	if err = srv.Serve(l); err != nil {
		log.Fatal(err)
	}
}
