// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// The nonsecure_os_go program is the Non-secure host which drains the shared
// memory ring towards the Trusted Applet.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/usbarmory/GoTEE-shmring/journal"
	"github.com/usbarmory/GoTEE-shmring/nonsecure_os_go/cmd"
	"github.com/usbarmory/GoTEE-shmring/nonsecure_os_go/internal/drain"
	"github.com/usbarmory/GoTEE-shmring/tee"
	"github.com/usbarmory/GoTEE-shmring/trusted_applet_go"
	"github.com/usbarmory/GoTEE-shmring/util"
)

func init() {
	log.SetFlags(log.Ltime)
	log.SetOutput(os.Stdout)
}

func console(host *cmd.Host, conf *util.Config) (err error) {
	c := &util.Console{
		Banner:  fmt.Sprintf("%s/%s (%s) • ring host (Non-secure World)", runtime.GOOS, runtime.GOARCH, runtime.Version()),
		Help:    cmd.Help,
		Handler: host.Handle,
	}

	if conf.AuthorizedKeys != "" {
		if c.AuthorizedKeys, err = util.LoadAuthorizedKeys(conf.AuthorizedKeys); err != nil {
			return fmt.Errorf("could not load authorized keys, %v", err)
		}
	}

	if c.Listener, err = net.Listen("tcp", conf.Console); err != nil {
		return fmt.Errorf("could not initialize SSH listener, %v", err)
	}

	if err = c.Start(); err != nil {
		return fmt.Errorf("could not initialize SSH server, %v", err)
	}

	defer c.Close()

	log.Printf("host console listening on %s", c.Listener.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	log.Printf("host received %v", <-sig)

	return
}

// run attaches to the ring and drains it, it reports whether the ring was
// drained and finalized and all resources were released.
func run(args []string) (ok bool) {
	conf, err := util.Load(flag.NewFlagSet("nonsecure_os_go", flag.ContinueOnError), args)

	if err != nil {
		log.Printf("host invalid configuration, %v", err)
		return
	}

	if conf.UUID == "" {
		conf.UUID = applet.RingUUID
	}

	uuid, err := tee.ParseUUID(conf.UUID)

	if err != nil {
		log.Printf("host %v", err)
		return
	}

	interval, _ := conf.Interval()

	log.Printf("%s/%s (%s) • ring host (Non-secure World)", runtime.GOOS, runtime.GOARCH, runtime.Version())

	res, err := drain.Open(conf.Network, conf.Address, conf.Region, uuid)

	defer func() {
		if err := res.Teardown(); err != nil {
			ok = false
		}
	}()

	if err != nil {
		log.Printf("host setup failed, %v", err)
		return
	}

	host := &cmd.Host{
		Loop: res.Loop(),
	}

	host.Loop.Retries = conf.LockRetries
	host.Loop.Interval = interval

	if conf.Journal != "" {
		if host.Journal, err = journal.Open(conf.Journal); err != nil {
			log.Printf("host %v", err)
			return
		}

		defer host.Journal.Close()
	}

	if conf.Console != "" {
		if err = console(host, conf); err != nil {
			log.Printf("host %v", err)
			return
		}

		return true
	}

	return host.Run().Success()
}

func main() {
	if !run(os.Args[1:]) {
		os.Exit(1)
	}
}
