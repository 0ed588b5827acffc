// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/sugawarayuuta/sonnet"
)

// Config represents the configuration shared by the TEE, host and producer
// programs. Values are read from an optional JSON file and then overridden
// by command line flags.
type Config struct {
	// Region is the file backing the shared memory ring
	Region string `json:"region"`
	// Slots is the ring capacity, used when the region is created
	Slots uint `json:"slots"`

	// Network and Address locate the TEE session channel
	Network string `json:"network"`
	Address string `json:"address"`
	// UUID identifies the ring applet
	UUID string `json:"uuid"`

	// LockRetries and LockInterval bound control block lock acquisition
	LockRetries  int    `json:"lock_retries"`
	LockInterval string `json:"lock_interval"`

	// Journal is the invocation journal database, empty to disable
	Journal string `json:"journal"`
	// Console is the SSH console address, empty for a one-shot run
	Console string `json:"console"`
	// AuthorizedKeys restricts SSH console logins
	AuthorizedKeys string `json:"authorized_keys"`

	// Batches and Entries size the producer workload
	Batches int `json:"batches"`
	Entries int `json:"entries"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Region:       "/dev/shm/gotee-ring",
		Slots:        16,
		Network:      "unix",
		Address:      "/tmp/gotee.sock",
		LockRetries:  1000,
		LockInterval: "100us",
		Batches:      8,
		Entries:      4,
	}
}

func (c *Config) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.Region, "region", c.Region, "shared memory region file")
	fs.UintVar(&c.Slots, "slots", c.Slots, "ring capacity in batches (region creation)")
	fs.StringVar(&c.Network, "network", c.Network, "TEE session channel network")
	fs.StringVar(&c.Address, "address", c.Address, "TEE session channel address")
	fs.StringVar(&c.UUID, "uuid", c.UUID, "ring applet UUID")
	fs.IntVar(&c.LockRetries, "lock-retries", c.LockRetries, "lock acquisition retries")
	fs.StringVar(&c.LockInterval, "lock-interval", c.LockInterval, "lock acquisition retry interval")
	fs.StringVar(&c.Journal, "journal", c.Journal, "invocation journal database")
	fs.StringVar(&c.Console, "ssh", c.Console, "SSH console address")
	fs.StringVar(&c.AuthorizedKeys, "authorized-keys", c.AuthorizedKeys, "SSH console authorized_keys file")
	fs.IntVar(&c.Batches, "batches", c.Batches, "batches to produce")
	fs.IntVar(&c.Entries, "entries", c.Entries, "entries per produced batch")
}

// Load parses args with fs, the `-config` flag names an optional JSON file
// whose values are overridden by the flags explicitly set.
func Load(fs *flag.FlagSet, args []string) (c *Config, err error) {
	cli := DefaultConfig()
	cli.bind(fs)

	path := fs.String("config", "", "JSON configuration file")

	if err = fs.Parse(args); err != nil {
		return
	}

	c = DefaultConfig()

	if *path != "" {
		buf, err := os.ReadFile(*path)

		if err != nil {
			return nil, fmt.Errorf("could not read configuration, %v", err)
		}

		if err = sonnet.Unmarshal(buf, c); err != nil {
			return nil, fmt.Errorf("could not parse %s, %v", *path, err)
		}
	}

	overlay := flag.NewFlagSet(fs.Name(), flag.ContinueOnError)
	c.bind(overlay)

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" || err != nil {
			return
		}

		err = overlay.Set(f.Name, f.Value.String())
	})

	if err != nil {
		return nil, err
	}

	return c, c.Validate()
}

// Interval returns the lock acquisition retry interval.
func (c *Config) Interval() (time.Duration, error) {
	d, err := time.ParseDuration(c.LockInterval)

	if err != nil {
		return 0, fmt.Errorf("invalid lock interval, %v", err)
	}

	return d, nil
}

// Validate checks configuration values.
func (c *Config) Validate() error {
	d, err := c.Interval()

	switch {
	case err != nil:
		return err
	case d < 0:
		return errors.New("lock interval must not be negative")
	case c.LockRetries < 0:
		return errors.New("lock retries must not be negative")
	case c.Region == "":
		return errors.New("region path is required")
	case c.Slots == 0 || c.Slots > math.MaxUint32:
		return fmt.Errorf("invalid slot count %d", c.Slots)
	case c.Entries < 0 || c.Batches < 0:
		return errors.New("producer workload must not be negative")
	}

	return nil
}
