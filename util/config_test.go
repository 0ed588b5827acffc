// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	return fs
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(newFlagSet(), nil)

	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if *c != *DefaultConfig() {
		t.Fatalf("Load() = %+v, want defaults", c)
	}

	if d, _ := c.Interval(); d != 100*time.Microsecond {
		t.Fatalf("Interval() = %v, want 100µs", d)
	}
}

func TestLoadFileWithOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	conf := `{
		"region": "/tmp/ring",
		"slots": 32,
		"lock_retries": 10,
		"lock_interval": "1ms",
		"journal": "/tmp/journal.db"
	}`

	if err := os.WriteFile(path, []byte(conf), 0600); err != nil {
		t.Fatal(err)
	}

	c, err := Load(newFlagSet(), []string{"-config", path, "-slots", "64", "-ssh", "127.0.0.1:2222"})

	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// file values
	if c.Region != "/tmp/ring" || c.LockRetries != 10 || c.Journal != "/tmp/journal.db" {
		t.Fatalf("Load() = %+v", c)
	}

	// flags take precedence
	if c.Slots != 64 || c.Console != "127.0.0.1:2222" {
		t.Fatalf("Load() = %+v", c)
	}

	// untouched defaults
	if c.Network != "unix" || c.Address != "/tmp/gotee.sock" {
		t.Fatalf("Load() = %+v", c)
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	if err := os.WriteFile(path, []byte(`{"slots": "many"`), 0600); err != nil {
		t.Fatal(err)
	}

	for name, args := range map[string][]string{
		"malformed file":    {"-config", path},
		"missing file":      {"-config", path + ".none"},
		"zero slots":        {"-slots", "0"},
		"bad interval":      {"-lock-interval", "soon"},
		"negative retries":  {"-lock-retries", "-1"},
		"unknown flag":      {"-nope"},
		"empty region path": {"-region", ""},
	} {
		if _, err := Load(newFlagSet(), args); err == nil {
			t.Errorf("%s: Load() succeeded", name)
		}
	}
}
