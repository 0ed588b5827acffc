// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package journal records drain runs and their command invocations in an
// SQLite database.
package journal

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"

	"github.com/usbarmory/GoTEE-shmring/tee"
)

var schema = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	`CREATE TABLE IF NOT EXISTS runs (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		region    TEXT    NOT NULL,
		started   INTEGER NOT NULL,
		finished  INTEGER,
		state     TEXT,
		consumed  INTEGER NOT NULL DEFAULT 0,
		processed INTEGER NOT NULL DEFAULT 0,
		value_a   INTEGER NOT NULL DEFAULT 0,
		value_b   INTEGER NOT NULL DEFAULT 0,
		error     TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS invocations (
		run     INTEGER NOT NULL REFERENCES runs(id),
		seq     INTEGER NOT NULL,
		time    INTEGER NOT NULL,
		command TEXT    NOT NULL,
		head    INTEGER NOT NULL,
		result  INTEGER NOT NULL,
		origin  INTEGER NOT NULL,
		PRIMARY KEY (run, seq)
	)`,
}

// Journal represents an invocation journal database.
type Journal struct {
	db *sql.DB
}

// Open opens, or creates, the journal database at path.
func Open(path string) (j *Journal, err error) {
	db, err := sql.Open("sqlite3", path)

	if err != nil {
		return nil, fmt.Errorf("could not open journal, %v", err)
	}

	for _, stmt := range schema {
		if _, err = db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("could not initialize journal, %v", err)
		}
	}

	return &Journal{db: db}, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Run represents a journaled drain run.
type Run struct {
	sync.Mutex

	// ID is the run identifier
	ID int64

	j   *Journal
	seq int
}

// Begin records the start of a drain run on the given region.
func (j *Journal) Begin(region string) (*Run, error) {
	res, err := j.db.Exec("INSERT INTO runs (region, started) VALUES (?, ?)", region, time.Now().UnixNano())

	if err != nil {
		return nil, fmt.Errorf("could not record run, %v", err)
	}

	id, err := res.LastInsertId()

	if err != nil {
		return nil, fmt.Errorf("could not record run, %v", err)
	}

	return &Run{ID: id, j: j}, nil
}

// Invoked records a command invocation, failures to record are only logged.
func (r *Run) Invoked(cmd tee.Command, head uint32, err error) {
	r.Lock()
	defer r.Unlock()

	res, origin := tee.ResultOf(err)

	if _, e := r.j.db.Exec("INSERT INTO invocations (run, seq, time, command, head, result, origin) VALUES (?, ?, ?, ?, ?, ?, ?)",
		r.ID, r.seq, time.Now().UnixNano(), cmd.String(), head, uint32(res), uint32(origin)); e != nil {
		log.Printf("host could not journal %s, %v", cmd, e)
	}

	r.seq++
}

// End records the outcome of the run.
func (r *Run) End(state string, consumed int, processed bool, v tee.Value, err error) error {
	var msg sql.NullString

	if err != nil {
		msg = sql.NullString{String: err.Error(), Valid: true}
	}

	if _, e := r.j.db.Exec("UPDATE runs SET finished = ?, state = ?, consumed = ?, processed = ?, value_a = ?, value_b = ?, error = ? WHERE id = ?",
		time.Now().UnixNano(), state, consumed, processed, v.A, v.B, msg, r.ID); e != nil {
		return fmt.Errorf("could not record run outcome, %v", e)
	}

	return nil
}

func timestamp(ns int64) string {
	return time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
}

// Invocation represents a journaled command invocation.
type Invocation struct {
	Seq     int    `json:"seq"`
	Time    string `json:"time"`
	Command string `json:"command"`
	Head    uint32 `json:"head"`
	Result  uint32 `json:"result"`
	Origin  uint32 `json:"origin"`
}

// Summary represents a journaled run.
type Summary struct {
	ID          int64        `json:"id"`
	Region      string       `json:"region"`
	Started     string       `json:"started"`
	Finished    string       `json:"finished,omitempty"`
	State       string       `json:"state,omitempty"`
	Consumed    int          `json:"consumed"`
	Processed   bool         `json:"processed"`
	Value       [2]uint32    `json:"value"`
	Error       string       `json:"error,omitempty"`
	Invocations []Invocation `json:"invocations"`
}

// Summary returns the journaled content of a run.
func (j *Journal) Summary(id int64) (s *Summary, err error) {
	var started int64
	var finished sql.NullInt64
	var state, msg sql.NullString

	s = &Summary{
		ID:          id,
		Invocations: []Invocation{},
	}

	row := j.db.QueryRow("SELECT region, started, finished, state, consumed, processed, value_a, value_b, error FROM runs WHERE id = ?", id)

	if err = row.Scan(&s.Region, &started, &finished, &state, &s.Consumed, &s.Processed, &s.Value[0], &s.Value[1], &msg); err != nil {
		return nil, fmt.Errorf("could not find run %d, %v", id, err)
	}

	s.Started = timestamp(started)
	s.State = state.String
	s.Error = msg.String

	if finished.Valid {
		s.Finished = timestamp(finished.Int64)
	}

	rows, err := j.db.Query("SELECT seq, time, command, head, result, origin FROM invocations WHERE run = ? ORDER BY seq", id)

	if err != nil {
		return nil, fmt.Errorf("could not read invocations, %v", err)
	}

	defer rows.Close()

	for rows.Next() {
		var inv Invocation
		var t int64

		if err = rows.Scan(&inv.Seq, &t, &inv.Command, &inv.Head, &inv.Result, &inv.Origin); err != nil {
			return nil, fmt.Errorf("could not read invocations, %v", err)
		}

		inv.Time = timestamp(t)
		s.Invocations = append(s.Invocations, inv)
	}

	return s, rows.Err()
}

// Report returns the JSON representation of a run summary.
func (j *Journal) Report(id int64) ([]byte, error) {
	s, err := j.Summary(id)

	if err != nil {
		return nil, err
	}

	return sonnet.Marshal(s)
}
