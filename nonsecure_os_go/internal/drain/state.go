// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package drain

import (
	"fmt"
)

// State represents a drain loop state.
type State int

// Drain loop states
const (
	CheckEmpty State = iota
	AcquireLock
	CheckEmptyLocked
	Invoke
	Advance

	// terminal states
	Done
	TimeoutAbort
	InvokeFailedAbort
	LayoutAbort
)

var stateNames = map[State]string{
	CheckEmpty:        "CHECK_EMPTY",
	AcquireLock:       "ACQUIRE_LOCK",
	CheckEmptyLocked:  "CHECK_EMPTY_LOCKED",
	Invoke:            "INVOKE",
	Advance:           "ADVANCE",
	Done:              "DONE",
	TimeoutAbort:      "TIMEOUT_ABORT",
	InvokeFailedAbort: "INVOKE_FAILED_ABORT",
	LayoutAbort:       "LAYOUT_ABORT",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("STATE(%d)", int(s))
}

// Terminal reports whether the loop stops in this state.
func (s State) Terminal() bool {
	return s >= Done
}
