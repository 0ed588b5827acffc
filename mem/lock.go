// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

import (
	"errors"
	"sync/atomic"
	"time"
)

const (
	// DefaultLockRetries is the number of failed acquisition attempts
	// after which Lock gives up.
	DefaultLockRetries = 1000

	// DefaultLockInterval is the pause between acquisition attempts.
	DefaultLockInterval = 100 * time.Microsecond
)

// ErrLockTimeout is returned when the control block lock could not be
// acquired within the retry ceiling.
var ErrLockTimeout = errors.New("lock acquisition timeout")

// TryLock attempts a single acquisition of the control block lock.
func (c *ControlBlock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&c.lock, 0, 1)
}

// Lock acquires the control block lock, on contention it sleeps for the
// given interval and retries up to the given number of times.
//
// The lock is shared with the Secure World peer and provides no fairness, the
// retry ceiling only bounds how long a stalled peer can block the caller.
func (c *ControlBlock) Lock(retries int, interval time.Duration) error {
	for n := 0; !c.TryLock(); n++ {
		if n >= retries {
			return ErrLockTimeout
		}

		time.Sleep(interval)
	}

	return nil
}

// Unlock releases the control block lock.
func (c *ControlBlock) Unlock() {
	atomic.StoreUint32(&c.lock, 0)
}

// Locked reports whether the control block lock is currently held by either
// side.
func (c *ControlBlock) Locked() bool {
	return atomic.LoadUint32(&c.lock) != 0
}
