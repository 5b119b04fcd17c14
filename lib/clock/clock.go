// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the time operations the agent core needs.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The real clock runs f in
	// its own goroutine; the fake clock runs it synchronously inside
	// Advance. If d <= 0 the call happens as soon as possible (real)
	// or before AfterFunc returns (fake).
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a handle to a pending AfterFunc call.
type Timer struct {
	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop cancels the pending call. Returns true if the call was pending
// and is now cancelled, false if it already fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset reschedules the call to happen d from now, re-arming a timer
// that already fired or was stopped. Returns true if the timer was
// pending before the reset.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }
