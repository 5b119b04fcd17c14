// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"container/heap"
	"sync"
	"time"
)

// Fake returns a FakeClock whose time starts at initial and only moves
// when Advance is called.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{now: initial}
	clock.changed = sync.NewCond(&clock.mu)
	return clock
}

// FakeClock is a deterministic Clock for tests.
//
// AfterFunc callbacks run synchronously in the goroutine calling
// Advance. A callback may schedule further timers (periodic tasks do
// this); a timer scheduled inside a callback whose deadline still falls
// within the current Advance fires during that same Advance. Calling
// Advance from inside a callback deadlocks.
type FakeClock struct {
	mu       sync.Mutex
	now      time.Time
	pending  timerHeap
	sequence uint64
	changed  *sync.Cond
}

// fakeTimer is one pending After or AfterFunc registration. Exactly
// one of callback and channel is set.
type fakeTimer struct {
	deadline time.Time
	sequence uint64
	callback func()
	channel  chan time.Time

	// index is the position in the heap, or -1 once the timer has
	// fired or been stopped.
	index int
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock has advanced by
// d. The send never blocks: the channel has capacity one.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	channel := make(chan time.Time, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.pushLocked(&fakeTimer{deadline: c.now.Add(d), channel: channel})
	return channel
}

// AfterFunc schedules f to run inside a later Advance call. If d <= 0,
// f runs before AfterFunc returns and the returned Timer is inert.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stopFunc:  func() bool { return false },
			resetFunc: func(time.Duration) bool { return false },
		}
	}

	c.mu.Lock()
	timer := &fakeTimer{deadline: c.now.Add(d), callback: f}
	c.pushLocked(timer)
	c.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if timer.index < 0 {
				return false
			}
			heap.Remove(&c.pending, timer.index)
			return true
		},
		resetFunc: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasPending := timer.index >= 0
			if wasPending {
				heap.Remove(&c.pending, timer.index)
			}
			timer.deadline = c.now.Add(d)
			c.pushLocked(timer)
			return wasPending
		},
	}
}

// Advance moves the clock forward by d, firing every timer whose
// deadline falls inside the window in deadline order. Before each timer
// fires the clock is set to that timer's deadline; after the last one
// it is set to the end of the window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if c.pending.Len() == 0 || c.pending[0].deadline.After(target) {
			c.now = target
			c.mu.Unlock()
			return
		}
		timer := heap.Pop(&c.pending).(*fakeTimer)
		if timer.deadline.After(c.now) {
			c.now = timer.deadline
		}
		fireTime := c.now
		c.mu.Unlock()

		if timer.callback != nil {
			timer.callback()
			continue
		}
		select {
		case timer.channel <- fireTime:
		default:
		}
	}
}

// WaitForTimers blocks until at least n timers are pending. Use it to
// close the race between a goroutine registering a timer and the test
// advancing past it.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pending.Len() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of timers that have neither fired
// nor been stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Len()
}

// pushLocked registers a timer. Must be called with c.mu held.
func (c *FakeClock) pushLocked(timer *fakeTimer) {
	c.sequence++
	timer.sequence = c.sequence
	heap.Push(&c.pending, timer)
	c.changed.Broadcast()
}

// timerHeap orders timers by deadline, then registration order.
type timerHeap []*fakeTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].sequence < h[j].sequence
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	timer := x.(*fakeTimer)
	timer.index = len(*h)
	*h = append(*h, timer)
}

func (h *timerHeap) Pop() any {
	old := *h
	last := len(old) - 1
	timer := old[last]
	old[last] = nil
	timer.index = -1
	*h = old[:last]
	return timer
}
