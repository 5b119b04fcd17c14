// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lynxify-labs/lynxify/lib/clock"
)

// Scheduler creates and tracks tasks. The zero value is not usable;
// call [New].
type Scheduler struct {
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	tasks  map[*Task]struct{}
	closed bool
}

// New returns a Scheduler running tasks on clk. A nil logger discards
// task panic reports.
func New(clk clock.Clock, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		clock:  clk,
		logger: logger,
		tasks:  make(map[*Task]struct{}),
	}
}

// Clock returns the clock tasks are scheduled on.
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// After runs fn once, d from now.
func (s *Scheduler) After(name string, d time.Duration, fn func()) *Task {
	task := &Task{scheduler: s, name: name, fn: fn}
	if !s.track(task) {
		task.stopped = true
		return task
	}
	task.arm(d)
	return task
}

// Every runs fn every interval, starting one interval from now. The next
// run is armed after fn returns, so a slow fn delays the following run
// rather than overlapping it.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) *Task {
	if interval <= 0 {
		panic("schedule: Every requires a positive interval")
	}
	task := &Task{scheduler: s, name: name, interval: interval, fn: fn}
	if !s.track(task) {
		task.stopped = true
		return task
	}
	task.arm(interval)
	return task
}

// Pending returns the number of tasks that are armed: one-shot tasks
// that have not fired and periodic tasks that have not been stopped.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close stops every tracked task. Tasks created after Close are returned
// already stopped. Close is idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tasks := make([]*Task, 0, len(s.tasks))
	for task := range s.tasks {
		tasks = append(tasks, task)
	}
	s.tasks = make(map[*Task]struct{})
	s.mu.Unlock()

	for _, task := range tasks {
		task.Stop()
	}
}

func (s *Scheduler) track(task *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.tasks[task] = struct{}{}
	return true
}

func (s *Scheduler) forget(task *Task) {
	s.mu.Lock()
	delete(s.tasks, task)
	s.mu.Unlock()
}

// Task is one scheduled callback.
type Task struct {
	scheduler *Scheduler
	name      string
	interval  time.Duration
	fn        func()

	mu      sync.Mutex
	timer   *clock.Timer
	stopped bool
	// generation invalidates callbacks from timers that were replaced
	// by Reset or re-armed by a periodic run.
	generation uint64
}

// Name returns the name the task was created with.
func (t *Task) Name() string {
	return t.name
}

// Stop cancels the task. It returns false if the task had already fired
// (one-shot) or been stopped.
func (t *Task) Stop() bool {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false
	}
	t.stopped = true
	t.generation++
	timer := t.timer
	t.timer = nil
	t.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	t.scheduler.forget(t)
	return true
}

// Reset re-arms the task to fire d from now, whether or not it has
// already fired or been stopped. A periodic task resumes its interval
// after that first run. Reset on a task owned by a closed scheduler is
// a no-op and returns false.
func (t *Task) Reset(d time.Duration) bool {
	t.mu.Lock()
	previous := t.timer
	t.timer = nil
	t.generation++
	t.stopped = false
	t.mu.Unlock()

	if previous != nil {
		previous.Stop()
	}
	if !t.scheduler.track(t) {
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()
		return false
	}
	t.arm(d)
	return true
}

// Stopped reports whether the task is no longer armed.
func (t *Task) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Task) arm(d time.Duration) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.generation++
	generation := t.generation
	t.mu.Unlock()

	// AfterFunc may run the callback before returning (zero delay on
	// the fake clock), so no lock is held across it.
	timer := t.scheduler.clock.AfterFunc(d, func() { t.fire(generation) })

	t.mu.Lock()
	if t.generation == generation && !t.stopped {
		t.timer = timer
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	timer.Stop()
}

func (t *Task) fire(generation uint64) {
	t.mu.Lock()
	if t.stopped || t.generation != generation {
		t.mu.Unlock()
		return
	}
	periodic := t.interval > 0
	t.timer = nil
	if !periodic {
		t.stopped = true
	}
	t.mu.Unlock()

	if !periodic {
		t.scheduler.forget(t)
	}
	t.run()
	if periodic {
		t.arm(t.interval)
	}
}

func (t *Task) run() {
	defer func() {
		if recovered := recover(); recovered != nil {
			t.scheduler.logger.Error("scheduled task panicked",
				"task", t.name,
				"panic", recovered,
			)
		}
	}()
	t.fn()
}
