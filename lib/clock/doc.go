// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Every component that reads the time or schedules work accepts a
// [Clock] instead of calling the time package directly. Production
// wiring passes [Real]; tests pass a [FakeClock] from [Fake] and move
// time forward explicitly with [FakeClock.Advance].
//
// The fake clock fires timers in deadline order and moves its notion
// of "now" to each timer's deadline before invoking it, so a callback
// scheduled for T+1s observes Now() == T+1s even when the test
// advances by a larger step. Timers with equal deadlines fire in
// registration order.
//
// Components rarely use a Clock directly for delayed work. They go
// through lib/schedule, which layers task ownership and bulk
// cancellation on top of [Clock.AfterFunc].
package clock
