// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package schedule owns every delayed and periodic callback a component
// creates. Components never hold raw timer handles: they ask their
// [Scheduler] for a [Task] and the scheduler keeps track of it until it
// fires (one-shot) or is stopped. [Scheduler.Close] stops every task the
// scheduler still tracks, so tearing down a component cannot leave a
// timer behind that later fires against freed state.
//
// Tasks run on the [clock.Clock] the scheduler was built with. Under
// [clock.Fake] they fire inside Advance, which is how request timeouts,
// retries and periodic sweeps are tested without wall-clock sleeps.
//
// A panic inside a task is recovered and logged. Periodic tasks keep
// running after a panic.
package schedule
