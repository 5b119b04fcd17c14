// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Lynxify packages.
//
// [RequireReceive], [RequireSend] and [RequireClosed] wrap the select
// with a time.After fallback so a broken test fails instead of hanging.
// They are the only place tests wait on the wall clock; everything
// with timing semantics runs on a fake clock.
//
// [SocketDir] returns a short directory under /tmp for Unix sockets,
// whose paths are limited to 108 bytes.
//
// [UniqueID] hands out monotonically increasing identifiers for tests
// that need distinguishable message ids or agent names.
//
// [Logger] returns an slog.Logger that writes through t.Log, so log
// output shows up next to the failing test.
package testutil
