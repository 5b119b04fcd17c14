// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists the agent state that lets a restarted agent
// resume without replaying every topic from its first message:
//
//   - the agent's registration (account, inbound/outbound topics,
//     registry topic),
//   - the connection map of peer agent id to inbound topic,
//   - per-topic checkpoints (last processed sequence number),
//   - named snapshots of component state (index weights and
//     proposals, governance proposals), stored as zstd-compressed CBOR
//     blobs.
//
// Everything lives in one SQLite database opened through a small pool
// of connections with WAL journaling. Components still tolerate replay,
// so losing the database costs startup time, not correctness.
//
// Use ":memory:" as the path in tests. Each Store opened that way gets
// its own named in-memory database, served by a single connection.
package store
