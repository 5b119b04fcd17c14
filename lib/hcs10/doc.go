// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package hcs10 layers agent-to-agent request/response and peer
// discovery on top of one-way ledger topics.
//
// Every agent owns an inbound topic and announces it, with its
// capabilities, on a shared registry topic. A [Service] tracks:
//
//   - its own registration, which moves unknown → pending (announced)
//     → registered (own announcement seen on the registry, so
//     consensus has made it durable) → verified (verification
//     published). Any publish failure moves it to failed; the next
//     periodic re-registration retries.
//   - a registry of known peers, refreshed from AgentInfo,
//     AgentVerification and AgentDiscovery traffic. Peers are never
//     evicted; readers decide what counts as stale from LastSeen.
//   - one state machine per outbound request: pending → delivered →
//     responded, timeout or error. A timeout with retries remaining
//     republishes the same request id and goes back to pending.
//
// Requests are correlated by id: the responder echoes the request id
// as originalMessageId. Responses for unknown or finished requests are
// logged and dropped.
//
// The service never holds its lock across a ledger call or a bus
// emission. Handlers may therefore publish, and the in-memory ledger may
// deliver synchronously, without deadlock. A caller blocked in
// [Service.SendRequest] must not be the goroutine that delivers the
// response.
package hcs10
