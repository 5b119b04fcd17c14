// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package lynxify composes one index agent: the ledger gateway, the
// HCS-10 agent protocol, the index state machine and, optionally,
// governance. It owns their lifecycle and the wiring between them and
// nothing else; all domain state lives in the composed services.
//
// [Agent.Initialize] runs a fixed sequence: connect the gateway,
// initialize the protocol service (which announces the agent),
// initialize the index state machine, initialize governance, attach
// the topic subscriptions, then broadcast discovery. Each step
// completes before the next begins. A failing step undoes the steps
// before it, emits SYSTEM_ERROR naming the step, and leaves the agent
// uninitialized so that Initialize can be called again.
//
// Topic subscriptions resume after the last sequence number recorded
// for each topic in the [Store]. The composed services tolerate replay,
// so losing the checkpoints costs time, not correctness.
//
// Once running, the agent forwards its own rebalance proposals to peers
// advertising the proposal capability and its own risk alerts to peers
// advertising the alert capability, and answers inbound requests:
//
//	{"action": "ping"}
//	{"action": "get_weights"}
//	{"action": "get_risk"}
//	{"action": "review_rebalance", "proposalId": "...", "newWeights": {...}, "trigger": "..."}
//	{"action": "risk_alert", ...}
//
// A request with any other action is answered with an error response.
//
// [Agent.Shutdown] tears down in reverse order, logging and continuing
// past individual failures. It is idempotent.
package lynxify
