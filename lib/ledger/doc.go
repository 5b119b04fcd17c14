// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package ledger abstracts the consensus message bus agents talk over:
// named, append-only topics whose messages carry a per-topic sequence
// number and a consensus timestamp.
//
// [Gateway] is the contract the rest of the agent depends on. Delivery
// is in sequence order within a topic, at least once: a subscriber that
// reconnects or resubscribes from an earlier sequence number sees
// messages again, so consumers deduplicate on message ids. There is no
// ordering across topics.
//
// Two implementations exist. [Memory] keeps topics in process and is
// used by tests and single-process development setups; its delivery is
// synchronous and deterministic. Package kafkaledger maps each topic to
// a single-partition Kafka topic for multi-process deployments.
package ledger
