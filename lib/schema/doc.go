// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the messages Lynxify agents exchange over
// ledger topics and the envelope the normalizer wraps them in.
//
// Every message is a JSON object with a common header
//
//	{"id": "...", "type": "RebalanceProposal", "timestamp": 1767225600000, "sender": "0.0.4821"}
//
// and a "details" object whose shape depends on "type". [Message] is a
// closed sum: the only implementations are the pointer types declared
// in this package, and [Decode] switches over every [Kind]. Consumers
// type-switch on the decoded value:
//
//	switch message := envelope.Contents.(type) {
//	case *schema.RebalanceProposal:
//	case *schema.RebalanceApproved:
//	...
//	}
//
// Field names on the wire are camelCase, matching what other ledger
// participants already publish. Timestamps on the wire are Unix
// milliseconds.
//
// [Decode] rejects malformed input with a [*ValidationError] naming the
// offending field. It never panics on arbitrary bytes.
package schema
