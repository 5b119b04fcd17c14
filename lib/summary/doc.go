// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package summary writes the human-readable reason attached to a
// rebalance proposal.
//
// [Summarizer] asks a language model for a short explanation of the
// weight change through a [Provider]. [Anthropic] is the Messages API
// provider. Callers treat any error as "no summary" and fall back to
// a generated description, so a missing API key or an outage never
// blocks a proposal.
package summary
