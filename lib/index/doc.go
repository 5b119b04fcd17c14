// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package index is the tokenized-index state machine. It derives the
// index's state from the ordered message log of the index topic plus a
// stream of price updates, and decides when to propose a rebalance.
//
// # Proposals
//
// A proposal is received, optionally approved, then executed; or it
// expires once its deadline passes before approval. There is no path
// back. Proposals are keyed by id, the first copy wins, and replayed
// messages are no-ops, so processing the log twice gives the same
// state as processing it once.
//
// An approval for a proposal this instance does not hold is logged and
// ignored. An execution observed for a proposal it does not hold still
// moves the current weights to the reported post-execution balances, so
// instances that joined at different points converge.
//
// # Triggers
//
// On every price update the implied weight of each token,
// staticWeight × price normalized over the index, is compared with the
// current weight. When the largest gap exceeds the rebalance threshold
// a price_deviation proposal is published. One proposal is published
// per breach: the trigger re-arms when the gap closes or when that
// proposal expires or executes.
//
// A periodic portfolio assessment grades volatility, concentration and
// correlation. When the grade rises to high the service publishes a
// RiskAlert and a risk_threshold proposal that halves the weight of the
// flagged tokens.
//
// # Execution
//
// When configured as the executor, the service executes approved
// proposals against a [tokenledger.Ledger] as a best-effort batch: each
// mint or burn is attempted even if an earlier one failed, nothing is
// rolled back, and the realized balances, not the proposed weights,
// become the new current weights. The itemized [ExecutionReport]
// distinguishes complete, partial and rejected executions.
//
// Weights held as current weights and used by execution are unit
// shares: a token's balance over the sum of balances. A proposal's
// weights are applied the same way, so a target of 0.6 leaves 60% of
// the index units in that token whatever its price. The implied weights
// a price_deviation proposal carries are value shares turned into unit
// targets by that execution.
package index
