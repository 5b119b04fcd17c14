// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package governance is a proposal and voting state machine driven by
// the messages on a governance topic.
//
// A proposal is submitted, collects weighted votes until its voting
// deadline, and is then decided: it passes when participation reaches
// the quorum and the share of for-votes among for and against exceeds
// the approval threshold, and is rejected otherwise. A proposal whose
// outcome can no longer change is decided before the deadline. A
// passed proposal becomes executable after its execution delay. The
// proposer may cancel it until it executes.
//
// Each voter's first vote in ledger order counts; later votes from the
// same voter are ignored, as are votes arriving after the deadline.
//
// What executing a proposal means depends on its type. Handlers are
// registered per type with [Service.Handle]; the coordinator registers
// "approve_rebalance", which approves a rebalance proposal on the index
// topic. Only an instance configured as executor runs handlers; the
// others follow the ProposalExecution message it publishes.
package governance
