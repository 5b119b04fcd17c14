// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/lynxify-labs/lynxify/lib/schema"
)

var (
	ErrUnknownProposal     = errors.New("index: unknown proposal")
	ErrNotApproved         = errors.New("index: proposal not approved")
	ErrExecutionInProgress = errors.New("index: proposal is already being executed")
	ErrNoTokenLedger       = errors.New("index: no token ledger configured")
	ErrUnknownToken        = errors.New("index: token not in the index")
	ErrInvalidPrice        = errors.New("index: price must be positive")
	ErrShutdown            = errors.New("index: service shut down")
)

// Proposal is a rebalance proposal held by the state machine.
type Proposal struct {
	ID         string
	NewWeights map[string]float64
	Trigger    schema.Trigger
	Reason     string
	Proposer   string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Approved   bool
	ApprovedAt time.Time
	Votes      schema.VoteTally
}

func (p Proposal) clone() Proposal {
	p.NewWeights = maps.Clone(p.NewWeights)
	return p
}

// ExecutionOutcome summarizes a batch of token operations.
type ExecutionOutcome string

const (
	// ExecutionComplete means every operation succeeded, including the
	// case where none was needed.
	ExecutionComplete ExecutionOutcome = "complete"
	// ExecutionPartial means some operations failed and others did not.
	ExecutionPartial ExecutionOutcome = "partial"
	// ExecutionRejected means nothing was executed.
	ExecutionRejected ExecutionOutcome = "rejected"
)

// ExecutionReport is the itemized result of executing a proposal,
// locally or as reported by a peer.
type ExecutionReport struct {
	ProposalID   string
	Executor     string
	Operations   []schema.TokenOperation
	PreBalances  map[string]float64
	PostBalances map[string]float64
	// Weights are the realized weights after execution: each
	// token's share of the summed PostBalances, in units and not
	// weighted by price.
	Weights    map[string]float64
	Outcome    ExecutionOutcome
	ExecutedAt time.Time
	// Error explains a rejected execution.
	Error string
}

// Success reports whether the whole batch succeeded.
func (r ExecutionReport) Success() bool { return r.Outcome == ExecutionComplete }

func (r ExecutionReport) clone() ExecutionReport {
	r.Operations = slices.Clone(r.Operations)
	r.PreBalances = maps.Clone(r.PreBalances)
	r.PostBalances = maps.Clone(r.PostBalances)
	r.Weights = maps.Clone(r.Weights)
	return r
}

func outcomeOf(operations []schema.TokenOperation) ExecutionOutcome {
	succeeded, failed := 0, 0
	for _, op := range operations {
		if op.Success {
			succeeded++
		} else {
			failed++
		}
	}
	switch {
	case failed == 0:
		return ExecutionComplete
	case succeeded == 0:
		return ExecutionRejected
	default:
		return ExecutionPartial
	}
}

// PolicyState is the payload of INDEX_POLICY_CHANGED.
type PolicyState struct {
	RebalanceThreshold float64
	RiskThreshold      float64
	StaticWeights      map[string]float64
	Reason             string
}

// TokenChange is the payload of INDEX_TOKEN_ADDED and
// INDEX_TOKEN_REMOVED.
type TokenChange struct {
	Symbol       string
	StaticWeight float64
}
