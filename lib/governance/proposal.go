// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/lynxify-labs/lynxify/lib/schema"
)

// TypeApproveRebalance is the proposal type that approves a rebalance
// proposal of the index. Its parameters are
// [schema.ApproveRebalanceParameters].
const TypeApproveRebalance = "approve_rebalance"

var (
	ErrUnknownProposal = errors.New("governance: unknown proposal")
	ErrNotProposer     = errors.New("governance: only the proposer can cancel")
	ErrNotActive       = errors.New("governance: proposal is no longer open")
	ErrShutdown        = errors.New("governance: service shut down")
)

// Status is the state of a proposal.
type Status string

const (
	StatusActive    Status = "active"
	StatusPassed    Status = "passed"
	StatusRejected  Status = "rejected"
	StatusExecuted  Status = "executed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusExecuted || s == StatusCancelled
}

// Vote is one voter's counted vote.
type Vote struct {
	Choice schema.VoteChoice
	Weight float64
	CastAt time.Time
}

// Proposal is a governance proposal and its votes.
type Proposal struct {
	ID             string
	Title          string
	Description    string
	Type           string
	Parameters     json.RawMessage
	Proposer       string
	Status         Status
	CreatedAt      time.Time
	Deadline       time.Time
	ExecutionDelay time.Duration
	DecidedAt      time.Time
	ExecutableAt   time.Time
	ExecutedAt     time.Time
	// ExecutionSucceeded and Result describe the execution.
	ExecutionSucceeded bool
	Result             string
	CancelReason       string
	Votes              map[string]Vote
	Tally              Tally
}

func (p *Proposal) clone() Proposal {
	c := *p
	c.Parameters = slices.Clone(p.Parameters)
	c.Votes = maps.Clone(p.Votes)
	return c
}

// Tally sums the counted votes by choice.
type Tally struct {
	For     float64
	Against float64
	Abstain float64
}

// Participation is the total weight that voted.
func (t Tally) Participation() float64 { return t.For + t.Against + t.Abstain }

// Support is the share of for-votes among decisive votes, or 0 if
// there are none.
func (t Tally) Support() float64 {
	if t.For+t.Against == 0 {
		return 0
	}
	return t.For / (t.For + t.Against)
}

func (t *Tally) add(vote Vote) {
	switch vote.Choice {
	case schema.VoteFor:
		t.For += vote.Weight
	case schema.VoteAgainst:
		t.Against += vote.Weight
	case schema.VoteAbstain:
		t.Abstain += vote.Weight
	}
}

// VoteTally is the tally in the wire form carried by RebalanceApproved.
func (t Tally) VoteTally() schema.VoteTally {
	return schema.VoteTally{For: t.For, Against: t.Against, Total: t.Participation()}
}

// Rules decide proposals.
type Rules struct {
	// TotalVotingPower is the weight of the whole electorate.
	TotalVotingPower float64
	// Quorum is the fraction of TotalVotingPower that must vote.
	Quorum float64
	// ApprovalThreshold is the share of for-votes among for and
	// against that must be exceeded to pass.
	ApprovalThreshold float64
}

// Decide returns the outcome of a tally. Before the deadline, decided
// is true only when the remaining voting power cannot change the
// outcome.
func (r Rules) Decide(tally Tally, deadlinePassed bool) (status Status, decided bool) {
	quorum := tally.Participation() >= r.Quorum*r.TotalVotingPower
	if deadlinePassed {
		if quorum && tally.Support() > r.ApprovalThreshold {
			return StatusPassed, true
		}
		return StatusRejected, true
	}
	remaining := max(0, r.TotalVotingPower-tally.Participation())
	switch {
	case quorum && tally.For/(tally.For+tally.Against+remaining) > r.ApprovalThreshold:
		// Even if everyone left votes against, support stays above
		// the threshold.
		return StatusPassed, true
	case tally.Against > 0 && (tally.For+remaining)/(tally.For+tally.Against+remaining) <= r.ApprovalThreshold:
		return StatusRejected, true
	}
	return StatusActive, false
}

// VoteEvent is the payload of GOVERNANCE_PROPOSAL_VOTED.
type VoteEvent struct {
	ProposalID string
	Voter      string
	Vote       Vote
	Tally      Tally
}
