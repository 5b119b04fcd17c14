// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"math"
)

// ProposalSubmission opens a governance proposal. The submitting
// message's id is the proposal id.
type ProposalSubmission struct {
	Header
	Details ProposalSubmissionDetails `json:"details"`
}

type ProposalSubmissionDetails struct {
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	ProposalType string `json:"proposalType"`
	// Parameters are interpreted according to ProposalType.
	Parameters json.RawMessage `json:"parameters,omitempty"`
	// VotingDeadline is Unix milliseconds. Zero means the receiver's
	// default voting period from the message timestamp.
	VotingDeadline int64 `json:"votingDeadline,omitempty"`
	// ExecutionDelay is milliseconds between passing and execution.
	ExecutionDelay int64 `json:"executionDelay,omitempty"`
}

func (*ProposalSubmission) Kind() Kind { return KindProposalSubmission }

func (m *ProposalSubmission) validate() error {
	if m.Details.Title == "" {
		return invalid("details.title", "required")
	}
	if m.Details.ProposalType == "" {
		return invalid("details.proposalType", "required")
	}
	if m.Details.ExecutionDelay < 0 {
		return invalid("details.executionDelay", "must not be negative")
	}
	if len(m.Details.Parameters) > 0 && !json.Valid(m.Details.Parameters) {
		return invalid("details.parameters", "not valid JSON")
	}
	return nil
}

// ApproveRebalanceParameters are the parameters of a proposal of type
// "approve_rebalance".
type ApproveRebalanceParameters struct {
	ProposalID string `json:"proposalId"`
}

// VoteChoice is a voter's position.
type VoteChoice string

const (
	VoteFor     VoteChoice = "for"
	VoteAgainst VoteChoice = "against"
	VoteAbstain VoteChoice = "abstain"
)

// ProposalVote casts the sender's vote.
type ProposalVote struct {
	Header
	Details ProposalVoteDetails `json:"details"`
}

type ProposalVoteDetails struct {
	ProposalID string     `json:"proposalId"`
	Vote       VoteChoice `json:"vote"`
	// Weight is the voting power claimed. Zero counts as one.
	// Receivers cap it or replace it with their own voter table.
	Weight float64 `json:"weight,omitempty"`
}

func (*ProposalVote) Kind() Kind { return KindProposalVote }

func (m *ProposalVote) validate() error {
	if m.Details.ProposalID == "" {
		return invalid("details.proposalId", "required")
	}
	switch m.Details.Vote {
	case VoteFor, VoteAgainst, VoteAbstain:
	case "":
		return invalid("details.vote", "required")
	default:
		return invalid("details.vote", "unknown vote %q", m.Details.Vote)
	}
	if math.IsNaN(m.Details.Weight) || m.Details.Weight < 0 {
		return invalid("details.weight", "must not be negative")
	}
	return nil
}

// ProposalExecution records that a passed proposal was carried out.
type ProposalExecution struct {
	Header
	Details ProposalExecutionDetails `json:"details"`
}

type ProposalExecutionDetails struct {
	ProposalID string `json:"proposalId"`
	ExecutedAt int64  `json:"executedAt,omitempty"`
	Success    bool   `json:"success"`
	Result     string `json:"result,omitempty"`
}

func (*ProposalExecution) Kind() Kind { return KindProposalExecution }

func (m *ProposalExecution) validate() error {
	if m.Details.ProposalID == "" {
		return invalid("details.proposalId", "required")
	}
	return nil
}

// ProposalCancellation withdraws a proposal. Only the proposer's
// cancellation is honored.
type ProposalCancellation struct {
	Header
	Details ProposalCancellationDetails `json:"details"`
}

type ProposalCancellationDetails struct {
	ProposalID string `json:"proposalId"`
	Reason     string `json:"reason,omitempty"`
}

func (*ProposalCancellation) Kind() Kind { return KindProposalCancellation }

func (m *ProposalCancellation) validate() error {
	if m.Details.ProposalID == "" {
		return invalid("details.proposalId", "required")
	}
	return nil
}
