// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"math"
)

// Trigger says why a rebalance was proposed.
type Trigger string

const (
	TriggerPriceDeviation Trigger = "price_deviation"
	TriggerRiskThreshold  Trigger = "risk_threshold"
	TriggerScheduled      Trigger = "scheduled"
)

// RebalanceProposal asks for the index to move to NewWeights.
type RebalanceProposal struct {
	Header
	Details RebalanceProposalDetails `json:"details"`
}

type RebalanceProposalDetails struct {
	// NewWeights maps token symbol to target weight in [0, 1].
	NewWeights map[string]float64 `json:"newWeights"`
	Trigger    Trigger            `json:"trigger"`
	Reason     string             `json:"reason,omitempty"`
	// ExpiresAt is Unix milliseconds. Zero means the receiver applies
	// its own default lifetime from the message timestamp.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

func (*RebalanceProposal) Kind() Kind { return KindRebalanceProposal }

func (m *RebalanceProposal) validate() error {
	if len(m.Details.NewWeights) == 0 {
		return invalid("details.newWeights", "must not be empty")
	}
	for symbol, weight := range m.Details.NewWeights {
		if symbol == "" {
			return invalid("details.newWeights", "empty token symbol")
		}
		if math.IsNaN(weight) || weight < 0 || weight > 1 {
			return invalid("details.newWeights."+symbol, "weight %v outside [0, 1]", weight)
		}
	}
	switch m.Details.Trigger {
	case TriggerPriceDeviation, TriggerRiskThreshold, TriggerScheduled:
	case "":
		return invalid("details.trigger", "required")
	default:
		return invalid("details.trigger", "unknown trigger %q", m.Details.Trigger)
	}
	return nil
}

// VoteTally summarizes the votes behind an approval.
type VoteTally struct {
	For     float64 `json:"for"`
	Against float64 `json:"against"`
	Total   float64 `json:"total"`
}

// RebalanceApproved authorizes execution of a proposal.
type RebalanceApproved struct {
	Header
	Details RebalanceApprovedDetails `json:"details"`
}

type RebalanceApprovedDetails struct {
	ProposalID string     `json:"proposalId"`
	ApprovedAt int64      `json:"approvedAt,omitempty"`
	Votes      *VoteTally `json:"votes,omitempty"`
}

func (*RebalanceApproved) Kind() Kind { return KindRebalanceApproved }

func (m *RebalanceApproved) validate() error {
	if m.Details.ProposalID == "" {
		return invalid("details.proposalId", "required")
	}
	return nil
}

// OperationAction is the direction of one token operation.
type OperationAction string

const (
	ActionMint OperationAction = "mint"
	ActionBurn OperationAction = "burn"
)

// TokenOperation is one mint or burn performed while executing a
// rebalance.
type TokenOperation struct {
	Token   string          `json:"token"`
	Action  OperationAction `json:"action"`
	Amount  float64         `json:"amount"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
}

// RebalanceExecuted reports the outcome of executing a proposal.
// Success is false when any token operation failed; the operations that
// did succeed are not rolled back.
type RebalanceExecuted struct {
	Header
	Details RebalanceExecutedDetails `json:"details"`
}

type RebalanceExecutedDetails struct {
	ProposalID   string             `json:"proposalId"`
	PreBalances  map[string]float64 `json:"preBalances,omitempty"`
	PostBalances map[string]float64 `json:"postBalances,omitempty"`
	Success      bool               `json:"success"`
	Operations   []TokenOperation   `json:"operations,omitempty"`
	ExecutedAt   int64              `json:"executedAt,omitempty"`
}

func (*RebalanceExecuted) Kind() Kind { return KindRebalanceExecuted }

func (m *RebalanceExecuted) validate() error {
	if m.Details.ProposalID == "" {
		return invalid("details.proposalId", "required")
	}
	for symbol, amount := range m.Details.PostBalances {
		if math.IsNaN(amount) || amount < 0 {
			return invalid("details.postBalances."+symbol, "invalid balance %v", amount)
		}
	}
	return nil
}

// Severity grades a risk alert.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// RiskAlert reports elevated portfolio risk.
type RiskAlert struct {
	Header
	Details RiskAlertDetails `json:"details"`
}

type RiskAlertDetails struct {
	Severity       Severity           `json:"severity"`
	Description    string             `json:"description,omitempty"`
	AffectedTokens []string           `json:"affectedTokens,omitempty"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
}

func (*RiskAlert) Kind() Kind { return KindRiskAlert }

func (m *RiskAlert) validate() error {
	switch m.Details.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return nil
	case "":
		return invalid("details.severity", "required")
	default:
		return invalid("details.severity", "unknown severity %q", m.Details.Severity)
	}
}

// PolicyChange adjusts index thresholds and membership. Nil pointer
// fields are left unchanged.
type PolicyChange struct {
	Header
	Details PolicyChangeDetails `json:"details"`
}

type PolicyChangeDetails struct {
	RebalanceThreshold *float64 `json:"rebalanceThreshold,omitempty"`
	RiskThreshold      *float64 `json:"riskThreshold,omitempty"`
	// AddTokens maps new token symbols to their static weight.
	AddTokens    map[string]float64 `json:"addTokens,omitempty"`
	RemoveTokens []string           `json:"removeTokens,omitempty"`
	Reason       string             `json:"reason,omitempty"`
}

func (*PolicyChange) Kind() Kind { return KindPolicyChange }

func (m *PolicyChange) validate() error {
	details := m.Details
	if details.RebalanceThreshold == nil && details.RiskThreshold == nil &&
		len(details.AddTokens) == 0 && len(details.RemoveTokens) == 0 {
		return invalid("details", "policy change changes nothing")
	}
	if threshold := details.RebalanceThreshold; threshold != nil && (math.IsNaN(*threshold) || *threshold <= 0 || *threshold >= 1) {
		return invalid("details.rebalanceThreshold", "must be in (0, 1), got %v", *threshold)
	}
	if threshold := details.RiskThreshold; threshold != nil && (math.IsNaN(*threshold) || *threshold <= 0) {
		return invalid("details.riskThreshold", "must be positive, got %v", *threshold)
	}
	for symbol, weight := range details.AddTokens {
		if symbol == "" || math.IsNaN(weight) || weight <= 0 {
			return invalid("details.addTokens", "token %q needs a positive static weight", symbol)
		}
	}
	for _, symbol := range details.RemoveTokens {
		if symbol == "" {
			return invalid("details.removeTokens", "empty token symbol")
		}
	}
	return nil
}
