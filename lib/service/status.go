// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package service

import "time"

// Action names served by the agent.
const (
	ActionStatus     = "status"
	ActionWeights    = "weights"
	ActionProposals  = "proposals"
	ActionRisk       = "risk"
	ActionAgents     = "agents"
	ActionGovernance = "governance"
)

// StatusReply is the data of the status action.
type StatusReply struct {
	AgentID      string            `cbor:"agent_id"`
	Version      string            `cbor:"version"`
	State        string            `cbor:"state"`
	StartedAt    time.Time         `cbor:"started_at"`
	Registration string            `cbor:"registration"`
	Topics       map[string]string `cbor:"topics"`
	KnownAgents  int               `cbor:"known_agents"`
	Active       int               `cbor:"active_proposals"`
	Executed     int               `cbor:"executed_proposals"`
	Governance   bool              `cbor:"governance"`
}

// WeightsReply is the data of the weights action.
type WeightsReply struct {
	Current            map[string]float64 `cbor:"current"`
	Static             map[string]float64 `cbor:"static"`
	Prices             map[string]float64 `cbor:"prices,omitempty"`
	RebalanceThreshold float64            `cbor:"rebalance_threshold"`
	RiskThreshold      float64            `cbor:"risk_threshold"`
	DeviationLatched   bool               `cbor:"deviation_latched"`
}

// ProposalSummary is one rebalance proposal.
type ProposalSummary struct {
	ID         string             `cbor:"id"`
	Trigger    string             `cbor:"trigger"`
	Reason     string             `cbor:"reason,omitempty"`
	Proposer   string             `cbor:"proposer"`
	NewWeights map[string]float64 `cbor:"new_weights"`
	CreatedAt  time.Time          `cbor:"created_at"`
	ExpiresAt  time.Time          `cbor:"expires_at"`
	Approved   bool               `cbor:"approved"`
}

// ExecutionSummary is one executed rebalance.
type ExecutionSummary struct {
	ProposalID string             `cbor:"proposal_id"`
	Executor   string             `cbor:"executor"`
	Outcome    string             `cbor:"outcome"`
	Weights    map[string]float64 `cbor:"weights"`
	ExecutedAt time.Time          `cbor:"executed_at"`
	Error      string             `cbor:"error,omitempty"`
}

// ProposalsReply is the data of the proposals action.
type ProposalsReply struct {
	Active   []ProposalSummary  `cbor:"active"`
	Executed []ExecutionSummary `cbor:"executed"`
}

// TokenRisk is one token's risk metrics.
type TokenRisk struct {
	Volatility float64 `cbor:"volatility"`
	Drawdown   float64 `cbor:"drawdown"`
}

// AlertSummary is one observed risk alert.
type AlertSummary struct {
	ID             string    `cbor:"id"`
	Sender         string    `cbor:"sender"`
	Severity       string    `cbor:"severity"`
	Description    string    `cbor:"description"`
	AffectedTokens []string  `cbor:"affected_tokens"`
	Timestamp      time.Time `cbor:"timestamp"`
}

// RiskReply is the data of the risk action. Level is empty until the
// first assessment.
type RiskReply struct {
	Level                string               `cbor:"level,omitempty"`
	TotalVolatility      float64              `cbor:"total_volatility"`
	DiversificationScore float64              `cbor:"diversification_score"`
	ConcentrationRisk    float64              `cbor:"concentration_risk"`
	MarketRisk           float64              `cbor:"market_risk"`
	HighRiskTokens       []string             `cbor:"high_risk_tokens,omitempty"`
	AssessedAt           time.Time            `cbor:"assessed_at"`
	Tokens               map[string]TokenRisk `cbor:"tokens"`
	Alerts               []AlertSummary       `cbor:"alerts,omitempty"`
}

// AgentSummary is one registry entry.
type AgentSummary struct {
	AgentID      string    `cbor:"agent_id"`
	TopicID      string    `cbor:"topic_id"`
	Status       string    `cbor:"status"`
	Capabilities []string  `cbor:"capabilities"`
	LastSeen     time.Time `cbor:"last_seen"`
}

// GovernanceSummary is one governance proposal.
type GovernanceSummary struct {
	ID       string    `cbor:"id"`
	Title    string    `cbor:"title"`
	Type     string    `cbor:"type"`
	Status   string    `cbor:"status"`
	Proposer string    `cbor:"proposer"`
	For      float64   `cbor:"for"`
	Against  float64   `cbor:"against"`
	Abstain  float64   `cbor:"abstain"`
	Deadline time.Time `cbor:"deadline"`
	Result   string    `cbor:"result,omitempty"`
}
