// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package eventbus

// EventType names a class of events on the bus.
type EventType string

// Ledger ingestion.
const (
	MessageReceived EventType = "MESSAGE_RECEIVED"
	MessageError    EventType = "MESSAGE_ERROR"
	MessageTimeout  EventType = "MESSAGE_TIMEOUT"
	MessageRetry    EventType = "MESSAGE_RETRY"
)

// Index state machine.
const (
	IndexPriceUpdated      EventType = "INDEX_PRICE_UPDATED"
	IndexRebalanceProposed EventType = "INDEX_REBALANCE_PROPOSED"
	IndexRebalanceApproved EventType = "INDEX_REBALANCE_APPROVED"
	IndexRebalanceExecuted EventType = "INDEX_REBALANCE_EXECUTED"
	IndexRiskAlert         EventType = "INDEX_RISK_ALERT"
	IndexPolicyChanged     EventType = "INDEX_POLICY_CHANGED"
	IndexProposalCreated   EventType = "INDEX_PROPOSAL_CREATED"
	IndexProposalExpired   EventType = "INDEX_PROPOSAL_EXPIRED"
	IndexTokenAdded        EventType = "INDEX_TOKEN_ADDED"
	IndexTokenRemoved      EventType = "INDEX_TOKEN_REMOVED"
	IndexRiskAssessed      EventType = "INDEX_RISK_ASSESSED"
)

// Agent protocol.
const (
	HCS10AgentRegistered  EventType = "HCS10_AGENT_REGISTERED"
	HCS10AgentConnected   EventType = "HCS10_AGENT_CONNECTED"
	HCS10RequestSent      EventType = "HCS10_REQUEST_SENT"
	HCS10RequestReceived  EventType = "HCS10_REQUEST_RECEIVED"
	HCS10RequestError     EventType = "HCS10_REQUEST_ERROR"
	HCS10RequestTimeout   EventType = "HCS10_REQUEST_TIMEOUT"
	HCS10ResponseSent     EventType = "HCS10_RESPONSE_SENT"
	HCS10ResponseReceived EventType = "HCS10_RESPONSE_RECEIVED"
)

// Governance.
const (
	GovernanceProposalSubmitted EventType = "GOVERNANCE_PROPOSAL_SUBMITTED"
	GovernanceProposalVoted     EventType = "GOVERNANCE_PROPOSAL_VOTED"
	GovernanceProposalPassed    EventType = "GOVERNANCE_PROPOSAL_PASSED"
	GovernanceProposalRejected  EventType = "GOVERNANCE_PROPOSAL_REJECTED"
	GovernanceProposalExecuted  EventType = "GOVERNANCE_PROPOSAL_EXECUTED"
	GovernanceProposalCancelled EventType = "GOVERNANCE_PROPOSAL_CANCELLED"
)

// Lifecycle.
const (
	SystemInitialized EventType = "SYSTEM_INITIALIZED"
	SystemError       EventType = "SYSTEM_ERROR"
	SystemShutdown    EventType = "SYSTEM_SHUTDOWN"
)

// SystemErrorPayload is the payload of [SystemError].
type SystemErrorPayload struct {
	// Stage names the step that failed ("ledger", "hcs10", "index",
	// "governance", "subscriptions", or a shutdown step).
	Stage string
	Err   error
}
