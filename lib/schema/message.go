// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the value of a message's "type" field.
type Kind string

const (
	KindRebalanceProposal    Kind = "RebalanceProposal"
	KindRebalanceApproved    Kind = "RebalanceApproved"
	KindRebalanceExecuted    Kind = "RebalanceExecuted"
	KindRiskAlert            Kind = "RiskAlert"
	KindPolicyChange         Kind = "PolicyChange"
	KindProposalSubmission   Kind = "ProposalSubmission"
	KindProposalVote         Kind = "ProposalVote"
	KindProposalExecution    Kind = "ProposalExecution"
	KindProposalCancellation Kind = "ProposalCancellation"
	KindAgentInfo            Kind = "AgentInfo"
	KindAgentRequest         Kind = "AgentRequest"
	KindAgentResponse        Kind = "AgentResponse"
	KindAgentVerification    Kind = "AgentVerification"
	KindAgentDiscovery       Kind = "AgentDiscovery"
)

// Kinds lists every message kind in a stable order.
var Kinds = []Kind{
	KindRebalanceProposal,
	KindRebalanceApproved,
	KindRebalanceExecuted,
	KindRiskAlert,
	KindPolicyChange,
	KindProposalSubmission,
	KindProposalVote,
	KindProposalExecution,
	KindProposalCancellation,
	KindAgentInfo,
	KindAgentRequest,
	KindAgentResponse,
	KindAgentVerification,
	KindAgentDiscovery,
}

// Header is carried by every message.
type Header struct {
	// ID is globally unique and chosen by the producer. Consumers
	// deduplicate replays on it.
	ID   string `json:"id"`
	Type Kind   `json:"type"`
	// Timestamp is the producer's wall clock in Unix milliseconds. It
	// is informational; ordering comes from the ledger.
	Timestamp int64  `json:"timestamp"`
	Sender    string `json:"sender"`
}

// Head returns the header. Promoted to every message type.
func (h *Header) Head() *Header { return h }

// Time returns Timestamp as a time.Time.
func (h *Header) Time() time.Time { return time.UnixMilli(h.Timestamp) }

// NewHeader returns a header for a new message with a fresh random id.
func NewHeader(kind Kind, sender string, now time.Time) Header {
	return Header{
		ID:        uuid.NewString(),
		Type:      kind,
		Timestamp: now.UnixMilli(),
		Sender:    sender,
	}
}

// Message is implemented by the pointer form of every message type in
// this package and by nothing else.
type Message interface {
	Head() *Header
	Kind() Kind
	validate() error
}

// Encode serializes message to its wire form. The header's Type is set
// from the concrete message type before encoding, so callers cannot
// publish a RebalanceProposal labelled as something else.
func Encode(message Message) ([]byte, error) {
	if message == nil {
		return nil, fmt.Errorf("schema: encode: nil message")
	}
	message.Head().Type = message.Kind()
	if err := checkHeader(message.Head()); err != nil {
		return nil, fmt.Errorf("schema: encode %s: %w", message.Kind(), err)
	}
	if err := message.validate(); err != nil {
		return nil, fmt.Errorf("schema: encode %s: %w", message.Kind(), err)
	}
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("schema: encode %s: %w", message.Kind(), err)
	}
	return data, nil
}

// ValidationError reports why a message was rejected.
type ValidationError struct {
	// Field is the offending JSON field, dotted for nested fields
	// ("details.newWeights"). Empty when the input is not a JSON
	// object at all.
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "schema: invalid message: " + e.Reason
	}
	return fmt.Sprintf("schema: invalid message: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func checkHeader(header *Header) error {
	if header.ID == "" {
		return invalid("id", "required")
	}
	if header.Sender == "" {
		return invalid("sender", "required")
	}
	if header.Timestamp < 0 {
		return invalid("timestamp", "must not be negative, got %d", header.Timestamp)
	}
	return nil
}
