// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"bytes"
	"encoding/json"
	"math"
)

// Decode parses and validates one wire message. Any failure is a
// *ValidationError.
func Decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, &ValidationError{Reason: "not a JSON object"}
	}

	kind, err := stringField(fields, "type")
	if err != nil {
		return nil, err
	}
	if _, err := stringField(fields, "id"); err != nil {
		return nil, err
	}
	if _, err := stringField(fields, "sender"); err != nil {
		return nil, err
	}
	if err := timestampField(fields); err != nil {
		return nil, err
	}

	message := newMessage(Kind(kind))
	if message == nil {
		return nil, invalid("type", "unknown message type %q", kind)
	}
	if err := json.Unmarshal(data, message); err != nil {
		return nil, invalid("details", "%v", err)
	}
	if err := checkHeader(message.Head()); err != nil {
		return nil, err
	}
	if err := message.validate(); err != nil {
		return nil, err
	}
	return message, nil
}

// newMessage returns an empty message of the given kind, or nil if the
// kind is unknown.
func newMessage(kind Kind) Message {
	switch kind {
	case KindRebalanceProposal:
		return &RebalanceProposal{}
	case KindRebalanceApproved:
		return &RebalanceApproved{}
	case KindRebalanceExecuted:
		return &RebalanceExecuted{}
	case KindRiskAlert:
		return &RiskAlert{}
	case KindPolicyChange:
		return &PolicyChange{}
	case KindProposalSubmission:
		return &ProposalSubmission{}
	case KindProposalVote:
		return &ProposalVote{}
	case KindProposalExecution:
		return &ProposalExecution{}
	case KindProposalCancellation:
		return &ProposalCancellation{}
	case KindAgentInfo:
		return &AgentInfo{}
	case KindAgentRequest:
		return &AgentRequest{}
	case KindAgentResponse:
		return &AgentResponse{}
	case KindAgentVerification:
		return &AgentVerification{}
	case KindAgentDiscovery:
		return &AgentDiscovery{}
	default:
		return nil
	}
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", invalid(name, "required")
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", invalid(name, "must be a string")
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", invalid(name, "must be a string")
	}
	if value == "" {
		return "", invalid(name, "must not be empty")
	}
	return value, nil
}

func timestampField(fields map[string]json.RawMessage) error {
	raw, ok := fields["timestamp"]
	if !ok {
		return invalid("timestamp", "required")
	}
	var value float64
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == '"' || json.Unmarshal(raw, &value) != nil {
		return invalid("timestamp", "must be a number")
	}
	if value != math.Trunc(value) || value < 0 || value > math.MaxInt64 {
		return invalid("timestamp", "must be a non-negative integer of milliseconds")
	}
	return nil
}
