// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeEveryKind(t *testing.T) {
	tests := []struct {
		kind    Kind
		details string
	}{
		{KindRebalanceProposal, `{"newWeights":{"BTC":0.6,"ETH":0.4},"trigger":"price_deviation"}`},
		{KindRebalanceApproved, `{"proposalId":"p1","votes":{"for":3,"against":1,"total":4}}`},
		{KindRebalanceExecuted, `{"proposalId":"p1","postBalances":{"BTC":60,"ETH":40},"success":true}`},
		{KindRiskAlert, `{"severity":"high","affectedTokens":["BTC"]}`},
		{KindPolicyChange, `{"rebalanceThreshold":0.1}`},
		{KindProposalSubmission, `{"title":"raise cap","proposalType":"parameter_change","parameters":{"cap":5}}`},
		{KindProposalVote, `{"proposalId":"g1","vote":"for","weight":2}`},
		{KindProposalExecution, `{"proposalId":"g1","success":true}`},
		{KindProposalCancellation, `{"proposalId":"g1"}`},
		{KindAgentInfo, `{"agentId":"0.0.7","topicId":"0.0.8","capabilities":["rebalancing"]}`},
		{KindAgentRequest, `{"recipientId":"0.0.7","contents":{"action":"ping"}}`},
		{KindAgentResponse, `{"originalMessageId":"r1","contents":{"ok":true}}`},
		{KindAgentVerification, `{"agentId":"0.0.7","status":"verified"}`},
		{KindAgentDiscovery, `{}`},
	}
	if len(tests) != len(Kinds) {
		t.Fatalf("test covers %d kinds, package defines %d", len(tests), len(Kinds))
	}

	for _, test := range tests {
		t.Run(string(test.kind), func(t *testing.T) {
			raw := `{"id":"m-1","type":"` + string(test.kind) + `","timestamp":1767225600000,"sender":"0.0.42","details":` + test.details + `}`
			message, err := Decode([]byte(raw))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if message.Kind() != test.kind {
				t.Errorf("Kind() = %q, want %q", message.Kind(), test.kind)
			}
			header := message.Head()
			if header.ID != "m-1" || header.Sender != "0.0.42" || header.Timestamp != 1767225600000 {
				t.Errorf("header = %+v", *header)
			}
		})
	}
}

func TestDecodeTypedDetails(t *testing.T) {
	raw := `{"id":"p1","type":"RebalanceProposal","timestamp":1,"sender":"a",
		"details":{"newWeights":{"BTC":0.55,"ETH":0.45},"trigger":"risk_threshold","expiresAt":5000}}`
	message, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	proposal, ok := message.(*RebalanceProposal)
	if !ok {
		t.Fatalf("Decode returned %T", message)
	}
	if proposal.Details.Trigger != TriggerRiskThreshold {
		t.Errorf("Trigger = %q", proposal.Details.Trigger)
	}
	if proposal.Details.NewWeights["BTC"] != 0.55 {
		t.Errorf("BTC weight = %v", proposal.Details.NewWeights["BTC"])
	}
	if proposal.Details.ExpiresAt != 5000 {
		t.Errorf("ExpiresAt = %d", proposal.Details.ExpiresAt)
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{"not json", `{{{`, ""},
		{"array", `[1,2]`, ""},
		{"null", `null`, ""},
		{"missing id", `{"type":"AgentDiscovery","timestamp":1,"sender":"a","details":{}}`, "id"},
		{"numeric id", `{"id":7,"type":"AgentDiscovery","timestamp":1,"sender":"a","details":{}}`, "id"},
		{"empty sender", `{"id":"x","type":"AgentDiscovery","timestamp":1,"sender":"","details":{}}`, "sender"},
		{"string timestamp", `{"id":"x","type":"AgentDiscovery","timestamp":"1","sender":"a","details":{}}`, "timestamp"},
		{"fractional timestamp", `{"id":"x","type":"AgentDiscovery","timestamp":1.5,"sender":"a","details":{}}`, "timestamp"},
		{"negative timestamp", `{"id":"x","type":"AgentDiscovery","timestamp":-1,"sender":"a","details":{}}`, "timestamp"},
		{"unknown type", `{"id":"x","type":"Gossip","timestamp":1,"sender":"a","details":{}}`, "type"},
		{"missing type", `{"id":"x","timestamp":1,"sender":"a"}`, "type"},
		{"weight above one", `{"id":"x","type":"RebalanceProposal","timestamp":1,"sender":"a","details":{"newWeights":{"BTC":1.5},"trigger":"scheduled"}}`, "details.newWeights.BTC"},
		{"no weights", `{"id":"x","type":"RebalanceProposal","timestamp":1,"sender":"a","details":{"trigger":"scheduled"}}`, "details.newWeights"},
		{"bad trigger", `{"id":"x","type":"RebalanceProposal","timestamp":1,"sender":"a","details":{"newWeights":{"BTC":1},"trigger":"whim"}}`, "details.trigger"},
		{"approval without proposal", `{"id":"x","type":"RebalanceApproved","timestamp":1,"sender":"a","details":{}}`, "details.proposalId"},
		{"empty policy change", `{"id":"x","type":"PolicyChange","timestamp":1,"sender":"a","details":{}}`, "details"},
		{"bad vote", `{"id":"x","type":"ProposalVote","timestamp":1,"sender":"a","details":{"proposalId":"g","vote":"maybe"}}`, "details.vote"},
		{"request without contents", `{"id":"x","type":"AgentRequest","timestamp":1,"sender":"a","details":{"recipientId":"b"}}`, "details.contents"},
		{"wrong details shape", `{"id":"x","type":"RiskAlert","timestamp":1,"sender":"a","details":{"severity":3}}`, "details"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			message, err := Decode([]byte(test.raw))
			if err == nil {
				t.Fatalf("Decode succeeded: %#v", message)
			}
			var validationError *ValidationError
			if !errors.As(err, &validationError) {
				t.Fatalf("error %v is %T, want *ValidationError", err, err)
			}
			if validationError.Field != test.field {
				t.Errorf("Field = %q, want %q (%v)", validationError.Field, test.field, err)
			}
		})
	}
}

func TestEncodeSetsTypeFromVariant(t *testing.T) {
	now := time.UnixMilli(1767225600000)
	message := &RebalanceApproved{
		Header:  NewHeader(KindRiskAlert, "agent-1", now),
		Details: RebalanceApprovedDetails{ProposalID: "p9"},
	}
	data, err := Encode(message)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if wire["type"] != string(KindRebalanceApproved) {
		t.Errorf("type = %v, want RebalanceApproved", wire["type"])
	}
	if wire["timestamp"] != float64(1767225600000) {
		t.Errorf("timestamp = %v", wire["timestamp"])
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode(Encode()): %v", err)
	}
	if decoded.(*RebalanceApproved).Details.ProposalID != "p9" {
		t.Errorf("proposal id lost in transit")
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	message := &AgentRequest{
		Header: NewHeader(KindAgentRequest, "agent-1", time.UnixMilli(0)),
	}
	if _, err := Encode(message); err == nil {
		t.Fatal("Encode accepted a request with no recipient")
	}
}

func TestNewHeaderIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		header := NewHeader(KindAgentDiscovery, "a", time.UnixMilli(0))
		if seen[header.ID] {
			t.Fatalf("duplicate id %q", header.ID)
		}
		seen[header.ID] = true
	}
}
