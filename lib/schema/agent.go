// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
)

// AgentInfo announces an agent, its inbound topic and its capabilities.
// Agents publish it to the registry topic.
type AgentInfo struct {
	Header
	Details AgentInfoDetails `json:"details"`
}

type AgentInfoDetails struct {
	AgentID      string   `json:"agentId"`
	TopicID      string   `json:"topicId"`
	Capabilities []string `json:"capabilities,omitempty"`
	Status       string   `json:"status,omitempty"`
}

func (*AgentInfo) Kind() Kind { return KindAgentInfo }

func (m *AgentInfo) validate() error {
	if m.Details.AgentID == "" {
		return invalid("details.agentId", "required")
	}
	if m.Details.TopicID == "" {
		return invalid("details.topicId", "required")
	}
	return nil
}

// AgentRequest is a request addressed to one agent, published on that
// agent's inbound topic. The header id is the correlation id.
type AgentRequest struct {
	Header
	Details AgentRequestDetails `json:"details"`
}

type AgentRequestDetails struct {
	RecipientID string `json:"recipientId"`
	// ReplyTopicID is where the requester listens for the response.
	ReplyTopicID string          `json:"replyTopicId,omitempty"`
	Contents     json.RawMessage `json:"contents"`
}

func (*AgentRequest) Kind() Kind { return KindAgentRequest }

func (m *AgentRequest) validate() error {
	if m.Details.RecipientID == "" {
		return invalid("details.recipientId", "required")
	}
	if len(m.Details.Contents) == 0 {
		return invalid("details.contents", "required")
	}
	if !json.Valid(m.Details.Contents) {
		return invalid("details.contents", "not valid JSON")
	}
	return nil
}

// AgentResponse answers an AgentRequest. OriginalMessageID is the
// request's id.
type AgentResponse struct {
	Header
	Details AgentResponseDetails `json:"details"`
}

type AgentResponseDetails struct {
	OriginalMessageID string          `json:"originalMessageId"`
	Contents          json.RawMessage `json:"contents,omitempty"`
	Error             string          `json:"error,omitempty"`
}

func (*AgentResponse) Kind() Kind { return KindAgentResponse }

func (m *AgentResponse) validate() error {
	if m.Details.OriginalMessageID == "" {
		return invalid("details.originalMessageId", "required")
	}
	if len(m.Details.Contents) > 0 && !json.Valid(m.Details.Contents) {
		return invalid("details.contents", "not valid JSON")
	}
	return nil
}

// AgentVerification confirms an agent's registration.
type AgentVerification struct {
	Header
	Details AgentVerificationDetails `json:"details"`
}

type AgentVerificationDetails struct {
	AgentID string `json:"agentId"`
	TopicID string `json:"topicId,omitempty"`
	Status  string `json:"status"`
}

func (*AgentVerification) Kind() Kind { return KindAgentVerification }

func (m *AgentVerification) validate() error {
	if m.Details.AgentID == "" {
		return invalid("details.agentId", "required")
	}
	if m.Details.Status == "" {
		return invalid("details.status", "required")
	}
	return nil
}

// AgentDiscovery asks agents on the registry topic to announce
// themselves. An empty Capabilities list matches every agent.
type AgentDiscovery struct {
	Header
	Details AgentDiscoveryDetails `json:"details"`
}

type AgentDiscoveryDetails struct {
	Capabilities []string `json:"capabilities,omitempty"`
	ReplyTopicID string   `json:"replyTopicId,omitempty"`
}

func (*AgentDiscovery) Kind() Kind { return KindAgentDiscovery }

func (*AgentDiscovery) validate() error { return nil }
