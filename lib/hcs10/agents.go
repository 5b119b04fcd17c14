// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package hcs10

import (
	"slices"
	"sort"
	"time"
)

// Status is the registration state of an agent.
type Status string

const (
	StatusUnknown    Status = "unknown"
	StatusPending    Status = "pending"
	StatusRegistered Status = "registered"
	StatusVerified   Status = "verified"
	StatusFailed     Status = "failed"
)

// Agent is one entry in the registry of known agents.
type Agent struct {
	ID           string
	TopicID      string
	Capabilities []string
	LastSeen     time.Time
	Status       Status
}

// HasCapability reports whether the agent advertises capability.
func (a Agent) HasCapability(capability string) bool {
	return slices.Contains(a.Capabilities, capability)
}

func (a Agent) clone() Agent {
	a.Capabilities = slices.Clone(a.Capabilities)
	return a
}

// Matcher selects agents from the registry. Compose matchers with And
// and the capability constructors, or pass a function directly:
//
//	hcs10.Matcher(func(a hcs10.Agent) bool { return a.Status == hcs10.StatusVerified })
type Matcher func(Agent) bool

// HasCapability returns a Matcher that selects agents advertising the
// given capability.
func HasCapability(capability string) Matcher {
	return func(a Agent) bool { return a.HasCapability(capability) }
}

// HasAnyCapability returns a Matcher that selects agents advertising at
// least one of the capabilities. An empty list matches nothing.
func HasAnyCapability(capabilities ...string) Matcher {
	return func(a Agent) bool {
		for _, capability := range capabilities {
			if a.HasCapability(capability) {
				return true
			}
		}
		return false
	}
}

// HasAllCapabilities returns a Matcher that selects agents advertising
// every capability. An empty list matches every agent.
func HasAllCapabilities(capabilities ...string) Matcher {
	return func(a Agent) bool {
		for _, capability := range capabilities {
			if !a.HasCapability(capability) {
				return false
			}
		}
		return true
	}
}

// Reachable selects agents with a known topic that have not failed
// registration.
func Reachable() Matcher {
	return func(a Agent) bool {
		return a.TopicID != "" && a.Status != StatusFailed
	}
}

// And returns a Matcher that requires every sub-matcher to accept. An
// empty list matches every agent.
func And(matchers ...Matcher) Matcher {
	return func(a Agent) bool {
		for _, match := range matchers {
			if !match(a) {
				return false
			}
		}
		return true
	}
}

// FindAll returns the agents that satisfy match, ordered by id.
func FindAll(agents []Agent, match Matcher) []Agent {
	var result []Agent
	for _, agent := range agents {
		if match(agent) {
			result = append(result, agent)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
