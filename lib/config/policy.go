// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"os"

	"github.com/tidwall/jsonc"
)

// Policy is the index token policy.
//
// A policy file is JSONC: JSON with // and /* */ comments and trailing
// commas.
//
//	{
//	  // units of each token per index unit
//	  "tokens": {"BTC": 1.1, "ETH": 1},
//	  "initialWeights": {"BTC": 0.5, "ETH": 0.5},
//	}
type Policy struct {
	Tokens             map[string]float64 `json:"tokens"`
	InitialWeights     map[string]float64 `json:"initialWeights,omitempty"`
	RebalanceThreshold float64            `json:"rebalanceThreshold,omitempty"`
	RiskThreshold      float64            `json:"riskThreshold,omitempty"`
}

// ParsePolicy decodes and validates a JSONC policy.
func ParsePolicy(data []byte) (*Policy, error) {
	var policy Policy
	if err := json.Unmarshal(jsonc.ToJSON(data), &policy); err != nil {
		return nil, fmt.Errorf("parsing token policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// LoadPolicy reads a JSONC policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	policy, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return policy, nil
}

// Validate checks that every token has a positive static weight and
// that initial weights name only known tokens.
func (p *Policy) Validate() error {
	if len(p.Tokens) == 0 {
		return errors.New("token policy lists no tokens")
	}
	for symbol, weight := range p.Tokens {
		if symbol == "" || math.IsNaN(weight) || weight <= 0 {
			return fmt.Errorf("token %q needs a positive static weight", symbol)
		}
	}
	for symbol, weight := range p.InitialWeights {
		if _, ok := p.Tokens[symbol]; !ok {
			return fmt.Errorf("initial weight for unknown token %q", symbol)
		}
		if math.IsNaN(weight) || weight < 0 {
			return fmt.Errorf("initial weight of %s is invalid", symbol)
		}
	}
	return nil
}

// ResolvePolicy returns the token policy: the policy file if one is
// configured, otherwise the inline index settings. Thresholds not set
// by the file come from the config.
func (c *Config) ResolvePolicy() (*Policy, error) {
	if c.Index.PolicyFile == "" {
		policy := &Policy{
			Tokens:             maps.Clone(c.Index.Tokens),
			InitialWeights:     maps.Clone(c.Index.InitialWeights),
			RebalanceThreshold: c.Index.RebalanceThreshold,
			RiskThreshold:      c.Index.RiskThreshold,
		}
		return policy, policy.Validate()
	}
	policy, err := LoadPolicy(c.Index.PolicyFile)
	if err != nil {
		return nil, err
	}
	if policy.RebalanceThreshold <= 0 {
		policy.RebalanceThreshold = c.Index.RebalanceThreshold
	}
	if policy.RiskThreshold <= 0 {
		policy.RiskThreshold = c.Index.RiskThreshold
	}
	return policy, nil
}
