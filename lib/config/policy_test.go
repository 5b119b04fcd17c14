// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const samplePolicy = `{
  // units of each token per index unit
  "tokens": {
    "BTC": 1.1,
    "ETH": 1, /* trailing comma below */
  },
  "initialWeights": {"BTC": 0.5, "ETH": 0.5},
  "rebalanceThreshold": 0.08,
}`

func TestParsePolicy(t *testing.T) {
	policy, err := ParsePolicy([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("ParsePolicy failed: %v", err)
	}
	if policy.Tokens["BTC"] != 1.1 || policy.Tokens["ETH"] != 1 {
		t.Errorf("unexpected tokens %v", policy.Tokens)
	}
	if policy.InitialWeights["BTC"] != 0.5 {
		t.Errorf("unexpected initial weights %v", policy.InitialWeights)
	}
	if policy.RebalanceThreshold != 0.08 {
		t.Errorf("expected rebalanceThreshold=0.08, got %v", policy.RebalanceThreshold)
	}
	if policy.RiskThreshold != 0 {
		t.Errorf("expected unset riskThreshold, got %v", policy.RiskThreshold)
	}
}

func TestParsePolicy_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		message string
	}{
		{"malformed", `{"tokens": `, "parsing token policy"},
		{"empty", `{"tokens": {}}`, "lists no tokens"},
		{"zero weight", `{"tokens": {"BTC": 0}}`, `"BTC" needs a positive static weight`},
		{"unknown initial", `{"tokens": {"BTC": 1}, "initialWeights": {"DOGE": 1}}`, `unknown token "DOGE"`},
		{"negative initial", `{"tokens": {"BTC": 1}, "initialWeights": {"BTC": -0.5}}`, "initial weight of BTC"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(test.input))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), test.message) {
				t.Errorf("expected error containing %q, got %v", test.message, err)
			}
		})
	}
}

func TestResolvePolicy_Inline(t *testing.T) {
	cfg := Default()
	cfg.Index.Tokens = map[string]float64{"BTC": 1.1, "ETH": 1}

	policy, err := cfg.ResolvePolicy()
	if err != nil {
		t.Fatalf("ResolvePolicy failed: %v", err)
	}
	if policy.Tokens["BTC"] != 1.1 {
		t.Errorf("unexpected tokens %v", policy.Tokens)
	}
	if policy.RebalanceThreshold != cfg.Index.RebalanceThreshold {
		t.Errorf("expected config threshold, got %v", policy.RebalanceThreshold)
	}

	// The policy owns its maps.
	policy.Tokens["BTC"] = 9
	if cfg.Index.Tokens["BTC"] != 1.1 {
		t.Error("ResolvePolicy aliased the config's token map")
	}
}

func TestResolvePolicy_File(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "policy.jsonc"), []byte(samplePolicy), 0o644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}
	configPath := filepath.Join(dir, "lynxify.yaml")
	configContent := `
index:
  tokens:
    DOGE: 100
  policy_file: policy.jsonc
  risk_threshold: 0.2
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	policy, err := cfg.ResolvePolicy()
	if err != nil {
		t.Fatalf("ResolvePolicy failed: %v", err)
	}
	if _, ok := policy.Tokens["DOGE"]; ok {
		t.Error("inline tokens should be ignored when a policy file is set")
	}
	if len(policy.Tokens) != 2 {
		t.Errorf("expected two tokens from the file, got %v", policy.Tokens)
	}
	if policy.RebalanceThreshold != 0.08 {
		t.Errorf("expected file threshold 0.08, got %v", policy.RebalanceThreshold)
	}
	if policy.RiskThreshold != 0.2 {
		t.Errorf("expected config risk threshold 0.2, got %v", policy.RiskThreshold)
	}
}

func TestResolvePolicy_MissingFile(t *testing.T) {
	cfg := Default()
	cfg.Index.PolicyFile = filepath.Join(t.TempDir(), "missing.jsonc")
	if _, err := cfg.ResolvePolicy(); err == nil {
		t.Fatal("expected error for a missing policy file")
	}
}
