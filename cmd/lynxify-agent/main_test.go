// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lynxify-labs/lynxify/lib/clock"
	"github.com/lynxify-labs/lynxify/lib/config"
	"github.com/lynxify-labs/lynxify/lib/eventbus"
	"github.com/lynxify-labs/lynxify/lib/hcs10"
	"github.com/lynxify-labs/lynxify/lib/index"
	"github.com/lynxify-labs/lynxify/lib/ledger"
	"github.com/lynxify-labs/lynxify/lib/lynxify"
	"github.com/lynxify-labs/lynxify/lib/testutil"
)

func parseConfig(t *testing.T, content string) (*config.Config, *config.Policy) {
	t.Helper()
	cfg, err := config.Parse([]byte(content))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	policy, err := cfg.ResolvePolicy()
	if err != nil {
		t.Fatalf("ResolvePolicy: %v", err)
	}
	return cfg, policy
}

func TestNewAgentConfig(t *testing.T) {
	cfg, policy := parseConfig(t, `
agent:
  id: "0.0.5001"
  capabilities: [rebalancing]
ledger:
  registry_topic: "0.0.900"
  index_topic: "0.0.800"
  governance_topic: "0.0.700"
hcs10:
  request_timeout: 45s
index:
  tokens: {BTC: 1.1, ETH: 1}
  initial_weights: {BTC: 0.5, ETH: 0.5}
  rebalance_threshold: 0.1
  executor: true
governance:
  enabled: true
  quorum: 0.6
  voting_period: 2h
  executor: true
`)

	agentConfig := newAgentConfig(cfg, policy)
	if agentConfig.AgentID != "0.0.5001" || len(agentConfig.Capabilities) != 1 {
		t.Errorf("identity = %q %v", agentConfig.AgentID, agentConfig.Capabilities)
	}
	if agentConfig.HCS10.RegistryTopicID != "0.0.900" || agentConfig.HCS10.DefaultTimeout != 45*time.Second {
		t.Errorf("hcs10 = %+v", agentConfig.HCS10)
	}
	if agentConfig.NotifyTimeout != 45*time.Second {
		t.Errorf("notify timeout = %v", agentConfig.NotifyTimeout)
	}
	indexConfig := agentConfig.Index
	if indexConfig.IndexTopicID != "0.0.800" || indexConfig.StaticWeights["BTC"] != 1.1 || indexConfig.InitialWeights["ETH"] != 0.5 {
		t.Errorf("index = %+v", indexConfig)
	}
	if indexConfig.RebalanceThreshold != 0.1 || indexConfig.RiskThreshold != 0.05 || !indexConfig.Executor {
		t.Errorf("index thresholds = %+v", indexConfig)
	}
	if !agentConfig.GovernanceEnabled {
		t.Fatal("governance not enabled")
	}
	governanceConfig := agentConfig.Governance
	if governanceConfig.TopicID != "0.0.700" || governanceConfig.Rules.Quorum != 0.6 || governanceConfig.Rules.TotalVotingPower != 3 {
		t.Errorf("governance = %+v", governanceConfig)
	}
	if governanceConfig.VotingPeriod != 2*time.Hour || !governanceConfig.Executor {
		t.Errorf("governance = %+v", governanceConfig)
	}

	// The agent config owns its maps.
	policy.Tokens["BTC"] = 9
	if indexConfig.StaticWeights["BTC"] != 1.1 {
		t.Error("static weights share the policy's map")
	}
}

func TestOpenLedgerMemory(t *testing.T) {
	cfg, _ := parseConfig(t, `
agent: {id: "0.0.5001"}
ledger:
  registry_topic: "0.0.900"
  index_topic: "0.0.800"
index:
  tokens: {BTC: 1}
`)
	gateway, err := openLedger(cfg, clock.Fake(time.Unix(0, 0)), testutil.Logger(t))
	if err != nil {
		t.Fatal(err)
	}
	memory, ok := gateway.(*ledger.MemoryGateway)
	if !ok {
		t.Fatalf("gateway is %T", gateway)
	}
	ctx := context.Background()
	if err := memory.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	for _, topicID := range []string{"0.0.900", "0.0.800"} {
		if _, err := memory.SendMessage(ctx, topicID, []byte(`{}`)); err != nil {
			t.Errorf("sending to %s: %v", topicID, err)
		}
	}
	if _, err := memory.SendMessage(ctx, "0.0.700", []byte(`{}`)); !errors.Is(err, ledger.ErrUnknownTopic) {
		t.Errorf("unconfigured topic: %v", err)
	}
}

func TestOpenTokensMemory(t *testing.T) {
	cfg, _ := parseConfig(t, `
agent: {id: "0.0.5001"}
tokens:
  initial: {BTC: 50, ETH: 25}
index:
  tokens: {BTC: 1}
`)
	tokens, release, err := openTokens(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer release()
	balances, err := tokens.Balances(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if balances["BTC"] != 50 || balances["ETH"] != 25 {
		t.Errorf("balances = %v", balances)
	}
}

func TestNewSummarizer(t *testing.T) {
	cfg := config.Default()
	logger := testutil.Logger(t)
	if newSummarizer(cfg, logger) != nil {
		t.Error("summarizer built while disabled")
	}
	cfg.Summary.Enabled = true
	cfg.Summary.APIKeyEnv = "LYNXIFY_TEST_SUMMARY_KEY"
	t.Setenv("LYNXIFY_TEST_SUMMARY_KEY", "")
	if newSummarizer(cfg, logger) != nil {
		t.Error("summarizer built without an API key")
	}
	t.Setenv("LYNXIFY_TEST_SUMMARY_KEY", "sk-test")
	if newSummarizer(cfg, logger) == nil {
		t.Error("no summarizer with an API key")
	}
}

func TestInitializeRetriesUntilSuccess(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	memory := ledger.NewMemory(clk, ledger.MemoryOptions{})
	memory.EnsureTopic("0.0.900", "registry")
	gateway := memory.Gateway()
	logger := testutil.Logger(t)
	bus := eventbus.New(logger)
	failures := make(chan eventbus.SystemErrorPayload, 8)
	bus.Subscribe(eventbus.SystemError, func(event eventbus.Event) {
		failures <- event.Payload.(eventbus.SystemErrorPayload)
	})

	agent, err := lynxify.New(lynxify.Config{
		AgentID:  "0.0.5001",
		TestMode: true,
		HCS10:    hcs10.Config{RegistryTopicID: "0.0.900"},
		Index:    index.Config{StaticWeights: map[string]float64{"BTC": 1, "ETH": 1}},
	}, lynxify.Deps{Gateway: gateway, Bus: bus, Clock: clk, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { agent.Shutdown(context.Background()) })

	cfg := config.Default()
	cfg.Ledger.RegistryTopic = "0.0.900"
	gateway.FailSends(func(string, []byte) error { return errors.New("ledger unavailable") })

	done := make(chan error, 1)
	go func() {
		done <- initialize(context.Background(), agent, gateway, cfg, clk, logger)
	}()

	if failure := testutil.RequireReceive(t, failures, 5*time.Second); failure.Stage != lynxify.StageHCS10 {
		t.Errorf("stage = %s", failure.Stage)
	}
	clk.WaitForTimers(1)
	gateway.FailSends(nil)
	clk.Advance(initialRetryDelay)

	if err := testutil.RequireReceive(t, done, 5*time.Second); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if state := agent.State(); state != lynxify.StateRunning {
		t.Errorf("state = %s", state)
	}
}

func TestInitializeStopsWithContext(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	memory := ledger.NewMemory(clk, ledger.MemoryOptions{})
	memory.EnsureTopic("0.0.900", "registry")
	gateway := memory.Gateway()
	gateway.FailSends(func(string, []byte) error { return errors.New("ledger unavailable") })
	logger := testutil.Logger(t)

	agent, err := lynxify.New(lynxify.Config{
		AgentID:  "0.0.5001",
		TestMode: true,
		HCS10:    hcs10.Config{RegistryTopicID: "0.0.900"},
		Index:    index.Config{StaticWeights: map[string]float64{"BTC": 1}},
	}, lynxify.Deps{Gateway: gateway, Bus: eventbus.New(logger), Clock: clk, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { agent.Shutdown(context.Background()) })

	cfg := config.Default()
	cfg.Ledger.RegistryTopic = "0.0.900"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- initialize(ctx, agent, gateway, cfg, clk, logger)
	}()
	clk.WaitForTimers(1)
	cancel()

	if err := testutil.RequireReceive(t, done, 5*time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("initialize = %v", err)
	}
	if state := agent.State(); state != lynxify.StateStopped {
		t.Errorf("state = %s", state)
	}
}
