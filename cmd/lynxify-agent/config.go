// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"maps"
	"slices"

	"github.com/lynxify-labs/lynxify/lib/config"
	"github.com/lynxify-labs/lynxify/lib/governance"
	"github.com/lynxify-labs/lynxify/lib/hcs10"
	"github.com/lynxify-labs/lynxify/lib/index"
	"github.com/lynxify-labs/lynxify/lib/lynxify"
)

// newAgentConfig maps the file configuration onto the coordinator's.
// policy supplies the token weights and thresholds.
func newAgentConfig(cfg *config.Config, policy *config.Policy) lynxify.Config {
	return lynxify.Config{
		AgentID:      cfg.Agent.ID,
		Capabilities: slices.Clone(cfg.Agent.Capabilities),
		HCS10: hcs10.Config{
			RegistryTopicID:      cfg.Ledger.RegistryTopic,
			InboundTopicID:       cfg.Ledger.InboundTopic,
			DefaultTimeout:       cfg.HCS10.RequestTimeout.Std(),
			RegistrationInterval: cfg.HCS10.RegistrationInterval.Std(),
			DiscoveryInterval:    cfg.HCS10.DiscoveryInterval.Std(),
		},
		Index: index.Config{
			IndexTopicID:       cfg.Ledger.IndexTopic,
			StaticWeights:      maps.Clone(policy.Tokens),
			InitialWeights:     maps.Clone(policy.InitialWeights),
			RebalanceThreshold: policy.RebalanceThreshold,
			RiskThreshold:      policy.RiskThreshold,
			MaxDrawdown:        cfg.Index.MaxDrawdown,
			RiskInterval:       cfg.Index.RiskInterval.Std(),
			ProposalTTL:        cfg.Index.ProposalTTL.Std(),
			HistorySize:        cfg.Index.HistorySize,
			Executor:           cfg.Index.Executor,
		},
		GovernanceEnabled: cfg.Governance.Enabled,
		Governance: governance.Config{
			TopicID: cfg.Ledger.GovernanceTopic,
			Rules: governance.Rules{
				TotalVotingPower:  cfg.Governance.TotalVotingPower,
				Quorum:            cfg.Governance.Quorum,
				ApprovalThreshold: cfg.Governance.ApprovalThreshold,
			},
			VoterWeights: maps.Clone(cfg.Governance.VoterWeights),
			VotingPeriod: cfg.Governance.VotingPeriod.Std(),
			Executor:     cfg.Governance.Executor,
		},
		NotifyTimeout: cfg.HCS10.RequestTimeout.Std(),
	}
}
