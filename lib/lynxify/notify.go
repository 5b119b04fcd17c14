// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package lynxify

import (
	"github.com/lynxify-labs/lynxify/lib/eventbus"
	"github.com/lynxify-labs/lynxify/lib/hcs10"
	"github.com/lynxify-labs/lynxify/lib/index"
	"github.com/lynxify-labs/lynxify/lib/schema"
)

// onProposalCreated asks reviewing peers about proposals this agent
// made.
func (a *Agent) onProposalCreated(r *run) func(eventbus.Event) {
	return func(event eventbus.Event) {
		proposal, ok := event.Payload.(index.Proposal)
		if !ok || proposal.Proposer != a.config.AgentID {
			return
		}
		a.notifyPeers(r, a.config.ProposalCapability, Request{
			Action:     ActionReviewRebalance,
			ProposalID: proposal.ID,
			NewWeights: proposal.NewWeights,
			Trigger:    proposal.Trigger,
			Reason:     proposal.Reason,
		})
	}
}

// onRiskAlert forwards this agent's risk alerts to risk peers.
func (a *Agent) onRiskAlert(r *run) func(eventbus.Event) {
	return func(event eventbus.Event) {
		alert, ok := event.Payload.(schema.RiskAlert)
		if !ok || alert.Sender != a.config.AgentID {
			return
		}
		a.notifyPeers(r, a.config.AlertCapability, Request{
			Action:         ActionRiskAlert,
			Severity:       alert.Details.Severity,
			Description:    alert.Details.Description,
			AffectedTokens: alert.Details.AffectedTokens,
		})
	}
}

// notifyPeers sends contents to every reachable peer advertising
// capability without waiting for the responses, which arrive as
// HCS10_RESPONSE_RECEIVED.
func (a *Agent) notifyPeers(r *run, capability string, contents Request) {
	peers := r.protocol.FindAgents(hcs10.And(hcs10.Reachable(), hcs10.HasCapability(capability)))
	options := hcs10.RequestOptions{Timeout: a.config.NotifyTimeout, NoWait: true}
	for _, peer := range peers {
		if peer.ID == a.config.AgentID {
			continue
		}
		outcome, err := r.protocol.SendRequest(a.ctx, peer.ID, contents, options)
		if err != nil {
			a.logger.Warn("notifying peer failed",
				"peer_id", peer.ID,
				"action", contents.Action,
				"error", err,
			)
			continue
		}
		a.logger.Debug("peer notified",
			"peer_id", peer.ID,
			"action", contents.Action,
			"request_id", outcome.RequestID,
		)
	}
}
