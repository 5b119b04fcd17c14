// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package lynxify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lynxify-labs/lynxify/lib/governance"
	"github.com/lynxify-labs/lynxify/lib/index"
	"github.com/lynxify-labs/lynxify/lib/schema"
)

// SubmitApproval opens a governance vote on approving the rebalance
// proposal proposalID and returns the governance proposal id. When the
// vote passes, the executing governance instance publishes
// RebalanceApproved on the index topic.
func (a *Agent) SubmitApproval(ctx context.Context, proposalID, description string) (string, error) {
	r := a.running()
	if r == nil {
		return "", ErrNotRunning
	}
	if r.governance == nil {
		return "", ErrGovernanceDisabled
	}
	proposal, ok := r.index.Proposal(proposalID)
	if !ok {
		return "", fmt.Errorf("lynxify: submit approval: %w: %s", index.ErrUnknownProposal, proposalID)
	}
	if description == "" {
		description = proposal.Reason
	}
	return r.governance.Submit(ctx, governance.SubmitRequest{
		Title:       "Approve rebalance " + proposalID,
		Description: description,
		Type:        governance.TypeApproveRebalance,
		Parameters:  schema.ApproveRebalanceParameters{ProposalID: proposalID},
	})
}

// approveRebalance executes a passed approve_rebalance proposal by
// publishing the approval with its tally.
func (a *Agent) approveRebalance(r *run) governance.Handler {
	return func(ctx context.Context, proposal governance.Proposal) (string, error) {
		var parameters schema.ApproveRebalanceParameters
		if err := json.Unmarshal(proposal.Parameters, &parameters); err != nil {
			return "", fmt.Errorf("decoding parameters: %w", err)
		}
		if parameters.ProposalID == "" {
			return "", errors.New("parameters name no proposalId")
		}
		if _, ok := r.index.Proposal(parameters.ProposalID); !ok {
			return "", fmt.Errorf("%w: %s", index.ErrUnknownProposal, parameters.ProposalID)
		}

		now := a.clock.Now()
		tally := proposal.Tally.VoteTally()
		message := &schema.RebalanceApproved{
			Header: schema.NewHeader(schema.KindRebalanceApproved, a.config.AgentID, now),
			Details: schema.RebalanceApprovedDetails{
				ProposalID: parameters.ProposalID,
				ApprovedAt: now.UnixMilli(),
				Votes:      &tally,
			},
		}
		payload, err := schema.Encode(message)
		if err != nil {
			return "", err
		}
		if _, err := a.gateway.SendMessage(ctx, r.indexTopic, payload); err != nil {
			return "", fmt.Errorf("publishing approval: %w", err)
		}
		a.logger.Info("rebalance approved by governance",
			"proposal_id", parameters.ProposalID,
			"governance_proposal_id", proposal.ID,
			"votes_for", tally.For,
			"votes_against", tally.Against,
		)
		return "approved rebalance " + parameters.ProposalID, nil
	}
}
