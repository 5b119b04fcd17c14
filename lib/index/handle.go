// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"maps"
	"slices"
	"time"

	"github.com/lynxify-labs/lynxify/lib/eventbus"
	"github.com/lynxify-labs/lynxify/lib/schema"
)

// HandleEnvelope applies one message from the index topic. Replays are
// no-ops. Messages of kinds the index does not own are ignored.
func (s *Service) HandleEnvelope(envelope schema.Envelope) {
	s.mu.Lock()
	stopped := s.shutdown
	s.mu.Unlock()
	if stopped {
		return
	}

	switch message := envelope.Contents.(type) {
	case *schema.RebalanceProposal:
		s.handleProposal(envelope, message)
	case *schema.RebalanceApproved:
		s.handleApproval(envelope, message)
	case *schema.RebalanceExecuted:
		s.handleExecuted(envelope, message)
	case *schema.RiskAlert:
		s.handleRiskAlert(message)
	case *schema.PolicyChange:
		s.handlePolicyChange(message)
	case *schema.ProposalSubmission, *schema.ProposalVote,
		*schema.ProposalExecution, *schema.ProposalCancellation:
		// Governance shares the topic in small deployments.
	case *schema.AgentInfo, *schema.AgentRequest, *schema.AgentResponse,
		*schema.AgentVerification, *schema.AgentDiscovery:
	default:
		s.logger.Debug("unexpected message on index topic", "sequence_number", envelope.SequenceNumber)
	}
}

// messageTime is the ledger's time for an envelope, falling back to the
// local clock for envelopes built by hand.
func (s *Service) messageTime(envelope schema.Envelope) time.Time {
	if !envelope.ConsensusTimestamp.IsZero() {
		return envelope.ConsensusTimestamp
	}
	return s.clock.Now()
}

// knownLocked reports whether id has been seen in any state.
func (s *Service) knownLocked(id string) bool {
	if _, ok := s.active[id]; ok {
		return true
	}
	if _, ok := s.executedIDs[id]; ok {
		return true
	}
	_, ok := s.expired[id]
	return ok
}

func (s *Service) handleProposal(envelope schema.Envelope, message *schema.RebalanceProposal) {
	id := message.ID
	createdAt := s.messageTime(envelope)
	expiresAt := createdAt.Add(s.config.ProposalTTL)
	if message.Details.ExpiresAt > 0 {
		expiresAt = time.UnixMilli(message.Details.ExpiresAt)
	}

	s.mu.Lock()
	if s.knownLocked(id) {
		s.mu.Unlock()
		return
	}
	if s.clock.Now().After(expiresAt) {
		s.expired[id] = struct{}{}
		s.mu.Unlock()
		s.logger.Info("proposal arrived expired", "proposal_id", id, "expires_at", expiresAt)
		s.persist(s.ctx)
		return
	}
	proposal := &Proposal{
		ID:         id,
		NewWeights: maps.Clone(message.Details.NewWeights),
		Trigger:    message.Details.Trigger,
		Reason:     message.Details.Reason,
		Proposer:   message.Sender,
		CreatedAt:  createdAt,
		ExpiresAt:  expiresAt,
	}
	s.active[id] = proposal
	created := proposal.clone()
	s.mu.Unlock()

	s.logger.Info("rebalance proposal received",
		"proposal_id", id,
		"trigger", created.Trigger,
		"proposer", created.Proposer,
	)
	s.bus.Emit(eventbus.IndexProposalCreated, created)
	s.persist(s.ctx)
}

func (s *Service) handleApproval(envelope schema.Envelope, message *schema.RebalanceApproved) {
	id := message.Details.ProposalID
	now := s.clock.Now()

	s.mu.Lock()
	proposal, ok := s.active[id]
	if !ok {
		_, executed := s.executedIDs[id]
		_, expired := s.expired[id]
		s.mu.Unlock()
		if !executed && !expired {
			s.logger.Warn("approval for unknown proposal", "proposal_id", id)
		}
		return
	}
	if proposal.Approved {
		s.mu.Unlock()
		return
	}
	if now.After(proposal.ExpiresAt) {
		expired := s.expireLocked(proposal)
		s.mu.Unlock()
		s.logger.Warn("approval arrived after proposal expired", "proposal_id", id)
		s.bus.Emit(eventbus.IndexProposalExpired, expired)
		s.persist(s.ctx)
		return
	}
	proposal.Approved = true
	proposal.ApprovedAt = s.messageTime(envelope)
	if message.Details.ApprovedAt > 0 {
		proposal.ApprovedAt = time.UnixMilli(message.Details.ApprovedAt)
	}
	if message.Details.Votes != nil {
		proposal.Votes = *message.Details.Votes
	}
	approved := proposal.clone()
	s.mu.Unlock()

	s.logger.Info("rebalance approved", "proposal_id", id, "approver", message.Sender)
	s.bus.Emit(eventbus.IndexRebalanceApproved, approved)
	s.persist(s.ctx)

	if s.config.Executor {
		if _, err := s.Execute(s.ctx, id); err != nil {
			s.logger.Error("executing approved proposal", "proposal_id", id, "error", err)
		}
	}
}

func (s *Service) handleExecuted(envelope schema.Envelope, message *schema.RebalanceExecuted) {
	details := message.Details
	report := ExecutionReport{
		ProposalID:   details.ProposalID,
		Executor:     message.Sender,
		Operations:   slices.Clone(details.Operations),
		PreBalances:  maps.Clone(details.PreBalances),
		PostBalances: maps.Clone(details.PostBalances),
		Weights:      Normalize(details.PostBalances),
		Outcome:      outcomeOf(details.Operations),
		ExecutedAt:   s.messageTime(envelope),
	}
	if details.ExecutedAt > 0 {
		report.ExecutedAt = time.UnixMilli(details.ExecutedAt)
	}
	if !details.Success && report.Outcome == ExecutionComplete {
		report.Outcome = ExecutionRejected
	}

	s.mu.Lock()
	if _, done := s.executedIDs[report.ProposalID]; done {
		s.mu.Unlock()
		return
	}
	_, local := s.active[report.ProposalID]
	s.applyExecutionLocked(report)
	s.mu.Unlock()

	s.logger.Info("rebalance executed",
		"proposal_id", report.ProposalID,
		"executor", report.Executor,
		"outcome", report.Outcome,
		"known_locally", local,
	)
	s.bus.Emit(eventbus.IndexRebalanceExecuted, report.clone())
	s.persist(s.ctx)
}

// applyExecutionLocked records a finished execution and adopts its
// realized weights.
func (s *Service) applyExecutionLocked(report ExecutionReport) {
	id := report.ProposalID
	delete(s.active, id)
	s.executedIDs[id] = struct{}{}
	s.executed = append(s.executed, report.clone())
	if len(s.executed) > maxExecutedHistory {
		s.executed = slices.Delete(s.executed, 0, len(s.executed)-maxExecutedHistory)
	}
	if len(report.Weights) > 0 {
		s.current = maps.Clone(report.Weights)
	}
	if s.latched && s.latchedID == id {
		s.latched, s.latchedID = false, ""
	}
}

// expireLocked moves an active proposal to the expired set.
func (s *Service) expireLocked(proposal *Proposal) Proposal {
	delete(s.active, proposal.ID)
	s.expired[proposal.ID] = struct{}{}
	if s.latched && s.latchedID == proposal.ID {
		s.latched, s.latchedID = false, ""
	}
	return proposal.clone()
}

// ExpireProposals expires every unapproved proposal whose deadline has
// passed and returns them.
func (s *Service) ExpireProposals() []Proposal {
	now := s.clock.Now()
	s.mu.Lock()
	var expired []Proposal
	for _, id := range sortedKeys(s.active) {
		proposal := s.active[id]
		if !proposal.Approved && now.After(proposal.ExpiresAt) {
			expired = append(expired, s.expireLocked(proposal))
		}
	}
	s.mu.Unlock()

	for _, proposal := range expired {
		s.logger.Info("proposal expired", "proposal_id", proposal.ID, "expires_at", proposal.ExpiresAt)
		s.bus.Emit(eventbus.IndexProposalExpired, proposal)
	}
	if len(expired) > 0 {
		s.persist(s.ctx)
	}
	return expired
}

func (s *Service) handleRiskAlert(message *schema.RiskAlert) {
	if s.seen.Contains(message.ID) {
		return
	}
	s.seen.Add(message.ID, struct{}{})

	alert := *message
	alert.Details.AffectedTokens = slices.Clone(message.Details.AffectedTokens)
	alert.Details.Metrics = maps.Clone(message.Details.Metrics)
	s.mu.Lock()
	s.alerts = append(s.alerts, alert)
	if len(s.alerts) > maxAlertHistory {
		s.alerts = slices.Delete(s.alerts, 0, len(s.alerts)-maxAlertHistory)
	}
	s.mu.Unlock()

	s.logger.Warn("risk alert",
		"severity", alert.Details.Severity,
		"affected_tokens", alert.Details.AffectedTokens,
		"sender", alert.Sender,
	)
	s.bus.Emit(eventbus.IndexRiskAlert, alert)
}

func (s *Service) handlePolicyChange(message *schema.PolicyChange) {
	if s.seen.Contains(message.ID) {
		return
	}
	s.seen.Add(message.ID, struct{}{})
	details := message.Details

	var added, removed []TokenChange
	s.mu.Lock()
	if details.RebalanceThreshold != nil {
		s.rebalanceThreshold = *details.RebalanceThreshold
	}
	if details.RiskThreshold != nil {
		s.riskThreshold = *details.RiskThreshold
	}
	for _, symbol := range sortedKeys(details.AddTokens) {
		weight := details.AddTokens[symbol]
		_, existed := s.static[symbol]
		s.static[symbol] = weight
		if _, held := s.current[symbol]; !held {
			s.current[symbol] = 0
		}
		if !existed {
			s.history[symbol] = newPriceHistory(s.config.HistorySize)
			added = append(added, TokenChange{Symbol: symbol, StaticWeight: weight})
		}
	}
	for _, symbol := range details.RemoveTokens {
		weight, ok := s.static[symbol]
		if !ok {
			continue
		}
		delete(s.static, symbol)
		delete(s.history, symbol)
		delete(s.tokenRisk, symbol)
		for other, m := range s.tokenRisk {
			delete(m.Correlations, symbol)
			s.tokenRisk[other] = m
		}
		delete(s.current, symbol)
		removed = append(removed, TokenChange{Symbol: symbol, StaticWeight: weight})
	}
	if len(removed) > 0 {
		if normalized := Normalize(s.current); normalized != nil {
			s.current = normalized
		}
	}
	state := PolicyState{
		RebalanceThreshold: s.rebalanceThreshold,
		RiskThreshold:      s.riskThreshold,
		StaticWeights:      maps.Clone(s.static),
		Reason:             details.Reason,
	}
	s.mu.Unlock()

	s.logger.Info("policy changed",
		"rebalance_threshold", state.RebalanceThreshold,
		"risk_threshold", state.RiskThreshold,
		"added", len(added),
		"removed", len(removed),
	)
	for _, change := range added {
		s.bus.Emit(eventbus.IndexTokenAdded, change)
	}
	for _, change := range removed {
		s.bus.Emit(eventbus.IndexTokenRemoved, change)
	}
	s.bus.Emit(eventbus.IndexPolicyChanged, state)
	s.persist(s.ctx)
}
