// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package lynxify

import (
	"context"

	"github.com/lynxify-labs/lynxify/lib/service"
)

// RegisterActions serves the agent's read-only status API on server.
// Every action except status fails while the agent is not running.
func (a *Agent) RegisterActions(server *service.SocketServer) {
	server.Handle(service.ActionStatus, func(ctx context.Context, raw []byte) (any, error) {
		return a.StatusReply(), nil
	})
	server.Handle(service.ActionWeights, a.requireRunning(func(r *run) any { return weightsReply(r) }))
	server.Handle(service.ActionProposals, a.requireRunning(func(r *run) any { return proposalsReply(r) }))
	server.Handle(service.ActionRisk, a.requireRunning(func(r *run) any { return riskReply(r) }))
	server.Handle(service.ActionAgents, a.requireRunning(func(r *run) any { return agentsReply(r) }))
	server.Handle(service.ActionGovernance, a.requireRunning(func(r *run) any {
		if r.governance == nil {
			return []service.GovernanceSummary{}
		}
		return governanceReply(r)
	}))
}

func (a *Agent) requireRunning(reply func(r *run) any) service.ActionFunc {
	return func(ctx context.Context, raw []byte) (any, error) {
		r := a.running()
		if r == nil {
			return nil, ErrNotRunning
		}
		return reply(r), nil
	}
}

// StatusReply describes the agent's lifecycle and topics.
func (a *Agent) StatusReply() service.StatusReply {
	a.mu.Lock()
	state, startedAt, r := a.state, a.startedAt, a.current
	a.mu.Unlock()

	reply := service.StatusReply{
		AgentID:   a.config.AgentID,
		Version:   a.config.Version,
		State:     string(state),
		StartedAt: startedAt,
		Topics:    map[string]string{},
	}
	if r == nil {
		return reply
	}
	reply.Registration = string(r.protocol.Status())
	reply.Topics["registry"] = r.protocol.RegistryTopicID()
	reply.Topics["inbound"] = r.protocol.InboundTopicID()
	reply.Topics["index"] = r.indexTopic
	reply.KnownAgents = len(r.protocol.Agents())
	reply.Active = len(r.index.ActiveProposals())
	reply.Executed = len(r.index.Executions())
	if r.governance != nil {
		reply.Governance = true
		reply.Topics["governance"] = r.governance.TopicID()
	}
	return reply
}

func weightsReply(r *run) service.WeightsReply {
	rebalance, risk := r.index.Thresholds()
	reply := service.WeightsReply{
		Current:            r.index.CurrentWeights(),
		Static:             r.index.StaticWeights(),
		RebalanceThreshold: rebalance,
		RiskThreshold:      risk,
		DeviationLatched:   r.index.DeviationLatched(),
	}
	prices := r.index.Prices()
	if len(prices) > 0 {
		reply.Prices = make(map[string]float64, len(prices))
		for symbol, point := range prices {
			reply.Prices[symbol] = point.Price
		}
	}
	return reply
}

func proposalsReply(r *run) service.ProposalsReply {
	reply := service.ProposalsReply{
		Active:   []service.ProposalSummary{},
		Executed: []service.ExecutionSummary{},
	}
	for _, proposal := range r.index.ActiveProposals() {
		reply.Active = append(reply.Active, service.ProposalSummary{
			ID:         proposal.ID,
			Trigger:    string(proposal.Trigger),
			Reason:     proposal.Reason,
			Proposer:   proposal.Proposer,
			NewWeights: proposal.NewWeights,
			CreatedAt:  proposal.CreatedAt,
			ExpiresAt:  proposal.ExpiresAt,
			Approved:   proposal.Approved,
		})
	}
	for _, report := range r.index.Executions() {
		reply.Executed = append(reply.Executed, service.ExecutionSummary{
			ProposalID: report.ProposalID,
			Executor:   report.Executor,
			Outcome:    string(report.Outcome),
			Weights:    report.Weights,
			ExecutedAt: report.ExecutedAt,
			Error:      report.Error,
		})
	}
	return reply
}

func riskReply(r *run) service.RiskReply {
	reply := service.RiskReply{Tokens: map[string]service.TokenRisk{}}
	if metrics, ok := r.index.PortfolioRisk(); ok {
		reply.Level = string(metrics.Level)
		reply.TotalVolatility = metrics.TotalVolatility
		reply.DiversificationScore = metrics.DiversificationScore
		reply.ConcentrationRisk = metrics.ConcentrationRisk
		reply.MarketRisk = metrics.MarketRisk
		reply.HighRiskTokens = metrics.HighRiskTokens
		reply.AssessedAt = metrics.AssessedAt
	}
	for symbol, metrics := range r.index.TokenRisk() {
		reply.Tokens[symbol] = service.TokenRisk{Volatility: metrics.Volatility, Drawdown: metrics.Drawdown}
	}
	for _, alert := range r.index.RiskAlerts() {
		reply.Alerts = append(reply.Alerts, service.AlertSummary{
			ID:             alert.ID,
			Sender:         alert.Sender,
			Severity:       string(alert.Details.Severity),
			Description:    alert.Details.Description,
			AffectedTokens: alert.Details.AffectedTokens,
			Timestamp:      alert.Time(),
		})
	}
	return reply
}

func agentsReply(r *run) []service.AgentSummary {
	agents := r.protocol.Agents()
	reply := make([]service.AgentSummary, 0, len(agents))
	for _, agent := range agents {
		reply = append(reply, service.AgentSummary{
			AgentID:      agent.ID,
			TopicID:      agent.TopicID,
			Status:       string(agent.Status),
			Capabilities: agent.Capabilities,
			LastSeen:     agent.LastSeen,
		})
	}
	return reply
}

func governanceReply(r *run) []service.GovernanceSummary {
	proposals := r.governance.Proposals()
	reply := make([]service.GovernanceSummary, 0, len(proposals))
	for _, proposal := range proposals {
		reply = append(reply, service.GovernanceSummary{
			ID:       proposal.ID,
			Title:    proposal.Title,
			Type:     proposal.Type,
			Status:   string(proposal.Status),
			Proposer: proposal.Proposer,
			For:      proposal.Tally.For,
			Against:  proposal.Tally.Against,
			Abstain:  proposal.Tally.Abstain,
			Deadline: proposal.Deadline,
			Result:   proposal.Result,
		})
	}
	return reply
}
