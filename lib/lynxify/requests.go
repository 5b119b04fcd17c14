// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package lynxify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lynxify-labs/lynxify/lib/eventbus"
	"github.com/lynxify-labs/lynxify/lib/hcs10"
	"github.com/lynxify-labs/lynxify/lib/index"
	"github.com/lynxify-labs/lynxify/lib/schema"
)

// Actions answered by the agent.
const (
	ActionPing            = "ping"
	ActionGetWeights      = "get_weights"
	ActionGetRisk         = "get_risk"
	ActionReviewRebalance = "review_rebalance"
	ActionRiskAlert       = "risk_alert"
)

// reviewTimeout bounds the summarizer call behind review_rebalance.
const reviewTimeout = 20 * time.Second

// Request is the contents of an agent request. Fields other than
// Action are read by the actions that need them.
type Request struct {
	Action string `json:"action"`

	// review_rebalance
	ProposalID string             `json:"proposalId,omitempty"`
	NewWeights map[string]float64 `json:"newWeights,omitempty"`
	Trigger    schema.Trigger     `json:"trigger,omitempty"`
	Reason     string             `json:"reason,omitempty"`

	// risk_alert
	Severity       schema.Severity `json:"severity,omitempty"`
	Description    string          `json:"description,omitempty"`
	AffectedTokens []string        `json:"affectedTokens,omitempty"`
}

// PingReply answers ping.
type PingReply struct {
	Status    string `json:"status"`
	AgentID   string `json:"agentId"`
	Timestamp int64  `json:"timestamp"`
}

// WeightsReply answers get_weights.
type WeightsReply struct {
	Current            map[string]float64 `json:"current"`
	Static             map[string]float64 `json:"static"`
	RebalanceThreshold float64            `json:"rebalanceThreshold"`
	RiskThreshold      float64            `json:"riskThreshold"`
}

// RiskReply answers get_risk. Assessed is false until the first
// portfolio assessment, and the metrics are then zero.
type RiskReply struct {
	Assessed             bool     `json:"assessed"`
	Level                string   `json:"level,omitempty"`
	TotalVolatility      float64  `json:"totalVolatility"`
	DiversificationScore float64  `json:"diversificationScore"`
	ConcentrationRisk    float64  `json:"concentrationRisk"`
	MarketRisk           float64  `json:"marketRisk"`
	HighRiskTokens       []string `json:"highRiskTokens,omitempty"`
	AssessedAt           int64    `json:"assessedAt,omitempty"`
}

// ReviewReply answers review_rebalance.
type ReviewReply struct {
	ProposalID string `json:"proposalId,omitempty"`
	Summary    string `json:"summary"`
	// MaxDeviation is the largest weight change the proposal makes
	// against this agent's current weights, and Token the token it
	// applies to.
	MaxDeviation float64 `json:"maxDeviation"`
	Token        string  `json:"token,omitempty"`
}

// AlertReply acknowledges risk_alert.
type AlertReply struct {
	Acknowledged bool `json:"acknowledged"`
}

var errUnknownAction = errors.New("unknown action")

func (a *Agent) onRequest(r *run) func(eventbus.Event) {
	return func(event eventbus.Event) {
		inbound, ok := event.Payload.(hcs10.InboundRequest)
		if !ok || inbound.Request == nil {
			return
		}
		a.answer(r, inbound.Request)
	}
}

// answer dispatches one inbound request and sends the response or an
// error response.
func (a *Agent) answer(r *run, request *schema.AgentRequest) {
	reply, err := a.dispatch(a.ctx, r, request.Details.Contents)
	if err != nil {
		a.logger.Warn("rejecting agent request",
			"request_id", request.ID,
			"requester_id", request.Sender,
			"error", err,
		)
		if err := r.protocol.SendErrorResponse(a.ctx, request.Sender, request.ID, err.Error()); err != nil {
			a.logger.Warn("sending error response failed", "request_id", request.ID, "error", err)
		}
		return
	}
	if err := r.protocol.SendResponse(a.ctx, request.Sender, request.ID, reply); err != nil {
		a.logger.Warn("sending response failed", "request_id", request.ID, "error", err)
	}
}

func (a *Agent) dispatch(ctx context.Context, r *run, contents json.RawMessage) (any, error) {
	var request Request
	if err := json.Unmarshal(contents, &request); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}

	switch request.Action {
	case ActionPing:
		return PingReply{Status: "ok", AgentID: a.config.AgentID, Timestamp: a.clock.Now().UnixMilli()}, nil

	case ActionGetWeights:
		rebalance, risk := r.index.Thresholds()
		return WeightsReply{
			Current:            r.index.CurrentWeights(),
			Static:             r.index.StaticWeights(),
			RebalanceThreshold: rebalance,
			RiskThreshold:      risk,
		}, nil

	case ActionGetRisk:
		metrics, ok := r.index.PortfolioRisk()
		if !ok {
			return RiskReply{}, nil
		}
		return RiskReply{
			Assessed:             true,
			Level:                string(metrics.Level),
			TotalVolatility:      metrics.TotalVolatility,
			DiversificationScore: metrics.DiversificationScore,
			ConcentrationRisk:    metrics.ConcentrationRisk,
			MarketRisk:           metrics.MarketRisk,
			HighRiskTokens:       metrics.HighRiskTokens,
			AssessedAt:           metrics.AssessedAt.UnixMilli(),
		}, nil

	case ActionReviewRebalance:
		return a.review(ctx, r, request)

	case ActionRiskAlert:
		a.logger.Warn("peer reported risk alert",
			"severity", request.Severity,
			"description", request.Description,
			"affected_tokens", request.AffectedTokens,
		)
		return AlertReply{Acknowledged: true}, nil

	case "":
		return nil, errors.New("request has no action")
	default:
		return nil, fmt.Errorf("%w %q", errUnknownAction, request.Action)
	}
}

// review summarizes a proposed rebalance against the current weights.
// The weights come from the request, or from the proposal this agent
// holds under the request's proposal id.
func (a *Agent) review(ctx context.Context, r *run, request Request) (ReviewReply, error) {
	proposed, trigger := request.NewWeights, request.Trigger
	if len(proposed) == 0 && request.ProposalID != "" {
		if proposal, ok := r.index.Proposal(request.ProposalID); ok {
			proposed, trigger = proposal.NewWeights, proposal.Trigger
		}
	}
	if len(proposed) == 0 {
		return ReviewReply{}, errors.New("review_rebalance needs newWeights or a known proposalId")
	}

	current := r.index.CurrentWeights()
	deviation, token := index.MaxDeviation(proposed, current)
	summary := ""
	if a.summarizer != nil {
		ctx, cancel := context.WithTimeout(ctx, reviewTimeout)
		text, err := a.summarizer.SummarizeRebalance(ctx, current, proposed, trigger)
		cancel()
		if err != nil {
			a.logger.Warn("summarizing rebalance failed, using the canned description", "proposal_id", request.ProposalID, "error", err)
		} else {
			summary = text
		}
	}
	if summary == "" {
		summary = index.DescribeRebalance(current, proposed, trigger)
	}
	return ReviewReply{
		ProposalID:   request.ProposalID,
		Summary:      summary,
		MaxDeviation: deviation,
		Token:        token,
	}, nil
}
