// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/lynxify-labs/lynxify/lib/eventbus"
	"github.com/lynxify-labs/lynxify/lib/schema"
)

// UpdatePrice records a price, refreshes the token's risk metrics and
// proposes a rebalance if the implied weights have drifted past the
// threshold. Prices for tokens outside the index are rejected.
func (s *Service) UpdatePrice(update schema.PriceUpdate) error {
	if math.IsNaN(update.Price) || math.IsInf(update.Price, 0) || update.Price <= 0 {
		return fmt.Errorf("%w: %s at %v", ErrInvalidPrice, update.Symbol, update.Price)
	}
	if update.Timestamp.IsZero() {
		update.Timestamp = s.clock.Now()
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	history, ok := s.history[update.Symbol]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownToken, update.Symbol)
	}
	history.add(PricePoint{Price: update.Price, Timestamp: update.Timestamp, Source: update.Source})
	s.refreshRiskLocked(update.Symbol, update.Timestamp)

	prices := make(map[string]float64, len(s.history))
	for symbol, h := range s.history {
		if point, ok := h.latest(); ok {
			prices[symbol] = point.Price
		}
	}
	implied := ImpliedWeights(s.static, prices)
	if implied == nil {
		s.mu.Unlock()
		return nil
	}
	deviation, symbol := MaxDeviation(implied, s.current)
	if deviation <= s.rebalanceThreshold {
		s.latched, s.latchedID = false, ""
		s.mu.Unlock()
		return nil
	}
	if s.latched {
		s.mu.Unlock()
		return nil
	}
	message := s.newProposalLocked(implied, schema.TriggerPriceDeviation)
	s.latched, s.latchedID = true, message.ID
	current := maps.Clone(s.current)
	threshold := s.rebalanceThreshold
	s.mu.Unlock()

	s.logger.Info("price deviation past threshold",
		"symbol", symbol,
		"deviation", deviation,
		"threshold", threshold,
		"proposal_id", message.ID,
	)
	if err := s.propose(s.ctx, message, current); err != nil {
		s.mu.Lock()
		if s.latchedID == message.ID {
			s.latched, s.latchedID = false, ""
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// refreshRiskLocked recomputes the metrics of symbol and its
// correlation with every other token that has enough history.
func (s *Service) refreshRiskLocked(symbol string, now time.Time) {
	prices := s.history[symbol].prices()
	if len(prices) < 2 {
		return
	}
	metrics := TokenRiskMetrics{
		Volatility:   StdDev(Returns(prices)),
		Drawdown:     MaxDrawdown(prices),
		Correlations: make(map[string]float64),
		LastUpdated:  now,
	}
	for other, h := range s.history {
		if other == symbol || h.len() < 2 {
			continue
		}
		correlation := Correlation(prices, h.prices())
		metrics.Correlations[other] = correlation
		if m, ok := s.tokenRisk[other]; ok {
			if m.Correlations == nil {
				m.Correlations = make(map[string]float64)
			}
			m.Correlations[symbol] = correlation
			s.tokenRisk[other] = m
		}
	}
	s.tokenRisk[symbol] = metrics
}

func (s *Service) newProposalLocked(weights map[string]float64, trigger schema.Trigger) *schema.RebalanceProposal {
	now := s.clock.Now()
	return &schema.RebalanceProposal{
		Header: schema.NewHeader(schema.KindRebalanceProposal, s.config.AgentID, now),
		Details: schema.RebalanceProposalDetails{
			NewWeights: maps.Clone(weights),
			Trigger:    trigger,
			ExpiresAt:  now.Add(s.config.ProposalTTL).UnixMilli(),
		},
	}
}

// propose fills in the reason and publishes message. The proposal joins
// the active set when it comes back on the index topic.
func (s *Service) propose(ctx context.Context, message *schema.RebalanceProposal, current map[string]float64) error {
	message.Details.Reason = s.reason(ctx, current, message.Details.NewWeights, message.Details.Trigger)
	if err := s.publish(ctx, message); err != nil {
		s.logger.Error("publishing rebalance proposal", "proposal_id", message.ID, "error", err)
		return fmt.Errorf("index: publish proposal: %w", err)
	}
	s.bus.Emit(eventbus.IndexRebalanceProposed, Proposal{
		ID:         message.ID,
		NewWeights: maps.Clone(message.Details.NewWeights),
		Trigger:    message.Details.Trigger,
		Reason:     message.Details.Reason,
		Proposer:   message.Sender,
		CreatedAt:  message.Time(),
		ExpiresAt:  time.UnixMilli(message.Details.ExpiresAt),
	})
	return nil
}

func (s *Service) reason(ctx context.Context, current, proposed map[string]float64, trigger schema.Trigger) string {
	if s.summarizer != nil {
		text, err := s.summarizer.SummarizeRebalance(ctx, current, proposed, trigger)
		if err == nil && strings.TrimSpace(text) != "" {
			return text
		}
		if err != nil {
			s.logger.Debug("summarizer unavailable, using generated reason", "error", err)
		}
	}
	return DescribeRebalance(current, proposed, trigger)
}

// DescribeRebalance is the generated reason for a proposal: the trigger
// and the change of every token whose weight moves.
func DescribeRebalance(current, proposed map[string]float64, trigger schema.Trigger) string {
	var b strings.Builder
	switch trigger {
	case schema.TriggerPriceDeviation:
		b.WriteString("Price movement pushed the index away from its target weights.")
	case schema.TriggerRiskThreshold:
		b.WriteString("Portfolio risk rose to high; reducing exposure to flagged tokens.")
	default:
		b.WriteString("Scheduled rebalance.")
	}
	symbols := sortedKeys(proposed)
	for symbol := range current {
		if _, ok := proposed[symbol]; !ok {
			symbols = append(symbols, symbol)
		}
	}
	slices.Sort(symbols)
	for _, symbol := range symbols {
		from, to := current[symbol], proposed[symbol]
		if math.Abs(to-from) < 0.0005 {
			continue
		}
		fmt.Fprintf(&b, " %s %.1f%% -> %.1f%%.", symbol, from*100, to*100)
	}
	return b.String()
}

// ProposeRebalance publishes a proposal to move to weights. The weights
// are normalized first.
func (s *Service) ProposeRebalance(ctx context.Context, weights map[string]float64, trigger schema.Trigger) (string, error) {
	normalized := Normalize(weights)
	if normalized == nil {
		return "", fmt.Errorf("index: propose: no weights")
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return "", ErrShutdown
	}
	message := s.newProposalLocked(normalized, trigger)
	current := maps.Clone(s.current)
	s.mu.Unlock()
	if err := s.propose(ctx, message, current); err != nil {
		return "", err
	}
	return message.ID, nil
}

// ProposeRiskBasedRebalance proposes halving the weight of the flagged
// tokens and spreading the difference over the rest.
func (s *Service) ProposeRiskBasedRebalance(ctx context.Context, flagged []string) (string, error) {
	s.mu.Lock()
	weights := RiskMitigationWeights(s.current, flagged)
	s.mu.Unlock()
	if weights == nil {
		return "", fmt.Errorf("index: propose: no current weights")
	}
	return s.ProposeRebalance(ctx, weights, schema.TriggerRiskThreshold)
}

// AssessPortfolioRisk grades the portfolio from the per-token metrics.
// ok is false when there is not enough data, in which case nothing
// changes. When the level rises to high, a RiskAlert and a
// risk_threshold proposal are published.
func (s *Service) AssessPortfolioRisk() (PortfolioRiskMetrics, bool) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return PortfolioRiskMetrics{}, false
	}
	rules := AssessmentRules{RiskThreshold: s.riskThreshold, MaxDrawdown: s.config.MaxDrawdown}
	result, ok := AssessPortfolio(s.current, s.tokenRisk, rules, s.clock.Now())
	if !ok {
		s.mu.Unlock()
		return PortfolioRiskMetrics{}, false
	}
	escalated := result.Level == RiskHigh && (!s.assessed || s.portfolio.Level != RiskHigh)
	s.portfolio, s.assessed = result, true
	flagged := slices.Clone(result.HighRiskTokens)
	if escalated && len(flagged) == 0 {
		// Concentration alone; trim the heaviest token.
		heaviest, weight := "", -1.0
		for _, symbol := range sortedKeys(s.current) {
			if s.current[symbol] > weight {
				heaviest, weight = symbol, s.current[symbol]
			}
		}
		flagged = []string{heaviest}
	}
	s.mu.Unlock()

	s.logger.Info("portfolio risk assessed",
		"level", result.Level,
		"total_volatility", result.TotalVolatility,
		"concentration", result.ConcentrationRisk,
		"high_risk_tokens", result.HighRiskTokens,
	)
	s.bus.Emit(eventbus.IndexRiskAssessed, result)
	s.persist(s.ctx)

	if escalated {
		s.raiseRiskAlert(result, flagged)
	}
	return result, true
}

func (s *Service) raiseRiskAlert(result PortfolioRiskMetrics, flagged []string) {
	alert := &schema.RiskAlert{
		Header: schema.NewHeader(schema.KindRiskAlert, s.config.AgentID, s.clock.Now()),
		Details: schema.RiskAlertDetails{
			Severity:       schema.SeverityHigh,
			Description:    fmt.Sprintf("portfolio risk is high (volatility %.4f, concentration %.4f)", result.TotalVolatility, result.ConcentrationRisk),
			AffectedTokens: flagged,
			Metrics: map[string]float64{
				"totalVolatility":      result.TotalVolatility,
				"concentrationRisk":    result.ConcentrationRisk,
				"diversificationScore": result.DiversificationScore,
				"marketRisk":           result.MarketRisk,
			},
		},
	}
	if err := s.publish(s.ctx, alert); err != nil {
		s.logger.Error("publishing risk alert", "error", err)
	}
	if _, err := s.ProposeRiskBasedRebalance(s.ctx, flagged); err != nil {
		s.logger.Error("proposing risk rebalance", "error", err)
	}
}
