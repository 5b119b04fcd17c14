// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"context"
	"maps"
	"slices"
)

const snapshotName = "index"

// snapshot is the persisted form of the state machine. Price history
// is not kept; it refills from the price feed.
type snapshot struct {
	StaticWeights      map[string]float64
	CurrentWeights     map[string]float64
	RebalanceThreshold float64
	RiskThreshold      float64
	Active             []Proposal
	Executed           []ExecutionReport
	ExecutedIDs        []string
	Expired            []string
	Latched            bool
	LatchedID          string
	Portfolio          *PortfolioRiskMetrics
}

func (s *Service) snapshotLocked() snapshot {
	snap := snapshot{
		StaticWeights:      maps.Clone(s.static),
		CurrentWeights:     maps.Clone(s.current),
		RebalanceThreshold: s.rebalanceThreshold,
		RiskThreshold:      s.riskThreshold,
		ExecutedIDs:        sortedKeys(s.executedIDs),
		Expired:            sortedKeys(s.expired),
		Latched:            s.latched,
		LatchedID:          s.latchedID,
	}
	for _, id := range sortedKeys(s.active) {
		snap.Active = append(snap.Active, s.active[id].clone())
	}
	for _, report := range s.executed {
		snap.Executed = append(snap.Executed, report.clone())
	}
	if s.assessed {
		portfolio := s.portfolio
		portfolio.HighRiskTokens = slices.Clone(portfolio.HighRiskTokens)
		snap.Portfolio = &portfolio
	}
	return snap
}

// persist saves the current state. Failures are logged and returned;
// the in-memory state stays authoritative.
func (s *Service) persist(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if err := s.store.SaveSnapshot(ctx, snapshotName, snap, s.clock.Now()); err != nil {
		s.logger.Error("saving index snapshot", "error", err)
		return err
	}
	return nil
}

// restore loads the persisted state, if any, over the configured one.
func (s *Service) restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	var snap snapshot
	found, err := s.store.LoadSnapshot(ctx, snapshotName, &snap)
	if err != nil || !found {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(snap.StaticWeights) > 0 {
		s.static = snap.StaticWeights
		history := make(map[string]*priceHistory, len(s.static))
		for symbol := range s.static {
			if h, ok := s.history[symbol]; ok {
				history[symbol] = h
			} else {
				history[symbol] = newPriceHistory(s.config.HistorySize)
			}
		}
		s.history = history
	}
	if len(snap.CurrentWeights) > 0 {
		s.current = snap.CurrentWeights
	}
	if snap.RebalanceThreshold > 0 {
		s.rebalanceThreshold = snap.RebalanceThreshold
	}
	if snap.RiskThreshold > 0 {
		s.riskThreshold = snap.RiskThreshold
	}
	for i := range snap.Active {
		proposal := snap.Active[i]
		s.active[proposal.ID] = &proposal
	}
	s.executed = snap.Executed
	for _, id := range snap.ExecutedIDs {
		s.executedIDs[id] = struct{}{}
	}
	for _, id := range snap.Expired {
		s.expired[id] = struct{}{}
	}
	s.latched, s.latchedID = snap.Latched, snap.LatchedID
	if snap.Portfolio != nil {
		s.portfolio, s.assessed = *snap.Portfolio, true
	}
	s.logger.Info("index state restored",
		"active_proposals", len(s.active),
		"executed", len(s.executedIDs),
	)
	return nil
}
