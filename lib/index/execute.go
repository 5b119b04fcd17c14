// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/lynxify-labs/lynxify/lib/eventbus"
	"github.com/lynxify-labs/lynxify/lib/schema"
)

// Execute carries out an approved proposal against the token ledger and
// publishes the result. Every operation is attempted; failures are
// recorded in the report and nothing is rolled back. The realized
// balances become the current weights.
//
// An error is returned only when execution could not start or the
// balances could not be read. A partial execution is reported through
// the report's Outcome.
func (s *Service) Execute(ctx context.Context, id string) (ExecutionReport, error) {
	if s.tokens == nil {
		return ExecutionReport{}, ErrNoTokenLedger
	}
	s.mu.Lock()
	proposal, ok := s.active[id]
	switch {
	case s.shutdown:
		s.mu.Unlock()
		return ExecutionReport{}, ErrShutdown
	case !ok:
		s.mu.Unlock()
		return ExecutionReport{}, fmt.Errorf("%w: %s", ErrUnknownProposal, id)
	case !proposal.Approved:
		s.mu.Unlock()
		return ExecutionReport{}, fmt.Errorf("%w: %s", ErrNotApproved, id)
	case s.executing[id]:
		s.mu.Unlock()
		return ExecutionReport{}, fmt.Errorf("%w: %s", ErrExecutionInProgress, id)
	}
	s.executing[id] = true
	target := maps.Clone(proposal.NewWeights)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.executing, id)
		s.mu.Unlock()
	}()

	report := ExecutionReport{ProposalID: id, Executor: s.config.AgentID}
	pre, err := s.tokens.Balances(ctx)
	if err != nil {
		report.Outcome = ExecutionRejected
		report.Error = err.Error()
		report.ExecutedAt = s.clock.Now()
		s.logger.Error("reading balances for execution", "proposal_id", id, "error", err)
		return report, fmt.Errorf("index: execute %s: %w", id, err)
	}
	report.PreBalances = pre

	for _, op := range s.plan(pre, target) {
		var opErr error
		switch op.Action {
		case schema.ActionMint:
			opErr = s.tokens.Mint(ctx, op.Token, op.Amount)
		case schema.ActionBurn:
			opErr = s.tokens.Burn(ctx, op.Token, op.Amount)
		}
		op.Success = opErr == nil
		if opErr != nil {
			op.Error = opErr.Error()
			s.logger.Warn("token operation failed",
				"proposal_id", id,
				"token", op.Token,
				"action", op.Action,
				"amount", op.Amount,
				"error", opErr,
			)
		}
		report.Operations = append(report.Operations, op)
	}

	post, err := s.tokens.Balances(ctx)
	if err != nil {
		s.logger.Warn("re-reading balances failed, deriving from operations", "proposal_id", id, "error", err)
		post = applyOperations(pre, report.Operations)
	}
	report.PostBalances = post
	report.Weights = Normalize(post)
	if report.Weights == nil {
		report.Weights = Normalize(target)
	}
	report.Outcome = outcomeOf(report.Operations)
	report.ExecutedAt = s.clock.Now()

	s.mu.Lock()
	if _, done := s.executedIDs[id]; done {
		s.mu.Unlock()
		s.logger.Warn("proposal executed elsewhere while executing", "proposal_id", id)
		return report, nil
	}
	s.applyExecutionLocked(report)
	s.mu.Unlock()

	s.logger.Info("rebalance executed locally",
		"proposal_id", id,
		"outcome", report.Outcome,
		"operations", len(report.Operations),
	)
	s.bus.Emit(eventbus.IndexRebalanceExecuted, report.clone())
	s.persist(ctx)

	message := &schema.RebalanceExecuted{
		Header: schema.NewHeader(schema.KindRebalanceExecuted, s.config.AgentID, report.ExecutedAt),
		Details: schema.RebalanceExecutedDetails{
			ProposalID:   id,
			PreBalances:  maps.Clone(pre),
			PostBalances: maps.Clone(post),
			Success:      report.Success(),
			Operations:   slices.Clone(report.Operations),
			ExecutedAt:   report.ExecutedAt.UnixMilli(),
		},
	}
	if err := s.publish(ctx, message); err != nil {
		s.logger.Error("publishing execution result", "proposal_id", id, "error", err)
	}
	return report, nil
}

// plan computes the operations moving balances to target unit shares
// of the same total. Burns come before mints; changes smaller than
// MinExecutionAmount are skipped.
func (s *Service) plan(balances, target map[string]float64) []schema.TokenOperation {
	total := 0.0
	for _, amount := range balances {
		if amount > 0 {
			total += amount
		}
	}
	symbols := sortedKeys(target)
	for symbol := range balances {
		if _, ok := target[symbol]; !ok {
			symbols = append(symbols, symbol)
		}
	}
	slices.Sort(symbols)

	var burns, mints []schema.TokenOperation
	for _, symbol := range symbols {
		delta := target[symbol]*total - balances[symbol]
		if math.Abs(delta) < s.config.MinExecutionAmount {
			continue
		}
		if delta < 0 {
			burns = append(burns, schema.TokenOperation{Token: symbol, Action: schema.ActionBurn, Amount: -delta})
		} else {
			mints = append(mints, schema.TokenOperation{Token: symbol, Action: schema.ActionMint, Amount: delta})
		}
	}
	return append(burns, mints...)
}

func applyOperations(balances map[string]float64, operations []schema.TokenOperation) map[string]float64 {
	result := maps.Clone(balances)
	if result == nil {
		result = make(map[string]float64)
	}
	for _, op := range operations {
		if !op.Success {
			continue
		}
		switch op.Action {
		case schema.ActionMint:
			result[op.Token] += op.Amount
		case schema.ActionBurn:
			result[op.Token] -= op.Amount
		}
	}
	return result
}
