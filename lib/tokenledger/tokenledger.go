// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package tokenledger is the index's view of the tokens it holds:
// balances per symbol, and mint and burn primitives.
//
// Operations are fallible and not exactly-once. Callers reconcile from
// realized balances after a batch rather than trusting individual
// results.
package tokenledger

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"sync"
)

var (
	// ErrInsufficientBalance is returned by Burn when the balance is
	// smaller than the amount.
	ErrInsufficientBalance = errors.New("tokenledger: insufficient balance")

	// ErrInvalidAmount is returned for non-positive or non-finite
	// amounts.
	ErrInvalidAmount = errors.New("tokenledger: amount must be positive")
)

// Ledger holds token balances.
type Ledger interface {
	Balances(ctx context.Context) (map[string]float64, error)
	Mint(ctx context.Context, symbol string, amount float64) error
	Burn(ctx context.Context, symbol string, amount float64) error
}

func checkAmount(symbol string, amount float64) error {
	if symbol == "" {
		return errors.New("tokenledger: empty token symbol")
	}
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	return nil
}

// Memory is an in-process Ledger.
type Memory struct {
	mu       sync.Mutex
	balances map[string]float64
	fail     func(action, symbol string) error
}

// NewMemory returns a Memory ledger holding a copy of initial.
func NewMemory(initial map[string]float64) *Memory {
	balances := maps.Clone(initial)
	if balances == nil {
		balances = make(map[string]float64)
	}
	return &Memory{balances: balances}
}

// FailOperations installs a hook consulted before every mint and burn.
// A non-nil error fails the operation without changing the balance.
// action is "mint" or "burn". Pass nil to remove the hook.
func (m *Memory) FailOperations(hook func(action, symbol string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = hook
}

func (m *Memory) Balances(ctx context.Context) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.balances), nil
}

func (m *Memory) Mint(ctx context.Context, symbol string, amount float64) error {
	if err := checkAmount(symbol, amount); err != nil {
		return err
	}
	return m.apply(ctx, "mint", symbol, amount)
}

func (m *Memory) Burn(ctx context.Context, symbol string, amount float64) error {
	if err := checkAmount(symbol, amount); err != nil {
		return err
	}
	return m.apply(ctx, "burn", symbol, -amount)
}

func (m *Memory) apply(ctx context.Context, action, symbol string, delta float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		if err := m.fail(action, symbol); err != nil {
			return fmt.Errorf("tokenledger: %s %s: %w", action, symbol, err)
		}
	}
	if m.balances[symbol]+delta < 0 {
		return fmt.Errorf("tokenledger: %s %v %s: %w", action, -delta, symbol, ErrInsufficientBalance)
	}
	m.balances[symbol] += delta
	return nil
}
