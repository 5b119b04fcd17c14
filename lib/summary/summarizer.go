// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package summary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/lynxify-labs/lynxify/lib/schema"
)

const systemPrompt = "You explain index fund rebalances to token holders. " +
	"Answer in at most three sentences of plain text."

// Config configures a Summarizer.
type Config struct {
	Model string

	// MaxTokens bounds the reply. Default: 200.
	MaxTokens int

	// Timeout bounds one request. Default: 20s.
	Timeout time.Duration
}

// Summarizer explains rebalance proposals using a Provider.
type Summarizer struct {
	provider Provider
	config   Config
	logger   *slog.Logger
}

// New returns a Summarizer. A nil logger discards output.
func New(provider Provider, config Config, logger *slog.Logger) *Summarizer {
	if config.MaxTokens <= 0 {
		config.MaxTokens = 200
	}
	if config.Timeout <= 0 {
		config.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Summarizer{provider: provider, config: config, logger: logger}
}

// SummarizeRebalance returns a short explanation of moving from
// current to proposed weights.
func (s *Summarizer) SummarizeRebalance(ctx context.Context, current, proposed map[string]float64, trigger schema.Trigger) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	response, err := s.provider.Complete(ctx, Request{
		Model:     s.config.Model,
		System:    systemPrompt,
		Prompt:    RebalancePrompt(current, proposed, trigger),
		MaxTokens: s.config.MaxTokens,
	})
	if err != nil {
		var providerError *ProviderError
		if errors.As(err, &providerError) && providerError.IsRateLimited() {
			s.logger.Warn("summary provider rate limited", "model", s.config.Model)
		}
		return "", fmt.Errorf("summary: summarize rebalance: %w", err)
	}
	text := strings.TrimSpace(response.Text)
	if text == "" {
		return "", errors.New("summary: summarize rebalance: empty reply")
	}
	s.logger.Debug("rebalance summarized",
		"trigger", trigger,
		"input_tokens", response.Usage.InputTokens,
		"output_tokens", response.Usage.OutputTokens,
	)
	return text, nil
}

// RebalancePrompt lists the weight changes for the model.
func RebalancePrompt(current, proposed map[string]float64, trigger schema.Trigger) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Trigger: %s\n", trigger)
	b.WriteString("Weights (current -> proposed):\n")

	symbols := make([]string, 0, len(proposed)+len(current))
	for symbol := range proposed {
		symbols = append(symbols, symbol)
	}
	for symbol := range current {
		if _, ok := proposed[symbol]; !ok {
			symbols = append(symbols, symbol)
		}
	}
	slices.Sort(symbols)
	for _, symbol := range symbols {
		fmt.Fprintf(&b, "- %s: %.2f%% -> %.2f%%\n", symbol, current[symbol]*100, proposed[symbol]*100)
	}
	b.WriteString("Explain why this rebalance is proposed.")
	return b.String()
}
