// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/lynxify-labs/lynxify/lib/clock"
	"github.com/lynxify-labs/lynxify/lib/config"
	"github.com/lynxify-labs/lynxify/lib/index"
	"github.com/lynxify-labs/lynxify/lib/ledger"
	"github.com/lynxify-labs/lynxify/lib/ledger/kafkaledger"
	"github.com/lynxify-labs/lynxify/lib/lynxify"
	"github.com/lynxify-labs/lynxify/lib/summary"
	"github.com/lynxify-labs/lynxify/lib/tokenledger"
)

const (
	initialRetryDelay = 2 * time.Second
	maxRetryDelay     = time.Minute
)

// openLedger builds the configured gateway. The memory backend is a
// private ledger holding the configured topics, for local runs.
func openLedger(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (ledger.Gateway, error) {
	switch cfg.Ledger.Backend {
	case "kafka":
		clientID := cfg.Ledger.ClientID
		if clientID == "" {
			clientID = "lynxify-" + cfg.Agent.ID
		}
		return kafkaledger.New(kafkaledger.Config{
			Brokers:  cfg.Ledger.Brokers,
			ClientID: clientID,
		}, clk, logger)
	case "memory":
		memory := ledger.NewMemory(clk, ledger.MemoryOptions{})
		for _, topicID := range wellKnownTopics(cfg) {
			memory.EnsureTopic(topicID, "lynxify")
		}
		return memory.Gateway(), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

func wellKnownTopics(cfg *config.Config) []string {
	var topics []string
	for _, topicID := range []string{cfg.Ledger.RegistryTopic, cfg.Ledger.IndexTopic, cfg.Ledger.GovernanceTopic} {
		if topicID != "" {
			topics = append(topics, topicID)
		}
	}
	return topics
}

// openTokens returns the token ledger and a function releasing it.
func openTokens(ctx context.Context, cfg *config.Config) (tokenledger.Ledger, func(), error) {
	switch cfg.Tokens.Backend {
	case "redis":
		tokens := tokenledger.DialRedis(tokenledger.RedisOptions{
			Addr:     cfg.Tokens.RedisAddr,
			Password: cfg.Tokens.RedisPassword,
			DB:       cfg.Tokens.RedisDB,
			Key:      cfg.Tokens.RedisKey,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := tokens.Ping(pingCtx); err != nil {
			tokens.Close()
			return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Tokens.RedisAddr, err)
		}
		return tokens, func() { tokens.Close() }, nil
	case "memory":
		return tokenledger.NewMemory(cfg.Tokens.Initial), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown tokens backend %q", cfg.Tokens.Backend)
	}
}

// newSummarizer returns nil when summaries are disabled or the API key
// is missing, in which case proposals carry generated reasons.
func newSummarizer(cfg *config.Config, logger *slog.Logger) index.Summarizer {
	if !cfg.Summary.Enabled {
		return nil
	}
	apiKey := os.Getenv(cfg.Summary.APIKeyEnv)
	if apiKey == "" {
		logger.Warn("summaries disabled: API key not set", "env", cfg.Summary.APIKeyEnv)
		return nil
	}
	provider := summary.NewAnthropic(&http.Client{Timeout: time.Minute}, cfg.Summary.BaseURL, apiKey)
	return summary.New(provider, summary.Config{Model: cfg.Summary.Model}, logger)
}

// topicProvisioner creates well-known topics on a shared ledger.
type topicProvisioner interface {
	EnsureTopic(ctx context.Context, topicID string) error
}

// initialize brings the agent up, retrying failed attempts with
// exponential backoff until ctx is done.
func initialize(ctx context.Context, agent *lynxify.Agent, gateway ledger.Gateway, cfg *config.Config, clk clock.Clock, logger *slog.Logger) error {
	delay := initialRetryDelay
	for {
		err := provision(ctx, gateway, wellKnownTopics(cfg))
		if err == nil {
			err = agent.Initialize(ctx)
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error("agent initialization failed", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(delay):
		}
		delay = min(delay*2, maxRetryDelay)
	}
}

func provision(ctx context.Context, gateway ledger.Gateway, topics []string) error {
	provisioner, ok := gateway.(topicProvisioner)
	if !ok || len(topics) == 0 {
		return nil
	}
	if err := gateway.Connect(ctx); err != nil {
		return err
	}
	for _, topicID := range topics {
		if err := provisioner.EnsureTopic(ctx, topicID); err != nil {
			return err
		}
	}
	return nil
}
