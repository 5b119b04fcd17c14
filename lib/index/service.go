// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lynxify-labs/lynxify/lib/clock"
	"github.com/lynxify-labs/lynxify/lib/eventbus"
	"github.com/lynxify-labs/lynxify/lib/ledger"
	"github.com/lynxify-labs/lynxify/lib/schedule"
	"github.com/lynxify-labs/lynxify/lib/schema"
	"github.com/lynxify-labs/lynxify/lib/tokenledger"
)

const (
	maxExecutedHistory = 100
	maxAlertHistory    = 50
)

// SnapshotStore persists the service's state between runs.
// *store.Store implements it.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, name string, value any, savedAt time.Time) error
	LoadSnapshot(ctx context.Context, name string, value any) (bool, error)
}

// Summarizer writes the human-readable reason attached to a proposal.
// Errors fall back to a generated description.
type Summarizer interface {
	SummarizeRebalance(ctx context.Context, current, proposed map[string]float64, trigger schema.Trigger) (string, error)
}

// Config holds the service's settings. Zero values take the defaults
// noted on each field.
type Config struct {
	// AgentID is the sender of every message this service publishes.
	// Required.
	AgentID string

	// IndexTopicID is the topic the index log lives on. Required.
	IndexTopicID string

	// StaticWeights are the index's units per token, used to derive
	// implied weights from prices.
	StaticWeights map[string]float64

	// InitialWeights are the current weights before any execution.
	// Default: StaticWeights normalized.
	InitialWeights map[string]float64

	// RebalanceThreshold is the deviation that triggers a proposal.
	// Default 0.05.
	RebalanceThreshold float64

	// RiskThreshold is the volatility above which a token is flagged.
	// Default 0.05.
	RiskThreshold float64

	// MaxDrawdown also flags a token. Zero disables the check.
	MaxDrawdown float64

	// RiskInterval is the period of the portfolio assessment. Default
	// 15m.
	RiskInterval time.Duration

	// ProposalTTL is the lifetime given to proposals that carry no
	// expiry of their own. Default 24h.
	ProposalTTL time.Duration

	// ExpiryInterval is how often expired proposals are swept. Default
	// 1m.
	ExpiryInterval time.Duration

	// HistorySize is the number of prices kept per token. Default 30.
	HistorySize int

	// MinExecutionAmount is the smallest balance change worth a token
	// operation. Default 1.
	MinExecutionAmount float64

	// Executor makes this instance execute proposals as soon as they
	// are approved.
	Executor bool

	// TestMode disables the periodic assessment and expiry sweep.
	TestMode bool
}

func (c *Config) applyDefaults() {
	if c.RebalanceThreshold <= 0 {
		c.RebalanceThreshold = 0.05
	}
	if c.RiskThreshold <= 0 {
		c.RiskThreshold = 0.05
	}
	if c.RiskInterval <= 0 {
		c.RiskInterval = 15 * time.Minute
	}
	if c.ProposalTTL <= 0 {
		c.ProposalTTL = 24 * time.Hour
	}
	if c.ExpiryInterval <= 0 {
		c.ExpiryInterval = time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.MinExecutionAmount <= 0 {
		c.MinExecutionAmount = 1
	}
}

// Deps are the collaborators of a Service. Gateway, Bus and Clock are
// required. Tokens is required only to execute. Store and Summarizer
// are optional.
type Deps struct {
	Gateway    ledger.Gateway
	Bus        *eventbus.Bus
	Clock      clock.Clock
	Tokens     tokenledger.Ledger
	Store      SnapshotStore
	Summarizer Summarizer
	Logger     *slog.Logger
}

// Service is the index state machine.
type Service struct {
	config     Config
	gateway    ledger.Gateway
	bus        *eventbus.Bus
	clock      clock.Clock
	scheduler  *schedule.Scheduler
	tokens     tokenledger.Ledger
	store      SnapshotStore
	summarizer Summarizer
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// seen deduplicates alerts and policy changes, which carry no
	// identity of their own in the state.
	seen *expirable.LRU[string, struct{}]

	// persistMu orders snapshot writes so the last one saved is the
	// newest.
	persistMu sync.Mutex

	mu                 sync.Mutex
	initialized        bool
	shutdown           bool
	static             map[string]float64
	current            map[string]float64
	rebalanceThreshold float64
	riskThreshold      float64
	history            map[string]*priceHistory
	tokenRisk          map[string]TokenRiskMetrics
	portfolio          PortfolioRiskMetrics
	assessed           bool
	active             map[string]*Proposal
	executed           []ExecutionReport
	executedIDs        map[string]struct{}
	expired            map[string]struct{}
	executing          map[string]bool
	alerts             []schema.RiskAlert
	// latched is set while a price deviation breach has an outstanding
	// proposal, latchedID.
	latched       bool
	latchedID     string
	subscriptions []*eventbus.Subscription
	periodic      []*schedule.Task
}

// New returns an uninitialized Service.
func New(config Config, deps Deps) (*Service, error) {
	if config.AgentID == "" || config.IndexTopicID == "" {
		return nil, errors.New("index: AgentID and IndexTopicID are required")
	}
	if deps.Gateway == nil || deps.Bus == nil || deps.Clock == nil {
		return nil, errors.New("index: Gateway, Bus and Clock are required")
	}
	for symbol, w := range config.StaticWeights {
		if symbol == "" || math.IsNaN(w) || w <= 0 {
			return nil, fmt.Errorf("index: token %q needs a positive static weight", symbol)
		}
	}
	config.applyDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "index", "topic_id", config.IndexTopicID)

	current := Normalize(config.InitialWeights)
	if current == nil {
		current = Normalize(config.StaticWeights)
	}
	if current == nil {
		current = map[string]float64{}
	}
	history := make(map[string]*priceHistory, len(config.StaticWeights))
	for symbol := range config.StaticWeights {
		history[symbol] = newPriceHistory(config.HistorySize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		config:             config,
		gateway:            deps.Gateway,
		bus:                deps.Bus,
		clock:              deps.Clock,
		scheduler:          schedule.New(deps.Clock, logger),
		tokens:             deps.Tokens,
		store:              deps.Store,
		summarizer:         deps.Summarizer,
		logger:             logger,
		ctx:                ctx,
		cancel:             cancel,
		seen:               expirable.NewLRU[string, struct{}](1024, nil, config.ProposalTTL),
		static:             maps.Clone(config.StaticWeights),
		current:            current,
		rebalanceThreshold: config.RebalanceThreshold,
		riskThreshold:      config.RiskThreshold,
		history:            history,
		tokenRisk:          make(map[string]TokenRiskMetrics),
		active:             make(map[string]*Proposal),
		executedIDs:        make(map[string]struct{}),
		expired:            make(map[string]struct{}),
		executing:          make(map[string]bool),
	}, nil
}

// Initialize restores persisted state and starts listening for index
// messages and price updates. Messages arrive once the caller
// subscribes the index topic. Initialize on an initialized service is a
// no-op.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.restore(ctx); err != nil {
		return fmt.Errorf("index: initialize: %w", err)
	}

	subscriptions := []*eventbus.Subscription{
		s.bus.Subscribe(eventbus.MessageReceived, s.onMessage),
		s.bus.Subscribe(eventbus.IndexPriceUpdated, s.onPrice),
	}
	s.mu.Lock()
	s.subscriptions = subscriptions
	s.initialized = true
	tokens := len(s.static)
	s.mu.Unlock()

	if !s.config.TestMode {
		tasks := []*schedule.Task{
			s.scheduler.Every("index-risk", s.config.RiskInterval, func() { s.AssessPortfolioRisk() }),
			s.scheduler.Every("index-expiry", s.config.ExpiryInterval, func() { s.ExpireProposals() }),
		}
		s.mu.Lock()
		s.periodic = tasks
		s.mu.Unlock()
	}
	s.logger.Info("index initialized", "tokens", tokens, "executor", s.config.Executor)
	return nil
}

// Shutdown stops timers and subscriptions and saves the state. It is
// idempotent.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	subscriptions := s.subscriptions
	s.subscriptions = nil
	s.periodic = nil
	s.mu.Unlock()

	for _, subscription := range subscriptions {
		subscription.Unsubscribe()
	}
	s.scheduler.Close()
	err := s.persist(ctx)
	s.cancel()
	if err != nil {
		return fmt.Errorf("index: shutdown: %w", err)
	}
	return nil
}

func (s *Service) onMessage(event eventbus.Event) {
	envelope, ok := event.Payload.(schema.Envelope)
	if !ok || envelope.TopicID != s.config.IndexTopicID {
		return
	}
	s.HandleEnvelope(envelope)
}

func (s *Service) onPrice(event eventbus.Event) {
	var update schema.PriceUpdate
	switch payload := event.Payload.(type) {
	case schema.PriceUpdate:
		update = payload
	case *schema.PriceUpdate:
		update = *payload
	default:
		return
	}
	if err := s.UpdatePrice(update); err != nil && !errors.Is(err, ErrShutdown) {
		s.logger.Debug("price update ignored", "symbol", update.Symbol, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, message schema.Message) error {
	payload, err := schema.Encode(message)
	if err != nil {
		return err
	}
	_, err = s.gateway.SendMessage(ctx, s.config.IndexTopicID, payload)
	return err
}

// CurrentWeights returns the weights the index currently holds.
func (s *Service) CurrentWeights() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.current)
}

// StaticWeights returns the index's units per token.
func (s *Service) StaticWeights() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.static)
}

// Thresholds returns the rebalance and risk thresholds in force.
func (s *Service) Thresholds() (rebalance, risk float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebalanceThreshold, s.riskThreshold
}

// Proposal returns the active proposal with the given id.
func (s *Service) Proposal(id string) (Proposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.active[id]
	if !ok {
		return Proposal{}, false
	}
	return p.clone(), true
}

// ActiveProposals returns the proposals that have neither executed nor
// expired, oldest first.
func (s *Service) ActiveProposals() []Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Proposal, 0, len(s.active))
	for _, p := range s.active {
		result = append(result, p.clone())
	}
	slices.SortFunc(result, func(a, b Proposal) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return result
}

// Executions returns the most recent executions, oldest first.
func (s *Service) Executions() []ExecutionReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]ExecutionReport, len(s.executed))
	for i, report := range s.executed {
		result[i] = report.clone()
	}
	return result
}

// Executed reports whether the proposal has executed.
func (s *Service) Executed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.executedIDs[id]
	return ok
}

// Expired reports whether the proposal expired.
func (s *Service) Expired(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.expired[id]
	return ok
}

// Prices returns the latest price of each token that has one.
func (s *Service) Prices() map[string]PricePoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]PricePoint, len(s.history))
	for symbol, h := range s.history {
		if point, ok := h.latest(); ok {
			result[symbol] = point
		}
	}
	return result
}

// PriceHistory returns the retained prices of symbol, oldest first.
func (s *Service) PriceHistory(symbol string) []PricePoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.history[symbol]
	if !ok {
		return nil
	}
	return h.snapshot()
}

// TokenRisk returns the per-token risk metrics.
func (s *Service) TokenRisk() map[string]TokenRiskMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]TokenRiskMetrics, len(s.tokenRisk))
	for symbol, m := range s.tokenRisk {
		m.Correlations = maps.Clone(m.Correlations)
		result[symbol] = m
	}
	return result
}

// PortfolioRisk returns the latest portfolio assessment. ok is false
// until one has succeeded.
func (s *Service) PortfolioRisk() (PortfolioRiskMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := s.portfolio
	result.HighRiskTokens = slices.Clone(result.HighRiskTokens)
	return result, s.assessed
}

// RiskAlerts returns the most recent risk alerts seen on the index
// topic, oldest first.
func (s *Service) RiskAlerts() []schema.RiskAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.alerts)
}

// DeviationLatched reports whether a price deviation breach is waiting
// on its proposal.
func (s *Service) DeviationLatched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latched
}
