// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package lynxify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/lynxify-labs/lynxify/lib/clock"
	"github.com/lynxify-labs/lynxify/lib/eventbus"
	"github.com/lynxify-labs/lynxify/lib/governance"
	"github.com/lynxify-labs/lynxify/lib/hcs10"
	"github.com/lynxify-labs/lynxify/lib/index"
	"github.com/lynxify-labs/lynxify/lib/ledger"
	"github.com/lynxify-labs/lynxify/lib/normalizer"
	"github.com/lynxify-labs/lynxify/lib/tokenledger"
)

var (
	// ErrShutdown is returned by operations on a shut down agent.
	ErrShutdown = errors.New("lynxify: agent shut down")

	// ErrNotRunning is returned by operations that need an initialized
	// agent.
	ErrNotRunning = errors.New("lynxify: agent not initialized")

	// ErrGovernanceDisabled is returned by governance operations on an
	// agent configured without governance.
	ErrGovernanceDisabled = errors.New("lynxify: governance disabled")
)

// Initialization and shutdown stages, reported in
// [eventbus.SystemErrorPayload].
const (
	StageLedger        = "ledger"
	StageHCS10         = "hcs10"
	StageIndex         = "index"
	StageGovernance    = "governance"
	StageSubscriptions = "subscriptions"
	StageDiscovery     = "discovery"
)

// State is the lifecycle state of an Agent.
type State string

const (
	// StateStopped is a new agent, or one whose initialization failed.
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StateShutdown State = "shut down"
)

// Default peer capabilities for cross-notification.
const (
	DefaultProposalCapability = "rebalancing"
	DefaultAlertCapability    = "risk-assessment"
)

// Store persists protocol registration, index and governance
// snapshots, and the last processed sequence number of every topic.
// *store.Store implements it.
type Store interface {
	hcs10.Store
	index.SnapshotStore
	Checkpoint(ctx context.Context, topicID string) (uint64, error)
	SaveCheckpoint(ctx context.Context, topicID string, sequence uint64) error
}

// Config holds the agent's settings.
type Config struct {
	AgentID      string
	Capabilities []string

	// HCS10 tunes the protocol service. AgentID, Capabilities and
	// TestMode are taken from this Config.
	HCS10 hcs10.Config

	// Index configures the state machine. AgentID and TestMode are
	// taken from this Config. An empty IndexTopicID is resolved from
	// the store or created.
	Index index.Config

	// GovernanceEnabled adds the governance service. Governance.AgentID
	// is taken from this Config; an empty Governance.TopicID is
	// resolved like the index topic.
	GovernanceEnabled bool
	Governance        governance.Config

	// ProposalCapability selects the peers told about this agent's
	// rebalance proposals. Default "rebalancing".
	ProposalCapability string

	// AlertCapability selects the peers told about this agent's risk
	// alerts. Default "risk-assessment".
	AlertCapability string

	// NotifyTimeout bounds each cross-notification request. Default
	// 30s.
	NotifyTimeout time.Duration

	// TestMode disables every periodic timer of the composed services.
	TestMode bool

	// Version is reported by the status action.
	Version string
}

func (c *Config) applyDefaults() {
	if c.ProposalCapability == "" {
		c.ProposalCapability = DefaultProposalCapability
	}
	if c.AlertCapability == "" {
		c.AlertCapability = DefaultAlertCapability
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = hcs10.DefaultTimeout
	}
}

// Deps are the collaborators of an Agent. Gateway, Bus and Clock are
// required. Tokens is required for an executing agent. Store and
// Summarizer are optional.
type Deps struct {
	Gateway    ledger.Gateway
	Bus        *eventbus.Bus
	Clock      clock.Clock
	Tokens     tokenledger.Ledger
	Store      Store
	Summarizer index.Summarizer
	Logger     *slog.Logger
}

// Agent is one index agent.
type Agent struct {
	config     Config
	gateway    ledger.Gateway
	bus        *eventbus.Bus
	clock      clock.Clock
	tokens     tokenledger.Ledger
	store      Store
	summarizer index.Summarizer
	logger     *slog.Logger
	normalizer *normalizer.Normalizer

	// ctx outlives any single Initialize call and scopes ledger
	// subscriptions and background sends.
	ctx    context.Context
	cancel context.CancelFunc

	// lifecycle serializes Initialize and Shutdown.
	lifecycle sync.Mutex

	mu        sync.Mutex
	state     State
	startedAt time.Time
	current   *run
}

// run is the set of services built by one Initialize attempt. A failed
// attempt tears its run down; the next attempt builds a fresh one.
type run struct {
	protocol      *hcs10.Service
	index         *index.Service
	governance    *governance.Service
	indexTopic    string
	topics        []string
	subscriptions []*eventbus.Subscription
}

// New returns an uninitialized Agent.
func New(config Config, deps Deps) (*Agent, error) {
	if config.AgentID == "" {
		return nil, errors.New("lynxify: AgentID is required")
	}
	if deps.Gateway == nil || deps.Bus == nil || deps.Clock == nil {
		return nil, errors.New("lynxify: Gateway, Bus and Clock are required")
	}
	if config.Index.Executor && deps.Tokens == nil {
		return nil, errors.New("lynxify: an executing agent needs a token ledger")
	}
	config.applyDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("agent_id", config.AgentID)

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		config:     config,
		gateway:    deps.Gateway,
		bus:        deps.Bus,
		clock:      deps.Clock,
		tokens:     deps.Tokens,
		store:      deps.Store,
		summarizer: deps.Summarizer,
		logger:     logger,
		normalizer: normalizer.New(deps.Bus, deps.Gateway, logger),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateStopped,
	}, nil
}

// AgentID returns the agent's account id.
func (a *Agent) AgentID() string { return a.config.AgentID }

// State returns the lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Protocol returns the HCS-10 service of the running agent, or nil.
func (a *Agent) Protocol() *hcs10.Service {
	if r := a.running(); r != nil {
		return r.protocol
	}
	return nil
}

// Index returns the index state machine of the running agent, or nil.
func (a *Agent) Index() *index.Service {
	if r := a.running(); r != nil {
		return r.index
	}
	return nil
}

// Governance returns the governance service of the running agent, or
// nil when governance is disabled or the agent is not running.
func (a *Agent) Governance() *governance.Service {
	if r := a.running(); r != nil {
		return r.governance
	}
	return nil
}

// Topics returns the ledger topics the running agent is subscribed to.
func (a *Agent) Topics() []string {
	if r := a.running(); r != nil {
		return slices.Clone(r.topics)
	}
	return nil
}

func (a *Agent) running() *run {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Initialize brings the agent up. On failure the completed steps are
// undone, SYSTEM_ERROR is emitted with the failing stage, and the agent
// stays stopped; Initialize may then be called again. Initialize on a
// running agent is a no-op.
func (a *Agent) Initialize(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	switch a.State() {
	case StateShutdown:
		return ErrShutdown
	case StateRunning:
		return nil
	}

	r := &run{}
	stage, err := a.start(ctx, r)
	if err != nil {
		a.logger.Error("agent initialization failed", "stage", stage, "error", err)
		for _, failure := range a.teardown(context.WithoutCancel(ctx), r) {
			a.logger.Warn("undoing initialization step failed", "stage", failure.stage, "error", failure.err)
		}
		a.bus.Emit(eventbus.SystemError, eventbus.SystemErrorPayload{Stage: stage, Err: err})
		return fmt.Errorf("lynxify: initialize: %s: %w", stage, err)
	}

	now := a.clock.Now()
	a.mu.Lock()
	a.current = r
	a.state = StateRunning
	a.startedAt = now
	a.mu.Unlock()

	a.logger.Info("agent initialized",
		"inbound_topic_id", r.protocol.InboundTopicID(),
		"registry_topic_id", r.protocol.RegistryTopicID(),
		"index_topic_id", r.indexTopic,
		"governance", r.governance != nil,
	)
	a.bus.Emit(eventbus.SystemInitialized, Initialized{
		AgentID: a.config.AgentID,
		Topics:  slices.Clone(r.topics),
		At:      now,
	})
	return nil
}

// Initialized is the payload of SYSTEM_INITIALIZED.
type Initialized struct {
	AgentID string
	Topics  []string
	At      time.Time
}

// start runs the initialization sequence into r and returns the stage
// that failed.
func (a *Agent) start(ctx context.Context, r *run) (string, error) {
	if err := a.gateway.Connect(ctx); err != nil {
		return StageLedger, err
	}

	protocolConfig := a.config.HCS10
	protocolConfig.AgentID = a.config.AgentID
	protocolConfig.Capabilities = slices.Clone(a.config.Capabilities)
	protocolConfig.TestMode = a.config.TestMode
	protocol, err := hcs10.New(protocolConfig, hcs10.Deps{
		Gateway: a.gateway,
		Bus:     a.bus,
		Clock:   a.clock,
		Store:   a.store,
		Logger:  a.logger,
	})
	if err != nil {
		return StageHCS10, err
	}
	r.protocol = protocol
	if err := protocol.Initialize(ctx); err != nil {
		return StageHCS10, err
	}

	indexConfig := a.config.Index
	indexConfig.AgentID = a.config.AgentID
	indexConfig.TestMode = a.config.TestMode
	indexConfig.IndexTopicID, err = a.resolveTopic(ctx, indexConfig.IndexTopicID, "index")
	if err != nil {
		return StageIndex, err
	}
	state, err := index.New(indexConfig, index.Deps{
		Gateway:    a.gateway,
		Bus:        a.bus,
		Clock:      a.clock,
		Tokens:     a.tokens,
		Store:      a.store,
		Summarizer: a.summarizer,
		Logger:     a.logger,
	})
	if err != nil {
		return StageIndex, err
	}
	r.index = state
	r.indexTopic = indexConfig.IndexTopicID
	if err := state.Initialize(ctx); err != nil {
		return StageIndex, err
	}

	if a.config.GovernanceEnabled {
		governanceConfig := a.config.Governance
		governanceConfig.AgentID = a.config.AgentID
		governanceConfig.TopicID, err = a.resolveTopic(ctx, governanceConfig.TopicID, "governance")
		if err != nil {
			return StageGovernance, err
		}
		service, err := governance.New(governanceConfig, governance.Deps{
			Gateway: a.gateway,
			Bus:     a.bus,
			Clock:   a.clock,
			Store:   a.store,
			Logger:  a.logger,
		})
		if err != nil {
			return StageGovernance, err
		}
		service.Handle(governance.TypeApproveRebalance, a.approveRebalance(r))
		r.governance = service
		if err := service.Initialize(ctx); err != nil {
			return StageGovernance, err
		}
	}

	// Requests are answered from the start so that those that arrived
	// while the agent was down are served during catch-up. Peers are
	// only notified about what happens after it.
	r.subscriptions = append(r.subscriptions,
		a.bus.Subscribe(eventbus.HCS10RequestReceived, a.onRequest(r)),
	)
	topics := []string{protocol.RegistryTopicID(), protocol.InboundTopicID(), r.indexTopic}
	if r.governance != nil {
		topics = append(topics, r.governance.TopicID())
	}
	for _, topicID := range topics {
		if slices.Contains(r.topics, topicID) {
			continue
		}
		if err := a.attach(topicID); err != nil {
			return StageSubscriptions, err
		}
		r.topics = append(r.topics, topicID)
	}
	r.subscriptions = append(r.subscriptions,
		a.bus.Subscribe(eventbus.IndexProposalCreated, a.onProposalCreated(r)),
		a.bus.Subscribe(eventbus.IndexRiskAlert, a.onRiskAlert(r)),
	)

	if err := protocol.Discover(ctx, nil); err != nil {
		return StageDiscovery, err
	}
	return "", nil
}

type stepFailure struct {
	stage string
	err   error
}

// teardown undoes whatever part of r was started, newest first, and
// returns the steps that failed.
func (a *Agent) teardown(ctx context.Context, r *run) []stepFailure {
	var failures []stepFailure
	for _, subscription := range r.subscriptions {
		subscription.Unsubscribe()
	}
	for _, topicID := range slices.Backward(r.topics) {
		if err := a.normalizer.Detach(topicID); err != nil {
			failures = append(failures, stepFailure{StageSubscriptions, err})
		}
	}
	if r.governance != nil {
		if err := r.governance.Shutdown(ctx); err != nil {
			failures = append(failures, stepFailure{StageGovernance, err})
		}
	}
	if r.index != nil {
		if err := r.index.Shutdown(ctx); err != nil {
			failures = append(failures, stepFailure{StageIndex, err})
		}
	}
	if r.protocol != nil {
		if err := r.protocol.Shutdown(); err != nil {
			failures = append(failures, stepFailure{StageHCS10, err})
		}
	}
	return failures
}

// Shutdown stops the agent in reverse order of initialization and
// closes the gateway. A failing step is logged and reported as
// SYSTEM_ERROR, and the remaining steps still run. Shutdown is
// idempotent; a shut down agent cannot be initialized again.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.Lock()
	if a.state == StateShutdown {
		a.mu.Unlock()
		return nil
	}
	a.state = StateShutdown
	r := a.current
	a.current = nil
	a.mu.Unlock()

	var failures []stepFailure
	if r != nil {
		failures = a.teardown(ctx, r)
	}
	if err := a.gateway.Close(); err != nil {
		failures = append(failures, stepFailure{StageLedger, err})
	}
	a.cancel()

	var errs []error
	for _, failure := range failures {
		a.logger.Error("shutdown step failed", "stage", failure.stage, "error", failure.err)
		a.bus.Emit(eventbus.SystemError, eventbus.SystemErrorPayload{Stage: "shutdown:" + failure.stage, Err: failure.err})
		errs = append(errs, fmt.Errorf("%s: %w", failure.stage, failure.err))
	}
	a.logger.Info("agent shut down")
	a.bus.Emit(eventbus.SystemShutdown, a.config.AgentID)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("lynxify: shutdown: %w", err)
	}
	return nil
}
