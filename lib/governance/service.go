// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/lynxify-labs/lynxify/lib/clock"
	"github.com/lynxify-labs/lynxify/lib/eventbus"
	"github.com/lynxify-labs/lynxify/lib/ledger"
	"github.com/lynxify-labs/lynxify/lib/schedule"
	"github.com/lynxify-labs/lynxify/lib/schema"
)

const snapshotName = "governance"

// SnapshotStore persists proposals between runs. *store.Store
// implements it.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, name string, value any, savedAt time.Time) error
	LoadSnapshot(ctx context.Context, name string, value any) (bool, error)
}

// Handler executes a passed proposal of one type. The returned string
// is published as the execution result.
type Handler func(ctx context.Context, proposal Proposal) (string, error)

// Config holds the service's settings.
type Config struct {
	AgentID string
	TopicID string

	// Rules decide proposals. Defaults: TotalVotingPower 3, Quorum
	// 0.5, ApprovalThreshold 0.5.
	Rules Rules

	// VoterWeights, if set, fixes each voter's weight. Votes from
	// voters not listed are ignored. Otherwise every voter has a weight
	// of at most one: a claimed weight may lower it but not raise it,
	// and zero counts as one.
	VoterWeights map[string]float64

	// VotingPeriod applies to proposals without a deadline. Default
	// 24h.
	VotingPeriod time.Duration

	// SettleDelay postpones transitions that are already due when a
	// proposal is loaded or replayed, so that the rest of the log is
	// applied first. Default 5s.
	SettleDelay time.Duration

	// Executor makes this instance run handlers for passed proposals.
	Executor bool
}

func (c *Config) applyDefaults() {
	if c.Rules.TotalVotingPower <= 0 {
		c.Rules.TotalVotingPower = 3
	}
	if c.Rules.Quorum <= 0 {
		c.Rules.Quorum = 0.5
	}
	if c.Rules.ApprovalThreshold <= 0 {
		c.Rules.ApprovalThreshold = 0.5
	}
	if c.VotingPeriod <= 0 {
		c.VotingPeriod = 24 * time.Hour
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 5 * time.Second
	}
}

// Deps are the collaborators of a Service. Store is optional.
type Deps struct {
	Gateway ledger.Gateway
	Bus     *eventbus.Bus
	Clock   clock.Clock
	Store   SnapshotStore
	Logger  *slog.Logger
}

// Service is the governance state machine.
type Service struct {
	config    Config
	gateway   ledger.Gateway
	bus       *eventbus.Bus
	clock     clock.Clock
	scheduler *schedule.Scheduler
	store     SnapshotStore
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	persistMu sync.Mutex

	mu           sync.Mutex
	initialized  bool
	shutdown     bool
	proposals    map[string]*Proposal
	timers       map[string]*schedule.Task
	executing    map[string]bool
	handlers     map[string]Handler
	subscription *eventbus.Subscription
}

// New returns an uninitialized Service.
func New(config Config, deps Deps) (*Service, error) {
	if config.AgentID == "" || config.TopicID == "" {
		return nil, errors.New("governance: AgentID and TopicID are required")
	}
	if deps.Gateway == nil || deps.Bus == nil || deps.Clock == nil {
		return nil, errors.New("governance: Gateway, Bus and Clock are required")
	}
	config.applyDefaults()
	config.VoterWeights = maps.Clone(config.VoterWeights)

	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "governance", "topic_id", config.TopicID)

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		config:    config,
		gateway:   deps.Gateway,
		bus:       deps.Bus,
		clock:     deps.Clock,
		scheduler: schedule.New(deps.Clock, logger),
		store:     deps.Store,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		proposals: make(map[string]*Proposal),
		timers:    make(map[string]*schedule.Task),
		executing: make(map[string]bool),
		handlers:  make(map[string]Handler),
	}, nil
}

// Handle registers the handler for a proposal type, replacing any
// previous one. Passed proposals of types without a handler execute
// as no-ops.
func (s *Service) Handle(proposalType string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[proposalType] = handler
}

// TopicID returns the governance topic.
func (s *Service) TopicID() string { return s.config.TopicID }

// Initialize restores persisted proposals, re-arms their timers and
// starts listening for governance messages.
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

	if s.store != nil {
		var saved []Proposal
		found, err := s.store.LoadSnapshot(ctx, snapshotName, &saved)
		if err != nil {
			return fmt.Errorf("governance: initialize: %w", err)
		}
		if found {
			s.mu.Lock()
			for i := range saved {
				proposal := saved[i]
				s.proposals[proposal.ID] = &proposal
			}
			s.mu.Unlock()
			s.logger.Info("governance state restored", "proposals", len(saved))
		}
	}

	subscription := s.bus.Subscribe(eventbus.MessageReceived, s.onMessage)
	s.mu.Lock()
	s.subscription = subscription
	s.initialized = true
	ids := sortedKeys(s.proposals)
	s.mu.Unlock()

	for _, id := range ids {
		s.arm(id)
	}
	return nil
}

// Shutdown stops every timer and saves the state. It is idempotent.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	subscription := s.subscription
	s.subscription = nil
	s.timers = make(map[string]*schedule.Task)
	s.mu.Unlock()

	if subscription != nil {
		subscription.Unsubscribe()
	}
	s.scheduler.Close()
	err := s.persist(ctx)
	s.cancel()
	if err != nil {
		return fmt.Errorf("governance: shutdown: %w", err)
	}
	return nil
}

func (s *Service) onMessage(event eventbus.Event) {
	envelope, ok := event.Payload.(schema.Envelope)
	if !ok || envelope.TopicID != s.config.TopicID {
		return
	}
	s.HandleEnvelope(envelope)
}

// HandleEnvelope applies one message from the governance topic.
func (s *Service) HandleEnvelope(envelope schema.Envelope) {
	s.mu.Lock()
	stopped := s.shutdown
	s.mu.Unlock()
	if stopped {
		return
	}
	at := envelope.ConsensusTimestamp
	if at.IsZero() {
		at = s.clock.Now()
	}

	switch message := envelope.Contents.(type) {
	case *schema.ProposalSubmission:
		s.handleSubmission(at, message)
	case *schema.ProposalVote:
		s.handleVote(at, message)
	case *schema.ProposalExecution:
		s.handleExecution(at, message)
	case *schema.ProposalCancellation:
		s.handleCancellation(at, message)
	case *schema.RebalanceProposal, *schema.RebalanceApproved, *schema.RebalanceExecuted,
		*schema.RiskAlert, *schema.PolicyChange:
		// Index traffic when the topics are shared.
	case *schema.AgentInfo, *schema.AgentRequest, *schema.AgentResponse,
		*schema.AgentVerification, *schema.AgentDiscovery:
	default:
		s.logger.Debug("unexpected message on governance topic", "sequence_number", envelope.SequenceNumber)
	}
}

func (s *Service) handleSubmission(at time.Time, message *schema.ProposalSubmission) {
	details := message.Details
	deadline := at.Add(s.config.VotingPeriod)
	if details.VotingDeadline > 0 {
		deadline = time.UnixMilli(details.VotingDeadline)
	}

	s.mu.Lock()
	if _, known := s.proposals[message.ID]; known {
		s.mu.Unlock()
		return
	}
	proposal := &Proposal{
		ID:             message.ID,
		Title:          details.Title,
		Description:    details.Description,
		Type:           details.ProposalType,
		Parameters:     slices.Clone(details.Parameters),
		Proposer:       message.Sender,
		Status:         StatusActive,
		CreatedAt:      at,
		Deadline:       deadline,
		ExecutionDelay: time.Duration(details.ExecutionDelay) * time.Millisecond,
		Votes:          make(map[string]Vote),
	}
	s.proposals[proposal.ID] = proposal
	submitted := proposal.clone()
	s.mu.Unlock()

	s.logger.Info("governance proposal submitted",
		"proposal_id", submitted.ID,
		"proposal_type", submitted.Type,
		"proposer", submitted.Proposer,
		"deadline", submitted.Deadline,
	)
	s.bus.Emit(eventbus.GovernanceProposalSubmitted, submitted)
	s.persist(s.ctx)
	s.arm(submitted.ID)
}

func (s *Service) handleVote(at time.Time, message *schema.ProposalVote) {
	details := message.Details
	voter := message.Sender

	s.mu.Lock()
	proposal, ok := s.proposals[details.ProposalID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("vote for unknown proposal", "proposal_id", details.ProposalID, "voter", voter)
		return
	}
	if proposal.Status != StatusActive {
		s.mu.Unlock()
		return
	}
	if at.After(proposal.Deadline) {
		s.mu.Unlock()
		s.logger.Info("vote after deadline ignored", "proposal_id", details.ProposalID, "voter", voter)
		s.finalize(details.ProposalID)
		return
	}
	if _, voted := proposal.Votes[voter]; voted {
		s.mu.Unlock()
		return
	}
	weight, allowed := s.weightOf(voter, details.Weight)
	if !allowed {
		s.mu.Unlock()
		s.logger.Warn("vote from unknown voter ignored", "proposal_id", details.ProposalID, "voter", voter)
		return
	}
	vote := Vote{Choice: details.Vote, Weight: weight, CastAt: at}
	proposal.Votes[voter] = vote
	proposal.Tally.add(vote)
	event := VoteEvent{ProposalID: proposal.ID, Voter: voter, Vote: vote, Tally: proposal.Tally}
	status, decided := s.config.Rules.Decide(proposal.Tally, false)
	s.mu.Unlock()

	s.logger.Info("governance vote counted",
		"proposal_id", event.ProposalID,
		"voter", voter,
		"vote", vote.Choice,
		"weight", weight,
	)
	s.bus.Emit(eventbus.GovernanceProposalVoted, event)
	s.persist(s.ctx)
	if decided {
		s.decide(event.ProposalID, status)
	}
}

func (s *Service) weightOf(voter string, claimed float64) (float64, bool) {
	if len(s.config.VoterWeights) > 0 {
		weight, ok := s.config.VoterWeights[voter]
		return weight, ok && weight > 0
	}
	if claimed <= 0 || math.IsNaN(claimed) {
		return 1, true
	}
	return min(claimed, 1), true
}

func (s *Service) handleExecution(at time.Time, message *schema.ProposalExecution) {
	details := message.Details
	s.mu.Lock()
	proposal, ok := s.proposals[details.ProposalID]
	if !ok || proposal.Status == StatusExecuted || proposal.Status == StatusCancelled {
		s.mu.Unlock()
		return
	}
	executedAt := at
	if details.ExecutedAt > 0 {
		executedAt = time.UnixMilli(details.ExecutedAt)
	}
	s.markExecutedLocked(proposal, executedAt, details.Success, details.Result)
	executed := proposal.clone()
	s.mu.Unlock()

	s.logger.Info("governance proposal executed", "proposal_id", executed.ID, "executor", message.Sender, "success", details.Success)
	s.bus.Emit(eventbus.GovernanceProposalExecuted, executed)
	s.persist(s.ctx)
}

func (s *Service) markExecutedLocked(proposal *Proposal, at time.Time, success bool, result string) {
	proposal.Status = StatusExecuted
	proposal.ExecutedAt = at
	proposal.ExecutionSucceeded = success
	proposal.Result = result
	if task, ok := s.timers[proposal.ID]; ok {
		task.Stop()
		delete(s.timers, proposal.ID)
	}
}

func (s *Service) handleCancellation(at time.Time, message *schema.ProposalCancellation) {
	details := message.Details
	s.mu.Lock()
	proposal, ok := s.proposals[details.ProposalID]
	if !ok || proposal.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	if message.Sender != proposal.Proposer {
		s.mu.Unlock()
		s.logger.Warn("cancellation by non-proposer ignored", "proposal_id", details.ProposalID, "sender", message.Sender)
		return
	}
	proposal.Status = StatusCancelled
	proposal.DecidedAt = at
	proposal.CancelReason = details.Reason
	if task, ok := s.timers[proposal.ID]; ok {
		task.Stop()
		delete(s.timers, proposal.ID)
	}
	cancelled := proposal.clone()
	s.mu.Unlock()

	s.logger.Info("governance proposal cancelled", "proposal_id", cancelled.ID, "reason", cancelled.CancelReason)
	s.bus.Emit(eventbus.GovernanceProposalCancelled, cancelled)
	s.persist(s.ctx)
}

// arm schedules the next timed transition of a proposal: the voting
// deadline while active, or execution once passed. Transitions already
// due wait SettleDelay.
func (s *Service) arm(id string) {
	s.mu.Lock()
	proposal, ok := s.proposals[id]
	if !ok || s.shutdown {
		s.mu.Unlock()
		return
	}
	if task, ok := s.timers[id]; ok {
		task.Stop()
		delete(s.timers, id)
	}
	var (
		at   time.Time
		name string
		fn   func()
	)
	switch {
	case proposal.Status == StatusActive:
		at, name, fn = proposal.Deadline, "governance-deadline", func() { s.finalize(id) }
	case proposal.Status == StatusPassed && s.config.Executor:
		at, name, fn = proposal.ExecutableAt, "governance-execute", func() { s.execute(id) }
	default:
		s.mu.Unlock()
		return
	}
	delay := at.Sub(s.clock.Now())
	if delay <= 0 {
		delay = s.config.SettleDelay
	}
	s.mu.Unlock()

	task := s.scheduler.After(name, delay, fn)
	s.mu.Lock()
	if current, ok := s.proposals[id]; ok && !current.Status.Terminal() && !s.shutdown {
		s.timers[id] = task
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	task.Stop()
}

// finalize decides an active proposal whose deadline has passed.
func (s *Service) finalize(id string) {
	s.mu.Lock()
	proposal, ok := s.proposals[id]
	if !ok || proposal.Status != StatusActive || s.clock.Now().Before(proposal.Deadline) {
		s.mu.Unlock()
		return
	}
	status, _ := s.config.Rules.Decide(proposal.Tally, true)
	s.mu.Unlock()
	s.decide(id, status)
}

// Finalize decides every active proposal whose deadline has passed.
func (s *Service) Finalize() {
	s.mu.Lock()
	ids := sortedKeys(s.proposals)
	s.mu.Unlock()
	for _, id := range ids {
		s.finalize(id)
	}
}

func (s *Service) decide(id string, status Status) {
	now := s.clock.Now()
	s.mu.Lock()
	proposal, ok := s.proposals[id]
	if !ok || proposal.Status != StatusActive {
		s.mu.Unlock()
		return
	}
	proposal.Status = status
	proposal.DecidedAt = now
	if status == StatusPassed {
		proposal.ExecutableAt = now.Add(proposal.ExecutionDelay)
	}
	if task, ok := s.timers[id]; ok {
		task.Stop()
		delete(s.timers, id)
	}
	decided := proposal.clone()
	s.mu.Unlock()

	s.logger.Info("governance proposal decided",
		"proposal_id", id,
		"status", status,
		"for", decided.Tally.For,
		"against", decided.Tally.Against,
		"abstain", decided.Tally.Abstain,
	)
	if status == StatusPassed {
		s.bus.Emit(eventbus.GovernanceProposalPassed, decided)
	} else {
		s.bus.Emit(eventbus.GovernanceProposalRejected, decided)
	}
	s.persist(s.ctx)
	switch {
	case status != StatusPassed || !s.config.Executor:
	case decided.ExecutionDelay <= 0:
		s.execute(id)
	default:
		s.arm(id)
	}
}

// execute runs the handler of a passed proposal and publishes the
// result.
func (s *Service) execute(id string) {
	s.mu.Lock()
	proposal, ok := s.proposals[id]
	if !ok || proposal.Status != StatusPassed || s.executing[id] || s.shutdown {
		s.mu.Unlock()
		return
	}
	s.executing[id] = true
	delete(s.timers, id)
	handler := s.handlers[proposal.Type]
	snapshot := proposal.clone()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.executing, id)
		s.mu.Unlock()
	}()

	result, err := "no handler for proposal type", error(nil)
	if handler != nil {
		result, err = handler(s.ctx, snapshot)
	}
	if err != nil {
		result = err.Error()
		s.logger.Error("executing governance proposal", "proposal_id", id, "proposal_type", snapshot.Type, "error", err)
	}
	now := s.clock.Now()

	s.mu.Lock()
	if proposal.Status != StatusPassed {
		s.mu.Unlock()
		return
	}
	s.markExecutedLocked(proposal, now, err == nil, result)
	executed := proposal.clone()
	s.mu.Unlock()

	s.logger.Info("governance proposal executed", "proposal_id", id, "success", err == nil)
	s.bus.Emit(eventbus.GovernanceProposalExecuted, executed)
	s.persist(s.ctx)

	message := &schema.ProposalExecution{
		Header: schema.NewHeader(schema.KindProposalExecution, s.config.AgentID, now),
		Details: schema.ProposalExecutionDetails{
			ProposalID: id,
			ExecutedAt: now.UnixMilli(),
			Success:    err == nil,
			Result:     result,
		},
	}
	if err := s.publish(s.ctx, message); err != nil {
		s.logger.Error("publishing governance execution", "proposal_id", id, "error", err)
	}
}

// SubmitRequest describes a new proposal.
type SubmitRequest struct {
	Title       string
	Description string
	Type        string
	// Parameters are marshaled to JSON.
	Parameters any
	// VotingPeriod overrides the configured period.
	VotingPeriod   time.Duration
	ExecutionDelay time.Duration
}

// Submit publishes a new proposal and returns its id. It becomes
// active when it comes back on the governance topic.
func (s *Service) Submit(ctx context.Context, request SubmitRequest) (string, error) {
	var parameters json.RawMessage
	if request.Parameters != nil {
		data, err := json.Marshal(request.Parameters)
		if err != nil {
			return "", fmt.Errorf("governance: submit: parameters: %w", err)
		}
		parameters = data
	}
	period := request.VotingPeriod
	if period <= 0 {
		period = s.config.VotingPeriod
	}
	now := s.clock.Now()
	message := &schema.ProposalSubmission{
		Header: schema.NewHeader(schema.KindProposalSubmission, s.config.AgentID, now),
		Details: schema.ProposalSubmissionDetails{
			Title:          request.Title,
			Description:    request.Description,
			ProposalType:   request.Type,
			Parameters:     parameters,
			VotingDeadline: now.Add(period).UnixMilli(),
			ExecutionDelay: request.ExecutionDelay.Milliseconds(),
		},
	}
	if err := s.publish(ctx, message); err != nil {
		return "", fmt.Errorf("governance: submit: %w", err)
	}
	return message.ID, nil
}

// Vote publishes this agent's vote. weight is ignored when voter
// weights are configured, and capped at one otherwise.
func (s *Service) Vote(ctx context.Context, proposalID string, choice schema.VoteChoice, weight float64) error {
	s.mu.Lock()
	proposal, ok := s.proposals[proposalID]
	var status Status
	if ok {
		status = proposal.Status
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}
	if status != StatusActive {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, proposalID, status)
	}
	message := &schema.ProposalVote{
		Header:  schema.NewHeader(schema.KindProposalVote, s.config.AgentID, s.clock.Now()),
		Details: schema.ProposalVoteDetails{ProposalID: proposalID, Vote: choice, Weight: weight},
	}
	if err := s.publish(ctx, message); err != nil {
		return fmt.Errorf("governance: vote: %w", err)
	}
	return nil
}

// Cancel withdraws a proposal this agent submitted.
func (s *Service) Cancel(ctx context.Context, proposalID, reason string) error {
	s.mu.Lock()
	proposal, ok := s.proposals[proposalID]
	var proposer string
	var status Status
	if ok {
		proposer, status = proposal.Proposer, proposal.Status
	}
	s.mu.Unlock()
	switch {
	case !ok:
		return fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	case proposer != s.config.AgentID:
		return fmt.Errorf("%w: %s", ErrNotProposer, proposalID)
	case status.Terminal():
		return fmt.Errorf("%w: %s is %s", ErrNotActive, proposalID, status)
	}
	message := &schema.ProposalCancellation{
		Header:  schema.NewHeader(schema.KindProposalCancellation, s.config.AgentID, s.clock.Now()),
		Details: schema.ProposalCancellationDetails{ProposalID: proposalID, Reason: reason},
	}
	if err := s.publish(ctx, message); err != nil {
		return fmt.Errorf("governance: cancel: %w", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, message schema.Message) error {
	payload, err := schema.Encode(message)
	if err != nil {
		return err
	}
	_, err = s.gateway.SendMessage(ctx, s.config.TopicID, payload)
	return err
}

// Proposal returns a copy of one proposal.
func (s *Service) Proposal(id string) (Proposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proposal, ok := s.proposals[id]
	if !ok {
		return Proposal{}, false
	}
	return proposal.clone(), true
}

// Proposals returns every proposal, oldest first.
func (s *Service) Proposals() []Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Proposal, 0, len(s.proposals))
	for _, proposal := range s.proposals {
		result = append(result, proposal.clone())
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

func (s *Service) persist(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	proposals := s.Proposals()
	if err := s.store.SaveSnapshot(ctx, snapshotName, proposals, s.clock.Now()); err != nil {
		s.logger.Error("saving governance snapshot", "error", err)
		return err
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
