// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package hcs10

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lynxify-labs/lynxify/lib/clock"
	"github.com/lynxify-labs/lynxify/lib/eventbus"
	"github.com/lynxify-labs/lynxify/lib/ledger"
	"github.com/lynxify-labs/lynxify/lib/schedule"
	"github.com/lynxify-labs/lynxify/lib/schema"
	"github.com/lynxify-labs/lynxify/lib/store"
)

// Store persists registration and the connection map. *store.Store
// implements it.
type Store interface {
	LoadRegistration(ctx context.Context, accountID string) (store.Registration, bool, error)
	SaveRegistration(ctx context.Context, registration store.Registration) error
	SaveConnection(ctx context.Context, agentID, topicID string, updatedAt time.Time) error
	Connections(ctx context.Context) (map[string]string, error)
}

// Config holds the service's settings. Zero durations take the
// defaults noted on each field.
type Config struct {
	// AgentID is this agent's account id. Required.
	AgentID string

	// RegistryTopicID is the shared registry topic. If empty,
	// Initialize creates one, which is only useful for a single agent.
	RegistryTopicID string

	// InboundTopicID is this agent's inbound topic. If empty, the
	// stored registration is used, and failing that Initialize creates
	// a topic.
	InboundTopicID string

	Capabilities []string

	// DefaultTimeout applies to requests sent without a timeout.
	// Default 30s.
	DefaultTimeout time.Duration

	// RegistrationInterval is how often the agent re-announces itself.
	// Default 30m.
	RegistrationInterval time.Duration

	// DiscoveryInterval is how often the agent broadcasts a discovery
	// request. Default 10m.
	DiscoveryInterval time.Duration

	// GCInterval and MaxRequestAge control request garbage
	// collection. Defaults 5m and 1h.
	GCInterval    time.Duration
	MaxRequestAge time.Duration

	// DiscoveryReplyInterval throttles announcements made in reply to
	// discovery requests. Default 10s.
	DiscoveryReplyInterval time.Duration

	// TestMode disables every periodic timer. Tests drive
	// registration, discovery and garbage collection by hand.
	TestMode bool
}

func (c *Config) applyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.RegistrationInterval <= 0 {
		c.RegistrationInterval = 30 * time.Minute
	}
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = 10 * time.Minute
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 5 * time.Minute
	}
	if c.MaxRequestAge <= 0 {
		c.MaxRequestAge = time.Hour
	}
	if c.DiscoveryReplyInterval <= 0 {
		c.DiscoveryReplyInterval = 10 * time.Second
	}
}

// Deps are the collaborators of a Service. Gateway, Bus and Clock are
// required. A nil Store disables persistence.
type Deps struct {
	Gateway ledger.Gateway
	Bus     *eventbus.Bus
	Clock   clock.Clock
	Store   Store
	Logger  *slog.Logger
}

// Service is the request/response and discovery layer for one agent.
type Service struct {
	config    Config
	gateway   ledger.Gateway
	bus       *eventbus.Bus
	clock     clock.Clock
	scheduler *schedule.Scheduler
	store     Store
	logger    *slog.Logger

	// ctx bounds sends made from timers and handlers. Canceled by
	// Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	// seen holds recently handled inbound requests keyed by id and
	// producer timestamp. A redelivery repeats both; a retry carries
	// a fresh timestamp and is handled again.
	seen *expirable.LRU[string, struct{}]

	mu              sync.Mutex
	initialized     bool
	shutdown        bool
	status          Status
	inboundTopicID  string
	registryTopicID string
	agents          map[string]*Agent
	connections     map[string]string
	requests        map[string]*request
	periodic        []*schedule.Task
	subscription    *eventbus.Subscription
	lastAnnounce    time.Time
}

// New returns an uninitialized Service.
func New(config Config, deps Deps) (*Service, error) {
	if config.AgentID == "" {
		return nil, errors.New("hcs10: AgentID is required")
	}
	if deps.Gateway == nil || deps.Bus == nil || deps.Clock == nil {
		return nil, errors.New("hcs10: Gateway, Bus and Clock are required")
	}
	config.applyDefaults()
	config.Capabilities = slices.Clone(config.Capabilities)

	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("agent_id", config.AgentID)

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		config:          config,
		gateway:         deps.Gateway,
		bus:             deps.Bus,
		clock:           deps.Clock,
		scheduler:       schedule.New(deps.Clock, logger),
		store:           deps.Store,
		logger:          logger,
		ctx:             ctx,
		cancel:          cancel,
		seen:            expirable.NewLRU[string, struct{}](4096, nil, config.MaxRequestAge),
		status:          StatusUnknown,
		inboundTopicID:  config.InboundTopicID,
		registryTopicID: config.RegistryTopicID,
		agents:          make(map[string]*Agent),
		connections:     make(map[string]string),
		requests:        make(map[string]*request),
	}, nil
}

// AgentID returns this agent's id.
func (s *Service) AgentID() string { return s.config.AgentID }

// Capabilities returns the capabilities this agent advertises.
func (s *Service) Capabilities() []string { return slices.Clone(s.config.Capabilities) }

// Status returns this agent's registration status.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// InboundTopicID returns this agent's inbound topic, or "" before
// Initialize.
func (s *Service) InboundTopicID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inboundTopicID
}

// RegistryTopicID returns the registry topic, or "" before Initialize
// if none was configured.
func (s *Service) RegistryTopicID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registryTopicID
}

// Initialize resolves the inbound and registry topics, starts listening
// on the bus and announces the agent on the registry. Registration
// completes when the announcement comes back through the registry
// subscription, which the caller sets up afterwards.
//
// A failed Initialize leaves the service uninitialized and may be
// retried. Initialize on an initialized service is a no-op.
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

	inbound, registry, err := s.resolveTopics(ctx)
	if err != nil {
		return fmt.Errorf("hcs10: initialize: %w", err)
	}

	var connections map[string]string
	if s.store != nil {
		connections, err = s.store.Connections(ctx)
		if err != nil {
			return fmt.Errorf("hcs10: initialize: %w", err)
		}
	}

	s.mu.Lock()
	s.inboundTopicID = inbound
	s.registryTopicID = registry
	// Stored peers are reachable at once; their capabilities arrive
	// with their next announcement.
	for agentID, topicID := range connections {
		s.connections[agentID] = topicID
		if _, known := s.agents[agentID]; !known && agentID != s.config.AgentID {
			s.agents[agentID] = &Agent{ID: agentID, TopicID: topicID, Capabilities: []string{}, Status: StatusUnknown}
		}
	}
	s.status = StatusPending
	s.mu.Unlock()
	subscription := s.bus.Subscribe(eventbus.MessageReceived, s.onMessage)

	if err := s.announce(ctx, registry); err != nil {
		subscription.Unsubscribe()
		s.setStatus(StatusFailed)
		return fmt.Errorf("hcs10: initialize: announce: %w", err)
	}

	s.mu.Lock()
	s.subscription = subscription
	s.initialized = true
	s.mu.Unlock()

	if !s.config.TestMode {
		s.startPeriodicTimers()
	}
	s.logger.Info("agent announced",
		"inbound_topic_id", inbound,
		"registry_topic_id", registry,
		"capabilities", s.config.Capabilities,
	)
	return nil
}

// resolveTopics picks the inbound and registry topics from config, then
// the stored registration, creating whichever is still missing.
func (s *Service) resolveTopics(ctx context.Context) (inbound, registry string, err error) {
	var stored store.Registration
	if s.store != nil {
		var found bool
		stored, found, err = s.store.LoadRegistration(ctx, s.config.AgentID)
		if err != nil {
			return "", "", err
		}
		if found {
			s.logger.Info("resuming stored registration",
				"inbound_topic_id", stored.InboundTopicID,
				"registry_topic_id", stored.RegistryTopicID,
			)
		}
	}

	inbound = firstNonEmpty(s.config.InboundTopicID, stored.InboundTopicID)
	if inbound == "" {
		inbound, err = s.gateway.CreateTopic(ctx, "lynxify:inbound:"+s.config.AgentID)
		if err != nil {
			return "", "", fmt.Errorf("create inbound topic: %w", err)
		}
	}
	registry = firstNonEmpty(s.config.RegistryTopicID, stored.RegistryTopicID)
	if registry == "" {
		registry, err = s.gateway.CreateTopic(ctx, "lynxify:registry")
		if err != nil {
			return "", "", fmt.Errorf("create registry topic: %w", err)
		}
		s.logger.Warn("no registry topic configured, created a private one", "topic_id", registry)
	}

	if s.store != nil && (inbound != stored.InboundTopicID || registry != stored.RegistryTopicID) {
		err = s.store.SaveRegistration(ctx, store.Registration{
			AccountID:       s.config.AgentID,
			InboundTopicID:  inbound,
			RegistryTopicID: registry,
			CreatedAt:       s.clock.Now(),
		})
		if err != nil {
			return "", "", err
		}
	}
	return inbound, registry, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func (s *Service) startPeriodicTimers() {
	tasks := []*schedule.Task{
		s.scheduler.Every("hcs10-registration", s.config.RegistrationInterval, s.reregister),
		s.scheduler.Every("hcs10-discovery", s.config.DiscoveryInterval, func() {
			if err := s.Discover(s.ctx, nil); err != nil {
				s.logger.Warn("discovery broadcast failed", "error", err)
			}
		}),
		s.scheduler.Every("hcs10-gc", s.config.GCInterval, func() { s.CollectGarbage() }),
	}
	s.mu.Lock()
	s.periodic = append(s.periodic, tasks...)
	s.mu.Unlock()
}

// DisablePeriodicTimers stops re-registration, discovery and garbage
// collection. Request timeouts are unaffected.
func (s *Service) DisablePeriodicTimers() {
	s.mu.Lock()
	tasks := s.periodic
	s.periodic = nil
	s.mu.Unlock()
	for _, task := range tasks {
		task.Stop()
	}
}

func (s *Service) reregister() {
	s.mu.Lock()
	registry := s.registryTopicID
	if s.status == StatusFailed {
		s.status = StatusPending
	}
	s.mu.Unlock()
	if err := s.announce(s.ctx, registry); err != nil {
		s.logger.Warn("re-registration failed", "error", err)
		s.setStatus(StatusFailed)
	}
}

func (s *Service) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// announce publishes this agent's AgentInfo to topicID.
func (s *Service) announce(ctx context.Context, topicID string) error {
	s.mu.Lock()
	details := schema.AgentInfoDetails{
		AgentID:      s.config.AgentID,
		TopicID:      s.inboundTopicID,
		Capabilities: slices.Clone(s.config.Capabilities),
		Status:       string(s.status),
	}
	s.lastAnnounce = s.clock.Now()
	s.mu.Unlock()

	message := &schema.AgentInfo{
		Header:  schema.NewHeader(schema.KindAgentInfo, s.config.AgentID, s.clock.Now()),
		Details: details,
	}
	_, err := s.publish(ctx, topicID, message)
	return err
}

// Discover broadcasts a discovery request on the registry topic. Agents
// advertising every listed capability answer by re-announcing
// themselves; an empty list asks everyone.
func (s *Service) Discover(ctx context.Context, capabilities []string) error {
	s.mu.Lock()
	registry, inbound := s.registryTopicID, s.inboundTopicID
	s.mu.Unlock()
	if registry == "" {
		return ErrNotInitialized
	}
	message := &schema.AgentDiscovery{
		Header: schema.NewHeader(schema.KindAgentDiscovery, s.config.AgentID, s.clock.Now()),
		Details: schema.AgentDiscoveryDetails{
			Capabilities: slices.Clone(capabilities),
			ReplyTopicID: inbound,
		},
	}
	if _, err := s.publish(ctx, registry, message); err != nil {
		return fmt.Errorf("hcs10: discover: %w", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, topicID string, message schema.Message) (ledger.Receipt, error) {
	payload, err := schema.Encode(message)
	if err != nil {
		return ledger.Receipt{}, err
	}
	return s.gateway.SendMessage(ctx, topicID, payload)
}

// AddAgent registers a peer without waiting for its announcement, for
// statically configured peers. A later announcement refreshes it.
func (s *Service) AddAgent(agent Agent) {
	if agent.ID == "" || agent.ID == s.config.AgentID {
		return
	}
	if agent.Status == "" {
		agent.Status = StatusRegistered
	}
	s.mu.Lock()
	added := s.upsertAgentLocked(agent)
	s.mu.Unlock()
	if added {
		s.bus.Emit(eventbus.HCS10AgentConnected, agent.clone())
	}
}

// Agent returns a copy of the registry entry for agentID.
func (s *Service) Agent(agentID string) (Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return agent.clone(), true
}

// Agents returns a copy of the registry, ordered by id.
func (s *Service) Agents() []Agent {
	s.mu.Lock()
	agents := make([]Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		agents = append(agents, agent.clone())
	}
	s.mu.Unlock()
	return FindAll(agents, And())
}

// FindAgents returns the registered agents that satisfy match.
func (s *Service) FindAgents(match Matcher) []Agent {
	return FindAll(s.Agents(), match)
}

// upsertAgentLocked merges agent into the registry and reports whether
// it was new. Status never moves from verified back to registered.
func (s *Service) upsertAgentLocked(agent Agent) bool {
	existing, ok := s.agents[agent.ID]
	if !ok {
		copied := agent.clone()
		s.agents[agent.ID] = &copied
		return true
	}
	if agent.TopicID != "" {
		existing.TopicID = agent.TopicID
	}
	if agent.Capabilities != nil {
		existing.Capabilities = slices.Clone(agent.Capabilities)
	}
	if agent.LastSeen.After(existing.LastSeen) {
		existing.LastSeen = agent.LastSeen
	}
	if !(existing.Status == StatusVerified && agent.Status == StatusRegistered) {
		existing.Status = agent.Status
	}
	return false
}

// Request returns a snapshot of an outbound request.
func (s *Service) Request(requestID string) (RequestState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return RequestState{}, false
	}
	return req.state, true
}

// PendingRequests returns the number of requests that have not reached
// a terminal state.
func (s *Service) PendingRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, req := range s.requests {
		if !req.state.Status.Terminal() {
			count++
		}
	}
	return count
}

// SendRequest publishes an AgentRequest to recipientID's topic. contents
// is marshaled as JSON.
//
// Unless options.NoWait is set, SendRequest blocks until the request
// reaches a terminal state or ctx ends. A timeout or exhausted send
// failure returns a *RequestFailure. Canceling ctx abandons the wait,
// not the request.
func (s *Service) SendRequest(ctx context.Context, recipientID string, contents any, options RequestOptions) (Outcome, error) {
	raw, err := json.Marshal(contents)
	if err != nil {
		return Outcome{}, fmt.Errorf("hcs10: send request to %s: encoding contents: %w", recipientID, err)
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = s.config.DefaultTimeout
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return Outcome{}, ErrShutdown
	}
	agent, known := s.agents[recipientID]
	if !known || agent.TopicID == "" {
		s.mu.Unlock()
		return Outcome{}, fmt.Errorf("hcs10: send request to %s: %w", recipientID, ErrUnknownRecipient)
	}
	now := s.clock.Now()
	requestID := uuid.NewString()
	req := &request{
		state: RequestState{
			ID:          requestID,
			RecipientID: recipientID,
			TopicID:     agent.TopicID,
			Status:      RequestPending,
			MaxRetries:  max(options.MaxRetries, 0),
			Timeout:     timeout,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		message: &schema.AgentRequest{
			Header: schema.Header{
				ID:        requestID,
				Type:      schema.KindAgentRequest,
				Timestamp: now.UnixMilli(),
				Sender:    s.config.AgentID,
			},
			Details: schema.AgentRequestDetails{
				RecipientID:  recipientID,
				ReplyTopicID: s.inboundTopicID,
				Contents:     raw,
			},
		},
	}
	var waiter chan waitResult
	if !options.NoWait {
		waiter = make(chan waitResult, 1)
		req.waiters = append(req.waiters, waiter)
	}
	s.requests[requestID] = req
	s.mu.Unlock()

	// Armed before publishing: a synchronous ledger may deliver the
	// response before SendMessage returns.
	task := s.scheduler.After("hcs10-request-"+requestID, timeout, func() { s.onTimeout(requestID) })
	s.mu.Lock()
	req.task = task
	if req.state.Status.Terminal() {
		task.Stop()
	}
	s.mu.Unlock()

	s.deliver(ctx, req, 1)

	if options.NoWait {
		s.mu.Lock()
		status := req.state.Status
		failure := req.state.Err
		s.mu.Unlock()
		return Outcome{RequestID: requestID, Status: status}, failure
	}
	select {
	case result := <-waiter:
		return result.outcome, result.err
	case <-ctx.Done():
		s.dropWaiter(requestID, waiter)
		return Outcome{RequestID: requestID, Status: RequestPending}, ctx.Err()
	}
}

// deliver publishes req and applies the result. attempt counts
// publications, starting at 1.
func (s *Service) deliver(ctx context.Context, req *request, attempt int) {
	s.mu.Lock()
	message := *req.message
	message.Details.ReplyTopicID = s.inboundTopicID
	topicID := req.state.TopicID
	s.mu.Unlock()

	_, err := s.publish(ctx, topicID, &message)
	event := RequestEvent{
		RequestID:   req.state.ID,
		RecipientID: req.state.RecipientID,
		TopicID:     topicID,
		Attempt:     attempt,
	}

	s.mu.Lock()
	if err == nil {
		if req.state.Status == RequestPending {
			req.state.Status = RequestDelivered
			req.state.UpdatedAt = s.clock.Now()
		}
		s.mu.Unlock()
		s.logger.Debug("request sent", "request_id", event.RequestID, "recipient_id", event.RecipientID, "attempt", attempt)
		s.bus.Emit(eventbus.HCS10RequestSent, event)
		return
	}

	event.Err = err
	if req.state.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	if req.retrying() {
		// The timeout timer republishes.
		s.mu.Unlock()
		s.logger.Warn("request send failed, will retry at timeout",
			"request_id", event.RequestID,
			"recipient_id", event.RecipientID,
			"attempt", attempt,
			"error", err,
		)
		s.bus.Emit(eventbus.HCS10RequestError, event)
		return
	}
	waiters, result := req.finish(RequestError, nil, err, s.clock.Now())
	s.mu.Unlock()
	s.logger.Warn("request send failed",
		"request_id", event.RequestID,
		"recipient_id", event.RecipientID,
		"attempt", attempt,
		"error", err,
	)
	notify(waiters, result)
	s.bus.Emit(eventbus.HCS10RequestError, event)
}

func (s *Service) onTimeout(requestID string) {
	s.mu.Lock()
	req, ok := s.requests[requestID]
	if !ok || req.state.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	if req.retrying() {
		req.state.RetryCount++
		req.state.Status = RequestPending
		now := s.clock.Now()
		req.state.UpdatedAt = now
		req.message.Timestamp = now.UnixMilli()
		attempt := req.state.RetryCount + 1
		event := RequestEvent{
			RequestID:   requestID,
			RecipientID: req.state.RecipientID,
			TopicID:     req.state.TopicID,
			Attempt:     attempt,
		}
		task := req.task
		timeout := req.state.Timeout
		s.mu.Unlock()

		s.logger.Info("request timed out, retrying",
			"request_id", requestID,
			"recipient_id", event.RecipientID,
			"attempt", attempt,
		)
		if task != nil {
			task.Reset(timeout)
		}
		s.bus.Emit(eventbus.MessageRetry, event)
		s.deliver(s.ctx, req, attempt)
		return
	}

	waiters, result := req.finish(RequestTimeout, nil, ErrRequestTimeout, s.clock.Now())
	event := RequestEvent{
		RequestID:   requestID,
		RecipientID: req.state.RecipientID,
		TopicID:     req.state.TopicID,
		Attempt:     req.state.RetryCount + 1,
		Err:         ErrRequestTimeout,
	}
	s.mu.Unlock()

	s.logger.Warn("request timed out", "request_id", requestID, "recipient_id", event.RecipientID)
	notify(waiters, result)
	s.bus.Emit(eventbus.HCS10RequestTimeout, event)
	s.bus.Emit(eventbus.MessageTimeout, event)
}

// WaitForResponse blocks until requestID reaches a terminal state or
// ctx ends. Any number of callers may wait on the same request; each
// is notified once.
func (s *Service) WaitForResponse(ctx context.Context, requestID string) (*schema.AgentResponse, error) {
	s.mu.Lock()
	req, ok := s.requests[requestID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("hcs10: wait for %s: %w", requestID, ErrUnknownRequest)
	}
	if req.state.Status.Terminal() {
		result := req.result()
		s.mu.Unlock()
		return result.outcome.Response, result.err
	}
	waiter := make(chan waitResult, 1)
	req.waiters = append(req.waiters, waiter)
	s.mu.Unlock()

	select {
	case result := <-waiter:
		return result.outcome.Response, result.err
	case <-ctx.Done():
		s.dropWaiter(requestID, waiter)
		return nil, ctx.Err()
	}
}

func (s *Service) dropWaiter(requestID string, waiter chan waitResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return
	}
	req.waiters = slices.DeleteFunc(req.waiters, func(candidate chan waitResult) bool {
		return candidate == waiter
	})
}

// SendResponse answers requestID from recipientID with response,
// marshaled as JSON. The recipient's topic comes from the reply topic
// it named in its request, or failing that from the registry.
func (s *Service) SendResponse(ctx context.Context, recipientID, requestID string, response any) error {
	raw, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("hcs10: send response to %s: encoding contents: %w", recipientID, err)
	}
	return s.respond(ctx, recipientID, requestID, schema.AgentResponseDetails{
		OriginalMessageID: requestID,
		Contents:          raw,
	})
}

// SendErrorResponse answers requestID with an error string and no
// contents.
func (s *Service) SendErrorResponse(ctx context.Context, recipientID, requestID, message string) error {
	return s.respond(ctx, recipientID, requestID, schema.AgentResponseDetails{
		OriginalMessageID: requestID,
		Error:             message,
	})
}

func (s *Service) respond(ctx context.Context, recipientID, requestID string, details schema.AgentResponseDetails) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	topicID := s.connections[recipientID]
	if topicID == "" {
		if agent, ok := s.agents[recipientID]; ok {
			topicID = agent.TopicID
		}
	}
	s.mu.Unlock()
	if topicID == "" {
		return fmt.Errorf("hcs10: send response to %s: %w", recipientID, ErrUnknownAgent)
	}

	message := &schema.AgentResponse{
		Header:  schema.NewHeader(schema.KindAgentResponse, s.config.AgentID, s.clock.Now()),
		Details: details,
	}
	if _, err := s.publish(ctx, topicID, message); err != nil {
		return fmt.Errorf("hcs10: send response to %s: %w", recipientID, err)
	}
	s.bus.Emit(eventbus.HCS10ResponseSent, ResponseEvent{
		RequestID: requestID,
		AgentID:   recipientID,
		Response:  message,
	})
	return nil
}

func (s *Service) onMessage(event eventbus.Event) {
	envelope, ok := event.Payload.(schema.Envelope)
	if !ok {
		return
	}
	s.HandleEnvelope(envelope)
}

// HandleEnvelope processes one envelope from the registry or inbound
// topic. Envelopes from other topics and non-agent messages are
// ignored.
func (s *Service) HandleEnvelope(envelope schema.Envelope) {
	s.mu.Lock()
	relevant := envelope.TopicID == s.registryTopicID || envelope.TopicID == s.inboundTopicID
	stopped := s.shutdown
	s.mu.Unlock()
	if !relevant || stopped {
		return
	}

	switch message := envelope.Contents.(type) {
	case *schema.AgentInfo:
		s.handleAgentInfo(envelope, message)
	case *schema.AgentVerification:
		s.handleVerification(envelope, message)
	case *schema.AgentDiscovery:
		s.handleDiscovery(envelope, message)
	case *schema.AgentRequest:
		s.handleRequest(envelope, message)
	case *schema.AgentResponse:
		s.handleResponse(envelope, message)
	}
}

func (s *Service) handleAgentInfo(envelope schema.Envelope, message *schema.AgentInfo) {
	details := message.Details
	if details.AgentID == s.config.AgentID {
		s.handleOwnAnnouncement(envelope, message)
		return
	}
	status := StatusRegistered
	if Status(details.Status) == StatusVerified {
		status = StatusVerified
	}
	agent := Agent{
		ID:           details.AgentID,
		TopicID:      details.TopicID,
		Capabilities: slices.Clone(details.Capabilities),
		LastSeen:     envelope.ConsensusTimestamp,
		Status:       status,
	}
	if agent.Capabilities == nil {
		agent.Capabilities = []string{}
	}
	s.mu.Lock()
	added := s.upsertAgentLocked(agent)
	s.mu.Unlock()

	s.persistConnection(agent.ID, agent.TopicID, envelope.ConsensusTimestamp)
	if added {
		s.logger.Info("agent discovered",
			"peer_id", agent.ID,
			"topic_id", agent.TopicID,
			"capabilities", agent.Capabilities,
		)
		s.bus.Emit(eventbus.HCS10AgentConnected, agent.clone())
	}
}

func (s *Service) handleOwnAnnouncement(envelope schema.Envelope, message *schema.AgentInfo) {
	s.mu.Lock()
	if message.Sender != s.config.AgentID || message.Details.TopicID != s.inboundTopicID || envelope.TopicID != s.registryTopicID {
		s.mu.Unlock()
		return
	}
	if s.status != StatusPending {
		s.mu.Unlock()
		return
	}
	s.status = StatusRegistered
	registration := Registration{
		AgentID:         s.config.AgentID,
		InboundTopicID:  s.inboundTopicID,
		RegistryTopicID: s.registryTopicID,
	}
	s.mu.Unlock()

	s.logger.Info("registration confirmed", "sequence_number", envelope.SequenceNumber)
	s.bus.Emit(eventbus.HCS10AgentRegistered, registration)

	verification := &schema.AgentVerification{
		Header: schema.NewHeader(schema.KindAgentVerification, s.config.AgentID, s.clock.Now()),
		Details: schema.AgentVerificationDetails{
			AgentID: s.config.AgentID,
			TopicID: registration.InboundTopicID,
			Status:  string(StatusVerified),
		},
	}
	if _, err := s.publish(s.ctx, registration.RegistryTopicID, verification); err != nil {
		s.logger.Warn("publishing verification failed", "error", err)
		s.setStatus(StatusFailed)
		return
	}
	s.mu.Lock()
	if s.status == StatusRegistered {
		s.status = StatusVerified
	}
	s.mu.Unlock()
}

func (s *Service) handleVerification(envelope schema.Envelope, message *schema.AgentVerification) {
	details := message.Details
	if details.AgentID == s.config.AgentID {
		return
	}
	status := Status(details.Status)
	if status != StatusVerified && status != StatusFailed {
		status = StatusRegistered
	}
	s.mu.Lock()
	existing, known := s.agents[details.AgentID]
	if !known && details.TopicID == "" {
		s.mu.Unlock()
		return
	}
	var added bool
	if known {
		existing.Status = status
		if details.TopicID != "" {
			existing.TopicID = details.TopicID
		}
		if envelope.ConsensusTimestamp.After(existing.LastSeen) {
			existing.LastSeen = envelope.ConsensusTimestamp
		}
	} else {
		added = s.upsertAgentLocked(Agent{
			ID:           details.AgentID,
			TopicID:      details.TopicID,
			Capabilities: []string{},
			LastSeen:     envelope.ConsensusTimestamp,
			Status:       status,
		})
	}
	agent := s.agents[details.AgentID].clone()
	s.mu.Unlock()

	if added {
		s.persistConnection(agent.ID, agent.TopicID, envelope.ConsensusTimestamp)
		s.bus.Emit(eventbus.HCS10AgentConnected, agent)
	}
}

func (s *Service) handleDiscovery(envelope schema.Envelope, message *schema.AgentDiscovery) {
	if message.Sender == s.config.AgentID {
		return
	}
	self := Agent{ID: s.config.AgentID, Capabilities: s.config.Capabilities}
	if !HasAllCapabilities(message.Details.Capabilities...)(self) {
		return
	}

	s.mu.Lock()
	if agent, ok := s.agents[message.Sender]; ok && envelope.ConsensusTimestamp.After(agent.LastSeen) {
		agent.LastSeen = envelope.ConsensusTimestamp
	}
	if !s.initialized || s.clock.Now().Sub(s.lastAnnounce) < s.config.DiscoveryReplyInterval {
		s.mu.Unlock()
		return
	}
	registry := s.registryTopicID
	s.mu.Unlock()

	if err := s.announce(s.ctx, registry); err != nil {
		s.logger.Warn("answering discovery failed", "requester_id", message.Sender, "error", err)
	}
}

func (s *Service) handleRequest(envelope schema.Envelope, message *schema.AgentRequest) {
	if message.Details.RecipientID != s.config.AgentID {
		return
	}
	key := message.ID + "@" + strconv.FormatInt(message.Timestamp, 10)
	if s.seen.Contains(key) {
		s.logger.Debug("ignoring redelivered request", "request_id", message.ID, "sequence_number", envelope.SequenceNumber)
		return
	}
	s.seen.Add(key, struct{}{})

	if reply := message.Details.ReplyTopicID; reply != "" {
		s.mu.Lock()
		previous := s.connections[message.Sender]
		s.connections[message.Sender] = reply
		if agent, ok := s.agents[message.Sender]; ok && envelope.ConsensusTimestamp.After(agent.LastSeen) {
			agent.LastSeen = envelope.ConsensusTimestamp
		}
		s.mu.Unlock()
		if previous != reply {
			s.persistConnection(message.Sender, reply, envelope.ConsensusTimestamp)
		}
	}

	s.logger.Debug("request received", "request_id", message.ID, "requester_id", message.Sender)
	s.bus.Emit(eventbus.HCS10RequestReceived, InboundRequest{Envelope: envelope, Request: message})
}

func (s *Service) handleResponse(envelope schema.Envelope, message *schema.AgentResponse) {
	requestID := message.Details.OriginalMessageID
	s.mu.Lock()
	req, ok := s.requests[requestID]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("dropping response to unknown request",
			"request_id", requestID,
			"responder_id", message.Sender,
		)
		return
	}
	if req.state.Status.Terminal() {
		status := req.state.Status
		s.mu.Unlock()
		if status != RequestResponded {
			s.logger.Warn("dropping late response",
				"request_id", requestID,
				"responder_id", message.Sender,
				"status", status,
			)
		}
		return
	}
	waiters, result := req.finish(RequestResponded, message, nil, s.clock.Now())
	s.mu.Unlock()

	notify(waiters, result)
	s.bus.Emit(eventbus.HCS10ResponseReceived, ResponseEvent{
		RequestID: requestID,
		AgentID:   message.Sender,
		Response:  message,
	})
}

func (s *Service) persistConnection(agentID, topicID string, at time.Time) {
	if s.store == nil || topicID == "" {
		return
	}
	if err := s.store.SaveConnection(s.ctx, agentID, topicID, at); err != nil {
		s.logger.Warn("persisting connection failed", "peer_id", agentID, "error", err)
	}
}

// CollectGarbage drops requests older than MaxRequestAge unless they
// are still open with retries left, and returns how many it dropped.
// Waiters on a dropped open request see ErrRequestTimeout.
func (s *Service) CollectGarbage() int {
	now := s.clock.Now()
	type dropped struct {
		waiters []chan waitResult
		result  waitResult
	}
	var notifications []dropped

	s.mu.Lock()
	removed := 0
	for id, req := range s.requests {
		if now.Sub(req.state.CreatedAt) <= s.config.MaxRequestAge {
			continue
		}
		if req.retrying() {
			continue
		}
		if !req.state.Status.Terminal() {
			waiters, result := req.finish(RequestTimeout, nil, ErrRequestTimeout, now)
			notifications = append(notifications, dropped{waiters, result})
		}
		delete(s.requests, id)
		removed++
	}
	s.mu.Unlock()

	for _, n := range notifications {
		notify(n.waiters, n.result)
	}
	if removed > 0 {
		s.logger.Debug("collected requests", "count", removed)
	}
	return removed
}

// Shutdown stops every timer, stops listening on the bus and fails
// every open request with ErrShutdown. It is idempotent.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	subscription := s.subscription
	s.subscription = nil
	s.periodic = nil
	now := s.clock.Now()
	type open struct {
		waiters []chan waitResult
		result  waitResult
	}
	var opens []open
	for _, req := range s.requests {
		if req.state.Status.Terminal() {
			continue
		}
		waiters, result := req.finish(RequestError, nil, ErrShutdown, now)
		opens = append(opens, open{waiters, result})
	}
	s.mu.Unlock()

	if subscription != nil {
		subscription.Unsubscribe()
	}
	s.scheduler.Close()
	s.cancel()
	for _, o := range opens {
		notify(o.waiters, o.result)
	}
	s.logger.Info("hcs10 service shut down")
	return nil
}
