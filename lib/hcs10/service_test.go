// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package hcs10

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/lynxify-labs/lynxify/lib/clock"
	"github.com/lynxify-labs/lynxify/lib/eventbus"
	"github.com/lynxify-labs/lynxify/lib/ledger"
	"github.com/lynxify-labs/lynxify/lib/normalizer"
	"github.com/lynxify-labs/lynxify/lib/schema"
	"github.com/lynxify-labs/lynxify/lib/store"
	"github.com/lynxify-labs/lynxify/lib/testutil"
)

const registryTopic = "0.0.900"

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testNetwork struct {
	clock  *clock.FakeClock
	ledger *ledger.Memory
}

func newTestNetwork() *testNetwork {
	clk := clock.Fake(epoch)
	memory := ledger.NewMemory(clk, ledger.MemoryOptions{})
	memory.EnsureTopic(registryTopic, "registry")
	return &testNetwork{clock: clk, ledger: memory}
}

type testAgent struct {
	service    *Service
	bus        *eventbus.Bus
	gateway    *ledger.MemoryGateway
	normalizer *normalizer.Normalizer
}

// newAgent builds, initializes and connects an agent in test mode.
func (n *testNetwork) newAgent(t *testing.T, id string, capabilities ...string) *testAgent {
	t.Helper()
	agent := n.newUnstartedAgent(t, Config{
		AgentID:         id,
		RegistryTopicID: registryTopic,
		Capabilities:    capabilities,
		TestMode:        true,
	}, nil)
	ctx := context.Background()
	if err := agent.service.Initialize(ctx); err != nil {
		t.Fatalf("Initialize(%s): %v", id, err)
	}
	agent.attach(t, registryTopic)
	agent.attach(t, agent.service.InboundTopicID())
	return agent
}

func (n *testNetwork) newUnstartedAgent(t *testing.T, config Config, st Store) *testAgent {
	t.Helper()
	logger := testutil.Logger(t)
	bus := eventbus.New(logger)
	gateway := n.ledger.Gateway()
	if err := gateway.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	deps := Deps{Gateway: gateway, Bus: bus, Clock: n.clock, Logger: logger}
	if st != nil {
		deps.Store = st
	}
	service, err := New(config, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		service.Shutdown()
		gateway.Close()
	})
	return &testAgent{
		service:    service,
		bus:        bus,
		gateway:    gateway,
		normalizer: normalizer.New(bus, gateway, logger),
	}
}

func (a *testAgent) attach(t *testing.T, topicID string) {
	t.Helper()
	if err := a.normalizer.Attach(context.Background(), topicID, 0); err != nil {
		t.Fatalf("Attach(%s): %v", topicID, err)
	}
}

// capture forwards every payload of eventType to a buffered channel.
func capture[T any](a *testAgent, eventType eventbus.EventType) <-chan T {
	channel := make(chan T, 64)
	a.bus.Subscribe(eventType, func(event eventbus.Event) {
		channel <- event.Payload.(T)
	})
	return channel
}

// respondWith makes the agent answer every inbound request with reply.
func (a *testAgent) respondWith(t *testing.T, reply func(contents json.RawMessage) any) {
	a.bus.Subscribe(eventbus.HCS10RequestReceived, func(event eventbus.Event) {
		inbound := event.Payload.(InboundRequest)
		request := inbound.Request
		err := a.service.SendResponse(context.Background(), request.Sender, request.ID, reply(request.Details.Contents))
		if err != nil {
			t.Errorf("SendResponse: %v", err)
		}
	})
}

func countMessages(t *testing.T, memory *ledger.Memory, topicID string, kind schema.Kind, sender string) int {
	t.Helper()
	count := 0
	for _, raw := range memory.Messages(topicID) {
		message, err := schema.Decode(raw.Contents)
		if err != nil {
			t.Fatalf("decoding %s #%d: %v", topicID, raw.SequenceNumber, err)
		}
		if message.Kind() == kind && (sender == "" || message.Head().Sender == sender) {
			count++
		}
	}
	return count
}

func TestRegistrationLifecycle(t *testing.T) {
	network := newTestNetwork()
	agent := network.newUnstartedAgent(t, Config{
		AgentID:         "0.0.5001",
		RegistryTopicID: registryTopic,
		Capabilities:    []string{"rebalancing"},
		TestMode:        true,
	}, nil)
	registered := capture[Registration](agent, eventbus.HCS10AgentRegistered)

	if got := agent.service.Status(); got != StatusUnknown {
		t.Fatalf("Status before Initialize = %s", got)
	}
	if err := agent.service.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := agent.service.Status(); got != StatusPending {
		t.Fatalf("Status after Initialize = %s, want pending", got)
	}
	if agent.service.InboundTopicID() == "" {
		t.Fatal("no inbound topic after Initialize")
	}
	if n := countMessages(t, network.ledger, registryTopic, schema.KindAgentInfo, "0.0.5001"); n != 1 {
		t.Fatalf("AgentInfo published %d times, want 1", n)
	}

	agent.attach(t, registryTopic)

	registration := testutil.RequireReceive(t, registered, time.Second, "waiting for registration")
	if registration.InboundTopicID != agent.service.InboundTopicID() || registration.RegistryTopicID != registryTopic {
		t.Errorf("registration = %+v", registration)
	}
	if got := agent.service.Status(); got != StatusVerified {
		t.Errorf("Status after echo = %s, want verified", got)
	}
	if n := countMessages(t, network.ledger, registryTopic, schema.KindAgentVerification, "0.0.5001"); n != 1 {
		t.Errorf("AgentVerification published %d times, want 1", n)
	}

	// Replaying the registry does not re-register.
	if err := network.ledger.Redeliver(registryTopic, 1); err != nil {
		t.Fatal(err)
	}
	testutil.RequireNoReceive(t, registered, "registration repeated on replay")

	if err := agent.service.Initialize(context.Background()); err != nil {
		t.Errorf("second Initialize: %v", err)
	}
	if n := countMessages(t, network.ledger, registryTopic, schema.KindAgentInfo, "0.0.5001"); n != 1 {
		t.Errorf("second Initialize re-announced: %d announcements", n)
	}
}

func TestInitializeFailureIsRetryable(t *testing.T) {
	network := newTestNetwork()
	agent := network.newUnstartedAgent(t, Config{
		AgentID:         "0.0.5001",
		RegistryTopicID: registryTopic,
		TestMode:        true,
	}, nil)
	agent.gateway.FailSends(func(string, []byte) error { return errors.New("ledger unavailable") })

	if err := agent.service.Initialize(context.Background()); err == nil {
		t.Fatal("Initialize succeeded with failing sends")
	}
	if got := agent.service.Status(); got != StatusFailed {
		t.Errorf("Status = %s, want failed", got)
	}
	if count := agent.bus.HandlerCount(eventbus.MessageReceived); count != 0 {
		t.Errorf("failed Initialize left %d bus handlers", count)
	}

	agent.gateway.FailSends(nil)
	if err := agent.service.Initialize(context.Background()); err != nil {
		t.Fatalf("retried Initialize: %v", err)
	}
	if got := agent.service.Status(); got != StatusPending {
		t.Errorf("Status after retry = %s, want pending", got)
	}
}

func TestPeersDiscoverEachOther(t *testing.T) {
	network := newTestNetwork()
	alpha := network.newAgent(t, "0.0.5001", "rebalancing")
	connected := capture[Agent](alpha, eventbus.HCS10AgentConnected)
	beta := network.newAgent(t, "0.0.5002", "risk-assessment", "rebalancing")

	peer := testutil.RequireReceive(t, connected, time.Second, "alpha never saw beta")
	if peer.ID != "0.0.5002" {
		t.Fatalf("connected peer = %+v", peer)
	}

	got, ok := alpha.service.Agent("0.0.5002")
	if !ok {
		t.Fatal("alpha does not know beta")
	}
	if got.TopicID != beta.service.InboundTopicID() {
		t.Errorf("beta topic = %q, want %q", got.TopicID, beta.service.InboundTopicID())
	}
	if !got.HasCapability("risk-assessment") {
		t.Errorf("beta capabilities = %v", got.Capabilities)
	}
	if got.Status != StatusVerified {
		t.Errorf("beta status = %s, want verified", got.Status)
	}
	if !got.LastSeen.Equal(epoch) {
		t.Errorf("beta LastSeen = %v", got.LastSeen)
	}

	if _, ok := beta.service.Agent("0.0.5001"); !ok {
		t.Error("beta does not know alpha from registry replay")
	}
	if _, ok := alpha.service.Agent("0.0.5001"); ok {
		t.Error("alpha lists itself as a peer")
	}

	matched := alpha.service.FindAgents(And(Reachable(), HasCapability("risk-assessment")))
	if len(matched) != 1 || matched[0].ID != "0.0.5002" {
		t.Errorf("FindAgents = %v", ids(matched))
	}
}

func TestCorrelationRoundTrip(t *testing.T) {
	network := newTestNetwork()
	alpha := network.newAgent(t, "0.0.5001")
	beta := network.newAgent(t, "0.0.5002")
	beta.respondWith(t, func(contents json.RawMessage) any {
		return map[string]json.RawMessage{"echo": contents}
	})
	received := capture[ResponseEvent](alpha, eventbus.HCS10ResponseReceived)

	outcome, err := alpha.service.SendRequest(context.Background(), "0.0.5002",
		map[string]string{"action": "ping"}, RequestOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if outcome.Status != RequestResponded || outcome.Response == nil {
		t.Fatalf("outcome = %+v", outcome)
	}
	if outcome.Response.Details.OriginalMessageID != outcome.RequestID {
		t.Errorf("response correlates to %q, want %q", outcome.Response.Details.OriginalMessageID, outcome.RequestID)
	}
	var body struct {
		Echo struct {
			Action string `json:"action"`
		} `json:"echo"`
	}
	if err := json.Unmarshal(outcome.Response.Details.Contents, &body); err != nil || body.Echo.Action != "ping" {
		t.Errorf("response contents = %s (%v)", outcome.Response.Details.Contents, err)
	}

	event := testutil.RequireReceive(t, received, time.Second)
	if event.RequestID != outcome.RequestID || event.AgentID != "0.0.5002" {
		t.Errorf("response event = %+v", event)
	}
	state, ok := alpha.service.Request(outcome.RequestID)
	if !ok || state.Status != RequestResponded {
		t.Errorf("request state = %+v", state)
	}
	if pending := network.clock.PendingCount(); pending != 0 {
		t.Errorf("%d timers still pending after response", pending)
	}

	// The response is already recorded; a late waiter gets it at once.
	response, err := alpha.service.WaitForResponse(context.Background(), outcome.RequestID)
	if err != nil || response.ID != outcome.Response.ID {
		t.Errorf("WaitForResponse after completion = %v, %v", response, err)
	}
}

func TestCorrelationRoundTripProperty(t *testing.T) {
	network := newTestNetwork()
	alpha := network.newAgent(t, "0.0.5001")
	beta := network.newAgent(t, "0.0.5002")
	beta.respondWith(t, func(contents json.RawMessage) any { return contents })

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("the requester receives exactly the response to its request", prop.ForAll(
		func(action string, amount int) bool {
			sent := map[string]any{"action": action, "amount": amount}
			outcome, err := alpha.service.SendRequest(context.Background(), "0.0.5002", sent, RequestOptions{})
			if err != nil || outcome.Status != RequestResponded {
				return false
			}
			if outcome.Response.Details.OriginalMessageID != outcome.RequestID {
				return false
			}
			var got struct {
				Action string `json:"action"`
				Amount int    `json:"amount"`
			}
			if err := json.Unmarshal(outcome.Response.Details.Contents, &got); err != nil {
				return false
			}
			return got.Action == action && got.Amount == amount
		},
		gen.AlphaString(),
		gen.IntRange(-1000, 1000),
	))
	properties.TestingRun(t)
}

// startRequest runs SendRequest in a goroutine and waits until it has
// been published.
func startRequest(t *testing.T, agent *testAgent, recipient string, options RequestOptions) (<-chan error, <-chan RequestEvent) {
	t.Helper()
	sent := capture[RequestEvent](agent, eventbus.HCS10RequestSent)
	result := make(chan error, 1)
	go func() {
		_, err := agent.service.SendRequest(context.Background(), recipient, map[string]string{"action": "ping"}, options)
		result <- err
	}()
	testutil.RequireReceive(t, sent, 5*time.Second, "request never published")
	return result, sent
}

func TestRetryThenTimeout(t *testing.T) {
	network := newTestNetwork()
	network.ledger.EnsureTopic("0.0.4242", "silent agent")
	alpha := network.newAgent(t, "0.0.5001")
	alpha.service.AddAgent(Agent{ID: "agentX", TopicID: "0.0.4242"})
	retries := capture[RequestEvent](alpha, eventbus.MessageRetry)
	timeouts := capture[RequestEvent](alpha, eventbus.HCS10RequestTimeout)
	genericTimeouts := capture[RequestEvent](alpha, eventbus.MessageTimeout)

	start := network.clock.Now()
	result, sent := startRequest(t, alpha, "agentX", RequestOptions{Timeout: time.Second, MaxRetries: 1})

	network.clock.Advance(999 * time.Millisecond)
	testutil.RequireNoReceive(t, retries, "retried before the timeout")

	network.clock.Advance(time.Millisecond)
	retry := testutil.RequireReceive(t, retries, time.Second, "no retry at 1s")
	if retry.Attempt != 2 {
		t.Errorf("retry attempt = %d, want 2", retry.Attempt)
	}
	testutil.RequireReceive(t, sent, time.Second, "retry not published")
	testutil.RequireNoReceive(t, result, "request finished at the first timeout")

	messages := network.ledger.Messages("0.0.4242")
	if len(messages) != 2 {
		t.Fatalf("recipient topic has %d messages, want 2", len(messages))
	}
	first, _ := schema.Decode(messages[0].Contents)
	second, _ := schema.Decode(messages[1].Contents)
	if first.Head().ID != second.Head().ID {
		t.Errorf("retry changed the request id: %s then %s", first.Head().ID, second.Head().ID)
	}
	if second.Head().Timestamp != start.Add(time.Second).UnixMilli() {
		t.Errorf("retry timestamp = %d, want fresh", second.Head().Timestamp)
	}

	network.clock.Advance(time.Second)
	err := testutil.RequireReceive(t, result, time.Second, "request never timed out")
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("SendRequest error = %v, want ErrRequestTimeout", err)
	}
	var failure *RequestFailure
	if !errors.As(err, &failure) || failure.Status != RequestTimeout || failure.RecipientID != "agentX" {
		t.Errorf("failure = %+v", failure)
	}
	if elapsed := network.clock.Now().Sub(start); elapsed != 2*time.Second {
		t.Errorf("timed out after %v, want 2s", elapsed)
	}
	testutil.RequireReceive(t, timeouts, time.Second)
	testutil.RequireReceive(t, genericTimeouts, time.Second)
	if len(network.ledger.Messages("0.0.4242")) != 2 {
		t.Error("published again after the final timeout")
	}
}

func TestTimeoutNeverResolvesLater(t *testing.T) {
	network := newTestNetwork()
	network.ledger.EnsureTopic("0.0.4242", "silent agent")
	alpha := network.newAgent(t, "0.0.5001")
	alpha.service.AddAgent(Agent{ID: "agentX", TopicID: "0.0.4242"})
	responses := capture[ResponseEvent](alpha, eventbus.HCS10ResponseReceived)

	result, _ := startRequest(t, alpha, "agentX", RequestOptions{Timeout: 250 * time.Millisecond})
	network.clock.Advance(250 * time.Millisecond)
	if err := testutil.RequireReceive(t, result, time.Second); !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("error = %v, want timeout", err)
	}

	var requestID string
	for id := range alpha.service.requests {
		requestID = id
	}
	late := &schema.AgentResponse{
		Header:  schema.NewHeader(schema.KindAgentResponse, "agentX", network.clock.Now()),
		Details: schema.AgentResponseDetails{OriginalMessageID: requestID, Contents: json.RawMessage(`{}`)},
	}
	alpha.service.HandleEnvelope(schema.Envelope{TopicID: alpha.service.InboundTopicID(), SequenceNumber: 99, Contents: late})

	state, _ := alpha.service.Request(requestID)
	if state.Status != RequestTimeout || state.Response != nil {
		t.Errorf("late response changed state to %+v", state)
	}
	testutil.RequireNoReceive(t, responses, "late response was reported")
}

func TestUnknownRecipientAndAgent(t *testing.T) {
	network := newTestNetwork()
	alpha := network.newAgent(t, "0.0.5001")

	_, err := alpha.service.SendRequest(context.Background(), "0.0.9999", "ping", RequestOptions{})
	if !errors.Is(err, ErrUnknownRecipient) {
		t.Errorf("SendRequest to unknown agent = %v, want ErrUnknownRecipient", err)
	}
	if alpha.service.PendingRequests() != 0 {
		t.Error("rejected request was tracked")
	}

	err = alpha.service.SendResponse(context.Background(), "0.0.9999", "some-request", "pong")
	if !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("SendResponse to unknown agent = %v, want ErrUnknownAgent", err)
	}

	if _, err := alpha.service.WaitForResponse(context.Background(), "missing"); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("WaitForResponse(missing) = %v", err)
	}
}

func TestUnmatchedResponseIsDropped(t *testing.T) {
	network := newTestNetwork()
	alpha := network.newAgent(t, "0.0.5001")
	responses := capture[ResponseEvent](alpha, eventbus.HCS10ResponseReceived)

	stray := &schema.AgentResponse{
		Header:  schema.NewHeader(schema.KindAgentResponse, "0.0.5002", epoch),
		Details: schema.AgentResponseDetails{OriginalMessageID: "never-sent"},
	}
	alpha.service.HandleEnvelope(schema.Envelope{TopicID: alpha.service.InboundTopicID(), SequenceNumber: 1, Contents: stray})
	testutil.RequireNoReceive(t, responses)
}

func TestManyWaitersNotifiedOnce(t *testing.T) {
	network := newTestNetwork()
	network.ledger.EnsureTopic("0.0.4242", "manual agent")
	alpha := network.newAgent(t, "0.0.5001")
	alpha.service.AddAgent(Agent{ID: "agentX", TopicID: "0.0.4242"})

	outcome, err := alpha.service.SendRequest(context.Background(), "agentX", "ping", RequestOptions{Timeout: time.Minute, NoWait: true})
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != RequestDelivered {
		t.Fatalf("NoWait outcome status = %s, want delivered", outcome.Status)
	}

	const waiters = 3
	results := make(chan *schema.AgentResponse, waiters)
	for range waiters {
		go func() {
			response, err := alpha.service.WaitForResponse(context.Background(), outcome.RequestID)
			if err != nil {
				t.Errorf("WaitForResponse: %v", err)
			}
			results <- response
		}()
	}
	waitForWaiters(t, alpha.service, outcome.RequestID, waiters)

	response := &schema.AgentResponse{
		Header:  schema.NewHeader(schema.KindAgentResponse, "agentX", epoch),
		Details: schema.AgentResponseDetails{OriginalMessageID: outcome.RequestID, Contents: json.RawMessage(`"pong"`)},
	}
	envelope := schema.Envelope{TopicID: alpha.service.InboundTopicID(), SequenceNumber: 7, Contents: response}
	alpha.service.HandleEnvelope(envelope)
	alpha.service.HandleEnvelope(envelope)

	for range waiters {
		got := testutil.RequireReceive(t, results, time.Second)
		if got.ID != response.ID {
			t.Errorf("waiter got response %s, want %s", got.ID, response.ID)
		}
	}
	testutil.RequireNoReceive(t, results, "a waiter was notified twice")
	if n := len(alpha.service.requests[outcome.RequestID].waiters); n != 0 {
		t.Errorf("%d waiters left registered", n)
	}
}

func waitForWaiters(t *testing.T, service *Service, requestID string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		service.mu.Lock()
		count := len(service.requests[requestID].waiters)
		service.mu.Unlock()
		if count >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("waiters for %s never reached %d", requestID, n)
}

func TestSendFailureWithoutRetriesIsError(t *testing.T) {
	network := newTestNetwork()
	network.ledger.EnsureTopic("0.0.4242", "agent")
	alpha := network.newAgent(t, "0.0.5001")
	alpha.service.AddAgent(Agent{ID: "agentX", TopicID: "0.0.4242"})
	errorsSeen := capture[RequestEvent](alpha, eventbus.HCS10RequestError)

	alpha.gateway.FailSends(func(topicID string, _ []byte) error {
		if topicID == "0.0.4242" {
			return ledger.ErrMessageTooLarge
		}
		return nil
	})
	outcome, err := alpha.service.SendRequest(context.Background(), "agentX", "ping", RequestOptions{Timeout: time.Second})
	if !errors.Is(err, ledger.ErrMessageTooLarge) {
		t.Fatalf("error = %v, want message too large", err)
	}
	var failure *RequestFailure
	if !errors.As(err, &failure) || failure.Status != RequestError {
		t.Errorf("failure = %+v", failure)
	}
	state, _ := alpha.service.Request(outcome.RequestID)
	if state.Status != RequestError {
		t.Errorf("status = %s, want error", state.Status)
	}
	event := testutil.RequireReceive(t, errorsSeen, time.Second)
	if !errors.Is(event.Err, ledger.ErrMessageTooLarge) {
		t.Errorf("error event = %+v", event)
	}
	if pending := network.clock.PendingCount(); pending != 0 {
		t.Errorf("%d timers pending after a failed request", pending)
	}
}

func TestSendFailureRetriedAtTimeout(t *testing.T) {
	network := newTestNetwork()
	network.ledger.EnsureTopic("0.0.4242", "agent")
	alpha := network.newAgent(t, "0.0.5001")
	alpha.service.AddAgent(Agent{ID: "agentX", TopicID: "0.0.4242"})
	errorsSeen := capture[RequestEvent](alpha, eventbus.HCS10RequestError)
	sent := capture[RequestEvent](alpha, eventbus.HCS10RequestSent)

	failures := 1
	alpha.gateway.FailSends(func(topicID string, _ []byte) error {
		if topicID == "0.0.4242" && failures > 0 {
			failures--
			return errors.New("transient")
		}
		return nil
	})

	result := make(chan Outcome, 1)
	go func() {
		outcome, err := alpha.service.SendRequest(context.Background(), "agentX", "ping", RequestOptions{Timeout: time.Second, MaxRetries: 2})
		if err != nil {
			t.Errorf("SendRequest: %v", err)
		}
		result <- outcome
	}()
	failed := testutil.RequireReceive(t, errorsSeen, 5*time.Second, "first send did not fail")
	network.clock.WaitForTimers(1)

	network.clock.Advance(time.Second)
	retried := testutil.RequireReceive(t, sent, time.Second, "retry not published")
	if retried.Attempt != 2 {
		t.Errorf("retry attempt = %d, want 2", retried.Attempt)
	}
	state, _ := alpha.service.Request(failed.RequestID)
	if state.Status != RequestDelivered || state.RetryCount != 1 {
		t.Fatalf("state after retry = %+v", state)
	}

	response := &schema.AgentResponse{
		Header:  schema.NewHeader(schema.KindAgentResponse, "agentX", network.clock.Now()),
		Details: schema.AgentResponseDetails{OriginalMessageID: failed.RequestID},
	}
	alpha.service.HandleEnvelope(schema.Envelope{TopicID: alpha.service.InboundTopicID(), SequenceNumber: 3, Contents: response})
	outcome := testutil.RequireReceive(t, result, time.Second)
	if outcome.Status != RequestResponded {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestRedeliveredRequestHandledOnce(t *testing.T) {
	network := newTestNetwork()
	alpha := network.newAgent(t, "0.0.5001")
	beta := network.newAgent(t, "0.0.5002")
	inbound := capture[InboundRequest](beta, eventbus.HCS10RequestReceived)

	_, err := alpha.service.SendRequest(context.Background(), "0.0.5002", "ping", RequestOptions{NoWait: true})
	if err != nil {
		t.Fatal(err)
	}
	request := testutil.RequireReceive(t, inbound, time.Second)
	if request.Request.Details.ReplyTopicID != alpha.service.InboundTopicID() {
		t.Errorf("reply topic = %q", request.Request.Details.ReplyTopicID)
	}

	if err := network.ledger.Redeliver(beta.service.InboundTopicID(), 1); err != nil {
		t.Fatal(err)
	}
	testutil.RequireNoReceive(t, inbound, "redelivered request handled twice")
}

func TestCollectGarbage(t *testing.T) {
	network := newTestNetwork()
	network.ledger.EnsureTopic("0.0.4242", "agent")
	alpha := network.newAgent(t, "0.0.5001")
	beta := network.newAgent(t, "0.0.5002")
	beta.respondWith(t, func(json.RawMessage) any { return "pong" })
	alpha.service.AddAgent(Agent{ID: "agentX", TopicID: "0.0.4242"})

	done, err := alpha.service.SendRequest(context.Background(), "0.0.5002", "ping", RequestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	retrying, err := alpha.service.SendRequest(context.Background(), "agentX", "ping",
		RequestOptions{Timeout: 2 * time.Hour, MaxRetries: 1, NoWait: true})
	if err != nil {
		t.Fatal(err)
	}

	if n := alpha.service.CollectGarbage(); n != 0 {
		t.Fatalf("collected %d fresh requests", n)
	}
	network.clock.Advance(61 * time.Minute)
	if n := alpha.service.CollectGarbage(); n != 1 {
		t.Fatalf("collected %d requests, want 1", n)
	}
	if _, ok := alpha.service.Request(done.RequestID); ok {
		t.Error("old finished request survived")
	}
	if _, ok := alpha.service.Request(retrying.RequestID); !ok {
		t.Error("request with retries left was collected")
	}
}

func TestShutdownFailsOpenRequests(t *testing.T) {
	network := newTestNetwork()
	network.ledger.EnsureTopic("0.0.4242", "agent")
	alpha := network.newAgent(t, "0.0.5001")
	alpha.service.AddAgent(Agent{ID: "agentX", TopicID: "0.0.4242"})

	result, _ := startRequest(t, alpha, "agentX", RequestOptions{Timeout: time.Minute, MaxRetries: 3})
	if err := alpha.service.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if err := testutil.RequireReceive(t, result, time.Second); !errors.Is(err, ErrShutdown) {
		t.Errorf("open request error = %v, want ErrShutdown", err)
	}
	if pending := network.clock.PendingCount(); pending != 0 {
		t.Errorf("%d timers pending after Shutdown", pending)
	}
	if err := alpha.service.Shutdown(); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if _, err := alpha.service.SendRequest(context.Background(), "agentX", "ping", RequestOptions{}); !errors.Is(err, ErrShutdown) {
		t.Errorf("SendRequest after Shutdown = %v", err)
	}
	if err := alpha.service.Initialize(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Errorf("Initialize after Shutdown = %v", err)
	}
}

func TestDiscoveryRepliesAreThrottled(t *testing.T) {
	network := newTestNetwork()
	_ = network.newAgent(t, "0.0.5001", "rebalancing")
	beta := network.newAgent(t, "0.0.5002")
	announcements := func() int {
		return countMessages(t, network.ledger, registryTopic, schema.KindAgentInfo, "0.0.5001")
	}
	ctx := context.Background()

	// Alpha announced at startup, inside the throttle window.
	if err := beta.service.Discover(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if n := announcements(); n != 1 {
		t.Fatalf("announcements = %d, want 1 (throttled)", n)
	}

	network.clock.Advance(10 * time.Second)
	if err := beta.service.Discover(ctx, []string{"rebalancing"}); err != nil {
		t.Fatal(err)
	}
	if n := announcements(); n != 2 {
		t.Fatalf("announcements = %d, want 2", n)
	}
	if err := beta.service.Discover(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if n := announcements(); n != 2 {
		t.Fatalf("announcements = %d, want 2 (throttled)", n)
	}

	network.clock.Advance(10 * time.Second)
	if err := beta.service.Discover(ctx, []string{"risk-assessment"}); err != nil {
		t.Fatal(err)
	}
	if n := announcements(); n != 2 {
		t.Errorf("answered a discovery for a capability it lacks")
	}
}

func TestPeriodicTimers(t *testing.T) {
	network := newTestNetwork()
	agent := network.newUnstartedAgent(t, Config{
		AgentID:              "0.0.5001",
		RegistryTopicID:      registryTopic,
		RegistrationInterval: time.Minute,
		DiscoveryInterval:    2 * time.Minute,
	}, nil)
	if err := agent.service.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if pending := network.clock.PendingCount(); pending != 3 {
		t.Fatalf("PendingCount = %d, want 3 periodic timers", pending)
	}

	network.clock.Advance(2 * time.Minute)
	if n := countMessages(t, network.ledger, registryTopic, schema.KindAgentInfo, "0.0.5001"); n != 3 {
		t.Errorf("announcements after 2m = %d, want 3", n)
	}
	if n := countMessages(t, network.ledger, registryTopic, schema.KindAgentDiscovery, "0.0.5001"); n != 1 {
		t.Errorf("discovery broadcasts after 2m = %d, want 1", n)
	}

	agent.service.DisablePeriodicTimers()
	if pending := network.clock.PendingCount(); pending != 0 {
		t.Errorf("PendingCount after DisablePeriodicTimers = %d", pending)
	}
}

func TestRegistrationPersists(t *testing.T) {
	network := newTestNetwork()
	st, err := store.Open(store.Config{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	config := Config{AgentID: "0.0.5001", RegistryTopicID: registryTopic, TestMode: true}
	first := network.newUnstartedAgent(t, config, st)
	if err := first.service.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	first.service.AddAgent(Agent{ID: "0.0.5002", TopicID: "0.0.1234"})
	first.service.HandleEnvelope(schema.Envelope{
		TopicID:            registryTopic,
		SequenceNumber:     5,
		ConsensusTimestamp: epoch,
		Contents: &schema.AgentInfo{
			Header:  schema.NewHeader(schema.KindAgentInfo, "0.0.5003", epoch),
			Details: schema.AgentInfoDetails{AgentID: "0.0.5003", TopicID: "0.0.3333"},
		},
	})
	inbound := first.service.InboundTopicID()
	first.service.Shutdown()

	second := network.newUnstartedAgent(t, config, st)
	if err := second.service.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if second.service.InboundTopicID() != inbound {
		t.Errorf("restarted agent inbound topic = %q, want %q", second.service.InboundTopicID(), inbound)
	}
	peer, ok := second.service.Agent("0.0.5003")
	if !ok || peer.TopicID != "0.0.3333" || peer.Status != StatusUnknown {
		t.Errorf("restored peer = %+v, %v", peer, ok)
	}
}
