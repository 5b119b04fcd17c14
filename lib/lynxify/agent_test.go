// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package lynxify

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lynxify-labs/lynxify/lib/clock"
	"github.com/lynxify-labs/lynxify/lib/eventbus"
	"github.com/lynxify-labs/lynxify/lib/governance"
	"github.com/lynxify-labs/lynxify/lib/hcs10"
	"github.com/lynxify-labs/lynxify/lib/index"
	"github.com/lynxify-labs/lynxify/lib/ledger"
	"github.com/lynxify-labs/lynxify/lib/schema"
	"github.com/lynxify-labs/lynxify/lib/service"
	"github.com/lynxify-labs/lynxify/lib/store"
	"github.com/lynxify-labs/lynxify/lib/testutil"
	"github.com/lynxify-labs/lynxify/lib/tokenledger"
)

const (
	registryTopic   = "0.0.900"
	indexTopic      = "0.0.800"
	governanceTopic = "0.0.700"

	agentA = "0.0.5001"
	agentB = "0.0.5002"
	agentC = "0.0.5003"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testNetwork struct {
	clock  *clock.FakeClock
	ledger *ledger.Memory
}

func newTestNetwork() *testNetwork {
	clk := clock.Fake(epoch)
	memory := ledger.NewMemory(clk, ledger.MemoryOptions{})
	memory.EnsureTopic(registryTopic, "registry")
	memory.EnsureTopic(indexTopic, "index")
	memory.EnsureTopic(governanceTopic, "governance")
	return &testNetwork{clock: clk, ledger: memory}
}

type agentOptions struct {
	config     Config
	gateway    ledger.Gateway
	tokens     tokenledger.Ledger
	store      Store
	summarizer index.Summarizer
	// privateTopics leaves the index and governance topics unset so
	// the agent creates its own.
	privateTopics bool
}

type testAgent struct {
	agent   *Agent
	bus     *eventbus.Bus
	gateway *ledger.MemoryGateway
}

// newAgent builds an agent in test mode on the shared ledger. Defaults:
// static BTC 1.1 and ETH 1, current weights even.
func (n *testNetwork) newAgent(t *testing.T, id string, options agentOptions) *testAgent {
	t.Helper()
	config := options.config
	config.AgentID = id
	config.TestMode = true
	if config.HCS10.RegistryTopicID == "" {
		config.HCS10.RegistryTopicID = registryTopic
	}
	if !options.privateTopics {
		if config.Index.IndexTopicID == "" {
			config.Index.IndexTopicID = indexTopic
		}
		if config.Governance.TopicID == "" {
			config.Governance.TopicID = governanceTopic
		}
	}
	if config.Index.StaticWeights == nil {
		config.Index.StaticWeights = map[string]float64{"BTC": 1.1, "ETH": 1}
		config.Index.InitialWeights = map[string]float64{"BTC": 0.5, "ETH": 0.5}
	}

	logger := testutil.Logger(t)
	bus := eventbus.New(logger)
	memoryGateway := n.ledger.Gateway()
	var gateway ledger.Gateway = memoryGateway
	if options.gateway != nil {
		gateway = options.gateway
	}
	agent, err := New(config, Deps{
		Gateway:    gateway,
		Bus:        bus,
		Clock:      n.clock,
		Tokens:     options.tokens,
		Store:      options.store,
		Summarizer: options.summarizer,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("New(%s): %v", id, err)
	}
	t.Cleanup(func() { agent.Shutdown(context.Background()) })
	return &testAgent{agent: agent, bus: bus, gateway: memoryGateway}
}

func (n *testNetwork) startAgent(t *testing.T, id string, options agentOptions) *testAgent {
	t.Helper()
	x := n.newAgent(t, id, options)
	if err := x.agent.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize(%s): %v", id, err)
	}
	return x
}

func capture[T any](bus *eventbus.Bus, eventType eventbus.EventType) <-chan T {
	channel := make(chan T, 64)
	bus.Subscribe(eventType, func(event eventbus.Event) {
		channel <- event.Payload.(T)
	})
	return channel
}

// ask sends contents to peer and returns the response.
func (x *testAgent) ask(t *testing.T, peer string, contents any) *schema.AgentResponse {
	t.Helper()
	outcome, err := x.agent.Protocol().SendRequest(context.Background(), peer, contents, hcs10.RequestOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("SendRequest(%s, %v): %v", peer, contents, err)
	}
	if outcome.Status != hcs10.RequestResponded || outcome.Response == nil {
		t.Fatalf("outcome = %+v", outcome)
	}
	return outcome.Response
}

func decodeReply[T any](t *testing.T, response *schema.AgentResponse) T {
	t.Helper()
	var reply T
	if response.Details.Error != "" {
		t.Fatalf("error response: %s", response.Details.Error)
	}
	if err := json.Unmarshal(response.Details.Contents, &reply); err != nil {
		t.Fatalf("decoding %s: %v", response.Details.Contents, err)
	}
	return reply
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "lynxify.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// recordingGateway logs the calls the agent makes, in order.
type recordingGateway struct {
	ledger.Gateway

	mu    sync.Mutex
	calls []string
}

func (g *recordingGateway) record(call string) {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	g.mu.Unlock()
}

func (g *recordingGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.calls)
}

func (g *recordingGateway) Connect(ctx context.Context) error {
	g.record("connect")
	return g.Gateway.Connect(ctx)
}

func (g *recordingGateway) SendMessage(ctx context.Context, topicID string, payload []byte) (ledger.Receipt, error) {
	kind := "?"
	if message, err := schema.Decode(payload); err == nil {
		kind = string(message.Kind())
	}
	g.record("send " + kind)
	return g.Gateway.SendMessage(ctx, topicID, payload)
}

func (g *recordingGateway) SubscribeToTopic(ctx context.Context, topicID string, options ledger.SubscribeOptions, handler ledger.Handler) error {
	g.record("subscribe " + topicID)
	return g.Gateway.SubscribeToTopic(ctx, topicID, options, handler)
}

func TestInitializeRunsInOrder(t *testing.T) {
	n := newTestNetwork()
	gateway := &recordingGateway{Gateway: n.ledger.Gateway()}
	x := n.newAgent(t, agentA, agentOptions{gateway: gateway})
	initialized := capture[Initialized](x.bus, eventbus.SystemInitialized)

	if state := x.agent.State(); state != StateStopped {
		t.Fatalf("new agent state = %s", state)
	}
	if err := x.agent.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	inbound := x.agent.Protocol().InboundTopicID()
	want := []string{
		"connect",
		"send AgentInfo",
		"subscribe " + registryTopic,
		"send AgentVerification",
		"subscribe " + inbound,
		"subscribe " + indexTopic,
		"send AgentDiscovery",
	}
	if got := gateway.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls = %q\nwant %q", got, want)
	}

	event := testutil.RequireReceive(t, initialized, time.Second)
	if event.AgentID != agentA || !slices.Equal(event.Topics, []string{registryTopic, inbound, indexTopic}) {
		t.Errorf("SYSTEM_INITIALIZED = %+v", event)
	}
	if state := x.agent.State(); state != StateRunning {
		t.Errorf("state = %s", state)
	}
	if status := x.agent.Protocol().Status(); status != hcs10.StatusVerified {
		t.Errorf("registration status = %s", status)
	}
	if x.agent.Governance() != nil {
		t.Error("governance running without being enabled")
	}

	// A second Initialize changes nothing.
	calls := len(gateway.Calls())
	if err := x.agent.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(gateway.Calls()) != calls {
		t.Error("second Initialize touched the ledger")
	}
}

func TestFailedInitializeCanBeRetried(t *testing.T) {
	n := newTestNetwork()
	x := n.newAgent(t, agentA, agentOptions{})
	failures := capture[eventbus.SystemErrorPayload](x.bus, eventbus.SystemError)
	initialized := capture[Initialized](x.bus, eventbus.SystemInitialized)

	unavailable := errors.New("ledger unavailable")
	x.gateway.FailSends(func(string, []byte) error { return unavailable })
	err := x.agent.Initialize(context.Background())
	if !errors.Is(err, unavailable) {
		t.Fatalf("Initialize error = %v", err)
	}
	failure := testutil.RequireReceive(t, failures, time.Second)
	if failure.Stage != StageHCS10 || !errors.Is(failure.Err, unavailable) {
		t.Errorf("SYSTEM_ERROR = %+v", failure)
	}
	testutil.RequireNoReceive(t, initialized, "initialized after a failure")
	if state := x.agent.State(); state != StateStopped {
		t.Errorf("state after failure = %s", state)
	}
	if x.agent.Protocol() != nil || x.gateway.Subscribed(registryTopic) {
		t.Error("failed attempt left services or subscriptions behind")
	}

	x.gateway.FailSends(nil)
	if err := x.agent.Initialize(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	testutil.RequireReceive(t, initialized, time.Second)
	if state := x.agent.State(); state != StateRunning {
		t.Errorf("state after retry = %s", state)
	}
}

func TestSubscriptionFailureUndoesEarlierSteps(t *testing.T) {
	n := newTestNetwork()
	const missing = "0.0.404"
	x := n.newAgent(t, agentA, agentOptions{config: Config{Index: index.Config{IndexTopicID: missing}}})
	failures := capture[eventbus.SystemErrorPayload](x.bus, eventbus.SystemError)

	err := x.agent.Initialize(context.Background())
	if !errors.Is(err, ledger.ErrUnknownTopic) {
		t.Fatalf("Initialize error = %v", err)
	}
	if failure := testutil.RequireReceive(t, failures, time.Second); failure.Stage != StageSubscriptions {
		t.Errorf("stage = %s", failure.Stage)
	}
	if x.gateway.Subscribed(registryTopic) {
		t.Error("registry subscription survived the failure")
	}

	n.ledger.EnsureTopic(missing, "index")
	if err := x.agent.Initialize(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	for _, topicID := range []string{registryTopic, x.agent.Protocol().InboundTopicID(), missing} {
		if !x.gateway.Subscribed(topicID) {
			t.Errorf("not subscribed to %s", topicID)
		}
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	n := newTestNetwork()
	x := n.startAgent(t, agentA, agentOptions{config: Config{GovernanceEnabled: true}})
	shutdowns := capture[string](x.bus, eventbus.SystemShutdown)
	failures := capture[eventbus.SystemErrorPayload](x.bus, eventbus.SystemError)
	inbound := x.agent.Protocol().InboundTopicID()

	ctx := context.Background()
	if err := x.agent.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := x.agent.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if id := testutil.RequireReceive(t, shutdowns, time.Second); id != agentA {
		t.Errorf("SYSTEM_SHUTDOWN payload = %q", id)
	}
	testutil.RequireNoReceive(t, shutdowns, "shut down twice")
	testutil.RequireNoReceive(t, failures, "shutdown step failed")

	for _, topicID := range []string{registryTopic, inbound, indexTopic, governanceTopic} {
		if x.gateway.Subscribed(topicID) {
			t.Errorf("still subscribed to %s", topicID)
		}
	}
	if x.agent.State() != StateShutdown || x.agent.Index() != nil {
		t.Error("agent still running")
	}
	if err := x.agent.Initialize(ctx); !errors.Is(err, ErrShutdown) {
		t.Errorf("Initialize after Shutdown = %v", err)
	}
}

func TestAnswersRequests(t *testing.T) {
	n := newTestNetwork()
	a := n.startAgent(t, agentA, agentOptions{})
	b := n.startAgent(t, agentB, agentOptions{})

	ping := decodeReply[PingReply](t, b.ask(t, agentA, Request{Action: ActionPing}))
	if ping.Status != "ok" || ping.AgentID != agentA || ping.Timestamp != epoch.UnixMilli() {
		t.Errorf("ping = %+v", ping)
	}

	weights := decodeReply[WeightsReply](t, b.ask(t, agentA, Request{Action: ActionGetWeights}))
	if weights.Current["BTC"] != 0.5 || weights.Static["BTC"] != 1.1 || weights.RebalanceThreshold != 0.05 {
		t.Errorf("weights = %+v", weights)
	}

	risk := decodeReply[RiskReply](t, b.ask(t, agentA, Request{Action: ActionGetRisk}))
	if risk.Assessed || risk.Level != "" {
		t.Errorf("risk before any assessment = %+v", risk)
	}

	review := decodeReply[ReviewReply](t, b.ask(t, agentA, Request{
		Action:     ActionReviewRebalance,
		NewWeights: map[string]float64{"BTC": 0.6, "ETH": 0.4},
		Trigger:    schema.TriggerScheduled,
	}))
	if !strings.Contains(review.Summary, "BTC 50.0% -> 60.0%") {
		t.Errorf("summary = %q", review.Summary)
	}
	if math.Abs(review.MaxDeviation-0.1) > 1e-9 || review.Token == "" {
		t.Errorf("review = %+v", review)
	}

	for _, contents := range []any{
		Request{Action: "launch"},
		Request{},
		Request{Action: ActionReviewRebalance, ProposalID: "no-such-proposal"},
	} {
		response := b.ask(t, agentA, contents)
		if response.Details.Error == "" {
			t.Errorf("%+v answered without an error: %s", contents, response.Details.Contents)
		}
	}
	if weights := a.agent.Index().CurrentWeights(); weights["BTC"] != 0.5 {
		t.Errorf("requests changed the weights: %v", weights)
	}
}

type stubSummarizer struct {
	text string
	err  error
}

func (s stubSummarizer) SummarizeRebalance(ctx context.Context, current, proposed map[string]float64, trigger schema.Trigger) (string, error) {
	return s.text, s.err
}

func TestReviewUsesSummarizer(t *testing.T) {
	n := newTestNetwork()
	n.startAgent(t, agentA, agentOptions{summarizer: stubSummarizer{text: "Shift toward BTC."}})
	n.startAgent(t, agentC, agentOptions{summarizer: stubSummarizer{err: errors.New("overloaded")}})
	b := n.startAgent(t, agentB, agentOptions{})

	request := Request{Action: ActionReviewRebalance, NewWeights: map[string]float64{"BTC": 0.7, "ETH": 0.3}}
	if review := decodeReply[ReviewReply](t, b.ask(t, agentA, request)); review.Summary != "Shift toward BTC." {
		t.Errorf("summary = %q", review.Summary)
	}
	// A failing summarizer falls back to the generated description.
	if review := decodeReply[ReviewReply](t, b.ask(t, agentC, request)); !strings.Contains(review.Summary, "BTC 50.0% -> 70.0%") {
		t.Errorf("fallback summary = %q", review.Summary)
	}
}

func TestProposalsAreSentToReviewers(t *testing.T) {
	n := newTestNetwork()
	a := n.startAgent(t, agentA, agentOptions{})
	b := n.startAgent(t, agentB, agentOptions{config: Config{Capabilities: []string{DefaultProposalCapability}}})
	c := n.startAgent(t, agentC, agentOptions{config: Config{Capabilities: []string{"pricing"}}})
	responses := capture[hcs10.ResponseEvent](a.bus, eventbus.HCS10ResponseReceived)
	atReviewer := capture[hcs10.InboundRequest](b.bus, eventbus.HCS10RequestReceived)
	atOther := capture[hcs10.InboundRequest](c.bus, eventbus.HCS10RequestReceived)

	// BTC rising 20% breaches the 5% threshold.
	for _, update := range []schema.PriceUpdate{
		{Symbol: "BTC", Price: 100},
		{Symbol: "ETH", Price: 100},
		{Symbol: "BTC", Price: 120},
	} {
		update.Timestamp = n.clock.Now()
		a.bus.Emit(eventbus.IndexPriceUpdated, update)
	}

	proposals := a.agent.Index().ActiveProposals()
	if len(proposals) != 1 || proposals[0].Trigger != schema.TriggerPriceDeviation {
		t.Fatalf("active proposals = %+v", proposals)
	}
	inbound := testutil.RequireReceive(t, atReviewer, time.Second)
	if inbound.Request.Sender != agentA {
		t.Errorf("review request from %s", inbound.Request.Sender)
	}
	response := testutil.RequireReceive(t, responses, time.Second)
	review := decodeReply[ReviewReply](t, response.Response)
	if response.AgentID != agentB || review.ProposalID != proposals[0].ID || review.Summary == "" {
		t.Errorf("review from %s = %+v", response.AgentID, review)
	}

	testutil.RequireNoReceive(t, atOther, "agent without the capability was asked")
	// Peers observing the proposal do not forward it.
	testutil.RequireNoReceive(t, atReviewer, "proposal forwarded twice")
}

func TestOwnRiskAlertsAreForwarded(t *testing.T) {
	n := newTestNetwork()
	a := n.startAgent(t, agentA, agentOptions{})
	b := n.startAgent(t, agentB, agentOptions{config: Config{Capabilities: []string{DefaultAlertCapability}}})
	responses := capture[hcs10.ResponseEvent](a.bus, eventbus.HCS10ResponseReceived)
	atB := capture[hcs10.InboundRequest](b.bus, eventbus.HCS10RequestReceived)

	publish := func(sender string) {
		t.Helper()
		payload, err := schema.Encode(&schema.RiskAlert{
			Header: schema.NewHeader(schema.KindRiskAlert, sender, n.clock.Now()),
			Details: schema.RiskAlertDetails{
				Severity:       schema.SeverityHigh,
				Description:    "BTC volatility above threshold",
				AffectedTokens: []string{"BTC"},
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := a.gateway.SendMessage(context.Background(), indexTopic, payload); err != nil {
			t.Fatal(err)
		}
	}

	publish(agentA)
	inbound := testutil.RequireReceive(t, atB, time.Second)
	var forwarded Request
	if err := json.Unmarshal(inbound.Request.Details.Contents, &forwarded); err != nil {
		t.Fatal(err)
	}
	if forwarded.Action != ActionRiskAlert || forwarded.Severity != schema.SeverityHigh || !slices.Equal(forwarded.AffectedTokens, []string{"BTC"}) {
		t.Errorf("forwarded %+v", forwarded)
	}
	if ack := decodeReply[AlertReply](t, testutil.RequireReceive(t, responses, time.Second).Response); !ack.Acknowledged {
		t.Error("alert not acknowledged")
	}

	// Alerts raised by other agents are not A's to forward.
	publish("0.0.6001")
	testutil.RequireNoReceive(t, atB, "forwarded a peer's alert")
}

func TestGovernanceApprovesRebalance(t *testing.T) {
	n := newTestNetwork()
	tokens := tokenledger.NewMemory(map[string]float64{"BTC": 50, "ETH": 50})
	a := n.startAgent(t, agentA, agentOptions{
		config: Config{
			GovernanceEnabled: true,
			Governance:        governance.Config{Executor: true},
			Index:             index.Config{Executor: true},
		},
		tokens: tokens,
	})
	b := n.startAgent(t, agentB, agentOptions{config: Config{GovernanceEnabled: true}})
	executed := capture[index.ExecutionReport](a.bus, eventbus.IndexRebalanceExecuted)
	governed := capture[governance.Proposal](a.bus, eventbus.GovernanceProposalExecuted)

	ctx := context.Background()
	id, err := a.agent.Index().ProposeRebalance(ctx, map[string]float64{"BTC": 0.6, "ETH": 0.4}, schema.TriggerScheduled)
	if err != nil {
		t.Fatal(err)
	}
	vote, err := a.agent.SubmitApproval(ctx, id, "")
	if err != nil {
		t.Fatalf("SubmitApproval: %v", err)
	}
	if err := a.agent.Governance().Vote(ctx, vote, schema.VoteFor, 0); err != nil {
		t.Fatal(err)
	}
	testutil.RequireNoReceive(t, executed, "executed on one vote")
	if err := b.agent.Governance().Vote(ctx, vote, schema.VoteFor, 0); err != nil {
		t.Fatal(err)
	}

	report := testutil.RequireReceive(t, executed, time.Second)
	if report.ProposalID != id || report.Outcome != index.ExecutionComplete {
		t.Fatalf("report = %+v", report)
	}
	balances, _ := tokens.Balances(ctx)
	if math.Abs(balances["BTC"]-60) > 1e-9 || math.Abs(balances["ETH"]-40) > 1e-9 {
		t.Errorf("balances = %v", balances)
	}
	done := testutil.RequireReceive(t, governed, time.Second)
	if done.ID != vote || !done.ExecutionSucceeded || done.Result != "approved rebalance "+id {
		t.Errorf("governance execution = %+v", done)
	}

	// The approval carries the tally and reaches every agent.
	if !b.agent.Index().Executed(id) {
		t.Error("peer did not observe the execution")
	}
	for _, raw := range n.ledger.Messages(indexTopic) {
		message, err := schema.Decode(raw.Contents)
		if err != nil {
			t.Fatal(err)
		}
		if approval, ok := message.(*schema.RebalanceApproved); ok {
			if approval.Details.Votes == nil || approval.Details.Votes.For != 2 {
				t.Errorf("approval votes = %+v", approval.Details.Votes)
			}
		}
	}
}

func TestSubmitApprovalNeedsGovernanceAndProposal(t *testing.T) {
	n := newTestNetwork()
	plain := n.startAgent(t, agentA, agentOptions{})
	if _, err := plain.agent.SubmitApproval(context.Background(), "p1", ""); !errors.Is(err, ErrGovernanceDisabled) {
		t.Errorf("without governance: %v", err)
	}

	governed := n.startAgent(t, agentB, agentOptions{config: Config{GovernanceEnabled: true}})
	if _, err := governed.agent.SubmitApproval(context.Background(), "p1", ""); !errors.Is(err, index.ErrUnknownProposal) {
		t.Errorf("unknown proposal: %v", err)
	}

	stopped := n.newAgent(t, agentC, agentOptions{})
	if _, err := stopped.agent.SubmitApproval(context.Background(), "p1", ""); !errors.Is(err, ErrNotRunning) {
		t.Errorf("before Initialize: %v", err)
	}
}

func TestRestartResumesFromCheckpoints(t *testing.T) {
	n := newTestNetwork()
	st := openStore(t)
	ctx := context.Background()

	first := n.startAgent(t, agentA, agentOptions{store: st, privateTopics: true})
	topic := first.agent.StatusReply().Topics["index"]
	if topic == "" || topic == indexTopic {
		t.Fatalf("index topic = %q", topic)
	}
	inbound := first.agent.Protocol().InboundTopicID()
	id, err := first.agent.Index().ProposeRebalance(ctx, map[string]float64{"BTC": 0.6, "ETH": 0.4}, schema.TriggerScheduled)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.agent.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	processed := map[string]uint64{}
	for _, topicID := range []string{registryTopic, topic} {
		checkpoint, err := st.Checkpoint(ctx, topicID)
		if err != nil {
			t.Fatal(err)
		}
		if want := uint64(len(n.ledger.Messages(topicID))); checkpoint != want {
			t.Errorf("checkpoint of %s = %d, want %d", topicID, checkpoint, want)
		}
		processed[topicID] = checkpoint
	}

	second := n.newAgent(t, agentA, agentOptions{store: st, privateTopics: true})
	var replayed []schema.Envelope
	second.bus.Subscribe(eventbus.MessageReceived, func(event eventbus.Event) {
		envelope := event.Payload.(schema.Envelope)
		if envelope.SequenceNumber <= processed[envelope.TopicID] {
			replayed = append(replayed, envelope)
		}
	})
	if err := second.agent.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	if len(replayed) != 0 {
		t.Errorf("%d processed messages delivered again, first %+v", len(replayed), replayed[0])
	}
	if got := second.agent.StatusReply().Topics["index"]; got != topic {
		t.Errorf("index topic after restart = %s, want %s", got, topic)
	}
	if got := second.agent.Protocol().InboundTopicID(); got != inbound {
		t.Errorf("inbound topic after restart = %s, want %s", got, inbound)
	}
	if status := second.agent.Protocol().Status(); status != hcs10.StatusVerified {
		t.Errorf("registration status after restart = %s", status)
	}
	if _, ok := second.agent.Index().Proposal(id); !ok {
		t.Error("proposal not restored")
	}
}

func waitForSocket(t *testing.T, socketPath string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", socketPath); err == nil {
			conn.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("socket %s never accepted connections", socketPath)
}

func TestStatusActions(t *testing.T) {
	n := newTestNetwork()
	x := n.startAgent(t, agentA, agentOptions{config: Config{Version: "1.2.3"}})
	n.startAgent(t, agentB, agentOptions{config: Config{Capabilities: []string{DefaultProposalCapability}}})

	socketPath := filepath.Join(testutil.SocketDir(t), "agent.sock")
	server := service.NewSocketServer(socketPath, testutil.Logger(t))
	x.agent.RegisterActions(server)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(ctx); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "server did not stop")
	})
	waitForSocket(t, socketPath)
	client := service.NewClient(socketPath)

	var status service.StatusReply
	if err := client.Call(ctx, service.ActionStatus, nil, &status); err != nil {
		t.Fatal(err)
	}
	if status.AgentID != agentA || status.Version != "1.2.3" || status.State != string(StateRunning) {
		t.Errorf("status = %+v", status)
	}
	if status.Registration != string(hcs10.StatusVerified) || status.Topics["index"] != indexTopic || status.KnownAgents != 1 {
		t.Errorf("status = %+v", status)
	}

	var weights service.WeightsReply
	if err := client.Call(ctx, service.ActionWeights, nil, &weights); err != nil {
		t.Fatal(err)
	}
	if weights.Current["ETH"] != 0.5 || weights.Static["BTC"] != 1.1 || weights.DeviationLatched {
		t.Errorf("weights = %+v", weights)
	}

	var agents []service.AgentSummary
	if err := client.Call(ctx, service.ActionAgents, nil, &agents); err != nil {
		t.Fatal(err)
	}
	if len(agents) != 1 || agents[0].AgentID != agentB || !slices.Equal(agents[0].Capabilities, []string{DefaultProposalCapability}) {
		t.Errorf("agents = %+v", agents)
	}

	var proposals service.ProposalsReply
	if err := client.Call(ctx, service.ActionProposals, nil, &proposals); err != nil {
		t.Fatal(err)
	}
	if len(proposals.Active) != 0 || len(proposals.Executed) != 0 {
		t.Errorf("proposals = %+v", proposals)
	}

	var governanceProposals []service.GovernanceSummary
	if err := client.Call(ctx, service.ActionGovernance, nil, &governanceProposals); err != nil {
		t.Fatal(err)
	}
	if len(governanceProposals) != 0 {
		t.Errorf("governance = %+v", governanceProposals)
	}

	if err := x.agent.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	var serviceErr *service.ServiceError
	if err := client.Call(ctx, service.ActionRisk, nil, nil); !errors.As(err, &serviceErr) || !strings.Contains(serviceErr.Message, "not initialized") {
		t.Errorf("risk after shutdown: %v", err)
	}
	if err := client.Call(ctx, service.ActionStatus, nil, &status); err != nil || status.State != string(StateShutdown) {
		t.Errorf("status after shutdown = %+v, %v", status, err)
	}
}
