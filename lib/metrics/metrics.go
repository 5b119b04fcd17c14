// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes agent activity as Prometheus metrics.
//
// A [Recorder] is an ordinary EventBus subscriber: [Recorder.Attach]
// subscribes it to the events it counts, and nothing else in the agent
// knows it exists.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lynxify-labs/lynxify/lib/eventbus"
	"github.com/lynxify-labs/lynxify/lib/index"
	"github.com/lynxify-labs/lynxify/lib/schema"
)

const namespace = "lynxify"

// Recorder counts bus events into Prometheus collectors.
type Recorder struct {
	messages        *prometheus.CounterVec
	messageErrors   prometheus.Counter
	requests        *prometheus.CounterVec
	retries         prometheus.Counter
	timeouts        prometheus.Counter
	responses       *prometheus.CounterVec
	agentsConnected prometheus.Counter
	proposals       *prometheus.CounterVec
	approvals       prometheus.Counter
	expirations     prometheus.Counter
	executions      *prometheus.CounterVec
	riskAlerts      prometheus.Counter
	riskLevel       prometheus.Gauge
	portfolioVol    prometheus.Gauge
	concentration   prometheus.Gauge
	prices          *prometheus.GaugeVec
	governance      *prometheus.CounterVec
	systemErrors    *prometheus.CounterVec

	mu            sync.Mutex
	subscriptions []*eventbus.Subscription
}

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Ledger messages decoded, by message type",
		}, []string{"type"}),
		messageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_errors_total",
			Help:      "Ledger messages that failed to decode or validate",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Agent protocol requests, by direction and result",
		}, []string{"direction", "result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_retries_total",
			Help:      "Agent protocol request retries",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_timeouts_total",
			Help:      "Agent protocol requests that timed out",
		}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Agent protocol responses, by direction",
		}, []string{"direction"}),
		agentsConnected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agents_connected_total",
			Help:      "Peer agents added to the registry",
		}),
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_proposals_total",
			Help:      "Rebalance proposals accepted into the active set, by trigger",
		}, []string{"trigger"}),
		approvals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_approvals_total",
			Help:      "Rebalance proposals approved",
		}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_expirations_total",
			Help:      "Rebalance proposals that expired unexecuted",
		}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_executions_total",
			Help:      "Rebalance executions, by outcome",
		}, []string{"outcome"}),
		riskAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_alerts_total",
			Help:      "Risk alerts observed on the index topic",
		}),
		riskLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "portfolio_risk_level",
			Help:      "Last assessed portfolio risk level (0=low, 1=medium, 2=high)",
		}),
		portfolioVol: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "portfolio_volatility",
			Help:      "Last assessed weighted portfolio volatility",
		}),
		concentration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "portfolio_concentration",
			Help:      "Herfindahl index of the current weights at the last assessment",
		}),
		prices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "token_price",
			Help:      "Last price seen per token",
		}, []string{"symbol"}),
		governance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "governance_events_total",
			Help:      "Governance proposal lifecycle events, by event",
		}, []string{"event"}),
		systemErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "system_errors_total",
			Help:      "Startup and shutdown failures, by stage",
		}, []string{"stage"}),
	}

	reg.MustRegister(
		r.messages, r.messageErrors, r.requests, r.retries, r.timeouts,
		r.responses, r.agentsConnected, r.proposals, r.approvals,
		r.expirations, r.executions, r.riskAlerts, r.riskLevel,
		r.portfolioVol, r.concentration, r.prices, r.governance,
		r.systemErrors,
	)
	return r
}

// Attach subscribes the recorder to bus. Calling Attach again first
// detaches from the previous bus.
func (r *Recorder) Attach(bus *eventbus.Bus) {
	r.Detach()

	count := func(counter prometheus.Counter) eventbus.Handler {
		return func(eventbus.Event) { counter.Inc() }
	}
	governance := func(label string) eventbus.Handler {
		return func(eventbus.Event) { r.governance.WithLabelValues(label).Inc() }
	}

	subscriptions := []*eventbus.Subscription{
		bus.Subscribe(eventbus.MessageReceived, r.onMessage),
		bus.Subscribe(eventbus.MessageError, count(r.messageErrors)),
		bus.Subscribe(eventbus.MessageRetry, count(r.retries)),
		bus.Subscribe(eventbus.MessageTimeout, count(r.timeouts)),
		bus.Subscribe(eventbus.HCS10RequestSent, r.request("outbound", "sent")),
		bus.Subscribe(eventbus.HCS10RequestError, r.request("outbound", "error")),
		bus.Subscribe(eventbus.HCS10RequestReceived, r.request("inbound", "received")),
		bus.Subscribe(eventbus.HCS10ResponseSent, r.response("outbound")),
		bus.Subscribe(eventbus.HCS10ResponseReceived, r.response("inbound")),
		bus.Subscribe(eventbus.HCS10AgentConnected, count(r.agentsConnected)),
		bus.Subscribe(eventbus.IndexProposalCreated, r.onProposal),
		bus.Subscribe(eventbus.IndexRebalanceApproved, count(r.approvals)),
		bus.Subscribe(eventbus.IndexProposalExpired, count(r.expirations)),
		bus.Subscribe(eventbus.IndexRebalanceExecuted, r.onExecution),
		bus.Subscribe(eventbus.IndexRiskAlert, count(r.riskAlerts)),
		bus.Subscribe(eventbus.IndexRiskAssessed, r.onRiskAssessed),
		bus.Subscribe(eventbus.IndexPriceUpdated, r.onPrice),
		bus.Subscribe(eventbus.GovernanceProposalSubmitted, governance("submitted")),
		bus.Subscribe(eventbus.GovernanceProposalVoted, governance("voted")),
		bus.Subscribe(eventbus.GovernanceProposalPassed, governance("passed")),
		bus.Subscribe(eventbus.GovernanceProposalRejected, governance("rejected")),
		bus.Subscribe(eventbus.GovernanceProposalExecuted, governance("executed")),
		bus.Subscribe(eventbus.GovernanceProposalCancelled, governance("cancelled")),
		bus.Subscribe(eventbus.SystemError, r.onSystemError),
	}

	r.mu.Lock()
	r.subscriptions = subscriptions
	r.mu.Unlock()
}

// Detach removes every subscription made by Attach.
func (r *Recorder) Detach() {
	r.mu.Lock()
	subscriptions := r.subscriptions
	r.subscriptions = nil
	r.mu.Unlock()
	for _, subscription := range subscriptions {
		subscription.Unsubscribe()
	}
}

func (r *Recorder) request(direction, result string) eventbus.Handler {
	counter := r.requests.WithLabelValues(direction, result)
	return func(eventbus.Event) { counter.Inc() }
}

func (r *Recorder) response(direction string) eventbus.Handler {
	counter := r.responses.WithLabelValues(direction)
	return func(eventbus.Event) { counter.Inc() }
}

func (r *Recorder) onMessage(event eventbus.Event) {
	envelope, ok := event.Payload.(schema.Envelope)
	if !ok || envelope.Contents == nil {
		return
	}
	r.messages.WithLabelValues(string(envelope.Contents.Kind())).Inc()
}

func (r *Recorder) onProposal(event eventbus.Event) {
	proposal, ok := event.Payload.(index.Proposal)
	if !ok {
		return
	}
	r.proposals.WithLabelValues(string(proposal.Trigger)).Inc()
}

func (r *Recorder) onExecution(event eventbus.Event) {
	report, ok := event.Payload.(index.ExecutionReport)
	if !ok {
		return
	}
	r.executions.WithLabelValues(string(report.Outcome)).Inc()
}

func (r *Recorder) onRiskAssessed(event eventbus.Event) {
	result, ok := event.Payload.(index.PortfolioRiskMetrics)
	if !ok {
		return
	}
	r.riskLevel.Set(levelValue(result.Level))
	r.portfolioVol.Set(result.TotalVolatility)
	r.concentration.Set(result.ConcentrationRisk)
}

func (r *Recorder) onPrice(event eventbus.Event) {
	switch update := event.Payload.(type) {
	case schema.PriceUpdate:
		r.prices.WithLabelValues(update.Symbol).Set(update.Price)
	case *schema.PriceUpdate:
		r.prices.WithLabelValues(update.Symbol).Set(update.Price)
	}
}

func (r *Recorder) onSystemError(event eventbus.Event) {
	stage := "unknown"
	if payload, ok := event.Payload.(eventbus.SystemErrorPayload); ok && payload.Stage != "" {
		stage = payload.Stage
	}
	r.systemErrors.WithLabelValues(stage).Inc()
}

func levelValue(level index.RiskLevel) float64 {
	switch level {
	case index.RiskMedium:
		return 1
	case index.RiskHigh:
		return 2
	default:
		return 0
	}
}
