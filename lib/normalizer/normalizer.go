// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package normalizer is the single point where raw ledger messages
// enter the agent. It decodes each one into a [schema.Envelope] and
// publishes it as MESSAGE_RECEIVED, or publishes MESSAGE_ERROR with the
// raw bytes and the reason when decoding fails.
//
// The normalizer keeps no state. Downstream components never see the
// ledger directly, so their tests emit synthetic envelopes on the bus
// instead of running a ledger.
package normalizer

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/lynxify-labs/lynxify/lib/eventbus"
	"github.com/lynxify-labs/lynxify/lib/ledger"
	"github.com/lynxify-labs/lynxify/lib/schema"
)

// Normalizer turns ledger messages into bus events.
type Normalizer struct {
	bus     *eventbus.Bus
	gateway ledger.Gateway
	logger  *slog.Logger
}

// New returns a Normalizer publishing on bus. gateway is used by Attach
// and Detach and may be nil if only Handle is called.
func New(bus *eventbus.Bus, gateway ledger.Gateway, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Normalizer{bus: bus, gateway: gateway, logger: logger}
}

// Normalize decodes one raw message into an envelope.
func Normalize(message ledger.Message) (schema.Envelope, error) {
	contents, err := schema.Decode(message.Contents)
	if err != nil {
		return schema.Envelope{}, err
	}
	return schema.Envelope{
		TopicID:            message.TopicID,
		SequenceNumber:     message.SequenceNumber,
		ConsensusTimestamp: message.ConsensusTimestamp,
		Contents:           contents,
	}, nil
}

// Handle is a ledger.Handler.
func (n *Normalizer) Handle(message ledger.Message) {
	envelope, err := Normalize(message)
	if err != nil {
		n.logger.Warn("dropping malformed ledger message",
			"topic_id", message.TopicID,
			"sequence_number", message.SequenceNumber,
			"error", err,
		)
		n.bus.Emit(eventbus.MessageError, schema.MessageFailure{
			TopicID:        message.TopicID,
			SequenceNumber: message.SequenceNumber,
			Raw:            message.Contents,
			Reason:         err.Error(),
		})
		return
	}
	n.bus.Emit(eventbus.MessageReceived, envelope)
}

// Attach subscribes the normalizer to a topic starting at
// fromSequence.
func (n *Normalizer) Attach(ctx context.Context, topicID string, fromSequence uint64) error {
	if n.gateway == nil {
		return fmt.Errorf("normalizer: attach %s: no gateway", topicID)
	}
	options := ledger.SubscribeOptions{FromSequence: fromSequence}
	if err := n.gateway.SubscribeToTopic(ctx, topicID, options, n.Handle); err != nil {
		return fmt.Errorf("normalizer: attach %s: %w", topicID, err)
	}
	return nil
}

// Detach ends the subscription on a topic.
func (n *Normalizer) Detach(topicID string) error {
	if n.gateway == nil {
		return nil
	}
	return n.gateway.UnsubscribeFromTopic(topicID)
}
