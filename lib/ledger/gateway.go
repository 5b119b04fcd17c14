// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMessageTooLarge is returned by SendMessage when the payload
	// exceeds what the ledger accepts. It is an ordinary send failure.
	ErrMessageTooLarge = errors.New("ledger: message too large")

	// ErrUnknownTopic is returned when a topic id does not exist.
	ErrUnknownTopic = errors.New("ledger: unknown topic")

	// ErrAlreadySubscribed is returned by SubscribeToTopic when the
	// gateway already has a subscription on the topic.
	ErrAlreadySubscribed = errors.New("ledger: already subscribed to topic")

	// ErrNotConnected is returned when Connect has not been called.
	ErrNotConnected = errors.New("ledger: gateway not connected")

	// ErrClosed is returned by operations on a closed gateway.
	ErrClosed = errors.New("ledger: gateway closed")
)

// Message is one raw message as the ledger delivers it.
type Message struct {
	TopicID            string
	SequenceNumber     uint64
	ConsensusTimestamp time.Time
	Contents           []byte
}

// Receipt acknowledges an accepted message.
type Receipt struct {
	TransactionID  string
	SequenceNumber uint64
	Success        bool
}

// SubscribeOptions controls where a subscription starts.
type SubscribeOptions struct {
	// FromSequence is the first sequence number delivered. Zero and
	// one both mean the start of the topic.
	FromSequence uint64
}

// Handler receives messages for one subscription. Calls for one
// subscription are never concurrent. A Handler must not block waiting
// for another message to arrive on the same gateway.
type Handler func(Message)

// Gateway is the agent's view of the ledger.
type Gateway interface {
	// Connect establishes whatever the implementation needs before
	// topics can be used. It is called once, before any other method.
	Connect(ctx context.Context) error

	// CreateTopic creates a topic and returns its id.
	CreateTopic(ctx context.Context, memo string) (string, error)

	// SendMessage appends payload to a topic.
	SendMessage(ctx context.Context, topicID string, payload []byte) (Receipt, error)

	// SubscribeToTopic delivers the topic's messages to handler until
	// UnsubscribeFromTopic is called, ctx is cancelled, or the gateway
	// is closed.
	SubscribeToTopic(ctx context.Context, topicID string, options SubscribeOptions, handler Handler) error

	// UnsubscribeFromTopic ends this gateway's subscription on a
	// topic. Unsubscribing from a topic with no subscription is not an
	// error.
	UnsubscribeFromTopic(topicID string) error

	// Close ends every subscription and releases connections.
	Close() error
}
