// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/lynxify-labs/lynxify/lib/clock"
)

// DefaultMaxMessageSize is six 1 KiB consensus chunks.
const DefaultMaxMessageSize = 6 * 1024

// MemoryOptions configures a [Memory] ledger.
type MemoryOptions struct {
	// MaxMessageSize bounds payload size in bytes. Zero means
	// DefaultMaxMessageSize; negative disables the limit.
	MaxMessageSize int

	// FirstTopicNumber is the entity number of the first created
	// topic. Topic ids look like "0.0.<n>". Zero means 1000.
	FirstTopicNumber uint64
}

// Memory is an in-process ledger shared by any number of gateways. All
// gateways see the same topics, so several agents in one test can talk
// to each other through it.
//
// Delivery is synchronous: SendMessage returns after every subscriber
// has seen the message. A send issued from inside a handler is queued
// and delivered after the current delivery finishes, which keeps every
// subscriber's view in sequence order.
type Memory struct {
	clock          clock.Clock
	maxMessageSize int

	mu          sync.Mutex
	topics      map[string]*memoryTopic
	nextTopic   uint64
	queue       []delivery
	dispatching bool
}

type memoryTopic struct {
	id          string
	memo        string
	messages    []Message
	subscribers []*memorySubscriber
}

type memorySubscriber struct {
	gateway *MemoryGateway
	topicID string
	handler Handler
	active  bool
	stop    func() bool
}

type delivery struct {
	subscriber *memorySubscriber
	message    Message
}

// NewMemory returns an empty in-process ledger. Consensus timestamps
// come from clk.
func NewMemory(clk clock.Clock, options MemoryOptions) *Memory {
	maxSize := options.MaxMessageSize
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	first := options.FirstTopicNumber
	if first == 0 {
		first = 1000
	}
	return &Memory{
		clock:          clk,
		maxMessageSize: maxSize,
		topics:         make(map[string]*memoryTopic),
		nextTopic:      first,
	}
}

// Gateway returns a new gateway onto this ledger. Each gateway has its
// own subscriptions.
func (m *Memory) Gateway() *MemoryGateway {
	return &MemoryGateway{
		ledger:        m,
		subscriptions: make(map[string]*memorySubscriber),
	}
}

// EnsureTopic creates a topic with a caller-chosen id if it does not
// already exist. Deployments use it to pre-provision well-known topics
// such as the agent registry.
func (m *Memory) EnsureTopic(topicID, memo string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.topics[topicID]; !ok {
		m.topics[topicID] = &memoryTopic{id: topicID, memo: memo}
	}
}

// Messages returns a copy of every message on a topic, in order.
func (m *Memory) Messages(topicID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	topic, ok := m.topics[topicID]
	if !ok {
		return nil
	}
	return append([]Message(nil), topic.messages...)
}

// Redeliver hands every message from fromSequence onward to the topic's
// current subscribers again, the way a reconnecting consumer would see
// them.
func (m *Memory) Redeliver(topicID string, fromSequence uint64) error {
	m.mu.Lock()
	topic, ok := m.topics[topicID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("ledger: redeliver %s: %w", topicID, ErrUnknownTopic)
	}
	for _, message := range topic.messages {
		if message.SequenceNumber < fromSequence {
			continue
		}
		for _, subscriber := range topic.subscribers {
			m.queue = append(m.queue, delivery{subscriber: subscriber, message: message})
		}
	}
	m.mu.Unlock()
	m.drain()
	return nil
}

func (m *Memory) createTopic(memo string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		topicID := fmt.Sprintf("0.0.%d", m.nextTopic)
		m.nextTopic++
		if _, exists := m.topics[topicID]; !exists {
			m.topics[topicID] = &memoryTopic{id: topicID, memo: memo}
			return topicID
		}
	}
}

func (m *Memory) append(topicID string, payload []byte) (Receipt, error) {
	if m.maxMessageSize > 0 && len(payload) > m.maxMessageSize {
		return Receipt{}, fmt.Errorf("ledger: send to %s: %d bytes exceeds %d: %w",
			topicID, len(payload), m.maxMessageSize, ErrMessageTooLarge)
	}

	m.mu.Lock()
	topic, ok := m.topics[topicID]
	if !ok {
		m.mu.Unlock()
		return Receipt{}, fmt.Errorf("ledger: send to %s: %w", topicID, ErrUnknownTopic)
	}
	message := Message{
		TopicID:            topicID,
		SequenceNumber:     uint64(len(topic.messages)) + 1,
		ConsensusTimestamp: m.clock.Now(),
		Contents:           append([]byte(nil), payload...),
	}
	topic.messages = append(topic.messages, message)
	for _, subscriber := range topic.subscribers {
		m.queue = append(m.queue, delivery{subscriber: subscriber, message: message})
	}
	m.mu.Unlock()

	m.drain()
	return Receipt{
		TransactionID:  transactionID(message),
		SequenceNumber: message.SequenceNumber,
		Success:        true,
	}, nil
}

func (m *Memory) subscribe(subscriber *memorySubscriber, fromSequence uint64) error {
	m.mu.Lock()
	topic, ok := m.topics[subscriber.topicID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("ledger: subscribe to %s: %w", subscriber.topicID, ErrUnknownTopic)
	}
	subscriber.active = true
	topic.subscribers = append(topic.subscribers, subscriber)
	for _, message := range topic.messages {
		if message.SequenceNumber >= fromSequence {
			m.queue = append(m.queue, delivery{subscriber: subscriber, message: message})
		}
	}
	m.mu.Unlock()

	m.drain()
	return nil
}

func (m *Memory) unsubscribe(subscriber *memorySubscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subscriber.active = false
	topic, ok := m.topics[subscriber.topicID]
	if !ok {
		return
	}
	for i, candidate := range topic.subscribers {
		if candidate == subscriber {
			topic.subscribers = append(topic.subscribers[:i:i], topic.subscribers[i+1:]...)
			return
		}
	}
}

// drain delivers queued messages until the queue is empty. Only one
// goroutine drains at a time; anyone else who queues a delivery leaves
// it for the current drainer.
func (m *Memory) drain() {
	m.mu.Lock()
	if m.dispatching {
		m.mu.Unlock()
		return
	}
	m.dispatching = true
	for len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		if !next.subscriber.active {
			continue
		}
		m.mu.Unlock()
		next.subscriber.handler(next.message)
		m.mu.Lock()
	}
	m.dispatching = false
	m.queue = nil
	m.mu.Unlock()
}

func transactionID(message Message) string {
	hasher := blake3.New()
	var sequence [8]byte
	binary.BigEndian.PutUint64(sequence[:], message.SequenceNumber)
	hasher.Write([]byte(message.TopicID))
	hasher.Write(sequence[:])
	hasher.Write(message.Contents)
	sum := hasher.Sum(nil)
	return message.TopicID + "@" + hex.EncodeToString(sum[:12])
}

// MemoryGateway is one client's connection to a [Memory] ledger. It
// implements [Gateway].
type MemoryGateway struct {
	ledger *Memory

	mu            sync.Mutex
	connected     bool
	closed        bool
	subscriptions map[string]*memorySubscriber
	sendHook      func(topicID string, payload []byte) error
}

// FailSends installs a hook consulted before every send. A non-nil
// error from the hook fails the send without appending anything. Pass
// nil to remove the hook.
func (g *MemoryGateway) FailSends(hook func(topicID string, payload []byte) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sendHook = hook
}

// Ledger returns the shared ledger behind this gateway.
func (g *MemoryGateway) Ledger() *Memory {
	return g.ledger
}

func (g *MemoryGateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	g.connected = true
	return ctx.Err()
}

func (g *MemoryGateway) CreateTopic(ctx context.Context, memo string) (string, error) {
	if err := g.usable(ctx); err != nil {
		return "", fmt.Errorf("ledger: create topic: %w", err)
	}
	return g.ledger.createTopic(memo), nil
}

func (g *MemoryGateway) SendMessage(ctx context.Context, topicID string, payload []byte) (Receipt, error) {
	if err := g.usable(ctx); err != nil {
		return Receipt{}, fmt.Errorf("ledger: send to %s: %w", topicID, err)
	}
	g.mu.Lock()
	hook := g.sendHook
	g.mu.Unlock()
	if hook != nil {
		if err := hook(topicID, payload); err != nil {
			return Receipt{}, fmt.Errorf("ledger: send to %s: %w", topicID, err)
		}
	}
	return g.ledger.append(topicID, payload)
}

func (g *MemoryGateway) SubscribeToTopic(ctx context.Context, topicID string, options SubscribeOptions, handler Handler) error {
	if err := g.usable(ctx); err != nil {
		return fmt.Errorf("ledger: subscribe to %s: %w", topicID, err)
	}

	subscriber := &memorySubscriber{gateway: g, topicID: topicID, handler: handler}
	subscriber.stop = context.AfterFunc(ctx, func() {
		_ = g.UnsubscribeFromTopic(topicID)
	})
	g.mu.Lock()
	if _, exists := g.subscriptions[topicID]; exists {
		g.mu.Unlock()
		subscriber.stop()
		return fmt.Errorf("ledger: subscribe to %s: %w", topicID, ErrAlreadySubscribed)
	}
	g.subscriptions[topicID] = subscriber
	g.mu.Unlock()

	if err := g.ledger.subscribe(subscriber, options.FromSequence); err != nil {
		subscriber.stop()
		g.mu.Lock()
		delete(g.subscriptions, topicID)
		g.mu.Unlock()
		return err
	}
	return nil
}

func (g *MemoryGateway) UnsubscribeFromTopic(topicID string) error {
	g.mu.Lock()
	subscriber, ok := g.subscriptions[topicID]
	if ok {
		delete(g.subscriptions, topicID)
	}
	g.mu.Unlock()
	if !ok {
		return nil
	}
	subscriber.stop()
	g.ledger.unsubscribe(subscriber)
	return nil
}

// Subscribed reports whether the gateway has a subscription on topicID.
func (g *MemoryGateway) Subscribed(topicID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.subscriptions[topicID]
	return ok
}

func (g *MemoryGateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	topics := make([]string, 0, len(g.subscriptions))
	for topicID := range g.subscriptions {
		topics = append(topics, topicID)
	}
	g.mu.Unlock()

	for _, topicID := range topics {
		_ = g.UnsubscribeFromTopic(topicID)
	}
	return nil
}

func (g *MemoryGateway) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	if !g.connected {
		return ErrNotConnected
	}
	return nil
}
