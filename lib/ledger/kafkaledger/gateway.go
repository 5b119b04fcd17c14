// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package kafkaledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/lynxify-labs/lynxify/lib/clock"
	"github.com/lynxify-labs/lynxify/lib/ledger"
)

// Config configures a Gateway.
type Config struct {
	Brokers []string

	// TopicPrefix is prepended to ledger topic ids to form Kafka topic
	// names. Default "lynxify.".
	TopicPrefix string

	// ClientID identifies this agent to the brokers.
	ClientID string

	// ReplicationFactor for topics created by CreateTopic. Default 1.
	ReplicationFactor int16

	// MaxMessageSize bounds payloads; larger sends fail with
	// ledger.ErrMessageTooLarge before reaching the broker. Default
	// ledger.DefaultMaxMessageSize.
	MaxMessageSize int

	// MaxBackoff caps the delay between attempts to restart a failed
	// partition consumer. Backoff starts at one second. Default 30s.
	MaxBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "lynxify."
	}
	if c.ClientID == "" {
		c.ClientID = "lynxify-agent"
	}
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = 1
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = ledger.DefaultMaxMessageSize
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// SaramaConfig returns the client configuration the gateway uses.
func SaramaConfig(config Config) *sarama.Config {
	config.applyDefaults()
	saramaConfig := sarama.NewConfig()
	saramaConfig.ClientID = config.ClientID
	saramaConfig.Version = sarama.V3_6_0_0
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Partitioner = sarama.NewManualPartitioner
	saramaConfig.Producer.Retry.Max = 3
	// Leave headroom over the payload limit for record framing.
	saramaConfig.Producer.MaxMessageBytes = config.MaxMessageSize + 1024
	saramaConfig.Consumer.Return.Errors = true
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	return saramaConfig
}

// Connector builds the Kafka clients a Gateway needs. The default
// connects to Config.Brokers; tests substitute sarama's mocks.
type Connector interface {
	SyncProducer() (sarama.SyncProducer, error)
	Consumer() (sarama.Consumer, error)
	ClusterAdmin() (sarama.ClusterAdmin, error)
}

type brokerConnector struct {
	brokers []string
	config  *sarama.Config
}

func (c brokerConnector) SyncProducer() (sarama.SyncProducer, error) {
	return sarama.NewSyncProducer(c.brokers, c.config)
}

func (c brokerConnector) Consumer() (sarama.Consumer, error) {
	return sarama.NewConsumer(c.brokers, c.config)
}

func (c brokerConnector) ClusterAdmin() (sarama.ClusterAdmin, error) {
	return sarama.NewClusterAdmin(c.brokers, c.config)
}

// Gateway is a Kafka-backed ledger.Gateway.
type Gateway struct {
	config    Config
	connector Connector
	clock     clock.Clock
	logger    *slog.Logger

	mu            sync.Mutex
	producer      sarama.SyncProducer
	consumer      sarama.Consumer
	admin         sarama.ClusterAdmin
	subscriptions map[string]*subscription
	closed        bool
	wg            sync.WaitGroup
}

var _ ledger.Gateway = (*Gateway)(nil)

// New returns a Gateway that connects to config.Brokers on Connect.
func New(config Config, clk clock.Clock, logger *slog.Logger) (*Gateway, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("kafkaledger: no brokers configured")
	}
	config.applyDefaults()
	connector := brokerConnector{brokers: config.Brokers, config: SaramaConfig(config)}
	return NewWithConnector(config, connector, clk, logger), nil
}

// NewWithConnector returns a Gateway whose clients come from connector.
func NewWithConnector(config Config, connector Connector, clk clock.Clock, logger *slog.Logger) *Gateway {
	config.applyDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gateway{
		config:        config,
		connector:     connector,
		clock:         clk,
		logger:        logger,
		subscriptions: make(map[string]*subscription),
	}
}

// KafkaTopic returns the Kafka topic name backing a ledger topic.
func (g *Gateway) KafkaTopic(topicID string) string {
	return g.config.TopicPrefix + topicID
}

func (g *Gateway) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("kafkaledger: connect: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return fmt.Errorf("kafkaledger: connect: %w", ledger.ErrClosed)
	}
	if g.producer != nil {
		return nil
	}

	producer, err := g.connector.SyncProducer()
	if err != nil {
		return fmt.Errorf("kafkaledger: creating producer: %w", err)
	}
	consumer, err := g.connector.Consumer()
	if err != nil {
		_ = producer.Close()
		return fmt.Errorf("kafkaledger: creating consumer: %w", err)
	}
	admin, err := g.connector.ClusterAdmin()
	if err != nil {
		_ = producer.Close()
		_ = consumer.Close()
		return fmt.Errorf("kafkaledger: creating cluster admin: %w", err)
	}
	g.producer = producer
	g.consumer = consumer
	g.admin = admin
	g.logger.Info("connected to kafka",
		"brokers", len(g.config.Brokers),
		"topic_prefix", g.config.TopicPrefix,
	)
	return nil
}

// CreateTopic creates a new single-partition topic with a random id.
func (g *Gateway) CreateTopic(ctx context.Context, memo string) (string, error) {
	topicID := uuid.NewString()
	if err := g.EnsureTopic(ctx, topicID); err != nil {
		return "", err
	}
	g.logger.Info("created ledger topic", "topic_id", topicID, "memo", memo)
	return topicID, nil
}

// EnsureTopic creates the Kafka topic for topicID unless it exists.
// Deployments use it for well-known topics like the agent registry.
func (g *Gateway) EnsureTopic(ctx context.Context, topicID string) error {
	admin, _, _, err := g.clients(ctx)
	if err != nil {
		return fmt.Errorf("kafkaledger: create topic: %w", err)
	}
	detail := &sarama.TopicDetail{
		NumPartitions:     1,
		ReplicationFactor: g.config.ReplicationFactor,
	}
	err = admin.CreateTopic(g.KafkaTopic(topicID), detail, false)
	if err != nil && !topicExists(err) {
		return fmt.Errorf("kafkaledger: create topic %s: %w", topicID, err)
	}
	return nil
}

func topicExists(err error) bool {
	var topicError *sarama.TopicError
	if errors.As(err, &topicError) {
		return topicError.Err == sarama.ErrTopicAlreadyExists
	}
	return errors.Is(err, sarama.ErrTopicAlreadyExists)
}

func (g *Gateway) SendMessage(ctx context.Context, topicID string, payload []byte) (ledger.Receipt, error) {
	if len(payload) > g.config.MaxMessageSize {
		return ledger.Receipt{}, fmt.Errorf("kafkaledger: send to %s: %d bytes exceeds %d: %w",
			topicID, len(payload), g.config.MaxMessageSize, ledger.ErrMessageTooLarge)
	}
	_, producer, _, err := g.clients(ctx)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("kafkaledger: send to %s: %w", topicID, err)
	}

	message := &sarama.ProducerMessage{
		Topic:     g.KafkaTopic(topicID),
		Partition: 0,
		Value:     sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte("application/json")},
		},
	}
	_, offset, err := producer.SendMessage(message)
	if err != nil {
		if errors.Is(err, sarama.ErrMessageSizeTooLarge) {
			return ledger.Receipt{}, fmt.Errorf("kafkaledger: send to %s: %w: %v", topicID, ledger.ErrMessageTooLarge, err)
		}
		return ledger.Receipt{}, fmt.Errorf("kafkaledger: send to %s: %w", topicID, err)
	}
	return ledger.Receipt{
		TransactionID:  fmt.Sprintf("%s@%d", topicID, offset),
		SequenceNumber: uint64(offset) + 1,
		Success:        true,
	}, nil
}

func (g *Gateway) SubscribeToTopic(ctx context.Context, topicID string, options ledger.SubscribeOptions, handler ledger.Handler) error {
	_, _, consumer, err := g.clients(ctx)
	if err != nil {
		return fmt.Errorf("kafkaledger: subscribe to %s: %w", topicID, err)
	}

	offset := sarama.OffsetOldest
	if options.FromSequence > 1 {
		offset = int64(options.FromSequence) - 1
	}

	subscriptionContext, cancel := context.WithCancel(ctx)
	sub := &subscription{
		topicID:    topicID,
		kafkaTopic: g.KafkaTopic(topicID),
		handler:    handler,
		nextOffset: offset,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	g.mu.Lock()
	if _, exists := g.subscriptions[topicID]; exists {
		g.mu.Unlock()
		cancel()
		return fmt.Errorf("kafkaledger: subscribe to %s: %w", topicID, ledger.ErrAlreadySubscribed)
	}
	g.subscriptions[topicID] = sub
	g.mu.Unlock()

	// The first partition consumer is opened synchronously so that a
	// missing topic fails the subscribe call instead of looping.
	partition, err := consumer.ConsumePartition(sub.kafkaTopic, 0, offset)
	if err != nil {
		cancel()
		g.mu.Lock()
		delete(g.subscriptions, topicID)
		g.mu.Unlock()
		if errors.Is(err, sarama.ErrUnknownTopicOrPartition) {
			return fmt.Errorf("kafkaledger: subscribe to %s: %w", topicID, ledger.ErrUnknownTopic)
		}
		return fmt.Errorf("kafkaledger: subscribe to %s: %w", topicID, err)
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer close(sub.done)
		g.consume(subscriptionContext, consumer, sub, partition)
	}()
	g.logger.Debug("subscribed to ledger topic",
		"topic_id", topicID,
		"from_sequence", options.FromSequence,
	)
	return nil
}

// UnsubscribeFromTopic stops delivery for a topic. It does not wait for
// an in-progress handler call to return, so it is safe to call from a
// handler.
func (g *Gateway) UnsubscribeFromTopic(topicID string) error {
	g.mu.Lock()
	sub, ok := g.subscriptions[topicID]
	if ok {
		delete(g.subscriptions, topicID)
	}
	g.mu.Unlock()
	if ok {
		sub.cancel()
	}
	return nil
}

// Close stops every subscription, waits for their goroutines, and
// closes the Kafka clients. Must not be called from a handler.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	for topicID, sub := range g.subscriptions {
		sub.cancel()
		delete(g.subscriptions, topicID)
	}
	producer, consumer, admin := g.producer, g.consumer, g.admin
	g.mu.Unlock()

	g.wg.Wait()

	var errs []error
	if producer != nil {
		errs = append(errs, producer.Close())
	}
	if consumer != nil {
		errs = append(errs, consumer.Close())
	}
	if admin != nil {
		errs = append(errs, admin.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("kafkaledger: close: %w", err)
	}
	return nil
}

func (g *Gateway) clients(ctx context.Context) (sarama.ClusterAdmin, sarama.SyncProducer, sarama.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, nil, nil, ledger.ErrClosed
	}
	if g.producer == nil {
		return nil, nil, nil, ledger.ErrNotConnected
	}
	return g.admin, g.producer, g.consumer, nil
}
