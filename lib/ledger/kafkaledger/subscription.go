// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package kafkaledger

import (
	"context"
	"time"

	"github.com/IBM/sarama"

	"github.com/lynxify-labs/lynxify/lib/ledger"
)

type subscription struct {
	topicID    string
	kafkaTopic string
	handler    ledger.Handler
	// nextOffset is where a restarted partition consumer resumes.
	// Only the consume goroutine touches it after start.
	nextOffset int64
	cancel     context.CancelFunc
	done       chan struct{}
}

// consume pumps one partition into the subscription's handler until ctx
// is cancelled. When the partition consumer shuts down underneath it
// (broker loss, leadership change) a new one is opened at the next
// undelivered offset.
func (g *Gateway) consume(ctx context.Context, consumer sarama.Consumer, sub *subscription, partition sarama.PartitionConsumer) {
	backoff := time.Second

	for {
		if partition == nil {
			var err error
			partition, err = consumer.ConsumePartition(sub.kafkaTopic, 0, sub.nextOffset)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				g.logger.Error("restarting partition consumer failed, retrying",
					"topic_id", sub.topicID,
					"error", err,
					"backoff", backoff,
				)
				select {
				case <-ctx.Done():
					return
				case <-g.clock.After(backoff):
				}
				backoff *= 2
				if backoff > g.config.MaxBackoff {
					backoff = g.config.MaxBackoff
				}
				continue
			}
			backoff = time.Second
		}

		g.pump(ctx, sub, partition)
		_ = partition.Close()
		partition = nil
		if ctx.Err() != nil {
			return
		}
		g.logger.Warn("partition consumer stopped, resubscribing",
			"topic_id", sub.topicID,
			"next_offset", sub.nextOffset,
		)
	}
}

// pump returns when ctx is done or the partition consumer's channels
// close.
func (g *Gateway) pump(ctx context.Context, sub *subscription, partition sarama.PartitionConsumer) {
	messages := partition.Messages()
	errs := partition.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case consumerError, ok := <-errs:
			if !ok {
				return
			}
			g.logger.Warn("kafka consumer error",
				"topic_id", sub.topicID,
				"error", consumerError.Err,
			)
		case message, ok := <-messages:
			if !ok {
				return
			}
			// A cancelled subscription delivers nothing more, even if
			// messages are already buffered.
			if ctx.Err() != nil {
				return
			}
			sub.nextOffset = message.Offset + 1
			sub.handler(ledger.Message{
				TopicID:            sub.topicID,
				SequenceNumber:     uint64(message.Offset) + 1,
				ConsensusTimestamp: message.Timestamp,
				Contents:           message.Value,
			})
		}
	}
}
