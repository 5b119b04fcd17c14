// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package lynxify

import (
	"context"
	"fmt"

	"github.com/lynxify-labs/lynxify/lib/ledger"
)

const topicsSnapshot = "lynxify.topics"

// resolveTopic returns configured if set, then the topic created for
// name by an earlier run, creating and recording one otherwise.
func (a *Agent) resolveTopic(ctx context.Context, configured, name string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	created := make(map[string]string)
	if a.store != nil {
		if _, err := a.store.LoadSnapshot(ctx, topicsSnapshot, &created); err != nil {
			return "", fmt.Errorf("loading %s topic: %w", name, err)
		}
		if topicID := created[name]; topicID != "" {
			return topicID, nil
		}
	}

	topicID, err := a.gateway.CreateTopic(ctx, "lynxify:"+name+":"+a.config.AgentID)
	if err != nil {
		return "", fmt.Errorf("creating %s topic: %w", name, err)
	}
	a.logger.Warn("no topic configured, created a private one", "topic", name, "topic_id", topicID)
	if a.store != nil {
		created[name] = topicID
		if err := a.store.SaveSnapshot(ctx, topicsSnapshot, created, a.clock.Now()); err != nil {
			return "", fmt.Errorf("recording %s topic: %w", name, err)
		}
	}
	return topicID, nil
}

// attach subscribes the normalizer to topicID after its checkpoint.
func (a *Agent) attach(topicID string) error {
	handler := ledger.Handler(a.normalizer.Handle)
	var from uint64
	if a.store != nil {
		last, err := a.store.Checkpoint(a.ctx, topicID)
		if err != nil {
			return fmt.Errorf("reading checkpoint of %s: %w", topicID, err)
		}
		if last > 0 {
			from = last + 1
		}
		handler = a.checkpointed
	}
	options := ledger.SubscribeOptions{FromSequence: from}
	if err := a.gateway.SubscribeToTopic(a.ctx, topicID, options, handler); err != nil {
		return err
	}
	a.logger.Info("topic attached", "topic_id", topicID, "from_sequence", from)
	return nil
}

// checkpointed handles one ledger message and records it as processed.
func (a *Agent) checkpointed(message ledger.Message) {
	a.normalizer.Handle(message)
	if err := a.store.SaveCheckpoint(a.ctx, message.TopicID, message.SequenceNumber); err != nil {
		a.logger.Warn("saving checkpoint failed",
			"topic_id", message.TopicID,
			"sequence_number", message.SequenceNumber,
			"error", err,
		)
	}
}
