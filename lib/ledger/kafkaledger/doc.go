// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package kafkaledger implements [ledger.Gateway] on Kafka.
//
// Every ledger topic is one Kafka topic with a single partition, named
// by prefixing the ledger topic id with [Config.TopicPrefix]. A single
// partition gives a total order per topic; the partition offset plus
// one is the ledger sequence number and the broker's append timestamp
// is the consensus timestamp. Topics never share a partition, so there
// is no ordering across topics, as on the public ledger.
//
// Sends go through a synchronous producer waiting for all in-sync
// replicas. Subscriptions are plain partition consumers, one goroutine
// per subscription, resumed from the last delivered offset with
// exponential backoff if the partition consumer dies. Kafka itself
// tracks no consumer position here: the agent checkpoints sequence
// numbers on its own and passes them back as
// [ledger.SubscribeOptions.FromSequence].
package kafkaledger
