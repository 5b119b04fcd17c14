// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "time"

// Envelope is a decoded message together with its position in the
// ledger. It is the payload of MESSAGE_RECEIVED.
//
// SequenceNumber is strictly increasing per TopicID, but the same
// envelope may be delivered more than once.
type Envelope struct {
	TopicID            string    `json:"topicId"`
	SequenceNumber     uint64    `json:"sequenceNumber"`
	ConsensusTimestamp time.Time `json:"consensusTimestamp"`
	Contents           Message   `json:"contents"`
}

// MessageFailure is the payload of MESSAGE_ERROR when a raw ledger
// message could not be decoded.
type MessageFailure struct {
	TopicID        string
	SequenceNumber uint64
	Raw            []byte
	Reason         string
}

// PriceUpdate is the payload of INDEX_PRICE_UPDATED.
type PriceUpdate struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}
