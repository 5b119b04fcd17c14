// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the agent's internal binary encoding.
//
// Ledger messages are JSON because other participants read them. What
// only Lynxify processes read is CBOR: the status socket protocol and
// state snapshots written to the local store. The encoder uses Core
// Deterministic Encoding (RFC 8949 §4.2), so equal values produce equal
// bytes.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// [MarshalBlob] and [UnmarshalBlob] add a one-byte header and zstd
// compression for snapshots, which repeat token symbols and proposal
// ids heavily. Small or incompressible values are stored uncompressed.
//
// Types only ever encoded as CBOR carry `cbor` struct tags. Types also
// rendered as JSON (CLI output) carry `json` tags, which the CBOR
// library falls back to. A field never carries both.
package codec
