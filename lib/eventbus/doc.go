// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventbus is the in-process publish/subscribe hub the agent's
// components talk through. The ledger normalizer publishes inbound
// envelopes on it, the state machines consume those and publish their
// own domain events, and the coordinator, metrics recorder and status
// API read what they need from it.
//
// A [Bus] is constructed once at the composition root and passed to
// every component. [Bus.Emit] runs handlers synchronously in the
// emitting goroutine, in registration order. A panicking handler is
// recovered and logged; the remaining handlers still run and the
// emitter never sees the panic.
//
// Event types are a flat set of string constants ([MessageReceived],
// [IndexRebalanceProposed], ...). Nothing checks at compile time that a
// type is ever emitted or consumed, so each producer/consumer pairing
// is covered by a test in the package that owns it.
package eventbus
