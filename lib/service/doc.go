// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package service serves the agent's local status API.
//
// The API is a CBOR request-response protocol on a Unix socket. Each
// connection carries exactly one request and one response: the client
// writes a CBOR map with an "action" field plus any action-specific
// fields, the server writes a [Response] and closes the connection.
// CBOR is self-delimiting, so there is no framing.
//
// The agent registers read-only actions (status, weights, proposals,
// risk, agents, governance) with a [SocketServer]; the lynxify CLI
// calls them through a [Client]. Access control is the socket file's
// permissions.
package service
