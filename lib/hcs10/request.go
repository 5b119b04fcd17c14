// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package hcs10

import (
	"errors"
	"fmt"
	"time"

	"github.com/lynxify-labs/lynxify/lib/schedule"
	"github.com/lynxify-labs/lynxify/lib/schema"
)

var (
	// ErrUnknownRecipient is returned by SendRequest when the recipient
	// is not in the registry or has no topic. There is no implicit
	// discovery: callers discover first, then send.
	ErrUnknownRecipient = errors.New("hcs10: unknown recipient")

	// ErrUnknownAgent is returned by SendResponse when no topic is
	// known for the recipient.
	ErrUnknownAgent = errors.New("hcs10: unknown agent")

	// ErrRequestTimeout is the cause of a request that exhausted its
	// retries without a response.
	ErrRequestTimeout = errors.New("hcs10: request timed out")

	// ErrUnknownRequest is returned by WaitForResponse for a request id
	// this service never sent or has garbage collected.
	ErrUnknownRequest = errors.New("hcs10: unknown request")

	// ErrNotInitialized is returned by operations that need the
	// agent's inbound topic before Initialize has completed.
	ErrNotInitialized = errors.New("hcs10: service not initialized")

	// ErrShutdown is returned by operations on a shut down service and
	// is the cause for requests still open at shutdown.
	ErrShutdown = errors.New("hcs10: service shut down")
)

// RequestStatus is the state of an outbound request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestDelivered RequestStatus = "delivered"
	RequestResponded RequestStatus = "responded"
	RequestTimeout   RequestStatus = "timeout"
	RequestError     RequestStatus = "error"
)

// Terminal reports whether no further transition is possible.
func (s RequestStatus) Terminal() bool {
	return s == RequestResponded || s == RequestTimeout || s == RequestError
}

// RequestFailure describes a request that ended without a response.
// Use errors.Is on it with ErrRequestTimeout or ErrShutdown, or
// errors.As to reach the request id.
type RequestFailure struct {
	RequestID   string
	RecipientID string
	Status      RequestStatus
	Err         error
}

func (e *RequestFailure) Error() string {
	return fmt.Sprintf("hcs10: request %s to %s: %s: %v", e.RequestID, e.RecipientID, e.Status, e.Err)
}

func (e *RequestFailure) Unwrap() error { return e.Err }

// DefaultTimeout applies when RequestOptions.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// RequestOptions tunes one SendRequest call. The zero value waits up to
// DefaultTimeout for a response with no retries.
type RequestOptions struct {
	Timeout    time.Duration
	MaxRetries int

	// NoWait makes SendRequest return as soon as the request is
	// published. The outcome is then available from WaitForResponse.
	NoWait bool
}

// Outcome is the result of a request.
type Outcome struct {
	RequestID string
	Status    RequestStatus
	// Response is set when Status is RequestResponded.
	Response *schema.AgentResponse
}

// RequestState is a snapshot of one outbound request.
type RequestState struct {
	ID          string
	RecipientID string
	TopicID     string
	Status      RequestStatus
	RetryCount  int
	MaxRetries  int
	Timeout     time.Duration
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Response    *schema.AgentResponse
	Err         error
}

type waitResult struct {
	outcome Outcome
	err     error
}

// request is the live state machine behind a RequestState.
type request struct {
	state   RequestState
	message *schema.AgentRequest
	task    *schedule.Task
	waiters []chan waitResult
}

func (r *request) retrying() bool {
	return !r.state.Status.Terminal() && r.state.RetryCount < r.state.MaxRetries
}

// finish moves the request to a terminal state and returns the waiters
// to notify. Must be called with the service lock held.
func (r *request) finish(status RequestStatus, response *schema.AgentResponse, cause error, now time.Time) ([]chan waitResult, waitResult) {
	r.state.Status = status
	r.state.Response = response
	r.state.UpdatedAt = now
	result := waitResult{outcome: Outcome{RequestID: r.state.ID, Status: status, Response: response}}
	if cause != nil {
		r.state.Err = &RequestFailure{
			RequestID:   r.state.ID,
			RecipientID: r.state.RecipientID,
			Status:      status,
			Err:         cause,
		}
		result.err = r.state.Err
	}
	if r.task != nil {
		r.task.Stop()
	}
	waiters := r.waiters
	r.waiters = nil
	return waiters, result
}

// result returns the outcome of a terminal request.
func (r *request) result() waitResult {
	return waitResult{
		outcome: Outcome{RequestID: r.state.ID, Status: r.state.Status, Response: r.state.Response},
		err:     r.state.Err,
	}
}

func notify(waiters []chan waitResult, result waitResult) {
	for _, waiter := range waiters {
		waiter <- result
	}
}

// RequestEvent is the payload of HCS10_REQUEST_SENT, HCS10_REQUEST_ERROR,
// HCS10_REQUEST_TIMEOUT, MESSAGE_RETRY and MESSAGE_TIMEOUT.
type RequestEvent struct {
	RequestID   string
	RecipientID string
	TopicID     string
	// Attempt counts publications of this request, starting at 1.
	Attempt int
	Err     error
}

// ResponseEvent is the payload of HCS10_RESPONSE_RECEIVED and
// HCS10_RESPONSE_SENT.
type ResponseEvent struct {
	RequestID string
	// AgentID is the responder for a received response and the
	// recipient for a sent one.
	AgentID  string
	Response *schema.AgentResponse
}

// InboundRequest is the payload of HCS10_REQUEST_RECEIVED.
type InboundRequest struct {
	Envelope schema.Envelope
	Request  *schema.AgentRequest
}

// Registration is the payload of HCS10_AGENT_REGISTERED.
type Registration struct {
	AgentID         string
	InboundTopicID  string
	RegistryTopicID string
}
