// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Provider completes a single-turn prompt.
type Provider interface {
	Complete(ctx context.Context, request Request) (*Response, error)
}

// Request is a provider-neutral completion request.
type Request struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

// Response is the text a provider returned.
type Response struct {
	Text       string
	Model      string
	StopReason string
	Usage      Usage
}

// Usage counts tokens consumed by one request.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// ProviderError is a non-200 response from a provider.
type ProviderError struct {
	StatusCode int

	// Type is the provider's error type string
	// (e.g., "invalid_request_error", "rate_limit_error").
	Type    string
	Message string
}

func (err *ProviderError) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("summary: HTTP %d: %s: %s", err.StatusCode, err.Type, err.Message)
	}
	return fmt.Sprintf("summary: HTTP %d: %s", err.StatusCode, err.Message)
}

// IsRateLimited reports an HTTP 429.
func (err *ProviderError) IsRateLimited() bool {
	return err.StatusCode == http.StatusTooManyRequests
}

// IsOverloaded reports an HTTP 529.
func (err *ProviderError) IsOverloaded() bool {
	return err.StatusCode == 529
}

// postJSON marshals wireRequest, POSTs it and returns the response.
// Non-200 responses are returned as a *ProviderError with the body
// closed.
func postJSON(ctx context.Context, httpClient *http.Client, endpoint string, wireRequest any, headers http.Header, prefix string) (*http.Response, error) {
	body, err := json.Marshal(wireRequest)
	if err != nil {
		return nil, fmt.Errorf("%s: marshaling request: %w", prefix, err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", prefix, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	for name, values := range headers {
		for _, value := range values {
			httpRequest.Header.Add(name, value)
		}
	}

	httpResponse, err := httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("%s: sending request: %w", prefix, err)
	}
	if httpResponse.StatusCode != http.StatusOK {
		defer httpResponse.Body.Close()
		return nil, readProviderError(httpResponse)
	}
	return httpResponse, nil
}

// readProviderError parses {"error":{"type":"...","message":"..."}},
// falling back to the raw body.
func readProviderError(httpResponse *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))

	var wireError struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Message != "" {
		return &ProviderError{
			StatusCode: httpResponse.StatusCode,
			Type:       wireError.Error.Type,
			Message:    wireError.Error.Message,
		}
	}
	return &ProviderError{
		StatusCode: httpResponse.StatusCode,
		Message:    string(body),
	}
}
