// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// DefaultAnthropicURL is the public Messages API base URL.
const DefaultAnthropicURL = "https://api.anthropic.com"

const anthropicVersion = "2023-06-01"

// Anthropic implements [Provider] for the Anthropic Messages API.
type Anthropic struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewAnthropic creates a provider. An empty baseURL uses
// [DefaultAnthropicURL]; a nil httpClient uses http.DefaultClient.
func NewAnthropic(httpClient *http.Client, baseURL, apiKey string) *Anthropic {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultAnthropicURL
	}
	return &Anthropic{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// Complete sends a non-streaming request.
func (provider *Anthropic) Complete(ctx context.Context, request Request) (*Response, error) {
	if request.Model == "" {
		return nil, errors.New("summary/anthropic: model is required")
	}
	maxTokens := request.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 256
	}
	wireRequest := anthropicRequest{
		Model:     request.Model,
		MaxTokens: maxTokens,
		System:    request.System,
		Messages: []anthropicMessage{{
			Role:    "user",
			Content: []anthropicContentBlock{{Type: "text", Text: request.Prompt}},
		}},
	}

	headers := http.Header{}
	headers.Set("anthropic-version", anthropicVersion)
	if provider.apiKey != "" {
		headers.Set("x-api-key", provider.apiKey)
	}
	httpResponse, err := postJSON(ctx, provider.httpClient, provider.baseURL+"/v1/messages",
		wireRequest, headers, "summary/anthropic")
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	var wireResponse anthropicResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&wireResponse); err != nil {
		return nil, fmt.Errorf("summary/anthropic: decoding response: %w", err)
	}
	return wireResponse.toResponse(), nil
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (wire *anthropicResponse) toResponse() *Response {
	var text strings.Builder
	for _, block := range wire.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Response{
		Text:       text.String(),
		Model:      wire.Model,
		StopReason: wire.StopReason,
		Usage: Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
		},
	}
}
