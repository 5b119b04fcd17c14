// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package pricefeed polls a price source and publishes each price on
// the EventBus as INDEX_PRICE_UPDATED.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"slices"
	"time"

	"github.com/lynxify-labs/lynxify/lib/clock"
	"github.com/lynxify-labs/lynxify/lib/schema"
)

// Source returns the latest price of every token it knows.
type Source interface {
	Fetch(ctx context.Context) ([]schema.PriceUpdate, error)
}

// maxBodySize bounds a price response.
const maxBodySize = 1 << 20

// HTTPSource reads prices from a JSON endpoint. The body is either an
// object of symbol to price:
//
//	{"BTC": 64250.5, "ETH": 3120}
//
// or a list of quotes:
//
//	[{"symbol": "BTC", "price": 64250.5, "timestamp": "2026-01-02T15:04:05Z"}]
//
// Quotes without a timestamp are stamped with the fetch time.
type HTTPSource struct {
	client *http.Client
	url    string
	name   string
	clock  clock.Clock
}

// NewHTTPSource returns a source for url. A nil client uses
// http.DefaultClient.
func NewHTTPSource(client *http.Client, url string, clk clock.Clock) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{client: client, url: url, name: url, clock: clk}
}

type quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Fetch implements [Source].
func (s *HTTPSource) Fetch(ctx context.Context) ([]schema.PriceUpdate, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("pricefeed: creating request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := s.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("pricefeed: fetching %s: %w", s.url, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricefeed: fetching %s: HTTP %d", s.url, response.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("pricefeed: reading %s: %w", s.url, err)
	}
	return s.decode(body)
}

func (s *HTTPSource) decode(body []byte) ([]schema.PriceUpdate, error) {
	var quotes []quote
	if err := json.Unmarshal(body, &quotes); err != nil {
		var prices map[string]float64
		if err := json.Unmarshal(body, &prices); err != nil {
			return nil, fmt.Errorf("pricefeed: decoding %s: %w", s.url, err)
		}
		for symbol, price := range prices {
			quotes = append(quotes, quote{Symbol: symbol, Price: price})
		}
	}

	now := s.clock.Now()
	updates := make([]schema.PriceUpdate, 0, len(quotes))
	for _, q := range quotes {
		if q.Symbol == "" || math.IsNaN(q.Price) || q.Price <= 0 {
			continue
		}
		timestamp := q.Timestamp
		if timestamp.IsZero() {
			timestamp = now
		}
		updates = append(updates, schema.PriceUpdate{
			Symbol:    q.Symbol,
			Price:     q.Price,
			Timestamp: timestamp,
			Source:    s.name,
		})
	}
	slices.SortFunc(updates, func(a, b schema.PriceUpdate) int {
		switch {
		case a.Symbol < b.Symbol:
			return -1
		case a.Symbol > b.Symbol:
			return 1
		}
		return a.Timestamp.Compare(b.Timestamp)
	})
	return updates, nil
}
