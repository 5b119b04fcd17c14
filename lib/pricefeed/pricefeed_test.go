// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package pricefeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lynxify-labs/lynxify/lib/clock"
	"github.com/lynxify-labs/lynxify/lib/eventbus"
	"github.com/lynxify-labs/lynxify/lib/schedule"
	"github.com/lynxify-labs/lynxify/lib/schema"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func priceServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(status)
		writer.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHTTPSourceObject(t *testing.T) {
	server := priceServer(t, `{"ETH": 3120, "BTC": 64250.5, "BAD": -1}`, http.StatusOK)
	source := NewHTTPSource(server.Client(), server.URL, clock.Fake(epoch))

	updates, err := source.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("got %d updates, want 2: %+v", len(updates), updates)
	}
	if updates[0].Symbol != "BTC" || updates[0].Price != 64250.5 {
		t.Errorf("updates[0] = %+v", updates[0])
	}
	if !updates[1].Timestamp.Equal(epoch) {
		t.Errorf("timestamp = %v, want fetch time %v", updates[1].Timestamp, epoch)
	}
	if updates[0].Source != server.URL {
		t.Errorf("source = %q", updates[0].Source)
	}
}

func TestHTTPSourceQuoteList(t *testing.T) {
	server := priceServer(t, `[
		{"symbol": "BTC", "price": 64000, "timestamp": "2026-03-01T11:59:00Z"},
		{"symbol": "BTC", "price": 63900, "timestamp": "2026-03-01T11:58:00Z"},
		{"symbol": "", "price": 1}
	]`, http.StatusOK)
	source := NewHTTPSource(server.Client(), server.URL, clock.Fake(epoch))

	updates, err := source.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(updates))
	}
	// Oldest first, so the last emitted price is the latest.
	if updates[0].Price != 63900 || updates[1].Price != 64000 {
		t.Errorf("updates out of order: %+v", updates)
	}
}

func TestHTTPSourceErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"status", `{}`, http.StatusServiceUnavailable},
		{"malformed", `not json`, http.StatusOK},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			server := priceServer(t, test.body, test.status)
			source := NewHTTPSource(server.Client(), server.URL, clock.Fake(epoch))
			if _, err := source.Fetch(context.Background()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

type stubSource struct {
	calls   atomic.Int32
	updates []schema.PriceUpdate
	err     error
}

func (s *stubSource) Fetch(context.Context) ([]schema.PriceUpdate, error) {
	s.calls.Add(1)
	return s.updates, s.err
}

func TestPollerEmitsOnInterval(t *testing.T) {
	fake := clock.Fake(epoch)
	scheduler := schedule.New(fake, nil)
	defer scheduler.Close()
	bus := eventbus.New(nil)

	var received []schema.PriceUpdate
	bus.Subscribe(eventbus.IndexPriceUpdated, func(event eventbus.Event) {
		received = append(received, event.Payload.(schema.PriceUpdate))
	})

	source := &stubSource{updates: []schema.PriceUpdate{
		{Symbol: "BTC", Price: 64000, Timestamp: epoch},
		{Symbol: "ETH", Price: 3100, Timestamp: epoch},
	}}
	poller := NewPoller(source, bus, scheduler, 30*time.Second, nil)
	poller.Start(context.Background())
	poller.Start(context.Background())

	fake.Advance(29 * time.Second)
	if len(received) != 0 {
		t.Fatalf("polled before the interval elapsed")
	}
	fake.Advance(time.Second)
	if len(received) != 2 {
		t.Fatalf("received %d prices after one interval, want 2", len(received))
	}
	fake.Advance(30 * time.Second)
	if source.calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", source.calls.Load())
	}

	poller.Stop()
	poller.Stop()
	fake.Advance(time.Minute)
	if source.calls.Load() != 2 {
		t.Errorf("polled after Stop")
	}
}

func TestPollerKeepsRunningAfterFailure(t *testing.T) {
	fake := clock.Fake(epoch)
	scheduler := schedule.New(fake, nil)
	defer scheduler.Close()

	source := &stubSource{err: errors.New("feed down")}
	poller := NewPoller(source, eventbus.New(nil), scheduler, time.Minute, nil)
	poller.Start(context.Background())
	defer poller.Stop()

	fake.Advance(time.Minute)
	fake.Advance(time.Minute)
	if source.calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", source.calls.Load())
	}
}
