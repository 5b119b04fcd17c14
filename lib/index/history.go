// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package index

import "time"

// DefaultHistorySize is the number of price points kept per token.
const DefaultHistorySize = 30

// PricePoint is one observed price.
type PricePoint struct {
	Price     float64
	Timestamp time.Time
	Source    string
}

// priceHistory is a bounded ring of the most recent price points.
type priceHistory struct {
	points []PricePoint
	start  int
	size   int
}

func newPriceHistory(capacity int) *priceHistory {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &priceHistory{points: make([]PricePoint, capacity)}
}

func (h *priceHistory) add(point PricePoint) {
	capacity := len(h.points)
	if h.size < capacity {
		h.points[(h.start+h.size)%capacity] = point
		h.size++
		return
	}
	h.points[h.start] = point
	h.start = (h.start + 1) % capacity
}

func (h *priceHistory) len() int { return h.size }

// latest returns the newest point. ok is false when empty.
func (h *priceHistory) latest() (PricePoint, bool) {
	if h.size == 0 {
		return PricePoint{}, false
	}
	return h.points[(h.start+h.size-1)%len(h.points)], true
}

// prices returns the prices oldest first.
func (h *priceHistory) prices() []float64 {
	out := make([]float64, h.size)
	for i := range h.size {
		out[i] = h.points[(h.start+i)%len(h.points)].Price
	}
	return out
}

// snapshot returns the points oldest first.
func (h *priceHistory) snapshot() []PricePoint {
	out := make([]PricePoint, h.size)
	for i := range h.size {
		out[i] = h.points[(h.start+i)%len(h.points)]
	}
	return out
}
