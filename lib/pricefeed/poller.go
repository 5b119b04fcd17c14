// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package pricefeed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lynxify-labs/lynxify/lib/eventbus"
	"github.com/lynxify-labs/lynxify/lib/schedule"
)

// Poller fetches from a Source on an interval and emits every price.
type Poller struct {
	source    Source
	bus       *eventbus.Bus
	scheduler *schedule.Scheduler
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	task   *schedule.Task
}

// NewPoller returns a stopped poller. interval defaults to one minute.
func NewPoller(source Source, bus *eventbus.Bus, scheduler *schedule.Scheduler, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Poller{
		source:    source,
		bus:       bus,
		scheduler: scheduler,
		interval:  interval,
		logger:    logger,
	}
}

// Start begins polling. The first fetch happens one interval from
// now. Starting a running poller does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.task != nil {
		p.mu.Unlock()
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	task := p.scheduler.Every("pricefeed", p.interval, func() {
		p.mu.Lock()
		ctx := p.ctx
		p.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		if _, err := p.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("price poll failed", "error", err)
		}
	})

	p.mu.Lock()
	p.task = task
	p.mu.Unlock()
}

// Stop cancels polling and any fetch in flight. Safe to call more than
// once.
func (p *Poller) Stop() {
	p.mu.Lock()
	task, cancel := p.task, p.cancel
	p.task, p.cancel, p.ctx = nil, nil, nil
	p.mu.Unlock()
	if task != nil {
		task.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

// Poll fetches once and emits an INDEX_PRICE_UPDATED event per price.
// It returns the number of prices emitted.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	updates, err := p.source.Fetch(ctx)
	if err != nil {
		return 0, err
	}
	for _, update := range updates {
		p.bus.Emit(eventbus.IndexPriceUpdated, update)
	}
	p.logger.Debug("prices polled", "count", len(updates))
	return len(updates), nil
}
