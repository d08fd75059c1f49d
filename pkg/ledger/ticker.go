// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AleutianAI/readersync/pkg/logging"
)

// DefaultTickInterval is the countdown resolution.
const DefaultTickInterval = time.Second

// ErrTickerRunning is returned by Start on a running Ticker.
var ErrTickerRunning = errors.New("ticker is already running")

// Tickable is a queue driven by a Ticker.
type Tickable interface {
	HasPending() bool
	Tick(ctx context.Context)
}

// Ticker drives one or more queues at a fixed interval. A queue is ticked
// only while it has pending entries.
//
// # Description
//
// Ticker is an explicit timer handle owned by the scope that created it:
// Start on scope enter, Stop on scope exit. Stop waits for the loop to
// exit, so no tick runs after Stop returns.
//
// # Thread Safety
//
// Start and Stop are safe for concurrent use.
type Ticker struct {
	interval time.Duration
	targets  []Tickable
	logger   *logging.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	exited  chan struct{}
}

// NewTicker creates a stopped Ticker.
func NewTicker(interval time.Duration, logger *logging.Logger, targets ...Tickable) *Ticker {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Ticker{
		interval: interval,
		targets:  targets,
		logger:   logger.With("component", "ledger_ticker"),
	}
}

// Start launches the tick loop. Cancelling ctx stops the loop and also
// cancels any commit a tick started.
func (t *Ticker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return ErrTickerRunning
	}
	t.running = true
	t.done = make(chan struct{})
	t.exited = make(chan struct{})
	go t.runLoop(ctx, t.done, t.exited)
	t.logger.Debug("ticker started", "interval", t.interval.String())
	return nil
}

// Stop ends the tick loop and waits for it to exit. Safe to call multiple
// times.
func (t *Ticker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.done)
	exited := t.exited
	t.mu.Unlock()
	<-exited
	t.logger.Debug("ticker stopped")
}

// Running reports whether the loop is active.
func (t *Ticker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Ticker) runLoop(ctx context.Context, done, exited chan struct{}) {
	defer close(exited)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			for _, q := range t.targets {
				if q.HasPending() {
					q.Tick(ctx)
				}
			}
		}
	}
}
