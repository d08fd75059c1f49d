// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger holds optimistic suggestions until they are committed or
// cancelled.
//
// Each entry counts down once per tick. An entry that reaches zero commits
// itself; the user may also confirm, cancel or edit it first. Committed and
// cancelled entries linger for a short grace delay so the outcome stays
// visible, then disappear.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/readersync/internal/metrics"
	"github.com/AleutianAI/readersync/pkg/logging"
)

// =============================================================================
// Types
// =============================================================================

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSaving    Status = "saving"
	StatusSaved     Status = "saved"
	StatusCancelled Status = "cancelled"
	StatusEditing   Status = "editing"
)

// Default timings.
const (
	DefaultTermCountdown    = 5
	DefaultProfileCountdown = 3
	DefaultSavedGrace       = 1500 * time.Millisecond
	DefaultCancelGrace      = 300 * time.Millisecond
)

// ErrNotFound is returned for unknown entry ids.
var ErrNotFound = errors.New("suggestion not found")

// Committer writes a payload through to the backend.
type Committer[P any] interface {
	Commit(ctx context.Context, payload P) error
}

// CommitFunc adapts a function to Committer.
type CommitFunc[P any] func(ctx context.Context, payload P) error

// Commit calls f.
func (f CommitFunc[P]) Commit(ctx context.Context, payload P) error {
	return f(ctx, payload)
}

// Entry is a snapshot of one suggestion.
type Entry[P any] struct {
	ID        string
	Payload   P
	Countdown int
	Status    Status
	// LastError is the most recent commit failure, cleared on success.
	LastError string
}

// Config tunes a Queue.
type Config struct {
	// Name labels metrics and logs, e.g. "terms".
	Name string
	// Countdown is the number of ticks before auto-commit.
	Countdown   int
	SavedGrace  time.Duration
	CancelGrace time.Duration
	Logger      *logging.Logger
}

// Queue is an ordered set of suggestions with identical mechanics.
//
// # Thread Safety
//
// All methods are safe for concurrent use. The mutex is never held while a
// Committer runs.
type Queue[P any] struct {
	name        string
	initial     int
	savedGrace  time.Duration
	cancelGrace time.Duration
	committer   Committer[P]
	logger      *logging.Logger

	mu      sync.Mutex
	entries []*Entry[P]
	timers  map[string]*time.Timer
	subs    []func([]Entry[P])
	closed  bool

	inflight sync.WaitGroup
}

// NewQueue creates a Queue. Zero config values take the defaults of a term
// queue.
func NewQueue[P any](cfg Config, committer Committer[P]) *Queue[P] {
	if cfg.Countdown <= 0 {
		cfg.Countdown = DefaultTermCountdown
	}
	if cfg.SavedGrace < 0 {
		cfg.SavedGrace = 0
	}
	if cfg.CancelGrace < 0 {
		cfg.CancelGrace = 0
	}
	if cfg.Name == "" {
		cfg.Name = "suggestions"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Queue[P]{
		name:        cfg.Name,
		initial:     cfg.Countdown,
		savedGrace:  cfg.SavedGrace,
		cancelGrace: cfg.CancelGrace,
		committer:   committer,
		logger:      cfg.Logger.With("component", "ledger", "queue", cfg.Name),
		timers:      make(map[string]*time.Timer),
	}
}

// Name returns the queue label.
func (q *Queue[P]) Name() string { return q.name }

// =============================================================================
// Operations
// =============================================================================

// Add appends a pending entry and returns its id.
func (q *Queue[P]) Add(payload P) string {
	id := uuid.NewString()
	q.mu.Lock()
	q.entries = append(q.entries, &Entry[P]{
		ID:        id,
		Payload:   payload,
		Countdown: q.initial,
		Status:    StatusPending,
	})
	snap, subs := q.snapshotLocked()
	q.mu.Unlock()

	q.logger.Debug("suggestion added", "entry_id", id)
	notify(subs, snap)
	return id
}

// Tick decrements every pending entry by one. Entries reaching zero start
// committing in the background; their failures are logged and the entry
// returns to pending with a fresh countdown.
//
// Editing, saving, saved and cancelled entries are untouched.
func (q *Queue[P]) Tick(ctx context.Context) {
	q.mu.Lock()
	var due []string
	for _, e := range q.entries {
		if e.Status != StatusPending {
			continue
		}
		e.Countdown--
		if e.Countdown <= 0 {
			e.Countdown = 0
			e.Status = StatusSaving
			due = append(due, e.ID)
		}
	}
	snap, subs := q.snapshotLocked()
	q.inflight.Add(len(due))
	q.mu.Unlock()

	notify(subs, snap)
	for _, id := range due {
		go func(id string) {
			defer q.inflight.Done()
			if err := q.commit(ctx, id, false); err != nil {
				q.logger.Warn("auto-commit failed", "entry_id", id, "error", err)
			}
		}(id)
	}
}

// Confirm commits a pending or editing entry now and returns the commit
// error. Entries already saving, saved or cancelled are left alone.
func (q *Queue[P]) Confirm(ctx context.Context, id string) error {
	q.mu.Lock()
	e := q.findLocked(id)
	if e == nil {
		q.mu.Unlock()
		return fmt.Errorf("confirm %s: %w", id, ErrNotFound)
	}
	if e.Status != StatusPending && e.Status != StatusEditing {
		q.mu.Unlock()
		return nil
	}
	e.Status = StatusSaving
	snap, subs := q.snapshotLocked()
	q.inflight.Add(1)
	q.mu.Unlock()

	notify(subs, snap)
	defer q.inflight.Done()
	return q.commit(ctx, id, true)
}

// Cancel discards a pending or editing entry without writing it through.
// It reports whether the entry was cancelled.
func (q *Queue[P]) Cancel(id string) bool {
	q.mu.Lock()
	e := q.findLocked(id)
	if e == nil || (e.Status != StatusPending && e.Status != StatusEditing) {
		q.mu.Unlock()
		return false
	}
	e.Status = StatusCancelled
	q.scheduleRemovalLocked(id, q.cancelGrace)
	snap, subs := q.snapshotLocked()
	q.mu.Unlock()

	metrics.RecordLedgerCancel(q.name)
	notify(subs, snap)
	return true
}

// Edit pauses the countdown of a pending entry.
func (q *Queue[P]) Edit(id string) bool {
	return q.transition(id, StatusPending, func(e *Entry[P]) {
		e.Status = StatusEditing
	})
}

// SubmitEdit replaces the payload of an editing entry and returns it to
// pending with a full countdown, so the user gets a fresh window to cancel.
func (q *Queue[P]) SubmitEdit(id string, payload P) bool {
	return q.transition(id, StatusEditing, func(e *Entry[P]) {
		e.Payload = payload
		e.Countdown = q.initial
		e.Status = StatusPending
	})
}

// AbortEdit returns an editing entry to pending with its remaining
// countdown.
func (q *Queue[P]) AbortEdit(id string) bool {
	return q.transition(id, StatusEditing, func(e *Entry[P]) {
		e.Status = StatusPending
	})
}

// Entries returns a snapshot in insertion order.
func (q *Queue[P]) Entries() []Entry[P] {
	q.mu.Lock()
	defer q.mu.Unlock()
	snap, _ := q.snapshotLocked()
	return snap
}

// Get returns a snapshot of one entry.
func (q *Queue[P]) Get(id string) (Entry[P], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e := q.findLocked(id); e != nil {
		return *e, true
	}
	return Entry[P]{}, false
}

// HasPending reports whether any entry is counting down.
func (q *Queue[P]) HasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.Status == StatusPending {
			return true
		}
	}
	return false
}

// Subscribe registers fn to receive a snapshot after every change.
func (q *Queue[P]) Subscribe(fn func([]Entry[P])) {
	q.mu.Lock()
	q.subs = append(q.subs, fn)
	q.mu.Unlock()
}

// Wait blocks until in-flight commits finish.
func (q *Queue[P]) Wait() {
	q.inflight.Wait()
}

// Close stops pending removal timers. Entries are kept; further grace
// removals are not scheduled.
func (q *Queue[P]) Close() {
	q.mu.Lock()
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()
}

// =============================================================================
// Internal Methods
// =============================================================================

// commit runs the committer for an entry already marked saving.
func (q *Queue[P]) commit(ctx context.Context, id string, manual bool) error {
	q.mu.Lock()
	e := q.findLocked(id)
	if e == nil || e.Status != StatusSaving {
		q.mu.Unlock()
		return nil
	}
	payload := e.Payload
	q.mu.Unlock()

	err := q.committer.Commit(ctx, payload)

	q.mu.Lock()
	e = q.findLocked(id)
	if e == nil {
		q.mu.Unlock()
		return err
	}
	if err != nil {
		e.Status = StatusPending
		e.Countdown = q.initial
		e.LastError = err.Error()
	} else {
		e.Status = StatusSaved
		e.LastError = ""
		q.scheduleRemovalLocked(id, q.savedGrace)
	}
	snap, subs := q.snapshotLocked()
	q.mu.Unlock()

	outcome := "saved"
	if err != nil {
		outcome = "failed"
	}
	metrics.RecordLedgerCommit(q.name, outcome, manual)
	notify(subs, snap)
	if err != nil {
		return fmt.Errorf("commit %s: %w", id, err)
	}
	q.logger.Debug("suggestion saved", "entry_id", id, "manual", manual)
	return nil
}

func (q *Queue[P]) transition(id string, from Status, apply func(*Entry[P])) bool {
	q.mu.Lock()
	e := q.findLocked(id)
	if e == nil || e.Status != from {
		q.mu.Unlock()
		return false
	}
	apply(e)
	snap, subs := q.snapshotLocked()
	q.mu.Unlock()
	notify(subs, snap)
	return true
}

func (q *Queue[P]) scheduleRemovalLocked(id string, grace time.Duration) {
	if q.closed {
		return
	}
	if grace <= 0 {
		q.removeLocked(id)
		return
	}
	q.timers[id] = time.AfterFunc(grace, func() {
		q.mu.Lock()
		delete(q.timers, id)
		q.removeLocked(id)
		snap, subs := q.snapshotLocked()
		q.mu.Unlock()
		notify(subs, snap)
	})
}

func (q *Queue[P]) removeLocked(id string) {
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

func (q *Queue[P]) findLocked(id string) *Entry[P] {
	for _, e := range q.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (q *Queue[P]) snapshotLocked() ([]Entry[P], []func([]Entry[P])) {
	snap := make([]Entry[P], len(q.entries))
	for i, e := range q.entries {
		snap[i] = *e
	}
	subs := slices.Clone(q.subs)
	return snap, subs
}

func notify[P any](subs []func([]Entry[P]), snap []Entry[P]) {
	for _, fn := range subs {
		fn(snap)
	}
}
