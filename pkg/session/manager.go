// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session composes the per-scope state containers.
//
// A Scope is everything the client keeps for one document or project: the
// conversation store, one job controller per kind, the two suggestion
// queues with their ticker, the known-phrase set and the annotated view of
// all visible content. Scopes are created by a Manager, which makes sure
// concurrent opens of the same scope share one thread and one Scope.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/readersync/internal/metrics"
	"github.com/AleutianAI/readersync/pkg/annotate"
	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/AleutianAI/readersync/pkg/jobs"
	"github.com/AleutianAI/readersync/pkg/ledger"
	"github.com/AleutianAI/readersync/pkg/logging"
	"github.com/AleutianAI/readersync/pkg/stream"
	"github.com/AleutianAI/readersync/pkg/validation"
)

// LedgerConfig tunes the suggestion queues. Zero values use the ledger
// defaults.
type LedgerConfig struct {
	TermCountdown    int
	ProfileCountdown int
	SavedGrace       time.Duration
	CancelGrace      time.Duration
	TickInterval     time.Duration
}

func (c LedgerConfig) withDefaults() LedgerConfig {
	if c.TermCountdown <= 0 {
		c.TermCountdown = ledger.DefaultTermCountdown
	}
	if c.ProfileCountdown <= 0 {
		c.ProfileCountdown = ledger.DefaultProfileCountdown
	}
	if c.SavedGrace <= 0 {
		c.SavedGrace = ledger.DefaultSavedGrace
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = ledger.DefaultCancelGrace
	}
	if c.TickInterval <= 0 {
		c.TickInterval = ledger.DefaultTickInterval
	}
	return c
}

// Config holds the dependencies shared by every Scope.
type Config struct {
	API    api.Service
	Source stream.Source

	// ProjectID owns the vocabulary. Project scopes default to their own
	// id; without a project, term suggestions are ignored.
	ProjectID string

	Poll     jobs.PollConfig
	Ledger   LedgerConfig
	Annotate annotate.Options
	Logger   *logging.Logger
}

// Manager opens and tracks scopes.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *logging.Logger
	group  singleflight.Group

	mu     sync.Mutex
	scopes map[string]*Scope
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("session: API is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("session: Source is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	cfg.Ledger = cfg.Ledger.withDefaults()
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "session"),
		scopes: make(map[string]*Scope),
	}, nil
}

// Open returns the Scope for scope, creating it on first use.
//
// # Description
//
// Concurrent opens of the same scope are collapsed into one: the thread is
// resolved (or ensured) once, and every caller receives the same Scope.
// A new Scope loads the current branch and the vocabulary in parallel
// before it is returned.
//
// # Inputs
//
//   - ctx: bounds thread resolution and the initial loads. The Scope itself
//     lives until Close.
//   - scope: the owning document or project.
//   - title: used only when a thread has to be created.
func (m *Manager) Open(ctx context.Context, scope api.Scope, title string) (*Scope, error) {
	if err := validation.Struct(scope); err != nil {
		return nil, fmt.Errorf("open scope: %w", err)
	}
	key := scope.Key()
	if s := m.lookup(key); s != nil {
		return s, nil
	}

	v, err, shared := m.group.Do(key, func() (any, error) {
		if s := m.lookup(key); s != nil {
			return s, nil
		}
		s, err := m.open(ctx, scope, title)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.scopes[key] = s
		m.mu.Unlock()
		return s, nil
	})
	metrics.RecordThreadEnsure(shared)
	if err != nil {
		return nil, err
	}
	return v.(*Scope), nil
}

// Scopes returns the open scopes.
func (m *Manager) Scopes() []*Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Scope, 0, len(m.scopes))
	for _, s := range m.scopes {
		out = append(out, s)
	}
	return out
}

// Close closes every open scope.
func (m *Manager) Close() {
	for _, s := range m.Scopes() {
		s.Close()
	}
}

func (m *Manager) lookup(key string) *Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scopes[key]
}

func (m *Manager) forget(key string, s *Scope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scopes[key] == s {
		delete(m.scopes, key)
	}
}

func (m *Manager) open(ctx context.Context, scope api.Scope, title string) (*Scope, error) {
	thread, err := resolveThread(ctx, m.cfg.API, scope, title)
	if err != nil {
		return nil, fmt.Errorf("open scope %s: %w", scope.Key(), err)
	}
	s := newScope(m, scope, thread)
	if err := s.bootstrap(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("open scope %s: %w", scope.Key(), err)
	}
	m.logger.Info("scope opened", "scope", scope.Key(), "thread_id", thread.ID)
	return s, nil
}

// resolveThread returns the scope's current thread, ensuring one exists.
func resolveThread(ctx context.Context, threads api.ThreadAPI, scope api.Scope, title string) (api.Thread, error) {
	list, err := threads.ListThreads(ctx, scope)
	if err != nil {
		return api.Thread{}, err
	}
	if len(list) > 0 {
		return list[0], nil
	}
	return threads.EnsureThread(ctx, scope, title)
}
