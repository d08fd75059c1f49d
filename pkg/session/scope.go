// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/readersync/pkg/annotate"
	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/AleutianAI/readersync/pkg/conversation"
	"github.com/AleutianAI/readersync/pkg/jobs"
	"github.com/AleutianAI/readersync/pkg/ledger"
	"github.com/AleutianAI/readersync/pkg/logging"
	"github.com/AleutianAI/readersync/pkg/stream"
	"github.com/AleutianAI/readersync/pkg/vocab"
)

// ErrNoProject is returned by term operations on a scope without a
// project.
var ErrNoProject = errors.New("scope has no project vocabulary")

// Scope owns the state of one document or project.
//
// # Description
//
// Job runs started through a Scope are bound to its lifetime: Close
// cancels them, stops the suggestion ticker and drops every pending timer.
// User-initiated operations that fail set the scope's error flag, which
// stays set until ClearErr.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Scope struct {
	manager   *Manager
	scope     api.Scope
	thread    api.Thread
	projectID string
	logger    *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	store       *conversation.Store
	chat        *jobs.Controller[conversation.SendRequest]
	translation *jobs.TranslationJob
	analysis    *jobs.Controller[jobs.AnalysisRequest]

	vocab   *vocab.Set
	terms   *ledger.Queue[ledger.TermSuggestion]
	profile *ledger.Queue[api.ProfileUpdate]
	ticker  *ledger.Ticker

	annot *annotator

	mu       sync.Mutex
	err      error
	closed   bool
	view     View
	viewSeq  uint64
	viewSubs []func(View)
	unsubs   []func()

	closeOnce sync.Once
}

var _ jobs.SuggestionSink = (*Scope)(nil)

func newScope(m *Manager, scope api.Scope, thread api.Thread) *Scope {
	cfg := m.cfg
	logger := cfg.Logger.With("scope", scope.Key())

	// The scope outlives the Open call that created it.
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scope{
		manager: m,
		scope:   scope,
		thread:  thread,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		vocab:   vocab.NewSet(),
	}
	s.projectID = cfg.ProjectID
	if s.projectID == "" && scope.Type == api.ScopeProject {
		s.projectID = scope.ID
	}

	opts := jobs.Options{Logger: logger, Sink: s}
	s.store = conversation.NewStore(cfg.API, thread.ID, logger)
	s.chat = jobs.NewChatController(s.store, cfg.Source, opts)
	s.translation = jobs.NewTranslationJob(cfg.API, cfg.Source, cfg.Poll, opts)
	s.analysis = jobs.NewAnalysisController(cfg.API, cfg.Source, opts)

	var targets []ledger.Tickable
	if s.projectID != "" {
		s.terms = ledger.NewQueue[ledger.TermSuggestion](ledger.Config{
			Name:        "terms",
			Countdown:   cfg.Ledger.TermCountdown,
			SavedGrace:  cfg.Ledger.SavedGrace,
			CancelGrace: cfg.Ledger.CancelGrace,
			Logger:      logger,
		}, ledger.NewTermCommitter(cfg.API, s.projectID, s.vocab))
		targets = append(targets, s.terms)
	}
	s.profile = ledger.NewQueue[api.ProfileUpdate](ledger.Config{
		Name:        "profile",
		Countdown:   cfg.Ledger.ProfileCountdown,
		SavedGrace:  cfg.Ledger.SavedGrace,
		CancelGrace: cfg.Ledger.CancelGrace,
		Logger:      logger,
	}, ledger.NewProfileCommitter(cfg.API))
	targets = append(targets, s.profile)
	s.ticker = ledger.NewTicker(cfg.Ledger.TickInterval, logger, targets...)

	s.annot = newAnnotator(annotate.NewEngine(cfg.Annotate, logger), s.vocab)
	s.watch()
	return s
}

// bootstrap loads the visible branch and the vocabulary in parallel, then
// starts the suggestion ticker. A vocabulary failure only leaves the
// known-phrase set empty.
func (s *Scope) bootstrap(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.store.LoadBranch(gctx, ""); err != nil {
			return fmt.Errorf("load branch: %w", err)
		}
		return nil
	})
	if s.projectID != "" {
		g.Go(func() error {
			if err := vocab.Load(gctx, s.manager.cfg.API, s.projectID, s.vocab); err != nil {
				s.logger.Warn("vocabulary load failed", "project_id", s.projectID, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := s.ticker.Start(s.ctx); err != nil {
		return err
	}
	s.refresh()
	return nil
}

// watch re-runs annotation whenever visible content or the vocabulary
// changes.
func (s *Scope) watch() {
	s.store.Subscribe(func([]conversation.Message) { s.refresh() })
	s.unsubs = append(s.unsubs,
		s.vocab.Subscribe(func(uint64) { s.refresh() }),
		s.watchJob(s.translation.Subscribe),
		s.watchJob(s.analysis.Subscribe),
	)
}

func (s *Scope) watchJob(subscribe func(func(jobs.JobState)) func()) func() {
	var mu sync.Mutex
	var last string
	return subscribe(func(st jobs.JobState) {
		mu.Lock()
		changed := st.Content != last
		last = st.Content
		mu.Unlock()
		if changed {
			s.refresh()
		}
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Key returns the scope key.
func (s *Scope) Key() string { return s.scope.Key() }

// Thread returns the thread the scope is attached to.
func (s *Scope) Thread() api.Thread { return s.thread }

// ProjectID returns the project owning the vocabulary, or "".
func (s *Scope) ProjectID() string { return s.projectID }

func (s *Scope) Conversation() *conversation.Store { return s.store }

func (s *Scope) Chat() *jobs.Controller[conversation.SendRequest] { return s.chat }

func (s *Scope) Translation() *jobs.TranslationJob { return s.translation }

func (s *Scope) Analysis() *jobs.Controller[jobs.AnalysisRequest] { return s.analysis }

func (s *Scope) Vocabulary() *vocab.Set { return s.vocab }

// Terms returns the term suggestion queue, or nil without a project.
func (s *Scope) Terms() *ledger.Queue[ledger.TermSuggestion] { return s.terms }

func (s *Scope) Profile() *ledger.Queue[api.ProfileUpdate] { return s.profile }

// Ticking reports whether the suggestion ticker runs.
func (s *Scope) Ticking() bool { return s.ticker.Running() }

// =============================================================================
// Suggestion sink
// =============================================================================

// SuggestTerms enqueues streamed term suggestions.
func (s *Scope) SuggestTerms(items []stream.TermSuggestion) {
	if s.terms == nil {
		s.logger.Debug("term suggestions ignored", "count", len(items))
		return
	}
	for _, item := range items {
		t := ledger.TermSuggestionFromEvent(item)
		if t.Phrase == "" {
			continue
		}
		s.terms.Add(t)
	}
}

// SuggestProfile enqueues streamed profile updates.
func (s *Scope) SuggestProfile(items []map[string]any) {
	for _, item := range items {
		if len(item) == 0 {
			continue
		}
		s.profile.Add(api.ProfileUpdate(item))
	}
}

// =============================================================================
// User operations
// =============================================================================

// Send posts a user message and streams the assistant reply.
func (s *Scope) Send(req conversation.SendRequest) error {
	return s.track(s.chat.Start(s.ctx, req))
}

// SwitchBranch shows the previous or next sibling of a message.
func (s *Scope) SwitchBranch(ctx context.Context, messageID string, dir conversation.Direction) error {
	return s.track(s.store.SwitchBranch(ctx, messageID, dir))
}

// LoadBranch shows the branch ending at leafID, or the server's default
// branch when leafID is empty.
func (s *Scope) LoadBranch(ctx context.Context, leafID string) error {
	return s.track(s.store.LoadBranch(ctx, leafID))
}

func (s *Scope) EditMessage(ctx context.Context, messageID, content string) error {
	return s.track(s.store.EditMessage(ctx, messageID, content))
}

func (s *Scope) DeleteMessage(ctx context.Context, messageID string) error {
	return s.track(s.store.DeleteMessage(ctx, messageID))
}

// Translate starts a translation run.
func (s *Scope) Translate(req jobs.TranslationRequest) error {
	return s.track(s.translation.Start(s.ctx, req))
}

// RetryGroup retries one failed translation group.
func (s *Scope) RetryGroup(ctx context.Context, groupID string) error {
	return s.track(s.translation.RetryGroup(ctx, groupID))
}

// Analyze starts an analysis run.
func (s *Scope) Analyze(req jobs.AnalysisRequest) error {
	return s.track(s.analysis.Start(s.ctx, req))
}

// Reparse re-parses a document and waits for it to settle.
func (s *Scope) Reparse(ctx context.Context, paperID string) (api.Paper, error) {
	p, err := jobs.Reparse(ctx, s.manager.cfg.API, paperID, s.manager.cfg.Poll, s.logger)
	return p, s.track(err)
}

// ConfirmTerm commits a term suggestion now.
func (s *Scope) ConfirmTerm(ctx context.Context, id string) error {
	if s.terms == nil {
		return s.track(ErrNoProject)
	}
	return s.track(s.terms.Confirm(ctx, id))
}

// ConfirmProfile commits a profile suggestion now.
func (s *Scope) ConfirmProfile(ctx context.Context, id string) error {
	return s.track(s.profile.Confirm(ctx, id))
}

// Err returns the most recent failure of a user operation.
func (s *Scope) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ClearErr clears the error flag.
func (s *Scope) ClearErr() {
	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()
	s.store.ClearErr()
}

func (s *Scope) track(err error) error {
	if err == nil || errors.Is(err, jobs.ErrSuperseded) {
		return err
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.logger.Debug("operation failed", "error", err)
	return err
}

// Close tears the scope down. Safe to call multiple times.
func (s *Scope) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		unsubs := s.unsubs
		s.unsubs = nil
		s.viewSubs = nil
		s.mu.Unlock()

		s.ticker.Stop()
		s.cancel()
		s.chat.Close()
		s.translation.Close()
		s.analysis.Close()
		if s.terms != nil {
			s.terms.Close()
		}
		s.profile.Close()
		for _, fn := range unsubs {
			fn()
		}
		s.manager.forget(s.scope.Key(), s)
		s.logger.Info("scope closed")
	})
}
