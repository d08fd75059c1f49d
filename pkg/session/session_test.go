// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/readersync/internal/backendtest"
	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/AleutianAI/readersync/pkg/conversation"
	"github.com/AleutianAI/readersync/pkg/jobs"
	"github.com/AleutianAI/readersync/pkg/ledger"
	"github.com/AleutianAI/readersync/pkg/stream"
)

func newManager(t *testing.T, tune func(*Config)) (*backendtest.Backend, *Manager) {
	t.Helper()
	b, client, _ := backendtest.Start(t)
	cfg := Config{
		API:    client,
		Source: stream.NewSSESource(client, nil),
		Poll:   jobs.PollConfig{Interval: 5 * time.Millisecond, MaxAttempts: 3},
		// Tests that need auto-commit shorten this.
		Ledger: LedgerConfig{TickInterval: time.Hour},
	}
	if tune != nil {
		tune(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return b, m
}

func paperScope() api.Scope {
	return api.Scope{Type: api.ScopePaper, ID: uuid.NewString()}
}

func projectScope() api.Scope {
	return api.Scope{Type: api.ScopeProject, ID: uuid.NewString()}
}

// =============================================================================
// Manager
// =============================================================================

func TestNewManager_RequiresDependencies(t *testing.T) {
	_, err := NewManager(Config{})
	assert.Error(t, err)
}

func TestManager_ConcurrentOpenSharesScope(t *testing.T) {
	b, m := newManager(t, nil)
	scope := paperScope()

	const n = 8
	got := make([]*Scope, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Open(context.Background(), scope, "Paper chat")
			assert.NoError(t, err)
			got[i] = s
		}()
	}
	wg.Wait()

	require.NotNil(t, got[0])
	for _, s := range got {
		assert.Same(t, got[0], s)
	}
	assert.Equal(t, 1, b.Calls("EnsureThread"))
	assert.Equal(t, 1, b.ThreadCount())
	assert.Len(t, m.Scopes(), 1)
}

func TestManager_OpenUsesExistingThread(t *testing.T) {
	b, m := newManager(t, nil)
	scope := paperScope()
	th := b.AddThread(scope, "existing")

	s, err := m.Open(context.Background(), scope, "")
	require.NoError(t, err)
	assert.Equal(t, th.ID, s.Thread().ID)
	assert.Zero(t, b.Calls("EnsureThread"))
}

func TestManager_OpenRejectsInvalidScope(t *testing.T) {
	b, m := newManager(t, nil)
	_, err := m.Open(context.Background(), api.Scope{Type: "book", ID: uuid.NewString()}, "")
	require.Error(t, err)
	assert.Zero(t, b.Calls("ListThreads"))
}

func TestManager_OpenFailsWhenBranchLoadFails(t *testing.T) {
	b, m := newManager(t, nil)
	b.FailNext("Branch", http.StatusInternalServerError, "boom", 1)

	_, err := m.Open(context.Background(), paperScope(), "")
	require.Error(t, err)
	assert.Empty(t, m.Scopes())
}

func TestManager_VocabularyFailureIsNotFatal(t *testing.T) {
	b, m := newManager(t, nil)
	b.FailNext("ListTerms", http.StatusInternalServerError, "boom", 1)

	s, err := m.Open(context.Background(), projectScope(), "")
	require.NoError(t, err)
	assert.Zero(t, s.Vocabulary().Len())
}

// =============================================================================
// Scope
// =============================================================================

func TestScope_BootstrapLoadsBranchAndVocabulary(t *testing.T) {
	b, m := newManager(t, nil)
	scope := projectScope()
	th := b.AddThread(scope, "")
	q := b.AddMessage(th.ID, "", api.RoleUser, "what is self-attention?")
	b.AddMessage(th.ID, q, api.RoleAssistant, "self attention relates positions.")
	b.AddTerm(scope.ID, "self-attention", "自注意力")
	b.AddTerm(scope.ID, "unconfirmed", "")

	s, err := m.Open(context.Background(), scope, "")
	require.NoError(t, err)

	assert.Equal(t, scope.ID, s.ProjectID())
	assert.Len(t, s.Conversation().Messages(), 2)
	assert.Equal(t, 1, s.Vocabulary().Len())
	assert.True(t, s.Ticking())

	v := s.View()
	require.Len(t, v.Messages, 2)
	assert.Equal(t, 2, v.Marks)
	assert.Len(t, v.Messages[1].Doc.Marks(), 1)
}

func TestScope_SendAnnotatesReply(t *testing.T) {
	b, m := newManager(t, nil)
	scope := projectScope()
	b.AddTerm(scope.ID, "attention", "注意力")

	s, err := m.Open(context.Background(), scope, "")
	require.NoError(t, err)

	var views []View
	var mu sync.Mutex
	s.OnView(func(v View) {
		mu.Lock()
		views = append(views, v)
		mu.Unlock()
	})

	require.NoError(t, s.Send(conversation.SendRequest{Content: "explain attention"}))
	s.Chat().Wait()
	require.Equal(t, jobs.StatusSucceeded, s.Chat().Snapshot().Status)

	v := s.View()
	require.Len(t, v.Messages, 2)
	assert.Equal(t, api.RoleAssistant, v.Messages[1].Role)
	assert.Contains(t, v.Messages[1].Doc.Text(), "echo: explain attention")
	assert.Equal(t, 2, v.Marks)

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, views)
}

func TestScope_TermSuggestionCommitUpdatesView(t *testing.T) {
	b, m := newManager(t, nil)
	scope := projectScope()
	paperID := b.AddPaper("Attention")
	b.SetTranslationPlan(backendtest.TranslationPlan{
		Groups: []backendtest.GroupPlan{{Title: "Intro", Source: "x", Translated: "the transformer model"}},
		Terms:  []stream.TermSuggestion{{Term: "transformer", Translation: "变换器"}},
	})

	s, err := m.Open(context.Background(), scope, "")
	require.NoError(t, err)

	require.NoError(t, s.Translate(jobs.TranslationRequest{PaperID: paperID, TargetLanguage: "zh"}))
	s.Translation().Wait()
	require.Equal(t, jobs.StatusSucceeded, s.Translation().Snapshot().Status)

	entries := s.Terms().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.StatusPending, entries[0].Status)
	assert.Equal(t, "transformer", entries[0].Payload.Phrase)
	assert.Empty(t, s.View().Translation.Marks())

	require.NoError(t, s.ConfirmTerm(context.Background(), entries[0].ID))

	assert.Equal(t, 1, s.Vocabulary().Len())
	marks := s.View().Translation.Marks()
	require.Len(t, marks, 1)
	assert.Equal(t, "transformer", marks[0].Text)
}

func TestScope_ProfileSuggestionAutoCommits(t *testing.T) {
	b, m := newManager(t, func(cfg *Config) {
		cfg.Ledger = LedgerConfig{
			TickInterval:     10 * time.Millisecond,
			ProfileCountdown: 1,
			SavedGrace:       10 * time.Millisecond,
		}
	})
	scope := paperScope()
	th := b.AddThread(scope, "")
	b.QueueChatScript(th.ID, backendtest.ChatScript{Events: []stream.Event{
		stream.TokenEvent{Content: "noted"},
		stream.ProfileSuggestionsEvent{Updates: []map[string]any{{"difficult_topic": "attention"}}},
	}})

	s, err := m.Open(context.Background(), scope, "")
	require.NoError(t, err)
	require.NoError(t, s.Send(conversation.SendRequest{Content: "I find attention hard"}))
	s.Chat().Wait()

	require.Eventually(t, func() bool {
		topics, _ := b.Profile()["difficult_topics"].([]any)
		return len(topics) == 1 && topics[0] == "attention"
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(s.Profile().Entries()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScope_TermsWithoutProject(t *testing.T) {
	_, m := newManager(t, nil)
	s, err := m.Open(context.Background(), paperScope(), "")
	require.NoError(t, err)

	assert.Nil(t, s.Terms())
	s.SuggestTerms([]stream.TermSuggestion{{Term: "ignored"}})
	assert.ErrorIs(t, s.ConfirmTerm(context.Background(), "x"), ErrNoProject)
}

func TestScope_FailedOperationSetsErr(t *testing.T) {
	b, m := newManager(t, nil)
	s, err := m.Open(context.Background(), paperScope(), "")
	require.NoError(t, err)
	b.FailNext("CreateMessage", http.StatusBadRequest, "Content too long", 1)

	err = s.Send(conversation.SendRequest{Content: "hello"})
	require.Error(t, err)
	assert.Equal(t, err, s.Err())
	assert.Equal(t, "Content too long", api.UserMessage(s.Err()))

	s.ClearErr()
	assert.NoError(t, s.Err())
	assert.NoError(t, s.Conversation().Err())
}

func TestScope_CloseStopsEverything(t *testing.T) {
	_, m := newManager(t, nil)
	scope := paperScope()
	s, err := m.Open(context.Background(), scope, "")
	require.NoError(t, err)
	require.True(t, s.Ticking())

	s.Close()
	s.Close()

	assert.False(t, s.Ticking())
	assert.ErrorIs(t, s.Send(conversation.SendRequest{Content: "late"}), jobs.ErrClosed)
	assert.Empty(t, m.Scopes())

	again, err := m.Open(context.Background(), scope, "")
	require.NoError(t, err)
	assert.NotSame(t, s, again)
	assert.Equal(t, s.Thread().ID, again.Thread().ID)
}
