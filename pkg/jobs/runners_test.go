// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package jobs

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/readersync/internal/backendtest"
	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/AleutianAI/readersync/pkg/conversation"
	"github.com/AleutianAI/readersync/pkg/stream"
)

var fastPoll = PollConfig{Interval: 5 * time.Millisecond, MaxAttempts: 3}

// =============================================================================
// Chat
// =============================================================================

func newChat(t *testing.T, src func(*api.Client) stream.Source) (*backendtest.Backend, *conversation.Store, *Controller[conversation.SendRequest]) {
	t.Helper()
	b, client, _ := backendtest.Start(t)
	th := b.AddThread(api.Scope{Type: api.ScopePaper, ID: uuid.NewString()}, "")
	store := conversation.NewStore(client, th.ID, nil)
	c := NewChatController(store, src(client), Options{})
	t.Cleanup(c.Close)
	return b, store, c
}

func sse(client *api.Client) stream.Source { return stream.NewSSESource(client, nil) }

func ws(client *api.Client) stream.Source {
	return stream.NewWebSocketSource(client, websocket.DefaultDialer)
}

func TestChat_ReplyIsReconciled(t *testing.T) {
	for name, src := range map[string]func(*api.Client) stream.Source{"sse": sse, "websocket": ws} {
		t.Run(name, func(t *testing.T) {
			_, store, c := newChat(t, src)

			var sawPartial bool
			store.Subscribe(func(msgs []conversation.Message) {
				if n := len(msgs); n > 0 && msgs[n-1].Temporary && msgs[n-1].Content == "echo: " {
					sawPartial = true
				}
			})

			require.NoError(t, c.Start(context.Background(), conversation.SendRequest{Content: "hello"}))
			c.Wait()

			st := c.Snapshot()
			require.Equal(t, StatusSucceeded, st.Status, st.Error)
			assert.Equal(t, "echo: hello", st.Content)
			assert.True(t, sawPartial, "tokens stream into the pending reply")

			msgs := store.Messages()
			require.Len(t, msgs, 2)
			assert.Equal(t, "hello", msgs[0].Content)
			assert.Equal(t, "echo: hello", msgs[1].Content)
			assert.False(t, msgs[1].Temporary, "reply carries its server id after reload")
			assert.Equal(t, msgs[0].ID, msgs[1].ParentID)
		})
	}
}

func TestChat_ErrorDropsPendingReply(t *testing.T) {
	b, store, c := newChat(t, sse)
	b.QueueChatScript(store.ThreadID(), backendtest.ChatScript{Events: []stream.Event{
		stream.TokenEvent{Content: "par"},
		stream.ErrorEvent{Message: "model overloaded"},
	}})

	require.NoError(t, c.Start(context.Background(), conversation.SendRequest{Content: "hello"}))
	c.Wait()

	st := c.Snapshot()
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, "model overloaded", st.Error)

	msgs := store.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.False(t, msgs[0].Temporary)
}

func TestChat_ClosedChannelFails(t *testing.T) {
	b, store, c := newChat(t, sse)
	b.QueueChatScript(store.ThreadID(), backendtest.ChatScript{
		Events:   []stream.Event{stream.TokenEvent{Content: "partial"}},
		OmitDone: true,
	})

	require.NoError(t, c.Start(context.Background(), conversation.SendRequest{Content: "hello"}))
	c.Wait()

	st := c.Snapshot()
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, MsgStreamClosed, st.Error)
}

func TestChat_SendFailureRollsBack(t *testing.T) {
	b, store, c := newChat(t, sse)
	b.FailNext("CreateMessage", http.StatusBadRequest, "Content too long", 1)

	err := c.Start(context.Background(), conversation.SendRequest{Content: "hello"})
	require.Error(t, err)

	st := c.Snapshot()
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, "Content too long", st.Error)
	assert.Empty(t, store.Messages())
	assert.Zero(t, b.Calls("ChatStream"))
}

func TestChat_NewStartReplacesActiveTurn(t *testing.T) {
	b, store, c := newChat(t, sse)
	hold := make(chan struct{})
	t.Cleanup(func() { close(hold) })
	b.QueueChatScript(store.ThreadID(), backendtest.ChatScript{
		Events: []stream.Event{stream.TokenEvent{Content: "never shown"}},
		Hold:   hold,
	})

	require.NoError(t, c.Start(context.Background(), conversation.SendRequest{Content: "first"}))
	require.Eventually(t, func() bool { return b.Calls("ChatStream") == 1 }, 2*time.Second, 5*time.Millisecond)
	leaf, ok := store.Leaf()
	require.True(t, ok)
	require.True(t, leaf.Temporary, "first reply is pending")

	require.NoError(t, c.Start(context.Background(), conversation.SendRequest{Content: "second"}))
	c.Wait()

	st := c.Snapshot()
	require.Equal(t, StatusSucceeded, st.Status, st.Error)
	assert.Equal(t, "echo: second", st.Content)

	msgs := store.Messages()
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.False(t, m.Temporary, "no pending message survives: %s", m.ID)
	}
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, msgs[0].ID, msgs[1].ParentID)
	assert.Equal(t, "echo: second", msgs[2].Content)
}

func TestChat_SequentialTurnsFormOneChain(t *testing.T) {
	_, store, c := newChat(t, sse)

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, c.Start(context.Background(), conversation.SendRequest{Content: text}))
		c.Wait()
		st := c.Snapshot()
		require.Equal(t, StatusSucceeded, st.Status, st.Error)
		assert.Equal(t, "echo: "+text, st.Content)
	}

	msgs := store.Messages()
	require.Len(t, msgs, 6)
	assert.Empty(t, msgs[0].ParentID)
	for i := 1; i < len(msgs); i++ {
		assert.Equal(t, msgs[i-1].ID, msgs[i].ParentID, "message %d continues the chain", i)
		assert.False(t, msgs[i].Temporary)
	}
	assert.Equal(t, "echo: three", msgs[5].Content)
}

func TestChat_MissingPersistedReplyKeepsStreamedContent(t *testing.T) {
	b, store, c := newChat(t, sse)
	b.QueueChatScript(store.ThreadID(), backendtest.ChatScript{
		Events:      []stream.Event{stream.TokenEvent{Content: "streamed reply"}},
		SkipPersist: true,
	})

	require.NoError(t, c.Start(context.Background(), conversation.SendRequest{Content: "hello"}))
	c.Wait()

	st := c.Snapshot()
	assert.Equal(t, StatusSucceeded, st.Status)
	assert.Equal(t, "streamed reply", st.Content)
}

// =============================================================================
// Translation
// =============================================================================

func newTranslation(t *testing.T, plan backendtest.TranslationPlan) (*backendtest.Backend, *TranslationJob, string) {
	t.Helper()
	b, client, _ := backendtest.Start(t)
	b.SetTranslationPlan(plan)
	job := NewTranslationJob(client, sse(client), fastPoll, Options{})
	t.Cleanup(job.Close)
	return b, job, b.AddPaper("Attention Is All You Need")
}

func startTranslation(t *testing.T, job *TranslationJob, paperID string) JobState {
	t.Helper()
	require.NoError(t, job.Start(context.Background(), TranslationRequest{PaperID: paperID, TargetLanguage: "zh"}))
	job.Wait()
	return job.Snapshot()
}

func TestTranslation_FinalContentIsAuthoritative(t *testing.T) {
	b, job, paperID := newTranslation(t, backendtest.TranslationPlan{FinalContent: "authoritative text"})
	b.QueueTranslationScript(paperID,
		stream.StatusEvent{Status: stream.StatusRunning},
		stream.ProgressEvent{Step: "translating", Current: 1, Total: 10},
		stream.SnapshotEvent{Content: "partial text"},
		stream.StatusEvent{Status: stream.StatusSucceeded},
	)

	var sawPartial bool
	job.Subscribe(func(s JobState) { sawPartial = sawPartial || s.Content == "partial text" })

	st := startTranslation(t, job, paperID)
	assert.Equal(t, StatusSucceeded, st.Status)
	assert.Equal(t, "authoritative text", st.Content)
	assert.Equal(t, 1, st.Progress.Current)
	assert.Equal(t, 10, st.Progress.Total)
	assert.True(t, sawPartial)
}

func TestTranslation_FullRun(t *testing.T) {
	_, job, paperID := newTranslation(t, backendtest.TranslationPlan{
		Domain: "machine learning",
		Terms:  []stream.TermSuggestion{{Term: "self-attention", Translation: "自注意力"}},
	})
	sink := &recordingSink{}
	job.sink = sink

	st := startTranslation(t, job, paperID)
	assert.Equal(t, StatusSucceeded, st.Status)
	assert.Equal(t, "machine learning", st.Domain)
	assert.Contains(t, st.Content, "我们使用自注意力。")
	assert.Empty(t, st.Failures)
	assert.Len(t, sink.terms, 1)
}

func TestTranslation_RetryGroupSucceeds(t *testing.T) {
	b, job, paperID := newTranslation(t, backendtest.TranslationPlan{Groups: []backendtest.GroupPlan{
		{Title: "Intro", Source: "hello", Translated: "你好"},
		{Title: "Method", Source: "world", Translated: "世界", Fail: "timeout", RetrySettleAfter: 1},
	}})

	st := startTranslation(t, job, paperID)
	require.Equal(t, StatusSucceeded, st.Status)
	require.Len(t, st.Failures, 1)
	failed := st.Failures[0]
	assert.Equal(t, "Method", failed.SectionTitle)
	assert.Equal(t, "timeout", failed.Error)
	assert.NotContains(t, st.Content, "世界")

	var sawRetrying bool
	job.Subscribe(func(s JobState) {
		if f, ok := s.Failure(failed.GroupID); ok && f.Retrying {
			sawRetrying = true
		}
	})

	require.NoError(t, job.RetryGroup(context.Background(), failed.GroupID))
	st = job.Snapshot()
	assert.Empty(t, st.Failures)
	assert.Contains(t, st.Content, "世界")
	assert.True(t, sawRetrying)
	assert.Equal(t, 1, b.Calls("RetryTranslationGroup"))
}

func TestTranslation_RetryGroupExhaustion(t *testing.T) {
	b, job, paperID := newTranslation(t, backendtest.TranslationPlan{Groups: []backendtest.GroupPlan{
		{Title: "Method", Source: "world", Translated: "世界", Fail: "timeout", RetryOutcome: backendtest.RetryHangs},
	}})
	st := startTranslation(t, job, paperID)
	require.Len(t, st.Failures, 1)
	groupID := st.Failures[0].GroupID
	listsBefore := b.Calls("ListTranslationGroups")

	done := make(chan error, 1)
	go func() { done <- job.RetryGroup(context.Background(), groupID) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRetryNotConfirmed)
	case <-time.After(5 * time.Second):
		t.Fatal("RetryGroup did not return")
	}

	f, ok := job.Snapshot().Failure(groupID)
	require.True(t, ok, "the group stays on the failure list")
	assert.False(t, f.Retrying)
	assert.Equal(t, fastPoll.MaxAttempts, b.Calls("ListTranslationGroups")-listsBefore)
}

func TestTranslation_RetryGroupFailsAgain(t *testing.T) {
	_, job, paperID := newTranslation(t, backendtest.TranslationPlan{Groups: []backendtest.GroupPlan{
		{Title: "Method", Source: "world", Fail: "timeout", RetryOutcome: backendtest.RetryFails},
	}})
	st := startTranslation(t, job, paperID)
	groupID := st.Failures[0].GroupID

	err := job.RetryGroup(context.Background(), groupID)
	assert.ErrorIs(t, err, ErrRetryNotConfirmed)

	f, ok := job.Snapshot().Failure(groupID)
	require.True(t, ok)
	assert.False(t, f.Retrying)
	assert.Equal(t, "retry failed", f.Error)
	assert.Equal(t, 2, f.Attempts)
}

func TestTranslation_RetryGroupRejected(t *testing.T) {
	b, job, paperID := newTranslation(t, backendtest.TranslationPlan{Groups: []backendtest.GroupPlan{
		{Title: "Method", Source: "world", Fail: "timeout"},
	}})
	st := startTranslation(t, job, paperID)
	groupID := st.Failures[0].GroupID
	ctx := context.Background()

	assert.ErrorIs(t, job.RetryGroup(ctx, uuid.NewString()), ErrNoSuchFailure)

	b.FailNext("RetryTranslationGroup", http.StatusConflict, "Translation group is running", 1)
	err := job.RetryGroup(ctx, groupID)
	require.Error(t, err)
	assert.True(t, api.IsConflict(err))
	f, _ := job.Snapshot().Failure(groupID)
	assert.False(t, f.Retrying)
}

func TestTranslation_StartErrorFails(t *testing.T) {
	b, job, paperID := newTranslation(t, backendtest.TranslationPlan{})
	b.FailNext("StartTranslation", http.StatusServiceUnavailable, "Translator busy", 1)

	err := job.Start(context.Background(), TranslationRequest{PaperID: paperID, TargetLanguage: "zh"})
	require.Error(t, err)
	st := job.Snapshot()
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, "Translator busy", st.Error)
}

// =============================================================================
// Analysis
// =============================================================================

func TestAnalysis_ResultsReplaceStreamedSummaries(t *testing.T) {
	b, client, _ := backendtest.Start(t)
	paperID := b.AddPaper("Attention")
	b.SetAnalysisPlan(backendtest.AnalysisPlan{Summaries: map[string]string{
		"novelty": "Introduces the transformer architecture.",
	}})
	c := NewAnalysisController(client, sse(client), Options{})
	t.Cleanup(c.Close)

	var streamed []string
	c.Subscribe(func(s JobState) {
		for _, d := range s.Dimensions {
			if d.Name == "novelty" {
				streamed = append(streamed, d.Summary)
			}
		}
	})

	require.NoError(t, c.Start(context.Background(), AnalysisRequest{PaperID: paperID, Dimensions: []string{"novelty", "results"}}))
	c.Wait()

	st := c.Snapshot()
	require.Equal(t, StatusSucceeded, st.Status, st.Error)
	require.Len(t, st.Dimensions, 2)
	assert.Equal(t, "Introduces the transformer architecture.", st.Dimensions[0].Summary)
	assert.Equal(t, "Summary of results.", st.Dimensions[1].Summary)
	assert.True(t, st.Dimensions[0].Done)
	assert.Contains(t, st.Content, "## novelty")
	assert.Contains(t, streamed, "Introduc", "partial summaries stream first")
}

func TestAnalysis_FailedStatus(t *testing.T) {
	b, client, _ := backendtest.Start(t)
	paperID := b.AddPaper("Attention")
	b.SetAnalysisPlan(backendtest.AnalysisPlan{Fail: "No parsed content"})
	c := NewAnalysisController(client, sse(client), Options{})
	t.Cleanup(c.Close)

	require.NoError(t, c.Start(context.Background(), AnalysisRequest{PaperID: paperID}))
	c.Wait()

	st := c.Snapshot()
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, "No parsed content", st.Error)
}

func TestRenderDimensions(t *testing.T) {
	got := RenderDimensions([]Dimension{
		{Name: "novelty", Title: "Novelty", Summary: " New idea. "},
		{Name: "results", Summary: "Strong."},
	})
	assert.Equal(t, "## Novelty\n\nNew idea.\n\n## results\n\nStrong.\n", got)
}

// =============================================================================
// Reparse
// =============================================================================

func TestReparse(t *testing.T) {
	b, client, _ := backendtest.Start(t)
	ctx := context.Background()

	t.Run("settles ready", func(t *testing.T) {
		paperID := b.AddPaper("Ready")
		b.SetReparseOutcome(paperID, 1, api.PaperReady)
		p, err := Reparse(ctx, client, paperID, fastPoll, nil)
		require.NoError(t, err)
		assert.Equal(t, api.PaperReady, p.Status)
	})

	t.Run("settles failed", func(t *testing.T) {
		paperID := b.AddPaper("Broken")
		b.SetReparseOutcome(paperID, 0, api.PaperFailed)
		_, err := Reparse(ctx, client, paperID, fastPoll, nil)
		assert.ErrorIs(t, err, ErrReparseFailed)
	})

	t.Run("exhausts", func(t *testing.T) {
		paperID := b.AddPaper("Slow")
		b.SetReparseOutcome(paperID, 10, api.PaperReady)
		before := b.Calls("GetPaper")
		p, err := Reparse(ctx, client, paperID, fastPoll, nil)
		assert.ErrorIs(t, err, ErrReparseTimeout)
		assert.Equal(t, api.PaperParsing, p.Status)
		assert.Equal(t, fastPoll.MaxAttempts, b.Calls("GetPaper")-before)
	})

	t.Run("unknown paper", func(t *testing.T) {
		_, err := Reparse(ctx, client, uuid.NewString(), fastPoll, nil)
		assert.True(t, api.IsNotFound(err))
	})
}
