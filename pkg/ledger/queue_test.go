// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingCommitter records payloads and fails while failures > 0.
type recordingCommitter struct {
	mu        sync.Mutex
	committed []string
	failures  int
}

func (r *recordingCommitter) Commit(_ context.Context, p string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("backend unavailable")
	}
	r.committed = append(r.committed, p)
	return nil
}

func (r *recordingCommitter) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.committed...)
}

func newTestQueue(countdown int, c Committer[string]) *Queue[string] {
	return NewQueue[string](Config{
		Name:        "test",
		Countdown:   countdown,
		SavedGrace:  time.Hour,
		CancelGrace: time.Hour,
	}, c)
}

func tickN(q *Queue[string], n int) {
	for i := 0; i < n; i++ {
		q.Tick(context.Background())
	}
	q.Wait()
}

func TestQueue_AutoCommitsOnceAfterCountdown(t *testing.T) {
	for _, countdown := range []int{DefaultTermCountdown, DefaultProfileCountdown} {
		c := &recordingCommitter{}
		q := newTestQueue(countdown, c)
		id := q.Add("attention")

		tickN(q, countdown-1)
		assert.Empty(t, c.calls())
		e, _ := q.Get(id)
		assert.Equal(t, 1, e.Countdown)
		assert.Equal(t, StatusPending, e.Status)

		tickN(q, 1)
		assert.Equal(t, []string{"attention"}, c.calls())

		tickN(q, 10)
		assert.Len(t, c.calls(), 1, "saved entries are never committed again")
		e, _ = q.Get(id)
		assert.Equal(t, StatusSaved, e.Status)
		assert.False(t, q.HasPending())
	}
}

func TestQueue_EntriesCountDownIndependently(t *testing.T) {
	c := &recordingCommitter{}
	q := newTestQueue(3, c)
	q.Add("first")
	tickN(q, 1)
	q.Add("second")
	tickN(q, 2)
	assert.Equal(t, []string{"first"}, c.calls())
	tickN(q, 1)
	assert.Equal(t, []string{"first", "second"}, c.calls())
}

func TestQueue_CancelPreventsCommit(t *testing.T) {
	c := &recordingCommitter{}
	q := NewQueue[string](Config{Countdown: 2, CancelGrace: 10 * time.Millisecond}, c)
	id := q.Add("noise")

	require.True(t, q.Cancel(id))
	assert.False(t, q.Cancel(id), "cancel is idempotent")
	tickN(q, 5)
	assert.Empty(t, c.calls())

	e, ok := q.Get(id)
	if ok {
		assert.Equal(t, StatusCancelled, e.Status)
	}
	require.Eventually(t, func() bool { return len(q.Entries()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestQueue_FailedCommitReturnsToPending(t *testing.T) {
	c := &recordingCommitter{failures: 1}
	q := newTestQueue(3, c)
	id := q.Add("softmax")

	tickN(q, 3)
	e, _ := q.Get(id)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, 3, e.Countdown, "countdown resets after failure")
	assert.Equal(t, "backend unavailable", e.LastError)
	assert.Empty(t, c.calls())

	tickN(q, 3)
	e, _ = q.Get(id)
	assert.Equal(t, StatusSaved, e.Status)
	assert.Empty(t, e.LastError)
	assert.Equal(t, []string{"softmax"}, c.calls())
}

func TestQueue_EditPausesAndSubmitResets(t *testing.T) {
	c := &recordingCommitter{}
	q := newTestQueue(5, c)
	id := q.Add("atention")

	tickN(q, 3)
	require.True(t, q.Edit(id))
	tickN(q, 10)
	e, _ := q.Get(id)
	assert.Equal(t, StatusEditing, e.Status)
	assert.Equal(t, 2, e.Countdown)
	assert.Empty(t, c.calls())

	require.True(t, q.SubmitEdit(id, "attention"))
	e, _ = q.Get(id)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, 5, e.Countdown, "submitting an edit restarts the window")

	tickN(q, 4)
	assert.Empty(t, c.calls())
	tickN(q, 1)
	assert.Equal(t, []string{"attention"}, c.calls())
}

func TestQueue_AbortEditKeepsCountdown(t *testing.T) {
	q := newTestQueue(5, &recordingCommitter{})
	id := q.Add("x")
	tickN(q, 2)
	require.True(t, q.Edit(id))
	assert.False(t, q.SubmitEdit("missing", "y"))
	require.True(t, q.AbortEdit(id))
	assert.False(t, q.AbortEdit(id))

	e, _ := q.Get(id)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, 3, e.Countdown)
	assert.Equal(t, "x", e.Payload)
}

func TestQueue_ConfirmIsManualAndIdempotent(t *testing.T) {
	c := &recordingCommitter{failures: 1}
	q := newTestQueue(5, c)
	id := q.Add("dropout")

	err := q.Confirm(context.Background(), id)
	require.Error(t, err)
	e, _ := q.Get(id)
	assert.Equal(t, StatusPending, e.Status)

	require.NoError(t, q.Confirm(context.Background(), id))
	require.NoError(t, q.Confirm(context.Background(), id), "confirming a saved entry is a no-op")
	assert.False(t, q.Cancel(id), "saved entries cannot be cancelled")
	assert.Equal(t, []string{"dropout"}, c.calls())

	assert.ErrorIs(t, q.Confirm(context.Background(), "missing"), ErrNotFound)
}

func TestQueue_SavedRemovedAfterGrace(t *testing.T) {
	q := NewQueue[string](Config{Countdown: 1, SavedGrace: 10 * time.Millisecond}, &recordingCommitter{})
	q.Add("x")
	tickN(q, 1)
	require.Eventually(t, func() bool { return len(q.Entries()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestQueue_CloseStopsRemoval(t *testing.T) {
	q := NewQueue[string](Config{Countdown: 1, SavedGrace: 20 * time.Millisecond}, &recordingCommitter{})
	id := q.Add("x")
	tickN(q, 1)
	q.Close()
	time.Sleep(50 * time.Millisecond)
	_, ok := q.Get(id)
	assert.True(t, ok)
}

func TestQueue_SubscribeSeesTransitions(t *testing.T) {
	q := newTestQueue(1, &recordingCommitter{})
	var mu sync.Mutex
	var statuses []Status
	q.Subscribe(func(entries []Entry[string]) {
		mu.Lock()
		defer mu.Unlock()
		if len(entries) == 1 {
			statuses = append(statuses, entries[0].Status)
		}
	})
	q.Add("x")
	tickN(q, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusPending, StatusSaving, StatusSaved}, statuses)
}

func TestTicker_DrivesQueuesWhilePending(t *testing.T) {
	c := &recordingCommitter{}
	q := newTestQueue(2, c)
	ticker := NewTicker(5*time.Millisecond, nil, q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ticker.Start(ctx))
	assert.ErrorIs(t, ticker.Start(ctx), ErrTickerRunning)

	q.Add("layer norm")
	require.Eventually(t, func() bool { return len(c.calls()) == 1 }, time.Second, 5*time.Millisecond)

	ticker.Stop()
	ticker.Stop()
	assert.False(t, ticker.Running())

	q.Add("after stop")
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, c.calls(), 1)
	assert.True(t, q.HasPending())
}
