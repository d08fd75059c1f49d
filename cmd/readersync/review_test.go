// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/AleutianAI/readersync/pkg/ledger"
)

// scriptedReviewer answers with preset choices and edits.
type scriptedReviewer struct {
	choices []reviewChoice
	edits   []string
	// abandon makes every EditLine report an abandoned edit.
	abandon bool
	err     error

	titles []string
}

func (r *scriptedReviewer) Choose(_ context.Context, title string) (reviewChoice, error) {
	r.titles = append(r.titles, title)
	if len(r.choices) == 0 {
		if r.err != nil {
			return "", r.err
		}
		return choiceSkip, nil
	}
	c := r.choices[0]
	r.choices = r.choices[1:]
	return c, nil
}

func (r *scriptedReviewer) EditLine(_ context.Context, _, value string) (string, bool, error) {
	if r.abandon || len(r.edits) == 0 {
		return value, false, nil
	}
	e := r.edits[0]
	r.edits = r.edits[1:]
	return e, true, nil
}

// committed records every payload written through.
type committed[P any] struct {
	mu       sync.Mutex
	payloads []P
}

func (c *committed[P]) Commit(_ context.Context, p P) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, p)
	return nil
}

func (c *committed[P]) all() []P {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]P(nil), c.payloads...)
}

func newReviewQueue[P any](c ledger.Committer[P]) *ledger.Queue[P] {
	q := ledger.NewQueue[P](ledger.Config{Name: "review", Countdown: 5, SavedGrace: time.Hour, CancelGrace: time.Hour}, c)
	return q
}

// =============================================================================
// reviewQueue Tests
// =============================================================================

func TestReviewQueue_EditThenSave(t *testing.T) {
	c := &committed[ledger.TermSuggestion]{}
	q := newReviewQueue[ledger.TermSuggestion](c)
	q.Add(ledger.TermSuggestion{Phrase: "transformer", Translation: "变形金刚"})
	r := &scriptedReviewer{choices: []reviewChoice{choiceEdit, choiceSave}, edits: []string{"  变换器 "}}

	tally, err := reviewQueue(context.Background(), &bytes.Buffer{}, r, q, termReview)
	require.NoError(t, err)

	assert.Equal(t, reviewTally{saved: 1}, tally)
	require.Len(t, c.all(), 1)
	assert.Equal(t, "变换器", c.all()[0].Translation)
	assert.Equal(t, []string{"term transformer: 变形金刚", "term transformer: 变换器"}, r.titles)
}

func TestReviewQueue_EditRestartsCountdown(t *testing.T) {
	q := newReviewQueue[ledger.TermSuggestion](&committed[ledger.TermSuggestion]{})
	id := q.Add(ledger.TermSuggestion{Phrase: "attention"})
	q.Tick(context.Background())
	q.Tick(context.Background())
	r := &scriptedReviewer{choices: []reviewChoice{choiceEdit, choiceSkip}, edits: []string{"注意力"}}

	_, err := reviewQueue(context.Background(), &bytes.Buffer{}, r, q, termReview)
	require.NoError(t, err)

	e, ok := q.Get(id)
	require.True(t, ok)
	assert.Equal(t, ledger.StatusPending, e.Status)
	assert.Equal(t, 5, e.Countdown)
	assert.Equal(t, "注意力", e.Payload.Translation)
}

func TestReviewQueue_DiscardAndSkip(t *testing.T) {
	c := &committed[ledger.TermSuggestion]{}
	q := newReviewQueue[ledger.TermSuggestion](c)
	noise := q.Add(ledger.TermSuggestion{Phrase: "the"})
	later := q.Add(ledger.TermSuggestion{Phrase: "softmax"})
	r := &scriptedReviewer{choices: []reviewChoice{choiceDiscard, choiceSkip}}

	tally, err := reviewQueue(context.Background(), &bytes.Buffer{}, r, q, termReview)
	require.NoError(t, err)

	assert.Equal(t, reviewTally{discarded: 1}, tally)
	assert.Empty(t, c.all())
	e, _ := q.Get(noise)
	assert.Equal(t, ledger.StatusCancelled, e.Status)
	e, _ = q.Get(later)
	assert.Equal(t, ledger.StatusPending, e.Status)
}

func TestReviewQueue_AbandonedEditAsksAgain(t *testing.T) {
	c := &committed[ledger.TermSuggestion]{}
	q := newReviewQueue[ledger.TermSuggestion](c)
	q.Add(ledger.TermSuggestion{Phrase: "encoder", Translation: "编码器"})
	r := &scriptedReviewer{choices: []reviewChoice{choiceEdit, choiceSave}, abandon: true}

	_, err := reviewQueue(context.Background(), &bytes.Buffer{}, r, q, termReview)
	require.NoError(t, err)

	require.Len(t, c.all(), 1)
	assert.Equal(t, "编码器", c.all()[0].Translation)
	assert.Len(t, r.titles, 2)
}

func TestReviewQueue_ProfileRejectsInvalidEdit(t *testing.T) {
	c := &committed[api.ProfileUpdate]{}
	q := newReviewQueue[api.ProfileUpdate](c)
	q.Add(api.ProfileUpdate{"level": "expert"})
	r := &scriptedReviewer{
		choices: []reviewChoice{choiceEdit, choiceEdit, choiceSave},
		edits:   []string{"level=beginner", `{"level":"beginner"}`},
	}
	var out bytes.Buffer

	tally, err := reviewQueue(context.Background(), &out, r, q, profileReview)
	require.NoError(t, err)

	assert.Equal(t, 1, tally.saved)
	assert.Contains(t, out.String(), "must be a JSON object")
	require.Len(t, c.all(), 1)
	assert.Equal(t, "beginner", c.all()[0]["level"])
}

func TestReviewQueue_ReviewerErrorResumesCountdown(t *testing.T) {
	q := newReviewQueue[ledger.TermSuggestion](&committed[ledger.TermSuggestion]{})
	id := q.Add(ledger.TermSuggestion{Phrase: "decoder"})
	r := &scriptedReviewer{err: errors.New("user aborted")}

	_, err := reviewQueue(context.Background(), &bytes.Buffer{}, r, q, termReview)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user aborted")

	e, _ := q.Get(id)
	assert.Equal(t, ledger.StatusPending, e.Status)
}

func TestProfileReview_TextRoundTrips(t *testing.T) {
	u := api.ProfileUpdate{"level": "expert"}
	got, err := profileReview.apply(nil, profileReview.text(u))
	require.NoError(t, err)
	assert.Equal(t, u, got)
}

// =============================================================================
// editModel Tests
// =============================================================================

func TestEditModel_EnterSubmits(t *testing.T) {
	m := newEditModel("term > ", "变形金刚")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	result := next.(editModel)

	assert.True(t, result.submitted)
	assert.NotNil(t, cmd)
	assert.Equal(t, "变形金刚", result.input.Value())
	assert.Empty(t, result.View())
}

func TestEditModel_EscAbandons(t *testing.T) {
	m := newEditModel("term > ", "x")
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	result := next.(editModel)

	assert.False(t, result.submitted)
	assert.True(t, result.done)
}

func TestEditModel_TypingAppends(t *testing.T) {
	m := newEditModel("> ", "abc")
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	result := next.(editModel)

	assert.Equal(t, "abcd", result.input.Value())
	assert.Contains(t, result.View(), "> ")
}
