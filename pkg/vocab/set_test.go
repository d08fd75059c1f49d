// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vocab

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/readersync/pkg/api"
)

type fakeTerms struct {
	terms []api.Term
	err   error
}

func (f *fakeTerms) ListTerms(_ context.Context, _, _ string) ([]api.Term, error) {
	return f.terms, f.err
}

func (f *fakeTerms) CreateTerm(context.Context, api.CreateTermRequest) (api.Term, error) {
	return api.Term{}, errors.New("not implemented")
}

func (f *fakeTerms) ConfirmTerm(context.Context, string, api.ConfirmTermRequest) (api.TermKnowledge, error) {
	return api.TermKnowledge{}, errors.New("not implemented")
}

func strPtr(s string) *string { return &s }

func TestSet_AddBumpsVersionOnlyOnChange(t *testing.T) {
	s := NewSet()
	var seen []uint64
	s.Subscribe(func(v uint64) { seen = append(seen, v) })

	e := Entry{ID: "1", Phrase: "attention"}
	assert.True(t, s.Add(e))
	assert.False(t, s.Add(e), "identical entry is not a change")
	assert.False(t, s.Add(Entry{ID: "2", Phrase: "  "}))
	assert.True(t, s.Add(Entry{ID: "1", Phrase: "attention", Translation: "注意力"}))

	assert.Equal(t, uint64(2), s.Version())
	assert.Equal(t, []uint64{1, 2}, seen)
	got, ok := s.Get("1")
	require.True(t, ok)
	assert.Equal(t, "注意力", got.Translation)
}

func TestSet_RemoveAndUnsubscribe(t *testing.T) {
	s := NewSet()
	calls := 0
	unsubscribe := s.Subscribe(func(uint64) { calls++ })

	s.Add(Entry{ID: "1", Phrase: "loss"})
	unsubscribe()
	assert.True(t, s.Remove("1"))
	assert.False(t, s.Remove("1"))

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, s.Len())
}

func TestSet_PhrasesSorted(t *testing.T) {
	s := NewSet()
	s.Replace([]Entry{
		{ID: "b", Phrase: "transformer"},
		{ID: "a", Phrase: "attention"},
		{ID: "", Phrase: "dropped"},
	})
	phrases := s.Phrases()
	require.Len(t, phrases, 2)
	assert.Equal(t, "attention", phrases[0].Text)
	assert.Equal(t, "a", phrases[0].ID)
}

func TestLoad_KeepsOnlyConfirmedTerms(t *testing.T) {
	terms := &fakeTerms{terms: []api.Term{
		{ID: "t1", Phrase: "self-attention", Knowledge: &api.TermKnowledge{Translation: strPtr("自注意力"), Definition: strPtr("attends to itself")}},
		{ID: "t2", Phrase: "pending term"},
	}}
	s := NewSet()
	s.Add(Entry{ID: "stale", Phrase: "old"})

	require.NoError(t, Load(context.Background(), terms, "p", s))

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, Entry{ID: "t1", Phrase: "self-attention", Translation: "自注意力", Definition: "attends to itself"}, entries[0])
}

func TestLoad_Error(t *testing.T) {
	s := NewSet()
	s.Add(Entry{ID: "keep", Phrase: "kept"})
	err := Load(context.Background(), &fakeTerms{err: errors.New("boom")}, "p", s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load vocabulary")
	assert.Equal(t, 1, s.Len())
}
