// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package vocab holds the known-phrase set of a project.
//
// The set is read-mostly: the annotation engine reads a snapshot on every
// pass, and writers (bootstrap load, confirmed term commits) bump a version
// that subscribers use to schedule a re-run.
package vocab

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/readersync/pkg/annotate"
	"github.com/AleutianAI/readersync/pkg/api"
)

// Entry is one known phrase.
type Entry struct {
	ID          string
	Phrase      string
	Translation string
	Definition  string
}

// Set is a versioned collection of known phrases keyed by ID.
//
// Thread Safety: safe for concurrent use. Subscribers are invoked after the
// lock is released, on the writer's goroutine.
type Set struct {
	mu      sync.RWMutex
	entries map[string]Entry
	version uint64
	subs    map[int]func(uint64)
	nextSub int
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{
		entries: make(map[string]Entry),
		subs:    make(map[int]func(uint64)),
	}
}

// Add inserts or replaces e. It reports whether the set changed.
func (s *Set) Add(e Entry) bool {
	if e.ID == "" || strings.TrimSpace(e.Phrase) == "" {
		return false
	}
	s.mu.Lock()
	if old, ok := s.entries[e.ID]; ok && old == e {
		s.mu.Unlock()
		return false
	}
	s.entries[e.ID] = e
	v, subs := s.bumpLocked()
	s.mu.Unlock()
	notify(subs, v)
	return true
}

// Remove deletes the entry with id. It reports whether the set changed.
func (s *Set) Remove(id string) bool {
	s.mu.Lock()
	if _, ok := s.entries[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, id)
	v, subs := s.bumpLocked()
	s.mu.Unlock()
	notify(subs, v)
	return true
}

// Replace swaps the whole set for entries.
func (s *Set) Replace(entries []Entry) {
	next := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if e.ID == "" || strings.TrimSpace(e.Phrase) == "" {
			continue
		}
		next[e.ID] = e
	}
	s.mu.Lock()
	s.entries = next
	v, subs := s.bumpLocked()
	s.mu.Unlock()
	notify(subs, v)
}

// Get returns the entry with id.
func (s *Set) Get(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Len returns the number of entries.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Version increases on every change.
func (s *Set) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Entries returns the entries sorted by phrase.
func (s *Set) Entries() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Phrase != out[j].Phrase {
			return out[i].Phrase < out[j].Phrase
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Phrases returns the annotation input for the current entries.
func (s *Set) Phrases() []annotate.Phrase {
	entries := s.Entries()
	out := make([]annotate.Phrase, len(entries))
	for i, e := range entries {
		out[i] = annotate.Phrase{ID: e.ID, Text: e.Phrase}
	}
	return out
}

// Subscribe registers fn to receive the new version after each change. The
// returned func unregisters it.
func (s *Set) Subscribe(fn func(version uint64)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Set) bumpLocked() (uint64, []func(uint64)) {
	s.version++
	subs := make([]func(uint64), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return s.version, subs
}

func notify(subs []func(uint64), v uint64) {
	for _, fn := range subs {
		fn(v)
	}
}

// =============================================================================
// Loading
// =============================================================================

// FromTerm converts a term with confirmed knowledge into an Entry. Terms
// without knowledge are not known phrases.
func FromTerm(t api.Term) (Entry, bool) {
	if t.Knowledge == nil || strings.TrimSpace(t.Phrase) == "" {
		return Entry{}, false
	}
	e := Entry{ID: t.ID, Phrase: t.Phrase}
	if t.Knowledge.Translation != nil {
		e.Translation = *t.Knowledge.Translation
	}
	if t.Knowledge.Definition != nil {
		e.Definition = *t.Knowledge.Definition
	}
	return e, true
}

// Load fetches the project's terms and replaces the set with the known ones.
func Load(ctx context.Context, terms api.TermAPI, projectID string, set *Set) error {
	list, err := terms.ListTerms(ctx, projectID, "")
	if err != nil {
		return fmt.Errorf("load vocabulary: %w", err)
	}
	entries := make([]Entry, 0, len(list))
	for _, t := range list {
		if e, ok := FromTerm(t); ok {
			entries = append(entries, e)
		}
	}
	set.Replace(entries)
	return nil
}
