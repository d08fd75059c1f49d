// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"slices"
	"sync"

	"github.com/AleutianAI/readersync/pkg/annotate"
	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/AleutianAI/readersync/pkg/conversation"
	"github.com/AleutianAI/readersync/pkg/vocab"
)

// AnnotatedMessage is one visible message with known phrases marked.
type AnnotatedMessage struct {
	ID   string
	Role api.Role
	Doc  annotate.Document
}

// View is the annotated rendition of everything a scope displays.
type View struct {
	Messages    []AnnotatedMessage
	Translation annotate.Document
	Analysis    annotate.Document
	// Version is the vocabulary version the view was built against.
	Version uint64
	Marks   int
}

// View returns the latest annotated view.
func (s *Scope) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// OnView registers fn to receive every rebuilt view.
func (s *Scope) OnView(fn func(View)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.viewSubs = append(s.viewSubs, fn)
}

// refresh rebuilds the view from the current content and vocabulary.
func (s *Scope) refresh() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	view, seq := s.annot.build(func() content {
		return content{
			messages:    s.store.Messages(),
			translation: s.translation.Snapshot().Content,
			analysis:    s.analysis.Snapshot().Content,
		}
	})

	s.mu.Lock()
	if s.closed || seq < s.viewSeq {
		s.mu.Unlock()
		return
	}
	s.viewSeq = seq
	s.view = view
	subs := slices.Clone(s.viewSubs)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(view)
	}
}

// annotator memoizes annotated documents by content for one vocabulary
// version. Entries not used by the latest build are dropped.
type annotator struct {
	engine *annotate.Engine
	set    *vocab.Set

	mu      sync.Mutex
	seq     uint64
	version uint64
	cache   map[string]annotate.Document
}

func newAnnotator(engine *annotate.Engine, set *vocab.Set) *annotator {
	return &annotator{engine: engine, set: set, cache: make(map[string]annotate.Document)}
}

// content is the visible text of a scope.
type content struct {
	messages    []conversation.Message
	translation string
	analysis    string
}

// build reads the current content and returns its view with a build
// sequence number. Content is read under the annotator lock so a higher
// sequence never carries older content.
func (a *annotator) build(read func() content) (View, uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	in := read()
	msgs := in.messages

	version := a.set.Version()
	phrases := a.set.Phrases()
	if version != a.version {
		a.cache = make(map[string]annotate.Document)
		a.version = version
	}
	next := make(map[string]annotate.Document, len(msgs)+2)
	doc := func(text string) annotate.Document {
		d, ok := next[text]
		if ok {
			return d
		}
		if d, ok = a.cache[text]; !ok {
			d, _ = a.engine.Apply(annotate.ParseMarkdown(text), phrases)
		}
		next[text] = d
		return d
	}

	v := View{Version: version, Messages: make([]AnnotatedMessage, 0, len(msgs))}
	for _, m := range msgs {
		d := doc(m.Content)
		v.Marks += len(d.Marks())
		v.Messages = append(v.Messages, AnnotatedMessage{ID: m.ID, Role: m.Role, Doc: d})
	}
	v.Translation = doc(in.translation)
	v.Marks += len(v.Translation.Marks())
	v.Analysis = doc(in.analysis)
	v.Marks += len(v.Analysis.Marks())

	a.cache = next
	return v, a.seq
}
