// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package annotate marks occurrences of known phrases in rendered content.
//
// Each pass first unwraps every existing mark, so re-running after the
// content or phrase set changed is idempotent. Phrases are then matched
// longest first; a region marked by one phrase is never re-entered by a
// later one, so marks never nest or overlap. Matching is case-insensitive,
// collapses whitespace, and treats dash variants and whitespace between
// words as interchangeable ("self-attention" matches "self attention").
package annotate

import (
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/AleutianAI/readersync/internal/metrics"
	"github.com/AleutianAI/readersync/pkg/logging"
)

// ErrEmptyPhrase is returned for phrases with no matchable characters.
var ErrEmptyPhrase = errors.New("phrase is empty")

// dashes lists the characters treated as interchangeable word joiners:
// hyphen-minus, hyphen, non-breaking hyphen, figure dash, en dash, em dash,
// minus sign, small hyphen-minus, fullwidth hyphen-minus.
const dashes = "-‐‑‒–—−﹣－"

// separatorPattern matches one or more whitespace or dash characters.
const separatorPattern = `[\s\x{2010}\x{2011}\x{2012}\x{2013}\x{2014}\x{2212}\x{FE63}\x{FF0D}\-]+`

// Phrase is a known phrase to mark.
type Phrase struct {
	ID   string
	Text string
}

// Options tunes matching.
type Options struct {
	// WholeWord rejects matches that begin or end inside a word. Leave off
	// for languages written without spaces.
	WholeWord bool
}

// Stats summarizes one pass.
type Stats struct {
	Phrases int
	Marks   int
	Skipped int // phrases that could not be compiled
}

// Engine applies phrase marks. Compiled matchers are cached per phrase
// text, so an Engine should be reused across passes.
//
// Thread Safety: safe for concurrent use.
type Engine struct {
	opts   Options
	logger *logging.Logger

	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

// NewEngine creates an Engine.
func NewEngine(opts Options, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{
		opts:   opts,
		logger: logger.With("component", "annotate"),
		cache:  make(map[string]*regexp.Regexp),
	}
}

// Apply returns a copy of doc with phrases marked.
//
// # Description
//
//  1. Unwraps every existing mark.
//  2. Sorts phrases by descending rune length of their normalized form.
//  3. For each phrase, walks unprotected segments in order and marks every
//     leftmost match in each unmarked run, continuing after the match.
//
// # Inputs
//
//   - doc: the content to annotate; not modified
//   - phrases: known phrases; duplicates by normalized text keep the first
//
// # Outputs
//
//   - Document: annotated copy
//   - Stats: counts for the pass
func (e *Engine) Apply(doc Document, phrases []Phrase) (Document, Stats) {
	start := time.Now()
	out := Unwrap(doc)
	stats := Stats{}

	ordered := orderPhrases(phrases)
	stats.Phrases = len(ordered)

	for _, p := range ordered {
		re, err := e.matcher(p.Text)
		if err != nil {
			stats.Skipped++
			e.logger.Debug("phrase skipped", "phrase_id", p.ID, "error", err)
			continue
		}
		for si := range out.Segments {
			seg := &out.Segments[si]
			if seg.Kind.Protected() {
				continue
			}
			var n int
			seg.Runs, n = e.markRuns(seg.Runs, re, p.ID)
			stats.Marks += n
		}
	}

	metrics.RecordAnnotationPass(stats.Marks, time.Since(start))
	return out, stats
}

// ApplyText annotates a single plain-text segment.
func (e *Engine) ApplyText(text string, phrases []Phrase) (Document, Stats) {
	return e.Apply(Document{Segments: []Segment{NewTextSegment(text)}}, phrases)
}

// markRuns marks matches of re in every unmarked, non-blank run.
func (e *Engine) markRuns(runs []Run, re *regexp.Regexp, phraseID string) ([]Run, int) {
	var (
		out   []Run
		total int
	)
	for _, r := range runs {
		if r.Marked() || strings.TrimSpace(r.Text) == "" {
			out = append(out, r)
			continue
		}
		split, n := e.splitRun(r.Text, re, phraseID)
		out = append(out, split...)
		total += n
	}
	return out, total
}

// splitRun repeatedly finds the leftmost match in text, emitting
// (before, match) and continuing with the remainder.
func (e *Engine) splitRun(text string, re *regexp.Regexp, phraseID string) ([]Run, int) {
	var out []Run
	marks := 0
	for text != "" {
		loc := e.findLeftmost(text, re)
		if loc == nil {
			break
		}
		if loc[0] > 0 {
			out = append(out, Run{Text: text[:loc[0]]})
		}
		out = append(out, Run{Text: text[loc[0]:loc[1]], PhraseID: phraseID})
		marks++
		text = text[loc[1]:]
	}
	if text != "" {
		out = append(out, Run{Text: text})
	}
	return out, marks
}

// findLeftmost returns the leftmost non-empty match, honoring WholeWord by
// retrying one rune past a rejected start.
func (e *Engine) findLeftmost(text string, re *regexp.Regexp) []int {
	offset := 0
	for offset < len(text) {
		loc := re.FindStringIndex(text[offset:])
		if loc == nil || loc[0] == loc[1] {
			return nil
		}
		start, end := loc[0]+offset, loc[1]+offset
		if !e.opts.WholeWord || isWholeWord(text, start, end) {
			return []int{start, end}
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		offset = start + size
	}
	return nil
}

// matcher returns the cached compiled pattern for phrase.
func (e *Engine) matcher(phrase string) (*regexp.Regexp, error) {
	key := normalize(phrase)
	if key == "" {
		return nil, ErrEmptyPhrase
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.cache[key]; ok {
		return re, nil
	}
	re, err := compileRegex(buildPattern(key), true)
	if err != nil {
		return nil, err
	}
	e.cache[key] = re
	return re, nil
}

// =============================================================================
// Pattern Construction
// =============================================================================

// normalize lower-cases phrase, maps dash variants to '-' and collapses
// whitespace runs to a single space.
func normalize(phrase string) string {
	mapped := strings.Map(func(r rune) rune {
		if strings.ContainsRune(dashes, r) {
			return '-'
		}
		return unicode.ToLower(r)
	}, phrase)
	return strings.Join(strings.Fields(mapped), " ")
}

// tokens splits a normalized phrase on whitespace and dashes.
func tokens(normalized string) []string {
	return strings.FieldsFunc(normalized, func(r rune) bool {
		return r == '-' || unicode.IsSpace(r)
	})
}

// buildPattern joins the quoted tokens with separatorPattern.
func buildPattern(normalized string) string {
	toks := tokens(normalized)
	quoted := make([]string, len(toks))
	for i, t := range toks {
		quoted[i] = regexp.QuoteMeta(t)
	}
	return strings.Join(quoted, separatorPattern)
}

func compileRegex(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, ErrEmptyPhrase
	}
	if caseInsensitive {
		pattern = "(?i)" + pattern
	}
	return regexp.Compile(pattern)
}

// orderPhrases drops blank and duplicate phrases and sorts by descending
// normalized rune length, then by text for determinism.
func orderPhrases(phrases []Phrase) []Phrase {
	seen := make(map[string]bool, len(phrases))
	out := make([]Phrase, 0, len(phrases))
	for _, p := range phrases {
		key := normalize(p.Text)
		if len(tokens(key)) == 0 || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		li := utf8.RuneCountInString(normalize(out[i].Text))
		lj := utf8.RuneCountInString(normalize(out[j].Text))
		if li != lj {
			return li > lj
		}
		return normalize(out[i].Text) < normalize(out[j].Text)
	})
	return out
}

// isWholeWord checks the runes on either side of text[start:end].
func isWholeWord(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if isWordChar(r) {
			return false
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if isWordChar(r) {
			return false
		}
	}
	return true
}

func isWordChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
