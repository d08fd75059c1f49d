// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package annotate

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func brackets(text, id string) string { return "[" + id + ":" + text + "]" }

func TestApply_LongestMatchWins(t *testing.T) {
	e := NewEngine(Options{}, nil)
	phrases := []Phrase{{ID: "net", Text: "network"}, {ID: "nn", Text: "neural network"}}

	doc, stats := e.ApplyText("a neural network architecture", phrases)

	marks := doc.Marks()
	require.Len(t, marks, 1)
	assert.Equal(t, "nn", marks[0].PhraseID)
	assert.Equal(t, "neural network", marks[0].Text)
	assert.Equal(t, 1, stats.Marks)
	assert.Equal(t, "a [nn:neural network] architecture", doc.Render(brackets))
}

func TestApply_DashAndSpaceVariants(t *testing.T) {
	e := NewEngine(Options{}, nil)
	phrases := []Phrase{{ID: "sa", Text: "self-attention"}}

	inputs := []string{
		"uses self-attention here",
		"uses self‑attention here", // non-breaking hyphen
		"uses self attention here",
		"uses Self–Attention here", // en dash, mixed case
		"uses self \n  attention here",
	}
	for _, in := range inputs {
		doc, _ := e.ApplyText(in, phrases)
		marks := doc.Marks()
		require.Len(t, marks, 1, in)
		assert.Equal(t, "sa", marks[0].PhraseID)
		assert.Equal(t, in, doc.Text(), "text must be preserved")
	}
}

func TestApply_MultipleMatchesLeftToRight(t *testing.T) {
	e := NewEngine(Options{}, nil)
	doc, stats := e.ApplyText("BERT and bert and Bert", []Phrase{{ID: "b", Text: "bert"}})
	assert.Equal(t, 3, stats.Marks)
	assert.Equal(t, "[b:BERT] and [b:bert] and [b:Bert]", doc.Render(brackets))
}

func TestApply_NoNestedMarks(t *testing.T) {
	e := NewEngine(Options{}, nil)
	phrases := []Phrase{
		{ID: "a", Text: "attention"},
		{ID: "mha", Text: "multi-head attention"},
		{ID: "head", Text: "head"},
	}
	doc, _ := e.ApplyText("multi-head attention and one head with attention", phrases)
	assert.Equal(t, "[mha:multi-head attention] and one [head:head] with [a:attention]", doc.Render(brackets))
	for _, s := range doc.Segments {
		for _, r := range s.Runs {
			assert.NotContains(t, r.Text, "[")
		}
	}
}

func TestApply_IdempotentRerun(t *testing.T) {
	e := NewEngine(Options{}, nil)
	phrases := []Phrase{{ID: "t", Text: "transformer"}}

	first, _ := e.ApplyText("the transformer model", phrases)
	second, _ := e.Apply(first, phrases)
	assert.Equal(t, first, second)

	// phrase set changed: old marks are removed before re-marking
	third, _ := e.Apply(second, []Phrase{{ID: "m", Text: "model"}})
	assert.Equal(t, "the transformer [m:model]", third.Render(brackets))
}

func TestApply_SkipsProtectedSegments(t *testing.T) {
	e := NewEngine(Options{}, nil)
	doc := Document{Segments: []Segment{
		NewTextSegment("softmax is used "),
		{Kind: KindCode, Runs: []Run{{Text: "softmax(x)"}}},
		{Kind: KindMath, Runs: []Run{{Text: `\mathrm{softmax}`}}},
		{Kind: KindTooltip, Runs: []Run{{Text: "softmax: normalizes"}}},
		NewTextSegment("   "),
	}}
	out, stats := e.Apply(doc, []Phrase{{ID: "s", Text: "softmax"}})
	assert.Equal(t, 1, stats.Marks)
	assert.Equal(t, 0, out.Marks()[0].Segment)
	assert.Equal(t, doc.Text(), out.Text())
}

func TestApply_DoesNotModifyInput(t *testing.T) {
	e := NewEngine(Options{}, nil)
	doc := Document{Segments: []Segment{NewTextSegment("a token b")}}
	_, _ = e.Apply(doc, []Phrase{{ID: "x", Text: "token"}})
	require.Len(t, doc.Segments[0].Runs, 1)
	assert.False(t, doc.Segments[0].Runs[0].Marked())
}

func TestApply_BlankAndDuplicatePhrases(t *testing.T) {
	e := NewEngine(Options{}, nil)
	doc, stats := e.ApplyText("loss function", []Phrase{
		{ID: "blank", Text: "   "},
		{ID: "dash", Text: "--"},
		{ID: "first", Text: "Loss  Function"},
		{ID: "second", Text: "loss function"},
	})
	assert.Equal(t, 1, stats.Phrases)
	require.Len(t, doc.Marks(), 1)
	assert.Equal(t, "first", doc.Marks()[0].PhraseID)
}

func TestApply_RegexMetacharactersAreLiteral(t *testing.T) {
	e := NewEngine(Options{}, nil)
	doc, _ := e.ApplyText("we use C++ (v2.0) and Cxx", []Phrase{{ID: "c", Text: "C++"}, {ID: "v", Text: "(v2.0)"}})
	assert.Equal(t, "we use [c:C++] [v:(v2.0)] and Cxx", doc.Render(brackets))
}

func TestApply_WholeWord(t *testing.T) {
	loose := NewEngine(Options{}, nil)
	strict := NewEngine(Options{WholeWord: true}, nil)
	phrases := []Phrase{{ID: "net", Text: "net"}}

	looseDoc, _ := loose.ApplyText("network net", phrases)
	strictDoc, _ := strict.ApplyText("network net", phrases)

	assert.Len(t, looseDoc.Marks(), 2)
	require.Len(t, strictDoc.Marks(), 1)
	assert.Equal(t, "network [net:net]", strictDoc.Render(brackets))
}

func TestApply_CJKWithoutWordBoundaries(t *testing.T) {
	e := NewEngine(Options{}, nil)
	doc, _ := e.ApplyText("我们使用自注意力机制", []Phrase{{ID: "zh", Text: "自注意力"}})
	require.Len(t, doc.Marks(), 1)
	assert.Equal(t, "自注意力", doc.Marks()[0].Text)
}

func TestEngine_ConcurrentApply(t *testing.T) {
	e := NewEngine(Options{}, nil)
	phrases := []Phrase{{ID: "a", Text: "gradient descent"}, {ID: "b", Text: "descent"}}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, _ := e.ApplyText(strings.Repeat("stochastic gradient descent. ", 10), phrases)
			assert.Len(t, doc.Marks(), 10)
		}()
	}
	wg.Wait()
}

func TestNormalizeAndPattern(t *testing.T) {
	assert.Equal(t, "self-attention layer", normalize("  Self—Attention \t Layer "))
	assert.Equal(t, []string{"self", "attention", "layer"}, tokens("self-attention layer"))
	assert.NotEmpty(t, buildPattern("self-attention"))
}
