// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package annotate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = "# Attention\n" +
	"The attention score uses `attention(q, k)` and $attention_i$.\n" +
	"\n" +
	"```python\n" +
	"attention = softmax(q @ k)\n" +
	"```\n" +
	"$$\n" +
	"\\text{attention}\n" +
	"$$\n" +
	"Multi-head attention\n"

func TestParseMarkdown_PreservesText(t *testing.T) {
	doc := ParseMarkdown(sample)
	assert.Equal(t, sample, doc.Text())
}

func TestParseMarkdown_Kinds(t *testing.T) {
	doc := ParseMarkdown(sample)
	var kinds []SegmentKind
	for _, s := range doc.Segments {
		kinds = append(kinds, s.Kind)
	}
	assert.Equal(t, []SegmentKind{
		// heading and first paragraph with inline spans
		KindText, KindCode, KindText, KindMath, KindText,
		// blank line
		KindText,
		// fenced blocks
		KindCode, KindMath,
		// last paragraph
		KindText,
	}, kinds)
}

func TestParseMarkdown_AnnotatesOnlyProse(t *testing.T) {
	e := NewEngine(Options{}, nil)
	doc, stats := e.Apply(ParseMarkdown(sample), []Phrase{{ID: "att", Text: "attention"}})

	require.Equal(t, 3, stats.Marks)
	for _, m := range doc.Marks() {
		assert.Equal(t, KindText, doc.Segments[m.Segment].Kind)
	}
	assert.Equal(t, sample, doc.Text())
}

func TestParseMarkdown_UnterminatedFence(t *testing.T) {
	doc := ParseMarkdown("intro\n```\ncode")
	require.Len(t, doc.Segments, 2)
	assert.Equal(t, KindCode, doc.Segments[1].Kind)
	assert.Equal(t, "intro\n```\ncode", doc.Text())
}

func TestParseMarkdown_EscapedDollarIsText(t *testing.T) {
	doc := ParseMarkdown(`costs \$5 and \$6`)
	require.Len(t, doc.Segments, 1)
	assert.Equal(t, KindText, doc.Segments[0].Kind)
}

func TestFromText(t *testing.T) {
	text := "first paragraph\nstill first\n\n\nsecond paragraph"
	doc := FromText(text)
	require.Len(t, doc.Segments, 2)
	assert.Equal(t, "first paragraph\nstill first\n\n\n", doc.Segments[0].Text())
	assert.Equal(t, text, doc.Text())
	assert.Empty(t, FromText("").Segments)
}
