// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package annotate

import "strings"

// SegmentKind classifies a segment of rendered content.
type SegmentKind int

const (
	// KindText is ordinary prose and the only kind that receives marks.
	KindText SegmentKind = iota
	// KindCode is inline or block code.
	KindCode
	// KindMath is inline or display math.
	KindMath
	// KindTooltip is text rendered inside a tooltip or popover.
	KindTooltip
)

func (k SegmentKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindCode:
		return "code"
	case KindMath:
		return "math"
	case KindTooltip:
		return "tooltip"
	default:
		return "unknown"
	}
}

// Protected reports whether marks must never be placed in the segment.
func (k SegmentKind) Protected() bool {
	return k != KindText
}

// Run is a contiguous piece of a segment's text. A run with a non-empty
// PhraseID is a mark.
type Run struct {
	Text     string
	PhraseID string
}

// Marked reports whether the run is a mark.
func (r Run) Marked() bool {
	return r.PhraseID != ""
}

// Segment is an addressable unit of rendered content, such as a paragraph
// or an inline code span.
type Segment struct {
	Kind SegmentKind
	Runs []Run
}

// Text returns the segment's plain text.
func (s Segment) Text() string {
	if len(s.Runs) == 1 {
		return s.Runs[0].Text
	}
	var b strings.Builder
	for _, r := range s.Runs {
		b.WriteString(r.Text)
	}
	return b.String()
}

// Document is an ordered list of segments. Documents are values: the
// engine never modifies its input and returns a new Document.
type Document struct {
	Segments []Segment
}

// NewTextSegment returns an unmarked text segment.
func NewTextSegment(text string) Segment {
	return Segment{Kind: KindText, Runs: []Run{{Text: text}}}
}

// Text returns the document's plain text with segments joined as-is.
func (d Document) Text() string {
	var b strings.Builder
	for _, s := range d.Segments {
		b.WriteString(s.Text())
	}
	return b.String()
}

// Mark is a placed annotation, addressed by segment and run index.
type Mark struct {
	Segment  int
	Run      int
	PhraseID string
	Text     string
}

// Marks lists every mark in document order.
func (d Document) Marks() []Mark {
	var out []Mark
	for si, s := range d.Segments {
		for ri, r := range s.Runs {
			if r.Marked() {
				out = append(out, Mark{Segment: si, Run: ri, PhraseID: r.PhraseID, Text: r.Text})
			}
		}
	}
	return out
}

// Render writes the document, passing each mark through wrap.
func (d Document) Render(wrap func(text, phraseID string) string) string {
	var b strings.Builder
	for _, s := range d.Segments {
		for _, r := range s.Runs {
			if r.Marked() && wrap != nil {
				b.WriteString(wrap(r.Text, r.PhraseID))
			} else {
				b.WriteString(r.Text)
			}
		}
	}
	return b.String()
}

// Unwrap returns a copy of d with every mark replaced by its plain text and
// adjacent plain runs merged.
func Unwrap(d Document) Document {
	out := Document{Segments: make([]Segment, len(d.Segments))}
	for i, s := range d.Segments {
		out.Segments[i] = Segment{Kind: s.Kind, Runs: mergePlain(s.Runs)}
	}
	return out
}

func mergePlain(runs []Run) []Run {
	if len(runs) == 0 {
		return nil
	}
	var b strings.Builder
	for _, r := range runs {
		b.WriteString(r.Text)
	}
	return []Run{{Text: b.String()}}
}

// FromText splits plain text into one text segment per paragraph. Blank
// line separators stay attached to the preceding paragraph.
func FromText(text string) Document {
	var doc Document
	for text != "" {
		i := strings.Index(text, "\n\n")
		if i < 0 {
			doc.Segments = append(doc.Segments, NewTextSegment(text))
			break
		}
		end := i + 2
		for end < len(text) && text[end] == '\n' {
			end++
		}
		doc.Segments = append(doc.Segments, NewTextSegment(text[:end]))
		text = text[end:]
	}
	return doc
}
