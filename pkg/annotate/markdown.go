// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package annotate

import "strings"

// ParseMarkdown splits markdown into segments so that code and math are
// protected from marking.
//
// Recognized regions: fenced code blocks (```), display math blocks ($$),
// inline code (`...`) and inline math ($...$). Everything else is text.
// The concatenated segment text always equals md.
func ParseMarkdown(md string) Document {
	var (
		doc      Document
		block    strings.Builder
		fence    string
		newBlock = true
	)
	// flushText appends a paragraph line, continuing the current text
	// segment unless a blank line or block ended it.
	flushText := func(s string) {
		for i, seg := range inlineSegments(s) {
			if seg.Kind == KindText && !(i == 0 && newBlock) {
				doc.Segments = appendText(doc.Segments, seg.Text())
			} else {
				doc.Segments = append(doc.Segments, seg)
			}
		}
		newBlock = false
	}

	lines := strings.SplitAfter(md, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if fence != "" {
			block.WriteString(line)
			if trimmed == fence {
				kind := KindCode
				if fence == "$$" {
					kind = KindMath
				}
				doc.Segments = append(doc.Segments, Segment{Kind: kind, Runs: []Run{{Text: block.String()}}})
				block.Reset()
				fence = ""
				newBlock = true
			}
			continue
		}
		switch {
		case strings.HasPrefix(trimmed, "```"):
			fence = "```"
			block.WriteString(line)
		case trimmed == "$$":
			fence = "$$"
			block.WriteString(line)
		case trimmed == "":
			if line != "" {
				doc.Segments = append(doc.Segments, NewTextSegment(line))
			}
			newBlock = true
		default:
			flushText(line)
		}
	}
	if block.Len() > 0 {
		// unterminated block runs to the end of the document
		kind := KindCode
		if fence == "$$" {
			kind = KindMath
		}
		doc.Segments = append(doc.Segments, Segment{Kind: kind, Runs: []Run{{Text: block.String()}}})
	}
	return doc
}

// inlineSegments splits one line on inline code and math spans.
func inlineSegments(line string) []Segment {
	var out []Segment
	rest := line
	for rest != "" {
		i := strings.IndexAny(rest, "`$")
		if i < 0 {
			break
		}
		delim := rest[i]
		if i > 0 && rest[i-1] == '\\' {
			out = appendText(out, rest[:i+1])
			rest = rest[i+1:]
			continue
		}
		j := strings.IndexByte(rest[i+1:], delim)
		if j < 0 {
			break
		}
		end := i + 1 + j + 1
		out = appendText(out, rest[:i])
		kind := KindCode
		if delim == '$' {
			kind = KindMath
		}
		out = append(out, Segment{Kind: kind, Runs: []Run{{Text: rest[i:end]}}})
		rest = rest[end:]
	}
	return appendText(out, rest)
}

// appendText appends s as text, merging with a preceding text segment.
func appendText(segs []Segment, s string) []Segment {
	if s == "" {
		return segs
	}
	if n := len(segs); n > 0 && segs[n-1].Kind == KindText {
		segs[n-1].Runs[0].Text += s
		return segs
	}
	return append(segs, NewTextSegment(s))
}
