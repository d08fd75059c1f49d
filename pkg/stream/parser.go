// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"strings"
)

// =============================================================================
// SSE Parser Interface
// =============================================================================

// SSEParser parses Server-Sent Events lines into Events.
//
// Wire format:
//
//	data: {"type":"token","content":"Hel"}
//
//	data: {"type":"status","status":"succeeded"}
//
//	data: [DONE]
//
// Each record is a single "data:" line followed by a blank line. Blank
// lines, comments (":") and the other SSE fields (event, id, retry) carry
// no domain data and are skipped.
//
// Thread Safety:
//
//	The default implementation is stateless and safe for concurrent use.
type SSEParser interface {
	// ParseLine parses a single line without its trailing newline.
	//
	// Returns:
	//   - Event: the decoded event, or nil for lines without data
	//   - error: non-nil if the data payload is not valid JSON
	ParseLine(line string) (Event, error)
}

// =============================================================================
// SSE Parser Implementation
// =============================================================================

type sseParser struct{}

// NewSSEParser creates a stateless SSE parser.
func NewSSEParser() SSEParser {
	return &sseParser{}
}

// ParseLine parses a single SSE line.
//
// Multi-line data records are not supported; the service never splits a
// payload across lines.
func (p *sseParser) ParseLine(line string) (Event, error) {
	line = strings.TrimSpace(line)

	if line == "" || strings.HasPrefix(line, ":") {
		return nil, nil
	}

	data, ok := strings.CutPrefix(line, "data:")
	if !ok {
		// event:, id:, retry: and unknown fields
		return nil, nil
	}
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, nil
	}
	return Decode([]byte(data))
}

var _ SSEParser = (*sseParser)(nil)
