// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrStreamClosed is returned when a channel ends without a terminal event
// (no [DONE], error event, or terminal status).
var ErrStreamClosed = errors.New("stream closed before completion")

// maxRecordBytes bounds one SSE line. Translation snapshots carry the whole
// document, so the bufio default (64KB) is too small.
const maxRecordBytes = 16 * 1024 * 1024

// Handler receives events in arrival order. Returning an error stops
// reading and the error is returned from Read.
type Handler func(Event) error

// =============================================================================
// Stream Reader
// =============================================================================

// Reader sequences events from a byte stream.
//
// Thread Safety:
//
//	A Reader may be shared, but a single Read call must not run
//	concurrently with itself on the same io.Reader.
type Reader interface {
	// Read invokes fn for each event until a terminal event is delivered,
	// ctx is cancelled, fn fails, or r is exhausted.
	//
	// Returns:
	//   - nil after a terminal event was delivered
	//   - ErrStreamClosed if r ended first
	//   - ctx.Err() on cancellation
	//   - the parse, I/O or handler error otherwise
	Read(ctx context.Context, r io.Reader, fn Handler) error
}

type sseReader struct {
	parser SSEParser
}

// NewSSEReader creates a Reader for SSE-framed input.
func NewSSEReader(parser SSEParser) Reader {
	if parser == nil {
		parser = NewSSEParser()
	}
	return &sseReader{parser: parser}
}

func (r *sseReader) Read(ctx context.Context, in io.Reader, fn Handler) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		event, err := r.parser.ParseLine(scanner.Text())
		if err != nil {
			return err
		}
		if event == nil {
			continue
		}
		if err := fn(event); err != nil {
			return err
		}
		if IsTerminal(event) {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("read stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrStreamClosed
}

var _ Reader = (*sseReader)(nil)
