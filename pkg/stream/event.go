// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stream decodes server push channels into typed job events.
//
// The package is split the same way as any streaming client:
//
//   - event.go: the closed set of Event types and JSON decoding
//   - parser.go: SSE line parsing (stateless)
//   - reader.go: sequencing events from an io.Reader
//   - source.go: opening a channel over HTTP (SSE) or WebSocket
//
// Consumers switch exhaustively over the concrete event types. The Event
// interface is sealed with an unexported method so no other package can
// add variants.
package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// Event Sum Type
// =============================================================================

// Event is one record received on a job's push channel.
//
// Concrete types:
//
//	StatusEvent, ProgressEvent, ToolCallEvent, SnapshotEvent, TokenEvent,
//	DomainDetectedEvent, ChunkProgressEvent, GroupStatusEvent,
//	GroupErrorEvent, SectionErrorEvent, DimensionResultEvent,
//	TermSuggestionsEvent, ProfileSuggestionsEvent, ErrorEvent, PingEvent,
//	DoneEvent, UnknownEvent
type Event interface {
	// Type returns the wire name of the event ("status", "token", ...).
	Type() string
	sealed()
}

// Job status values carried by StatusEvent and returned by job endpoints.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Tool call phases.
const (
	ToolCalling = "calling"
	ToolDone    = "done"
)

// StatusEvent reports a job state transition.
type StatusEvent struct {
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// IsTerminal reports whether the status ends the job.
func (e StatusEvent) IsTerminal() bool {
	return e.Status == StatusSucceeded || e.Status == StatusFailed
}

// ProgressEvent reports coarse progress. Step names the phase; the optional
// section and dimension fields identify what is being worked on.
type ProgressEvent struct {
	Step           string `json:"step"`
	Current        int    `json:"current"`
	Total          int    `json:"total"`
	Message        string `json:"message,omitempty"`
	SectionTitle   string `json:"section_title,omitempty"`
	Dimension      string `json:"dimension,omitempty"`
	DimensionTitle string `json:"dimension_title,omitempty"`
}

// Label returns the most specific human-readable description available.
func (e ProgressEvent) Label() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.SectionTitle != "":
		return e.SectionTitle
	case e.DimensionTitle != "":
		return e.DimensionTitle
	default:
		return e.Step
	}
}

// ToolCallEvent reports an external lookup performed by the job.
type ToolCallEvent struct {
	Tool        string `json:"tool"`
	Query       string `json:"query,omitempty"`
	Status      string `json:"status"`
	ResultCount *int   `json:"result_count,omitempty"`
}

// DimensionSnapshot is one dimension's partial result inside an analysis
// snapshot.
type DimensionSnapshot struct {
	Dimension string            `json:"dimension"`
	Summary   string            `json:"summary"`
	Evidences []json.RawMessage `json:"evidences,omitempty"`
}

// SnapshotEvent replaces the job's content buffer. Translation snapshots
// carry Content; analysis snapshots carry Results.
type SnapshotEvent struct {
	Content string              `json:"content_md,omitempty"`
	Results []DimensionSnapshot `json:"results,omitempty"`
}

// TokenEvent appends to the job's content buffer.
type TokenEvent struct {
	Content string `json:"content"`
}

// DomainDetectedEvent reports the subject domain chosen for a translation.
type DomainDetectedEvent struct {
	Domain  string `json:"domain"`
	Message string `json:"message,omitempty"`
}

// ChunkProgressEvent reports progress inside one translation group.
type ChunkProgressEvent struct {
	Current int    `json:"chunk_current"`
	Total   int    `json:"chunk_total"`
	GroupID string `json:"group_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// GroupStatusEvent reports a translation group's status change.
type GroupStatusEvent struct {
	GroupID      string `json:"group_id"`
	SectionTitle string `json:"section_title,omitempty"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	Error        string `json:"error,omitempty"`
}

// GroupErrorEvent reports a failed translation group.
type GroupErrorEvent struct {
	GroupID      string `json:"group_id"`
	SectionTitle string `json:"section_title,omitempty"`
	Error        string `json:"error"`
}

// SectionErrorEvent reports a failed section without a group id.
type SectionErrorEvent struct {
	SectionTitle string `json:"section_title"`
	Error        string `json:"error"`
}

// DimensionResultEvent carries one finished analysis dimension.
type DimensionResultEvent struct {
	Dimension      string `json:"dimension"`
	DimensionTitle string `json:"dimension_title,omitempty"`
	Summary        string `json:"summary"`
}

// TermSuggestion is a vocabulary term proposed by a job.
type TermSuggestion struct {
	Term        string `json:"term"`
	Translation string `json:"translation,omitempty"`
	Explanation string `json:"explanation,omitempty"`
}

// TermSuggestionsEvent carries proposed terms for the suggestion ledger.
type TermSuggestionsEvent struct {
	Terms        []TermSuggestion `json:"terms"`
	SectionTitle string           `json:"section_title,omitempty"`
}

// ProfileSuggestionsEvent carries proposed profile attribute updates. Each
// update is a free-form attribute map.
type ProfileSuggestionsEvent struct {
	Updates []map[string]any `json:"updates"`
}

// ErrorEvent is a server-reported failure; it forces the job to failed.
type ErrorEvent struct {
	Message string `json:"message"`
}

// PingEvent is a keep-alive.
type PingEvent struct{}

// DoneEvent is the end-of-stream sentinel ("[DONE]"). It is not domain data.
type DoneEvent struct{}

// UnknownEvent preserves a record with an unrecognized type so consumers
// can log and skip it.
type UnknownEvent struct {
	Name string
	Raw  json.RawMessage
}

func (StatusEvent) Type() string             { return "status" }
func (ProgressEvent) Type() string           { return "progress" }
func (ToolCallEvent) Type() string           { return "tool_call" }
func (SnapshotEvent) Type() string           { return "snapshot" }
func (TokenEvent) Type() string              { return "token" }
func (DomainDetectedEvent) Type() string     { return "domain_detected" }
func (ChunkProgressEvent) Type() string      { return "chunk_progress" }
func (GroupStatusEvent) Type() string        { return "group_status" }
func (GroupErrorEvent) Type() string         { return "group_error" }
func (SectionErrorEvent) Type() string       { return "section_error" }
func (DimensionResultEvent) Type() string    { return "dimension_result" }
func (TermSuggestionsEvent) Type() string    { return "term_suggestions" }
func (ProfileSuggestionsEvent) Type() string { return "profile_update_suggestions" }
func (ErrorEvent) Type() string              { return "error" }
func (PingEvent) Type() string               { return "ping" }
func (DoneEvent) Type() string               { return "done" }
func (e UnknownEvent) Type() string          { return e.Name }

func (StatusEvent) sealed()             {}
func (ProgressEvent) sealed()           {}
func (ToolCallEvent) sealed()           {}
func (SnapshotEvent) sealed()           {}
func (TokenEvent) sealed()              {}
func (DomainDetectedEvent) sealed()     {}
func (ChunkProgressEvent) sealed()      {}
func (GroupStatusEvent) sealed()        {}
func (GroupErrorEvent) sealed()         {}
func (SectionErrorEvent) sealed()       {}
func (DimensionResultEvent) sealed()    {}
func (TermSuggestionsEvent) sealed()    {}
func (ProfileSuggestionsEvent) sealed() {}
func (ErrorEvent) sealed()              {}
func (PingEvent) sealed()               {}
func (DoneEvent) sealed()               {}
func (UnknownEvent) sealed()            {}

// IsTerminal reports whether e ends consumption of a channel: the [DONE]
// sentinel, an error event, or a terminal status.
func IsTerminal(e Event) bool {
	switch ev := e.(type) {
	case DoneEvent, ErrorEvent:
		return true
	case StatusEvent:
		return ev.IsTerminal()
	default:
		return false
	}
}

// =============================================================================
// Decoding
// =============================================================================

// doneSentinel is the payload that marks the end of a push channel.
const doneSentinel = "[DONE]"

// Decode converts one JSON payload into an Event.
//
// # Description
//
// Reads the "type" discriminator first, then unmarshals the payload into
// the matching concrete struct. Records with an unknown type decode to
// UnknownEvent rather than failing, so newer servers do not break older
// clients. The "[DONE]" sentinel decodes to DoneEvent.
//
// # Outputs
//
//   - Event: the decoded event
//   - error: non-nil if the payload is not valid JSON
func Decode(payload []byte) (Event, error) {
	if string(payload) == doneSentinel {
		return DoneEvent{}, nil
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	var (
		ev  Event
		err error
	)
	switch head.Type {
	case "status":
		ev, err = unmarshalAs[StatusEvent](payload)
	case "progress":
		ev, err = unmarshalAs[ProgressEvent](payload)
	case "tool_call":
		ev, err = unmarshalAs[ToolCallEvent](payload)
	case "snapshot":
		ev, err = unmarshalAs[SnapshotEvent](payload)
	case "token":
		ev, err = unmarshalAs[TokenEvent](payload)
	case "domain_detected":
		ev, err = unmarshalAs[DomainDetectedEvent](payload)
	case "chunk_progress":
		ev, err = unmarshalAs[ChunkProgressEvent](payload)
	case "group_status":
		ev, err = unmarshalAs[GroupStatusEvent](payload)
	case "group_error":
		ev, err = unmarshalAs[GroupErrorEvent](payload)
	case "section_error":
		ev, err = unmarshalAs[SectionErrorEvent](payload)
	case "dimension_result":
		ev, err = unmarshalAs[DimensionResultEvent](payload)
	case "term_suggestions":
		ev, err = unmarshalAs[TermSuggestionsEvent](payload)
	case "profile_update_suggestions":
		ev, err = unmarshalAs[ProfileSuggestionsEvent](payload)
	case "error":
		ev, err = unmarshalAs[ErrorEvent](payload)
	case "ping":
		ev = PingEvent{}
	case "done":
		ev = DoneEvent{}
	default:
		raw := make(json.RawMessage, len(payload))
		copy(raw, payload)
		ev = UnknownEvent{Name: head.Type, Raw: raw}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", head.Type, err)
	}
	return ev, nil
}

func unmarshalAs[T Event](payload []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Encode renders e as the JSON payload the server would send, with the
// "type" discriminator added. DoneEvent encodes to the "[DONE]" sentinel.
// Used by test backends and the WebSocket bridge.
func Encode(e Event) ([]byte, error) {
	switch ev := e.(type) {
	case DoneEvent:
		return []byte(doneSentinel), nil
	case UnknownEvent:
		return ev.Raw, nil
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type(), err)
	}
	typ, _ := json.Marshal(e.Type())
	fields["type"] = typ
	return json.Marshal(fields)
}
