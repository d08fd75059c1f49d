// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"encoding/json"
	"time"
)

// =============================================================================
// Threads and Messages
// =============================================================================

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ScopeType identifies what a thread is attached to.
type ScopeType string

const (
	ScopePaper   ScopeType = "paper"
	ScopeProject ScopeType = "project"
)

// Scope is the (type, id) pair a thread belongs to. At most one thread is
// current per scope.
type Scope struct {
	Type ScopeType `json:"scope_type" validate:"required,scopetype"`
	ID   string    `json:"scope_id" validate:"required,uuid"`
}

// Key returns a stable string key for maps and request deduplication.
func (s Scope) Key() string {
	return string(s.Type) + ":" + s.ID
}

// Thread is a conversation attached to a scope.
type Thread struct {
	ID        string    `json:"id"`
	Title     *string   `json:"title"`
	ScopeType ScopeType `json:"scope_type"`
	ScopeID   string    `json:"scope_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Scope returns the thread's scope.
func (t Thread) Scope() Scope {
	return Scope{Type: t.ScopeType, ID: t.ScopeID}
}

// Attachment is an inline image carried by a user message.
type Attachment struct {
	Type    string `json:"type"`
	DataURL string `json:"data_url" validate:"required,datauri_image"`
	Name    string `json:"name,omitempty"`
	Size    int64  `json:"size,omitempty"`
}

// MessageContent is the structured body of a message.
type MessageContent struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Message is the server representation of one conversation node, as
// returned on a branch path.
type Message struct {
	ID           string         `json:"id"`
	ThreadID     string         `json:"thread_id"`
	Role         Role           `json:"role"`
	Content      MessageContent `json:"content_json"`
	TokenCount   *int           `json:"token_count,omitempty"`
	ParentID     *string        `json:"parent_id"`
	SiblingIndex int            `json:"sibling_index"`
	SiblingCount int            `json:"sibling_count"`
	CreatedAt    time.Time      `json:"created_at"`
}

// CreateMessageRequest is the body of a message send. A nil ParentID
// creates a new root.
type CreateMessageRequest struct {
	Content     string       `json:"content" validate:"maxbytes"`
	Attachments []Attachment `json:"attachments,omitempty" validate:"dive"`
	Mode        string       `json:"mode,omitempty"`
	ParentID    *string      `json:"parent_id,omitempty"`
}

// Siblings lists the ordered children of a message's parent.
type Siblings struct {
	IDs          []string `json:"siblings"`
	CurrentIndex int      `json:"current_index"`
	Total        int      `json:"total"`
}

// =============================================================================
// Translation
// =============================================================================

// TranslationMode selects translation depth.
type TranslationMode string

const (
	TranslationQuick TranslationMode = "quick"
	TranslationDeep  TranslationMode = "deep"
)

// StartTranslationRequest queues a document translation.
type StartTranslationRequest struct {
	PaperID        string          `json:"paper_id" validate:"required,uuid"`
	Mode           TranslationMode `json:"mode" validate:"oneof=quick deep"`
	TargetLanguage string          `json:"target_language" validate:"required"`
}

// Translation is a translation job and its authoritative content.
type Translation struct {
	ID             string          `json:"id"`
	PaperID        string          `json:"paper_id"`
	TargetLanguage string          `json:"target_language"`
	Mode           TranslationMode `json:"mode"`
	Status         string          `json:"status"`
	ContentMD      string          `json:"content_md"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// TranslationGroup is one independently retryable unit of a translation.
type TranslationGroup struct {
	ID            string  `json:"id"`
	TranslationID string  `json:"translation_id"`
	SectionID     *string `json:"section_id,omitempty"`
	SectionTitle  string  `json:"section_title"`
	GroupOrder    int     `json:"group_order"`
	SourceMD      string  `json:"source_md"`
	TranslatedMD  *string `json:"translated_md,omitempty"`
	Status        string  `json:"status"`
	Attempts      int     `json:"attempts"`
	LastError     *string `json:"last_error,omitempty"`
}

// =============================================================================
// Analysis
// =============================================================================

// DefaultAnalysisDimensions is used when a caller does not choose.
var DefaultAnalysisDimensions = []string{"novelty", "methodology", "results", "limitations"}

// AnalysisJob is a deep-analysis job.
type AnalysisJob struct {
	ID          string     `json:"id"`
	PaperID     string     `json:"paper_id"`
	Status      string     `json:"status"`
	Dimensions  []string   `json:"dimensions"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// AnalysisResult is the authoritative result for one dimension.
type AnalysisResult struct {
	ID        string            `json:"id"`
	Dimension string            `json:"dimension"`
	Score     *float64          `json:"score,omitempty"`
	Summary   string            `json:"summary"`
	Evidences []json.RawMessage `json:"evidences,omitempty"`
}

// =============================================================================
// Terms and Profile
// =============================================================================

// TermKnowledge is the confirmed meaning of a term.
type TermKnowledge struct {
	ID          string     `json:"id,omitempty"`
	TermID      string     `json:"term_id,omitempty"`
	CanonicalEN *string    `json:"canonical_en,omitempty"`
	Translation *string    `json:"translation,omitempty"`
	Definition  *string    `json:"definition,omitempty"`
	Status      string     `json:"status,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

// Term is a vocabulary entry of a project.
type Term struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	ProjectID string         `json:"project_id"`
	Phrase    string         `json:"phrase"`
	Language  string         `json:"language"`
	Knowledge *TermKnowledge `json:"knowledge,omitempty"`
}

// CreateTermRequest adds a term to a project.
type CreateTermRequest struct {
	ProjectID string `json:"project_id" validate:"required,uuid"`
	Phrase    string `json:"phrase" validate:"required"`
	Language  string `json:"language" validate:"required"`
}

// ConfirmTermRequest records the confirmed knowledge for a term.
type ConfirmTermRequest struct {
	TermID      string         `json:"term_id"`
	CanonicalEN string         `json:"canonical_en,omitempty"`
	Translation string         `json:"translation,omitempty"`
	Definition  string         `json:"definition,omitempty"`
	Sources     map[string]any `json:"sources,omitempty"`
}

// ProfileUpdate is a partial update of the user's reading profile. Keys
// include expertise_levels, preferences, difficult_topics,
// mastered_topics, added_difficult_topics and added_mastered_topics.
type ProfileUpdate map[string]any

// =============================================================================
// Papers
// =============================================================================

// Paper parse states.
const (
	PaperParsing = "parsing"
	PaperReady   = "ready"
	PaperFailed  = "failed"
)

// Paper is the subset of document metadata the client tracks.
type Paper struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}
