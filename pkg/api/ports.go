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

import "context"

// ThreadAPI resolves the conversation thread of a scope.
type ThreadAPI interface {
	ListThreads(ctx context.Context, scope Scope) ([]Thread, error)

	// EnsureThread returns the scope's existing thread or creates one.
	// Safe to call concurrently; the server deduplicates.
	EnsureThread(ctx context.Context, scope Scope, title string) (Thread, error)
}

// MessageAPI reads and writes the message tree of a thread.
type MessageAPI interface {
	// Branch returns the root-to-leaf path ending at the most recent leaf
	// under leafID, or at the thread's most recent leaf when leafID is
	// empty.
	Branch(ctx context.Context, threadID, leafID string) ([]Message, error)

	// CreateMessage persists a user message and returns its server id. The
	// assistant reply is produced on the thread's push channel.
	CreateMessage(ctx context.Context, threadID string, req CreateMessageRequest) (string, error)

	EditMessage(ctx context.Context, threadID, messageID, content string) error
	DeleteMessage(ctx context.Context, threadID, messageID string) error
	Siblings(ctx context.Context, threadID, messageID string) (Siblings, error)
}

// TranslationAPI drives document translation jobs.
type TranslationAPI interface {
	StartTranslation(ctx context.Context, req StartTranslationRequest) (Translation, error)
	GetTranslation(ctx context.Context, translationID string) (Translation, error)
	ListTranslationGroups(ctx context.Context, translationID string) ([]TranslationGroup, error)
	RetryTranslationGroup(ctx context.Context, translationID, groupID string) error
}

// AnalysisAPI drives deep-analysis jobs.
type AnalysisAPI interface {
	StartAnalysis(ctx context.Context, paperID string, dimensions []string) (AnalysisJob, error)
	GetAnalysisJob(ctx context.Context, jobID string) (AnalysisJob, error)
	AnalysisResults(ctx context.Context, jobID string) ([]AnalysisResult, error)
}

// TermAPI manages a project's vocabulary.
type TermAPI interface {
	ListTerms(ctx context.Context, projectID, search string) ([]Term, error)
	CreateTerm(ctx context.Context, req CreateTermRequest) (Term, error)
	ConfirmTerm(ctx context.Context, termID string, req ConfirmTermRequest) (TermKnowledge, error)
}

// ProfileAPI updates the user's reading profile.
type ProfileAPI interface {
	PatchProfile(ctx context.Context, update ProfileUpdate) error
}

// PaperAPI reads document state and triggers re-parsing.
type PaperAPI interface {
	GetPaper(ctx context.Context, paperID string) (Paper, error)
	Reparse(ctx context.Context, paperID string) error
}

// Service is the union of every port.
type Service interface {
	ThreadAPI
	MessageAPI
	TranslationAPI
	AnalysisAPI
	TermAPI
	ProfileAPI
	PaperAPI
}

var _ Service = (*Client)(nil)

// Push channel paths, relative to PathPrefix.

// ChatStreamPath is the push channel of a thread's pending assistant turn.
func ChatStreamPath(threadID string) string {
	return "/threads/" + escape(threadID) + "/stream"
}

// TranslationStreamPath is the push channel of a translation job.
func TranslationStreamPath(translationID string) string {
	return "/translations/" + escape(translationID) + "/stream"
}

// AnalysisStreamPath is the push channel of an analysis job.
func AnalysisStreamPath(jobID string) string {
	return "/analysis/jobs/" + escape(jobID) + "/stream"
}
