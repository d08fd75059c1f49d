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
	"context"
	"fmt"
	"net/http"

	"github.com/AleutianAI/readersync/pkg/validation"
)

// =============================================================================
// Translation
// =============================================================================

// StartTranslation queues a translation and returns the job record.
func (c *Client) StartTranslation(ctx context.Context, req StartTranslationRequest) (Translation, error) {
	if req.Mode == "" {
		req.Mode = TranslationQuick
	}
	if err := validation.Struct(req); err != nil {
		return Translation{}, fmt.Errorf("start translation: %w", err)
	}
	if err := validation.ValidateLanguage(req.TargetLanguage); err != nil {
		return Translation{}, fmt.Errorf("start translation: %w", err)
	}
	var t Translation
	if err := c.call(ctx, "StartTranslation", http.MethodPost, "/translations", req, &t); err != nil {
		return Translation{}, err
	}
	return t, nil
}

// GetTranslation fetches the authoritative translation record.
func (c *Client) GetTranslation(ctx context.Context, translationID string) (Translation, error) {
	if err := validation.ValidateID(translationID); err != nil {
		return Translation{}, fmt.Errorf("get translation: %w", err)
	}
	var t Translation
	if err := c.call(ctx, "GetTranslation", http.MethodGet, "/translations/"+escape(translationID), nil, &t); err != nil {
		return Translation{}, err
	}
	return t, nil
}

// ListTranslationGroups returns the translation's groups in document order.
func (c *Client) ListTranslationGroups(ctx context.Context, translationID string) ([]TranslationGroup, error) {
	if err := validation.ValidateID(translationID); err != nil {
		return nil, fmt.Errorf("list translation groups: %w", err)
	}
	var groups []TranslationGroup
	path := "/translations/" + escape(translationID) + "/groups"
	if err := c.call(ctx, "ListTranslationGroups", http.MethodGet, path, nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// RetryTranslationGroup re-queues one failed group. The server answers 409
// while the group is running and 400 when it is not retryable.
func (c *Client) RetryTranslationGroup(ctx context.Context, translationID, groupID string) error {
	if err := validation.ValidateIDs([]string{translationID, groupID}); err != nil {
		return fmt.Errorf("retry translation group: %w", err)
	}
	path := "/translations/" + escape(translationID) + "/groups/" + escape(groupID) + "/retry"
	return c.call(ctx, "RetryTranslationGroup", http.MethodPost, path, nil, nil)
}

// =============================================================================
// Analysis
// =============================================================================

// StartAnalysis queues an analysis of paperID. Empty dimensions selects
// DefaultAnalysisDimensions.
func (c *Client) StartAnalysis(ctx context.Context, paperID string, dimensions []string) (AnalysisJob, error) {
	if err := validation.ValidateID(paperID); err != nil {
		return AnalysisJob{}, fmt.Errorf("start analysis: %w", err)
	}
	if len(dimensions) == 0 {
		dimensions = DefaultAnalysisDimensions
	}
	body := struct {
		PaperID    string   `json:"paper_id"`
		Dimensions []string `json:"dimensions"`
	}{PaperID: paperID, Dimensions: dimensions}

	var job AnalysisJob
	if err := c.call(ctx, "StartAnalysis", http.MethodPost, "/analysis/"+escape(paperID)+"/run", body, &job); err != nil {
		return AnalysisJob{}, err
	}
	return job, nil
}

// GetAnalysisJob fetches the job record.
func (c *Client) GetAnalysisJob(ctx context.Context, jobID string) (AnalysisJob, error) {
	if err := validation.ValidateID(jobID); err != nil {
		return AnalysisJob{}, fmt.Errorf("get analysis job: %w", err)
	}
	var job AnalysisJob
	if err := c.call(ctx, "GetAnalysisJob", http.MethodGet, "/analysis/jobs/"+escape(jobID), nil, &job); err != nil {
		return AnalysisJob{}, err
	}
	return job, nil
}

// AnalysisResults fetches the authoritative per-dimension results.
func (c *Client) AnalysisResults(ctx context.Context, jobID string) ([]AnalysisResult, error) {
	if err := validation.ValidateID(jobID); err != nil {
		return nil, fmt.Errorf("analysis results: %w", err)
	}
	var results []AnalysisResult
	if err := c.call(ctx, "AnalysisResults", http.MethodGet, "/analysis/jobs/"+escape(jobID)+"/results", nil, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// =============================================================================
// Papers
// =============================================================================

// GetPaper fetches document metadata including parse status.
func (c *Client) GetPaper(ctx context.Context, paperID string) (Paper, error) {
	if err := validation.ValidateID(paperID); err != nil {
		return Paper{}, fmt.Errorf("get paper: %w", err)
	}
	var p Paper
	if err := c.call(ctx, "GetPaper", http.MethodGet, "/papers/"+escape(paperID), nil, &p); err != nil {
		return Paper{}, err
	}
	return p, nil
}

// Reparse queues a re-parse of the document.
func (c *Client) Reparse(ctx context.Context, paperID string) error {
	if err := validation.ValidateID(paperID); err != nil {
		return fmt.Errorf("reparse: %w", err)
	}
	return c.call(ctx, "Reparse", http.MethodPost, "/papers/"+escape(paperID)+"/reparse", nil, nil)
}
