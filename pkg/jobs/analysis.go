// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/AleutianAI/readersync/pkg/stream"
)

// AnalysisRequest starts a deep analysis. Empty Dimensions uses
// api.DefaultAnalysisDimensions.
type AnalysisRequest struct {
	PaperID    string
	Dimensions []string
}

// AnalysisRunner drives analysis jobs.
type AnalysisRunner struct {
	api api.AnalysisAPI
}

var _ Runner[AnalysisRequest] = (*AnalysisRunner)(nil)

func NewAnalysisRunner(analysis api.AnalysisAPI) *AnalysisRunner {
	return &AnalysisRunner{api: analysis}
}

// NewAnalysisController wires an analysis controller.
func NewAnalysisController(analysis api.AnalysisAPI, source stream.Source, opts Options) *Controller[AnalysisRequest] {
	return NewController[AnalysisRequest](NewAnalysisRunner(analysis), source, opts)
}

func (r *AnalysisRunner) Kind() Kind { return KindAnalysis }

func (r *AnalysisRunner) Begin(ctx context.Context, req AnalysisRequest) (Launch, error) {
	job, err := r.api.StartAnalysis(ctx, req.PaperID, req.Dimensions)
	if err != nil {
		return Launch{}, err
	}
	return Launch{JobID: job.ID, Path: api.AnalysisStreamPath(job.ID)}, nil
}

// Finalize fetches the stored per-dimension results and renders them as
// the job content.
func (r *AnalysisRunner) Finalize(ctx context.Context, l Launch) (Final, error) {
	results, err := r.api.AnalysisResults(ctx, l.JobID)
	if err != nil {
		return Final{}, fmt.Errorf("fetch analysis results: %w", err)
	}
	dims := make([]Dimension, 0, len(results))
	for _, res := range results {
		dims = append(dims, Dimension{Name: res.Dimension, Title: res.Dimension, Summary: res.Summary, Done: true})
	}
	return Final{Content: RenderDimensions(dims), Dimensions: dims}, nil
}

// RenderDimensions renders dimensions as markdown sections.
func RenderDimensions(dims []Dimension) string {
	var b strings.Builder
	for i, d := range dims {
		if i > 0 {
			b.WriteString("\n")
		}
		title := d.Title
		if title == "" {
			title = d.Name
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n", title, strings.TrimSpace(d.Summary))
	}
	return b.String()
}
