// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/readersync/internal/metrics"
	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/AleutianAI/readersync/pkg/logging"
)

var (
	// ErrReparseTimeout is returned when the document is still parsing
	// after the poll budget.
	ErrReparseTimeout = errors.New("document still parsing")

	// ErrReparseFailed is returned when parsing ended in the failed state.
	ErrReparseFailed = errors.New("document parsing failed")
)

// Reparse asks the server to parse a document again and polls its status
// until it leaves the parsing state.
func Reparse(ctx context.Context, papers api.PaperAPI, paperID string, cfg PollConfig, logger *logging.Logger) (api.Paper, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.With("component", "jobs", "paper_id", paperID)

	if err := papers.Reparse(ctx, paperID); err != nil {
		return api.Paper{}, fmt.Errorf("reparse: %w", err)
	}

	var paper api.Paper
	err := poll(ctx, cfg, func(ctx context.Context) (bool, error) {
		p, err := papers.GetPaper(ctx, paperID)
		if err != nil {
			logger.Debug("paper poll failed", "error", err)
			return false, err
		}
		paper = p
		return p.Status != api.PaperParsing, nil
	})

	switch {
	case err == nil && paper.Status == api.PaperFailed:
		metrics.RecordPollOutcome("reparse", "failed")
		return paper, fmt.Errorf("reparse %s: %w", paperID, ErrReparseFailed)
	case err == nil:
		metrics.RecordPollOutcome("reparse", "succeeded")
		return paper, nil
	case ctx.Err() != nil:
		metrics.RecordPollOutcome("reparse", "cancelled")
		return paper, ctx.Err()
	default:
		metrics.RecordPollOutcome("reparse", "exhausted")
		logger.Warn("reparse did not settle", "error", err)
		return paper, fmt.Errorf("reparse %s: %w", paperID, errors.Join(ErrReparseTimeout, err))
	}
}
