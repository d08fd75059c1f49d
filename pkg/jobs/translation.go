// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/readersync/internal/metrics"
	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/AleutianAI/readersync/pkg/stream"
)

var (
	// ErrRetryNotConfirmed is returned by RetryGroup when the group failed
	// again or did not settle within the poll budget.
	ErrRetryNotConfirmed = errors.New("group retry not confirmed")

	// ErrNoSuchFailure is returned when retrying a group that is not on the
	// failure list.
	ErrNoSuchFailure = errors.New("group is not on the failure list")

	// ErrRetryInProgress is returned when the group is already retrying.
	ErrRetryInProgress = errors.New("group retry already in progress")
)

// TranslationRequest starts a document translation.
type TranslationRequest struct {
	PaperID        string
	Mode           api.TranslationMode
	TargetLanguage string
}

// TranslationRunner drives translation jobs.
type TranslationRunner struct {
	api api.TranslationAPI
}

var _ Runner[TranslationRequest] = (*TranslationRunner)(nil)

// NewTranslationRunner creates a runner over the translation endpoints.
func NewTranslationRunner(translations api.TranslationAPI) *TranslationRunner {
	return &TranslationRunner{api: translations}
}

func (r *TranslationRunner) Kind() Kind { return KindTranslation }

func (r *TranslationRunner) Begin(ctx context.Context, req TranslationRequest) (Launch, error) {
	mode := req.Mode
	if mode == "" {
		mode = api.TranslationQuick
	}
	t, err := r.api.StartTranslation(ctx, api.StartTranslationRequest{
		PaperID:        req.PaperID,
		Mode:           mode,
		TargetLanguage: req.TargetLanguage,
	})
	if err != nil {
		return Launch{}, err
	}
	return Launch{JobID: t.ID, Path: api.TranslationStreamPath(t.ID)}, nil
}

// Finalize fetches the stored content and rebuilds the failure list from
// the groups. A failed group listing keeps the streamed failure list.
func (r *TranslationRunner) Finalize(ctx context.Context, l Launch) (Final, error) {
	t, err := r.api.GetTranslation(ctx, l.JobID)
	if err != nil {
		return Final{}, fmt.Errorf("fetch translation: %w", err)
	}
	final := Final{Content: t.ContentMD}
	groups, err := r.api.ListTranslationGroups(ctx, l.JobID)
	if err != nil {
		return final, nil
	}
	final.Failures = failuresFromGroups(groups)
	return final, nil
}

func failuresFromGroups(groups []api.TranslationGroup) []GroupFailure {
	out := []GroupFailure{}
	for _, g := range groups {
		if g.Status != stream.StatusFailed {
			continue
		}
		f := GroupFailure{GroupID: g.ID, SectionTitle: g.SectionTitle, Attempts: g.Attempts}
		if g.LastError != nil {
			f.Error = *g.LastError
		}
		out = append(out, f)
	}
	return out
}

// =============================================================================
// Translation Job
// =============================================================================

// TranslationJob is the translation controller plus per-group retry.
type TranslationJob struct {
	*Controller[TranslationRequest]
	api  api.TranslationAPI
	poll PollConfig
}

// NewTranslationJob wires a translation controller.
func NewTranslationJob(translations api.TranslationAPI, source stream.Source, poll PollConfig, opts Options) *TranslationJob {
	return &TranslationJob{
		Controller: NewController[TranslationRequest](NewTranslationRunner(translations), source, opts),
		api:        translations,
		poll:       poll.withDefaults(),
	}
}

// RetryGroup re-queues one failed group and polls until it settles.
//
// # Description
//
// Marks the failure entry as retrying, posts the retry, then lists the
// groups every PollInterval up to MaxPollAttempts times. On success the
// entry is removed and the authoritative content refreshed. On a repeated
// failure or exhaustion the entry stays failed with Retrying cleared.
//
// # Outputs
//
//   - error: nil on success; ErrRetryNotConfirmed, ErrNoSuchFailure,
//     ErrRetryInProgress, the wrapped retry request error, or ctx.Err().
func (j *TranslationJob) RetryGroup(ctx context.Context, groupID string) error {
	c := j.Controller

	c.mu.Lock()
	gen, jobID := c.gen, c.state.JobID
	i := c.state.failureIndex(groupID)
	switch {
	case groupID == "" || i < 0:
		c.mu.Unlock()
		return fmt.Errorf("retry group %q: %w", groupID, ErrNoSuchFailure)
	case c.state.Failures[i].Retrying:
		c.mu.Unlock()
		return fmt.Errorf("retry group %q: %w", groupID, ErrRetryInProgress)
	}
	c.state.Failures[i].Retrying = true
	snap, subs := c.snapshotLocked()
	c.mu.Unlock()
	notify(subs, snap)

	logger := c.logger.With("job_id", jobID, "group_id", groupID)

	if err := j.api.RetryTranslationGroup(ctx, jobID, groupID); err != nil {
		j.settle(gen, groupID, "")
		metrics.RecordPollOutcome("retry_group", "rejected")
		return fmt.Errorf("retry group: %w", err)
	}

	var last api.TranslationGroup
	err := poll(ctx, j.poll, func(ctx context.Context) (bool, error) {
		groups, err := j.api.ListTranslationGroups(ctx, jobID)
		if err != nil {
			logger.Debug("group poll failed", "error", err)
			return false, err
		}
		for _, g := range groups {
			if g.ID == groupID {
				last = g
			}
		}
		return last.Status == stream.StatusSucceeded || last.Status == stream.StatusFailed, nil
	})

	switch {
	case err == nil && last.Status == stream.StatusSucceeded:
		t, ferr := j.api.GetTranslation(ctx, jobID)
		if ferr != nil {
			logger.Warn("content refresh after retry failed", "error", ferr)
		}
		c.update(gen, func(st *JobState) {
			st.removeFailure(groupID)
			if ferr == nil {
				st.Content = t.ContentMD
			}
		})
		metrics.RecordPollOutcome("retry_group", "succeeded")
		logger.Info("group retry succeeded")
		return nil
	case err == nil:
		msg := ""
		if last.LastError != nil {
			msg = *last.LastError
		}
		j.settleAttempts(gen, groupID, msg, last.Attempts)
		metrics.RecordPollOutcome("retry_group", "failed")
		logger.Warn("group retry failed", "error", msg)
		return fmt.Errorf("retry group %q: %w", groupID, ErrRetryNotConfirmed)
	case ctx.Err() != nil:
		j.settle(gen, groupID, "")
		metrics.RecordPollOutcome("retry_group", "cancelled")
		return ctx.Err()
	default:
		j.settle(gen, groupID, "")
		metrics.RecordPollOutcome("retry_group", "exhausted")
		logger.Warn("group retry did not settle", "attempts", j.poll.MaxAttempts)
		return fmt.Errorf("retry group %q: %w", groupID, errors.Join(ErrRetryNotConfirmed, err))
	}
}

// settle clears the retrying flag, optionally recording a new error.
func (j *TranslationJob) settle(gen uint64, groupID, message string) {
	j.settleAttempts(gen, groupID, message, 0)
}

func (j *TranslationJob) settleAttempts(gen uint64, groupID, message string, attempts int) {
	j.update(gen, func(st *JobState) {
		i := st.failureIndex(groupID)
		if i < 0 {
			return
		}
		f := &st.Failures[i]
		f.Retrying = false
		if message != "" {
			f.Error = message
		}
		if attempts > f.Attempts {
			f.Attempts = attempts
		}
	})
}
