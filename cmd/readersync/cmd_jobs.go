// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/AleutianAI/readersync/pkg/jobs"
)

func (a *app) runTranslate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	p := newPrinter(out)
	paperID := args[0]

	switch api.TranslationMode(a.mode) {
	case api.TranslationQuick, api.TranslationDeep:
	default:
		return fmt.Errorf("unknown translation mode %q", a.mode)
	}

	s, err := a.open(ctx, string(api.ScopePaper), paperID)
	if err != nil {
		return err
	}
	job := s.Translation()
	stop := followProgress(cmd.ErrOrStderr(), "Translating", job)
	err = s.Translate(jobs.TranslationRequest{
		PaperID:        paperID,
		Mode:           api.TranslationMode(a.mode),
		TargetLanguage: a.language,
	})
	if err != nil {
		stop()
		return fmt.Errorf("translate: %s", api.UserMessage(err))
	}
	job.Wait()
	stop()

	st := job.Snapshot()
	if st.Status != jobs.StatusSucceeded {
		return fmt.Errorf("translation %s: %s", st.Status, st.Error)
	}

	if a.retryFailed {
		for _, f := range st.Failures {
			if f.GroupID == "" {
				continue
			}
			if err := s.RetryGroup(ctx, f.GroupID); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "retry %s: %v\n", f.SectionTitle, err)
			}
		}
		st = job.Snapshot()
	}

	if st.Domain != "" {
		fmt.Fprintf(out, "Domain: %s\n\n", st.Domain)
	}
	p.document(s.View().Translation, s.Vocabulary())
	if len(st.Failures) > 0 {
		fmt.Fprintln(out, "\n"+p.theme.Title.Render("Incomplete groups:"))
		p.failures(st)
	}
	return a.settleSuggestions(ctx, out, s)
}

func (a *app) runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	p := newPrinter(out)
	paperID := args[0]

	s, err := a.open(ctx, string(api.ScopePaper), paperID)
	if err != nil {
		return err
	}
	job := s.Analysis()
	stop := followProgress(cmd.ErrOrStderr(), "Analyzing", job)
	if err := s.Analyze(jobs.AnalysisRequest{PaperID: paperID, Dimensions: a.dimensions}); err != nil {
		stop()
		return fmt.Errorf("analyze: %s", api.UserMessage(err))
	}
	job.Wait()
	stop()

	st := job.Snapshot()
	if st.Status != jobs.StatusSucceeded {
		return fmt.Errorf("analysis %s: %s", st.Status, st.Error)
	}
	p.document(s.View().Analysis, s.Vocabulary())
	return a.settleSuggestions(ctx, out, s)
}

func (a *app) runReparse(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	paperID := args[0]

	s, err := a.open(ctx, string(api.ScopePaper), paperID)
	if err != nil {
		return err
	}
	paper, err := s.Reparse(ctx, paperID)
	switch {
	case errors.Is(err, jobs.ErrReparseFailed):
		return fmt.Errorf("document %s failed to parse", paperID)
	case errors.Is(err, jobs.ErrReparseTimeout):
		return fmt.Errorf("document %s is still parsing; check again later", paperID)
	case err != nil:
		return fmt.Errorf("reparse: %s", api.UserMessage(err))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Document %s: %s\n", paperID, paper.Status)
	return nil
}
