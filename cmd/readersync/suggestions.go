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
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/AleutianAI/readersync/pkg/ledger"
	"github.com/AleutianAI/readersync/pkg/session"
)

// --suggestions modes.
const (
	suggestAuto    = "auto"
	suggestConfirm = "confirm"
	suggestDiscard = "discard"
	suggestReview  = "review"
)

const settlePollInterval = 50 * time.Millisecond

// settleSuggestions lists the queued suggestions of s and resolves them
// according to mode before the command exits.
func (a *app) settleSuggestions(ctx context.Context, w io.Writer, s *session.Scope) error {
	var terms []ledger.Entry[ledger.TermSuggestion]
	if q := s.Terms(); q != nil {
		terms = q.Entries()
	}
	profile := s.Profile().Entries()
	if len(terms) == 0 && len(profile) == 0 {
		return nil
	}

	fmt.Fprintln(w, "\nSuggestions:")
	for _, e := range terms {
		line := "  term " + e.Payload.Phrase
		if e.Payload.Translation != "" {
			line += ": " + e.Payload.Translation
		}
		fmt.Fprintln(w, line)
	}
	for _, e := range profile {
		fmt.Fprintln(w, "  profile "+profileSummary(e.Payload))
	}

	var errs []error
	if a.suggestions == suggestReview {
		if q := s.Terms(); q != nil {
			t, err := reviewQueue(ctx, w, a.reviewer, q, termReview)
			reportReview(w, "term", t)
			errs = append(errs, err)
		}
		t, err := reviewQueue(ctx, w, a.reviewer, s.Profile(), profileReview)
		reportReview(w, "profile", t)
		errs = append(errs, err)
		if err := errors.Join(errs...); err != nil {
			return err
		}
	}

	// skipped entries settle on their countdown
	if q := s.Terms(); q != nil {
		n, err := settle(ctx, q, a.suggestions, a.autoSettleTimeout(a.cfg.Ledger.TermCountdown))
		report(w, "term", n, a.suggestions)
		errs = append(errs, err)
	}
	n, err := settle(ctx, s.Profile(), a.suggestions, a.autoSettleTimeout(a.cfg.Ledger.ProfileCountdown))
	report(w, "profile", n, a.suggestions)
	errs = append(errs, err)
	return errors.Join(errs...)
}

// autoSettleTimeout bounds waiting for countdowns to expire.
func (a *app) autoSettleTimeout(countdown int) time.Duration {
	tick := a.cfg.Ledger.TickInterval
	if tick <= 0 {
		tick = ledger.DefaultTickInterval
	}
	if countdown <= 0 {
		countdown = ledger.DefaultTermCountdown
	}
	return time.Duration(countdown+2)*tick + 5*time.Second
}

// settle resolves every open entry of q and returns how many it handled.
func settle[P any](ctx context.Context, q *ledger.Queue[P], mode string, timeout time.Duration) (int, error) {
	var open []string
	settled := 0
	for _, e := range q.Entries() {
		switch e.Status {
		case ledger.StatusPending, ledger.StatusEditing:
			open = append(open, e.ID)
		case ledger.StatusSaving, ledger.StatusSaved:
			settled++
		}
	}
	if len(open) == 0 {
		switch mode {
		case suggestAuto:
			q.Wait()
			return settled, nil
		case suggestReview:
			q.Wait()
		}
		return 0, nil
	}

	switch mode {
	case suggestConfirm:
		var errs []error
		done := 0
		for _, id := range open {
			if err := q.Confirm(ctx, id); err != nil {
				errs = append(errs, err)
				continue
			}
			done++
		}
		return done, errors.Join(errs...)

	case suggestDiscard:
		done := 0
		for _, id := range open {
			if q.Cancel(id) {
				done++
			}
		}
		return done, nil

	default:
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		t := time.NewTicker(settlePollInterval)
		defer t.Stop()
		for q.HasPending() {
			select {
			case <-ctx.Done():
				return 0, fmt.Errorf("suggestions still pending: %w", ctx.Err())
			case <-t.C:
			}
		}
		q.Wait()
		if mode == suggestReview {
			// reviewed entries were reported already
			return len(open), nil
		}
		return settled + len(open), nil
	}
}

func report(w io.Writer, kind string, n int, mode string) {
	if n == 0 {
		return
	}
	verb := "saved"
	if mode == suggestDiscard {
		verb = "discarded"
	}
	fmt.Fprintf(w, "%d %s suggestion(s) %s\n", n, kind, verb)
}

// profileSummary renders an update the way it will be patched.
func profileSummary(u api.ProfileUpdate) string {
	return fmt.Sprintf("%v", map[string]any(ledger.NormalizeProfileUpdate(u)))
}
