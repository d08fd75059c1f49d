// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/AleutianAI/readersync/pkg/stream"
	"github.com/AleutianAI/readersync/pkg/vocab"
)

// DefaultTermLanguage is used when a suggestion carries no language.
const DefaultTermLanguage = "en"

// ErrEmptySuggestion is returned when a payload has nothing to write.
var ErrEmptySuggestion = errors.New("suggestion is empty")

// =============================================================================
// Terms
// =============================================================================

// TermSuggestion is the payload of the term queue.
type TermSuggestion struct {
	Phrase      string
	Translation string
	Explanation string
	Language    string
}

// TermSuggestionFromEvent converts a streamed suggestion.
func TermSuggestionFromEvent(s stream.TermSuggestion) TermSuggestion {
	return TermSuggestion{
		Phrase:      strings.TrimSpace(s.Term),
		Translation: strings.TrimSpace(s.Translation),
		Explanation: strings.TrimSpace(s.Explanation),
	}
}

// TermCommitter creates the term (or resolves the existing one), records
// its confirmed knowledge, and adds it to the known-phrase set.
type TermCommitter struct {
	terms     api.TermAPI
	projectID string
	known     *vocab.Set
}

var _ Committer[TermSuggestion] = (*TermCommitter)(nil)

// NewTermCommitter creates a TermCommitter. known may be nil.
func NewTermCommitter(terms api.TermAPI, projectID string, known *vocab.Set) *TermCommitter {
	return &TermCommitter{terms: terms, projectID: projectID, known: known}
}

// Commit writes s through.
//
// # Description
//
//  1. Creates the term. A conflict (409, or 400 for a duplicate) is
//     resolved by searching the project for the same phrase.
//  2. Confirms the term's knowledge with the suggested translation and
//     explanation.
//  3. Adds the confirmed phrase to the known-phrase set.
func (c *TermCommitter) Commit(ctx context.Context, s TermSuggestion) error {
	if strings.TrimSpace(s.Phrase) == "" {
		return ErrEmptySuggestion
	}
	lang := s.Language
	if lang == "" {
		lang = DefaultTermLanguage
	}

	term, err := c.terms.CreateTerm(ctx, api.CreateTermRequest{
		ProjectID: c.projectID,
		Phrase:    s.Phrase,
		Language:  lang,
	})
	if err != nil {
		if !isDuplicate(err) {
			return fmt.Errorf("create term: %w", err)
		}
		existing, ok, rerr := c.resolve(ctx, s.Phrase, lang)
		if rerr != nil {
			return fmt.Errorf("resolve term: %w", rerr)
		}
		if !ok {
			return fmt.Errorf("create term: %w", err)
		}
		term = existing
	}

	knowledge, err := c.terms.ConfirmTerm(ctx, term.ID, api.ConfirmTermRequest{
		TermID:      term.ID,
		Translation: s.Translation,
		Definition:  s.Explanation,
	})
	if err != nil {
		return fmt.Errorf("confirm term: %w", err)
	}

	if c.known != nil {
		entry := vocab.Entry{ID: term.ID, Phrase: term.Phrase, Translation: s.Translation, Definition: s.Explanation}
		if knowledge.Translation != nil {
			entry.Translation = *knowledge.Translation
		}
		if knowledge.Definition != nil {
			entry.Definition = *knowledge.Definition
		}
		c.known.Add(entry)
	}
	return nil
}

// resolve finds an existing term with the same phrase and language.
func (c *TermCommitter) resolve(ctx context.Context, phrase, lang string) (api.Term, bool, error) {
	list, err := c.terms.ListTerms(ctx, c.projectID, phrase)
	if err != nil {
		return api.Term{}, false, err
	}
	for _, t := range list {
		if strings.EqualFold(t.Phrase, phrase) && (t.Language == "" || t.Language == lang) {
			return t, true, nil
		}
	}
	return api.Term{}, false, nil
}

func isDuplicate(err error) bool {
	code := api.StatusCode(err)
	return code == http.StatusConflict || code == http.StatusBadRequest
}

// =============================================================================
// Profile
// =============================================================================

// ProfileCommitter patches the reading profile.
type ProfileCommitter struct {
	profile api.ProfileAPI
}

var _ Committer[api.ProfileUpdate] = (*ProfileCommitter)(nil)

// NewProfileCommitter creates a ProfileCommitter.
func NewProfileCommitter(profile api.ProfileAPI) *ProfileCommitter {
	return &ProfileCommitter{profile: profile}
}

// Commit writes the normalized update.
func (c *ProfileCommitter) Commit(ctx context.Context, update api.ProfileUpdate) error {
	normalized := NormalizeProfileUpdate(update)
	if len(normalized) == 0 {
		return ErrEmptySuggestion
	}
	if err := c.profile.PatchProfile(ctx, normalized); err != nil {
		return fmt.Errorf("patch profile: %w", err)
	}
	return nil
}

// NormalizeProfileUpdate maps suggestion keys onto the profile patch
// format: "expertise" becomes "expertise_levels", and single
// "difficult_topic" / "mastered_topic" values are appended to the
// incremental "added_*_topics" lists. The input is not modified.
func NormalizeProfileUpdate(update api.ProfileUpdate) api.ProfileUpdate {
	out := make(api.ProfileUpdate, len(update))
	for k, v := range update {
		out[k] = v
	}
	if v, ok := out["expertise"]; ok {
		delete(out, "expertise")
		if _, exists := out["expertise_levels"]; !exists {
			out["expertise_levels"] = v
		}
	}
	mergeTopic(out, "difficult_topic", "added_difficult_topics")
	mergeTopic(out, "mastered_topic", "added_mastered_topics")
	return out
}

func mergeTopic(u api.ProfileUpdate, single, list string) {
	v, ok := u[single]
	if !ok {
		return
	}
	delete(u, single)
	topic, _ := v.(string)
	if strings.TrimSpace(topic) == "" {
		return
	}
	var added []any
	switch cur := u[list].(type) {
	case string:
		added = []any{cur}
	case []any:
		added = append(added, cur...)
	case []string:
		for _, s := range cur {
			added = append(added, s)
		}
	}
	u[list] = append(added, topic)
}
