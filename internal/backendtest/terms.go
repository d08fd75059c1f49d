// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backendtest

import (
	"net/http"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/readersync/pkg/api"
)

// AddTerm stores a term, confirmed when translation is non-empty, and
// returns its id.
func (b *Backend) AddTerm(projectID, phrase, translation string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := &api.Term{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		ProjectID: projectID,
		Phrase:    phrase,
		Language:  "en",
	}
	if translation != "" {
		tr := translation
		t.Knowledge = &api.TermKnowledge{ID: uuid.NewString(), TermID: t.ID, Translation: &tr, Status: "confirmed"}
	}
	b.terms[t.ID] = t
	return t.ID
}

// Term returns a copy of the stored term.
func (b *Backend) Term(id string) (api.Term, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.terms[id]
	if !ok {
		return api.Term{}, false
	}
	return *t, true
}

func (b *Backend) handleListTerms(c *gin.Context) {
	if !b.enter(c, "ListTerms") {
		return
	}
	projectID := c.Query("project_id")
	search := strings.ToLower(c.Query("search"))

	b.mu.Lock()
	out := make([]api.Term, 0)
	for _, t := range b.terms {
		if t.ProjectID != projectID {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(t.Phrase), search) {
			continue
		}
		out = append(out, *t)
	}
	b.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	c.JSON(http.StatusOK, out)
}

func (b *Backend) handleCreateTerm(c *gin.Context) {
	if !b.enter(c, "CreateTerm") {
		return
	}
	var req api.CreateTermRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.terms {
		if t.ProjectID == req.ProjectID && t.Language == req.Language &&
			strings.EqualFold(t.Phrase, req.Phrase) {
			abort(c, http.StatusConflict, "Term already exists")
			return
		}
	}
	t := &api.Term{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		ProjectID: req.ProjectID,
		Phrase:    req.Phrase,
		Language:  req.Language,
	}
	b.terms[t.ID] = t
	c.JSON(http.StatusCreated, t)
}

func (b *Backend) handleConfirmTerm(c *gin.Context) {
	if !b.enter(c, "ConfirmTerm") {
		return
	}
	var req api.ConfirmTermRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.terms[c.Param("id")]
	if !ok {
		abort(c, http.StatusNotFound, "Term not found")
		return
	}
	now := time.Now().UTC()
	k := &api.TermKnowledge{
		ID:          uuid.NewString(),
		TermID:      t.ID,
		Status:      "confirmed",
		ConfirmedAt: &now,
	}
	if t.Knowledge != nil {
		k.ID = t.Knowledge.ID
	}
	if req.CanonicalEN != "" {
		k.CanonicalEN = &req.CanonicalEN
	}
	if req.Translation != "" {
		k.Translation = &req.Translation
	}
	if req.Definition != "" {
		k.Definition = &req.Definition
	}
	t.Knowledge = k
	c.JSON(http.StatusOK, k)
}

// handlePatchProfile merges a partial profile update. Maps are merged key
// by key, topic lists are replaced, and added_* lists are appended without
// duplicates.
func (b *Backend) handlePatchProfile(c *gin.Context) {
	if !b.enter(c, "PatchProfile") {
		return
	}
	var update api.ProfileUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		abort(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, value := range update {
		switch key {
		case "expertise_levels", "preferences":
			incoming, ok := value.(map[string]any)
			if !ok {
				abort(c, http.StatusUnprocessableEntity, key+" must be an object")
				return
			}
			merged, _ := b.profile[key].(map[string]any)
			if merged == nil {
				merged = make(map[string]any)
			}
			for k, v := range incoming {
				merged[k] = v
			}
			b.profile[key] = merged
		case "added_difficult_topics", "added_mastered_topics":
			target := strings.TrimPrefix(key, "added_")
			existing, _ := b.profile[target].([]any)
			incoming, _ := value.([]any)
			for _, item := range incoming {
				if !containsValue(existing, item) {
					existing = append(existing, item)
				}
			}
			b.profile[target] = existing
		default:
			b.profile[key] = value
		}
	}
	c.JSON(http.StatusOK, b.profile)
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if reflect.DeepEqual(item, v) {
			return true
		}
	}
	return false
}
