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
	"net/url"

	"github.com/AleutianAI/readersync/pkg/validation"
)

// ListTerms returns the project's terms, optionally filtered by a search
// string.
func (c *Client) ListTerms(ctx context.Context, projectID, search string) ([]Term, error) {
	if err := validation.ValidateID(projectID); err != nil {
		return nil, fmt.Errorf("list terms: %w", err)
	}
	q := url.Values{}
	q.Set("project_id", projectID)
	if search != "" {
		q.Set("search", search)
	}
	var terms []Term
	if err := c.call(ctx, "ListTerms", http.MethodGet, "/terms?"+q.Encode(), nil, &terms); err != nil {
		return nil, err
	}
	return terms, nil
}

// CreateTerm adds a term. Returns an *APIError with status 409 or 400 when
// the phrase already exists in the project.
func (c *Client) CreateTerm(ctx context.Context, req CreateTermRequest) (Term, error) {
	if err := validation.Struct(req); err != nil {
		return Term{}, fmt.Errorf("create term: %w", err)
	}
	var t Term
	if err := c.call(ctx, "CreateTerm", http.MethodPost, "/terms", req, &t); err != nil {
		return Term{}, err
	}
	return t, nil
}

// ConfirmTerm records confirmed knowledge for a term.
func (c *Client) ConfirmTerm(ctx context.Context, termID string, req ConfirmTermRequest) (TermKnowledge, error) {
	if err := validation.ValidateID(termID); err != nil {
		return TermKnowledge{}, fmt.Errorf("confirm term: %w", err)
	}
	req.TermID = termID
	var k TermKnowledge
	if err := c.call(ctx, "ConfirmTerm", http.MethodPost, "/terms/"+escape(termID)+"/confirm", req, &k); err != nil {
		return TermKnowledge{}, err
	}
	return k, nil
}

// PatchProfile applies a partial profile update.
func (c *Client) PatchProfile(ctx context.Context, update ProfileUpdate) error {
	if len(update) == 0 {
		return fmt.Errorf("patch profile: empty update")
	}
	return c.call(ctx, "PatchProfile", http.MethodPatch, "/auth/me/profile", update, nil)
}
