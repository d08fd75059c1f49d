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

// ListThreads returns the scope's threads, newest first.
func (c *Client) ListThreads(ctx context.Context, scope Scope) ([]Thread, error) {
	if err := validation.Struct(scope); err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	q := url.Values{}
	q.Set("scope_type", string(scope.Type))
	q.Set("scope_id", scope.ID)

	var threads []Thread
	if err := c.call(ctx, "ListThreads", http.MethodGet, "/threads?"+q.Encode(), nil, &threads); err != nil {
		return nil, err
	}
	return threads, nil
}

// EnsureThread returns the scope's thread, creating it if needed.
func (c *Client) EnsureThread(ctx context.Context, scope Scope, title string) (Thread, error) {
	if err := validation.Struct(scope); err != nil {
		return Thread{}, fmt.Errorf("ensure thread: %w", err)
	}
	body := struct {
		ScopeType ScopeType `json:"scope_type"`
		ScopeID   string    `json:"scope_id"`
		Title     *string   `json:"title,omitempty"`
	}{ScopeType: scope.Type, ScopeID: scope.ID}
	if title != "" {
		body.Title = &title
	}

	var thread Thread
	if err := c.call(ctx, "EnsureThread", http.MethodPost, "/threads?ensure=true", body, &thread); err != nil {
		return Thread{}, err
	}
	return thread, nil
}

// Branch returns the root-to-leaf path resolved from leafID.
func (c *Client) Branch(ctx context.Context, threadID, leafID string) ([]Message, error) {
	if err := validation.ValidateID(threadID); err != nil {
		return nil, fmt.Errorf("branch: %w", err)
	}
	path := "/threads/" + escape(threadID) + "/branch"
	if leafID != "" {
		if err := validation.ValidateID(leafID); err != nil {
			return nil, fmt.Errorf("branch: %w", err)
		}
		path += "?leaf_id=" + url.QueryEscape(leafID)
	}

	var msgs []Message
	if err := c.call(ctx, "Branch", http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// CreateMessage persists a user message.
func (c *Client) CreateMessage(ctx context.Context, threadID string, req CreateMessageRequest) (string, error) {
	if err := validation.ValidateID(threadID); err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}
	if err := validation.Struct(req); err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}
	for i := range req.Attachments {
		if req.Attachments[i].Type == "" {
			req.Attachments[i].Type = "image"
		}
	}

	var resp struct {
		Status    string `json:"status"`
		MessageID string `json:"message_id"`
	}
	if err := c.call(ctx, "CreateMessage", http.MethodPost, "/threads/"+escape(threadID)+"/messages", req, &resp); err != nil {
		return "", err
	}
	if resp.MessageID == "" {
		return "", &TransportError{Op: "CreateMessage", Err: fmt.Errorf("response missing message_id")}
	}
	return resp.MessageID, nil
}

// EditMessage replaces a message's text.
func (c *Client) EditMessage(ctx context.Context, threadID, messageID, content string) error {
	if err := validation.ValidateIDs([]string{threadID, messageID}); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	body := map[string]string{"content": content}
	return c.call(ctx, "EditMessage", http.MethodPatch, messagePath(threadID, messageID), body, nil)
}

// DeleteMessage removes a message and its subtree.
func (c *Client) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	if err := validation.ValidateIDs([]string{threadID, messageID}); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return c.call(ctx, "DeleteMessage", http.MethodDelete, messagePath(threadID, messageID), nil, nil)
}

// Siblings returns the ordered siblings of a message.
func (c *Client) Siblings(ctx context.Context, threadID, messageID string) (Siblings, error) {
	if err := validation.ValidateIDs([]string{threadID, messageID}); err != nil {
		return Siblings{}, fmt.Errorf("siblings: %w", err)
	}
	var s Siblings
	if err := c.call(ctx, "Siblings", http.MethodGet, messagePath(threadID, messageID)+"/siblings", nil, &s); err != nil {
		return Siblings{}, err
	}
	return s, nil
}

func messagePath(threadID, messageID string) string {
	return "/threads/" + escape(threadID) + "/messages/" + escape(messageID)
}
