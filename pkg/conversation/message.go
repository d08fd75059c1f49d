// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/readersync/pkg/api"
)

// tempPrefix marks ids assigned locally before the server persists a
// message.
const tempPrefix = "tmp-"

// Message is one node on the visible branch.
type Message struct {
	ID           string
	Role         api.Role
	Content      string
	Attachments  []api.Attachment
	CreatedAt    time.Time
	ParentID     string // empty for a root
	SiblingIndex int
	SiblingCount int
	Temporary    bool
}

// IsTemporaryID reports whether id was assigned locally.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, tempPrefix)
}

func newTempID() string {
	return tempPrefix + uuid.NewString()
}

// FromAPI converts a server message.
func FromAPI(m api.Message) Message {
	out := Message{
		ID:           m.ID,
		Role:         m.Role,
		Content:      m.Content.Text,
		CreatedAt:    m.CreatedAt,
		SiblingIndex: m.SiblingIndex,
		SiblingCount: m.SiblingCount,
	}
	if m.ParentID != nil {
		out.ParentID = *m.ParentID
	}
	if len(m.Content.Attachments) > 0 {
		out.Attachments = append([]api.Attachment(nil), m.Content.Attachments...)
	}
	if out.SiblingCount < 1 {
		out.SiblingCount = 1
	}
	return out
}

func (m Message) clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]api.Attachment(nil), m.Attachments...)
	}
	return m
}

func cloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.clone()
	}
	return out
}

// Parent selects where a sent message attaches.
type Parent struct {
	mode parentMode
	id   string
}

type parentMode int

const (
	parentLeaf parentMode = iota
	parentRoot
	parentID
)

// ContinueFromLeaf attaches under the current leaf. It is the zero value.
func ContinueFromLeaf() Parent { return Parent{mode: parentLeaf} }

// NewRoot starts a new root conversation in the thread.
func NewRoot() Parent { return Parent{mode: parentRoot} }

// Under forks under the given message.
func Under(id string) Parent { return Parent{mode: parentID, id: id} }

func (p Parent) String() string {
	switch p.mode {
	case parentRoot:
		return "root"
	case parentID:
		return "under:" + p.id
	default:
		return "leaf"
	}
}

// Direction selects a neighboring sibling.
type Direction int

const (
	Prev Direction = -1
	Next Direction = 1
)
