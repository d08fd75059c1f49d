// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation keeps the visible branch of a branching message
// tree in sync with the server.
//
// The server owns the tree. The Store holds one root-to-leaf path of it and
// applies user actions optimistically: a send shows the user message and an
// empty assistant reply immediately under temporary ids, then either
// rewrites the ids once the server accepts the message or rolls both back.
// Branch loads replace the local path wholesale; the most recent load wins.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/readersync/internal/metrics"
	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/AleutianAI/readersync/pkg/logging"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrTemporaryUnresolved is returned when an action targets a message
	// the server has not persisted yet.
	ErrTemporaryUnresolved = errors.New("message is not persisted yet")

	// ErrNotFound is returned when a message is not on the visible branch.
	ErrNotFound = errors.New("message not on the visible branch")

	// ErrEmptyMessage is returned for a send with no text and no
	// attachments.
	ErrEmptyMessage = errors.New("message has no content")
)

// =============================================================================
// Types
// =============================================================================

// SendRequest is a user message to send.
type SendRequest struct {
	Content     string
	Parent      Parent
	Attachments []api.Attachment
	Mode        string
}

// SendOutcome identifies the persisted message and the pending reply.
type SendOutcome struct {
	// MessageID is the server id of the user message.
	MessageID string
	// AssistantTempID is the local id of the empty assistant reply the chat
	// stream writes into.
	AssistantTempID string
}

// Store is the client-side view of one thread's message tree.
//
// # Description
//
// The visible branch is an ordered root-to-leaf path. Every mutation is
// serialized by a mutex that is never held across a network call.
// Subscribers receive a copy of the branch after every change.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Store struct {
	api      api.MessageAPI
	threadID string
	logger   *logging.Logger

	mu         sync.Mutex
	messages   []Message
	rev        uint64
	err        error
	loadGen    uint64
	loadCancel context.CancelFunc
	subs       []func([]Message)
}

// NewStore creates an empty Store for threadID.
func NewStore(messages api.MessageAPI, threadID string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{
		api:      messages,
		threadID: threadID,
		logger:   logger.With("component", "conversation", "thread_id", threadID),
	}
}

// ThreadID returns the thread the store tracks.
func (s *Store) ThreadID() string { return s.threadID }

// =============================================================================
// Send
// =============================================================================

// Send posts a user message.
//
// # Description
//
//  1. Truncates the visible branch at the fork point and appends a
//     temporary user message and an empty temporary assistant message.
//  2. Creates the message on the server.
//  3. On failure removes both temporaries, restores the prior branch when
//     nothing else changed it meanwhile, sets the error flag and returns
//     the error.
//  4. On success rewrites the temporary user id to the server id.
//
// # Inputs
//
//   - ctx: cancels the create request.
//   - req: content, attachments and where to attach.
//
// # Outputs
//
//   - SendOutcome: server message id and the pending assistant id.
//   - error: ErrEmptyMessage, ErrNotFound or ErrTemporaryUnresolved before
//     any optimistic change; otherwise the wrapped create error.
func (s *Store) Send(ctx context.Context, req SendRequest) (SendOutcome, error) {
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return SendOutcome{}, ErrEmptyMessage
	}

	s.mu.Lock()
	cut, parentID, err := s.forkPointLocked(req.Parent)
	if err != nil {
		s.mu.Unlock()
		return SendOutcome{}, err
	}

	prior := cloneMessages(s.messages)
	siblingIndex, siblingCount := 0, 1
	if cut < len(s.messages) {
		displaced := s.messages[cut]
		siblingIndex, siblingCount = displaced.SiblingCount, displaced.SiblingCount+1
	}

	now := time.Now()
	user := Message{
		ID:           newTempID(),
		Role:         api.RoleUser,
		Content:      req.Content,
		Attachments:  append([]api.Attachment(nil), req.Attachments...),
		CreatedAt:    now,
		ParentID:     parentID,
		SiblingIndex: siblingIndex,
		SiblingCount: siblingCount,
		Temporary:    true,
	}
	assistant := Message{
		ID:           newTempID(),
		Role:         api.RoleAssistant,
		CreatedAt:    now,
		ParentID:     user.ID,
		SiblingCount: 1,
		Temporary:    true,
	}
	s.messages = append(s.messages[:cut:cut], user, assistant)
	s.invalidateLoadsLocked()
	s.rev++
	insertedRev := s.rev
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	notify(subs, snap)

	var parent *string
	if parentID != "" {
		parent = &parentID
	}
	serverID, err := s.api.CreateMessage(ctx, s.threadID, api.CreateMessageRequest{
		Content:     req.Content,
		Attachments: req.Attachments,
		Mode:        req.Mode,
		ParentID:    parent,
	})

	s.mu.Lock()
	if err != nil {
		if s.rev == insertedRev {
			s.messages = prior
		} else {
			s.removeLocked(user.ID)
			s.removeLocked(assistant.ID)
		}
		s.rev++
		s.err = err
		snap, subs = s.snapshotLocked()
		s.mu.Unlock()

		metrics.RecordSendRollback()
		s.logger.Warn("send rolled back", "parent", req.Parent.String(), "error", err)
		notify(subs, snap)
		return SendOutcome{}, fmt.Errorf("send message: %w", err)
	}

	s.rewriteIDLocked(user.ID, serverID)
	s.rev++
	snap, subs = s.snapshotLocked()
	s.mu.Unlock()
	notify(subs, snap)

	s.logger.Debug("message sent", "message_id", serverID)
	return SendOutcome{MessageID: serverID, AssistantTempID: assistant.ID}, nil
}

// forkPointLocked returns the branch index to truncate at and the parent id
// to send.
func (s *Store) forkPointLocked(p Parent) (int, string, error) {
	switch p.mode {
	case parentRoot:
		return 0, "", nil
	case parentID:
		if IsTemporaryID(p.id) {
			return 0, "", ErrTemporaryUnresolved
		}
		i := s.indexLocked(p.id)
		if i < 0 {
			return 0, "", fmt.Errorf("send under %s: %w", p.id, ErrNotFound)
		}
		return i + 1, p.id, nil
	default:
		n := len(s.messages)
		if n == 0 {
			return 0, "", nil
		}
		leaf := s.messages[n-1]
		if leaf.Temporary {
			return 0, "", ErrTemporaryUnresolved
		}
		return n, leaf.ID, nil
	}
}

// AppendAssistant appends a streamed chunk to a pending assistant message.
// It reports whether the message was found.
func (s *Store) AppendAssistant(tempID, chunk string) bool {
	return s.updateAssistant(tempID, func(m *Message) { m.Content += chunk })
}

// ReplaceAssistant replaces the content of a pending assistant message.
func (s *Store) ReplaceAssistant(tempID, content string) bool {
	return s.updateAssistant(tempID, func(m *Message) { m.Content = content })
}

// DropTemporary removes a temporary message and everything after it.
func (s *Store) DropTemporary(tempID string) bool {
	if !IsTemporaryID(tempID) {
		return false
	}
	s.mu.Lock()
	i := s.indexLocked(tempID)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.messages = s.messages[:i:i]
	s.rev++
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	notify(subs, snap)
	return true
}

func (s *Store) updateAssistant(tempID string, apply func(*Message)) bool {
	s.mu.Lock()
	i := s.indexLocked(tempID)
	if i < 0 || s.messages[i].Role != api.RoleAssistant {
		s.mu.Unlock()
		return false
	}
	apply(&s.messages[i])
	s.rev++
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	notify(subs, snap)
	return true
}

// =============================================================================
// Branch navigation
// =============================================================================

// SwitchBranch moves to the previous or next sibling of messageID and loads
// the most recent leaf under it. It is a no-op for messages without
// siblings and past either end.
func (s *Store) SwitchBranch(ctx context.Context, messageID string, dir Direction) error {
	if IsTemporaryID(messageID) {
		return ErrTemporaryUnresolved
	}
	s.mu.Lock()
	i := s.indexLocked(messageID)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("switch branch %s: %w", messageID, ErrNotFound)
	}
	count := s.messages[i].SiblingCount
	s.mu.Unlock()
	if count <= 1 {
		return nil
	}

	sib, err := s.api.Siblings(ctx, s.threadID, messageID)
	if err != nil {
		s.setErr(err)
		return fmt.Errorf("switch branch: %w", err)
	}
	next := sib.CurrentIndex + int(dir)
	if next < 0 || next >= len(sib.IDs) {
		return nil
	}
	return s.LoadBranch(ctx, sib.IDs[next])
}

// LoadBranch replaces the visible branch with the server's path ending at
// the most recent leaf under leafID (the thread's most recent leaf when
// leafID is empty).
//
// # Description
//
// The most recent call wins: starting a load cancels the previous one and
// a result that arrives after a newer load (or a send) started is dropped.
// A superseded load returns nil.
func (s *Store) LoadBranch(ctx context.Context, leafID string) error {
	if IsTemporaryID(leafID) {
		return ErrTemporaryUnresolved
	}

	s.mu.Lock()
	s.invalidateLoadsLocked()
	gen := s.loadGen
	lctx, cancel := context.WithCancel(ctx)
	s.loadCancel = cancel
	s.mu.Unlock()
	defer cancel()

	path, err := s.api.Branch(lctx, s.threadID, leafID)

	s.mu.Lock()
	if gen != s.loadGen {
		s.mu.Unlock()
		metrics.RecordBranchLoad("stale")
		s.logger.Debug("stale branch load dropped", "leaf_id", leafID)
		return nil
	}
	s.loadCancel = nil
	if err != nil {
		s.err = err
		s.mu.Unlock()
		metrics.RecordBranchLoad("error")
		return fmt.Errorf("load branch: %w", err)
	}
	msgs := make([]Message, len(path))
	for i, m := range path {
		msgs[i] = FromAPI(m)
	}
	s.messages = msgs
	s.rev++
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()

	metrics.RecordBranchLoad("applied")
	notify(subs, snap)
	return nil
}

// invalidateLoadsLocked cancels an in-flight load and makes its result
// stale.
func (s *Store) invalidateLoadsLocked() {
	s.loadGen++
	if s.loadCancel != nil {
		s.loadCancel()
		s.loadCancel = nil
	}
}

// =============================================================================
// Edit and delete
// =============================================================================

// EditMessage updates a message's text locally, then writes it through.
// A failed write is reported and the local edit is kept.
func (s *Store) EditMessage(ctx context.Context, messageID, content string) error {
	if IsTemporaryID(messageID) {
		return ErrTemporaryUnresolved
	}
	s.mu.Lock()
	i := s.indexLocked(messageID)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("edit %s: %w", messageID, ErrNotFound)
	}
	s.messages[i].Content = content
	s.rev++
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	notify(subs, snap)

	if err := s.api.EditMessage(ctx, s.threadID, messageID, content); err != nil {
		s.setErr(err)
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// DeleteMessage removes a message and its descendants on the branch, writes
// the deletion through and reloads the thread's most recent branch. A
// failed write is reported and the local removal is kept.
func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	if IsTemporaryID(messageID) {
		return ErrTemporaryUnresolved
	}
	s.mu.Lock()
	i := s.indexLocked(messageID)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("delete %s: %w", messageID, ErrNotFound)
	}
	s.messages = s.messages[:i:i]
	s.rev++
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	notify(subs, snap)

	if err := s.api.DeleteMessage(ctx, s.threadID, messageID); err != nil {
		s.setErr(err)
		return fmt.Errorf("delete message: %w", err)
	}
	return s.LoadBranch(ctx, "")
}

// =============================================================================
// Accessors
// =============================================================================

// Messages returns a copy of the visible branch.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages)
}

// Leaf returns the last message of the visible branch.
func (s *Store) Leaf() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return s.messages[len(s.messages)-1].clone(), true
}

// Err returns the last user-visible failure.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ClearErr resets the error flag.
func (s *Store) ClearErr() {
	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()
}

// Subscribe registers fn to receive the branch after every change.
func (s *Store) Subscribe(fn func([]Message)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// =============================================================================
// Internal Methods
// =============================================================================

func (s *Store) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Store) indexLocked(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) removeLocked(id string) {
	if i := s.indexLocked(id); i >= 0 {
		s.messages = append(s.messages[:i:i], s.messages[i+1:]...)
	}
}

// rewriteIDLocked replaces a temporary id everywhere it appears.
func (s *Store) rewriteIDLocked(tempID, serverID string) {
	for i := range s.messages {
		m := &s.messages[i]
		if m.ID == tempID {
			m.ID = serverID
			m.Temporary = false
		}
		if m.ParentID == tempID {
			m.ParentID = serverID
		}
	}
}

func (s *Store) snapshotLocked() ([]Message, []func([]Message)) {
	return cloneMessages(s.messages), slices.Clone(s.subs)
}

func notify(subs []func([]Message), snap []Message) {
	for _, fn := range subs {
		fn(snap)
	}
}
