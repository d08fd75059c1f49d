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

	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/AleutianAI/readersync/pkg/conversation"
	"github.com/AleutianAI/readersync/pkg/stream"
)

// ChatRunner sends a message through the conversation store and streams
// the reply into the store's pending assistant message. The server
// persists the reply, so the authoritative result is a branch reload.
type ChatRunner struct {
	store *conversation.Store
}

var (
	_ Runner[conversation.SendRequest] = (*ChatRunner)(nil)
	_ EventObserver                    = (*ChatRunner)(nil)
	_ FailureObserver                  = (*ChatRunner)(nil)
	_ SupersedeObserver                = (*ChatRunner)(nil)
)

// errNoReply is returned by Finalize when the reloaded branch does not end
// in an assistant message.
var errNoReply = errors.New("reloaded branch has no assistant reply")

// NewChatRunner creates a runner writing into store.
func NewChatRunner(store *conversation.Store) *ChatRunner {
	return &ChatRunner{store: store}
}

// NewChatController wires a chat controller for store.
func NewChatController(store *conversation.Store, source stream.Source, opts Options) *Controller[conversation.SendRequest] {
	return NewController[conversation.SendRequest](NewChatRunner(store), source, opts)
}

func (r *ChatRunner) Kind() Kind { return KindChat }

// Begin sends the message. The launch Ref is the pending reply's id.
func (r *ChatRunner) Begin(ctx context.Context, req conversation.SendRequest) (Launch, error) {
	out, err := r.store.Send(ctx, req)
	if err != nil {
		return Launch{}, err
	}
	return Launch{
		JobID: out.MessageID,
		Path:  api.ChatStreamPath(r.store.ThreadID()),
		Ref:   out.AssistantTempID,
	}, nil
}

// Observe mirrors streamed text into the pending reply.
func (r *ChatRunner) Observe(l Launch, e stream.Event) {
	switch ev := e.(type) {
	case stream.TokenEvent:
		r.store.AppendAssistant(l.Ref, ev.Content)
	case stream.SnapshotEvent:
		if ev.Content != "" {
			r.store.ReplaceAssistant(l.Ref, ev.Content)
		}
	}
}

// Finalize reloads the thread's latest branch and returns the reply.
func (r *ChatRunner) Finalize(ctx context.Context, _ Launch) (Final, error) {
	if err := r.store.LoadBranch(ctx, ""); err != nil {
		return Final{}, fmt.Errorf("reload branch: %w", err)
	}
	leaf, ok := r.store.Leaf()
	if !ok || leaf.Role != api.RoleAssistant {
		return Final{}, errNoReply
	}
	return Final{Content: leaf.Content}, nil
}

// Failed drops the pending reply and resynchronizes with the server.
func (r *ChatRunner) Failed(ctx context.Context, l Launch, _ string) {
	r.store.DropTemporary(l.Ref)
	if ctx.Err() == nil {
		_ = r.store.LoadBranch(ctx, "")
	}
}

// Superseded drops the replaced run's pending reply so the next send
// continues from a persisted message.
func (r *ChatRunner) Superseded(l Launch) {
	r.store.DropTemporary(l.Ref)
}
