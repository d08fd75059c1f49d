// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/readersync/internal/backendtest"
	"github.com/AleutianAI/readersync/pkg/api"
)

// =============================================================================
// Helpers
// =============================================================================

type fixture struct {
	backend *backendtest.Backend
	client  *api.Client
	thread  string
	store   *Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b, client, _ := backendtest.Start(t)
	th := b.AddThread(api.Scope{Type: api.ScopePaper, ID: uuid.NewString()}, "Reading")
	return &fixture{
		backend: b,
		client:  client,
		thread:  th.ID,
		store:   NewStore(client, th.ID, nil),
	}
}

// chain seeds alternating user/assistant messages under parent and returns
// their ids.
func (f *fixture) chain(parent string, texts ...string) []string {
	ids := make([]string, 0, len(texts))
	for i, text := range texts {
		role := api.RoleUser
		if i%2 == 1 {
			role = api.RoleAssistant
		}
		parent = f.backend.AddMessage(f.thread, parent, role, text)
		ids = append(ids, parent)
	}
	return ids
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// =============================================================================
// LoadBranch
// =============================================================================

func TestStore_LoadBranch_RootToLeafPath(t *testing.T) {
	f := newFixture(t)
	chain := f.chain("", "q1", "a1", "q2", "a2")

	require.NoError(t, f.store.LoadBranch(context.Background(), ""))

	msgs := f.store.Messages()
	assert.Equal(t, chain, ids(msgs))
	assert.Equal(t, "", msgs[0].ParentID)
	for i := 1; i < len(msgs); i++ {
		assert.Equal(t, msgs[i-1].ID, msgs[i].ParentID)
	}
	leaf, ok := f.store.Leaf()
	require.True(t, ok)
	assert.Equal(t, "a2", leaf.Content)
}

func TestStore_LoadBranch_ErrorSetsFlag(t *testing.T) {
	f := newFixture(t)
	f.backend.FailNext("Branch", http.StatusInternalServerError, "boom", 1)

	err := f.store.LoadBranch(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, api.StatusCode(err))
	assert.Error(t, f.store.Err())

	f.store.ClearErr()
	assert.NoError(t, f.store.Err())
}

func TestStore_LoadBranch_LatestWins(t *testing.T) {
	f := newFixture(t)
	first := f.chain("", "q1", "a1")
	second := f.chain("", "q1b", "a1b")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })
	f.backend.SetBranchHook(func(leafID string) {
		if leafID == first[0] {
			close(entered)
			<-release
		}
	})

	done := make(chan error, 1)
	go func() { done <- f.store.LoadBranch(context.Background(), first[0]) }()
	<-entered

	require.NoError(t, f.store.LoadBranch(context.Background(), second[0]))
	once.Do(func() { close(release) })

	select {
	case err := <-done:
		assert.NoError(t, err, "superseded load returns nil")
	case <-time.After(5 * time.Second):
		t.Fatal("first load did not return")
	}
	assert.Equal(t, second, ids(f.store.Messages()))
}

// =============================================================================
// SwitchBranch
// =============================================================================

func TestStore_SwitchBranch_CyclesSiblings(t *testing.T) {
	f := newFixture(t)
	first := f.chain("", "q1", "a1")
	second := f.chain("", "q1b", "a1b")
	ctx := context.Background()

	require.NoError(t, f.store.LoadBranch(ctx, ""))
	msgs := f.store.Messages()
	require.Equal(t, second, ids(msgs))
	assert.Equal(t, 1, msgs[0].SiblingIndex)
	assert.Equal(t, 2, msgs[0].SiblingCount)

	branchCalls := f.backend.Calls("Branch")
	require.NoError(t, f.store.SwitchBranch(ctx, second[0], Next))
	assert.Equal(t, branchCalls, f.backend.Calls("Branch"), "past the last sibling is a no-op")
	assert.Equal(t, second, ids(f.store.Messages()))

	require.NoError(t, f.store.SwitchBranch(ctx, second[0], Prev))
	assert.Equal(t, first, ids(f.store.Messages()))

	branchCalls = f.backend.Calls("Branch")
	require.NoError(t, f.store.SwitchBranch(ctx, first[0], Prev))
	assert.Equal(t, branchCalls, f.backend.Calls("Branch"), "before the first sibling is a no-op")
	assert.Equal(t, first, ids(f.store.Messages()))
}

func TestStore_SwitchBranch_SingleChildNoRequest(t *testing.T) {
	f := newFixture(t)
	chain := f.chain("", "q1", "a1")
	ctx := context.Background()
	require.NoError(t, f.store.LoadBranch(ctx, ""))

	require.NoError(t, f.store.SwitchBranch(ctx, chain[1], Next))
	assert.Zero(t, f.backend.Calls("Siblings"))

	err := f.store.SwitchBranch(ctx, uuid.NewString(), Next)
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// Send
// =============================================================================

func TestStore_Send_RewritesTemporaryID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var seen [][]Message
	f.store.Subscribe(func(m []Message) { seen = append(seen, m) })

	out, err := f.store.Send(ctx, SendRequest{Content: "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, out.MessageID)
	assert.True(t, IsTemporaryID(out.AssistantTempID))

	msgs := f.store.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, out.MessageID, msgs[0].ID)
	assert.False(t, msgs[0].Temporary)
	assert.Equal(t, out.MessageID, msgs[1].ParentID)
	assert.Equal(t, out.AssistantTempID, msgs[1].ID)

	require.Len(t, seen, 2)
	assert.True(t, seen[0][0].Temporary, "first notification is optimistic")

	stored, ok := f.backend.Message(out.MessageID)
	require.True(t, ok)
	assert.Equal(t, "hello", stored.Content.Text)
	assert.Nil(t, stored.ParentID)

	assert.True(t, f.store.AppendAssistant(out.AssistantTempID, "hi "))
	assert.True(t, f.store.AppendAssistant(out.AssistantTempID, "there"))
	leaf, _ := f.store.Leaf()
	assert.Equal(t, "hi there", leaf.Content)
	assert.True(t, f.store.ReplaceAssistant(out.AssistantTempID, "final"))
	assert.False(t, f.store.AppendAssistant(out.MessageID, "x"), "user messages are not streamed into")
}

func TestStore_Send_ForkCreatesSibling(t *testing.T) {
	f := newFixture(t)
	chain := f.chain("", "q1", "a1", "q2", "a2")
	ctx := context.Background()
	require.NoError(t, f.store.LoadBranch(ctx, ""))

	out, err := f.store.Send(ctx, SendRequest{Content: "q2 again", Parent: Under(chain[1])})
	require.NoError(t, err)

	msgs := f.store.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, chain[:2], ids(msgs[:2]))
	assert.Equal(t, out.MessageID, msgs[2].ID)
	assert.Equal(t, 1, msgs[2].SiblingIndex)
	assert.Equal(t, 2, msgs[2].SiblingCount)

	// The server branch now ends at the new message.
	require.NoError(t, f.store.LoadBranch(ctx, ""))
	got := f.store.Messages()
	assert.Equal(t, []string{chain[0], chain[1], out.MessageID}, ids(got))
	assert.Equal(t, 2, got[2].SiblingCount)
}

func TestStore_Send_NewRootTruncates(t *testing.T) {
	f := newFixture(t)
	f.chain("", "q1", "a1")
	ctx := context.Background()
	require.NoError(t, f.store.LoadBranch(ctx, ""))

	out, err := f.store.Send(ctx, SendRequest{Content: "fresh", Parent: NewRoot()})
	require.NoError(t, err)
	msgs := f.store.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, out.MessageID, msgs[0].ID)
	assert.Equal(t, "", msgs[0].ParentID)
}

func TestStore_Send_RollbackRestoresPriorBranch(t *testing.T) {
	f := newFixture(t)
	chain := f.chain("", "q1", "a1", "q2", "a2")
	ctx := context.Background()
	require.NoError(t, f.store.LoadBranch(ctx, ""))
	before := f.store.Messages()

	f.backend.FailNext("CreateMessage", http.StatusInternalServerError, "model offline", 2)

	for i := 0; i < 2; i++ {
		_, err := f.store.Send(ctx, SendRequest{Content: "retry me", Parent: Under(chain[1])})
		require.Error(t, err)
		assert.Equal(t, http.StatusInternalServerError, api.StatusCode(err))
		assert.Equal(t, before, f.store.Messages())
		assert.Error(t, f.store.Err())
	}
}

func TestStore_Send_RollbackKeepsConcurrentChanges(t *testing.T) {
	fake := &gatedMessages{gate: make(chan struct{}), entered: make(chan struct{})}
	store := NewStore(fake, uuid.NewString(), nil)
	root := uuid.NewString()
	fake.branch = []api.Message{
		{ID: root, Role: api.RoleUser, Content: api.MessageContent{Text: "q1"}, SiblingCount: 1},
	}
	ctx := context.Background()
	require.NoError(t, store.LoadBranch(ctx, ""))

	done := make(chan error, 1)
	go func() {
		_, err := store.Send(ctx, SendRequest{Content: "next"})
		done <- err
	}()
	<-fake.entered

	require.NoError(t, store.EditMessage(ctx, root, "q1 edited"))
	close(fake.gate)
	require.Error(t, <-done)

	msgs := store.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "q1 edited", msgs[0].Content)
}

func TestStore_Send_InvalidParents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Send(ctx, SendRequest{Content: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	out, err := f.store.Send(ctx, SendRequest{Content: "hello"})
	require.NoError(t, err)

	_, err = f.store.Send(ctx, SendRequest{Content: "follow-up"})
	assert.ErrorIs(t, err, ErrTemporaryUnresolved, "leaf is the pending reply")

	_, err = f.store.Send(ctx, SendRequest{Content: "x", Parent: Under(out.AssistantTempID)})
	assert.ErrorIs(t, err, ErrTemporaryUnresolved)

	_, err = f.store.Send(ctx, SendRequest{Content: "x", Parent: Under(uuid.NewString())})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, f.store.EditMessage(ctx, out.AssistantTempID, "x"), ErrTemporaryUnresolved)
	assert.ErrorIs(t, f.store.DeleteMessage(ctx, out.AssistantTempID), ErrTemporaryUnresolved)
	assert.ErrorIs(t, f.store.SwitchBranch(ctx, out.AssistantTempID, Next), ErrTemporaryUnresolved)
	assert.ErrorIs(t, f.store.LoadBranch(ctx, out.AssistantTempID), ErrTemporaryUnresolved)
	assert.Equal(t, 1, f.backend.Calls("CreateMessage"))

	assert.True(t, f.store.DropTemporary(out.AssistantTempID))
	_, err = f.store.Send(ctx, SendRequest{Content: "follow-up"})
	assert.NoError(t, err)
}

// =============================================================================
// Edit and delete
// =============================================================================

func TestStore_EditMessage(t *testing.T) {
	f := newFixture(t)
	chain := f.chain("", "q1", "a1")
	ctx := context.Background()
	require.NoError(t, f.store.LoadBranch(ctx, ""))

	require.NoError(t, f.store.EditMessage(ctx, chain[0], "q1 revised"))
	assert.Equal(t, "q1 revised", f.store.Messages()[0].Content)
	stored, _ := f.backend.Message(chain[0])
	assert.Equal(t, "q1 revised", stored.Content.Text)

	f.backend.FailNext("EditMessage", http.StatusInternalServerError, "boom", 1)
	err := f.store.EditMessage(ctx, chain[0], "local only")
	require.Error(t, err)
	assert.Equal(t, "local only", f.store.Messages()[0].Content)
	assert.Error(t, f.store.Err())
}

func TestStore_DeleteMessage_ReloadsBranch(t *testing.T) {
	f := newFixture(t)
	chain := f.chain("", "q1", "a1", "q2", "a2")
	ctx := context.Background()
	require.NoError(t, f.store.LoadBranch(ctx, ""))

	require.NoError(t, f.store.DeleteMessage(ctx, chain[2]))
	assert.Equal(t, chain[:2], ids(f.store.Messages()))
	_, ok := f.backend.Message(chain[3])
	assert.False(t, ok, "descendants are deleted on the server")

	assert.ErrorIs(t, f.store.DeleteMessage(ctx, chain[3]), ErrNotFound)
}

// =============================================================================
// Fakes
// =============================================================================

// gatedMessages blocks CreateMessage until gate is closed, then fails it.
type gatedMessages struct {
	mu      sync.Mutex
	branch  []api.Message
	gate    chan struct{}
	entered chan struct{}
}

var _ api.MessageAPI = (*gatedMessages)(nil)

func (g *gatedMessages) Branch(context.Context, string, string) ([]api.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]api.Message(nil), g.branch...), nil
}

func (g *gatedMessages) CreateMessage(ctx context.Context, _ string, _ api.CreateMessageRequest) (string, error) {
	close(g.entered)
	select {
	case <-g.gate:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return "", &api.APIError{Op: "CreateMessage", StatusCode: http.StatusServiceUnavailable, Detail: "unavailable"}
}

func (g *gatedMessages) EditMessage(context.Context, string, string, string) error { return nil }

func (g *gatedMessages) DeleteMessage(context.Context, string, string) error {
	return errors.New("not supported")
}

func (g *gatedMessages) Siblings(context.Context, string, string) (api.Siblings, error) {
	return api.Siblings{}, errors.New("not supported")
}
