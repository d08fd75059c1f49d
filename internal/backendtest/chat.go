// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backendtest

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/AleutianAI/readersync/pkg/stream"
	"github.com/AleutianAI/readersync/pkg/validation"
)

// node is a stored message. seq orders creation.
type node struct {
	msg api.Message
	seq int64
}

// ChatScript controls one chat push channel of a thread.
type ChatScript struct {
	// Events are written in order. A [DONE] sentinel follows unless
	// OmitDone is set.
	Events []stream.Event
	// Reply is the persisted assistant content. Empty persists the
	// concatenated token events.
	Reply string
	// OmitDone ends the channel without a terminal event.
	OmitDone bool
	// Hold, when non-nil, delays the first event until it is closed.
	Hold <-chan struct{}
	// SkipPersist leaves the reply unsaved even when the stream succeeds.
	SkipPersist bool
}

// QueueChatScript queues a script for the next chat stream of threadID.
func (b *Backend) QueueChatScript(threadID string, s ChatScript) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chatScripts[threadID] = append(b.chatScripts[threadID], s)
}

// AddThread stores a thread for scope and returns it.
func (b *Backend) AddThread(scope api.Scope, title string) api.Thread {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.addThreadLocked(uuid.NewString(), scope, title)
}

// AddMessage stores a message directly, bypassing the chat flow. parentID
// may be empty for a root. It returns the new id.
func (b *Backend) AddMessage(threadID, parentID string, role api.Role, text string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addMessageLocked(threadID, parentID, role, api.MessageContent{Text: text})
}

// Message returns a stored message.
func (b *Backend) Message(id string) (api.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.messages[id]
	if !ok {
		return api.Message{}, false
	}
	return n.msg, true
}

// ThreadCount returns the number of stored threads.
func (b *Backend) ThreadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.threads)
}

func (b *Backend) addThreadLocked(id string, scope api.Scope, title string) *api.Thread {
	t := &api.Thread{ID: id, ScopeType: scope.Type, ScopeID: scope.ID, CreatedAt: time.Now().UTC()}
	if title != "" {
		t.Title = &title
	}
	b.threads = append(b.threads, t)
	return t
}

func (b *Backend) addMessageLocked(threadID, parentID string, role api.Role, content api.MessageContent) string {
	b.seq++
	id := uuid.NewString()
	m := api.Message{
		ID:        id,
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if parentID != "" {
		p := parentID
		m.ParentID = &p
	}
	b.messages[id] = &node{msg: m, seq: b.seq}
	return id
}

func (b *Backend) threadLocked(id string) *api.Thread {
	for _, t := range b.threads {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// =============================================================================
// Tree queries
// =============================================================================

func parentKey(m api.Message) string {
	if m.ParentID == nil {
		return ""
	}
	return *m.ParentID
}

// childrenLocked returns the children of parentID in creation order.
func (b *Backend) childrenLocked(threadID, parentID string) []*node {
	var out []*node
	for _, n := range b.messages {
		if n.msg.ThreadID == threadID && parentKey(n.msg) == parentID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// latestLeafLocked returns the most recently created leaf under rootID
// (inclusive), or in the whole thread when rootID is empty.
func (b *Backend) latestLeafLocked(threadID, rootID string) *node {
	var best *node
	var walk func(id string)
	visit := func(n *node) {
		if len(b.childrenLocked(threadID, n.msg.ID)) == 0 && (best == nil || n.seq > best.seq) {
			best = n
		}
	}
	walk = func(id string) {
		for _, child := range b.childrenLocked(threadID, id) {
			visit(child)
			walk(child.msg.ID)
		}
	}
	if rootID != "" {
		root, ok := b.messages[rootID]
		if !ok || root.msg.ThreadID != threadID {
			return nil
		}
		visit(root)
		walk(rootID)
		return best
	}
	walk("")
	return best
}

// pathLocked returns the root-to-leaf path with sibling metadata.
func (b *Backend) pathLocked(threadID string, leaf *node) []api.Message {
	var rev []api.Message
	for cur := leaf; cur != nil; {
		m := cur.msg
		siblings := b.childrenLocked(threadID, parentKey(m))
		for i, s := range siblings {
			if s.msg.ID == m.ID {
				m.SiblingIndex = i
			}
		}
		m.SiblingCount = len(siblings)
		if m.SiblingCount == 0 {
			m.SiblingCount = 1
		}
		rev = append(rev, m)
		if m.ParentID == nil {
			break
		}
		cur = b.messages[*m.ParentID]
	}
	out := make([]api.Message, len(rev))
	for i := range rev {
		out[i] = rev[len(rev)-1-i]
	}
	return out
}

func (b *Backend) deleteSubtreeLocked(threadID, id string) {
	for _, child := range b.childrenLocked(threadID, id) {
		b.deleteSubtreeLocked(threadID, child.msg.ID)
	}
	delete(b.messages, id)
}

// =============================================================================
// Handlers
// =============================================================================

func (b *Backend) handleListThreads(c *gin.Context) {
	if !b.enter(c, "ListThreads") {
		return
	}
	scopeType, scopeID := c.Query("scope_type"), c.Query("scope_id")
	if err := validation.ValidateScopeType(scopeType); err != nil {
		abort(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	b.mu.Lock()
	out := []api.Thread{}
	for i := len(b.threads) - 1; i >= 0; i-- {
		t := b.threads[i]
		if string(t.ScopeType) == scopeType && t.ScopeID == scopeID {
			out = append(out, *t)
		}
	}
	b.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

func (b *Backend) handleCreateThread(c *gin.Context) {
	if !b.enter(c, "EnsureThread") {
		return
	}
	var body struct {
		ScopeType api.ScopeType `json:"scope_type"`
		ScopeID   string        `json:"scope_id"`
		Title     *string       `json:"title"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	scope := api.Scope{Type: body.ScopeType, ID: body.ScopeID}
	if err := validation.Struct(scope); err != nil {
		abort(c, http.StatusBadRequest, "Invalid scope_type")
		return
	}
	title := ""
	if body.Title != nil {
		title = *body.Title
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c.Query("ensure") == "true" {
		for i := len(b.threads) - 1; i >= 0; i-- {
			if b.threads[i].Scope() == scope {
				c.JSON(http.StatusCreated, b.threads[i])
				return
			}
		}
		id := uuid.NewSHA1(uuid.NameSpaceURL, []byte("readersync:chat_thread:"+scope.Key())).String()
		c.JSON(http.StatusCreated, b.addThreadLocked(id, scope, title))
		return
	}
	c.JSON(http.StatusCreated, b.addThreadLocked(uuid.NewString(), scope, title))
}

func (b *Backend) handleBranch(c *gin.Context) {
	if !b.enter(c, "Branch") {
		return
	}
	tid, ok := validID(c, "tid")
	if !ok {
		return
	}
	leafID := c.Query("leaf_id")

	b.mu.Lock()
	hook := b.branchHook
	b.mu.Unlock()
	if hook != nil {
		hook(leafID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.threadLocked(tid) == nil {
		abort(c, http.StatusNotFound, "Thread not found")
		return
	}
	var leaf *node
	if leafID != "" {
		leaf = b.latestLeafLocked(tid, leafID)
	}
	if leaf == nil {
		leaf = b.latestLeafLocked(tid, "")
	}
	if leaf == nil {
		c.JSON(http.StatusOK, []api.Message{})
		return
	}
	c.JSON(http.StatusOK, b.pathLocked(tid, leaf))
}

func (b *Backend) handleCreateMessage(c *gin.Context) {
	if !b.enter(c, "CreateMessage") {
		return
	}
	tid, ok := validID(c, "tid")
	if !ok {
		return
	}
	var req api.CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	for _, a := range req.Attachments {
		if _, err := validation.ValidateImageDataURL(a.DataURL); err != nil {
			abort(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.threadLocked(tid) == nil {
		abort(c, http.StatusNotFound, "Thread not found")
		return
	}
	parentID := ""
	if req.ParentID != nil {
		parentID = *req.ParentID
		if p, ok := b.messages[parentID]; !ok || p.msg.ThreadID != tid {
			abort(c, http.StatusBadRequest, "Invalid parent message")
			return
		}
	}
	id := b.addMessageLocked(tid, parentID, api.RoleUser, api.MessageContent{Text: req.Content, Attachments: req.Attachments})
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "message_id": id})
}

func (b *Backend) handleEditMessage(c *gin.Context) {
	if !b.enter(c, "EditMessage") {
		return
	}
	mid, ok := validID(c, "mid")
	if !ok {
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n, found := b.messages[mid]
	if !found || n.msg.ThreadID != c.Param("tid") {
		abort(c, http.StatusNotFound, "Message not found")
		return
	}
	n.msg.Content.Text = body.Content
	c.JSON(http.StatusOK, n.msg)
}

func (b *Backend) handleDeleteMessage(c *gin.Context) {
	if !b.enter(c, "DeleteMessage") {
		return
	}
	mid, ok := validID(c, "mid")
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n, found := b.messages[mid]
	if !found || n.msg.ThreadID != c.Param("tid") {
		abort(c, http.StatusNotFound, "Message not found")
		return
	}
	b.deleteSubtreeLocked(n.msg.ThreadID, mid)
	c.Status(http.StatusNoContent)
}

func (b *Backend) handleSiblings(c *gin.Context) {
	if !b.enter(c, "Siblings") {
		return
	}
	mid, ok := validID(c, "mid")
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n, found := b.messages[mid]
	if !found || n.msg.ThreadID != c.Param("tid") {
		abort(c, http.StatusNotFound, "Message not found")
		return
	}
	siblings := b.childrenLocked(n.msg.ThreadID, parentKey(n.msg))
	out := api.Siblings{IDs: make([]string, len(siblings)), Total: len(siblings)}
	for i, s := range siblings {
		out.IDs[i] = s.msg.ID
		if s.msg.ID == mid {
			out.CurrentIndex = i
		}
	}
	c.JSON(http.StatusOK, out)
}

// handleChatStream answers the latest user message of the thread, persisting
// the assistant reply under it when the script completes normally.
func (b *Backend) handleChatStream(c *gin.Context) {
	if !b.enter(c, "ChatStream") {
		return
	}
	tid, ok := validID(c, "tid")
	if !ok {
		return
	}

	b.mu.Lock()
	if b.threadLocked(tid) == nil {
		b.mu.Unlock()
		abort(c, http.StatusNotFound, "Thread not found")
		return
	}
	var userMsg *node
	for _, n := range b.messages {
		if n.msg.ThreadID == tid && n.msg.Role == api.RoleUser && (userMsg == nil || n.seq > userMsg.seq) {
			userMsg = n
		}
	}
	var script ChatScript
	if q := b.chatScripts[tid]; len(q) > 0 {
		script, b.chatScripts[tid] = q[0], q[1:]
	} else if userMsg != nil {
		script = ChatScript{Events: []stream.Event{
			stream.TokenEvent{Content: "echo: "},
			stream.TokenEvent{Content: userMsg.msg.Content.Text},
		}}
	}
	b.mu.Unlock()

	if userMsg == nil {
		abort(c, http.StatusBadRequest, "No user message to respond to")
		return
	}

	p, err := openPush(c)
	if err != nil {
		return
	}
	defer p.close()

	if script.Hold != nil {
		select {
		case <-script.Hold:
		case <-c.Request.Context().Done():
			return
		}
	}
	if err := pushAll(p, script.Events); err != nil {
		return
	}

	reply, failed := script.Reply, false
	for _, e := range script.Events {
		switch ev := e.(type) {
		case stream.TokenEvent:
			if script.Reply == "" {
				reply += ev.Content
			}
		case stream.ErrorEvent:
			failed = true
		case stream.StatusEvent:
			failed = failed || ev.Status == stream.StatusFailed
		}
	}
	if script.OmitDone {
		return
	}
	if !failed && !script.SkipPersist {
		b.mu.Lock()
		b.addMessageLocked(tid, userMsg.msg.ID, api.RoleAssistant, api.MessageContent{Text: reply})
		b.mu.Unlock()
	}
	_ = p.push(stream.DoneEvent{})
}
