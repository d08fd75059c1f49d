// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backendtest is an in-memory implementation of the reading
// service's REST and push-channel API for tests.
//
// It keeps a real message tree (branch resolution, sibling ordering),
// translation groups with retry, analysis jobs, terms and papers, and lets
// tests script push-channel events, inject failures per operation and
// gate branch responses.
package backendtest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/AleutianAI/readersync/pkg/stream"
)

// DefaultToken is the bearer token accepted by a new Backend.
const DefaultToken = "test-token"

func init() {
	gin.SetMode(gin.TestMode)
}

// fault is an injected failure for an operation.
type fault struct {
	status int
	detail string
	times  int
}

// Backend is the in-memory service state.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use with in-flight requests.
type Backend struct {
	Token string

	mu sync.Mutex

	threads  []*api.Thread
	messages map[string]*node
	seq      int64

	chatScripts map[string][]ChatScript

	translations map[string]*translation
	translPlan   TranslationPlan
	analyses     map[string]*analysis
	analysisPlan AnalysisPlan
	scripts      map[string][]stream.Event

	terms   map[string]*api.Term
	profile api.ProfileUpdate
	papers  map[string]*paper

	faults     map[string]*fault
	calls      map[string]int
	branchHook func(leafID string)
}

// New creates an empty Backend.
func New() *Backend {
	return &Backend{
		Token:        DefaultToken,
		messages:     make(map[string]*node),
		chatScripts:  make(map[string][]ChatScript),
		translations: make(map[string]*translation),
		scripts:      make(map[string][]stream.Event),
		analyses:     make(map[string]*analysis),
		terms:        make(map[string]*api.Term),
		profile:      make(api.ProfileUpdate),
		papers:       make(map[string]*paper),
		faults:       make(map[string]*fault),
		calls:        make(map[string]int),
	}
}

// Start serves b on an httptest server closed at test cleanup and returns
// a client for it.
func Start(tb testing.TB) (*Backend, *api.Client, *httptest.Server) {
	tb.Helper()
	b := New()
	srv := httptest.NewServer(b.Handler())
	tb.Cleanup(srv.Close)

	client, err := api.NewClient(api.Config{BaseURL: srv.URL, Token: b.Token})
	if err != nil {
		tb.Fatalf("create client: %v", err)
	}
	return b, client, srv
}

// Handler returns the gin engine serving the API under api.PathPrefix.
func (b *Backend) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group(api.PathPrefix)
	v1.Use(b.authMiddleware())

	v1.GET("/threads", b.handleListThreads)
	v1.POST("/threads", b.handleCreateThread)
	v1.GET("/threads/:tid/branch", b.handleBranch)
	v1.POST("/threads/:tid/messages", b.handleCreateMessage)
	v1.PATCH("/threads/:tid/messages/:mid", b.handleEditMessage)
	v1.DELETE("/threads/:tid/messages/:mid", b.handleDeleteMessage)
	v1.GET("/threads/:tid/messages/:mid/siblings", b.handleSiblings)
	v1.GET("/threads/:tid/stream", b.handleChatStream)

	v1.POST("/translations", b.handleStartTranslation)
	v1.GET("/translations/:id", b.handleGetTranslation)
	v1.GET("/translations/:id/groups", b.handleListGroups)
	v1.POST("/translations/:id/groups/:gid/retry", b.handleRetryGroup)
	v1.GET("/translations/:id/stream", b.handleTranslationStream)

	v1.POST("/analysis/:paper/run", b.handleStartAnalysis)
	v1.GET("/analysis/jobs/:id", b.handleGetAnalysis)
	v1.GET("/analysis/jobs/:id/results", b.handleAnalysisResults)
	v1.GET("/analysis/jobs/:id/stream", b.handleAnalysisStream)

	v1.GET("/terms", b.handleListTerms)
	v1.POST("/terms", b.handleCreateTerm)
	v1.POST("/terms/:id/confirm", b.handleConfirmTerm)
	v1.PATCH("/auth/me/profile", b.handlePatchProfile)

	v1.GET("/papers/:id", b.handleGetPaper)
	v1.POST("/papers/:id/reparse", b.handleReparse)
	return r
}

// =============================================================================
// Test Controls
// =============================================================================

// FailNext makes the next times calls of op fail with status and detail.
// op is the client operation name, e.g. "CreateMessage".
func (b *Backend) FailNext(op string, status int, detail string, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[op] = &fault{status: status, detail: detail, times: times}
}

// Calls returns how many requests op has received.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// SetBranchHook installs fn to run before each branch response, outside the
// lock. Tests use it to delay or reorder branch loads.
func (b *Backend) SetBranchHook(fn func(leafID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.branchHook = fn
}

// Profile returns a copy of the merged profile.
func (b *Backend) Profile() api.ProfileUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(api.ProfileUpdate, len(b.profile))
	for k, v := range b.profile {
		out[k] = v
	}
	return out
}

// =============================================================================
// Middleware and helpers
// =============================================================================

// authMiddleware rejects requests without the expected bearer token.
func (b *Backend) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if extractBearerToken(c) != b.Token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Not authenticated"})
			return
		}
		c.Next()
	}
}

func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// enter counts a call of op and applies any injected fault. It reports
// whether the handler should continue.
func (b *Backend) enter(c *gin.Context, op string) bool {
	b.mu.Lock()
	b.calls[op]++
	f := b.faults[op]
	if f != nil && f.times > 0 {
		f.times--
		if f.times == 0 {
			delete(b.faults, op)
		}
		b.mu.Unlock()
		abort(c, f.status, f.detail)
		return false
	}
	b.mu.Unlock()
	return true
}

func abort(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

func validID(c *gin.Context, param string) (string, bool) {
	id := c.Param(param)
	if _, err := uuid.Parse(id); err != nil {
		abort(c, http.StatusUnprocessableEntity, "invalid "+param)
		return "", false
	}
	return id, true
}
