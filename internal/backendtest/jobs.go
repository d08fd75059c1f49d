// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backendtest

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/AleutianAI/readersync/pkg/stream"
)

// Retry outcomes for GroupPlan.RetryOutcome.
const (
	RetrySucceeds = "succeeded"
	RetryFails    = "failed"
	RetryHangs    = "running"
)

// GroupPlan describes one group of the next started translation.
type GroupPlan struct {
	Title      string
	Source     string
	Translated string
	// Fail makes the initial run of the group fail with this error.
	Fail string
	// RetryOutcome is the status a retry settles on. Empty succeeds.
	RetryOutcome string
	// RetrySettleAfter is the number of group listings before a retry
	// settles. Zero settles on the first listing.
	RetrySettleAfter int
}

// TranslationPlan shapes translations started after it is set.
type TranslationPlan struct {
	Groups []GroupPlan
	Domain string
	Terms  []stream.TermSuggestion
	// FinalContent overrides the authoritative content returned once the
	// job succeeds; empty rebuilds it from the groups.
	FinalContent string
}

// AnalysisPlan shapes analysis jobs started after it is set.
type AnalysisPlan struct {
	// Summaries maps a dimension to its authoritative summary. Missing
	// dimensions get a generated one.
	Summaries map[string]string
	// Fail makes the job fail with this error.
	Fail string
}

type translation struct {
	t      api.Translation
	groups []*groupState
	plan   TranslationPlan
}

type groupState struct {
	g         api.TranslationGroup
	plan      GroupPlan
	retrying  bool
	pollsLeft int
}

type analysis struct {
	job     api.AnalysisJob
	plan    AnalysisPlan
	results []api.AnalysisResult
}

type paper struct {
	p         api.Paper
	pollsLeft int
	final     string
}

// SetTranslationPlan sets the plan for translations started afterwards.
func (b *Backend) SetTranslationPlan(p TranslationPlan) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.translPlan = p
}

// SetAnalysisPlan sets the plan for analysis jobs started afterwards.
func (b *Backend) SetAnalysisPlan(p AnalysisPlan) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.analysisPlan = p
}

// QueueTranslationScript replaces the generated push channel of the next
// translation of paperID with events.
func (b *Backend) QueueTranslationScript(paperID string, events ...stream.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts["translation:"+paperID] = events
}

// QueueAnalysisScript replaces the generated push channel of the next
// analysis of paperID with events.
func (b *Backend) QueueAnalysisScript(paperID string, events ...stream.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts["analysis:"+paperID] = events
}

// Translation returns the stored translation and its groups.
func (b *Backend) Translation(id string) (api.Translation, []api.TranslationGroup, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tr, ok := b.translations[id]
	if !ok {
		return api.Translation{}, nil, false
	}
	groups := make([]api.TranslationGroup, len(tr.groups))
	for i, g := range tr.groups {
		groups[i] = g.g
	}
	return tr.t, groups, true
}

// AddPaper stores a ready paper and returns its id.
func (b *Backend) AddPaper(title string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	b.papers[id] = &paper{p: api.Paper{ID: id, Title: title, Status: api.PaperReady}}
	return id
}

// SetReparseOutcome makes the next reparse of paperID report parsing for
// polls reads before settling on final.
func (b *Backend) SetReparseOutcome(paperID string, polls int, final string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.papers[paperID]; ok {
		p.pollsLeft, p.final = polls, final
	}
}

func (b *Backend) takeScriptLocked(key string) ([]stream.Event, bool) {
	events, ok := b.scripts[key]
	if ok {
		delete(b.scripts, key)
	}
	return events, ok
}

// =============================================================================
// Translation
// =============================================================================

func defaultGroups() []GroupPlan {
	return []GroupPlan{
		{Title: "Introduction", Source: "Attention is all you need.", Translated: "注意力就是你所需要的一切。"},
		{Title: "Method", Source: "We use self-attention.", Translated: "我们使用自注意力。"},
	}
}

// rebuildLocked assembles content from the groups in order.
func (tr *translation) rebuildLocked() string {
	var parts []string
	for _, g := range tr.groups {
		body := g.g.SourceMD
		if g.g.Status == stream.StatusSucceeded && g.g.TranslatedMD != nil {
			body = *g.g.TranslatedMD
		}
		parts = append(parts, fmt.Sprintf("## %s\n\n%s\n", g.g.SectionTitle, body))
	}
	return strings.Join(parts, "\n")
}

func (b *Backend) handleStartTranslation(c *gin.Context) {
	if !b.enter(c, "StartTranslation") {
		return
	}
	var req api.StartTranslationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.papers[req.PaperID]; !ok {
		abort(c, http.StatusNotFound, "Paper not found")
		return
	}
	plan := b.translPlan
	if len(plan.Groups) == 0 {
		plan.Groups = defaultGroups()
	}
	tr := &translation{
		t: api.Translation{
			ID:             uuid.NewString(),
			PaperID:        req.PaperID,
			TargetLanguage: req.TargetLanguage,
			Mode:           req.Mode,
			Status:         stream.StatusQueued,
			CreatedAt:      time.Now().UTC(),
		},
		plan: plan,
	}
	for i, gp := range plan.Groups {
		tr.groups = append(tr.groups, &groupState{
			plan: gp,
			g: api.TranslationGroup{
				ID:            uuid.NewString(),
				TranslationID: tr.t.ID,
				SectionTitle:  gp.Title,
				GroupOrder:    i,
				SourceMD:      gp.Source,
				Status:        stream.StatusQueued,
			},
		})
	}
	b.translations[tr.t.ID] = tr
	c.JSON(http.StatusAccepted, tr.t)
}

func (b *Backend) handleGetTranslation(c *gin.Context) {
	if !b.enter(c, "GetTranslation") {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	tr, ok := b.translations[c.Param("id")]
	if !ok {
		abort(c, http.StatusNotFound, "Translation not found")
		return
	}
	c.JSON(http.StatusOK, tr.t)
}

func (b *Backend) handleListGroups(c *gin.Context) {
	if !b.enter(c, "ListTranslationGroups") {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	tr, ok := b.translations[c.Param("id")]
	if !ok {
		abort(c, http.StatusNotFound, "Translation not found")
		return
	}
	changed := false
	out := make([]api.TranslationGroup, 0, len(tr.groups))
	for _, g := range tr.groups {
		if g.retrying {
			if g.pollsLeft > 0 {
				g.pollsLeft--
				g.g.Status = stream.StatusRunning
			} else {
				g.settleRetry()
				changed = true
			}
		}
		out = append(out, g.g)
	}
	if changed && tr.plan.FinalContent == "" {
		tr.t.ContentMD = tr.rebuildLocked()
	}
	c.JSON(http.StatusOK, out)
}

func (g *groupState) settleRetry() {
	switch g.plan.RetryOutcome {
	case RetryHangs:
		g.g.Status = stream.StatusRunning
		return
	case RetryFails:
		g.g.Status = stream.StatusFailed
		msg := "retry failed"
		g.g.LastError = &msg
	default:
		g.g.Status = stream.StatusSucceeded
		translated := g.plan.Translated
		g.g.TranslatedMD = &translated
		g.g.LastError = nil
	}
	g.retrying = false
}

func (b *Backend) handleRetryGroup(c *gin.Context) {
	if !b.enter(c, "RetryTranslationGroup") {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	tr, ok := b.translations[c.Param("id")]
	if !ok {
		abort(c, http.StatusNotFound, "Translation not found")
		return
	}
	for _, g := range tr.groups {
		if g.g.ID != c.Param("gid") {
			continue
		}
		switch {
		case g.retrying || g.g.Status == stream.StatusRunning:
			abort(c, http.StatusConflict, "Translation group is running")
		case g.g.Status != stream.StatusFailed && g.g.Status != stream.StatusQueued:
			abort(c, http.StatusBadRequest, "Group is not failed or queued")
		default:
			g.g.Status = stream.StatusQueued
			g.g.Attempts++
			g.retrying = true
			g.pollsLeft = g.plan.RetrySettleAfter
			c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
		}
		return
	}
	abort(c, http.StatusNotFound, "Translation group not found")
}

// handleTranslationStream runs the translation while streaming progress.
func (b *Backend) handleTranslationStream(c *gin.Context) {
	if !b.enter(c, "TranslationStream") {
		return
	}
	b.mu.Lock()
	tr, ok := b.translations[c.Param("id")]
	if !ok {
		b.mu.Unlock()
		abort(c, http.StatusNotFound, "Translation not found")
		return
	}
	events, scripted := b.takeScriptLocked("translation:" + tr.t.PaperID)
	if !scripted {
		events = b.runTranslationLocked(tr)
	} else if tr.plan.FinalContent != "" {
		tr.t.ContentMD = tr.plan.FinalContent
	}
	b.mu.Unlock()

	p, err := openPush(c)
	if err != nil {
		return
	}
	defer p.close()
	_ = pushAll(p, events)
}

// runTranslationLocked completes tr and returns the events a live run
// would have published.
func (b *Backend) runTranslationLocked(tr *translation) []stream.Event {
	events := []stream.Event{stream.StatusEvent{Status: stream.StatusRunning}}
	tr.t.Status = stream.StatusRunning
	if tr.plan.Domain != "" {
		events = append(events, stream.DomainDetectedEvent{Domain: tr.plan.Domain})
	}
	total := len(tr.groups)
	for i, g := range tr.groups {
		g.g.Attempts++
		events = append(events,
			stream.ProgressEvent{Step: "section_start", Current: i + 1, Total: total, SectionTitle: g.g.SectionTitle},
			stream.GroupStatusEvent{GroupID: g.g.ID, SectionTitle: g.g.SectionTitle, Status: stream.StatusRunning, Attempts: g.g.Attempts},
			stream.ChunkProgressEvent{Current: 1, Total: 1, GroupID: g.g.ID},
		)
		if g.plan.Fail != "" {
			g.g.Status = stream.StatusFailed
			msg := g.plan.Fail
			g.g.LastError = &msg
			events = append(events,
				stream.GroupErrorEvent{GroupID: g.g.ID, SectionTitle: g.g.SectionTitle, Error: msg},
				stream.GroupStatusEvent{GroupID: g.g.ID, SectionTitle: g.g.SectionTitle, Status: stream.StatusFailed, Attempts: g.g.Attempts, Error: msg},
			)
		} else {
			g.g.Status = stream.StatusSucceeded
			translated := g.plan.Translated
			g.g.TranslatedMD = &translated
			events = append(events,
				stream.GroupStatusEvent{GroupID: g.g.ID, SectionTitle: g.g.SectionTitle, Status: stream.StatusSucceeded, Attempts: g.g.Attempts},
			)
		}
		events = append(events,
			stream.SnapshotEvent{Content: tr.rebuildLocked()},
			stream.ProgressEvent{Step: "section_done", Current: i + 1, Total: total, SectionTitle: g.g.SectionTitle},
		)
	}
	if len(tr.plan.Terms) > 0 {
		events = append(events, stream.TermSuggestionsEvent{Terms: tr.plan.Terms})
	}

	now := time.Now().UTC()
	tr.t.Status = stream.StatusSucceeded
	tr.t.CompletedAt = &now
	tr.t.ContentMD = tr.rebuildLocked()
	if tr.plan.FinalContent != "" {
		tr.t.ContentMD = tr.plan.FinalContent
	}
	return append(events, stream.StatusEvent{Status: stream.StatusSucceeded, CompletedAt: &now}, stream.DoneEvent{})
}

// =============================================================================
// Analysis
// =============================================================================

func (b *Backend) handleStartAnalysis(c *gin.Context) {
	if !b.enter(c, "StartAnalysis") {
		return
	}
	paperID, ok := validID(c, "paper")
	if !ok {
		return
	}
	var body struct {
		Dimensions []string `json:"dimensions"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if len(body.Dimensions) == 0 {
		body.Dimensions = api.DefaultAnalysisDimensions
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.papers[paperID]; !ok {
		abort(c, http.StatusNotFound, "Paper not found")
		return
	}
	a := &analysis{
		job: api.AnalysisJob{
			ID:         uuid.NewString(),
			PaperID:    paperID,
			Status:     stream.StatusQueued,
			Dimensions: body.Dimensions,
		},
		plan: b.analysisPlan,
	}
	b.analyses[a.job.ID] = a
	c.JSON(http.StatusAccepted, a.job)
}

func (b *Backend) handleGetAnalysis(c *gin.Context) {
	if !b.enter(c, "GetAnalysisJob") {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.analyses[c.Param("id")]
	if !ok {
		abort(c, http.StatusNotFound, "Analysis job not found")
		return
	}
	c.JSON(http.StatusOK, a.job)
}

func (b *Backend) handleAnalysisResults(c *gin.Context) {
	if !b.enter(c, "AnalysisResults") {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.analyses[c.Param("id")]
	if !ok {
		abort(c, http.StatusNotFound, "Analysis job not found")
		return
	}
	out := append([]api.AnalysisResult{}, a.results...)
	c.JSON(http.StatusOK, out)
}

func (b *Backend) handleAnalysisStream(c *gin.Context) {
	if !b.enter(c, "AnalysisStream") {
		return
	}
	b.mu.Lock()
	a, ok := b.analyses[c.Param("id")]
	if !ok {
		b.mu.Unlock()
		abort(c, http.StatusNotFound, "Analysis job not found")
		return
	}
	events, scripted := b.takeScriptLocked("analysis:" + a.job.PaperID)
	if !scripted {
		events = a.runLocked()
	}
	b.mu.Unlock()

	p, err := openPush(c)
	if err != nil {
		return
	}
	defer p.close()
	_ = pushAll(p, events)
}

// runLocked completes the job and returns the events of a live run.
func (a *analysis) runLocked() []stream.Event {
	now := time.Now().UTC()
	a.job.Status = stream.StatusRunning
	a.job.StartedAt = &now
	events := []stream.Event{stream.StatusEvent{Status: stream.StatusRunning}}

	if a.plan.Fail != "" {
		a.job.Status = stream.StatusFailed
		msg := a.plan.Fail
		a.job.Error = &msg
		return append(events, stream.StatusEvent{Status: stream.StatusFailed, Error: msg})
	}

	total := len(a.job.Dimensions)
	var snap []stream.DimensionSnapshot
	for i, dim := range a.job.Dimensions {
		summary, ok := a.plan.Summaries[dim]
		if !ok {
			summary = "Summary of " + dim + "."
		}
		count := 3
		partial := summary
		if len(partial) > 8 {
			partial = partial[:8]
		}
		snap = append(snap, stream.DimensionSnapshot{Dimension: dim, Summary: partial})
		events = append(events,
			stream.ProgressEvent{Step: "dimension_start", Current: i + 1, Total: total, Dimension: dim, DimensionTitle: dim},
			stream.ToolCallEvent{Tool: "search_paper", Query: dim, Status: stream.ToolCalling},
			stream.ToolCallEvent{Tool: "search_paper", Status: stream.ToolDone, ResultCount: &count},
			stream.DimensionResultEvent{Dimension: dim, Summary: partial},
			stream.SnapshotEvent{Results: append([]stream.DimensionSnapshot(nil), snap...)},
		)
		a.results = append(a.results, api.AnalysisResult{ID: uuid.NewString(), Dimension: dim, Summary: summary})
	}
	done := time.Now().UTC()
	a.job.Status = stream.StatusSucceeded
	a.job.CompletedAt = &done
	return append(events, stream.StatusEvent{Status: stream.StatusSucceeded, CompletedAt: &done}, stream.DoneEvent{})
}

// =============================================================================
// Papers
// =============================================================================

func (b *Backend) handleGetPaper(c *gin.Context) {
	if !b.enter(c, "GetPaper") {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.papers[c.Param("id")]
	if !ok {
		abort(c, http.StatusNotFound, "Paper not found")
		return
	}
	if p.p.Status == api.PaperParsing {
		if p.pollsLeft > 0 {
			p.pollsLeft--
		} else if p.final != "" {
			p.p.Status = p.final
		} else {
			p.p.Status = api.PaperReady
		}
	}
	c.JSON(http.StatusOK, p.p)
}

func (b *Backend) handleReparse(c *gin.Context) {
	if !b.enter(c, "Reparse") {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.papers[c.Param("id")]
	if !ok {
		abort(c, http.StatusNotFound, "Paper not found")
		return
	}
	p.p.Status = api.PaperParsing
	c.JSON(http.StatusAccepted, gin.H{"status": "parsing"})
}
