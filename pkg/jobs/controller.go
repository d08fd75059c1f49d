// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jobs tracks long-running server jobs (chat turns, translations,
// analyses) through their push channels.
//
// A Controller owns one job kind for one scope. Start queues the job on the
// server, then consumes the job's push channel on a background goroutine,
// folding each typed event into a JobState. Streamed content is only a
// preview: on success the controller fetches the authoritative result and
// replaces whatever was streamed.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/readersync/internal/metrics"
	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/AleutianAI/readersync/pkg/logging"
	"github.com/AleutianAI/readersync/pkg/stream"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrSuperseded is returned by Start when a newer Start replaced the
	// run before its job was queued.
	ErrSuperseded = errors.New("job superseded by a newer start")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("job controller closed")
)

// errStale stops consumption of a channel whose run was replaced.
var errStale = errors.New("stale run")

// =============================================================================
// Runner contract
// =============================================================================

// Launch identifies a job queued on the server.
type Launch struct {
	JobID string
	// Path is the job's push channel, relative to the API prefix.
	Path string
	// Ref is private to the runner that produced the launch.
	Ref string
}

// Final is the authoritative result of a succeeded job. Nil slices keep
// the streamed values.
type Final struct {
	Content    string
	Failures   []GroupFailure
	Dimensions []Dimension
}

// Runner adapts a Controller to one job kind.
type Runner[R any] interface {
	Kind() Kind

	// Begin queues the job and returns its push channel.
	Begin(ctx context.Context, req R) (Launch, error)

	// Finalize fetches the authoritative result after success.
	Finalize(ctx context.Context, l Launch) (Final, error)
}

// EventObserver is implemented by runners that mirror events into other
// state, such as the conversation's pending reply.
type EventObserver interface {
	Observe(l Launch, e stream.Event)
}

// FailureObserver is implemented by runners that undo local state when a
// run fails.
type FailureObserver interface {
	Failed(ctx context.Context, l Launch, message string)
}

// SupersedeObserver is implemented by runners that undo local state when
// a run is replaced by a newer Start before it finished.
type SupersedeObserver interface {
	Superseded(l Launch)
}

// SuggestionSink receives suggestions emitted mid-stream.
type SuggestionSink interface {
	SuggestTerms(terms []stream.TermSuggestion)
	SuggestProfile(updates []map[string]any)
}

// Options configures a Controller.
type Options struct {
	Logger *logging.Logger
	Sink   SuggestionSink
}

// =============================================================================
// Controller
// =============================================================================

// Controller drives one job kind through idle, queued, running and a
// terminal state.
//
// # Description
//
// Start is accepted in any state. It resets the state, cancels any
// previous run and transitions to queued. Events of a replaced run are
// dropped by a run-generation check, so only the latest run ever mutates
// the state.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Events are applied in arrival
// order on the consuming goroutine; the mutex is never held across I/O or
// callbacks.
type Controller[R any] struct {
	runner Runner[R]
	source stream.Source
	sink   SuggestionSink
	logger *logging.Logger
	kind   Kind

	mu      sync.Mutex
	state   JobState
	gen     uint64
	active  *Launch
	cancel  context.CancelFunc
	closed  bool
	subs    map[int]func(JobState)
	nextSub int
	wg      sync.WaitGroup
}

// NewController creates an idle controller.
func NewController[R any](runner Runner[R], source stream.Source, opts Options) *Controller[R] {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	kind := runner.Kind()
	return &Controller[R]{
		runner: runner,
		source: source,
		sink:   opts.Sink,
		logger: logger.With("component", "jobs", "job_kind", string(kind)),
		kind:   kind,
		state:  JobState{Kind: kind, Status: StatusIdle},
		subs:   make(map[int]func(JobState)),
	}
}

// Start queues a new run and begins consuming its push channel.
//
// # Inputs
//
//   - ctx: bounds the whole run, including the push channel and the
//     authoritative fetch. Cancelling it fails the run.
//   - req: the kind-specific request.
//
// # Outputs
//
//   - error: the wrapped queueing error (the state is then failed),
//     ErrSuperseded, or ErrClosed. Channel failures are reported through
//     the state only.
func (c *Controller[R]) Start(ctx context.Context, req R) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	if c.cancel != nil {
		c.cancel()
	}
	var replaced *Launch
	if !c.state.Status.Terminal() {
		replaced = c.active
	}
	c.active = nil
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = JobState{Kind: c.kind, Status: StatusQueued, StartedAt: time.Now()}
	snap, subs := c.snapshotLocked()
	c.mu.Unlock()

	if replaced != nil {
		c.superseded(*replaced)
	}
	notify(subs, snap)
	metrics.RecordJobStarted(string(c.kind))

	launch, err := c.runner.Begin(runCtx, req)
	if err != nil {
		cancel()
		if c.finish(gen, StatusFailed, api.UserMessage(err)) {
			c.logger.Warn("job not queued", "error", err)
		}
		return fmt.Errorf("start %s job: %w", c.kind, err)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		cancel()
		c.superseded(launch)
		return ErrSuperseded
	}
	c.active = &launch
	c.state.JobID = launch.JobID
	c.wg.Add(1)
	snap, subs = c.snapshotLocked()
	c.mu.Unlock()
	notify(subs, snap)

	c.logger.Debug("job queued", "job_id", launch.JobID)
	go c.consume(runCtx, gen, launch)
	return nil
}

func (c *Controller[R]) superseded(l Launch) {
	if o, ok := c.runner.(SupersedeObserver); ok {
		o.Superseded(l)
	}
	c.logger.Debug("run superseded", "job_id", l.JobID)
}

// Snapshot returns a deep copy of the current state.
func (c *Controller[R]) Snapshot() JobState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Subscribe registers fn to receive the state after every change.
func (c *Controller[R]) Subscribe(fn func(JobState)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Wait blocks until no push channel is being consumed.
func (c *Controller[R]) Wait() {
	c.wg.Wait()
}

// Close cancels the active run, drops its remaining events and waits for
// the consumer to exit.
func (c *Controller[R]) Close() {
	c.mu.Lock()
	c.closed = true
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// =============================================================================
// Consumption
// =============================================================================

// runResult collects the terminal outcome seen on a channel.
type runResult struct {
	failed  bool
	message string
}

func (c *Controller[R]) consume(ctx context.Context, gen uint64, l Launch) {
	defer c.wg.Done()

	var res runResult
	err := c.source.Stream(ctx, l.Path, func(e stream.Event) error {
		metrics.RecordStreamEvent(string(c.kind), e.Type())
		if !c.apply(gen, e, &res) {
			return errStale
		}
		if o, ok := c.runner.(EventObserver); ok {
			o.Observe(l, e)
		}
		c.forward(e)
		return nil
	})

	switch {
	case errors.Is(err, errStale) || !c.current(gen):
		c.logger.Debug("stale run dropped", "job_id", l.JobID)
	case err == nil && res.failed:
		c.fail(ctx, gen, l, res.message)
	case err == nil:
		c.succeed(ctx, gen, l)
	case errors.Is(err, stream.ErrStreamClosed):
		c.fail(ctx, gen, l, MsgStreamClosed)
	case ctx.Err() != nil:
		c.fail(ctx, gen, l, MsgCancelled)
	default:
		c.logger.Warn("push channel failed", "job_id", l.JobID, "error", err)
		c.fail(ctx, gen, l, api.UserMessage(err))
	}
}

// apply folds e into the state. It reports false when the run is stale.
func (c *Controller[R]) apply(gen uint64, e stream.Event, res *runResult) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	st := &c.state
	changed := true

	switch e.(type) {
	case stream.PingEvent, stream.DoneEvent:
	default:
		if st.Status == StatusQueued {
			st.Status = StatusRunning
		}
	}

	switch ev := e.(type) {
	case stream.StatusEvent:
		switch ev.Status {
		case stream.StatusQueued, stream.StatusRunning:
			st.Status = Status(ev.Status)
		case stream.StatusSucceeded:
			// Published together with the authoritative result.
			changed = false
		case stream.StatusFailed:
			res.failed = true
			res.message = ev.Error
			changed = false
		default:
			changed = false
			c.logger.Debug("unknown job status ignored", "status", ev.Status)
		}
	case stream.ProgressEvent:
		st.Progress = Progress{Current: ev.Current, Total: ev.Total, Label: ev.Label(), Step: ev.Step}
		st.ToolCall = nil
		if ev.Dimension != "" {
			d := st.dimension(ev.Dimension)
			if ev.DimensionTitle != "" {
				d.Title = ev.DimensionTitle
			}
		}
	case stream.ToolCallEvent:
		changed = applyToolCall(st, ev)
	case stream.SnapshotEvent:
		for _, r := range ev.Results {
			st.dimension(r.Dimension).Summary = r.Summary
		}
		if ev.Content != "" || ev.Results == nil {
			st.Content = ev.Content
		}
	case stream.TokenEvent:
		st.Content += ev.Content
	case stream.DomainDetectedEvent:
		st.Domain = ev.Domain
	case stream.ChunkProgressEvent:
		st.Chunk = &ChunkProgress{GroupID: ev.GroupID, Current: ev.Current, Total: ev.Total}
	case stream.GroupStatusEvent:
		switch ev.Status {
		case stream.StatusFailed:
			st.upsertFailure(GroupFailure{GroupID: ev.GroupID, SectionTitle: ev.SectionTitle, Error: ev.Error, Attempts: ev.Attempts})
		case stream.StatusSucceeded:
			st.removeFailure(ev.GroupID)
		default:
			changed = false
		}
	case stream.GroupErrorEvent:
		st.upsertFailure(GroupFailure{GroupID: ev.GroupID, SectionTitle: ev.SectionTitle, Error: ev.Error})
	case stream.SectionErrorEvent:
		st.upsertFailure(GroupFailure{SectionTitle: ev.SectionTitle, Error: ev.Error})
	case stream.DimensionResultEvent:
		d := st.dimension(ev.Dimension)
		d.Summary = ev.Summary
		d.Done = true
		if ev.DimensionTitle != "" {
			d.Title = ev.DimensionTitle
		}
	case stream.ErrorEvent:
		res.failed = true
		res.message = ev.Message
		changed = false
	case stream.TermSuggestionsEvent, stream.ProfileSuggestionsEvent:
		changed = false
	case stream.PingEvent, stream.DoneEvent:
		changed = false
	case stream.UnknownEvent:
		changed = false
		c.logger.Debug("unknown event ignored", "type", ev.Name)
	}

	if !changed {
		c.mu.Unlock()
		return true
	}
	snap, subs := c.snapshotLocked()
	c.mu.Unlock()
	notify(subs, snap)
	return true
}

// applyToolCall replaces the active call on "calling" and attaches the
// result count on "done" for the same tool.
func applyToolCall(st *JobState, ev stream.ToolCallEvent) bool {
	switch ev.Status {
	case stream.ToolCalling:
		st.ToolCall = &ToolCall{Tool: ev.Tool, Query: ev.Query, Status: stream.ToolCalling}
		return true
	case stream.ToolDone:
		tc := st.ToolCall
		if tc == nil || tc.Tool != ev.Tool || tc.Status != stream.ToolCalling {
			return false
		}
		tc.Status = stream.ToolDone
		if ev.ResultCount != nil {
			n := *ev.ResultCount
			tc.ResultCount = &n
		}
		return true
	}
	return false
}

func (c *Controller[R]) forward(e stream.Event) {
	if c.sink == nil {
		return
	}
	switch ev := e.(type) {
	case stream.TermSuggestionsEvent:
		if len(ev.Terms) > 0 {
			c.sink.SuggestTerms(ev.Terms)
		}
	case stream.ProfileSuggestionsEvent:
		if len(ev.Updates) > 0 {
			c.sink.SuggestProfile(ev.Updates)
		}
	}
}

// succeed replaces the streamed state with the authoritative result. When
// the fetch fails the run still succeeds with its streamed content.
func (c *Controller[R]) succeed(ctx context.Context, gen uint64, l Launch) {
	final, err := c.runner.Finalize(ctx, l)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	st := &c.state
	if err != nil {
		c.logger.Warn("authoritative fetch failed, keeping streamed content", "job_id", l.JobID, "error", err)
	} else {
		st.Content = final.Content
		if final.Failures != nil {
			st.Failures = append([]GroupFailure{}, final.Failures...)
		}
		if final.Dimensions != nil {
			st.Dimensions = mergeDimensions(st.Dimensions, final.Dimensions)
		}
	}
	st.Status = StatusSucceeded
	st.ToolCall = nil
	st.Error = ""
	st.CompletedAt = time.Now()
	snap, subs := c.snapshotLocked()
	c.mu.Unlock()

	metrics.RecordJobFinished(string(c.kind), string(StatusSucceeded))
	c.logger.Debug("job succeeded", "job_id", l.JobID)
	notify(subs, snap)
}

func (c *Controller[R]) fail(ctx context.Context, gen uint64, l Launch, message string) {
	if message == "" {
		message = MsgJobFailed
	}
	if o, ok := c.runner.(FailureObserver); ok && c.current(gen) {
		o.Failed(ctx, l, message)
	}
	if c.finish(gen, StatusFailed, message) {
		c.logger.Warn("job failed", "job_id", l.JobID, "message", message)
	}
}

// finish moves a current run to a terminal status. It reports whether the
// run was current.
func (c *Controller[R]) finish(gen uint64, status Status, message string) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.state.Status = status
	c.state.Error = message
	c.state.ToolCall = nil
	c.state.CompletedAt = time.Now()
	snap, subs := c.snapshotLocked()
	c.mu.Unlock()

	metrics.RecordJobFinished(string(c.kind), string(status))
	notify(subs, snap)
	return true
}

// update applies fn to the state of run gen.
func (c *Controller[R]) update(gen uint64, fn func(*JobState)) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	fn(&c.state)
	snap, subs := c.snapshotLocked()
	c.mu.Unlock()
	notify(subs, snap)
	return true
}

func (c *Controller[R]) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Controller[R]) snapshotLocked() (JobState, []func(JobState)) {
	subs := make([]func(JobState), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	return c.state.Clone(), subs
}

func notify(subs []func(JobState), snap JobState) {
	for _, fn := range subs {
		fn(snap.Clone())
	}
}

// mergeDimensions takes final over streamed, keeping streamed titles.
func mergeDimensions(streamed, final []Dimension) []Dimension {
	out := make([]Dimension, len(final))
	for i, d := range final {
		for _, s := range streamed {
			if s.Name == d.Name && s.Title != "" && (d.Title == "" || d.Title == d.Name) {
				d.Title = s.Title
			}
		}
		out[i] = d
	}
	return out
}
