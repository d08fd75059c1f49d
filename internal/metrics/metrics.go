// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics holds the Prometheus collectors shared by readersync
// components. Collectors register with the default registry on import.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "readersync"

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	// apiRequestDuration measures remote calls.
	// Labels: op (client method), status (HTTP code, or "transport")
	apiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Remote service request latency in seconds",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"op", "status"})

	// jobsStarted counts job starts.
	// Labels: kind (chat, translation, analysis)
	jobsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "started_total",
		Help:      "Total streaming jobs started",
	}, []string{"kind"})

	// jobsFinished counts terminal job states.
	// Labels: kind, status (succeeded, failed)
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Total streaming jobs reaching a terminal state",
	}, []string{"kind", "status"})

	// streamEvents counts events applied to jobs.
	// Labels: kind, type (wire event name)
	streamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "stream_events_total",
		Help:      "Total push-channel events applied to jobs",
	}, []string{"kind", "type"})

	// retryPolls counts group-retry and reparse poll outcomes.
	// Labels: op (group_retry, reparse), outcome (succeeded, failed, exhausted)
	retryPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "poll_outcomes_total",
		Help:      "Total bounded status polls by outcome",
	}, []string{"op", "outcome"})

	// ledgerCommits counts suggestion commit attempts.
	// Labels: queue (term, profile), outcome (saved, failed), trigger (auto, manual)
	ledgerCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "commits_total",
		Help:      "Total suggestion commit attempts",
	}, []string{"queue", "outcome", "trigger"})

	// ledgerCancels counts user-cancelled suggestions.
	// Labels: queue
	ledgerCancels = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "cancels_total",
		Help:      "Total suggestions cancelled before commit",
	}, []string{"queue"})

	// branchLoads counts branch view loads.
	// Labels: outcome (applied, stale, error)
	branchLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "conversation",
		Name:      "branch_loads_total",
		Help:      "Total branch loads by outcome",
	}, []string{"outcome"})

	// sendRollbacks counts optimistic sends that were rolled back.
	sendRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "conversation",
		Name:      "send_rollbacks_total",
		Help:      "Total optimistic sends rolled back after a failed request",
	})

	// annotationMarks measures marks placed per annotation pass.
	annotationMarks = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "annotate",
		Name:      "marks_per_pass",
		Help:      "Marks placed per annotation pass",
		Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
	})

	// annotationDuration measures annotation pass latency.
	annotationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "annotate",
		Name:      "pass_duration_seconds",
		Help:      "Annotation pass latency in seconds",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	// threadEnsures counts ensure-thread calls.
	// Labels: shared (true when the call joined an in-flight request)
	threadEnsures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "thread_ensures_total",
		Help:      "Total ensure-thread calls",
	}, []string{"shared"})
)

// =============================================================================
// Recording Functions
// =============================================================================

// RecordAPIRequest records one remote call.
func RecordAPIRequest(op, status string, d time.Duration) {
	apiRequestDuration.WithLabelValues(op, status).Observe(d.Seconds())
}

// RecordJobStarted records a job start.
func RecordJobStarted(kind string) {
	jobsStarted.WithLabelValues(kind).Inc()
}

// RecordJobFinished records a terminal job state.
func RecordJobFinished(kind, status string) {
	jobsFinished.WithLabelValues(kind, status).Inc()
}

// RecordStreamEvent records one applied push-channel event.
func RecordStreamEvent(kind, eventType string) {
	streamEvents.WithLabelValues(kind, eventType).Inc()
}

// RecordPollOutcome records the end of a bounded status poll.
func RecordPollOutcome(op, outcome string) {
	retryPolls.WithLabelValues(op, outcome).Inc()
}

// RecordLedgerCommit records a suggestion commit attempt.
func RecordLedgerCommit(queue, outcome string, manual bool) {
	trigger := "auto"
	if manual {
		trigger = "manual"
	}
	ledgerCommits.WithLabelValues(queue, outcome, trigger).Inc()
}

// RecordLedgerCancel records a cancelled suggestion.
func RecordLedgerCancel(queue string) {
	ledgerCancels.WithLabelValues(queue).Inc()
}

// RecordBranchLoad records a branch load outcome.
func RecordBranchLoad(outcome string) {
	branchLoads.WithLabelValues(outcome).Inc()
}

// RecordSendRollback records a rolled-back optimistic send.
func RecordSendRollback() {
	sendRollbacks.Inc()
}

// RecordAnnotationPass records one annotation pass.
func RecordAnnotationPass(marks int, d time.Duration) {
	annotationMarks.Observe(float64(marks))
	annotationDuration.Observe(d.Seconds())
}

// RecordThreadEnsure records an ensure-thread call.
func RecordThreadEnsure(shared bool) {
	if shared {
		threadEnsures.WithLabelValues("true").Inc()
		return
	}
	threadEnsures.WithLabelValues("false").Inc()
}
