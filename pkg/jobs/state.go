// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jobs

import (
	"time"

	"github.com/AleutianAI/readersync/pkg/stream"
)

// Kind names a job type. One controller exists per kind per scope.
type Kind string

const (
	KindChat        Kind = "chat"
	KindTranslation Kind = "translation"
	KindAnalysis    Kind = "analysis"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusQueued    Status = Status(stream.StatusQueued)
	StatusRunning   Status = Status(stream.StatusRunning)
	StatusSucceeded Status = Status(stream.StatusSucceeded)
	StatusFailed    Status = Status(stream.StatusFailed)
)

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Generic failure messages shown when the server gave no detail.
const (
	MsgStreamClosed = "stream closed before completion"
	MsgJobFailed    = "job failed"
	MsgCancelled    = "job cancelled"
)

// Progress is the coarse progress of a run.
type Progress struct {
	Current int
	Total   int
	Label   string
	Step    string
}

// ToolCall is the single active external lookup of a run.
type ToolCall struct {
	Tool        string
	Query       string
	Status      string
	ResultCount *int
}

// ChunkProgress is the progress inside one translation group.
type ChunkProgress struct {
	GroupID string
	Current int
	Total   int
}

// GroupFailure is a failed translation unit. Entries without a GroupID
// come from section errors and cannot be retried.
type GroupFailure struct {
	GroupID      string
	SectionTitle string
	Error        string
	Attempts     int
	Retrying     bool
}

// Dimension is one analysis dimension's accumulated text.
type Dimension struct {
	Name    string
	Title   string
	Summary string
	Done    bool
}

// JobState is the observable state of a controller.
type JobState struct {
	Kind     Kind
	JobID    string
	Status   Status
	Progress Progress
	ToolCall *ToolCall
	Content  string
	Error    string

	Domain     string
	Chunk      *ChunkProgress
	Failures   []GroupFailure
	Dimensions []Dimension

	StartedAt   time.Time
	CompletedAt time.Time
}

// Clone returns a deep copy.
func (s JobState) Clone() JobState {
	if s.ToolCall != nil {
		tc := *s.ToolCall
		if tc.ResultCount != nil {
			n := *tc.ResultCount
			tc.ResultCount = &n
		}
		s.ToolCall = &tc
	}
	if s.Chunk != nil {
		c := *s.Chunk
		s.Chunk = &c
	}
	if s.Failures != nil {
		s.Failures = append([]GroupFailure(nil), s.Failures...)
	}
	if s.Dimensions != nil {
		s.Dimensions = append([]Dimension(nil), s.Dimensions...)
	}
	return s
}

// Failure returns the failure entry for groupID.
func (s JobState) Failure(groupID string) (GroupFailure, bool) {
	for _, f := range s.Failures {
		if f.GroupID == groupID {
			return f, true
		}
	}
	return GroupFailure{}, false
}

func (s *JobState) failureIndex(groupID string) int {
	for i := range s.Failures {
		if s.Failures[i].GroupID == groupID {
			return i
		}
	}
	return -1
}

func (s *JobState) upsertFailure(f GroupFailure) {
	if f.GroupID == "" {
		s.Failures = append(s.Failures, f)
		return
	}
	if i := s.failureIndex(f.GroupID); i >= 0 {
		cur := &s.Failures[i]
		if f.SectionTitle != "" {
			cur.SectionTitle = f.SectionTitle
		}
		if f.Error != "" {
			cur.Error = f.Error
		}
		if f.Attempts > cur.Attempts {
			cur.Attempts = f.Attempts
		}
		return
	}
	s.Failures = append(s.Failures, f)
}

func (s *JobState) removeFailure(groupID string) {
	if i := s.failureIndex(groupID); i >= 0 {
		s.Failures = append(s.Failures[:i:i], s.Failures[i+1:]...)
	}
}

func (s *JobState) dimension(name string) *Dimension {
	for i := range s.Dimensions {
		if s.Dimensions[i].Name == name {
			return &s.Dimensions[i]
		}
	}
	s.Dimensions = append(s.Dimensions, Dimension{Name: name, Title: name})
	return &s.Dimensions[len(s.Dimensions)-1]
}
