// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// SpinnerType defines the animation style
type SpinnerType int

const (
	SpinnerDots SpinnerType = iota
	SpinnerWave
	SpinnerCompass
)

var spinnerFrames = map[SpinnerType][]string{
	SpinnerDots:    {"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
	SpinnerWave:    {"~", "≈", "≋", "≈"},
	SpinnerCompass: {"◐", "◓", "◑", "◒"},
}

// DefaultSpinnerInterval is the time between frames.
const DefaultSpinnerInterval = 80 * time.Millisecond

// Spinner animates a one-line status on a terminal.
//
// # Description
//
// The status line is redrawn in place on every frame. On an unstyled theme
// nothing animates; each distinct message is written once on its own line
// instead.
//
// # Thread Safety
//
// Update may be called from any goroutine while the spinner runs.
type Spinner struct {
	w        io.Writer
	theme    *Theme
	spinType SpinnerType
	interval time.Duration

	mu         sync.Mutex
	message    string
	printed    string
	isRunning  bool
	frameIndex int
	stop       chan struct{}
	done       chan struct{}
}

// NewSpinner creates a spinner writing to w.
func NewSpinner(w io.Writer, theme *Theme, message string) *Spinner {
	if theme == nil {
		theme = Plain(w)
	}
	return &Spinner{
		w:        w,
		theme:    theme,
		spinType: SpinnerDots,
		interval: DefaultSpinnerInterval,
		message:  message,
	}
}

// WithType sets the animation style.
func (s *Spinner) WithType(t SpinnerType) *Spinner {
	s.spinType = t
	return s
}

// WithInterval sets the frame interval.
func (s *Spinner) WithInterval(d time.Duration) *Spinner {
	if d > 0 {
		s.interval = d
	}
	return s
}

// Start begins the animation. Starting a running spinner does nothing.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return
	}
	s.isRunning = true
	if !s.theme.Styled {
		s.printLocked()
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.animate(s.stop, s.done)
}

func (s *Spinner) animate(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	frames := spinnerFrames[s.spinType]
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			fmt.Fprint(s.w, "\r\033[K")
			return
		case <-ticker.C:
			s.mu.Lock()
			frame := s.theme.Frame.Render(frames[s.frameIndex])
			fmt.Fprintf(s.w, "\r\033[K%s %s", frame, s.message)
			s.frameIndex = (s.frameIndex + 1) % len(frames)
			s.mu.Unlock()
		}
	}
}

// Update changes the status message.
func (s *Spinner) Update(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
	if s.isRunning && !s.theme.Styled {
		s.printLocked()
	}
}

func (s *Spinner) printLocked() {
	if s.message == "" || s.message == s.printed {
		return
	}
	fmt.Fprintln(s.w, s.message)
	s.printed = s.message
}

// Stop halts the animation and clears the status line.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// StopWithSuccess stops and prints message in the success style.
func (s *Spinner) StopWithSuccess(message string) {
	s.Stop()
	fmt.Fprintln(s.w, s.theme.Success.Render(message))
}

// StopWithError stops and prints message in the error style.
func (s *Spinner) StopWithError(message string) {
	s.Stop()
	fmt.Fprintln(s.w, s.theme.Error.Render(message))
}
