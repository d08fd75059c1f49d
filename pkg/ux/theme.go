// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux styles readersync's terminal output.
//
// Every Theme is bound to one writer. A theme for a pipe or a file renders
// plain text, so captured output stays free of escape sequences.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Palette.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Theme holds the styles used for one output stream.
type Theme struct {
	// Styled is false when the writer cannot show escape sequences.
	Styled bool

	Title   lipgloss.Style
	Mark    lipgloss.Style
	Phrase  lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Frame   lipgloss.Style
}

// NewTheme builds a theme rendering to w.
//
// # Inputs
//
//   - w: The destination writer.
//   - styled: Whether w is an interactive terminal. When true the color
//     profile is detected from w. When false the theme forces the ASCII
//     profile and every style renders its text unchanged.
func NewTheme(w io.Writer, styled bool) *Theme {
	if !styled {
		return NewThemeWithProfile(w, termenv.Ascii)
	}
	return newTheme(lipgloss.NewRenderer(w), true)
}

// NewThemeWithProfile builds a theme for w with a fixed color profile.
func NewThemeWithProfile(w io.Writer, profile termenv.Profile) *Theme {
	r := lipgloss.NewRenderer(w)
	r.SetColorProfile(profile)
	return newTheme(r, profile != termenv.Ascii)
}

func newTheme(r *lipgloss.Renderer, styled bool) *Theme {
	return &Theme{
		Styled:  styled,
		Title:   r.NewStyle().Bold(true).Foreground(ColorTealBright),
		Mark:    r.NewStyle().Underline(true).Foreground(ColorTealPrimary),
		Phrase:  r.NewStyle().Bold(true),
		Muted:   r.NewStyle().Foreground(ColorSlate),
		Success: r.NewStyle().Foreground(ColorSuccess),
		Warning: r.NewStyle().Foreground(ColorWarning),
		Error:   r.NewStyle().Foreground(ColorError),
		Frame:   r.NewStyle().Foreground(ColorTealDeep).Bold(true),
	}
}

// Plain returns a theme that never emits escape sequences.
func Plain(w io.Writer) *Theme {
	return NewTheme(w, false)
}

// ProgressBar renders current out of total. Unstyled themes get a bare
// "current/total" counter.
func (t *Theme) ProgressBar(current, total, width int) string {
	if total <= 0 {
		return ""
	}
	if current < 0 {
		current = 0
	}
	if current > total {
		current = total
	}
	if !t.Styled {
		return fmt.Sprintf("%d/%d", current, total)
	}
	pct := float64(current) / float64(total)
	filled := int(pct * float64(width))
	bar := t.Success.Render(strings.Repeat("█", filled)) +
		t.Muted.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %3.0f%%", bar, pct*100)
}
