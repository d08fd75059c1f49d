// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"

	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/AleutianAI/readersync/pkg/ledger"
)

// =============================================================================
// Reviewer
// =============================================================================

// reviewChoice is what the user decided for one suggestion.
type reviewChoice string

const (
	choiceSave    reviewChoice = "save"
	choiceEdit    reviewChoice = "edit"
	choiceDiscard reviewChoice = "discard"
	// choiceSkip hands the entry back to its countdown.
	choiceSkip reviewChoice = "skip"
)

// reviewer asks the user about queued suggestions.
//
// # Description
//
// Choose asks what to do with one suggestion. EditLine lets the user
// rewrite a value and reports false when the edit was abandoned.
type reviewer interface {
	Choose(ctx context.Context, title string) (reviewChoice, error)
	EditLine(ctx context.Context, prompt, value string) (string, bool, error)
}

// terminalReviewer prompts on an interactive terminal.
type terminalReviewer struct {
	in  io.Reader
	out io.Writer
}

var _ reviewer = terminalReviewer{}

// Choose shows a select form.
func (r terminalReviewer) Choose(ctx context.Context, title string) (reviewChoice, error) {
	choice := choiceSave
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[reviewChoice]().
			Title(title).
			Options(
				huh.NewOption("Save now", choiceSave),
				huh.NewOption("Edit", choiceEdit),
				huh.NewOption("Discard", choiceDiscard),
				huh.NewOption("Decide later", choiceSkip),
			).
			Value(&choice),
	)).WithInput(r.in).WithOutput(r.out).WithShowHelp(false)

	if err := form.RunWithContext(ctx); err != nil {
		return "", err
	}
	return choice, nil
}

// EditLine runs a single-line editor prefilled with value.
func (r terminalReviewer) EditLine(ctx context.Context, prompt, value string) (string, bool, error) {
	p := tea.NewProgram(newEditModel(prompt, value),
		tea.WithInput(r.in), tea.WithOutput(r.out), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil {
		return "", false, err
	}
	result, ok := final.(editModel)
	if !ok {
		return "", false, fmt.Errorf("unexpected model type from bubbletea: %T", final)
	}
	if !result.submitted {
		return "", false, nil
	}
	return strings.TrimSpace(result.input.Value()), true, nil
}

// editModel is a one-line bubbletea editor. Enter submits; Esc and Ctrl+C
// abandon the edit.
type editModel struct {
	input     textinput.Model
	submitted bool
	done      bool
}

func newEditModel(prompt, value string) editModel {
	ti := textinput.New()
	ti.Prompt = prompt
	ti.CharLimit = 4096
	ti.Width = 80
	ti.SetValue(value)
	ti.CursorEnd()
	ti.Focus()
	return editModel{input: ti}
}

// Init starts the cursor blinking.
func (m editModel) Init() tea.Cmd {
	return textinput.Blink
}

// Update handles key presses.
func (m editModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyEnter:
			m.submitted = true
			m.done = true
			return m, tea.Quit
		case tea.KeyEsc, tea.KeyCtrlC:
			m.done = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the prompt until the edit ends.
func (m editModel) View() string {
	if m.done {
		return ""
	}
	return m.input.View()
}

// =============================================================================
// Review loop
// =============================================================================

// reviewKind adapts one payload type to line editing.
type reviewKind[P any] struct {
	label    string
	describe func(P) string
	text     func(P) string
	apply    func(P, string) (P, error)
}

var termReview = reviewKind[ledger.TermSuggestion]{
	label: "term",
	describe: func(s ledger.TermSuggestion) string {
		if s.Translation == "" {
			return s.Phrase
		}
		return s.Phrase + ": " + s.Translation
	},
	text: func(s ledger.TermSuggestion) string { return s.Translation },
	apply: func(s ledger.TermSuggestion, text string) (ledger.TermSuggestion, error) {
		s.Translation = strings.TrimSpace(text)
		return s, nil
	},
}

var profileReview = reviewKind[api.ProfileUpdate]{
	label:    "profile",
	describe: profileSummary,
	text: func(u api.ProfileUpdate) string {
		data, err := json.Marshal(map[string]any(u))
		if err != nil {
			return ""
		}
		return string(data)
	},
	apply: func(_ api.ProfileUpdate, text string) (api.ProfileUpdate, error) {
		var u api.ProfileUpdate
		if err := json.Unmarshal([]byte(text), &u); err != nil {
			return nil, fmt.Errorf("profile update must be a JSON object: %w", err)
		}
		return u, nil
	},
}

// reviewTally counts the entries a review resolved.
type reviewTally struct {
	saved     int
	discarded int
}

// reviewQueue walks the open entries of q and applies the user's choices.
//
// # Description
//
// Each entry is held in the editing state while the user decides, so its
// countdown cannot commit it mid-review. A submitted edit replaces the
// payload and the entry stays paused until the user picks an action.
// Skipped entries resume their countdown.
//
// # Outputs
//
//   - reviewTally: Entries saved or discarded by the user.
//   - error: Commit failures, or the reviewer's error that stopped the
//     review. The entry under review is returned to pending on stop.
func reviewQueue[P any](ctx context.Context, w io.Writer, r reviewer, q *ledger.Queue[P], kind reviewKind[P]) (reviewTally, error) {
	var tally reviewTally
	var errs []error

	for _, e := range q.Entries() {
		if !q.Edit(e.ID) && e.Status != ledger.StatusEditing {
			continue
		}
		payload := e.Payload

	decide:
		for {
			choice, err := r.Choose(ctx, kind.label+" "+kind.describe(payload))
			if err != nil {
				q.AbortEdit(e.ID)
				return tally, errors.Join(append(errs, fmt.Errorf("review %s suggestions: %w", kind.label, err))...)
			}

			switch choice {
			case choiceSave:
				if err := q.Confirm(ctx, e.ID); err != nil {
					errs = append(errs, err)
				} else {
					tally.saved++
				}
				break decide

			case choiceDiscard:
				if q.Cancel(e.ID) {
					tally.discarded++
				}
				break decide

			case choiceEdit:
				text, ok, err := r.EditLine(ctx, kind.label+" > ", kind.text(payload))
				if err != nil {
					q.AbortEdit(e.ID)
					return tally, errors.Join(append(errs, fmt.Errorf("edit %s suggestion: %w", kind.label, err))...)
				}
				if !ok {
					continue
				}
				next, err := kind.apply(payload, text)
				if err != nil {
					fmt.Fprintf(w, "  %v\n", err)
					continue
				}
				payload = next
				q.SubmitEdit(e.ID, payload)
				q.Edit(e.ID)

			default:
				q.AbortEdit(e.ID)
				break decide
			}
		}
	}
	return tally, errors.Join(errs...)
}

func reportReview(w io.Writer, label string, t reviewTally) {
	if t.saved > 0 {
		fmt.Fprintf(w, "%d %s suggestion(s) saved\n", t.saved, label)
	}
	if t.discarded > 0 {
		fmt.Fprintf(w, "%d %s suggestion(s) discarded\n", t.discarded, label)
	}
}
