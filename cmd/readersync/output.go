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
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/readersync/pkg/annotate"
	"github.com/AleutianAI/readersync/pkg/jobs"
	"github.com/AleutianAI/readersync/pkg/stream"
	"github.com/AleutianAI/readersync/pkg/ux"
	"github.com/AleutianAI/readersync/pkg/vocab"
)

// isTerminal reports whether stream is an interactive terminal. Pipes,
// files and buffers get plain output.
func isTerminal(stream any) bool {
	f, ok := stream.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// printer renders annotated documents for one writer.
type printer struct {
	w     io.Writer
	live  bool
	theme *ux.Theme
}

func newPrinter(w io.Writer) *printer {
	live := isTerminal(w)
	return &printer{w: w, live: live, theme: ux.NewTheme(w, live)}
}

// markWrap styles marks on a terminal and brackets them elsewhere.
func (p *printer) markWrap(text, _ string) string {
	if p.live {
		return p.theme.Mark.Render(text)
	}
	return "[" + text + "]"
}

// document prints doc followed by a glossary of its marked phrases.
func (p *printer) document(doc annotate.Document, known *vocab.Set) {
	text := strings.TrimRight(doc.Render(p.markWrap), "\n")
	if text == "" {
		return
	}
	fmt.Fprintln(p.w, text)
	p.glossary(doc, known)
}

func (p *printer) glossary(doc annotate.Document, known *vocab.Set) {
	seen := make(map[string]bool)
	var lines []string
	for _, m := range doc.Marks() {
		if seen[m.PhraseID] {
			continue
		}
		seen[m.PhraseID] = true
		e, ok := known.Get(m.PhraseID)
		if !ok {
			continue
		}
		line := "  " + p.theme.Phrase.Render(e.Phrase)
		if e.Translation != "" {
			line += ": " + e.Translation
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return
	}
	fmt.Fprintln(p.w, "\n"+p.theme.Title.Render("Known phrases:"))
	for _, l := range lines {
		fmt.Fprintln(p.w, l)
	}
}

// contentFollower writes the appended part of a job's content as it
// streams. Content that is replaced rather than extended is skipped; the
// final rendering shows it.
func contentFollower(w io.Writer) func(jobs.JobState) {
	var mu sync.Mutex
	var printed string
	return func(st jobs.JobState) {
		mu.Lock()
		defer mu.Unlock()
		if len(st.Content) > len(printed) && strings.HasPrefix(st.Content, printed) {
			fmt.Fprint(w, st.Content[len(printed):])
			printed = st.Content
		}
	}
}

// progressSpinner returns a spinner on w and a job subscriber that keeps
// its status line current.
func progressSpinner(w io.Writer, label string) (*ux.Spinner, func(jobs.JobState)) {
	theme := ux.NewTheme(w, isTerminal(w))
	spin := ux.NewSpinner(w, theme, label+"...")
	return spin, func(st jobs.JobState) {
		switch {
		case st.ToolCall != nil && st.ToolCall.Status == stream.ToolCalling:
			spin.Update(fmt.Sprintf("%s: searching %s for %q", label, st.ToolCall.Tool, st.ToolCall.Query))
		case st.Progress.Total > 0:
			msg := fmt.Sprintf("%s %s", label, theme.ProgressBar(st.Progress.Current, st.Progress.Total, 20))
			if st.Progress.Label != "" {
				msg += " " + theme.Muted.Render(st.Progress.Label)
			}
			spin.Update(msg)
		}
	}
}

// followProgress shows job progress on w until the returned func is called.
func followProgress(w io.Writer, label string, job interface {
	Subscribe(func(jobs.JobState)) func()
}) (stop func()) {
	if !isTerminal(w) {
		return func() {}
	}
	spin, follow := progressSpinner(w, label)
	spin.Start()
	unsubscribe := job.Subscribe(follow)
	return func() {
		unsubscribe()
		spin.Stop()
	}
}

// failures prints the translation groups that did not complete.
func (p *printer) failures(st jobs.JobState) {
	for _, f := range st.Failures {
		title := f.SectionTitle
		if title == "" {
			title = f.GroupID
		}
		if f.Retrying {
			fmt.Fprintf(p.w, "  %s: %s\n", title, p.theme.Muted.Render("retrying"))
			continue
		}
		fmt.Fprintf(p.w, "  %s %s\n", title,
			p.theme.Warning.Render(fmt.Sprintf("failed after %d attempt(s): %s", f.Attempts, f.Error)))
	}
}
