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
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/AleutianAI/readersync/pkg/conversation"
	"github.com/AleutianAI/readersync/pkg/jobs"
)

// runChat sends one message and prints the reconciled reply.
func (a *app) runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	p := newPrinter(out)

	s, err := a.open(ctx, args[0], args[1])
	if err != nil {
		return err
	}

	req := conversation.SendRequest{
		Content: strings.Join(args[2:], " "),
		Parent:  conversation.ContinueFromLeaf(),
	}
	switch {
	case a.newRoot && a.parentID != "":
		return errors.New("--parent and --new-root are mutually exclusive")
	case a.newRoot:
		req.Parent = conversation.NewRoot()
	case a.parentID != "":
		req.Parent = conversation.Under(a.parentID)
	}

	if p.live {
		unsubscribe := s.Chat().Subscribe(contentFollower(out))
		defer unsubscribe()
	}
	if err := s.Send(req); err != nil {
		return fmt.Errorf("send: %s", api.UserMessage(err))
	}
	s.Chat().Wait()

	st := s.Chat().Snapshot()
	if st.Status != jobs.StatusSucceeded {
		if p.live {
			fmt.Fprintln(out)
		}
		return fmt.Errorf("chat %s: %s", st.Status, st.Error)
	}

	view := s.View()
	if p.live {
		// the streamed text is already on screen
		fmt.Fprintln(out)
		if n := len(view.Messages); n > 0 {
			p.glossary(view.Messages[n-1].Doc, s.Vocabulary())
		}
	} else if n := len(view.Messages); n > 0 && view.Messages[n-1].Role == api.RoleAssistant {
		p.document(view.Messages[n-1].Doc, s.Vocabulary())
	}
	return a.settleSuggestions(ctx, out, s)
}

// runHistory prints the visible branch.
func (a *app) runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	p := newPrinter(out)

	s, err := a.open(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	if a.leafID != "" {
		if err := s.LoadBranch(ctx, a.leafID); err != nil {
			return fmt.Errorf("load branch: %s", api.UserMessage(err))
		}
	}

	msgs := s.Conversation().Messages()
	view := s.View()
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages yet.")
		return nil
	}
	for i, m := range msgs {
		header := fmt.Sprintf("%s %s", m.Role, m.ID)
		if m.SiblingCount > 1 {
			header += fmt.Sprintf(" (%d/%d)", m.SiblingIndex+1, m.SiblingCount)
		}
		fmt.Fprintln(out, header)
		text := m.Content
		if i < len(view.Messages) && view.Messages[i].ID == m.ID {
			text = view.Messages[i].Doc.Render(p.markWrap)
		}
		fmt.Fprintln(out, "  "+strings.ReplaceAll(strings.TrimRight(text, "\n"), "\n", "\n  "))
	}
	return nil
}
