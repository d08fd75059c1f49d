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
	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree. Each call returns a fresh tree with
// its own app state.
func newRootCmd() *cobra.Command {
	return newRootCmdFor(&app{})
}

// newRootCmdFor builds the command tree around a.
func newRootCmdFor(a *app) *cobra.Command {

	rootCmd := &cobra.Command{
		Use:   "readersync",
		Short: "Chat, translate and analyze documents against a reading service",
		Long: `readersync keeps a local view of a document's conversation tree,
streams translation and analysis jobs, queues the term and profile
suggestions they produce, and marks known phrases in everything it prints.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default ~/.readersync/readersync.yaml)")
	flags.StringVar(&a.projectID, "project", "", "project owning the vocabulary (overrides server.project_id)")
	flags.StringVar(&a.transport, "transport", "", "push transport: sse or websocket (overrides streams.transport)")
	flags.StringVar(&a.suggestions, "suggestions", suggestAuto, "what to do with queued suggestions: auto, confirm, discard or review")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "log to stderr")

	// --- Conversation ---
	chatCmd := &cobra.Command{
		Use:   "chat <paper|project> <scope-id> <message...>",
		Short: "Send a message to a scope's thread and stream the reply",
		Args:  cobra.MinimumNArgs(3),
		RunE:  a.run(a.runChat),
	}
	chatCmd.Flags().StringVar(&a.parentID, "parent", "", "attach under this message instead of the current leaf")
	chatCmd.Flags().BoolVar(&a.newRoot, "new-root", false, "start a new root conversation")

	historyCmd := &cobra.Command{
		Use:   "history <paper|project> <scope-id>",
		Short: "Print the visible branch of a scope's thread",
		Args:  cobra.ExactArgs(2),
		RunE:  a.run(a.runHistory),
	}
	historyCmd.Flags().StringVar(&a.leafID, "leaf", "", "show the branch ending at this message")

	// --- Jobs ---
	translateCmd := &cobra.Command{
		Use:   "translate <paper-id>",
		Short: "Translate a document and stream its progress",
		Args:  cobra.ExactArgs(1),
		RunE:  a.run(a.runTranslate),
	}
	translateCmd.Flags().StringVar(&a.mode, "mode", "quick", "translation mode: quick or deep")
	translateCmd.Flags().StringVar(&a.language, "lang", "zh", "target language")
	translateCmd.Flags().BoolVar(&a.retryFailed, "retry-failed", false, "retry failed groups once the job ends")

	analyzeCmd := &cobra.Command{
		Use:   "analyze <paper-id>",
		Short: "Run a deep analysis of a document",
		Args:  cobra.ExactArgs(1),
		RunE:  a.run(a.runAnalyze),
	}
	analyzeCmd.Flags().StringSliceVar(&a.dimensions, "dimension", nil, "dimensions to analyze (default: all)")

	reparseCmd := &cobra.Command{
		Use:   "reparse <paper-id>",
		Short: "Parse a document again and wait for it to settle",
		Args:  cobra.ExactArgs(1),
		RunE:  a.run(a.runReparse),
	}

	rootCmd.AddCommand(chatCmd, historyCmd, translateCmd, analyzeCmd, reparseCmd)
	return rootCmd
}
