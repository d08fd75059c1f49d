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
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/readersync/cmd/readersync/config"
	"github.com/AleutianAI/readersync/internal/telemetry"
	"github.com/AleutianAI/readersync/pkg/annotate"
	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/AleutianAI/readersync/pkg/jobs"
	"github.com/AleutianAI/readersync/pkg/logging"
	"github.com/AleutianAI/readersync/pkg/session"
	"github.com/AleutianAI/readersync/pkg/stream"
)

// app is the composition root shared by every command.
type app struct {
	// persistent flags
	configPath  string
	projectID   string
	transport   string
	suggestions string
	verbose     bool
	// reviewer drives --suggestions review.
	reviewer reviewer

	// command flags
	parentID    string
	newRoot     bool
	leafID      string
	mode        string
	language    string
	retryFailed bool
	dimensions  []string

	cfg     config.ReaderSyncConfig
	logger  *logging.Logger
	client  *api.Client
	manager *session.Manager
	metrics *http.Server
	// metricsAddr is the bound metrics address, useful with port 0.
	metricsAddr string
	// flushSpans flushes exported spans on teardown.
	flushSpans func(context.Context) error
}

// setup loads the config and wires the client, the stream source and the
// session manager.
func (a *app) setup(cmd *cobra.Command) error {
	switch a.suggestions {
	case suggestAuto, suggestConfirm, suggestDiscard:
	case suggestReview:
		if a.reviewer == nil {
			if !isTerminal(cmd.InOrStdin()) {
				return errors.New("--suggestions review needs an interactive terminal")
			}
			a.reviewer = terminalReviewer{in: cmd.InOrStdin(), out: cmd.ErrOrStderr()}
		}
	default:
		return fmt.Errorf("unknown --suggestions value %q", a.suggestions)
	}

	cfg, err := config.Load(a.configPath, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if a.projectID != "" {
		cfg.Server.ProjectID = a.projectID
	}
	if a.transport != "" {
		cfg.Streams.Transport = a.transport
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "readersync",
		JSON:    cfg.Logging.JSON,
		Output:  cmd.ErrOrStderr(),
		Quiet:   !a.verbose,
	})

	a.flushSpans, err = telemetry.Init(cmd.Context(), telemetry.Config{
		ServiceName: "readersync",
		Exporter:    cfg.Tracing.Exporter,
		Output:      cmd.ErrOrStderr(),
	})
	if err != nil {
		a.teardown()
		return err
	}

	a.client, err = api.NewClient(api.Config{
		BaseURL: cfg.Server.BaseURL,
		Token:   cfg.Server.Token,
		Timeout: cfg.Server.Timeout,
		Logger:  a.logger,
	})
	if err != nil {
		a.teardown()
		return err
	}

	source, err := a.source()
	if err != nil {
		a.teardown()
		return err
	}
	a.manager, err = session.NewManager(session.Config{
		API:       a.client,
		Source:    source,
		ProjectID: cfg.Server.ProjectID,
		Poll: jobs.PollConfig{
			Interval:    cfg.Jobs.PollInterval,
			MaxAttempts: cfg.Jobs.MaxPollAttempts,
		},
		Ledger: session.LedgerConfig{
			TermCountdown:    cfg.Ledger.TermCountdown,
			ProfileCountdown: cfg.Ledger.ProfileCountdown,
			SavedGrace:       cfg.Ledger.SavedGrace,
			CancelGrace:      cfg.Ledger.CancelGrace,
			TickInterval:     cfg.Ledger.TickInterval,
		},
		Annotate: annotate.Options{WholeWord: cfg.Annotate.WholeWord},
		Logger:   a.logger,
	})
	if err != nil {
		a.teardown()
		return err
	}

	if cfg.Metrics.Listen != "" {
		if err := a.serveMetrics(cfg.Metrics.Listen); err != nil {
			a.teardown()
			return err
		}
	}
	a.logger.Debug("configuration loaded", "base_url", cfg.Server.BaseURL, "transport", cfg.Streams.Transport)
	return nil
}

func (a *app) source() (stream.Source, error) {
	switch a.cfg.Streams.Transport {
	case config.TransportSSE, "":
		return stream.NewSSESource(a.client, nil), nil
	case config.TransportWebSocket:
		return stream.NewWebSocketSource(a.client, websocket.DefaultDialer), nil
	default:
		return nil, fmt.Errorf("unknown stream transport %q", a.cfg.Streams.Transport)
	}
}

// serveMetrics exposes the Prometheus registry on addr until teardown.
func (a *app) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	a.metricsAddr = ln.Addr().String()
	logger := a.logger
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}(a.metrics)
	a.logger.Info("serving metrics", "addr", a.metricsAddr)
	return nil
}

// run wraps a command so teardown happens on every exit path.
func (a *app) run(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer a.teardown()
		return fn(cmd, args)
	}
}

func (a *app) teardown() {
	if a.manager != nil {
		a.manager.Close()
		a.manager = nil
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.metrics.Shutdown(ctx)
		cancel()
		a.metrics = nil
	}
	if a.flushSpans != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.flushSpans(ctx); err != nil && a.logger != nil {
			a.logger.Warn("failed to flush spans", "error", err)
		}
		cancel()
		a.flushSpans = nil
	}
	if a.logger != nil {
		_ = a.logger.Close()
		a.logger = nil
	}
}

// open opens a scope and ties its lifetime to the command context.
func (a *app) open(ctx context.Context, scopeType, scopeID string) (*session.Scope, error) {
	s, err := a.manager.Open(ctx, api.Scope{Type: api.ScopeType(scopeType), ID: scopeID}, "")
	if err != nil {
		return nil, err
	}
	context.AfterFunc(ctx, s.Close)
	return s, nil
}
