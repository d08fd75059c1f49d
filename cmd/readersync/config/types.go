// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"time"
)

// Stream transports.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

type ReaderSyncConfig struct {
	// Server: where the reading service lives and how to authenticate
	Server ServerConfig `yaml:"server"`

	// Streams: push-event transport for job output
	Streams StreamsConfig `yaml:"streams"`

	// Jobs: polling used by group retry and document re-parse
	Jobs JobsConfig `yaml:"jobs"`

	// Ledger: countdowns and grace periods of the suggestion queues
	Ledger LedgerConfig `yaml:"ledger"`

	Annotate AnnotateConfig `yaml:"annotate"`

	Logging LoggingConfig `yaml:"logging"`

	// Metrics: an empty listen address disables the /metrics endpoint
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing: span export for remote calls
	Tracing TracingConfig `yaml:"tracing"`
}

type ServerConfig struct {
	BaseURL   string        `yaml:"base_url" validate:"required,url"` // e.g. http://localhost:8000
	Token     string        `yaml:"token,omitempty"`
	Timeout   time.Duration `yaml:"timeout"`
	ProjectID string        `yaml:"project_id,omitempty" validate:"omitempty,uuid"` // owns the vocabulary
}

type StreamsConfig struct {
	Transport string `yaml:"transport" validate:"oneof=sse websocket"`
}

type JobsConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollAttempts int           `yaml:"max_poll_attempts" validate:"gte=0"`
}

type LedgerConfig struct {
	TermCountdown    int           `yaml:"term_countdown" validate:"gte=0"`
	ProfileCountdown int           `yaml:"profile_countdown" validate:"gte=0"`
	SavedGrace       time.Duration `yaml:"saved_grace"`
	CancelGrace      time.Duration `yaml:"cancel_grace"`
	TickInterval     time.Duration `yaml:"tick_interval"`
}

type AnnotateConfig struct {
	// WholeWord: leave off for languages written without spaces
	WholeWord bool `yaml:"whole_word"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty" validate:"omitempty,hostname_port"` // e.g. 127.0.0.1:9464
}

type TracingConfig struct {
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=none stdout"`
}

func DefaultConfig() ReaderSyncConfig {
	return ReaderSyncConfig{
		Server: ServerConfig{
			BaseURL: "http://localhost:8000",
			Timeout: 30 * time.Second,
		},
		Streams: StreamsConfig{Transport: TransportSSE},
		Jobs: JobsConfig{
			PollInterval:    2 * time.Second,
			MaxPollAttempts: 30,
		},
		Ledger: LedgerConfig{
			TermCountdown:    5,
			ProfileCountdown: 3,
			SavedGrace:       1500 * time.Millisecond,
			CancelGrace:      300 * time.Millisecond,
			TickInterval:     time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.readersync/logs",
		},
		Tracing: TracingConfig{Exporter: "none"},
	}
}
