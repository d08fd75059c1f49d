// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api is the client for the remote reading service.
//
// The package exposes narrow port interfaces (ThreadAPI, MessageAPI,
// TranslationAPI, AnalysisAPI, TermAPI, ProfileAPI, PaperAPI) consumed by
// the session components, and a single HTTP implementation, *Client, that
// satisfies all of them. Components depend on the ports so tests can swap
// in fakes.
//
// Every call is wrapped in an OpenTelemetry span and recorded in the
// readersync_api_request_duration_seconds histogram.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/readersync/internal/metrics"
	"github.com/AleutianAI/readersync/pkg/logging"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("readersync.api")

// PathPrefix is prepended to every endpoint path.
const PathPrefix = "/api/v1"

// DefaultTimeout applies to request/response calls. Push channels are
// long-lived and use their own client without a timeout.
const DefaultTimeout = 30 * time.Second

// =============================================================================
// INTERFACES
// =============================================================================

// HTTPClient is the subset of *http.Client used by Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// CLIENT
// =============================================================================

// Config configures a Client.
type Config struct {
	// BaseURL is the service origin, e.g. "http://localhost:8000".
	BaseURL string

	// Token is sent as a bearer token. Empty disables the header.
	Token string

	// HTTP overrides the transport. Defaults to an *http.Client with
	// Timeout.
	HTTP HTTPClient

	// Timeout for the default HTTP client. Zero means DefaultTimeout.
	Timeout time.Duration

	Logger *logging.Logger
}

// Client implements every port against the service's REST API.
//
// Thread Safety: safe for concurrent use.
type Client struct {
	base   string
	token  string
	http   HTTPClient
	logger *logging.Logger
}

// NewClient creates a Client.
//
// # Description
//
// Validates BaseURL and fills defaults. The API path prefix is appended
// here, so callers pass only the origin.
//
// # Outputs
//
//   - *Client: ready to use
//   - error: non-nil if BaseURL is empty or not an absolute http(s) URL
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Client{
		base:   u.String() + PathPrefix,
		token:  cfg.Token,
		http:   httpClient,
		logger: logger.With("component", "api"),
	}, nil
}

// URL returns the absolute URL for an endpoint path ("/threads/...").
func (c *Client) URL(path string) string {
	return c.base + path
}

// Token returns the configured bearer token.
func (c *Client) Token() string {
	return c.token
}

// NewRequest builds an authenticated request for path.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URL(path), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

// call performs one JSON request/response exchange.
//
// # Description
//
// Marshals in (when non-nil), sends the request, and decodes the response
// into out (when non-nil). Any status outside 2xx becomes an *APIError with
// the server's detail; network failures become a *TransportError.
//
// # Inputs
//
//   - op: operation name used for the span, metrics and errors
//   - method, path: HTTP method and endpoint path (without PathPrefix)
//   - in: request body, or nil
//   - out: pointer to decode into, or nil to discard the body
func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	ctx, span := tracer.Start(ctx, "api."+op, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("readersync.op", op),
	))
	defer span.End()

	start := time.Now()
	status := "transport"
	defer func() { metrics.RecordAPIRequest(op, status, time.Since(start)) }()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.NewRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		c.logger.Warn("request failed", "op", op, "error", err, "request_id", req.Header.Get("X-Request-ID"))
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	status = strconv.Itoa(resp.StatusCode)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := ReadError(op, resp)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, status)
		c.logger.Debug("server rejected request", "op", op, "status", resp.StatusCode)
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.RecordError(err)
		return &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// escape path-escapes an identifier segment.
func escape(id string) string {
	return url.PathEscape(id)
}
