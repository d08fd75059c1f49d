// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/AleutianAI/readersync/pkg/api"
	"github.com/gorilla/websocket"
)

// =============================================================================
// Source Interface
// =============================================================================

// Source opens a job's push channel and delivers its events.
//
// Stream blocks until the channel ends and follows the Reader contract:
// nil after a terminal event, ErrStreamClosed when the channel ended
// without one, ctx.Err() on cancellation.
type Source interface {
	Stream(ctx context.Context, path string, fn Handler) error
}

// =============================================================================
// SSE Source
// =============================================================================

// SSESource opens push channels as HTTP Server-Sent Events streams.
type SSESource struct {
	client *api.Client
	http   api.HTTPClient
	reader Reader
}

// NewSSESource creates an SSE source that authenticates through client.
// httpClient must not impose an overall timeout; nil selects a client
// without one.
func NewSSESource(client *api.Client, httpClient api.HTTPClient) *SSESource {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &SSESource{client: client, http: httpClient, reader: NewSSEReader(nil)}
}

// Stream opens path and reads events until the channel ends.
func (s *SSESource) Stream(ctx context.Context, path string, fn Handler) error {
	req, err := s.client.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &api.TransportError{Op: "Stream", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return api.ReadError("Stream", resp)
	}
	return s.reader.Read(ctx, resp.Body, fn)
}

// =============================================================================
// WebSocket Source
// =============================================================================

// WebSocketSource opens push channels over WebSocket. Each text frame
// carries one JSON record in the same format as an SSE data line.
type WebSocketSource struct {
	client *api.Client
	dialer *websocket.Dialer
}

// NewWebSocketSource creates a WebSocket source. nil dialer selects
// websocket.DefaultDialer.
func NewWebSocketSource(client *api.Client, dialer *websocket.Dialer) *WebSocketSource {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &WebSocketSource{client: client, dialer: dialer}
}

// Stream dials the channel for path and reads frames until a terminal
// event or close.
func (s *WebSocketSource) Stream(ctx context.Context, path string, fn Handler) error {
	wsURL, err := toWebSocketURL(s.client.URL(path))
	if err != nil {
		return err
	}
	header := http.Header{}
	if tok := s.client.Token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}

	conn, resp, err := s.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			defer resp.Body.Close()
			return api.ReadError("Stream", resp)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &api.TransportError{Op: "Stream", Err: err}
	}

	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = conn.Close() }) }
	defer closeConn()

	stop := context.AfterFunc(ctx, closeConn)
	defer stop()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, websocket.ErrCloseSent) {
				return ErrStreamClosed
			}
			return &api.TransportError{Op: "Stream", Err: err}
		}
		if msgType != websocket.TextMessage {
			continue
		}
		payload := strings.TrimSpace(string(data))
		if payload == "" {
			continue
		}
		event, err := Decode([]byte(payload))
		if err != nil {
			return err
		}
		if err := fn(event); err != nil {
			return err
		}
		if IsTerminal(event) {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}

func toWebSocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported stream url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

var (
	_ Source = (*SSESource)(nil)
	_ Source = (*WebSocketSource)(nil)
)
