// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backendtest

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/readersync/pkg/stream"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// pusher writes events on an open push channel.
type pusher interface {
	push(e stream.Event) error
	close()
}

// openPush answers a push-channel request as SSE, or as WebSocket when the
// request asks for an upgrade.
func openPush(c *gin.Context) (pusher, error) {
	if websocket.IsWebSocketUpgrade(c.Request) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return nil, err
		}
		return &wsPusher{conn: conn}, nil
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	return &ssePusher{c: c}, nil
}

type ssePusher struct {
	c *gin.Context
}

func (p *ssePusher) push(e stream.Event) error {
	payload, err := stream.Encode(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(p.c.Writer, "data: %s\n\n", payload); err != nil {
		return err
	}
	p.c.Writer.Flush()
	return nil
}

func (p *ssePusher) close() {}

type wsPusher struct {
	conn *websocket.Conn
}

func (p *wsPusher) push(e stream.Event) error {
	payload, err := stream.Encode(e)
	if err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, payload)
}

func (p *wsPusher) close() {
	_ = p.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = p.conn.Close()
}

// pushAll writes events in order and stops at the first write error.
func pushAll(p pusher, events []stream.Event) error {
	for _, e := range events {
		if err := p.push(e); err != nil {
			return err
		}
	}
	return nil
}
