// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers is the thin HTTP/WebSocket transport over the engine.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/reverie-ai/reverie/services/engine"
	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// keepAliveInterval paces SSE comment pings during long operations.
const keepAliveInterval = 15 * time.Second

// TurnRunner is the engine surface the transport needs.
type TurnRunner interface {
	HandleTurn(ctx context.Context, req datatypes.ChatStreamRequest, emit engine.Emit) error
}

// HandleChatStream serves POST /v1/chat/stream as an SSE stream.
//
// The handler validates the request, then relays engine events onto the
// wire. A client disconnect cancels the request context, which aborts
// in-flight LLM streams and tool calls.
func HandleChatStream(eng TurnRunner, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		var req datatypes.ChatStreamRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		// Keep-alive pings until the turn finishes.
		done := make(chan struct{})
		defer close(done)
		go func() {
			ticker := time.NewTicker(keepAliveInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := writer.WriteKeepAlive(); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		emit := func(ev datatypes.StreamEvent) {
			if err := writer.WriteEvent(ev); err != nil {
				// A dead client: stop producing.
				cancel()
			}
		}
		if err := eng.HandleTurn(ctx, req, emit); err != nil {
			logger.Error("chat turn failed", "session_id", req.SessionID, "error", err)
		}
	}
}

// HealthCheck serves GET /healthz.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
