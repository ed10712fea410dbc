// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsConn serializes writes; gorilla connections allow only one
// concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) sendJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

// HandleChatWebSocket serves GET /v1/chat/ws. Each connection gets a
// generated session id (reported in a session_created action) and can
// then run turns by sending ChatStreamRequest JSON frames; stream
// events are relayed back as JSON frames.
func HandleChatWebSocket(eng TurnRunner, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Error("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		ws := &wsConn{conn: conn}

		sessionID := uuid.New().String()
		logger.Info("websocket session started", "session_id", sessionID)
		if err := ws.sendJSON(map[string]any{
			"action":     "session_created",
			"session_id": sessionID,
		}); err != nil {
			return
		}

		for {
			var req datatypes.ChatStreamRequest
			if err := conn.ReadJSON(&req); err != nil {
				logger.Info("websocket client disconnected", "session_id", sessionID)
				return
			}
			if req.SessionID == "" {
				req.SessionID = sessionID
			}
			if err := req.Validate(); err != nil {
				_ = ws.sendJSON(datatypes.StreamEvent{
					ID:        uuid.New().String(),
					Type:      datatypes.EventError,
					CreatedAt: time.Now().UnixMilli(),
					Content:   "geçersiz istek: " + err.Error(),
				})
				continue
			}

			emit := func(ev datatypes.StreamEvent) {
				ev.ID = uuid.New().String()
				ev.CreatedAt = time.Now().UnixMilli()
				if err := ws.sendJSON(ev); err != nil {
					logger.Warn("websocket write failed", "session_id", sessionID, "error", err)
				}
			}
			if err := eng.HandleTurn(c.Request.Context(), req, emit); err != nil {
				logger.Error("websocket turn failed", "session_id", sessionID, "error", err)
			}
		}
	}
}
