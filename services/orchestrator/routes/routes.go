// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reverie-ai/reverie/services/orchestrator/handlers"
	"github.com/reverie-ai/reverie/services/tools"
)

// Deps carries the wired components the routes expose.
type Deps struct {
	Engine     handlers.TurnRunner
	Documents  handlers.DocumentIngester
	ImageQueue *tools.ImageQueue
	Logger     *slog.Logger
}

// Setup mounts all HTTP routes.
func Setup(router *gin.Engine, deps Deps) {
	router.GET("/healthz", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/chat/stream", handlers.HandleChatStream(deps.Engine, deps.Logger))
		v1.GET("/chat/ws", handlers.HandleChatWebSocket(deps.Engine, deps.Logger))
		if deps.Documents != nil {
			v1.POST("/documents", handlers.HandleDocumentIngest(deps.Documents, deps.Logger))
		}
		if deps.ImageQueue != nil {
			v1.GET("/images/:jobId", handlers.HandleImageJobStatus(deps.ImageQueue))
		}
	}
}
