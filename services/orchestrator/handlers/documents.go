// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reverie-ai/reverie/services/tools"
)

// DocumentIngester is the document-store surface the transport needs.
type DocumentIngester interface {
	Ingest(ctx context.Context, userID, filename, content string) (int, error)
}

// ingestRequest is the POST /v1/documents body.
type ingestRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	Filename string `json:"filename" binding:"required"`
	Content  string `json:"content" binding:"required"`
}

// HandleDocumentIngest chunks and stores a document in the user's
// searchable corpus.
func HandleDocumentIngest(store DocumentIngester, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		var req ingestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		chunks, err := store.Ingest(c.Request.Context(), req.UserID, req.Filename, req.Content)
		if err != nil {
			logger.Error("document ingest failed", "filename", req.Filename, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "document ingest failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"filename": req.Filename, "chunks": chunks})
	}
}

// HandleImageJobStatus serves GET /v1/images/:jobId.
func HandleImageJobStatus(queue *tools.ImageQueue) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := queue.Job(c.Param("jobId"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusOK, job)
	}
}
