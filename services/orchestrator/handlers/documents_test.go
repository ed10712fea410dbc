// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakeIngester struct {
	chunks int
	err    error
	gotUID string
}

func (f *fakeIngester) Ingest(_ context.Context, userID, _, _ string) (int, error) {
	f.gotUID = userID
	return f.chunks, f.err
}

func newDocRouter(ing *fakeIngester) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/v1/documents", HandleDocumentIngest(ing, nil))
	return router
}

func TestHandleDocumentIngest(t *testing.T) {
	ing := &fakeIngester{chunks: 3}
	router := newDocRouter(ing)

	body := `{"user_id":"u1","filename":"notlar.txt","content":"uzun bir metin"}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/documents", strings.NewReader(body)))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "u1", ing.gotUID)
	assert.Contains(t, w.Body.String(), `"chunks":3`)
}

func TestHandleDocumentIngestValidation(t *testing.T) {
	router := newDocRouter(&fakeIngester{})

	w := httptest.NewRecorder()
	body := `{"user_id":"u1"}`
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/documents", strings.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleDocumentIngestFailure(t *testing.T) {
	router := newDocRouter(&fakeIngester{err: errors.New("weaviate down")})

	body := `{"user_id":"u1","filename":"notlar.txt","content":"metin"}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/documents", strings.NewReader(body)))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
