// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTool is a configurable test tool.
type stubTool struct {
	name string
	out  *Result
	err  error
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Execute(context.Context, map[string]any) (*Result, error) {
	return s.out, s.err
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&stubTool{name: "echo", out: &Result{Output: "ok"}})

	res, err := r.Execute(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output)

	_, err = r.Execute(context.Background(), "yok", nil)
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&stubTool{name: "zeta"})
	r.Register(&stubTool{name: "alpha"})

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "zeta", list[1].Name)
}

func TestRegistryCircuitIntegration(t *testing.T) {
	r := NewRegistry(nil)
	failing := &stubTool{name: "flaky", err: errors.New("boom")}
	r.Register(failing)

	for i := 0; i < 3; i++ {
		_, err := r.Execute(context.Background(), "flaky", nil)
		assert.Error(t, err)
	}
	// Breaker is now open: the tool itself is no longer reached.
	_, err := r.Execute(context.Background(), "flaky", nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, r.Breaker("flaky").State())
}

func TestRegistryReRegisterKeepsBreakerState(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&stubTool{name: "flaky", err: errors.New("boom")})
	for i := 0; i < 3; i++ {
		_, _ = r.Execute(context.Background(), "flaky", nil)
	}
	r.Register(&stubTool{name: "flaky", out: &Result{Output: "fixed"}})
	_, err := r.Execute(context.Background(), "flaky", nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestWebSearchParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "hava durumu", req.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results": [
			{"title": "İzmir hava", "url": "https://example.com/izmir", "content": "22 derece"},
			{"title": "Yarın", "url": "https://example.com/yarin", "content": "yağmurlu"}
		]}`))
	}))
	defer srv.Close()

	ws := NewWebSearch(srv.URL)
	res, err := ws.Execute(context.Background(), map[string]any{"query": "hava durumu"})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "[1] İzmir hava")
	require.Len(t, res.Sources, 2)
	assert.Equal(t, "web", res.Sources[0].Type)
	assert.Equal(t, "https://example.com/favicon.ico", res.Sources[0].Favicon)
}

func TestWebSearchEmptyResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results": []}`))
	}))
	defer srv.Close()

	ws := NewWebSearch(srv.URL)
	res, err := ws.Execute(context.Background(), map[string]any{"query": "x"})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "bulunamadı")
	assert.Empty(t, res.Sources)
}

func TestWebSearchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ws := NewWebSearch(srv.URL)
	_, err := ws.Execute(context.Background(), map[string]any{"query": "x"})
	assert.Error(t, err)
}
