// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// searchResultLimit caps how many hits flow into the context.
const searchResultLimit = 5

// WebSearch queries a SearxNG-compatible JSON search endpoint.
type WebSearch struct {
	baseURL string
	client  *http.Client
}

var _ Tool = (*WebSearch)(nil)

// NewWebSearch creates the tool for the given endpoint base URL.
func NewWebSearch(baseURL string) *WebSearch {
	return &WebSearch{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebSearch) Name() string { return "web_search" }

func (w *WebSearch) Description() string {
	return "Güncel bilgi için web araması yapar; sonuçları kaynaklarıyla döndürür."
}

type searxResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Execute searches for params["query"].
func (w *WebSearch) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	query, _ := params["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("web_search: missing query parameter")
	}

	endpoint := fmt.Sprintf("%s/search?q=%s&format=json", w.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("web_search: failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web_search: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("web_search: endpoint returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("web_search: failed to read response: %w", err)
	}
	var parsed searxResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("web_search: failed to decode response: %w", err)
	}

	results := parsed.Results
	if len(results) > searchResultLimit {
		results = results[:searchResultLimit]
	}

	var b strings.Builder
	sources := make([]datatypes.SourceInfo, 0, len(results))
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Content)
		sources = append(sources, datatypes.SourceInfo{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
			Favicon: faviconURL(r.URL),
			Type:    "web",
		})
	}
	if len(results) == 0 {
		b.WriteString("Arama sonucu bulunamadı.")
	}
	return &Result{Output: strings.TrimSpace(b.String()), Sources: sources}, nil
}

// faviconURL derives a favicon location from a result URL.
func faviconURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/favicon.ico"
}
