// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
	openai "github.com/sashabaranov/go-openai"
)

// providerError carries a normalized category alongside the vendor error.
type providerError struct {
	category datatypes.ErrorCategory
	err      error
}

func (p *providerError) Error() string {
	return string(p.category) + ": " + p.err.Error()
}

func (p *providerError) Unwrap() error { return p.err }

// categorized wraps err with an explicit category.
func categorized(cat datatypes.ErrorCategory, err error) error {
	return &providerError{category: cat, err: err}
}

// Categorize maps any adapter error onto the error taxonomy.
//
// Rules, in order: explicit provider categories win; context deadline and
// net timeouts map to timeout; HTTP status codes map 401/403→auth,
// 429→rate_limit (quota wording→quota_exhausted), 5xx→server, other
// 4xx→client; everything else is unknown.
func Categorize(err error) datatypes.ErrorCategory {
	if err == nil {
		return ""
	}

	var pe *providerError
	if errors.As(err, &pe) {
		return pe.category
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return datatypes.ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return datatypes.ErrTimeout
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return categorizeStatus(apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return categorizeStatus(reqErr.HTTPStatusCode, reqErr.Error())
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota") || strings.Contains(msg, "resource_exhausted"):
		return datatypes.ErrQuotaExhausted
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return datatypes.ErrRateLimit
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "api key") || strings.Contains(msg, "401"):
		return datatypes.ErrAuth
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return datatypes.ErrTimeout
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "overloaded"):
		return datatypes.ErrServer
	default:
		return datatypes.ErrUnknown
	}
}

func categorizeStatus(status int, message string) datatypes.ErrorCategory {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return datatypes.ErrAuth
	case status == http.StatusTooManyRequests:
		if strings.Contains(strings.ToLower(message), "quota") {
			return datatypes.ErrQuotaExhausted
		}
		return datatypes.ErrRateLimit
	case status >= 500:
		return datatypes.ErrServer
	case status >= 400:
		return datatypes.ErrClient
	default:
		return datatypes.ErrUnknown
	}
}
