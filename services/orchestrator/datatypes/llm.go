// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides shared data structures for the runtime.
//
// This file contains gateway-level types: generation requests and results,
// stream chunks, the error-category taxonomy and the typed gateway error.
package datatypes

import (
	"fmt"
	"strings"
)

// =============================================================================
// Roles
// =============================================================================

// Pipeline roles. Each role resolves to an ordered model chain via
// governance; roles are how callers express "what kind of model" without
// naming one.
const (
	RoleOrchestrator        = "orchestrator"
	RoleSynthesizer         = "synthesizer"
	RoleSemantic            = "semantic"
	RoleFast                = "fast"
	RoleLogic               = "logic"
	RoleCoding              = "coding"
	RoleCreative            = "creative"
	RoleAnalysis            = "analysis"
	RoleSafety              = "safety"
	RoleSearch              = "search"
	RoleEpisodicSummary     = "episodic_summary"
	RoleKnowledgeExtraction = "knowledge_extraction"
	RoleEmbedding           = "embedding"
)

// =============================================================================
// Requests and Results
// =============================================================================

// GenerationRequest is the provider-neutral request shape.
//
// Exactly one of Prompt / Messages drives the call; when both are set the
// adapter sends Messages and ignores Prompt.
type GenerationRequest struct {
	Role         string    `json:"role"`
	Prompt       string    `json:"prompt,omitempty"`
	Messages     []Message `json:"messages,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Temperature  *float32  `json:"temperature,omitempty"`
	MaxTokens    *int      `json:"max_tokens,omitempty"`
	Images       []string  `json:"images,omitempty"`

	// ModelOverride prepends an ad-hoc model to the role's chain.
	ModelOverride string `json:"model_override,omitempty"`
}

// ProviderResult is a single adapter response, before gateway accounting.
type ProviderResult struct {
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
	Raw    any    `json:"-"`
}

// StreamChunk is one element of an adapter's lazy chunk sequence.
//
// A chunk with Err set terminates the sequence; adapters close the channel
// after sending it.
type StreamChunk struct {
	Text string
	Err  error
}

// GatewayResult is the LLM gateway's successful generate outcome.
type GatewayResult struct {
	Text     string `json:"text"`
	Model    string `json:"model"`
	Tokens   int    `json:"tokens"`
	Attempts int    `json:"attempts"`
	Fallback bool   `json:"fallback"`
}

// StreamErrorSentinel prefixes the terminal chunk of a failed stream.
// The synthesizer converts it into a user-facing error event.
const StreamErrorSentinel = "error:"

// IsStreamError reports whether a chunk's text is an error sentinel.
func IsStreamError(text string) bool {
	return strings.HasPrefix(text, StreamErrorSentinel)
}

// =============================================================================
// Error Taxonomy
// =============================================================================

// ErrorCategory classifies a provider or gateway failure.
type ErrorCategory string

const (
	ErrAuth           ErrorCategory = "auth"
	ErrRateLimit      ErrorCategory = "rate_limit"
	ErrQuotaExhausted ErrorCategory = "quota_exhausted"
	ErrTimeout        ErrorCategory = "timeout"
	ErrServer         ErrorCategory = "server"
	ErrClient         ErrorCategory = "client"
	ErrUnknown        ErrorCategory = "unknown"

	// ErrBudget terminates the chain: the daily budget for the selected
	// model is exhausted and no further models are tried.
	ErrBudget ErrorCategory = "budget"

	// ErrNoModel means the whole chain was exhausted without a success.
	ErrNoModel ErrorCategory = "no_model"
)

// AttemptError records one failed attempt within the fallback loop.
type AttemptError struct {
	Model    string        `json:"model"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`
}

// GatewayError is the typed failure returned by the LLM gateway.
//
// Retryable signals whether the caller may usefully retry the whole
// request later (true for chain exhaustion, false for budget rejection).
type GatewayError struct {
	Category  ErrorCategory  `json:"category"`
	Model     string         `json:"model,omitempty"`
	Retryable bool           `json:"retryable"`
	Attempts  []AttemptError `json:"attempts,omitempty"`
	Err       error          `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm gateway: %s (model=%s): %v", e.Category, e.Model, e.Err)
	}
	return fmt.Sprintf("llm gateway: %s (model=%s)", e.Category, e.Model)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *GatewayError) Unwrap() error { return e.Err }
