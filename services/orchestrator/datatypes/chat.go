// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides shared data structures for the runtime.
//
// This file contains conversation-level types: messages, user context,
// the streaming event protocol, and the chat request surface. Planner and
// task types live in plan.go, memory types in memory.go, gateway types in
// llm.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Oversized payloads are rejected at the transport boundary to prevent
	// memory exhaustion.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxImagesPerMessage bounds the number of image handles per message.
	MaxImagesPerMessage = 4

	// HotHistoryLimit is the maximum number of messages retained in the
	// session hot tier. Older messages remain readable from the warm tier.
	HotHistoryLimit = 20
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length (not rune count) against
// MaxMessageContentBytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Messages
// =============================================================================

// Message is a single immutable conversation entry.
//
// # Description
//
// Messages are created by the transport layer and appended to a session by
// the engine. The core never mutates a message after creation; edits are
// modeled as new messages.
type Message struct {
	// Role is one of "user", "assistant", "system", "tool".
	Role string `json:"role" validate:"required,oneof=user assistant system tool"`

	// Content is the message text.
	Content string `json:"content" validate:"maxbytes"`

	// Images holds opaque handles produced by the upload pipeline.
	// The core passes them through to vision-capable models unmodified.
	Images []string `json:"images,omitempty" validate:"max=4"`

	// CreatedAt is the message creation time (set by the transport).
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the message against its declared constraints.
func (m *Message) Validate() error {
	return chatValidate.Struct(m)
}

// Style captures per-user response style preferences.
type Style struct {
	// Tone is a free-form tone hint (e.g. "sicak", "resmi").
	Tone string `json:"tone,omitempty"`

	// Length is one of "short", "medium", "long".
	Length string `json:"length,omitempty"`

	// EmojiLevel is 0 (none) to 3 (liberal).
	EmojiLevel int `json:"emoji_level,omitempty"`
}

// UserContext is the per-request identity and style envelope.
//
// # Description
//
// Set once by the transport when a request enters the engine and treated
// as immutable for the lifetime of that request. Username is display-only
// and must never appear in trace or request identifiers.
type UserContext struct {
	UserID    string `json:"user_id" validate:"required"`
	Username  string `json:"username,omitempty"`
	SessionID string `json:"session_id" validate:"required"`
	MessageID string `json:"message_id,omitempty"`
	Persona   string `json:"persona,omitempty"`
	Style     Style  `json:"style"`
	Locale    string `json:"locale,omitempty"`
}

// Validate checks required identity fields.
func (u *UserContext) Validate() error {
	return chatValidate.Struct(u)
}

// =============================================================================
// Streaming Event Protocol
// =============================================================================

// Event type discriminators for StreamEvent.Type.
//
// Ordering guarantee per request: at most one EventMetadata precedes any
// EventChunk; EventThought / EventTaskResult / EventSources interleave
// between them; the stream terminates with exactly one completion or one
// EventError.
const (
	EventMetadata   = "metadata"
	EventThought    = "thought"
	EventTaskResult = "task_result"
	EventSources    = "sources"
	EventChunk      = "chunk"
	EventError      = "error"
	EventStatus     = "status"
)

// Thought categories for EventThought payloads.
const (
	ThoughtRouter    = "ROUTER"
	ThoughtMemory    = "MEMORY"
	ThoughtTool      = "TOOL"
	ThoughtSynthesis = "SYNTHESIS"
)

// SourceInfo is one entry of a unified sources list.
//
// Produced by source-emitting tools (web search, document retrieval) and
// forwarded verbatim to the caller in a single EventSources event.
type SourceInfo struct {
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
	Favicon string `json:"favicon,omitempty"`
	// Type is "web" or "document".
	Type string `json:"type"`
}

// Metadata is the payload of the single metadata event per request.
type Metadata struct {
	Intent    string `json:"intent"`
	Reasoning string `json:"reasoning,omitempty"`
	Model     string `json:"model,omitempty"`
	TraceID   string `json:"trace_id"`
}

// StreamEvent is one typed event of the caller-facing stream.
//
// # Description
//
// The wire protocol is transport-agnostic; the SSE and WebSocket handlers
// serialize the same struct. Only the fields relevant to Type are set.
//
// # Thread Safety
//
// Events are value types; they are safe to send across goroutines.
type StreamEvent struct {
	// ID is a UUID v4 assigned by the writer for ordering and dedup.
	ID string `json:"id,omitempty"`

	// Type is one of the Event* constants.
	Type string `json:"type"`

	// CreatedAt is a Unix timestamp in milliseconds, set by the writer.
	CreatedAt int64 `json:"created_at,omitempty"`

	// Content carries chunk text, thought text, status or error messages.
	Content string `json:"content,omitempty"`

	// Cat is the thought category (EventThought only).
	Cat string `json:"cat,omitempty"`

	// TaskID links thought and task_result events to a plan task.
	TaskID string `json:"task_id,omitempty"`

	// Metadata is set for EventMetadata.
	Metadata *Metadata `json:"metadata,omitempty"`

	// Result is set for EventTaskResult.
	Result *TaskResult `json:"result,omitempty"`

	// Sources is set for EventSources.
	Sources []SourceInfo `json:"sources,omitempty"`

	// TraceID is attached to error events so users can report failures
	// without exposing any internal identifier beyond the trace.
	TraceID string `json:"trace_id,omitempty"`
}

// =============================================================================
// Chat Request Types
// =============================================================================

// ChatStreamRequest is the transport-level request for a streaming chat turn.
type ChatStreamRequest struct {
	UserID    string   `json:"user_id" validate:"required"`
	Username  string   `json:"username,omitempty"`
	SessionID string   `json:"session_id" validate:"required"`
	Message   string   `json:"message" validate:"required,maxbytes"`
	Images    []string `json:"images,omitempty" validate:"max=4"`
	Persona   string   `json:"persona,omitempty"`
	Locale    string   `json:"locale,omitempty"`
	Style     Style    `json:"style"`
}

// Validate checks the request against its declared constraints.
func (r *ChatStreamRequest) Validate() error {
	return chatValidate.Struct(r)
}

// UserContext builds the immutable per-request context from the request,
// assigning the given message id.
func (r *ChatStreamRequest) UserContext(messageID string) UserContext {
	return UserContext{
		UserID:    r.UserID,
		Username:  r.Username,
		SessionID: r.SessionID,
		MessageID: messageID,
		Persona:   r.Persona,
		Style:     r.Style,
		Locale:    r.Locale,
	}
}
