// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine coordinates the full lifecycle of one streaming chat
// turn: safety in, memory read, planning, DAG execution, synthesis,
// quality and safety out, then the background write-back.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/reverie-ai/reverie/services/executor"
	"github.com/reverie-ai/reverie/services/memory"
	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
	"github.com/reverie-ai/reverie/services/planner"
	"github.com/reverie-ai/reverie/services/safety"
	"github.com/reverie-ai/reverie/services/synthesizer"
)

var engineTracer = otel.Tracer("reverie.engine")

const (
	// planningHistoryLimit / synthesisHistoryLimit are how many recent
	// messages each stage sees.
	planningHistoryLimit  = 10
	synthesisHistoryLimit = 15

	// writeBarrierWait caps how long a turn waits for the previous
	// turn's write-back on the same session before reading memory.
	writeBarrierWait = 10 * time.Second
)

// User-facing Turkish failure texts.
const (
	refusalMessage = "Bu mesajı güvenlik nedeniyle işleyemiyorum."
	qualityMessage = "Yanıt oluşturulamadı, lütfen tekrar deneyin."
)

// Emit delivers one event to the transport.
type Emit func(event datatypes.StreamEvent)

// InputGate is the safety surface the engine needs.
type InputGate interface {
	CheckInput(ctx context.Context, text string) safety.InputResult
	MaskOutput(text string) string
}

// QualityChecker inspects the final synthesized text.
type QualityChecker interface {
	Check(text, intent, persona string) safety.QualityReport
}

// MemoryReader is the unified memory read path.
type MemoryReader interface {
	Retrieve(ctx context.Context, userID, query string) (*datatypes.MemoryContext, error)
}

// SessionStore is the conversation history tier.
type SessionStore interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]datatypes.Message, error)
	Append(ctx context.Context, sessionID string, msgs ...datatypes.Message) error
}

// PlanBuilder turns a turn into a task graph.
type PlanBuilder interface {
	BuildPlan(ctx context.Context, req planner.Request) (*datatypes.Plan, bool)
}

// PlanRunner executes a task graph.
type PlanRunner interface {
	Run(ctx context.Context, plan *datatypes.Plan, baseParams map[string]any, emit executor.Emit) *executor.Outcome
}

// Responder streams the final answer.
type Responder interface {
	Stream(ctx context.Context, req synthesizer.Request, emit synthesizer.Emit) (*synthesizer.Outcome, error)
}

// ReminderStore is the prospective-task tier.
type ReminderStore interface {
	Due(userID string, now time.Time) ([]datatypes.ProspectiveTask, error)
	Add(task datatypes.ProspectiveTask) error
	MarkDelivered(userID, taskID string) error
}

// KnowledgeExtractor pulls candidate facts and reminders from a turn.
type KnowledgeExtractor interface {
	Extract(ctx context.Context, userID, userMessage, turnID string) (*memory.ExtractionResult, error)
}

// FactGate classifies and commits extracted facts.
type FactGate interface {
	Classify(fact datatypes.Fact) datatypes.MemoryDecision
	CommitLongTerm(ctx context.Context, fact datatypes.Fact) (*datatypes.Fact, error)
}

// SessionFactSink stores session- and ephemeral-tier facts.
type SessionFactSink interface {
	Put(userID string, fact datatypes.Fact, ttlSeconds int64) error
}

// CompletionRecord is the per-turn telemetry summary.
type CompletionRecord struct {
	TraceID     string
	UserID      string
	SessionID   string
	Intent      string
	Model       string
	Fallback    bool
	Interrupted bool
	Tasks       int
	DurationMS  int64
}

// CompletionRecorder receives one record per finished turn.
type CompletionRecorder interface {
	RecordCompletion(rec CompletionRecord)
}

// Deps wires the engine. Memory-side fields (Memory, Reminders,
// Extractor, FactGate, SessionFacts, Embedder, Vectors) may be nil;
// the corresponding stage is then skipped.
type Deps struct {
	Safety    InputGate
	Quality   QualityChecker
	Memory    MemoryReader
	Sessions  SessionStore
	Planner   PlanBuilder
	Executor  PlanRunner
	Responder Responder

	Reminders    ReminderStore
	Extractor    KnowledgeExtractor
	FactGate     FactGate
	SessionFacts SessionFactSink
	Embedder     memory.Embedder
	Vectors      memory.VectorStore

	Telemetry CompletionRecorder
	Logger    *slog.Logger
}

// Engine runs streaming chat turns.
//
// # Thread Safety
//
// Safe for concurrent use. Write-backs are serialized per session: a
// turn waits (bounded) for the previous turn's write-back on the same
// session before reading memory, so the reply never predates its own
// session's durable state.
type Engine struct {
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	barriers map[string]chan struct{}
	wg       sync.WaitGroup
}

// New creates an engine.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		deps:     deps,
		logger:   logger,
		barriers: make(map[string]chan struct{}),
	}
}

// Close waits for in-flight background write-backs to finish.
func (e *Engine) Close() {
	e.wg.Wait()
}

// HandleTurn runs one streaming request end to end. Events flow through
// emit in protocol order: metadata, then interleaved thought /
// task_result / sources, then chunks, then an error event if anything
// terminal went wrong. The returned error covers engine-internal
// failures only; refusals and degraded answers are reported in-stream.
func (e *Engine) HandleTurn(ctx context.Context, req datatypes.ChatStreamRequest, emit Emit) error {
	start := time.Now()
	ctx, span := engineTracer.Start(ctx, "Engine.HandleTurn")
	defer span.End()
	if emit == nil {
		emit = func(datatypes.StreamEvent) {}
	}

	traceID := requestTraceID(span)
	span.SetAttributes(attribute.String("session.id", req.SessionID))
	user := req.UserContext(uuid.NewString())
	logger := e.logger.With("trace_id", traceID, "session_id", req.SessionID)

	// Error events always carry the trace id so users can report them.
	send := func(ev datatypes.StreamEvent) {
		if ev.Type == datatypes.EventError && ev.TraceID == "" {
			ev.TraceID = traceID
		}
		emit(ev)
	}

	// Input safety gate.
	verdict := e.deps.Safety.CheckInput(ctx, req.Message)
	if !verdict.Safe {
		logger.Warn("turn refused by input gate", "reason", verdict.Reason)
		send(datatypes.StreamEvent{Type: datatypes.EventError, Content: refusalMessage})
		return nil
	}
	message := verdict.Sanitized

	// Turn N+1 must observe turn N's writes on the same session.
	e.awaitWriteBack(ctx, req.SessionID)

	reminders := e.dueReminders(user.UserID, logger)
	memCtx := e.retrieveMemory(ctx, user.UserID, message, logger)
	history := e.recentHistory(ctx, req.SessionID, logger)

	plan, usedFallback := e.deps.Planner.BuildPlan(ctx, planner.Request{
		UserID:        user.UserID,
		Message:       message,
		MemoryContext: memCtx.Formatted(),
		History:       tail(history, planningHistoryLimit),
	})
	span.SetAttributes(
		attribute.String("plan.intent", plan.Intent),
		attribute.Bool("plan.fallback", usedFallback),
	)
	send(datatypes.StreamEvent{
		Type: datatypes.EventMetadata,
		Metadata: &datatypes.Metadata{
			Intent:    plan.Intent,
			Reasoning: plan.Reasoning,
			TraceID:   traceID,
		},
	})
	if plan.PlanningThought != "" {
		send(datatypes.StreamEvent{
			Type:    datatypes.EventThought,
			Cat:     datatypes.ThoughtRouter,
			Content: plan.PlanningThought,
		})
	}

	outcome := e.deps.Executor.Run(ctx, plan, map[string]any{
		"user_id":    user.UserID,
		"username":   user.Username,
		"session_id": req.SessionID,
		"message_id": user.MessageID,
	}, executor.Emit(send))

	// Chunks are masked and held until the quality gate clears them, so
	// a blocked answer is never partially delivered.
	var held []datatypes.StreamEvent
	gatedEmit := func(ev datatypes.StreamEvent) {
		if ev.Type == datatypes.EventChunk {
			ev.Content = e.deps.Safety.MaskOutput(ev.Content)
			held = append(held, ev)
			return
		}
		send(ev)
	}
	flush := func() {
		for _, ev := range held {
			send(ev)
		}
		held = nil
	}

	synthOut, err := e.deps.Responder.Stream(ctx, synthesizer.Request{
		User:      user,
		Message:   message,
		History:   tail(history, synthesisHistoryLimit),
		Memory:    memCtx,
		Plan:      plan,
		Results:   outcome.Results,
		Sources:   outcome.Sources,
		Reminders: reminders,
	}, gatedEmit)
	if err != nil {
		logger.Error("synthesis failed to start", "error", err)
		flush()
		send(datatypes.StreamEvent{Type: datatypes.EventError, Content: qualityMessage})
		return err
	}

	archiveText := ""
	if synthOut.Interrupted {
		// Partial answers bypass the quality gate: the user already
		// asked to stop, deliver what exists and archive it as-is.
		flush()
		archiveText = e.deps.Safety.MaskOutput(synthOut.Text)
	} else {
		report := e.deps.Quality.Check(synthOut.Text, plan.Intent, user.Persona)
		for _, issue := range report.Issues {
			logger.Warn("quality issue", "code", issue.Code, "severity", issue.Severity)
		}
		switch {
		case report.Blocked:
			held = nil
			send(datatypes.StreamEvent{Type: datatypes.EventError, Content: qualityMessage})
		case report.Text != synthOut.Text:
			// Quality repaired the text; the held chunks carry the old
			// version, replace them with the repaired one.
			held = nil
			repaired := e.deps.Safety.MaskOutput(report.Text)
			send(datatypes.StreamEvent{Type: datatypes.EventChunk, Content: repaired})
			archiveText = repaired
		default:
			flush()
			archiveText = e.deps.Safety.MaskOutput(report.Text)
		}
	}

	if e.deps.Telemetry != nil {
		e.deps.Telemetry.RecordCompletion(CompletionRecord{
			TraceID:     traceID,
			UserID:      user.UserID,
			SessionID:   req.SessionID,
			Intent:      plan.Intent,
			Model:       synthOut.Model,
			Fallback:    usedFallback,
			Interrupted: synthOut.Interrupted,
			Tasks:       len(outcome.Results),
			DurationMS:  time.Since(start).Milliseconds(),
		})
	}

	e.spawnWriteBack(turnRecord{
		User:          user,
		UserMessage:   message,
		AssistantText: archiveText,
		Delivered:     reminders,
	}, logger)
	return nil
}

// awaitWriteBack blocks (bounded) until the previous turn's write-back
// for this session completes.
func (e *Engine) awaitWriteBack(ctx context.Context, sessionID string) {
	e.mu.Lock()
	prev := e.barriers[sessionID]
	e.mu.Unlock()
	if prev == nil {
		return
	}
	select {
	case <-prev:
	case <-ctx.Done():
	case <-time.After(writeBarrierWait):
		e.logger.Warn("previous write-back still running, proceeding", "session_id", sessionID)
	}
}

func (e *Engine) dueReminders(userID string, logger *slog.Logger) []datatypes.ProspectiveTask {
	if e.deps.Reminders == nil {
		return nil
	}
	due, err := e.deps.Reminders.Due(userID, time.Now())
	if err != nil {
		logger.Warn("prospective due-scan failed", "error", err)
		return nil
	}
	return due
}

func (e *Engine) retrieveMemory(ctx context.Context, userID, query string, logger *slog.Logger) *datatypes.MemoryContext {
	if e.deps.Memory == nil {
		return nil
	}
	mc, err := e.deps.Memory.Retrieve(ctx, userID, query)
	if err != nil {
		logger.Warn("memory retrieval failed, continuing without context", "error", err)
		return nil
	}
	return mc
}

func (e *Engine) recentHistory(ctx context.Context, sessionID string, logger *slog.Logger) []datatypes.Message {
	history, err := e.deps.Sessions.Recent(ctx, sessionID, synthesisHistoryLimit)
	if err != nil {
		logger.Warn("session history load failed, continuing without history", "error", err)
		return nil
	}
	return history
}

// requestTraceID prefers the live otel trace id; without a sampler it
// falls back to a UUID so error events stay reportable.
func requestTraceID(span trace.Span) string {
	if sc := span.SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}

func tail(msgs []datatypes.Message, n int) []datatypes.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
