// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reverie-ai/reverie/services/executor"
	"github.com/reverie-ai/reverie/services/memory"
	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
	"github.com/reverie-ai/reverie/services/planner"
	"github.com/reverie-ai/reverie/services/safety"
	"github.com/reverie-ai/reverie/services/synthesizer"
)

type fakeSafety struct {
	safe   bool
	checks int
}

func (f *fakeSafety) CheckInput(_ context.Context, text string) safety.InputResult {
	f.checks++
	return safety.InputResult{Safe: f.safe, Sanitized: text}
}

func (f *fakeSafety) MaskOutput(text string) string { return text }

type fakeQuality struct {
	blocked  bool
	repaired string
}

func (f *fakeQuality) Check(text, _, _ string) safety.QualityReport {
	if f.repaired != "" {
		text = f.repaired
	}
	return safety.QualityReport{Text: text, Blocked: f.blocked}
}

type fakeMemoryReader struct{ mc *datatypes.MemoryContext }

func (f *fakeMemoryReader) Retrieve(context.Context, string, string) (*datatypes.MemoryContext, error) {
	return f.mc, nil
}

type fakeSessions struct {
	mu       sync.Mutex
	history  []datatypes.Message
	appended []datatypes.Message
}

func (f *fakeSessions) Recent(context.Context, string, int) ([]datatypes.Message, error) {
	return f.history, nil
}

func (f *fakeSessions) Append(_ context.Context, _ string, msgs ...datatypes.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, msgs...)
	return nil
}

type fakePlanner struct{ plan *datatypes.Plan }

func (f *fakePlanner) BuildPlan(context.Context, planner.Request) (*datatypes.Plan, bool) {
	return f.plan, false
}

type fakeExecutor struct {
	outcome    *executor.Outcome
	baseParams map[string]any
}

func (f *fakeExecutor) Run(_ context.Context, plan *datatypes.Plan, baseParams map[string]any, emit executor.Emit) *executor.Outcome {
	f.baseParams = baseParams
	for id, result := range f.outcome.Results {
		result := result
		emit(datatypes.StreamEvent{Type: datatypes.EventTaskResult, TaskID: id, Result: &result})
	}
	return f.outcome
}

type fakeResponder struct {
	text        string
	interrupted bool
	lastReq     synthesizer.Request
}

func (f *fakeResponder) Stream(_ context.Context, req synthesizer.Request, emit synthesizer.Emit) (*synthesizer.Outcome, error) {
	f.lastReq = req
	emit(datatypes.StreamEvent{Type: datatypes.EventChunk, Content: f.text})
	return &synthesizer.Outcome{Text: f.text, Model: "test-model", Interrupted: f.interrupted}, nil
}

type fakeReminders struct {
	mu        sync.Mutex
	due       []datatypes.ProspectiveTask
	added     []datatypes.ProspectiveTask
	delivered []string
}

func (f *fakeReminders) Due(string, time.Time) ([]datatypes.ProspectiveTask, error) {
	return f.due, nil
}

func (f *fakeReminders) Add(task datatypes.ProspectiveTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, task)
	return nil
}

func (f *fakeReminders) MarkDelivered(_, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, taskID)
	return nil
}

type fakeExtractor struct{ result *memory.ExtractionResult }

func (f *fakeExtractor) Extract(context.Context, string, string, string) (*memory.ExtractionResult, error) {
	return f.result, nil
}

type fakeFactGate struct {
	mu        sync.Mutex
	decisions map[string]datatypes.MemoryDecision
	committed []datatypes.Fact
}

func (f *fakeFactGate) Classify(fact datatypes.Fact) datatypes.MemoryDecision {
	if d, ok := f.decisions[fact.Predicate]; ok {
		return d
	}
	return datatypes.MemoryDecision{Decision: datatypes.DecisionDiscard}
}

func (f *fakeFactGate) CommitLongTerm(_ context.Context, fact datatypes.Fact) (*datatypes.Fact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, fact)
	return &fact, nil
}

type fakeSessionFacts struct {
	mu    sync.Mutex
	facts []datatypes.Fact
}

func (f *fakeSessionFacts) Put(_ string, fact datatypes.Fact, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.facts = append(f.facts, fact)
	return nil
}

func chatPlan() *datatypes.Plan {
	return &datatypes.Plan{
		Intent:          "chat",
		Reasoning:       "basit sohbet",
		PlanningThought: "Doğrudan yanıtlıyorum.",
		Tasks:           []datatypes.Task{{ID: "t1", Type: datatypes.TaskTypeGeneration}},
	}
}

func newHarness() (Deps, *fakeSafety, *fakeSessions, *fakeResponder) {
	gate := &fakeSafety{safe: true}
	sessions := &fakeSessions{}
	responder := &fakeResponder{text: "Merhaba!"}
	deps := Deps{
		Safety:   gate,
		Quality:  &fakeQuality{},
		Memory:   &fakeMemoryReader{},
		Sessions: sessions,
		Planner:  &fakePlanner{plan: chatPlan()},
		Executor: &fakeExecutor{outcome: &executor.Outcome{
			Results: map[string]datatypes.TaskResult{
				"t1": {TaskID: "t1", Status: datatypes.TaskStatusSuccess, Output: "ok"},
			},
		}},
		Responder: responder,
	}
	return deps, gate, sessions, responder
}

func request() datatypes.ChatStreamRequest {
	return datatypes.ChatStreamRequest{
		UserID:    "u1",
		SessionID: "s1",
		Message:   "merhaba",
	}
}

func TestHandleTurnEventOrder(t *testing.T) {
	deps, _, sessions, _ := newHarness()
	e := New(deps)

	var events []datatypes.StreamEvent
	err := e.HandleTurn(context.Background(), request(), func(ev datatypes.StreamEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	e.Close()

	require.NotEmpty(t, events)
	assert.Equal(t, datatypes.EventMetadata, events[0].Type)
	require.NotNil(t, events[0].Metadata)
	assert.Equal(t, "chat", events[0].Metadata.Intent)
	assert.NotEmpty(t, events[0].Metadata.TraceID)

	assert.Equal(t, datatypes.EventThought, events[1].Type)
	assert.Equal(t, datatypes.ThoughtRouter, events[1].Cat)

	// Chunks come after metadata, thoughts and task results.
	var lastNonChunk, firstChunk = -1, -1
	for i, ev := range events {
		switch ev.Type {
		case datatypes.EventChunk:
			if firstChunk < 0 {
				firstChunk = i
			}
		case datatypes.EventMetadata, datatypes.EventThought, datatypes.EventTaskResult:
			lastNonChunk = i
		}
	}
	require.GreaterOrEqual(t, firstChunk, 0)
	assert.Less(t, lastNonChunk, firstChunk)

	// Write-back archived both turn messages.
	require.Len(t, sessions.appended, 2)
	assert.Equal(t, "user", sessions.appended[0].Role)
	assert.Equal(t, "merhaba", sessions.appended[0].Content)
	assert.Equal(t, "assistant", sessions.appended[1].Role)
	assert.Equal(t, "Merhaba!", sessions.appended[1].Content)
}

func TestHandleTurnRefusesUnsafeInput(t *testing.T) {
	deps, gate, sessions, _ := newHarness()
	gate.safe = false
	e := New(deps)

	var events []datatypes.StreamEvent
	err := e.HandleTurn(context.Background(), request(), func(ev datatypes.StreamEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	e.Close()

	require.Len(t, events, 1)
	assert.Equal(t, datatypes.EventError, events[0].Type)
	assert.Equal(t, refusalMessage, events[0].Content)
	assert.NotEmpty(t, events[0].TraceID)
	assert.Empty(t, sessions.appended)
}

func TestHandleTurnQualityBlockSkipsArchive(t *testing.T) {
	deps, _, sessions, responder := newHarness()
	deps.Quality = &fakeQuality{blocked: true}
	responder.text = "x"
	e := New(deps)

	var events []datatypes.StreamEvent
	err := e.HandleTurn(context.Background(), request(), func(ev datatypes.StreamEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	e.Close()

	var sawError bool
	for _, ev := range events {
		if ev.Type == datatypes.EventError {
			sawError = true
		}
		// A blocked answer must never reach the stream, not even in part.
		assert.NotEqual(t, datatypes.EventChunk, ev.Type)
	}
	assert.True(t, sawError)

	// Only the user message is archived.
	require.Len(t, sessions.appended, 1)
	assert.Equal(t, "user", sessions.appended[0].Role)
}

func TestHandleTurnQualityRepairReachesUser(t *testing.T) {
	deps, _, sessions, responder := newHarness()
	deps.Quality = &fakeQuality{repaired: "Merhaba! ```\nfmt.Println(1)\n```"}
	responder.text = "Merhaba! ```\nfmt.Println(1)"
	e := New(deps)

	var chunks []string
	err := e.HandleTurn(context.Background(), request(), func(ev datatypes.StreamEvent) {
		if ev.Type == datatypes.EventChunk {
			chunks = append(chunks, ev.Content)
		}
	})
	require.NoError(t, err)
	e.Close()

	// The stream carries only the repaired text, and so does the archive.
	require.Len(t, chunks, 1)
	assert.Equal(t, "Merhaba! ```\nfmt.Println(1)\n```", chunks[0])
	require.Len(t, sessions.appended, 2)
	assert.Equal(t, "Merhaba! ```\nfmt.Println(1)\n```", sessions.appended[1].Content)
}

func TestHandleTurnInjectsIdentityParams(t *testing.T) {
	deps, _, _, _ := newHarness()
	exec := &fakeExecutor{outcome: &executor.Outcome{}}
	deps.Executor = exec
	e := New(deps)

	req := request()
	req.Username = "Ayşe"
	require.NoError(t, e.HandleTurn(context.Background(), req, nil))
	e.Close()

	assert.Equal(t, "u1", exec.baseParams["user_id"])
	assert.Equal(t, "Ayşe", exec.baseParams["username"])
	assert.Equal(t, "s1", exec.baseParams["session_id"])
	assert.NotEmpty(t, exec.baseParams["message_id"])
}

func TestHandleTurnSurfacesDueReminders(t *testing.T) {
	deps, _, _, responder := newHarness()
	reminders := &fakeReminders{due: []datatypes.ProspectiveTask{
		{ID: "r1", UserID: "u1", Text: "ilaç al"},
	}}
	deps.Reminders = reminders
	e := New(deps)

	err := e.HandleTurn(context.Background(), request(), nil)
	require.NoError(t, err)
	e.Close()

	require.Len(t, responder.lastReq.Reminders, 1)
	assert.Equal(t, "ilaç al", responder.lastReq.Reminders[0].Text)
	assert.Equal(t, []string{"r1"}, reminders.delivered)
}

func TestWriteBackRoutesFactsByDecision(t *testing.T) {
	deps, _, _, _ := newHarness()
	gate := &fakeFactGate{decisions: map[string]datatypes.MemoryDecision{
		"YASAR_SEHIRDE": {Decision: datatypes.DecisionLongTerm},
		"HISSEDER":      {Decision: datatypes.DecisionSession, TTLSeconds: 86400},
		"GECICI":        {Decision: datatypes.DecisionDiscard},
	}}
	sink := &fakeSessionFacts{}
	reminders := &fakeReminders{}
	deps.FactGate = gate
	deps.SessionFacts = sink
	deps.Reminders = reminders
	deps.Extractor = &fakeExtractor{result: &memory.ExtractionResult{
		Facts: []datatypes.Fact{
			{Predicate: "YASAR_SEHIRDE", Object: "İzmir", Confidence: 0.9},
			{Predicate: "HISSEDER", Object: "mutlu", Confidence: 0.8},
			{Predicate: "GECICI", Object: "x", Confidence: 0.2},
		},
		Reminders: []datatypes.ProspectiveTask{
			{ID: "p1", UserID: "u1", Text: "yarın ara"},
		},
	}}
	e := New(deps)

	err := e.HandleTurn(context.Background(), request(), nil)
	require.NoError(t, err)
	e.Close()

	require.Len(t, gate.committed, 1)
	assert.Equal(t, "İzmir", gate.committed[0].Object)
	require.Len(t, sink.facts, 1)
	assert.Equal(t, "HISSEDER", sink.facts[0].Predicate)
	require.Len(t, reminders.added, 1)
	assert.Equal(t, "yarın ara", reminders.added[0].Text)
}

func TestWriteBackStoresRemindersWithoutFactGate(t *testing.T) {
	// With the memory tiers absent the prospective tier still works:
	// extracted reminders are stored even though no fact gate exists.
	deps, _, _, _ := newHarness()
	reminders := &fakeReminders{}
	deps.Reminders = reminders
	deps.Extractor = &fakeExtractor{result: &memory.ExtractionResult{
		Facts: []datatypes.Fact{{Predicate: "YASAR_SEHIRDE", Object: "İzmir"}},
		Reminders: []datatypes.ProspectiveTask{
			{ID: "p1", UserID: "u1", Text: "yarın toplantıyı hatırlat"},
		},
	}}
	e := New(deps)

	require.NoError(t, e.HandleTurn(context.Background(), request(), nil))
	e.Close()

	require.Len(t, reminders.added, 1)
	assert.Equal(t, "yarın toplantıyı hatırlat", reminders.added[0].Text)
}

func TestWriteBarrierSerializesSession(t *testing.T) {
	deps, _, sessions, _ := newHarness()
	e := New(deps)

	require.NoError(t, e.HandleTurn(context.Background(), request(), nil))
	e.Close()
	first := len(sessions.appended)

	// The second turn waits for the first write-back, then proceeds.
	require.NoError(t, e.HandleTurn(context.Background(), request(), nil))
	e.Close()
	assert.Greater(t, len(sessions.appended), first)
}
