// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package executor runs plan task graphs level by level: independent
// tasks of one level run in parallel, levels run in dependency order.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
	"github.com/reverie-ai/reverie/services/planner"
	"github.com/reverie-ai/reverie/services/tools"
)

var executorTracer = otel.Tracer("reverie.executor")

// taskTimeout bounds each individual task.
const taskTimeout = 60 * time.Second

// errCircular marks a plan the scheduler refused.
const errCircular = "circular_dependency"

// ToolRunner is the slice of the tool registry the executor needs.
type ToolRunner interface {
	Execute(ctx context.Context, name string, params map[string]any) (*tools.Result, error)
}

// Generator is the slice of the LLM gateway the executor needs.
type Generator interface {
	Generate(ctx context.Context, req datatypes.GenerationRequest) (*datatypes.GatewayResult, error)
}

// Emit delivers one progress event to the caller's stream.
type Emit func(event datatypes.StreamEvent)

// Outcome is the full result of executing one plan.
type Outcome struct {
	// Results holds one entry per task, including failures.
	Results map[string]datatypes.TaskResult
	// Sources aggregates unified sources from all tool tasks, in task
	// completion order within each level.
	Sources []datatypes.SourceInfo
}

// Executor runs plans.
//
// # Thread Safety
//
// Safe for concurrent use; all per-run state lives on the stack.
type Executor struct {
	toolRunner ToolRunner
	llm        Generator
	logger     *slog.Logger
}

// New creates an executor.
func New(toolRunner ToolRunner, llm Generator, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{toolRunner: toolRunner, llm: llm, logger: logger}
}

// Run executes the plan. baseParams (user/session identity) are merged
// under tool params without overriding planner-set keys.
//
// A dependency cycle never aborts the whole plan: the schedulable
// subset still runs and only the tasks caught in (or downstream of)
// the cycle fail with a circular_dependency error.
func (e *Executor) Run(ctx context.Context, plan *datatypes.Plan, baseParams map[string]any, emit Emit) *Outcome {
	ctx, span := executorTracer.Start(ctx, "Executor.Run")
	defer span.End()
	if emit == nil {
		emit = func(datatypes.StreamEvent) {}
	}

	outcome := &Outcome{Results: make(map[string]datatypes.TaskResult, len(plan.Tasks))}

	levels, stuck := planner.Partition(plan.Tasks)
	if len(stuck) > 0 {
		span.SetAttributes(attribute.Bool("executor.circular", true))
		e.logger.Warn("plan has unschedulable tasks", "count", len(stuck))
		for _, task := range stuck {
			result := datatypes.TaskResult{
				TaskID: task.ID,
				Status: datatypes.TaskStatusFailed,
				Output: fmt.Sprintf("[error: %s unavailable]", task.ID),
				Error:  errCircular,
			}
			outcome.Results[task.ID] = result
			emit(datatypes.StreamEvent{Type: datatypes.EventTaskResult, TaskID: task.ID, Result: &result})
		}
	}

	var mu sync.Mutex
	for _, level := range levels {
		eg, levelCtx := errgroup.WithContext(ctx)
		for _, task := range level {
			task := task
			eg.Go(func() error {
				result := e.runTask(levelCtx, task, outcome.Results, baseParams, emit)
				mu.Lock()
				outcome.Results[task.ID] = result
				outcome.Sources = append(outcome.Sources, result.UnifiedSources...)
				mu.Unlock()
				emit(datatypes.StreamEvent{Type: datatypes.EventTaskResult, TaskID: task.ID, Result: &result})
				return nil
			})
		}
		// Task failures are recorded, never propagated; Wait only
		// surfaces context cancellation.
		_ = eg.Wait()
		if ctx.Err() != nil {
			break
		}
	}

	span.SetAttributes(attribute.Int("executor.tasks", len(outcome.Results)))
	return outcome
}

// runTask executes one task under its own timeout. Reading upstream
// results without the mutex is safe: the previous level is fully
// written before this level starts.
func (e *Executor) runTask(ctx context.Context, task datatypes.Task, upstream map[string]datatypes.TaskResult, baseParams map[string]any, emit Emit) datatypes.TaskResult {
	ctx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()
	start := time.Now()

	var result datatypes.TaskResult
	switch task.Type {
	case datatypes.TaskTypeTool, datatypes.TaskTypeMemoryControl:
		result = e.runTool(ctx, task, upstream, baseParams, emit)
	case datatypes.TaskTypeGeneration:
		result = e.runGeneration(ctx, task, upstream, emit)
	default:
		result = datatypes.TaskResult{
			TaskID: task.ID,
			Status: datatypes.TaskStatusFailed,
			Error:  fmt.Sprintf("unknown task type %q", task.Type),
		}
	}

	result.DurationMS = time.Since(start).Milliseconds()
	if result.Status != datatypes.TaskStatusSuccess && result.Output == "" {
		result.Output = fmt.Sprintf("[error: %s unavailable]", task.ID)
	}
	return result
}

func (e *Executor) runTool(ctx context.Context, task datatypes.Task, upstream map[string]datatypes.TaskResult, baseParams map[string]any, emit Emit) datatypes.TaskResult {
	toolName := task.ToolName
	if task.Type == datatypes.TaskTypeMemoryControl {
		toolName = "memory_control"
	}
	emit(datatypes.StreamEvent{
		Type:    datatypes.EventThought,
		Cat:     datatypes.ThoughtTool,
		TaskID:  task.ID,
		Content: fmt.Sprintf("%s aracı çalıştırılıyor...", toolName),
	})

	params := make(map[string]any, len(task.Params)+len(baseParams))
	for k, v := range baseParams {
		params[k] = v
	}
	for k, v := range task.Params {
		if s, ok := v.(string); ok {
			params[k] = Substitute(s, upstream)
		} else {
			params[k] = v
		}
	}

	res, err := e.toolRunner.Execute(ctx, toolName, params)
	if err != nil {
		status := datatypes.TaskStatusFailed
		if errors.Is(err, tools.ErrCircuitOpen) {
			status = datatypes.TaskStatusCircuitOpen
		}
		e.logger.Warn("tool task failed", "task_id", task.ID, "tool", toolName, "error", err)
		return datatypes.TaskResult{TaskID: task.ID, Status: status, Error: taskError(err)}
	}
	return datatypes.TaskResult{
		TaskID:         task.ID,
		Status:         datatypes.TaskStatusSuccess,
		Output:         res.Output,
		UnifiedSources: res.Sources,
	}
}

// taskError normalizes a task failure: timeouts get a stable marker,
// everything else keeps its message.
func taskError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return err.Error()
}

func (e *Executor) runGeneration(ctx context.Context, task datatypes.Task, upstream map[string]datatypes.TaskResult, emit Emit) datatypes.TaskResult {
	role := task.Specialist
	if role == "" {
		role = datatypes.RoleSemantic
	}
	instruction := Substitute(task.Instruction, upstream)

	resp, err := e.llm.Generate(ctx, datatypes.GenerationRequest{
		Role:   role,
		Prompt: instruction,
	})
	if err != nil {
		e.logger.Warn("generation task failed", "task_id", task.ID, "role", role, "error", err)
		return datatypes.TaskResult{TaskID: task.ID, Status: datatypes.TaskStatusFailed, Error: taskError(err)}
	}

	visible, thought := ExtractThought(resp.Text)
	if thought != "" {
		emit(datatypes.StreamEvent{
			Type:    datatypes.EventThought,
			Cat:     datatypes.ThoughtSynthesis,
			TaskID:  task.ID,
			Content: thought,
		})
	}
	return datatypes.TaskResult{
		TaskID:  task.ID,
		Status:  datatypes.TaskStatusSuccess,
		Output:  visible,
		Thought: thought,
		Model:   resp.Model,
	}
}
