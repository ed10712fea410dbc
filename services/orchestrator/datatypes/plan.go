// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides shared data structures for the runtime.
//
// This file contains the planner output schema: plans, tasks and task
// results. A Plan lives for exactly one request.
package datatypes

// Task type discriminators.
const (
	TaskTypeTool          = "tool"
	TaskTypeGeneration    = "generation"
	TaskTypeMemoryControl = "memory_control"
)

// Task result statuses.
const (
	TaskStatusSuccess     = "success"
	TaskStatusFailed      = "failed"
	TaskStatusCircuitOpen = "circuit_open"
)

// Plan annotation kinds produced by topological normalization.
const (
	AnnotationUnknownDepIgnored = "unknown_dep_ignored"
	AnnotationCycleSuspected    = "cycle_suspected"
)

// Task is one node of the plan graph.
//
// # Description
//
// Exactly one of the variant field groups is populated, selected by Type:
//
//   - TaskTypeTool: ToolName + Params
//   - TaskTypeGeneration: Specialist + Instruction
//   - TaskTypeMemoryControl: Params (deletion workflow parameters)
//
// Dependencies reference task IDs within the same plan. The planner
// guarantees (after normalization) that the dependency graph is acyclic.
type Task struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Specialist   string         `json:"specialist,omitempty"`
	ToolName     string         `json:"tool_name,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	Instruction  string         `json:"instruction,omitempty"`
	Thought      string         `json:"thought,omitempty"`
}

// TaskResult is the outcome of executing one task.
type TaskResult struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`

	// Output is the task's primary output: generated text for generation
	// tasks, serialized tool output for tool tasks. For failed tasks it
	// carries the degraded error marker visible to downstream tasks.
	Output string `json:"output,omitempty"`

	// Thought is explanatory text extracted from <thought> blocks.
	Thought string `json:"thought,omitempty"`

	// Model is the model that served a generation task, when known.
	Model string `json:"model,omitempty"`

	// UnifiedSources carries citations from source-producing tools.
	UnifiedSources []SourceInfo `json:"unified_sources,omitempty"`

	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// PlanAnnotation records a normalization repair applied to the raw plan.
type PlanAnnotation struct {
	TaskID string `json:"task_id"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// Plan is the planner's task graph for one request.
type Plan struct {
	Intent          string   `json:"intent"`
	Reasoning       string   `json:"reasoning,omitempty"`
	PlanningThought string   `json:"planning_thought,omitempty"`
	Tasks           []Task   `json:"tasks"`
	ProactiveHints  []string `json:"proactive_hints,omitempty"`

	// Annotations is populated by topological normalization; it is not
	// part of the LLM output schema.
	Annotations []PlanAnnotation `json:"annotations,omitempty"`
}

// TaskByID returns the task with the given id, or nil.
func (p *Plan) TaskByID(id string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}
