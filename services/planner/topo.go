// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package planner

import (
	"fmt"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// Normalize repairs a raw LLM plan in place:
//
//   - dependencies referencing unknown task IDs are dropped and annotated
//   - self-dependencies are dropped and annotated
//   - cycles are broken: every dependency edge between two unschedulable
//     tasks is dropped and the tasks annotated
//
// Normalization never fails, and a normalized plan always schedules:
// Levels succeeds on its output.
func Normalize(plan *datatypes.Plan) {
	known := make(map[string]bool, len(plan.Tasks))
	for _, t := range plan.Tasks {
		known[t.ID] = true
	}

	for i := range plan.Tasks {
		task := &plan.Tasks[i]
		kept := task.Dependencies[:0]
		for _, dep := range task.Dependencies {
			if dep == task.ID || !known[dep] {
				plan.Annotations = append(plan.Annotations, datatypes.PlanAnnotation{
					TaskID: task.ID,
					Kind:   datatypes.AnnotationUnknownDepIgnored,
					Detail: fmt.Sprintf("dropped dependency %q", dep),
				})
				continue
			}
			kept = append(kept, dep)
		}
		task.Dependencies = kept
	}

	members := cycleMembers(plan.Tasks)
	if len(members) == 0 {
		return
	}
	inCycle := make(map[string]bool, len(members))
	for _, id := range members {
		inCycle[id] = true
	}
	for i := range plan.Tasks {
		task := &plan.Tasks[i]
		if !inCycle[task.ID] {
			continue
		}
		kept := task.Dependencies[:0]
		for _, dep := range task.Dependencies {
			if inCycle[dep] {
				plan.Annotations = append(plan.Annotations, datatypes.PlanAnnotation{
					TaskID: task.ID,
					Kind:   datatypes.AnnotationCycleSuspected,
					Detail: fmt.Sprintf("dropped cyclic dependency %q", dep),
				})
				continue
			}
			kept = append(kept, dep)
		}
		task.Dependencies = kept
	}
}

// Levels groups tasks into execution waves via Kahn's algorithm: every
// task in level n depends only on tasks in levels < n. Returns an error
// when the graph has a cycle.
func Levels(tasks []datatypes.Task) ([][]datatypes.Task, error) {
	levels, stuck := Partition(tasks)
	if len(stuck) > 0 {
		return nil, fmt.Errorf("circular dependency: %d of %d tasks unschedulable", len(stuck), len(tasks))
	}
	return levels, nil
}

// Partition splits tasks into schedulable waves plus the unschedulable
// remainder (tasks caught in or downstream of a dependency cycle).
// Unlike Levels it never fails: the schedulable subset still runs.
func Partition(tasks []datatypes.Task) ([][]datatypes.Task, []datatypes.Task) {
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string)
	byID := make(map[string]datatypes.Task, len(tasks))

	for _, t := range tasks {
		byID[t.ID] = t
		indegree[t.ID] = len(t.Dependencies)
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var levels [][]datatypes.Task
	// Preserve plan order within a level for deterministic execution.
	current := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if indegree[t.ID] == 0 {
			current = append(current, t.ID)
		}
	}

	scheduled := make(map[string]bool, len(tasks))
	for len(current) > 0 {
		level := make([]datatypes.Task, 0, len(current))
		var next []string
		for _, id := range current {
			level = append(level, byID[id])
			scheduled[id] = true
			for _, child := range dependents[id] {
				indegree[child]--
				if indegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		levels = append(levels, level)
		current = next
	}

	var stuck []datatypes.Task
	for _, t := range tasks {
		if !scheduled[t.ID] {
			stuck = append(stuck, t)
		}
	}
	return levels, stuck
}

// cycleMembers returns the IDs of tasks that could not be scheduled.
func cycleMembers(tasks []datatypes.Task) []string {
	_, stuck := Partition(tasks)
	if len(stuck) == 0 {
		return nil
	}
	members := make([]string, 0, len(stuck))
	for _, t := range stuck {
		members = append(members, t.ID)
	}
	return members
}
