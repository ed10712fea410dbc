// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

func TestNormalizeDropsUnknownDeps(t *testing.T) {
	plan := &datatypes.Plan{Tasks: []datatypes.Task{
		{ID: "t1", Type: datatypes.TaskTypeTool},
		{ID: "t2", Type: datatypes.TaskTypeGeneration, Dependencies: []string{"t1", "ghost"}},
	}}
	Normalize(plan)

	assert.Equal(t, []string{"t1"}, plan.Tasks[1].Dependencies)
	require.Len(t, plan.Annotations, 1)
	assert.Equal(t, datatypes.AnnotationUnknownDepIgnored, plan.Annotations[0].Kind)
	assert.Equal(t, "t2", plan.Annotations[0].TaskID)
}

func TestNormalizeDropsSelfDep(t *testing.T) {
	plan := &datatypes.Plan{Tasks: []datatypes.Task{
		{ID: "t1", Dependencies: []string{"t1"}},
	}}
	Normalize(plan)
	assert.Empty(t, plan.Tasks[0].Dependencies)
	assert.Len(t, plan.Annotations, 1)
}

func TestNormalizeBreaksCycle(t *testing.T) {
	plan := &datatypes.Plan{Tasks: []datatypes.Task{
		{ID: "t1", Dependencies: []string{"t2"}},
		{ID: "t2", Dependencies: []string{"t1"}},
	}}
	Normalize(plan)

	kinds := make(map[string]int)
	for _, a := range plan.Annotations {
		kinds[a.Kind]++
	}
	assert.Equal(t, 2, kinds[datatypes.AnnotationCycleSuspected])

	// The cyclic edges are gone and the plan schedules.
	assert.Empty(t, plan.Tasks[0].Dependencies)
	assert.Empty(t, plan.Tasks[1].Dependencies)
	_, err := Levels(plan.Tasks)
	assert.NoError(t, err)
}

func TestNormalizeKeepsEdgesOutsideCycle(t *testing.T) {
	plan := &datatypes.Plan{Tasks: []datatypes.Task{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a", "c"}},
		{ID: "c", Dependencies: []string{"b"}},
	}}
	Normalize(plan)

	// b and c form the cycle; b's edge to a survives the repair.
	assert.Equal(t, []string{"a"}, plan.Tasks[1].Dependencies)
	assert.Empty(t, plan.Tasks[2].Dependencies)
	_, err := Levels(plan.Tasks)
	assert.NoError(t, err)
}

func TestPartitionSchedulesAroundCycle(t *testing.T) {
	tasks := []datatypes.Task{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"c"}},
		{ID: "c", Dependencies: []string{"b"}},
	}
	levels, stuck := Partition(tasks)
	require.Len(t, levels, 1)
	assert.Equal(t, "a", levels[0][0].ID)
	require.Len(t, stuck, 2)
	assert.Equal(t, "b", stuck[0].ID)
	assert.Equal(t, "c", stuck[1].ID)
}

func TestLevelsWaves(t *testing.T) {
	tasks := []datatypes.Task{
		{ID: "a"},
		{ID: "b"},
		{ID: "c", Dependencies: []string{"a", "b"}},
		{ID: "d", Dependencies: []string{"c"}},
	}
	levels, err := Levels(tasks)
	require.NoError(t, err)
	require.Len(t, levels, 3)

	assert.Equal(t, "a", levels[0][0].ID)
	assert.Equal(t, "b", levels[0][1].ID)
	assert.Equal(t, "c", levels[1][0].ID)
	assert.Equal(t, "d", levels[2][0].ID)
}

func TestLevelsEmpty(t *testing.T) {
	levels, err := Levels(nil)
	require.NoError(t, err)
	assert.Empty(t, levels)
}
