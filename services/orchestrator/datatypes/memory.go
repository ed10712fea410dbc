// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides shared data structures for the runtime.
//
// This file contains memory-tier types: triplet facts, write-gate
// decisions, retrieved memories and the assembled memory context.
package datatypes

import "time"

// Fact statuses.
const (
	FactActive     = "active"
	FactSuperseded = "superseded"
	FactConflicted = "conflicted"
)

// Predicate lifecycle types.
const (
	PredicateExclusive = "exclusive"
	PredicateAdditive  = "additive"
)

// Predicate durability classes.
const (
	DurabilityEphemeral = "ephemeral"
	DurabilitySession   = "session"
	DurabilityLongTerm  = "long_term"
	DurabilityStatic    = "static"
)

// Write-gate decisions.
const (
	DecisionDiscard     = "discard"
	DecisionSession     = "session"
	DecisionEphemeral   = "ephemeral"
	DecisionLongTerm    = "long_term"
	DecisionProspective = "prospective"
)

// Memory tiers for retrieved items.
const (
	TierWorking  = "working"
	TierProfile  = "profile"
	TierSemantic = "semantic"
	TierArchive  = "archive"
)

// Fact is a subject-predicate-object triplet extracted from conversation.
//
// Predicates are normalized against the predicate catalog (ASCII upper
// snake case). For exclusive predicates, at most one fact per
// (subject, predicate) is active at any time.
type Fact struct {
	// ID is a ULID, sortable by creation time.
	ID           string    `json:"id"`
	Subject      string    `json:"subject"`
	Predicate    string    `json:"predicate"`
	Object       string    `json:"object"`
	Category     string    `json:"category,omitempty"`
	Confidence   float64   `json:"confidence"`
	Importance   float64   `json:"importance"`
	Sentiment    string    `json:"sentiment,omitempty"`
	SourceTurnID string    `json:"source_turn_id,omitempty"`
	Status       string    `json:"status"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MemoryDecision is the write gate's classification of a candidate fact.
type MemoryDecision struct {
	Decision   string             `json:"decision"`
	TTLSeconds int64              `json:"ttl_seconds,omitempty"`
	Reason     string             `json:"reason"`
	Scores     map[string]float64 `json:"scores,omitempty"`
}

// RetrievedMemory is one scored item from the memory read path.
type RetrievedMemory struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Tier       string    `json:"tier"`
	Similarity float64   `json:"similarity"`
	Importance float64   `json:"importance"`
	Score      float64   `json:"score"`
	CreatedAt  time.Time `json:"created_at"`
}

// MemoryContext is the assembled read-path output handed to the planner
// and the synthesizer.
type MemoryContext struct {
	// GraphContext is the formatted identity and hard-fact block, grouped
	// by tier with headings. Low-confidence facts carry a hedging marker.
	GraphContext string `json:"graph_context"`

	// EpisodicMemories are the top-k scored episodic items after dedup.
	EpisodicMemories []RetrievedMemory `json:"episodic_memories"`

	TotalFacts    int `json:"total_facts"`
	TotalEpisodic int `json:"total_episodic"`

	// HasConflicts is true when any retained fact is in conflicted state;
	// the synthesizer then includes its clarification directive.
	HasConflicts bool `json:"has_conflicts,omitempty"`

	// PriorMood carries the last recorded mood marker, when present.
	PriorMood string `json:"prior_mood,omitempty"`
}

// Formatted returns the full context text: graph block followed by the
// episodic items, or the empty string when nothing was retrieved.
func (c *MemoryContext) Formatted() string {
	if c == nil {
		return ""
	}
	out := c.GraphContext
	for _, m := range c.EpisodicMemories {
		if out != "" {
			out += "\n"
		}
		out += "- " + m.Text
	}
	return out
}

// ProspectiveTask is a scheduled user-facing reminder.
type ProspectiveTask struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	DueAt     time.Time `json:"due_at"`
	CreatedAt time.Time `json:"created_at"`
	Delivered bool      `json:"delivered"`
}
