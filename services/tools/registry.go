// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tools hosts the tool registry, the per-tool circuit breakers,
// and the built-in tools: web search, document retrieval, image
// generation dispatch, the calculator, and memory control.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

var toolsTracer = otel.Tracer("reverie.tools")

// ErrToolNotFound means no tool with the requested name is registered.
var ErrToolNotFound = errors.New("tool not found")

// ErrCircuitOpen means the tool's breaker rejected the call.
var ErrCircuitOpen = errors.New("tool circuit open")

// Result is a tool's output.
type Result struct {
	// Output is the serialized primary output, substituted into
	// dependent task instructions.
	Output string
	// Sources carries citations for source-producing tools.
	Sources []datatypes.SourceInfo
}

// Tool is one executable capability.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Info describes a registered tool for planning prompts.
type Info struct {
	Name        string
	Description string
}

// Registry holds tools and their circuit breakers.
//
// # Thread Safety
//
// Safe for concurrent use. Registration normally happens once at
// startup; Execute may be called from any number of goroutines.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	breakers map[string]*Breaker
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:    make(map[string]Tool),
		breakers: make(map[string]*Breaker),
		logger:   logger,
	}
}

// Register adds a tool. Registering the same name twice replaces the
// tool but keeps its breaker state.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	r.tools[name] = tool
	if _, ok := r.breakers[name]; !ok {
		r.breakers[name] = NewBreaker(DefaultBreakerConfig())
	}
}

// List returns tool infos sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, Info{Name: t.Name(), Description: t.Description()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Breaker returns the named tool's breaker, or nil.
func (r *Registry) Breaker(name string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// Execute runs a named tool through its circuit breaker.
//
// The breaker is consulted exactly once, before execution; a concurrent
// trip does not abort a call already in flight.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (*Result, error) {
	ctx, span := toolsTracer.Start(ctx, "Registry.Execute")
	span.SetAttributes(attribute.String("tool.name", name))
	defer span.End()

	r.mu.RLock()
	tool, ok := r.tools[name]
	breaker := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if !breaker.Allow() {
		span.SetAttributes(attribute.Bool("tool.circuit_open", true))
		r.logger.Warn("tool call rejected by open circuit", "tool", name)
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, name)
	}

	result, err := tool.Execute(ctx, params)
	if err != nil {
		breaker.RecordFailure()
		return nil, err
	}
	breaker.RecordSuccess()
	return result, nil
}
