// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"log/slog"
	"strings"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// masterChains is the built-in role → ordered model chain table.
//
// First entry is the preferred model; the gateway walks the chain on
// failure. Config-supplied overrides replace entries wholesale (override
// first, master appended, deduplicated in order).
var masterChains = map[string][]string{
	datatypes.RoleOrchestrator:        {"gpt-5-mini", "gemini-2.5-flash", "gpt-4o-mini"},
	datatypes.RoleSynthesizer:         {"gemini-2.5-pro", "gpt-5", "gpt-4o"},
	datatypes.RoleSemantic:            {"gpt-4o-mini", "gemini-2.5-flash-lite"},
	datatypes.RoleFast:                {"gemini-2.5-flash-lite", "gpt-4o-mini"},
	datatypes.RoleLogic:               {"gpt-5", "gemini-2.5-pro", "gpt-4o"},
	datatypes.RoleCoding:              {"gpt-5", "gpt-4o", "gemini-2.5-pro"},
	datatypes.RoleCreative:            {"gemini-2.5-pro", "gpt-4o"},
	datatypes.RoleAnalysis:            {"gpt-5", "gemini-2.5-pro"},
	datatypes.RoleSafety:              {"gpt-4o-mini", "gemini-2.5-flash-lite"},
	datatypes.RoleSearch:              {"gemini-2.5-flash", "gpt-4o-mini"},
	datatypes.RoleEpisodicSummary:     {"gemini-2.5-flash", "gpt-4o-mini"},
	datatypes.RoleKnowledgeExtraction: {"gpt-4o-mini", "gemini-2.5-flash"},
	datatypes.RoleEmbedding:           {"text-embedding-3-small"},
}

// Governance resolves roles to ordered model chains and models to
// provider families.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Governance struct {
	chains map[string][]string
	logger *slog.Logger
}

// NewGovernance merges config overrides over the master table.
// Merge semantics: for overridden roles the config chain comes first,
// master entries are appended, duplicates removed preserving order.
func NewGovernance(overrides datatypes.ChainOverrides, logger *slog.Logger) *Governance {
	if logger == nil {
		logger = slog.Default()
	}
	chains := make(map[string][]string, len(masterChains))
	for role, chain := range masterChains {
		chains[role] = append([]string(nil), chain...)
	}
	for role, chain := range overrides {
		merged := dedupeChain(append(append([]string(nil), chain...), chains[role]...))
		chains[role] = merged
		logger.Info("model chain overridden", "role", role, "chain", merged)
	}
	return &Governance{chains: chains, logger: logger}
}

// ChainFor returns the ordered model chain for a role. Unknown roles
// fall back to the fast chain so callers always get something runnable.
func (g *Governance) ChainFor(role string) []string {
	if chain, ok := g.chains[role]; ok {
		return chain
	}
	g.logger.Warn("unknown role, using fast chain", "role", role)
	return g.chains[datatypes.RoleFast]
}

// WithOverride prepends an ad-hoc model to the role's chain, dedup
// preserving order. An empty model returns the chain unchanged.
func (g *Governance) WithOverride(role, model string) []string {
	chain := g.ChainFor(role)
	if model == "" {
		return chain
	}
	return dedupeChain(append([]string{model}, chain...))
}

// DetectProvider maps a model id to a provider family by substring.
// Unknown prefixes default to the OpenAI family.
func (g *Governance) DetectProvider(modelID string) string {
	id := strings.ToLower(modelID)
	switch {
	case strings.Contains(id, "gemini"):
		return ProviderGemini
	default:
		return ProviderOpenAI
	}
}

// Roles lists every governed role.
func (g *Governance) Roles() []string {
	out := make([]string, 0, len(g.chains))
	for role := range g.chains {
		out = append(out, role)
	}
	return out
}

func dedupeChain(chain []string) []string {
	seen := make(map[string]struct{}, len(chain))
	out := chain[:0]
	for _, m := range chain {
		if _, dup := seen[m]; dup || m == "" {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
