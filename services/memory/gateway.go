// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

var memoryTracer = otel.Tracer("reverie.memory")

const (
	// defaultTopK episodic memories survive scoring and dedup.
	defaultTopK = 8

	// hedgeConfidence marks facts below this confidence as uncertain.
	hedgeConfidence = 0.6

	// dedupPrefixRunes compared when collapsing near-duplicate memories.
	dedupPrefixRunes = 50

	// moodPredicate feeds MemoryContext.PriorMood.
	moodPredicate = "HISSEDER"
)

// IdentityReader is the slice of the fact store the read path needs.
type IdentityReader interface {
	IdentityFacts(ctx context.Context, userID string, predicates []string) ([]datatypes.Fact, error)
}

// ReadGateway is the unified memory read path: it fans out to the graph
// and vector tiers in parallel, scores episodic results with IDR,
// deduplicates, and renders the context block the planner and
// synthesizer consume.
//
// # Thread Safety
//
// Safe for concurrent use.
type ReadGateway struct {
	facts    IdentityReader
	vectors  VectorStore
	embedder Embedder
	catalog  *Catalog
	topK     int
	logger   *slog.Logger
}

// NewReadGateway wires the read path. Any of facts/vectors/embedder may
// be nil; the corresponding tier is then skipped.
func NewReadGateway(facts IdentityReader, vectors VectorStore, embedder Embedder, catalog *Catalog, logger *slog.Logger) *ReadGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadGateway{
		facts:    facts,
		vectors:  vectors,
		embedder: embedder,
		catalog:  catalog,
		topK:     defaultTopK,
		logger:   logger,
	}
}

// Retrieve assembles the memory context for one user turn.
//
// Tier failures degrade instead of failing the turn: a dead graph store
// yields an empty profile block, a dead vector store an empty episodic
// list. Only a nil context with an error means total failure.
func (g *ReadGateway) Retrieve(ctx context.Context, userID, query string) (*datatypes.MemoryContext, error) {
	ctx, span := memoryTracer.Start(ctx, "ReadGateway.Retrieve")
	defer span.End()

	var (
		facts    []datatypes.Fact
		episodic []datatypes.RetrievedMemory
	)

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if g.facts == nil {
			return nil
		}
		fetched, err := g.facts.IdentityFacts(egCtx, userID, g.catalog.IdentityPredicates())
		if err != nil {
			g.logger.Warn("graph tier unavailable, degrading", "error", err)
			return nil
		}
		facts = fetched
		return nil
	})

	eg.Go(func() error {
		if g.vectors == nil || g.embedder == nil {
			return nil
		}
		vecs, err := g.embedder.Embed(egCtx, []string{query})
		if err != nil || len(vecs) == 0 {
			g.logger.Warn("query embedding failed, skipping episodic tier", "error", err)
			return nil
		}
		found, err := g.vectors.Search(egCtx, userID, vecs[0], g.topK*3)
		if err != nil {
			g.logger.Warn("vector tier unavailable, degrading", "error", err)
			return nil
		}
		episodic = found
		return nil
	})

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	mc := &datatypes.MemoryContext{TotalFacts: len(facts)}
	mc.GraphContext = g.renderFacts(facts, mc)
	mc.EpisodicMemories = g.rankEpisodic(episodic, mc.GraphContext)
	mc.TotalEpisodic = len(mc.EpisodicMemories)

	span.SetAttributes(
		attribute.Int("memory.facts", mc.TotalFacts),
		attribute.Int("memory.episodic", mc.TotalEpisodic),
		attribute.Bool("memory.conflicts", mc.HasConflicts),
	)
	return mc, nil
}

// renderFacts formats the profile tier and records conflict and mood
// side channels on the context.
func (g *ReadGateway) renderFacts(facts []datatypes.Fact, mc *datatypes.MemoryContext) string {
	if len(facts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Kullanıcı Profili\n")
	for _, f := range facts {
		if f.Predicate == moodPredicate {
			if mc.PriorMood == "" {
				mc.PriorMood = f.Object
			}
			continue
		}
		line := fmt.Sprintf("- %s: %s", f.Predicate, f.Object)
		switch {
		case f.Status == datatypes.FactConflicted:
			line += " [ÇELİŞKİLİ]"
			mc.HasConflicts = true
		case f.Confidence > 0 && f.Confidence < hedgeConfidence:
			line += " (düşük güven)"
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// rankEpisodic scores with IDR, collapses near-duplicates, drops items
// the identity block already states, and keeps the top-k.
func (g *ReadGateway) rankEpisodic(items []datatypes.RetrievedMemory, graphContext string) []datatypes.RetrievedMemory {
	now := time.Now()
	for i := range items {
		items[i].Score = IDRScore(items[i].Similarity, items[i].Importance, now.Sub(items[i].CreatedAt))
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })

	identity := strings.ToLower(graphContext)
	seen := make(map[string]bool, len(items))
	out := make([]datatypes.RetrievedMemory, 0, g.topK)
	for _, m := range items {
		key := dedupKey(m.Text)
		if seen[key] {
			continue
		}
		if key != "" && strings.Contains(identity, key) {
			continue
		}
		seen[key] = true
		out = append(out, m)
		if len(out) >= g.topK {
			break
		}
	}
	return out
}

// dedupKey lowercases and truncates to the comparison prefix, so the
// highest-scored of two near-identical memories wins.
func dedupKey(text string) string {
	lower := strings.ToLower(strings.TrimSpace(text))
	runes := []rune(lower)
	if len(runes) > dedupPrefixRunes {
		runes = runes[:dedupPrefixRunes]
	}
	return string(runes)
}
