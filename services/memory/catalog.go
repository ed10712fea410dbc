// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package memory implements the four-tier memory system: the unified
// read gateway, the write gate, the predicate catalog, and the adapters
// to the graph and vector stores.
package memory

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// PredicateMeta describes one catalog entry.
type PredicateMeta struct {
	// Type is "exclusive" or "additive".
	Type string `yaml:"type"`
	// Durability is "ephemeral", "session", "long_term" or "static".
	Durability string `yaml:"durability"`
	Category   string `yaml:"category,omitempty"`
	// Utility and Stability feed the write gate's scoring ladder.
	Utility   float64 `yaml:"utility,omitempty"`
	Stability float64 `yaml:"stability,omitempty"`
}

// catalogFile is the on-disk YAML shape.
type catalogFile struct {
	Predicates map[string]PredicateMeta `yaml:"predicates"`
	// CategoryWeights supply utility/stability fallbacks per category.
	CategoryWeights map[string]struct {
		Utility   float64 `yaml:"utility"`
		Stability float64 `yaml:"stability"`
	} `yaml:"category_weights,omitempty"`
}

// Hard-coded fallbacks for predicates absent from the catalog.
const (
	fallbackUtility   = 0.5
	fallbackStability = 0.5
)

// builtinPredicates seed the catalog so a missing file still yields a
// functional write gate.
var builtinPredicates = map[string]PredicateMeta{
	"ISIM":          {Type: datatypes.PredicateExclusive, Durability: datatypes.DurabilityStatic, Category: "identity", Utility: 0.95, Stability: 0.95},
	"YASAR_YER":     {Type: datatypes.PredicateExclusive, Durability: datatypes.DurabilityLongTerm, Category: "identity", Utility: 0.9, Stability: 0.8},
	"CALISIR_YER":   {Type: datatypes.PredicateExclusive, Durability: datatypes.DurabilityLongTerm, Category: "identity", Utility: 0.85, Stability: 0.7},
	"SEVER":         {Type: datatypes.PredicateAdditive, Durability: datatypes.DurabilityLongTerm, Category: "preference", Utility: 0.7, Stability: 0.6},
	"SEVMEZ":        {Type: datatypes.PredicateAdditive, Durability: datatypes.DurabilityLongTerm, Category: "preference", Utility: 0.7, Stability: 0.6},
	"HEDEFLER":      {Type: datatypes.PredicateAdditive, Durability: datatypes.DurabilitySession, Category: "goal", Utility: 0.6, Stability: 0.4},
	"HISSEDER":      {Type: datatypes.PredicateExclusive, Durability: datatypes.DurabilityEphemeral, Category: "mood", Utility: 0.4, Stability: 0.2},
	"PLANLAR":       {Type: datatypes.PredicateAdditive, Durability: datatypes.DurabilitySession, Category: "goal", Utility: 0.55, Stability: 0.35},
	"KONUM_ANLIK":   {Type: datatypes.PredicateExclusive, Durability: datatypes.DurabilityEphemeral, Category: "context", Utility: 0.3, Stability: 0.1},
	"EVLI_MI":       {Type: datatypes.PredicateExclusive, Durability: datatypes.DurabilityLongTerm, Category: "identity", Utility: 0.85, Stability: 0.85},
	"COCUK_SAYISI":  {Type: datatypes.PredicateExclusive, Durability: datatypes.DurabilityLongTerm, Category: "identity", Utility: 0.8, Stability: 0.85},
	"MESLEK":        {Type: datatypes.PredicateExclusive, Durability: datatypes.DurabilityLongTerm, Category: "identity", Utility: 0.85, Stability: 0.75},
	"ILGILENIR":     {Type: datatypes.PredicateAdditive, Durability: datatypes.DurabilityLongTerm, Category: "preference", Utility: 0.65, Stability: 0.55},
	"KULLANIR_ARAC": {Type: datatypes.PredicateAdditive, Durability: datatypes.DurabilitySession, Category: "context", Utility: 0.45, Stability: 0.3},
}

// identityAllowList are the predicates fetched as "hard facts" by the
// read gateway's profile tier.
var identityAllowList = []string{
	"ISIM", "YASAR_YER", "CALISIR_YER", "MESLEK", "EVLI_MI", "COCUK_SAYISI",
	"SEVER", "SEVMEZ", "HEDEFLER", "ILGILENIR",
}

// Catalog is the predicate catalog with optional hot reload.
//
// # Thread Safety
//
// Safe for concurrent use; lookups take a read lock, reloads a write
// lock.
type Catalog struct {
	mu         sync.RWMutex
	predicates map[string]PredicateMeta
	catWeights map[string][2]float64

	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewCatalog loads the catalog from path, merging over the built-ins.
// A missing file is not an error; the built-ins apply.
func NewCatalog(path string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{
		predicates: make(map[string]PredicateMeta),
		catWeights: make(map[string][2]float64),
		path:       path,
		logger:     logger,
	}
	for k, v := range builtinPredicates {
		c.predicates[k] = v
	}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Watch starts hot-reloading the catalog file. Call Close to stop.
func (c *Catalog) Watch() error {
	if c.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create catalog watcher: %w", err)
	}
	if err := w.Add(c.path); err != nil {
		_ = w.Close()
		// Watching a not-yet-existing file is a soft failure.
		c.logger.Warn("catalog watch disabled", "path", c.path, "error", err)
		return nil
	}
	c.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := c.reload(); err != nil {
						c.logger.Warn("catalog reload failed", "error", err)
					} else {
						c.logger.Info("predicate catalog reloaded", "path", c.path)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.logger.Warn("catalog watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher, if any.
func (c *Catalog) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

func (c *Catalog) reload() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read predicate catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse predicate catalog: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, meta := range file.Predicates {
		c.predicates[NormalizePredicate(name)] = meta
	}
	for cat, w := range file.CategoryWeights {
		c.catWeights[cat] = [2]float64{w.Utility, w.Stability}
	}
	return nil
}

// Lookup returns the metadata for a normalized predicate and whether it
// was present in the catalog.
func (c *Catalog) Lookup(predicate string) (PredicateMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta, ok := c.predicates[NormalizePredicate(predicate)]
	return meta, ok
}

// Weights returns (utility, stability) for a predicate: catalog entry
// first, then category weights, then hard-coded fallbacks.
func (c *Catalog) Weights(predicate string) (float64, float64) {
	meta, ok := c.Lookup(predicate)
	if ok && meta.Utility > 0 && meta.Stability > 0 {
		return meta.Utility, meta.Stability
	}
	if ok && meta.Category != "" {
		c.mu.RLock()
		w, found := c.catWeights[meta.Category]
		c.mu.RUnlock()
		if found {
			return w[0], w[1]
		}
	}
	return fallbackUtility, fallbackStability
}

// IsExclusive reports whether a predicate enforces at-most-one-active.
func (c *Catalog) IsExclusive(predicate string) bool {
	meta, ok := c.Lookup(predicate)
	return ok && meta.Type == datatypes.PredicateExclusive
}

// Durability returns the predicate's durability class, or "" when the
// predicate is uncataloged.
func (c *Catalog) Durability(predicate string) string {
	meta, ok := c.Lookup(predicate)
	if !ok {
		return ""
	}
	return meta.Durability
}

// IdentityPredicates returns the read gateway's hard-fact allow-list.
func (c *Catalog) IdentityPredicates() []string {
	return identityAllowList
}

// turkishFold maps Turkish letters onto their ASCII counterparts.
var turkishFold = map[rune]rune{
	'ı': 'I', 'İ': 'I', 'ğ': 'G', 'Ğ': 'G', 'ü': 'U', 'Ü': 'U',
	'ş': 'S', 'Ş': 'S', 'ö': 'O', 'Ö': 'O', 'ç': 'C', 'Ç': 'C',
}

// NormalizePredicate canonicalizes a predicate name: ASCII-folded,
// uppercased, non-alphanumerics collapsed to single underscores.
// The function is idempotent.
func NormalizePredicate(p string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range p {
		if folded, ok := turkishFold[r]; ok {
			r = folded
		}
		switch {
		case r >= 'a' && r <= 'z':
			r = unicode.ToUpper(r)
			fallthrough
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
