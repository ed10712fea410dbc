// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides shared data structures for the runtime.
//
// This file contains the environment-first runtime configuration.
package datatypes

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
//
// # Description
//
// Populated from environment variables by LoadConfig. Secrets (provider
// API keys) are read from the environment or from mounted secret files;
// everything else has a sensible local-first default so `reverie serve`
// works on a laptop with only OPENAI_API_KEYS set.
type Config struct {
	Port         int    `validate:"min=1,max=65535"`
	OTelEndpoint string

	// DataDir is the root for embedded storage (Badger, SQLite).
	DataDir string `validate:"required"`

	// CatalogPath points at the predicate catalog YAML.
	CatalogPath string

	// OverridesPath optionally points at a model-chain override YAML.
	OverridesPath string

	// WeaviateHost/Scheme locate the vector store; empty host disables
	// the semantic tier.
	WeaviateHost   string
	WeaviateScheme string
	WeaviateAPIKey string

	// GraphURL locates the Cypher HTTP endpoint backing the identity
	// graph; empty disables the graph tier.
	GraphURL string

	// Provider key pools, one per family.
	OpenAIKeys []string
	GeminiKeys []string

	// SearchAPIURL/Key configure the web-search tool backend.
	SearchAPIURL string
	SearchAPIKey string

	// Optional telemetry sinks.
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
	GCSLogBucket string

	// Feature flags.
	ProductionEnabled bool
	StreamingEnabled  bool
	RolloutPercent    int `validate:"min=0,max=100"`
	AllowList         []string

	// Memory settings.
	MemoryMode        bool
	RetentionDays     int `validate:"min=0"`
	ContextBudget     int `validate:"min=0"`
	EmbeddingProvider string
}

var configValidate = validator.New()

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(c.OpenAIKeys) == 0 && len(c.GeminiKeys) == 0 {
		return fmt.Errorf("invalid configuration: no provider API keys configured")
	}
	return nil
}

// LoadConfig builds a Config from the environment.
//
// Keys are comma-separated in REVERIE_OPENAI_KEYS / REVERIE_GEMINI_KEYS;
// the conventional single-key variables (OPENAI_API_KEY, GEMINI_API_KEY)
// are honored as a fallback.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:              envInt("REVERIE_PORT", 12310),
		OTelEndpoint:      envString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		DataDir:           envString("REVERIE_DATA_DIR", "./data"),
		CatalogPath:       envString("REVERIE_CATALOG_PATH", "./config/predicates.yaml"),
		OverridesPath:     os.Getenv("REVERIE_MODEL_OVERRIDES_PATH"),
		WeaviateHost:      os.Getenv("WEAVIATE_HOST"),
		WeaviateScheme:    envString("WEAVIATE_SCHEME", "http"),
		WeaviateAPIKey:    os.Getenv("WEAVIATE_API_KEY"),
		GraphURL:          os.Getenv("REVERIE_GRAPH_URL"),
		OpenAIKeys:        envList("REVERIE_OPENAI_KEYS", os.Getenv("OPENAI_API_KEY")),
		GeminiKeys:        envList("REVERIE_GEMINI_KEYS", os.Getenv("GEMINI_API_KEY")),
		SearchAPIURL:      os.Getenv("REVERIE_SEARCH_API_URL"),
		SearchAPIKey:      os.Getenv("REVERIE_SEARCH_API_KEY"),
		InfluxURL:         os.Getenv("INFLUX_URL"),
		InfluxToken:       os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:         envString("INFLUX_ORG", "reverie"),
		InfluxBucket:      envString("INFLUX_BUCKET", "reverie"),
		GCSLogBucket:      os.Getenv("REVERIE_GCS_LOG_BUCKET"),
		ProductionEnabled: envBool("REVERIE_PRODUCTION_ENABLED", false),
		StreamingEnabled:  envBool("REVERIE_STREAMING_ENABLED", true),
		RolloutPercent:    envInt("REVERIE_ROLLOUT_PERCENT", 100),
		AllowList:         envList("REVERIE_ALLOW_LIST", ""),
		MemoryMode:        envBool("REVERIE_MEMORY_MODE", true),
		RetentionDays:     envInt("REVERIE_RETENTION_DAYS", 90),
		ContextBudget:     envInt("REVERIE_CONTEXT_BUDGET", 8000),
		EmbeddingProvider: envString("REVERIE_EMBEDDING_PROVIDER", "openai"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ChainOverrides maps role names to replacement model chains.
type ChainOverrides map[string][]string

// LoadChainOverrides reads a role→chain override map from a YAML file.
// A missing path yields an empty map, not an error.
func LoadChainOverrides(path string) (ChainOverrides, error) {
	if path == "" {
		return ChainOverrides{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ChainOverrides{}, nil
		}
		return nil, fmt.Errorf("failed to read model overrides: %w", err)
	}
	var out ChainOverrides
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse model overrides: %w", err)
	}
	return out, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envList splits a comma-separated env var, falling back to a single value.
func envList(key, single string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		raw = single
	}
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
