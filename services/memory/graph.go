// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// GraphStore executes parameterized statements against the knowledge
// graph. Rows come back as column-name -> value maps.
type GraphStore interface {
	Query(ctx context.Context, statement string, params map[string]any) ([]map[string]any, error)
	Execute(ctx context.Context, statement string, params map[string]any) error
}

const (
	graphMaxRetries = 3
	graphRetryDelay = 1 * time.Second
)

// CypherClient talks to a graph database over its HTTP transaction
// endpoint. Transient failures are retried up to graphMaxRetries with a
// fixed delay.
type CypherClient struct {
	endpoint string
	client   *http.Client
}

var _ GraphStore = (*CypherClient)(nil)

// NewCypherClient creates a client for the given transaction endpoint
// (for example "http://localhost:7474/db/neo4j/tx/commit").
func NewCypherClient(endpoint string) *CypherClient {
	return &CypherClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

type cypherRequest struct {
	Statements []cypherStatement `json:"statements"`
}

type cypherStatement struct {
	Statement  string         `json:"statement"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type cypherResponse struct {
	Results []struct {
		Columns []string `json:"columns"`
		Data    []struct {
			Row []any `json:"row"`
		} `json:"data"`
	} `json:"results"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Query runs a statement and returns its rows.
func (c *CypherClient) Query(ctx context.Context, statement string, params map[string]any) ([]map[string]any, error) {
	var rows []map[string]any
	err := c.withRetry(ctx, func() error {
		resp, err := c.post(ctx, statement, params)
		if err != nil {
			return err
		}
		rows = rows[:0]
		if len(resp.Results) == 0 {
			return nil
		}
		result := resp.Results[0]
		for _, d := range result.Data {
			row := make(map[string]any, len(result.Columns))
			for i, col := range result.Columns {
				if i < len(d.Row) {
					row[col] = d.Row[i]
				}
			}
			rows = append(rows, row)
		}
		return nil
	})
	return rows, err
}

// Execute runs a statement and discards its rows.
func (c *CypherClient) Execute(ctx context.Context, statement string, params map[string]any) error {
	return c.withRetry(ctx, func() error {
		_, err := c.post(ctx, statement, params)
		return err
	})
}

func (c *CypherClient) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= graphMaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt < graphMaxRetries {
			select {
			case <-time.After(graphRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("graph statement failed after %d attempts: %w", graphMaxRetries, lastErr)
}

func (c *CypherClient) post(ctx context.Context, statement string, params map[string]any) (*cypherResponse, error) {
	body, err := json.Marshal(cypherRequest{
		Statements: []cypherStatement{{Statement: statement, Parameters: params}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode graph request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build graph request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph request failed: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read graph response: %w", err)
	}
	if httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("graph endpoint returned status %d", httpResp.StatusCode)
	}
	var resp cypherResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode graph response: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("graph error %s: %s", resp.Errors[0].Code, resp.Errors[0].Message)
	}
	return &resp, nil
}

// FactStore provides fact-level operations on top of a GraphStore.
type FactStore struct {
	graph GraphStore
}

// NewFactStore wraps a GraphStore.
func NewFactStore(graph GraphStore) *FactStore {
	return &FactStore{graph: graph}
}

// IdentityFacts fetches the user's active facts for the allow-listed
// identity predicates. These render as the hard-facts tier.
func (f *FactStore) IdentityFacts(ctx context.Context, userID string, predicates []string) ([]datatypes.Fact, error) {
	rows, err := f.graph.Query(ctx, `
		MATCH (u:User {id: $user_id})-[r:FACT]->(o)
		WHERE r.predicate IN $predicates AND r.status IN $statuses
		RETURN r.id AS id, r.predicate AS predicate, o.value AS object,
		       r.confidence AS confidence, r.importance AS importance,
		       r.status AS status, r.updated_at AS updated_at
		ORDER BY r.predicate, r.updated_at DESC`,
		map[string]any{
			"user_id":    userID,
			"predicates": predicates,
			// Conflicted facts surface too; the synthesizer asks the user
			// to clarify them.
			"statuses": []string{datatypes.FactActive, datatypes.FactConflicted},
		})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch identity facts: %w", err)
	}
	return rowsToFacts(userID, rows), nil
}

// ActiveFact returns the single active fact for an exclusive predicate,
// or nil when none exists.
func (f *FactStore) ActiveFact(ctx context.Context, userID, predicate string) (*datatypes.Fact, error) {
	rows, err := f.graph.Query(ctx, `
		MATCH (u:User {id: $user_id})-[r:FACT]->(o)
		WHERE r.predicate = $predicate AND r.status = $status
		RETURN r.id AS id, r.predicate AS predicate, o.value AS object,
		       r.confidence AS confidence, r.importance AS importance,
		       r.status AS status, r.updated_at AS updated_at
		LIMIT 1`,
		map[string]any{
			"user_id":   userID,
			"predicate": NormalizePredicate(predicate),
			"status":    datatypes.FactActive,
		})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch active fact: %w", err)
	}
	facts := rowsToFacts(userID, rows)
	if len(facts) == 0 {
		return nil, nil
	}
	return &facts[0], nil
}

// InsertFact writes a new fact edge. Status defaults to active.
func (f *FactStore) InsertFact(ctx context.Context, fact datatypes.Fact) error {
	status := fact.Status
	if status == "" {
		status = datatypes.FactActive
	}
	err := f.graph.Execute(ctx, `
		MERGE (u:User {id: $user_id})
		MERGE (o:Entity {value: $object})
		CREATE (u)-[:FACT {
			id: $id, predicate: $predicate, status: $status,
			confidence: $confidence, importance: $importance,
			updated_at: $updated_at
		}]->(o)`,
		map[string]any{
			"user_id":    fact.Subject,
			"object":     fact.Object,
			"id":         fact.ID,
			"predicate":  NormalizePredicate(fact.Predicate),
			"status":     status,
			"confidence": fact.Confidence,
			"importance": fact.Importance,
			"updated_at": fact.UpdatedAt.UTC().Format(time.RFC3339),
		})
	if err != nil {
		return fmt.Errorf("failed to insert fact: %w", err)
	}
	return nil
}

// SetFactStatus moves one fact to a new lifecycle status, recording the
// successor when the transition is a supersede.
func (f *FactStore) SetFactStatus(ctx context.Context, factID, status, supersededBy string) error {
	err := f.graph.Execute(ctx, `
		MATCH ()-[r:FACT {id: $id}]->()
		SET r.status = $status, r.superseded_by = $superseded_by,
		    r.updated_at = $updated_at`,
		map[string]any{
			"id":            factID,
			"status":        status,
			"superseded_by": supersededBy,
			"updated_at":    time.Now().UTC().Format(time.RFC3339),
		})
	if err != nil {
		return fmt.Errorf("failed to update fact status: %w", err)
	}
	return nil
}

// ForgetPredicate removes every fact edge for (user, predicate). This
// backs the user-initiated deletion workflow and is irreversible.
func (f *FactStore) ForgetPredicate(ctx context.Context, userID, predicate string) error {
	err := f.graph.Execute(ctx, `
		MATCH (u:User {id: $user_id})-[r:FACT]->()
		WHERE r.predicate = $predicate
		DELETE r`,
		map[string]any{
			"user_id":   userID,
			"predicate": NormalizePredicate(predicate),
		})
	if err != nil {
		return fmt.Errorf("failed to forget predicate: %w", err)
	}
	return nil
}

func rowsToFacts(userID string, rows []map[string]any) []datatypes.Fact {
	facts := make([]datatypes.Fact, 0, len(rows))
	for _, row := range rows {
		fact := datatypes.Fact{
			Subject:   userID,
			ID:        asString(row["id"]),
			Predicate: asString(row["predicate"]),
			Object:    asString(row["object"]),
			Status:    asString(row["status"]),
		}
		if fact.Status == "" {
			fact.Status = datatypes.FactActive
		}
		if c, ok := row["confidence"].(float64); ok {
			fact.Confidence = c
		}
		if imp, ok := row["importance"].(float64); ok {
			fact.Importance = imp
		}
		if ts := asString(row["updated_at"]); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				fact.UpdatedAt = t
			}
		}
		facts = append(facts, fact)
	}
	return facts
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
