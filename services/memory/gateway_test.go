// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

type fakeIdentityReader struct {
	facts []datatypes.Fact
	err   error
}

func (f *fakeIdentityReader) IdentityFacts(context.Context, string, []string) ([]datatypes.Fact, error) {
	return f.facts, f.err
}

type fakeVectorStore struct {
	items []datatypes.RetrievedMemory
	err   error
}

func (f *fakeVectorStore) Upsert(context.Context, datatypes.RetrievedMemory, string, []float32) error {
	return nil
}

func (f *fakeVectorStore) Search(context.Context, string, []float32, int) ([]datatypes.RetrievedMemory, error) {
	return f.items, f.err
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, EmbeddingDim)
	}
	return out, nil
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := NewCatalog("", nil)
	require.NoError(t, err)
	return cat
}

func TestRetrieveRendersProfile(t *testing.T) {
	facts := &fakeIdentityReader{facts: []datatypes.Fact{
		{Predicate: "YASAR_YER", Object: "İzmir", Confidence: 0.9, Status: datatypes.FactActive},
		{Predicate: "SEVER", Object: "kahve", Confidence: 0.4, Status: datatypes.FactActive},
	}}
	gw := NewReadGateway(facts, nil, nil, testCatalog(t), nil)

	mc, err := gw.Retrieve(context.Background(), "u1", "naber")
	require.NoError(t, err)
	assert.Equal(t, 2, mc.TotalFacts)
	assert.Contains(t, mc.GraphContext, "## Kullanıcı Profili")
	assert.Contains(t, mc.GraphContext, "- YASAR_YER: İzmir")
	// Low confidence gets the hedging marker.
	assert.Contains(t, mc.GraphContext, "- SEVER: kahve (düşük güven)")
	assert.False(t, mc.HasConflicts)
}

func TestRetrieveConflictAndMood(t *testing.T) {
	facts := &fakeIdentityReader{facts: []datatypes.Fact{
		{Predicate: "MESLEK", Object: "mühendis", Confidence: 0.9, Status: datatypes.FactConflicted},
		{Predicate: "HISSEDER", Object: "yorgun", Confidence: 0.8, Status: datatypes.FactActive},
	}}
	gw := NewReadGateway(facts, nil, nil, testCatalog(t), nil)

	mc, err := gw.Retrieve(context.Background(), "u1", "naber")
	require.NoError(t, err)
	assert.True(t, mc.HasConflicts)
	assert.Contains(t, mc.GraphContext, "[ÇELİŞKİLİ]")
	// Mood moves to the side channel, not the profile block.
	assert.Equal(t, "yorgun", mc.PriorMood)
	assert.NotContains(t, mc.GraphContext, "HISSEDER")
}

func TestRetrieveRanksAndDedupes(t *testing.T) {
	now := time.Now()
	vectors := &fakeVectorStore{items: []datatypes.RetrievedMemory{
		{ID: "a", Text: "Kullanıcı İzmir'de sahilde koşmayı seviyor ve her sabah koşuyor", Similarity: 0.9, Importance: 5, CreatedAt: now},
		{ID: "b", Text: "kullanıcı İzmir'de sahilde koşmayı seviyor ve her sabah erken kalkıyor", Similarity: 0.5, Importance: 5, CreatedAt: now},
		{ID: "c", Text: "Kedisi var", Similarity: 0.4, Importance: 8, CreatedAt: now},
	}}
	gw := NewReadGateway(nil, vectors, &fakeEmbedder{}, testCatalog(t), nil)

	mc, err := gw.Retrieve(context.Background(), "u1", "spor")
	require.NoError(t, err)
	// a and b share a 50-rune prefix: only the higher-scored survives.
	require.Equal(t, 2, mc.TotalEpisodic)
	assert.Equal(t, "a", mc.EpisodicMemories[0].ID)
	assert.Equal(t, "c", mc.EpisodicMemories[1].ID)
	assert.Greater(t, mc.EpisodicMemories[0].Score, mc.EpisodicMemories[1].Score)
}

func TestRetrieveDropsEpisodicAlreadyInProfile(t *testing.T) {
	now := time.Now()
	facts := &fakeIdentityReader{facts: []datatypes.Fact{
		{Predicate: "YASAR_YER", Object: "İzmir", Confidence: 0.9, Status: datatypes.FactActive},
	}}
	vectors := &fakeVectorStore{items: []datatypes.RetrievedMemory{
		// Restates the profile line verbatim; the profile block wins.
		{ID: "a", Text: "YASAR_YER: İzmir", Similarity: 0.9, Importance: 5, CreatedAt: now},
		{ID: "b", Text: "Sahilde koşmayı seviyor", Similarity: 0.5, Importance: 5, CreatedAt: now},
	}}
	gw := NewReadGateway(facts, vectors, &fakeEmbedder{}, testCatalog(t), nil)

	mc, err := gw.Retrieve(context.Background(), "u1", "nerede yaşıyorum")
	require.NoError(t, err)
	require.Equal(t, 1, mc.TotalEpisodic)
	assert.Equal(t, "b", mc.EpisodicMemories[0].ID)
}

func TestRetrieveDegradesOnTierFailure(t *testing.T) {
	facts := &fakeIdentityReader{err: errors.New("graph down")}
	vectors := &fakeVectorStore{err: errors.New("weaviate down")}
	gw := NewReadGateway(facts, vectors, &fakeEmbedder{}, testCatalog(t), nil)

	mc, err := gw.Retrieve(context.Background(), "u1", "naber")
	require.NoError(t, err)
	assert.Zero(t, mc.TotalFacts)
	assert.Zero(t, mc.TotalEpisodic)
	assert.Empty(t, mc.Formatted())
}

func TestRetrieveSkipsEpisodicWhenEmbeddingFails(t *testing.T) {
	vectors := &fakeVectorStore{items: []datatypes.RetrievedMemory{{ID: "a", Text: "x"}}}
	gw := NewReadGateway(nil, vectors, &fakeEmbedder{err: errors.New("no key")}, testCatalog(t), nil)

	mc, err := gw.Retrieve(context.Background(), "u1", "naber")
	require.NoError(t, err)
	assert.Zero(t, mc.TotalEpisodic)
}

func TestMemoryContextFormatted(t *testing.T) {
	mc := &datatypes.MemoryContext{
		GraphContext: "## Kullanıcı Profili\n- YASAR_YER: İzmir",
		EpisodicMemories: []datatypes.RetrievedMemory{
			{Text: "sabah koşusu yaptı"},
		},
	}
	out := mc.Formatted()
	assert.Contains(t, out, "YASAR_YER")
	assert.Contains(t, out, "- sabah koşusu yaptı")
}
