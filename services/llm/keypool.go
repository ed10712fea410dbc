// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/time/rate"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// Key statuses.
const (
	KeyHealthy   = "healthy"
	KeyCooldown  = "cooldown"
	KeyExhausted = "exhausted"
	KeyDisabled  = "disabled"
)

// errorCooldown is applied on rate-limit and 5xx reports.
const errorCooldown = 60 * time.Second

// ProviderKey is one managed API key.
//
// # Description
//
// The raw key material lives in a memguard enclave and is only opened
// for the duration of a single provider call. Everything else about the
// key (counters, cooldowns, per-model exhaustion) is plain state guarded
// by the owning pool's mutex.
//
// # Thread Safety
//
// Not safe on its own; all access goes through KeyManager methods.
type ProviderKey struct {
	ID     string
	masked string
	secret *memguard.Enclave

	disabled      bool
	totalRequests int64
	successful    int64
	failed        int64
	rateLimitHits int64

	cooldownUntil      time.Time
	modelExhaustedUnto map[string]time.Time
}

// Masked returns the loggable form of the key.
func (k *ProviderKey) Masked() string { return k.masked }

// Open decrypts the key material for one call. The caller must call
// the returned destroy func as soon as the provider call finishes.
func (k *ProviderKey) Open() (string, func(), error) {
	buf, err := k.secret.Open()
	if err != nil {
		return "", nil, fmt.Errorf("failed to open key enclave: %w", err)
	}
	return buf.String(), buf.Destroy, nil
}

// Status computes the key's externally visible status at time now.
func (k *ProviderKey) status(now time.Time) string {
	switch {
	case k.disabled:
		return KeyDisabled
	case now.Before(k.cooldownUntil):
		return KeyCooldown
	default:
		return KeyHealthy
	}
}

// successRate is successful/total, 1.0 for unused keys so fresh keys
// sort ahead of flaky ones at equal load.
func (k *ProviderKey) successRate() float64 {
	if k.totalRequests == 0 {
		return 1.0
	}
	return float64(k.successful) / float64(k.totalRequests)
}

// KeySnapshot is a read-only view of a key for admin surfaces.
type KeySnapshot struct {
	ID            string            `json:"id"`
	Masked        string            `json:"masked"`
	Status        string            `json:"status"`
	TotalRequests int64             `json:"total_requests"`
	Successful    int64             `json:"successful"`
	Failed        int64             `json:"failed"`
	RateLimitHits int64             `json:"rate_limit_hits"`
	CooldownUntil *time.Time        `json:"cooldown_until,omitempty"`
	ExhaustedFor  map[string]string `json:"model_exhausted_until,omitempty"`
}

// keyPool holds the keys of one provider family plus its pacing limiter.
type keyPool struct {
	family  string
	keys    []*ProviderKey
	limiter *rate.Limiter
}

// KeyManager maintains the per-family key pools.
//
// # Description
//
// Selection and reporting are atomic per pool. Cooldowns and quota
// markers are compared against the wall clock at selection time, so an
// expired cooldown never blocks a key. Quota exhaustion is per
// (key, model) and clears at the next local midnight.
//
// # Thread Safety
//
// Safe for concurrent use.
type KeyManager struct {
	mu     sync.Mutex
	pools  map[string]*keyPool
	gov    *Governance
	logger *slog.Logger
	now    func() time.Time
}

// NewKeyManager builds pools from the configured key lists. An empty
// family is simply absent; selection for it fails closed.
func NewKeyManager(cfg *datatypes.Config, gov *Governance, logger *slog.Logger) *KeyManager {
	if logger == nil {
		logger = slog.Default()
	}
	km := &KeyManager{
		pools:  make(map[string]*keyPool),
		gov:    gov,
		logger: logger,
		now:    time.Now,
	}
	km.addPool(ProviderOpenAI, cfg.OpenAIKeys)
	km.addPool(ProviderGemini, cfg.GeminiKeys)
	return km
}

func (km *KeyManager) addPool(family string, rawKeys []string) {
	if len(rawKeys) == 0 {
		return
	}
	pool := &keyPool{
		family: family,
		// 10 req/s sustained with bursts of 20 per family. Provider-side
		// rate limits still apply per key; this only smooths stampedes.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
	for i, raw := range rawKeys {
		pool.keys = append(pool.keys, &ProviderKey{
			ID:                 fmt.Sprintf("%s-%d", family, i),
			masked:             maskKey(raw),
			secret:             memguard.NewEnclave([]byte(raw)),
			modelExhaustedUnto: make(map[string]time.Time),
		})
	}
	km.pools[family] = pool
	km.logger.Info("key pool initialized", "family", family, "keys", len(pool.keys))
}

// GetBestKey selects a key usable for the given model, or nil when the
// pool is empty or fully unavailable (fails closed).
//
// Eligibility: not disabled, past cooldown, not quota-exhausted for this
// model. Ordering: ascending total requests, then descending success
// rate.
func (km *KeyManager) GetBestKey(model string) *ProviderKey {
	family := km.gov.DetectProvider(model)

	km.mu.Lock()
	defer km.mu.Unlock()

	pool, ok := km.pools[family]
	if !ok {
		return nil
	}
	now := km.now()

	var eligible []*ProviderKey
	for _, k := range pool.keys {
		if k.disabled || now.Before(k.cooldownUntil) {
			continue
		}
		if until, marked := k.modelExhaustedUnto[model]; marked && now.Before(until) {
			continue
		}
		eligible = append(eligible, k)
	}
	if len(eligible) == 0 {
		return nil
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].totalRequests != eligible[j].totalRequests {
			return eligible[i].totalRequests < eligible[j].totalRequests
		}
		return eligible[i].successRate() > eligible[j].successRate()
	})
	return eligible[0]
}

// WaitForSlot blocks until the family's pacing limiter admits a request.
func (km *KeyManager) WaitForSlot(ctx context.Context, model string) error {
	family := km.gov.DetectProvider(model)
	km.mu.Lock()
	pool, ok := km.pools[family]
	km.mu.Unlock()
	if !ok {
		return nil
	}
	return pool.limiter.Wait(ctx)
}

// ReportSuccess increments counters and clears any cooldown.
func (km *KeyManager) ReportSuccess(key *ProviderKey, model string) {
	km.mu.Lock()
	defer km.mu.Unlock()
	key.totalRequests++
	key.successful++
	key.cooldownUntil = time.Time{}
	_ = model
}

// ReportError applies the failure policy for one categorized error.
//
//   - rate_limit: 60 s cooldown + rate-limit counter
//   - server: 60 s cooldown
//   - quota_exhausted: key marked exhausted for this model until the next
//     local midnight
//   - anything else: failure counter only
func (km *KeyManager) ReportError(key *ProviderKey, category datatypes.ErrorCategory, model string) {
	km.mu.Lock()
	defer km.mu.Unlock()

	now := km.now()
	key.totalRequests++
	key.failed++

	switch category {
	case datatypes.ErrRateLimit:
		key.rateLimitHits++
		key.cooldownUntil = now.Add(errorCooldown)
		km.logger.Warn("key cooling down after rate limit",
			"key", key.masked, "until", key.cooldownUntil)
	case datatypes.ErrServer:
		key.cooldownUntil = now.Add(errorCooldown)
	case datatypes.ErrQuotaExhausted:
		until := nextLocalMidnight(now)
		key.modelExhaustedUnto[model] = until
		km.logger.Warn("key quota exhausted for model",
			"key", key.masked, "model", model, "until", until)
	}
}

// Disable takes a key out of rotation permanently (e.g. revoked keys).
func (km *KeyManager) Disable(keyID string) {
	km.mu.Lock()
	defer km.mu.Unlock()
	for _, pool := range km.pools {
		for _, k := range pool.keys {
			if k.ID == keyID {
				k.disabled = true
				return
			}
		}
	}
}

// Snapshot returns read-only views of every key, for admin surfaces.
func (km *KeyManager) Snapshot() []KeySnapshot {
	km.mu.Lock()
	defer km.mu.Unlock()

	now := km.now()
	var out []KeySnapshot
	for _, pool := range km.pools {
		for _, k := range pool.keys {
			snap := KeySnapshot{
				ID:            k.ID,
				Masked:        k.masked,
				Status:        k.status(now),
				TotalRequests: k.totalRequests,
				Successful:    k.successful,
				Failed:        k.failed,
				RateLimitHits: k.rateLimitHits,
			}
			if !k.cooldownUntil.IsZero() && now.Before(k.cooldownUntil) {
				t := k.cooldownUntil
				snap.CooldownUntil = &t
			}
			for model, until := range k.modelExhaustedUnto {
				if now.Before(until) {
					if snap.ExhaustedFor == nil {
						snap.ExhaustedFor = make(map[string]string)
					}
					snap.ExhaustedFor[model] = until.Format(time.RFC3339)
				}
			}
			out = append(out, snap)
		}
	}
	return out
}

// maskKey keeps enough of the key to identify it in logs, nothing more.
func maskKey(raw string) string {
	if len(raw) <= 8 {
		return "****"
	}
	return raw[:4] + "…" + raw[len(raw)-4:]
}

// nextLocalMidnight returns midnight of the next day in the process's
// configured timezone. Quota resets are defined against local midnight.
func nextLocalMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}
