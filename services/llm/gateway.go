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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

var gatewayTracer = otel.Tracer("reverie.llm.gateway")

// DefaultAttemptTimeout bounds a single model attempt.
const DefaultAttemptTimeout = 30 * time.Second

// Telemetry receives gateway counters. The orchestrator's observability
// package provides the Prometheus-backed implementation; a nil Telemetry
// is a no-op.
type Telemetry interface {
	// RecordAttempt counts one attempt outcome: "success", "timeout",
	// or an error category.
	RecordAttempt(model, family, outcome string)
	// RecordSuccess counts one completed generate/stream with its
	// attempt count.
	RecordSuccess(role, model string, attempts int)
}

// Gateway orchestrates adapters, keys, budget and governance into a
// single fallback loop.
//
// # Description
//
// Generate walks the role's model chain until a model answers. Budget
// rejection is terminal (no further models are tried); everything else
// degrades to the next chain entry. Stream mirrors the loop but locks
// onto the first model that produces a chunk — a failure after first
// output terminates the stream with an error sentinel instead of
// falling back, so callers never see duplicated partial output.
//
// # Thread Safety
//
// Safe for concurrent use.
type Gateway struct {
	adapters map[string]ProviderAdapter
	keys     *KeyManager
	budget   *BudgetTracker
	gov      *Governance
	tel      Telemetry
	logger   *slog.Logger

	attemptTimeout time.Duration
}

// NewGateway wires the gateway. Adapters map provider families to
// implementations; families without an adapter are skipped in the loop.
func NewGateway(adapters map[string]ProviderAdapter, keys *KeyManager, budget *BudgetTracker, gov *Governance, tel Telemetry, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		adapters:       adapters,
		keys:           keys,
		budget:         budget,
		gov:            gov,
		tel:            tel,
		logger:         logger,
		attemptTimeout: DefaultAttemptTimeout,
	}
}

// SetAttemptTimeout overrides the per-attempt timeout (tests, fast roles).
func (g *Gateway) SetAttemptTimeout(d time.Duration) { g.attemptTimeout = d }

// Generate runs the fallback loop for the request's role and returns the
// first successful result. Errors are always *datatypes.GatewayError.
func (g *Gateway) Generate(ctx context.Context, req datatypes.GenerationRequest) (*datatypes.GatewayResult, error) {
	ctx, span := gatewayTracer.Start(ctx, "Gateway.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.role", req.Role))

	chain := g.gov.WithOverride(req.Role, req.ModelOverride)
	var attemptErrs []datatypes.AttemptError

	for attempt, model := range chain {
		family := g.gov.DetectProvider(model)
		adapter, ok := g.adapters[family]
		if !ok {
			attemptErrs = append(attemptErrs, datatypes.AttemptError{
				Model: model, Category: datatypes.ErrUnknown,
				Message: "no adapter registered for provider " + family,
			})
			continue
		}

		key := g.keys.GetBestKey(model)
		if key == nil {
			attemptErrs = append(attemptErrs, datatypes.AttemptError{
				Model: model, Category: datatypes.ErrAuth,
				Message: "no usable key for provider " + family,
			})
			continue
		}

		if ok, reason := g.budget.CheckBudget(model); !ok {
			span.SetStatus(codes.Error, "budget exceeded")
			g.recordAttempt(model, family, string(datatypes.ErrBudget))
			return nil, &datatypes.GatewayError{
				Category:  datatypes.ErrBudget,
				Model:     model,
				Retryable: false,
				Attempts:  attemptErrs,
				Err:       fmt.Errorf("%s", reason),
			}
		}

		if err := g.keys.WaitForSlot(ctx, model); err != nil {
			span.RecordError(err)
			return nil, &datatypes.GatewayError{
				Category: datatypes.ErrTimeout, Model: model,
				Retryable: true, Attempts: attemptErrs, Err: err,
			}
		}

		result, err := g.attemptGenerate(ctx, adapter, model, key, req)
		if err == nil {
			g.keys.ReportSuccess(key, model)
			g.budget.RecordUsage(model, result.Tokens, key.Masked())
			g.recordAttempt(model, family, "success")
			if g.tel != nil {
				g.tel.RecordSuccess(req.Role, model, attempt+1)
			}
			span.SetAttributes(
				attribute.String("llm.model", model),
				attribute.Int("llm.attempts", attempt+1),
			)
			return &datatypes.GatewayResult{
				Text:     result.Text,
				Model:    model,
				Tokens:   result.Tokens,
				Attempts: attempt + 1,
				Fallback: attempt > 0,
			}, nil
		}

		cat := Categorize(err)
		attemptErrs = append(attemptErrs, datatypes.AttemptError{
			Model: model, Category: cat, Message: err.Error(),
		})
		g.recordAttempt(model, family, string(cat))

		if cat == datatypes.ErrTimeout {
			g.logger.Warn("model attempt timed out", "model", model, "role", req.Role)
			continue
		}
		g.keys.ReportError(key, cat, model)
		g.logger.Warn("model attempt failed",
			"model", model, "role", req.Role, "category", cat, "error", err)
	}

	span.SetStatus(codes.Error, "model chain exhausted")
	return nil, &datatypes.GatewayError{
		Category:  datatypes.ErrNoModel,
		Retryable: true,
		Attempts:  attemptErrs,
		Err:       fmt.Errorf("all %d models failed for role %s", len(chain), req.Role),
	}
}

// attemptGenerate runs one adapter call under the per-attempt timeout,
// opening the key only for the duration of the call.
func (g *Gateway) attemptGenerate(ctx context.Context, adapter ProviderAdapter, model string, key *ProviderKey, req datatypes.GenerationRequest) (*datatypes.ProviderResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, g.attemptTimeout)
	defer cancel()

	raw, destroy, err := key.Open()
	if err != nil {
		return nil, categorized(datatypes.ErrAuth, err)
	}
	defer destroy()

	return adapter.Generate(attemptCtx, model, raw, req)
}

// StreamSession is an in-flight stream plus its attempt metadata.
type StreamSession struct {
	// Model is the model that began producing.
	Model string
	// Attempts is how many chain entries were tried, including the
	// winning one.
	Attempts int
	// Fallback is true when Attempts > 1.
	Fallback bool
	// Chunks delivers text chunks; closed at end of stream. A chunk with
	// Err set (or sentinel text) terminates the stream.
	Chunks <-chan datatypes.StreamChunk
}

// Stream runs the fallback loop in streaming mode.
//
// A model "wins" by delivering its first chunk within the attempt
// timeout; failures before first chunk fall through to the next model.
// After the first chunk the session is committed: later failures emit
// one sentinel chunk and end the stream. Stream usage is recorded with
// zero tokens (token counts are not reliably available in-band).
func (g *Gateway) Stream(ctx context.Context, req datatypes.GenerationRequest) (*StreamSession, error) {
	ctx, span := gatewayTracer.Start(ctx, "Gateway.Stream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.role", req.Role))

	chain := g.gov.WithOverride(req.Role, req.ModelOverride)
	var attemptErrs []datatypes.AttemptError

	for attempt, model := range chain {
		family := g.gov.DetectProvider(model)
		adapter, ok := g.adapters[family]
		if !ok {
			attemptErrs = append(attemptErrs, datatypes.AttemptError{
				Model: model, Category: datatypes.ErrUnknown,
				Message: "no adapter registered for provider " + family,
			})
			continue
		}
		key := g.keys.GetBestKey(model)
		if key == nil {
			attemptErrs = append(attemptErrs, datatypes.AttemptError{
				Model: model, Category: datatypes.ErrAuth,
				Message: "no usable key for provider " + family,
			})
			continue
		}
		if ok, reason := g.budget.CheckBudget(model); !ok {
			g.recordAttempt(model, family, string(datatypes.ErrBudget))
			return nil, &datatypes.GatewayError{
				Category: datatypes.ErrBudget, Model: model,
				Retryable: false, Attempts: attemptErrs,
				Err: fmt.Errorf("%s", reason),
			}
		}
		if err := g.keys.WaitForSlot(ctx, model); err != nil {
			return nil, &datatypes.GatewayError{
				Category: datatypes.ErrTimeout, Model: model,
				Retryable: true, Attempts: attemptErrs, Err: err,
			}
		}

		session, err := g.attemptStream(ctx, adapter, model, key, req)
		if err != nil {
			cat := Categorize(err)
			attemptErrs = append(attemptErrs, datatypes.AttemptError{
				Model: model, Category: cat, Message: err.Error(),
			})
			g.recordAttempt(model, family, string(cat))
			if cat != datatypes.ErrTimeout {
				g.keys.ReportError(key, cat, model)
			}
			continue
		}

		g.keys.ReportSuccess(key, model)
		g.budget.RecordUsage(model, 0, key.Masked())
		g.recordAttempt(model, family, "success")
		if g.tel != nil {
			g.tel.RecordSuccess(req.Role, model, attempt+1)
		}
		session.Attempts = attempt + 1
		session.Fallback = attempt > 0
		span.SetAttributes(attribute.String("llm.model", model))
		return session, nil
	}

	span.SetStatus(codes.Error, "model chain exhausted")
	return nil, &datatypes.GatewayError{
		Category:  datatypes.ErrNoModel,
		Retryable: true,
		Attempts:  attemptErrs,
		Err:       fmt.Errorf("all %d models failed for role %s", len(chain), req.Role),
	}
}

// attemptStream opens a stream and waits for its first chunk under the
// attempt timeout. On success the first chunk and all following chunks
// are piped to the session channel; upstream errors after that point
// become a single sentinel chunk.
func (g *Gateway) attemptStream(ctx context.Context, adapter ProviderAdapter, model string, key *ProviderKey, req datatypes.GenerationRequest) (*StreamSession, error) {
	raw, destroy, err := key.Open()
	if err != nil {
		return nil, categorized(datatypes.ErrAuth, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	upstream, err := adapter.Stream(streamCtx, model, raw, req)
	if err != nil {
		destroy()
		cancel()
		return nil, err
	}

	// Wait for the first chunk; a failure here still counts as a full
	// attempt and the caller falls through to the next model.
	firstTimer := time.NewTimer(g.attemptTimeout)
	defer firstTimer.Stop()

	var first datatypes.StreamChunk
	select {
	case chunk, open := <-upstream:
		if !open {
			destroy()
			cancel()
			return nil, categorized(datatypes.ErrServer, fmt.Errorf("stream closed before first chunk"))
		}
		if chunk.Err != nil {
			destroy()
			cancel()
			return nil, chunk.Err
		}
		first = chunk
	case <-firstTimer.C:
		destroy()
		cancel()
		return nil, categorized(datatypes.ErrTimeout, fmt.Errorf("no first chunk within %s", g.attemptTimeout))
	case <-ctx.Done():
		destroy()
		cancel()
		return nil, ctx.Err()
	}

	out := make(chan datatypes.StreamChunk)
	go func() {
		defer close(out)
		defer cancel()
		defer destroy()

		select {
		case out <- first:
		case <-ctx.Done():
			return
		}
		for chunk := range upstream {
			if chunk.Err != nil {
				g.logger.Warn("stream failed mid-flight", "model", model, "error", chunk.Err)
				select {
				case out <- datatypes.StreamChunk{
					Text: datatypes.StreamErrorSentinel + " stream interrupted",
					Err:  chunk.Err,
				}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &StreamSession{Model: model, Chunks: out}, nil
}

func (g *Gateway) recordAttempt(model, family, outcome string) {
	if g.tel != nil {
		g.tel.RecordAttempt(model, family, outcome)
	}
}
