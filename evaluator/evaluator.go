// Copyright (C) 2026 Statekit Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package evaluator implements memoized evaluation of derived values over
// immutable state trees.
//
// An Evaluator owns a cache mapping getter fingerprints to cache entries.
// Evaluate resolves a key path or getter against a state snapshot,
// deciding per getter between an exact cache hit (same state hash), a
// stale-but-unchanged hit (state hash moved but the getter's resolved
// dependency values did not, so the recorded value is reused without
// recomputation), and a full recompute.
//
// # Ownership and concurrency
//
// An Evaluator is exclusively owned by one goroutine. Evaluation is plain
// synchronous recursion with no suspension point; nothing in this package
// locks. Contexts are used for telemetry only, never for cancellation.
//
// # Preconditions
//
// Compute functions must be pure. The unchanged-dependency fast path skips
// compute invocations whose inputs are provably identical, so impure
// compute functions will have side effects silently elided.
//
// Cyclic getter graphs are not supported and not detected; evaluating a
// cycle recurses until stack exhaustion.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"go.opentelemetry.io/otel/trace"

	"github.com/statekit/derive/getter"
	"github.com/statekit/derive/immutable"
	"github.com/statekit/derive/keypath"
)

// entry is one cached derivation: the structural hash of the state it was
// last validated against, the frozen snapshot of its resolved dependency
// values, and the derived value. Entries never retain the state snapshot
// itself.
type entry struct {
	stateHash uint64
	args      immutable.List
	value     any
}

// Evaluator memoizes getter evaluation. Create with New.
type Evaluator struct {
	id     string
	logger *slog.Logger
	cache  map[uint64]*entry

	// Stats
	hits         int64
	fastPathHits int64
	misses       int64
	computes     int64
	untracks     int64
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger used for per-decision debug logging.
// Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an Evaluator with a fresh, empty cache.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{
		id:     uuid.NewString(),
		logger: slog.Default(),
		cache:  make(map[uint64]*entry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ID returns the evaluator's instance id, attached to its logs and spans.
func (e *Evaluator) ID() string { return e.id }

// Evaluate resolves target against the state snapshot.
//
// A keypath.Path resolves by path lookup in state; when state does not
// support path lookup (a scalar), state itself is returned unchanged. Key
// paths are never cached.
//
// A *getter.Getter resolves through the cache: exact hit, then
// stale-but-unchanged hit, then full recompute, in that order. Recursion
// into dependencies preserves track and dependency order, and each
// dependency is evaluated at most once per call. When track is true, or an
// entry for the getter's fingerprint already exists, a successful
// recompute overwrites the entry; a failed recompute returns the compute
// error unchanged and leaves the previous entry intact.
//
// Any other target fails with ErrInvalidTarget and leaves the cache
// untouched.
//
// Values read out of the cache are dereferenced: immutable values are
// shared, plain composites are deep-copied so caller mutation cannot
// corrupt the cache, scalars pass through. Freshly computed values are
// returned as produced and, when tracked, are shared with the cache entry
// until the next recompute; callers must treat them as read-only or have
// compute functions return immutable values.
func (e *Evaluator) Evaluate(ctx context.Context, state, target any, track bool) (any, error) {
	switch t := target.(type) {
	case keypath.Path:
		return immutable.GetIn(state, t), nil
	case *getter.Getter:
		return e.evaluateGetter(ctx, state, t, track)
	default:
		return nil, fmt.Errorf("%w: got %T", ErrInvalidTarget, target)
	}
}

// Untrack removes the cache entry for g's fingerprint, if present.
//
// Removal does not cascade: a getter that depends on g keeps its own
// entry. Its staleness check still re-evaluates its immediate dependencies
// against live state, so this only misleads when the untracked getter is
// later re-registered with different semantics under the same fingerprint.
func (e *Evaluator) Untrack(ctx context.Context, g *getter.Getter) {
	fp := g.Fingerprint()
	if _, ok := e.cache[fp]; !ok {
		return
	}
	delete(e.cache, fp)
	atomic.AddInt64(&e.untracks, 1)
	recordUntrack(ctx)
	e.logger.DebugContext(ctx, "untracked getter",
		"evaluator_id", e.id,
		"fingerprint", fp,
	)
}

// Reset removes all cache entries.
func (e *Evaluator) Reset() {
	e.cache = make(map[uint64]*entry)
	e.logger.Debug("evaluator reset", "evaluator_id", e.id)
}

// evaluateGetter routes one getter evaluation through the cache.
func (e *Evaluator) evaluateGetter(ctx context.Context, state any, g *getter.Getter, track bool) (any, error) {
	start := time.Now()
	fp := g.Fingerprint()
	ctx, span := startEvaluateSpan(ctx, e.id, fp, track)
	defer span.End()

	stateHash := immutable.HashValue(state)

	ent, hadEntry := e.cache[fp]
	if hadEntry && ent.stateHash == stateHash {
		e.finish(ctx, span, start, fp, outcomeHit)
		atomic.AddInt64(&e.hits, 1)
		return e.dereference(ent.value), nil
	}

	// Stale or absent: resolve immediate dependencies exactly once.
	args, err := e.resolveDependencies(ctx, state, g, track)
	if err != nil {
		setEvaluateSpanOutcome(span, outcomeError)
		recordEvaluateLatency(ctx, time.Since(start), outcomeError)
		return nil, err
	}
	frozen := immutable.Freeze(args)

	if hadEntry && frozen.Equal(ent.args) {
		// The tree moved but this getter's inputs did not. Refresh the
		// recorded state hash so the next call is an exact hit; the
		// compute function is not invoked.
		ent.stateHash = stateHash
		e.finish(ctx, span, start, fp, outcomeFastPath)
		atomic.AddInt64(&e.fastPathHits, 1)
		return e.dereference(ent.value), nil
	}

	atomic.AddInt64(&e.misses, 1)
	atomic.AddInt64(&e.computes, 1)
	recordCompute(ctx)
	value, err := g.Compute()(args...)
	if err != nil {
		// Propagate unchanged; the previous entry, if any, stays intact.
		setEvaluateSpanOutcome(span, outcomeError)
		recordEvaluateLatency(ctx, time.Since(start), outcomeError)
		return nil, err
	}

	if track || hadEntry {
		e.cache[fp] = &entry{stateHash: stateHash, args: frozen, value: value}
	}
	e.finish(ctx, span, start, fp, outcomeMiss)
	return value, nil
}

// resolveDependencies evaluates g's immediate dependencies in order,
// preserving the track flag, and returns the resolved values positionally.
func (e *Evaluator) resolveDependencies(ctx context.Context, state any, g *getter.Getter, track bool) ([]any, error) {
	deps := g.Dependencies()
	args := make([]any, len(deps))
	for i, dep := range deps {
		v, err := e.Evaluate(ctx, state, dep, track)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// dereference applies the cache read rule: share immutable values, deep
// copy plain composites, pass scalars through.
func (e *Evaluator) dereference(v any) any {
	if v == nil || immutable.Is(v) {
		return v
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Pointer, reflect.Struct:
		return clone.Clone(v)
	default:
		return v
	}
}

// finish records telemetry for a successfully completed getter evaluation.
func (e *Evaluator) finish(ctx context.Context, span trace.Span, start time.Time, fp uint64, outcome string) {
	setEvaluateSpanOutcome(span, outcome)
	recordOutcome(ctx, outcome)
	recordEvaluateLatency(ctx, time.Since(start), outcome)
	e.logger.DebugContext(ctx, "evaluated getter",
		"evaluator_id", e.id,
		"fingerprint", fp,
		"outcome", outcome,
	)
}

// Stats is a point-in-time snapshot of evaluator counters.
type Stats struct {
	// Hits counts exact cache hits (same state hash).
	Hits int64

	// FastPathHits counts stale-but-unchanged hits (state hash moved,
	// dependency values did not; compute skipped).
	FastPathHits int64

	// Misses counts cache misses (full recomputation attempts, including
	// ones whose compute function failed).
	Misses int64

	// Computes counts compute function invocations, including failed ones.
	Computes int64

	// Untracks counts entries removed by Untrack.
	Untracks int64

	// Entries is the current number of cache entries.
	Entries int
}

// Stats returns a snapshot of the evaluator's counters.
func (e *Evaluator) Stats() Stats {
	return Stats{
		Hits:         atomic.LoadInt64(&e.hits),
		FastPathHits: atomic.LoadInt64(&e.fastPathHits),
		Misses:       atomic.LoadInt64(&e.misses),
		Computes:     atomic.LoadInt64(&e.computes),
		Untracks:     atomic.LoadInt64(&e.untracks),
		Entries:      len(e.cache),
	}
}
