// Copyright (C) 2026 Statekit Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package evaluator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for evaluation.
var (
	tracer = otel.Tracer("statekit.evaluator")
	meter  = otel.Meter("statekit.evaluator")
)

// Evaluation outcomes recorded as metric/span attributes.
const (
	outcomeHit      = "hit"
	outcomeFastPath = "fastpath"
	outcomeMiss     = "miss"
	outcomeError    = "error"
)

// Metrics for evaluation.
var (
	cacheHits         metric.Int64Counter
	cacheFastPathHits metric.Int64Counter
	cacheMisses       metric.Int64Counter
	computeTotal      metric.Int64Counter
	untrackTotal      metric.Int64Counter
	evaluateLatency   metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times; a
// failed init degrades all recording to no-ops.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHits, err = meter.Int64Counter(
			"evaluate_cache_hits_total",
			metric.WithDescription("Total number of exact cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheFastPathHits, err = meter.Int64Counter(
			"evaluate_cache_fastpath_hits_total",
			metric.WithDescription("Total number of stale-but-unchanged cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"evaluate_cache_misses_total",
			metric.WithDescription("Total number of cache misses requiring recomputation"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		computeTotal, err = meter.Int64Counter(
			"evaluate_compute_total",
			metric.WithDescription("Total number of compute function invocations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		untrackTotal, err = meter.Int64Counter(
			"evaluate_untrack_total",
			metric.WithDescription("Total number of cache entries removed by Untrack"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		evaluateLatency, err = meter.Float64Histogram(
			"evaluate_duration_seconds",
			metric.WithDescription("Duration of Evaluate calls"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordOutcome records the counter for a single evaluation outcome.
func recordOutcome(ctx context.Context, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	switch outcome {
	case outcomeHit:
		cacheHits.Add(ctx, 1)
	case outcomeFastPath:
		cacheFastPathHits.Add(ctx, 1)
	case outcomeMiss:
		cacheMisses.Add(ctx, 1)
	}
}

// recordCompute records one compute function invocation.
func recordCompute(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	computeTotal.Add(ctx, 1)
}

// recordUntrack records one entry removal.
func recordUntrack(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	untrackTotal.Add(ctx, 1)
}

// recordEvaluateLatency records the latency of an Evaluate call.
func recordEvaluateLatency(ctx context.Context, duration time.Duration, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	evaluateLatency.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// startEvaluateSpan creates a span for a top-level Evaluate call.
func startEvaluateSpan(ctx context.Context, evaluatorID string, fingerprint uint64, track bool) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Evaluator.Evaluate",
		trace.WithAttributes(
			attribute.String("evaluator.id", evaluatorID),
			attribute.Int64("evaluator.fingerprint", int64(fingerprint)),
			attribute.Bool("evaluator.track", track),
		),
	)
}

// setEvaluateSpanOutcome sets the outcome attribute on an evaluation span.
func setEvaluateSpanOutcome(span trace.Span, outcome string) {
	span.SetAttributes(attribute.String("evaluator.outcome", outcome))
}
