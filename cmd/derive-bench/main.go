// Copyright (C) 2026 Statekit Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command derive-bench exercises the memoized evaluator against synthetic
// state trees and getter graphs described by YAML scenarios.
//
// Usage:
//
//	derive-bench run --scenario scenarios/wide.yaml
//	derive-bench run --scenario scenarios/wide.yaml --metrics-addr :9464
//	derive-bench run --scenario scenarios/wide.yaml --trace -v
//
// With --metrics-addr, evaluator metrics are exposed in Prometheus format
// at /metrics for the duration of the run. With --trace, spans are printed
// to stdout.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/statekit/derive/pkg/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	scenarioPath string
	metricsAddr  string
	enableTrace  bool
	verbose      bool

	rootCmd = &cobra.Command{
		Use:   "derive-bench",
		Short: "Benchmark harness for the statekit derived-value evaluator",
		Long: `derive-bench runs YAML-described workloads against the memoized
evaluator: a synthetic immutable state tree, a generated getter graph, and
a mutation schedule that exercises exact hits, unchanged-dependency fast
paths and full recomputations.`,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run a benchmark scenario",
		RunE:  runScenario,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the derive-bench version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
)

func init() {
	runCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Path to a scenario YAML file (required)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address during the run")
	runCmd.Flags().BoolVar(&enableTrace, "trace", false, "Print evaluation spans to stdout")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	_ = runCmd.MarkFlagRequired("scenario")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runScenario(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{Level: level, Service: "derive-bench"})

	shutdown, err := setupTelemetry(ctx, logger)
	if err != nil {
		return err
	}
	defer shutdown(ctx)

	scenario, err := LoadScenario(scenarioPath)
	if err != nil {
		return err
	}

	rep, err := scenario.run(ctx, logger)
	if err != nil {
		return err
	}
	printReport(rep)
	return nil
}

// setupTelemetry installs the metric and trace pipelines selected by
// flags. The returned shutdown function flushes both.
func setupTelemetry(ctx context.Context, logger *logging.Logger) (func(context.Context), error) {
	var shutdowns []func(context.Context) error

	if metricsAddr != "" {
		exporter, err := otelprom.New()
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		otel.SetMeterProvider(provider)
		shutdowns = append(shutdowns, provider.Shutdown)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
		shutdowns = append(shutdowns, server.Shutdown)
		logger.Info("metrics exposed", "addr", metricsAddr)
	}

	if enableTrace {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(provider)
		shutdowns = append(shutdowns, provider.Shutdown)
	}

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		for _, fn := range shutdowns {
			if err := fn(ctx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}
	}, nil
}

func printReport(rep *report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "scenario\t%s\n", rep.Scenario)
	fmt.Fprintf(w, "iterations\t%d\n", rep.Iterations)
	fmt.Fprintf(w, "evaluations\t%d\n", rep.Evaluations)
	fmt.Fprintf(w, "mutations\t%d\n", rep.Mutations)
	fmt.Fprintf(w, "elapsed\t%s\n", rep.Elapsed)
	fmt.Fprintf(w, "cache hits\t%d\n", rep.Stats.Hits)
	fmt.Fprintf(w, "fast-path hits\t%d\n", rep.Stats.FastPathHits)
	fmt.Fprintf(w, "misses\t%d\n", rep.Stats.Misses)
	fmt.Fprintf(w, "compute calls\t%d\n", rep.Stats.Computes)
	fmt.Fprintf(w, "cache entries\t%d\n", rep.Stats.Entries)
	w.Flush()
}
