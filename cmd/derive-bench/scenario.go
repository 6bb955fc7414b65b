// Copyright (C) 2026 Statekit Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/statekit/derive/evaluator"
	"github.com/statekit/derive/getter"
	"github.com/statekit/derive/immutable"
	"github.com/statekit/derive/keypath"
	"github.com/statekit/derive/pkg/logging"
)

// Scenario describes one benchmark workload: the shape of the state tree,
// the getter graph evaluated against it, and how the tree mutates over the
// run.
type Scenario struct {
	Name        string     `yaml:"name"`
	Tree        TreeSpec   `yaml:"tree"`
	Getters     GetterSpec `yaml:"getters"`
	Iterations  int        `yaml:"iterations"`
	MutateEvery int        `yaml:"mutate_every"`
}

// TreeSpec shapes the synthetic state tree: Depth nested map levels with
// Fanout children each; leaves are integers.
type TreeSpec struct {
	Depth  int `yaml:"depth"`
	Fanout int `yaml:"fanout"`
}

// GetterSpec shapes the getter graph: Count getters with Deps key-path
// dependencies each. Chain additionally makes every getter depend on the
// previous one, exercising recursive dependency evaluation.
type GetterSpec struct {
	Count int  `yaml:"count"`
	Deps  int  `yaml:"deps"`
	Chain bool `yaml:"chain"`
}

// LoadScenario reads and validates a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	s.applyDefaults()
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Scenario) applyDefaults() {
	if s.Name == "" {
		s.Name = "unnamed"
	}
	if s.Tree.Depth == 0 {
		s.Tree.Depth = 3
	}
	if s.Tree.Fanout == 0 {
		s.Tree.Fanout = 4
	}
	if s.Getters.Count == 0 {
		s.Getters.Count = 16
	}
	if s.Getters.Deps == 0 {
		s.Getters.Deps = 2
	}
	if s.Iterations == 0 {
		s.Iterations = 1000
	}
	if s.MutateEvery == 0 {
		s.MutateEvery = 10
	}
}

func (s *Scenario) validate() error {
	if s.Tree.Depth < 1 || s.Tree.Fanout < 1 {
		return fmt.Errorf("scenario %q: tree depth and fanout must be positive", s.Name)
	}
	if s.Getters.Count < 1 || s.Getters.Deps < 1 {
		return fmt.Errorf("scenario %q: getter count and deps must be positive", s.Name)
	}
	if s.Iterations < 1 {
		return fmt.Errorf("scenario %q: iterations must be positive", s.Name)
	}
	if s.MutateEvery < 1 {
		return fmt.Errorf("scenario %q: mutate_every must be positive", s.Name)
	}
	return nil
}

// workload is a built scenario: the initial snapshot, the leaf paths
// available for mutation, and the getter graph.
type workload struct {
	tree      immutable.Map
	leafPaths []keypath.Path
	getters   []*getter.Getter
}

// sumInts is the shared compute function for generated getters. Getters
// stay distinguishable through their dependency structure.
func sumInts(args ...any) (any, error) {
	total := 0
	for _, a := range args {
		n, ok := a.(int)
		if !ok {
			return nil, fmt.Errorf("expected int dependency value, got %T", a)
		}
		total += n
	}
	return total, nil
}

// build materializes the scenario's tree and getter graph.
func (s *Scenario) build() (*workload, error) {
	w := &workload{}
	w.tree, _ = buildLevel(s.Tree.Depth, s.Tree.Fanout, 0, keypath.Path{}, &w.leafPaths)

	var prev *getter.Getter
	for i := 0; i < s.Getters.Count; i++ {
		deps := make([]any, 0, s.Getters.Deps+1)
		for j := 0; j < s.Getters.Deps; j++ {
			deps = append(deps, w.leafPaths[(i*s.Getters.Deps+j)%len(w.leafPaths)])
		}
		if s.Getters.Chain && prev != nil {
			deps = append(deps, prev)
		}
		g, err := getter.New(sumInts, deps...)
		if err != nil {
			return nil, fmt.Errorf("build getter %d: %w", i, err)
		}
		w.getters = append(w.getters, g)
		prev = g
	}
	return w, nil
}

// buildLevel builds one map level of the synthetic tree, collecting leaf
// paths as it recurses. Leaves are consecutive integers.
func buildLevel(depth, fanout, counter int, prefix keypath.Path, leaves *[]keypath.Path) (immutable.Map, int) {
	entries := make(map[keypath.Key]any, fanout)
	for i := 0; i < fanout; i++ {
		key := fmt.Sprintf("k%d", i)
		child := append(append(keypath.Path{}, prefix...), key)
		if depth == 1 {
			entries[key] = counter
			counter++
			*leaves = append(*leaves, child)
			continue
		}
		var sub immutable.Map
		sub, counter = buildLevel(depth-1, fanout, counter, child, leaves)
		entries[key] = sub
	}
	return immutable.NewMap(entries), counter
}

// report summarizes one benchmark run.
type report struct {
	Scenario    string
	Iterations  int
	Evaluations int
	Mutations   int
	Elapsed     time.Duration
	Stats       evaluator.Stats
}

// run executes the scenario on a single goroutine, mutating one leaf every
// MutateEvery iterations so both the exact-hit and the unchanged-
// dependency paths are exercised.
func (s *Scenario) run(ctx context.Context, logger *logging.Logger) (*report, error) {
	w, err := s.build()
	if err != nil {
		return nil, err
	}
	logger.Info("scenario built",
		"scenario", s.Name,
		"leaves", len(w.leafPaths),
		"getters", len(w.getters),
	)

	e := evaluator.New(evaluator.WithLogger(logger.Slog()))
	tree := w.tree
	rep := &report{Scenario: s.Name, Iterations: s.Iterations}

	start := time.Now()
	for it := 0; it < s.Iterations; it++ {
		if it > 0 && it%s.MutateEvery == 0 {
			// Negative values sit outside the initial leaf range, so a
			// mutation always changes tree content.
			path := w.leafPaths[it%len(w.leafPaths)]
			tree = tree.SetIn(path, -(it + 1))
			rep.Mutations++
		}
		for _, g := range w.getters {
			if _, err := e.Evaluate(ctx, tree, g, true); err != nil {
				return nil, fmt.Errorf("iteration %d: %w", it, err)
			}
			rep.Evaluations++
		}
	}
	rep.Elapsed = time.Since(start)
	rep.Stats = e.Stats()
	return rep, nil
}
