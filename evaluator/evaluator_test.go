// Copyright (C) 2026 Statekit Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package evaluator

import (
	"context"
	"errors"
	"testing"

	"github.com/statekit/derive/getter"
	"github.com/statekit/derive/immutable"
	"github.com/statekit/derive/keypath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTree builds the baseline state snapshot used across tests.
func testTree() immutable.Map {
	return immutable.FromNative(map[string]any{
		"users": map[string]any{
			"alice": map[string]any{"age": 30, "name": "alice"},
			"bob":   map[string]any{"age": 41, "name": "bob"},
		},
		"settings": map[string]any{"theme": "dark"},
	}).(immutable.Map)
}

// countingCompute wraps a compute function and counts invocations.
type countingCompute struct {
	calls int
	fn    getter.ComputeFunc
}

func (c *countingCompute) compute(args ...any) (any, error) {
	c.calls++
	return c.fn(args...)
}

func sumAges(args ...any) (any, error) {
	total := 0
	for _, a := range args {
		total += a.(int)
	}
	return total, nil
}

func TestEvaluateKeyPath(t *testing.T) {
	ctx := context.Background()
	e := New()
	tree := testTree()

	t.Run("returns the value at the path", func(t *testing.T) {
		v, err := e.Evaluate(ctx, tree, keypath.Parse("users.alice.age"), true)
		require.NoError(t, err)
		assert.Equal(t, 30, v)
	})

	t.Run("missing path yields nil", func(t *testing.T) {
		v, err := e.Evaluate(ctx, tree, keypath.Parse("users.carol.age"), true)
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("scalar state is returned unchanged", func(t *testing.T) {
		v, err := e.Evaluate(ctx, 42, keypath.Parse("anything"), true)
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	})

	t.Run("key paths are never cached", func(t *testing.T) {
		assert.Equal(t, 0, e.Stats().Entries)
	})
}

func TestEvaluateInvalidTarget(t *testing.T) {
	ctx := context.Background()
	e := New()

	_, err := e.Evaluate(ctx, testTree(), "not a target", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.Equal(t, 0, e.Stats().Entries, "cache must be untouched")
}

func TestEvaluateGetterMemoization(t *testing.T) {
	ctx := context.Background()
	tree := testTree()

	t.Run("same snapshot invokes compute at most once", func(t *testing.T) {
		e := New()
		cc := &countingCompute{fn: sumAges}
		g := getter.MustNew(cc.compute,
			keypath.Parse("users.alice.age"),
			keypath.Parse("users.bob.age"),
		)

		v1, err := e.Evaluate(ctx, tree, g, true)
		require.NoError(t, err)
		v2, err := e.Evaluate(ctx, tree, g, true)
		require.NoError(t, err)

		assert.Equal(t, 71, v1)
		assert.Equal(t, v1, v2)
		assert.Equal(t, 1, cc.calls)

		stats := e.Stats()
		assert.Equal(t, int64(1), stats.Hits)
		assert.Equal(t, int64(1), stats.Misses)
		assert.Equal(t, 1, stats.Entries)
	})

	t.Run("content-equal rebuilt snapshot is still an exact hit", func(t *testing.T) {
		e := New()
		cc := &countingCompute{fn: sumAges}
		g := getter.MustNew(cc.compute, keypath.Parse("users.alice.age"))

		_, err := e.Evaluate(ctx, testTree(), g, true)
		require.NoError(t, err)
		_, err = e.Evaluate(ctx, testTree(), g, true)
		require.NoError(t, err)
		assert.Equal(t, 1, cc.calls, "identical content means identical structural hash")
	})
}

func TestStaleButUnchangedFastPath(t *testing.T) {
	ctx := context.Background()
	e := New()
	cc := &countingCompute{fn: sumAges}
	g := getter.MustNew(cc.compute,
		keypath.Parse("users.alice.age"),
		keypath.Parse("users.bob.age"),
	)

	tree := testTree()
	v1, err := e.Evaluate(ctx, tree, g, true)
	require.NoError(t, err)
	require.Equal(t, 1, cc.calls)

	// Mutate a part of the tree the getter does not depend on.
	changed := tree.SetIn(keypath.Parse("settings.theme"), "light")
	require.NotEqual(t, tree.Hash(), changed.Hash())

	v2, err := e.Evaluate(ctx, changed, g, true)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, cc.calls, "compute must not re-run for unchanged dependencies")
	assert.Equal(t, int64(1), e.Stats().FastPathHits)

	// The entry's state hash was refreshed, so the next call is exact.
	_, err = e.Evaluate(ctx, changed, g, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Stats().Hits)
	assert.Equal(t, int64(1), e.Stats().FastPathHits)
}

func TestChangedDependencyRecomputes(t *testing.T) {
	ctx := context.Background()
	e := New()
	cc := &countingCompute{fn: sumAges}
	g := getter.MustNew(cc.compute,
		keypath.Parse("users.alice.age"),
		keypath.Parse("users.bob.age"),
	)

	tree := testTree()
	v1, err := e.Evaluate(ctx, tree, g, true)
	require.NoError(t, err)
	assert.Equal(t, 71, v1)

	changed := tree.SetIn(keypath.Parse("users.alice.age"), 31)
	v2, err := e.Evaluate(ctx, changed, g, true)
	require.NoError(t, err)
	assert.Equal(t, 72, v2)
	assert.Equal(t, 2, cc.calls)

	// The new value and state hash became the cache entry.
	v3, err := e.Evaluate(ctx, changed, g, true)
	require.NoError(t, err)
	assert.Equal(t, 72, v3)
	assert.Equal(t, 2, cc.calls)
	assert.Equal(t, int64(1), e.Stats().Hits)
}

func TestNestedGetters(t *testing.T) {
	ctx := context.Background()
	e := New()

	inner := getter.MustNew(sumAges,
		keypath.Parse("users.alice.age"),
		keypath.Parse("users.bob.age"),
	)
	cc := &countingCompute{fn: func(args ...any) (any, error) {
		return args[0].(int) * 2, nil
	}}
	outer := getter.MustNew(cc.compute, inner)

	v, err := e.Evaluate(ctx, testTree(), outer, true)
	require.NoError(t, err)
	assert.Equal(t, 142, v)

	// Both the outer and the inner getter are tracked.
	assert.Equal(t, 2, e.Stats().Entries)

	// Re-evaluating the outer getter is an exact hit; the inner entry is
	// not consulted again.
	_, err = e.Evaluate(ctx, testTree(), outer, true)
	require.NoError(t, err)
	assert.Equal(t, 1, cc.calls)
}

func TestUntrack(t *testing.T) {
	ctx := context.Background()
	e := New()
	cc := &countingCompute{fn: sumAges}
	g := getter.MustNew(cc.compute, keypath.Parse("users.alice.age"))
	tree := testTree()

	_, err := e.Evaluate(ctx, tree, g, true)
	require.NoError(t, err)
	require.Equal(t, 1, e.Stats().Entries)

	e.Untrack(ctx, g)
	assert.Equal(t, 0, e.Stats().Entries)
	assert.Equal(t, int64(1), e.Stats().Untracks)

	// Next evaluation behaves as first-time, same tree or not.
	_, err = e.Evaluate(ctx, tree, g, true)
	require.NoError(t, err)
	assert.Equal(t, 2, cc.calls)

	t.Run("untracking an absent entry is a no-op", func(t *testing.T) {
		other := getter.MustNew(sumAges, keypath.Parse("users.bob.age"))
		e.Untrack(ctx, other)
		assert.Equal(t, int64(1), e.Stats().Untracks)
	})
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	e := New()
	tree := testTree()

	ccA := &countingCompute{fn: sumAges}
	ccB := &countingCompute{fn: sumAges}
	a := getter.MustNew(ccA.compute, keypath.Parse("users.alice.age"))
	b := getter.MustNew(ccB.compute, keypath.Parse("users.bob.age"))

	_, err := e.Evaluate(ctx, tree, a, true)
	require.NoError(t, err)
	_, err = e.Evaluate(ctx, tree, b, true)
	require.NoError(t, err)
	require.Equal(t, 2, e.Stats().Entries)

	e.Reset()
	assert.Equal(t, 0, e.Stats().Entries)

	_, err = e.Evaluate(ctx, tree, a, true)
	require.NoError(t, err)
	_, err = e.Evaluate(ctx, tree, b, true)
	require.NoError(t, err)
	assert.Equal(t, 2, ccA.calls)
	assert.Equal(t, 2, ccB.calls)
}

func TestTrackFlag(t *testing.T) {
	ctx := context.Background()
	tree := testTree()

	t.Run("untracked evaluation creates no entry", func(t *testing.T) {
		e := New()
		cc := &countingCompute{fn: sumAges}
		g := getter.MustNew(cc.compute, keypath.Parse("users.alice.age"))

		_, err := e.Evaluate(ctx, tree, g, false)
		require.NoError(t, err)
		assert.Equal(t, 0, e.Stats().Entries)

		// Without an entry every call recomputes.
		_, err = e.Evaluate(ctx, tree, g, false)
		require.NoError(t, err)
		assert.Equal(t, 2, cc.calls)
	})

	t.Run("untracked evaluation still consults and refreshes an existing entry", func(t *testing.T) {
		e := New()
		cc := &countingCompute{fn: sumAges}
		g := getter.MustNew(cc.compute, keypath.Parse("users.alice.age"))

		_, err := e.Evaluate(ctx, tree, g, true)
		require.NoError(t, err)

		// Exact hit with track=false.
		_, err = e.Evaluate(ctx, tree, g, false)
		require.NoError(t, err)
		assert.Equal(t, 1, cc.calls)

		// Changed dependency with track=false still overwrites the
		// existing entry.
		changed := tree.SetIn(keypath.Parse("users.alice.age"), 99)
		v, err := e.Evaluate(ctx, changed, g, false)
		require.NoError(t, err)
		assert.Equal(t, 99, v)
		assert.Equal(t, 1, e.Stats().Entries)

		// The overwrite is observable as an exact hit on the new state.
		_, err = e.Evaluate(ctx, changed, g, false)
		require.NoError(t, err)
		assert.Equal(t, 2, cc.calls)
	})
}

func TestDereference(t *testing.T) {
	ctx := context.Background()
	tree := testTree()

	t.Run("mutable composite values are defensively copied", func(t *testing.T) {
		e := New()
		g := getter.MustNew(func(args ...any) (any, error) {
			return map[string]any{"age": args[0]}, nil
		}, keypath.Parse("users.alice.age"))

		fresh, err := e.Evaluate(ctx, tree, g, true)
		require.NoError(t, err)

		cached, err := e.Evaluate(ctx, tree, g, true)
		require.NoError(t, err)

		// Mutate the returned map; the cache must not see it.
		cached.(map[string]any)["age"] = -1
		again, err := e.Evaluate(ctx, tree, g, true)
		require.NoError(t, err)
		assert.Equal(t, 30, again.(map[string]any)["age"])
		assert.Equal(t, 30, fresh.(map[string]any)["age"])
	})

	t.Run("immutable values are identity-shared", func(t *testing.T) {
		e := New()
		result := immutable.NewList("shared")
		g := getter.MustNew(func(args ...any) (any, error) {
			return result, nil
		}, keypath.Parse("settings.theme"))

		_, err := e.Evaluate(ctx, tree, g, true)
		require.NoError(t, err)
		cached, err := e.Evaluate(ctx, tree, g, true)
		require.NoError(t, err)

		assert.True(t, result.Equal(cached), "cached value is the same immutable list")
		assert.True(t, immutable.Is(cached))
	})

	t.Run("scalar values pass through", func(t *testing.T) {
		e := New()
		g := getter.MustNew(sumAges, keypath.Parse("users.alice.age"))
		_, err := e.Evaluate(ctx, tree, g, true)
		require.NoError(t, err)
		v, err := e.Evaluate(ctx, tree, g, true)
		require.NoError(t, err)
		assert.Equal(t, 30, v)
	})
}

func TestComputeErrorPropagation(t *testing.T) {
	ctx := context.Background()
	tree := testTree()
	boom := errors.New("boom")

	t.Run("error propagates unchanged with no cache write", func(t *testing.T) {
		e := New()
		g := getter.MustNew(func(args ...any) (any, error) {
			return nil, boom
		}, keypath.Parse("users.alice.age"))

		_, err := e.Evaluate(ctx, tree, g, true)
		require.ErrorIs(t, err, boom)
		assert.Equal(t, err, boom, "error must not be wrapped")
		assert.Equal(t, 0, e.Stats().Entries)
	})

	t.Run("previous entry survives a failed recompute", func(t *testing.T) {
		e := New()
		fail := false
		cc := &countingCompute{fn: func(args ...any) (any, error) {
			if fail {
				return nil, boom
			}
			return args[0], nil
		}}
		g := getter.MustNew(cc.compute, keypath.Parse("users.alice.age"))

		v1, err := e.Evaluate(ctx, tree, g, true)
		require.NoError(t, err)
		assert.Equal(t, 30, v1)

		fail = true
		changed := tree.SetIn(keypath.Parse("users.alice.age"), 31)
		_, err = e.Evaluate(ctx, changed, g, true)
		require.ErrorIs(t, err, boom)

		// The old entry is intact: evaluating against the original tree
		// is still an exact hit with the old value.
		hitsBefore := e.Stats().Hits
		v2, err := e.Evaluate(ctx, tree, g, true)
		require.NoError(t, err)
		assert.Equal(t, 30, v2)
		assert.Equal(t, hitsBefore+1, e.Stats().Hits)
	})

	t.Run("dependency error propagates through the parent getter", func(t *testing.T) {
		e := New()
		failing := getter.MustNew(func(args ...any) (any, error) {
			return nil, boom
		}, keypath.Parse("users.alice.age"))
		parent := getter.MustNew(sumAges, failing)

		_, err := e.Evaluate(ctx, tree, parent, true)
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 0, e.Stats().Entries)
	})
}

func TestDegenerateState(t *testing.T) {
	ctx := context.Background()
	e := New()

	// A getter evaluated against a scalar state: the key path dependency
	// degrades to the state itself.
	g := getter.MustNew(func(args ...any) (any, error) {
		return args[0], nil
	}, keypath.Parse("whatever"))

	v, err := e.Evaluate(ctx, "just a string", g, true)
	require.NoError(t, err)
	assert.Equal(t, "just a string", v)
}
