// Copyright (C) 2026 Statekit Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package getter defines the runtime shape of a derived-value descriptor:
// an ordered sequence of dependencies (key paths or other getters) plus a
// pure compute function over the resolved dependency values.
//
// Getters are immutable once constructed and carry a deterministic
// fingerprint used as their cache identity.
package getter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"reflect"

	"github.com/statekit/derive/keypath"
)

// ComputeFunc derives a value from resolved dependency values, passed in
// dependency order.
//
// Compute functions must be pure: same args, same result, no observable
// side effects. The evaluator's unchanged-dependency fast path skips
// invocations whose inputs it can prove identical, so a side-effecting
// compute function will have those side effects silently elided.
//
// A returned error propagates out of evaluation unchanged and leaves any
// previously cached result for the getter intact.
type ComputeFunc func(args ...any) (any, error)

// ErrInvalidDependency is returned by New for a dependency that is neither
// a keypath.Path nor a *Getter.
var ErrInvalidDependency = errors.New("getter dependency is neither a key path nor a getter")

// Getter describes a derived value: ordered dependencies plus one compute
// function. Construct with New; the zero value is not usable.
type Getter struct {
	deps    []any
	compute ComputeFunc

	// fingerprint is computed lazily and memoized. Recomputation is
	// idempotent, so a racing double-write is harmless even though the
	// evaluator itself is single-threaded.
	fingerprint    uint64
	fingerprintSet bool
}

// New builds a Getter from a compute function and its dependencies. Each
// dependency must be a keypath.Path or a *Getter; anything else fails with
// ErrInvalidDependency. A getter may have zero dependencies (a constant
// derivation).
func New(compute ComputeFunc, deps ...any) (*Getter, error) {
	if compute == nil {
		return nil, fmt.Errorf("%w: compute function is nil", ErrInvalidDependency)
	}
	copied := make([]any, len(deps))
	for i, d := range deps {
		switch d.(type) {
		case keypath.Path, *Getter:
			copied[i] = d
		default:
			return nil, fmt.Errorf("%w: dependency %d has type %T", ErrInvalidDependency, i, d)
		}
	}
	return &Getter{deps: copied, compute: compute}, nil
}

// MustNew is New for statically known-good getters; it panics on error.
// Intended for tests and package-level getter declarations.
func MustNew(compute ComputeFunc, deps ...any) *Getter {
	g, err := New(compute, deps...)
	if err != nil {
		panic(err)
	}
	return g
}

// Dependencies returns the ordered dependency descriptors. The returned
// slice is a copy; the descriptors themselves are shared (they are
// immutable).
func (g *Getter) Dependencies() []any {
	out := make([]any, len(g.deps))
	copy(out, g.deps)
	return out
}

// Compute returns the compute function.
func (g *Getter) Compute() ComputeFunc {
	return g.compute
}

// Fingerprint returns the getter's stable identity hash, the cache key for
// its derived value.
//
// The fingerprint covers the dependency structure (recursively, in order)
// and the compute function's reference identity, taken as the function's
// code pointer. Two getters over the same dependencies with the same
// function value, or with closures instantiated from the same function
// literal, therefore share a fingerprint; a compute closure must be fully
// determined by its code and its dependency values, never by captured
// state, or cache entries will alias incorrectly.
func (g *Getter) Fingerprint() uint64 {
	if g.fingerprintSet {
		return g.fingerprint
	}
	h := fnv.New64a()
	h.Write([]byte("getter:"))
	writeUint64(h, uint64(reflect.ValueOf(g.compute).Pointer()))
	writeUint64(h, uint64(len(g.deps)))
	for _, d := range g.deps {
		switch t := d.(type) {
		case keypath.Path:
			h.Write([]byte{'p'})
			writeUint64(h, t.Fingerprint())
		case *Getter:
			h.Write([]byte{'g'})
			writeUint64(h, t.Fingerprint())
		}
	}
	g.fingerprint = h.Sum64()
	g.fingerprintSet = true
	return g.fingerprint
}

func writeUint64(w io.Writer, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	w.Write(buf[:]) //nolint:errcheck // fnv writes cannot fail
}
