// Copyright (C) 2026 Statekit Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package immutable provides the value model the evaluator reads state
// through: persistent Map and List containers with precomputed structural
// hashes, path lookup that degrades safely on non-tree values, and
// structural equality across both immutable and plain Go composites.
//
// # Hashing
//
// Every container computes its structural hash once, at construction.
// Hash() is therefore O(1), and content-equal containers hash equal even
// when built independently. Map hashing is entry-order independent; List
// hashing is order sensitive.
//
// # Mutation model
//
// Containers are never mutated. Set, Append and SetIn return new
// containers sharing nothing observable with the receiver; a snapshot
// handed to an evaluator stays valid forever.
package immutable

import (
	"fmt"
	"hash/fnv"
	"reflect"
	"sort"
	"strconv"

	"github.com/statekit/derive/keypath"
)

// Value is implemented by immutable containers: values that are safe to
// share without copying and that know their own structural hash.
type Value interface {
	// Hash returns the precomputed structural hash. O(1).
	Hash() uint64

	// Equal reports deep structural equality with another value.
	Equal(other any) bool
}

// =============================================================================
// Map
// =============================================================================

// Map is an immutable unordered association from keys to values.
//
// The zero Map is empty and usable.
type Map struct {
	entries map[keypath.Key]any
	hash    uint64
}

// NewMap builds a Map from the given entries. The input map is copied;
// later mutation of it does not affect the Map. Entry values are stored
// as given (use FromNative to coerce nested plain composites).
func NewMap(entries map[keypath.Key]any) Map {
	m := make(map[keypath.Key]any, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	return Map{entries: m, hash: hashMapEntries(m)}
}

// Get returns the value for key k and whether it is present.
func (m Map) Get(k keypath.Key) (any, bool) {
	v, ok := m.entries[k]
	return v, ok
}

// Len returns the number of entries.
func (m Map) Len() int { return len(m.entries) }

// Set returns a new Map with key k bound to v. The receiver is unchanged.
func (m Map) Set(k keypath.Key, v any) Map {
	next := make(map[keypath.Key]any, len(m.entries)+1)
	for key, val := range m.entries {
		next[key] = val
	}
	next[k] = v
	return Map{entries: next, hash: hashMapEntries(next)}
}

// Delete returns a new Map without key k. The receiver is unchanged.
func (m Map) Delete(k keypath.Key) Map {
	next := make(map[keypath.Key]any, len(m.entries))
	for key, val := range m.entries {
		if key != k {
			next[key] = val
		}
	}
	return Map{entries: next, hash: hashMapEntries(next)}
}

// SetIn returns a new Map with the value at path replaced by v, creating
// intermediate Maps for missing or non-Map steps. An empty path is
// rejected by returning the receiver unchanged.
func (m Map) SetIn(path keypath.Path, v any) Map {
	if len(path) == 0 {
		return m
	}
	k := path[0]
	if len(path) == 1 {
		return m.Set(k, v)
	}
	child := Map{}
	if cur, ok := m.entries[k]; ok {
		if cm, ok := cur.(Map); ok {
			child = cm
		}
	}
	return m.Set(k, child.SetIn(path[1:], v))
}

// Range calls fn for every entry until fn returns false. Iteration order
// is unspecified.
func (m Map) Range(fn func(k keypath.Key, v any) bool) {
	for k, v := range m.entries {
		if !fn(k, v) {
			return
		}
	}
}

// Hash returns the precomputed structural hash. The zero Map hashes like
// an empty constructed Map.
func (m Map) Hash() uint64 {
	if m.entries == nil {
		return emptyMapHash
	}
	return m.hash
}

// Equal reports deep structural equality with another value. Only another
// Map can be equal to a Map; plain Go maps are a different representation.
func (m Map) Equal(other any) bool {
	om, ok := other.(Map)
	if !ok {
		return false
	}
	if m.Hash() != om.Hash() || len(m.entries) != len(om.entries) {
		return false
	}
	for k, v := range m.entries {
		ov, ok := om.entries[k]
		if !ok || !DeepEqual(v, ov) {
			return false
		}
	}
	return true
}

// =============================================================================
// List
// =============================================================================

// List is an immutable ordered sequence.
//
// The zero List is empty and usable.
type List struct {
	items []any
	hash  uint64
}

// NewList builds a List from the given items.
func NewList(items ...any) List {
	copied := make([]any, len(items))
	copy(copied, items)
	return List{items: copied, hash: hashListItems(copied)}
}

// Get returns the item at index i and whether the index is in range.
func (l List) Get(i int) (any, bool) {
	if i < 0 || i >= len(l.items) {
		return nil, false
	}
	return l.items[i], true
}

// Len returns the number of items.
func (l List) Len() int { return len(l.items) }

// Append returns a new List with v appended. The receiver is unchanged.
func (l List) Append(v any) List {
	next := make([]any, len(l.items)+1)
	copy(next, l.items)
	next[len(l.items)] = v
	return List{items: next, hash: hashListItems(next)}
}

// Set returns a new List with index i replaced by v. Out-of-range indexes
// return the receiver unchanged.
func (l List) Set(i int, v any) List {
	if i < 0 || i >= len(l.items) {
		return l
	}
	next := make([]any, len(l.items))
	copy(next, l.items)
	next[i] = v
	return List{items: next, hash: hashListItems(next)}
}

// Slice returns a copy of the underlying items.
func (l List) Slice() []any {
	out := make([]any, len(l.items))
	copy(out, l.items)
	return out
}

// Hash returns the precomputed structural hash. The zero List hashes like
// an empty constructed List.
func (l List) Hash() uint64 {
	if l.items == nil {
		return emptyListHash
	}
	return l.hash
}

// Equal reports deep structural equality with another value. Only another
// List can be equal to a List.
func (l List) Equal(other any) bool {
	ol, ok := other.(List)
	if !ok {
		return false
	}
	if l.Hash() != ol.Hash() || len(l.items) != len(ol.items) {
		return false
	}
	for i := range l.items {
		if !DeepEqual(l.items[i], ol.items[i]) {
			return false
		}
	}
	return true
}

// =============================================================================
// Package functions
// =============================================================================

// Is reports whether v is an immutable container (safe to share without
// copying).
func Is(v any) bool {
	_, ok := v.(Value)
	return ok
}

// FromNative recursively coerces plain Go composites into immutable
// containers: map[string]any and map[keypath.Key]any become Maps, []any
// becomes a List. Immutable containers and scalars pass through unchanged,
// as do composite types the coercion does not understand (typed structs,
// typed slices).
func FromNative(v any) any {
	switch t := v.(type) {
	case Value:
		return v
	case map[string]any:
		entries := make(map[keypath.Key]any, len(t))
		for k, val := range t {
			entries[k] = FromNative(val)
		}
		return NewMap(entries)
	case map[keypath.Key]any:
		entries := make(map[keypath.Key]any, len(t))
		for k, val := range t {
			entries[k] = FromNative(val)
		}
		return NewMap(entries)
	case []any:
		items := make([]any, len(t))
		for i, val := range t {
			items[i] = FromNative(val)
		}
		return NewList(items...)
	default:
		return v
	}
}

// Freeze snapshots a sequence of values into an immutable List, coercing
// each element with FromNative. The evaluator uses it to record dependency
// argument snapshots for later comparison.
func Freeze(vals []any) List {
	items := make([]any, len(vals))
	for i, v := range vals {
		items[i] = FromNative(v)
	}
	return NewList(items...)
}

// GetIn resolves path inside v.
//
// If the root value does not support path lookup (a scalar, a typed
// struct), v is returned unchanged regardless of the path. During
// traversal a missing key or exhausted branch yields nil. Plain
// map[string]any, map[keypath.Key]any and []any nodes are traversable, so
// degenerate un-coerced trees still resolve.
func GetIn(v any, path keypath.Path) any {
	if len(path) == 0 {
		return v
	}
	if !supportsLookup(v) {
		return v
	}
	cur := v
	for _, k := range path {
		next, ok := lookup(cur, k)
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func supportsLookup(v any) bool {
	switch v.(type) {
	case Map, List, map[string]any, map[keypath.Key]any, []any:
		return true
	default:
		return false
	}
}

func lookup(v any, k keypath.Key) (any, bool) {
	switch t := v.(type) {
	case Map:
		return t.Get(k)
	case List:
		i, ok := k.(int)
		if !ok {
			return nil, false
		}
		return t.Get(i)
	case map[string]any:
		s, ok := k.(string)
		if !ok {
			return nil, false
		}
		val, ok := t[s]
		return val, ok
	case map[keypath.Key]any:
		val, ok := t[k]
		return val, ok
	case []any:
		i, ok := k.(int)
		if !ok || i < 0 || i >= len(t) {
			return nil, false
		}
		return t[i], true
	default:
		return nil, false
	}
}

// DeepEqual reports structural equality between two values of any mix of
// immutable containers, plain composites and scalars. Immutable containers
// compare only against their own kind; plain composites compare
// element-wise; opaque leaves fall back to reflect.DeepEqual.
func DeepEqual(a, b any) bool {
	if av, ok := a.(Value); ok {
		return av.Equal(b)
	}
	if _, ok := b.(Value); ok {
		return false
	}
	switch at := a.(type) {
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, ok := bt[k]
			if !ok || !DeepEqual(av, bv) {
				return false
			}
		}
		return true
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !DeepEqual(at[i], bt[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

// =============================================================================
// Hashing
// =============================================================================

// Type tags keep values of different kinds from colliding on identical
// byte content.
const (
	tagNil    = "nil"
	tagBool   = "bool:"
	tagInt    = "int:"
	tagUint   = "uint:"
	tagFloat  = "float:"
	tagString = "string:"
	tagFunc   = "func:"
	tagOpaque = "opaque:"
)

// HashValue returns a stable structural hash for an arbitrary value.
//
// Immutable containers answer from their cached hash. Plain composites
// hash recursively with the same entry/item scheme the containers use, so
// FromNative does not change a value's hash. Functions hash by reference
// identity. Opaque leaves hash through their reflected type and formatted
// content, which is stable within a process lifetime.
func HashValue(v any) uint64 {
	if val, ok := v.(Value); ok {
		return val.Hash()
	}
	switch t := v.(type) {
	case nil:
		return hashString(tagNil)
	case bool:
		return hashString(tagBool + strconv.FormatBool(t))
	case int:
		return hashString(tagInt + strconv.FormatInt(int64(t), 10))
	case int8:
		return hashString(tagInt + strconv.FormatInt(int64(t), 10))
	case int16:
		return hashString(tagInt + strconv.FormatInt(int64(t), 10))
	case int32:
		return hashString(tagInt + strconv.FormatInt(int64(t), 10))
	case int64:
		return hashString(tagInt + strconv.FormatInt(t, 10))
	case uint:
		return hashString(tagUint + strconv.FormatUint(uint64(t), 10))
	case uint8:
		return hashString(tagUint + strconv.FormatUint(uint64(t), 10))
	case uint16:
		return hashString(tagUint + strconv.FormatUint(uint64(t), 10))
	case uint32:
		return hashString(tagUint + strconv.FormatUint(uint64(t), 10))
	case uint64:
		return hashString(tagUint + strconv.FormatUint(t, 10))
	case float32:
		return hashString(tagFloat + strconv.FormatFloat(float64(t), 'g', -1, 64))
	case float64:
		return hashString(tagFloat + strconv.FormatFloat(t, 'g', -1, 64))
	case string:
		return hashString(tagString + t)
	case map[string]any:
		entries := make(map[keypath.Key]any, len(t))
		for k, val := range t {
			entries[k] = val
		}
		return hashMapEntries(entries)
	case map[keypath.Key]any:
		return hashMapEntries(t)
	case []any:
		return hashListItems(t)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Func {
		return hashString(tagFunc + strconv.FormatUint(uint64(rv.Pointer()), 16))
	}
	return hashString(tagOpaque + rv.Type().String() + ":" + formatOpaque(v))
}

// Hashes of the zero containers, so Map{} and List{} agree with their
// constructed empty counterparts.
var (
	emptyMapHash  = hashMapEntries(nil)
	emptyListHash = hashListItems(nil)
)

func hashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// hashMapEntries combines per-entry hashes order-independently: each
// key/value pair is hashed on its own, the pair hashes are sorted and then
// folded sequentially. Sorting keeps the result deterministic without
// relying on XOR, which would cancel out duplicate pairs.
func hashMapEntries(entries map[keypath.Key]any) uint64 {
	pairs := make([]uint64, 0, len(entries))
	for k, v := range entries {
		h := fnv.New64a()
		writeUint64(h.Write, HashValue(k))
		writeUint64(h.Write, HashValue(v))
		pairs = append(pairs, h.Sum64())
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i] < pairs[j] })
	h := fnv.New64a()
	h.Write([]byte("map:"))
	writeUint64(h.Write, uint64(len(entries)))
	for _, p := range pairs {
		writeUint64(h.Write, p)
	}
	return h.Sum64()
}

func hashListItems(items []any) uint64 {
	h := fnv.New64a()
	h.Write([]byte("list:"))
	writeUint64(h.Write, uint64(len(items)))
	for _, v := range items {
		writeUint64(h.Write, HashValue(v))
	}
	return h.Sum64()
}

func writeUint64(write func([]byte) (int, error), v uint64) {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	write(buf[:]) //nolint:errcheck // fnv writes cannot fail
}

// formatOpaque renders an opaque leaf deterministically enough for
// hashing. %#v is stable for structs and typed slices within a process,
// which is the only stability window fingerprints require. Reference
// kinds hash by identity instead, mirroring function hashing.
func formatOpaque(v any) string {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Chan, reflect.UnsafePointer:
		return strconv.FormatUint(uint64(rv.Pointer()), 16)
	default:
		return fmt.Sprintf("%#v", v)
	}
}
