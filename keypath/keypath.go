// Copyright (C) 2026 Statekit Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package keypath defines the KeyPath value type: an ordered sequence of
// keys locating a value inside a state tree.
//
// A Path has no identity beyond its content. Two paths built independently
// from the same keys are interchangeable everywhere in this module,
// including as evaluation targets.
package keypath

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// Key is a single step in a path: a map key or a list index.
//
// In practice keys are strings (map access) or ints (list access), but any
// comparable scalar works as long as the underlying tree understands it.
type Key = any

// Path is an ordered sequence of keys. Treat it as immutable once built;
// callers must not mutate a Path that has been handed to an evaluator or
// embedded in a getter.
type Path []Key

// New builds a Path from the given keys.
func New(keys ...Key) Path {
	p := make(Path, len(keys))
	copy(p, keys)
	return p
}

// Parse builds a Path from a dot-separated string. Segments that parse as
// base-10 integers become int keys (list indices), everything else stays a
// string key.
//
// Parse("users.3.name") == New("users", 3, "name")
func Parse(s string) Path {
	if s == "" {
		return Path{}
	}
	segments := strings.Split(s, ".")
	p := make(Path, 0, len(segments))
	for _, seg := range segments {
		if idx, err := strconv.Atoi(seg); err == nil {
			p = append(p, idx)
			continue
		}
		p = append(p, seg)
	}
	return p
}

// Fingerprint returns a stable identity hash of the path content.
//
// Equal paths always fingerprint equal within a process lifetime; the hash
// is order-sensitive and length-prefixed per key, so ("ab","c") and
// ("a","bc") do not collide.
func (p Path) Fingerprint() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(p)))
	h.Write(buf[:])
	for _, k := range p {
		enc := encodeKey(k)
		binary.LittleEndian.PutUint64(buf[:], uint64(len(enc)))
		h.Write(buf[:])
		h.Write([]byte(enc))
	}
	return h.Sum64()
}

// Equal reports whether two paths have identical keys in identical order.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if encodeKey(p[i]) != encodeKey(other[i]) {
			return false
		}
	}
	return true
}

// String renders the path in the dot-separated form accepted by Parse.
func (p Path) String() string {
	segments := make([]string, len(p))
	for i, k := range p {
		segments[i] = fmt.Sprintf("%v", k)
	}
	return strings.Join(segments, ".")
}

// encodeKey produces a type-tagged textual encoding so that the string "3"
// and the int 3 remain distinct keys.
func encodeKey(k Key) string {
	switch v := k.(type) {
	case string:
		return "s:" + v
	case int:
		return "i:" + strconv.Itoa(v)
	case int64:
		return "i:" + strconv.FormatInt(v, 10)
	case uint64:
		return "u:" + strconv.FormatUint(v, 10)
	case bool:
		return "b:" + strconv.FormatBool(v)
	case float64:
		return "f:" + strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("x:%T:%v", k, k)
	}
}
