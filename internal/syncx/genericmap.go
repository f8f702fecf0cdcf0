// Copyright 2025 The Layerbuild Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncx provides small typed concurrency helpers.
package syncx

import (
	"iter"
	"sync"
)

// Map is a type-safe wrapper around sync.Map. Its insert-if-absent
// semantics (LoadOrStore) back the engine's create-once cache entries.
type Map[K comparable, V any] struct {
	m sync.Map
}

// Load returns the value stored for key, or the zero value if absent.
// The ok result indicates whether the value was found.
func (m *Map[K, V]) Load(key K) (value V, ok bool) {
	v, ok := m.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// LoadOrStore returns the existing value for key if present. Otherwise it
// stores and returns the given value. The loaded result is true if the
// value was loaded, false if stored.
func (m *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	a, loaded := m.m.LoadOrStore(key, value)
	return a.(V), loaded
}

// Store sets the value for key.
func (m *Map[K, V]) Store(key K, value V) {
	m.m.Store(key, value)
}

// Delete deletes the value for key.
func (m *Map[K, V]) Delete(key K) {
	m.m.Delete(key)
}

// Len counts the entries currently in the map.
func (m *Map[K, V]) Len() int {
	n := 0
	m.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Values returns an iterator over the values in the map. Iteration order is
// unspecified.
func (m *Map[K, V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		m.m.Range(func(_, value any) bool {
			return yield(value.(V))
		})
	}
}
