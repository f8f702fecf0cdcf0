// Copyright 2025 The Layerbuild Authors
// SPDX-License-Identifier: Apache-2.0

// Package layercache maps step fingerprints to committed layer states.
// Entries are create-once: a changed step produces a new fingerprint and a
// new entry, never an overwrite, mirroring image-layer immutability.
package layercache

import (
	"time"

	"github.com/layerbuild/layerbuild/internal/syncx"
	"github.com/layerbuild/layerbuild/pkg/fingerprint"
	"github.com/layerbuild/layerbuild/pkg/layer"
)

// Entry is a committed layer keyed by the fingerprint that produced it.
type Entry struct {
	Fingerprint fingerprint.Fingerprint
	State       layer.State
	CreatedAt   time.Time
}

// Cache stores materialized layer states by fingerprint.
//
// Lookup has no side effects. Store is a no-op, not an error, when an entry
// for the fingerprint already exists, so concurrent builds computing the
// same fingerprint converge on one entry. No delete is exposed on the build
// path; eviction is an administrative concern outside this interface.
type Cache interface {
	Lookup(fp fingerprint.Fingerprint) (Entry, bool, error)
	Store(fp fingerprint.Fingerprint, state layer.State) error
}

// MemoryCache is an in-process Cache safe for concurrent use by independent
// builds. Insert races on the same fingerprint resolve to a single winner
// via insert-if-absent.
type MemoryCache struct {
	entries syncx.Map[fingerprint.Fingerprint, Entry]
}

// NewMemoryCache constructs an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

// Lookup implements Cache.
func (c *MemoryCache) Lookup(fp fingerprint.Fingerprint) (Entry, bool, error) {
	e, ok := c.entries.Load(fp)
	return e, ok, nil
}

// Store implements Cache.
func (c *MemoryCache) Store(fp fingerprint.Fingerprint, state layer.State) error {
	c.entries.LoadOrStore(fp, Entry{
		Fingerprint: fp,
		State:       state,
		CreatedAt:   time.Now().UTC(),
	})
	return nil
}

// Len returns the number of committed entries.
func (c *MemoryCache) Len() int {
	return c.entries.Len()
}

var _ Cache = &MemoryCache{}
