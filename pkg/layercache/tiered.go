// Copyright 2025 The Layerbuild Authors
// SPDX-License-Identifier: Apache-2.0

package layercache

import (
	"github.com/pkg/errors"

	"github.com/layerbuild/layerbuild/pkg/fingerprint"
	"github.com/layerbuild/layerbuild/pkg/layer"
)

// TieredCache composes a fast front cache with a durable back cache. Lookup
// consults front then back, populating the front on a back hit; the durable
// store is never written by a lookup. Store reaches both tiers.
type TieredCache struct {
	front Cache
	back  Cache
}

// NewTieredCache constructs a TieredCache.
func NewTieredCache(front, back Cache) *TieredCache {
	return &TieredCache{front: front, back: back}
}

// Lookup implements Cache.
func (c *TieredCache) Lookup(fp fingerprint.Fingerprint) (Entry, bool, error) {
	if e, ok, err := c.front.Lookup(fp); err != nil || ok {
		return e, ok, err
	}
	e, ok, err := c.back.Lookup(fp)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	if err := c.front.Store(fp, e.State); err != nil {
		return Entry{}, false, errors.Wrap(err, "populating front cache")
	}
	return e, true, nil
}

// Store implements Cache.
func (c *TieredCache) Store(fp fingerprint.Fingerprint, state layer.State) error {
	if err := c.back.Store(fp, state); err != nil {
		return errors.Wrap(err, "storing in back cache")
	}
	if err := c.front.Store(fp, state); err != nil {
		return errors.Wrap(err, "storing in front cache")
	}
	return nil
}

var _ Cache = &TieredCache{}
