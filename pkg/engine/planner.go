// Copyright 2025 The Layerbuild Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine plans, executes, and orchestrates provisioning steps
// against content-addressed layer snapshots. The engine returns results to
// its caller; it never parses recipe text or prints.
package engine

import (
	"github.com/pkg/errors"

	"github.com/layerbuild/layerbuild/pkg/fingerprint"
	"github.com/layerbuild/layerbuild/pkg/layer"
	"github.com/layerbuild/layerbuild/pkg/layercache"
	"github.com/layerbuild/layerbuild/pkg/plan"
)

// Action is the planner's decision for one step.
type Action int

const (
	// Execute runs the step because no cached layer exists for its fingerprint.
	Execute Action = iota
	// Reuse advances to the cached layer without invoking the executor.
	Reuse
)

func (a Action) String() string {
	switch a {
	case Execute:
		return "execute"
	case Reuse:
		return "reuse"
	default:
		return "unknown"
	}
}

// PlannedStep pairs a step with its fingerprint and the planner's decision.
// Layer holds the cached state when Action is Reuse.
type PlannedStep struct {
	Step        plan.Step
	Fingerprint fingerprint.Fingerprint
	Action      Action
	Layer       layer.State
}

// Planner decides which steps of a build can be reused from the layer cache.
type Planner struct {
	hasher *fingerprint.Hasher
	cache  layercache.Cache
}

// NewPlanner constructs a Planner.
func NewPlanner(hasher *fingerprint.Hasher, cache layercache.Cache) *Planner {
	return &Planner{hasher: hasher, cache: cache}
}

// Plan walks steps in declared order, fingerprinting each against the
// previous step's fingerprint and consulting the cache. The fingerprint
// advances whether or not the step hit: the logical result of a reused
// layer is identical to a recomputed one, so a hit is behaviorally
// indistinguishable from re-execution.
func (p *Planner) Plan(steps []plan.Step) ([]PlannedStep, error) {
	planned := make([]PlannedStep, 0, len(steps))
	previous := fingerprint.Root()
	for i, step := range steps {
		fp, err := p.hasher.Fingerprint(previous, step)
		if err != nil {
			return nil, errors.Wrapf(err, "fingerprinting step %d (%s)", i, step.Kind)
		}
		ps := PlannedStep{Step: step, Fingerprint: fp, Action: Execute}
		if entry, ok, err := p.cache.Lookup(fp); err != nil {
			return nil, errors.Wrapf(err, "consulting cache for step %d (%s)", i, step.Kind)
		} else if ok {
			ps.Action = Reuse
			ps.Layer = entry.State
		}
		planned = append(planned, ps)
		previous = fp
	}
	return planned, nil
}
