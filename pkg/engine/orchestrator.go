// Copyright 2025 The Layerbuild Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/layerbuild/layerbuild/pkg/fingerprint"
	"github.com/layerbuild/layerbuild/pkg/layer"
	"github.com/layerbuild/layerbuild/pkg/layercache"
	"github.com/layerbuild/layerbuild/pkg/plan"
)

// BuildState is the orchestrator's state machine position.
type BuildState int

const (
	// StatePending means the build has not started.
	StatePending BuildState = iota
	// StateRunning means steps are being applied.
	StateRunning
	// StateSucceeded means every step was applied or reused.
	StateSucceeded
	// StateFailed means the build halted on its first error.
	StateFailed
)

func (s BuildState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StepOutcome records one step's planning decision and execution result.
type StepOutcome struct {
	Fingerprint fingerprint.Fingerprint
	// Cached is true when the step's layer was reused from the cache.
	Cached   bool
	Duration time.Duration
	Err      error
}

// Result is the orchestrator's report to its caller: the final layer on
// success, the per-step telemetry either way, and the halting error on
// failure. Already-committed cache entries from earlier steps remain valid
// regardless of the terminal state.
type Result struct {
	State BuildState
	Final layer.State
	Steps []StepOutcome
	Err   error
}

// Options tunes one orchestrated build.
type Options struct {
	// OnStep, if set, observes each step outcome as it is recorded.
	OnStep func(StepOutcome)
}

// Orchestrator drives the planner and executor across a full step
// sequence, enforcing strict ordering and short-circuiting on first
// failure.
type Orchestrator struct {
	planner  *Planner
	executor *Executor
	cache    layercache.Cache
}

// NewOrchestrator constructs an Orchestrator. The cache must be the one the
// planner consults so stored layers are visible to subsequent builds.
func NewOrchestrator(planner *Planner, executor *Executor, cache layercache.Cache) *Orchestrator {
	return &Orchestrator{planner: planner, executor: executor, cache: cache}
}

// Run executes the build. Steps run strictly sequentially: step i+1 never
// begins before step i's layer, reused or executed, is committed.
// Cancellation is cooperative, checked before each step and never mid-step;
// on cancellation the accumulated result is returned as Failed without
// invalidating any committed entry.
func (o *Orchestrator) Run(ctx context.Context, steps []plan.Step, opts Options) Result {
	planned, err := o.planner.Plan(steps)
	if err != nil {
		return Result{State: StateFailed, Err: errors.Wrap(err, "planning build")}
	}
	result := Result{State: StateRunning, Final: layer.Empty()}
	for i, ps := range planned {
		if err := ctx.Err(); err != nil {
			result.State = StateFailed
			result.Err = errors.Wrapf(err, "build cancelled before step %d (%s)", i, ps.Step.Kind)
			return result
		}
		start := time.Now()
		outcome := StepOutcome{Fingerprint: ps.Fingerprint, Cached: ps.Action == Reuse}
		switch ps.Action {
		case Reuse:
			result.Final = ps.Layer
		case Execute:
			next, err := o.executor.Execute(ctx, ps.Step, result.Final)
			if err != nil {
				outcome.Duration = time.Since(start)
				outcome.Err = err
				result.Steps = append(result.Steps, outcome)
				if opts.OnStep != nil {
					opts.OnStep(outcome)
				}
				result.State = StateFailed
				result.Err = errors.Wrapf(err, "step %d (%s)", i, ps.Step.Kind)
				return result
			}
			if err := o.cache.Store(ps.Fingerprint, next); err != nil {
				outcome.Duration = time.Since(start)
				outcome.Err = err
				result.Steps = append(result.Steps, outcome)
				if opts.OnStep != nil {
					opts.OnStep(outcome)
				}
				result.State = StateFailed
				result.Err = errors.Wrapf(err, "committing layer for step %d (%s)", i, ps.Step.Kind)
				return result
			}
			result.Final = next
		}
		outcome.Duration = time.Since(start)
		result.Steps = append(result.Steps, outcome)
		if opts.OnStep != nil {
			opts.OnStep(outcome)
		}
	}
	result.State = StateSucceeded
	return result
}
