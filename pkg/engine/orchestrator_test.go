// Copyright 2025 The Layerbuild Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"github.com/layerbuild/layerbuild/pkg/fingerprint"
	"github.com/layerbuild/layerbuild/pkg/layer"
	"github.com/layerbuild/layerbuild/pkg/layercache"
	"github.com/layerbuild/layerbuild/pkg/plan"
)

type orchestratorFixture struct {
	orchestrator *Orchestrator
	cache        *layercache.MemoryCache
	resolver     *fakeResolver
	runner       *fakeRunner
}

func newOrchestratorFixture(t *testing.T, files map[string]string) *orchestratorFixture {
	t.Helper()
	source := sourceWith(t, files)
	cache := layercache.NewMemoryCache()
	resolver := &fakeResolver{states: map[string]layer.State{"base": baseImageState("v1")}}
	runner := markerRunner()
	executor := NewExecutor(ExecutorConfig{Images: resolver, Runner: runner, Source: source})
	planner := NewPlanner(fingerprint.NewHasher(source), cache)
	return &orchestratorFixture{
		orchestrator: NewOrchestrator(planner, executor, cache),
		cache:        cache,
		resolver:     resolver,
		runner:       runner,
	}
}

func TestOrchestratorColdThenWarmBuild(t *testing.T) {
	fx := newOrchestratorFixture(t, map[string]string{"a.txt": "alpha"})
	steps := []plan.Step{
		plan.NewBaseImageStep("base"),
		plan.NewCopyStep(plan.CopyRule{Src: "a.txt", Dest: "/app/a.txt"}),
	}
	first := fx.orchestrator.Run(context.Background(), steps, Options{})
	if first.State != StateSucceeded {
		t.Fatalf("first build state = %s, err = %v, want succeeded", first.State, first.Err)
	}
	if len(first.Steps) != 2 {
		t.Fatalf("first build outcomes = %d, want 2", len(first.Steps))
	}
	for i, outcome := range first.Steps {
		if outcome.Cached {
			t.Errorf("first build step %d cached, want miss", i)
		}
	}
	if fx.cache.Len() != 2 {
		t.Errorf("cache entries = %d, want 2", fx.cache.Len())
	}
	resolverCalls, runnerCalls := fx.resolver.callCount(), fx.runner.callCount()

	second := fx.orchestrator.Run(context.Background(), steps, Options{})
	if second.State != StateSucceeded {
		t.Fatalf("second build state = %s, err = %v, want succeeded", second.State, second.Err)
	}
	for i, outcome := range second.Steps {
		if !outcome.Cached {
			t.Errorf("second build step %d missed, want hit", i)
		}
	}
	if fx.resolver.callCount() != resolverCalls || fx.runner.callCount() != runnerCalls {
		t.Error("warm build invoked the executor")
	}
	if first.Final.Digest() != second.Final.Digest() {
		t.Errorf("warm build final layer differs: %s vs %s", first.Final.Digest(), second.Final.Digest())
	}
}

func TestOrchestratorFailFast(t *testing.T) {
	fx := newOrchestratorFixture(t, nil)
	steps := []plan.Step{
		plan.NewBaseImageStep("base"),
		plan.NewRunStep([]string{"false"}),
		plan.NewEnvStep("NEVER", "applied"),
	}
	result := fx.orchestrator.Run(context.Background(), steps, Options{})
	if result.State != StateFailed {
		t.Fatalf("state = %s, want failed", result.State)
	}
	// Outcomes cover the failing step and nothing after it.
	if len(result.Steps) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(result.Steps))
	}
	var execErr *ExecutionError
	if !errors.As(result.Steps[1].Err, &execErr) {
		t.Fatalf("step 1 err = %v, want ExecutionError", result.Steps[1].Err)
	}
	if execErr.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", execErr.ExitCode)
	}
	// The failing step must not be committed; the succeeded prefix must be.
	if fx.cache.Len() != 1 {
		t.Errorf("cache entries = %d, want 1", fx.cache.Len())
	}
}

func TestOrchestratorFailedStepNotCached(t *testing.T) {
	fx := newOrchestratorFixture(t, nil)
	steps := []plan.Step{
		plan.NewBaseImageStep("base"),
		plan.NewRunStep([]string{"false"}),
	}
	result := fx.orchestrator.Run(context.Background(), steps, Options{})
	if result.State != StateFailed {
		t.Fatalf("state = %s, want failed", result.State)
	}
	if _, ok, _ := fx.cache.Lookup(result.Steps[1].Fingerprint); ok {
		t.Error("failing step left a cache entry")
	}
}

func TestOrchestratorPlanningFailure(t *testing.T) {
	fx := newOrchestratorFixture(t, nil)
	steps := []plan.Step{
		plan.NewCopyStep(plan.CopyRule{Src: "missing.txt", Dest: "/x"}),
	}
	result := fx.orchestrator.Run(context.Background(), steps, Options{})
	if result.State != StateFailed {
		t.Fatalf("state = %s, want failed", result.State)
	}
	var unavailable *fingerprint.InputUnavailableError
	if !errors.As(result.Err, &unavailable) {
		t.Errorf("err = %v, want InputUnavailableError", result.Err)
	}
	if len(result.Steps) != 0 {
		t.Errorf("outcomes = %d, want 0 for a build that never started", len(result.Steps))
	}
}

func TestOrchestratorCancellationBeforeStep(t *testing.T) {
	fx := newOrchestratorFixture(t, nil)
	steps := []plan.Step{plan.NewBaseImageStep("base")}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := fx.orchestrator.Run(ctx, steps, Options{})
	if result.State != StateFailed {
		t.Fatalf("state = %s, want failed", result.State)
	}
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", result.Err)
	}
	if fx.resolver.callCount() != 0 {
		t.Error("cancelled build still invoked the executor")
	}
	if len(result.Steps) != 0 {
		t.Errorf("outcomes = %d, want 0", len(result.Steps))
	}
}

func TestOrchestratorCancellationPreservesCommittedLayers(t *testing.T) {
	fx := newOrchestratorFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	steps := []plan.Step{
		plan.NewBaseImageStep("base"),
		plan.NewEnvStep("K", "v"),
	}
	// Cancel after the first step commits; the second never starts.
	result := fx.orchestrator.Run(ctx, steps, Options{
		OnStep: func(StepOutcome) { cancel() },
	})
	if result.State != StateFailed {
		t.Fatalf("state = %s, want failed", result.State)
	}
	if len(result.Steps) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(result.Steps))
	}
	// The committed layer survives cancellation and is reusable.
	if _, ok, _ := fx.cache.Lookup(result.Steps[0].Fingerprint); !ok {
		t.Error("committed layer missing after cancellation")
	}
	warm := fx.orchestrator.Run(context.Background(), steps, Options{})
	if warm.State != StateSucceeded {
		t.Fatalf("warm build state = %s, want succeeded", warm.State)
	}
	if !warm.Steps[0].Cached {
		t.Error("layer committed before cancellation was not reused")
	}
}
