// Copyright 2025 The Layerbuild Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/pkg/errors"

	"github.com/layerbuild/layerbuild/pkg/layer"
	"github.com/layerbuild/layerbuild/pkg/plan"
)

// fakeResolver resolves from a fixed table and counts invocations.
type fakeResolver struct {
	mu     sync.Mutex
	states map[string]layer.State
	calls  int
}

func (r *fakeResolver) Resolve(ctx context.Context, name string) (layer.State, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	state, ok := r.states[name]
	if !ok {
		return layer.State{}, errors.Wrapf(ErrImageNotFound, "image %q", name)
	}
	return state, nil
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// fakeRunner delegates to fn and counts invocations.
type fakeRunner struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, base layer.State, argv []string) (RunResult, error)
}

func (r *fakeRunner) Run(ctx context.Context, base layer.State, argv []string) (RunResult, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.fn(ctx, base, argv)
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// markerRunner simulates a command by dropping a marker file derived from
// the argv into the layer; "false" exits 1 and "sleep" blocks until the
// context is done.
func markerRunner() *fakeRunner {
	return &fakeRunner{fn: func(ctx context.Context, base layer.State, argv []string) (RunResult, error) {
		switch argv[0] {
		case "false":
			return RunResult{Output: []byte("boom\n"), ExitCode: 1}, nil
		case "sleep":
			<-ctx.Done()
			return RunResult{}, ctx.Err()
		default:
			next := base.WithFiles(map[string]layer.File{
				"ran-" + strings.Join(argv, "-"): {Data: []byte("ok"), Mode: 0o644},
			})
			return RunResult{State: next, Output: []byte("done\n")}, nil
		}
	}}
}

func baseImageState(content string) layer.State {
	return layer.New(map[string]layer.File{
		"etc/os-release": {Data: []byte(content), Mode: 0o644},
	}, nil)
}

func TestExecutorSetBaseImage(t *testing.T) {
	resolver := &fakeResolver{states: map[string]layer.State{"base": baseImageState("v1")}}
	executor := NewExecutor(ExecutorConfig{Images: resolver})
	state, err := executor.Execute(context.Background(), plan.NewBaseImageStep("base"), layer.Empty())
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if _, ok := state.File("etc/os-release"); !ok {
		t.Error("resolved base image missing expected file")
	}
	_, err = executor.Execute(context.Background(), plan.NewBaseImageStep("unknown"), layer.Empty())
	if !errors.Is(err, ErrImageNotFound) {
		t.Errorf("error = %v, want ErrImageNotFound", err)
	}
}

func TestExecutorCopyFiles(t *testing.T) {
	source := memfs.New()
	if err := util.WriteFile(source, "a.txt", []byte("alpha"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	executor := NewExecutor(ExecutorConfig{Source: source})
	step := plan.NewCopyStep(plan.CopyRule{Src: "a.txt", Dest: "/app/a.txt"})
	state, err := executor.Execute(context.Background(), step, layer.Empty())
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	f, ok := state.File("app/a.txt")
	if !ok {
		t.Fatal("copied file missing from layer")
	}
	if string(f.Data) != "alpha" {
		t.Errorf("copied content = %q, want %q", f.Data, "alpha")
	}
}

func TestExecutorCopyFilesCanonicalizesDestinations(t *testing.T) {
	source := memfs.New()
	if err := util.WriteFile(source, "a.txt", []byte("alpha"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	executor := NewExecutor(ExecutorConfig{Source: source})
	// Both rules name the same logical path and must land on one key.
	step := plan.NewCopyStep(
		plan.CopyRule{Src: "a.txt", Dest: "/etc/a.txt"},
		plan.CopyRule{Src: "a.txt", Dest: "/app/../etc/a.txt"},
	)
	state, err := executor.Execute(context.Background(), step, layer.Empty())
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if state.Len() != 1 {
		t.Errorf("layer has %d files, want 1: %v", state.Len(), state.Paths())
	}
	if _, ok := state.File("etc/a.txt"); !ok {
		t.Error("canonical path etc/a.txt missing from layer")
	}
}

func TestExecutorCopyFilesRejectsEscapingDestination(t *testing.T) {
	source := memfs.New()
	if err := util.WriteFile(source, "a.txt", []byte("alpha"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	executor := NewExecutor(ExecutorConfig{Source: source})
	for _, dest := range []string{"..", "/..", "../outside.txt", "app/../../x"} {
		step := plan.NewCopyStep(plan.CopyRule{Src: "a.txt", Dest: dest})
		_, err := executor.Execute(context.Background(), step, layer.Empty())
		var execErr *ExecutionError
		if !errors.As(err, &execErr) {
			t.Errorf("Execute() with dest %q = %v, want ExecutionError", dest, err)
		}
	}
}

func TestExecutorCopyFilesDetectsVanishedSource(t *testing.T) {
	source := memfs.New()
	if err := util.WriteFile(source, "a.txt", []byte("alpha"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	executor := NewExecutor(ExecutorConfig{Source: source})
	step := plan.NewCopyStep(plan.CopyRule{Src: "a.txt", Dest: "/app/a.txt"})
	// The source vanishes between planning and execution.
	if err := source.Remove("a.txt"); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	_, err := executor.Execute(context.Background(), step, layer.Empty())
	var missing *SourceMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %v, want SourceMissingError", err)
	}
	if missing.Path != "a.txt" {
		t.Errorf("Path = %q, want %q", missing.Path, "a.txt")
	}
}

func TestExecutorRunCommand(t *testing.T) {
	runner := markerRunner()
	executor := NewExecutor(ExecutorConfig{Runner: runner})
	state, err := executor.Execute(context.Background(), plan.NewRunStep([]string{"install"}), layer.Empty())
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if _, ok := state.File("ran-install"); !ok {
		t.Error("runner effect missing from layer")
	}
}

func TestExecutorRunCommandNonZeroExit(t *testing.T) {
	executor := NewExecutor(ExecutorConfig{Runner: markerRunner()})
	_, err := executor.Execute(context.Background(), plan.NewRunStep([]string{"false"}), layer.Empty())
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("error = %v, want ExecutionError", err)
	}
	if execErr.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", execErr.ExitCode)
	}
	if string(execErr.Output) != "boom\n" {
		t.Errorf("Output = %q, want %q", execErr.Output, "boom\n")
	}
}

func TestExecutorRunCommandTimeout(t *testing.T) {
	executor := NewExecutor(ExecutorConfig{
		Runner:         markerRunner(),
		CommandTimeout: 10 * time.Millisecond,
	})
	_, err := executor.Execute(context.Background(), plan.NewRunStep([]string{"sleep"}), layer.Empty())
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("error = %v, want ExecutionError", err)
	}
	if !errors.Is(execErr.Cause, context.DeadlineExceeded) {
		t.Errorf("Cause = %v, want context.DeadlineExceeded", execErr.Cause)
	}
}

func TestExecutorSetEnvVar(t *testing.T) {
	executor := NewExecutor(ExecutorConfig{})
	state, err := executor.Execute(context.Background(), plan.NewEnvStep("PATH", "/usr/bin"), layer.Empty())
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if v, _ := state.EnvValue("PATH"); v != "/usr/bin" {
		t.Errorf("PATH = %q, want %q", v, "/usr/bin")
	}
}

func TestExecutorSetEnvVarMalformedKey(t *testing.T) {
	executor := NewExecutor(ExecutorConfig{})
	for _, key := range []string{"", "A=B", "NUL\x00"} {
		_, err := executor.Execute(context.Background(), plan.NewEnvStep(key, "v"), layer.Empty())
		var execErr *ExecutionError
		if !errors.As(err, &execErr) {
			t.Errorf("key %q: error = %v, want ExecutionError", key, err)
		}
	}
}
