// Copyright 2025 The Layerbuild Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/pkg/errors"

	"github.com/layerbuild/layerbuild/pkg/layer"
	"github.com/layerbuild/layerbuild/pkg/plan"
)

// BaseImageResolver resolves a named base image to an initial layer state.
// A resolver returns an error wrapping ErrImageNotFound when the name is
// unknown to it.
type BaseImageResolver interface {
	Resolve(ctx context.Context, name string) (layer.State, error)
}

// RunResult is the outcome of running one command against a layer.
type RunResult struct {
	// State is the resulting filesystem snapshot, valid when ExitCode is 0.
	State layer.State
	// Output holds combined stdout/stderr.
	Output []byte
	// ExitCode is the command's exit status.
	ExitCode int
}

// CommandRunner executes a command against a materialized layer. A non-zero
// exit is reported through RunResult, not the error; the error is reserved
// for failures to run at all (including context cancellation and deadline).
type CommandRunner interface {
	Run(ctx context.Context, base layer.State, argv []string) (RunResult, error)
}

// Executor applies a single step to a base layer state, producing a new
// state. It never retries: retry policy, if any, belongs to the caller.
type Executor struct {
	images BaseImageResolver
	runner CommandRunner
	source billy.Filesystem
	// timeout bounds each RunCommand invocation; zero means unbounded.
	timeout time.Duration
	// output, when set, receives captured command output after each run.
	output io.Writer
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// Images resolves SetBaseImage references.
	Images BaseImageResolver
	// Runner executes RunCommand steps.
	Runner CommandRunner
	// Source is the filesystem CopyFiles sources are read from.
	Source billy.Filesystem
	// CommandTimeout bounds each RunCommand invocation; zero means unbounded.
	CommandTimeout time.Duration
	// Output, if set, receives captured command output after each
	// RunCommand step completes.
	Output io.Writer
}

// NewExecutor constructs an Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	return &Executor{
		images:  cfg.Images,
		runner:  cfg.Runner,
		source:  cfg.Source,
		timeout: cfg.CommandTimeout,
		output:  cfg.Output,
	}
}

// Execute applies step to base and returns the resulting layer state.
func (e *Executor) Execute(ctx context.Context, step plan.Step, base layer.State) (layer.State, error) {
	switch step.Kind {
	case plan.SetBaseImage:
		return e.setBaseImage(ctx, step)
	case plan.CopyFiles:
		return e.copyFiles(step, base)
	case plan.RunCommand:
		return e.runCommand(ctx, step, base)
	case plan.SetEnvVar:
		return e.setEnvVar(step, base)
	default:
		return layer.State{}, &ExecutionError{Kind: step.Kind, Cause: errors.Errorf("unknown step kind: %q", step.Kind)}
	}
}

func (e *Executor) setBaseImage(ctx context.Context, step plan.Step) (layer.State, error) {
	if e.images == nil {
		return layer.State{}, &ExecutionError{Kind: step.Kind, Cause: errors.New("no base image resolver configured")}
	}
	state, err := e.images.Resolve(ctx, step.Image)
	if err != nil {
		if errors.Is(err, ErrImageNotFound) {
			return layer.State{}, errors.Wrapf(err, "resolving %q", step.Image)
		}
		return layer.State{}, &ExecutionError{Kind: step.Kind, Cause: errors.Wrapf(err, "resolving %q", step.Image)}
	}
	return state, nil
}

// copyFiles overlays each rule's source content onto the base layer. A
// source that existed at fingerprinting time but is gone now is a race the
// engine must surface, not ignore.
func (e *Executor) copyFiles(step plan.Step, base layer.State) (layer.State, error) {
	overlay := make(map[string]layer.File, len(step.Copies))
	for _, rule := range step.Copies {
		info, err := e.source.Stat(rule.Src)
		if err != nil {
			if os.IsNotExist(err) {
				return layer.State{}, &SourceMissingError{Path: rule.Src}
			}
			return layer.State{}, &ExecutionError{Kind: step.Kind, Cause: errors.Wrapf(err, "checking %s", rule.Src)}
		}
		data, err := util.ReadFile(e.source, rule.Src)
		if err != nil {
			if os.IsNotExist(err) {
				return layer.State{}, &SourceMissingError{Path: rule.Src}
			}
			return layer.State{}, &ExecutionError{Kind: step.Kind, Cause: errors.Wrapf(err, "reading %s", rule.Src)}
		}
		dest, err := normalizeDest(rule.Dest)
		if err != nil {
			return layer.State{}, &ExecutionError{Kind: step.Kind, Cause: err}
		}
		overlay[dest] = layer.File{Data: data, Mode: info.Mode().Perm()}
	}
	return base.WithFiles(overlay), nil
}

func (e *Executor) runCommand(ctx context.Context, step plan.Step, base layer.State) (layer.State, error) {
	if e.runner == nil {
		return layer.State{}, &ExecutionError{Kind: step.Kind, Cause: errors.New("no command runner configured")}
	}
	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	res, err := e.runner.Run(runCtx, base, step.Command)
	if e.output != nil && len(res.Output) > 0 {
		e.output.Write(res.Output)
	}
	if err != nil {
		cause := err
		if runCtx.Err() != nil {
			cause = runCtx.Err()
		}
		return layer.State{}, &ExecutionError{Kind: step.Kind, Cause: cause, Output: res.Output}
	}
	if res.ExitCode != 0 {
		return layer.State{}, &ExecutionError{Kind: step.Kind, ExitCode: res.ExitCode, Output: res.Output}
	}
	return res.State, nil
}

func (e *Executor) setEnvVar(step plan.Step, base layer.State) (layer.State, error) {
	if err := validateEnvKey(step.Key); err != nil {
		return layer.State{}, &ExecutionError{Kind: step.Kind, Cause: err}
	}
	return base.WithEnv(step.Key, step.Value), nil
}

// validateEnvKey rejects names that cannot appear in a POSIX environment.
func validateEnvKey(key string) error {
	if key == "" {
		return errors.New("empty environment variable name")
	}
	if strings.ContainsAny(key, "=\x00") {
		return errors.Errorf("malformed environment variable name: %q", key)
	}
	return nil
}

// normalizeDest reduces a copy destination to a canonical layer path so
// aliases of one logical path ("/etc/x", "/app/../etc/x") share a single
// key. Destinations that resolve above the layer root are rejected.
func normalizeDest(dest string) (string, error) {
	cleaned := path.Clean(strings.TrimPrefix(dest, "/"))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.Errorf("copy destination %q escapes the layer root", dest)
	}
	return cleaned, nil
}
