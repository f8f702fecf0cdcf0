// Copyright 2025 The Layerbuild Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"

	"github.com/layerbuild/layerbuild/pkg/layer"
)

// ExecRunner runs commands with os/exec against a scratch materialization
// of the layer. The layer's files are written to a temp directory, the
// command runs there with the layer's environment table, and the resulting
// tree is snapshotted back into a new layer state.
type ExecRunner struct {
	// TempBase is the directory scratch trees are created under; empty
	// means os.TempDir().
	TempBase string
}

// NewExecRunner constructs an ExecRunner.
func NewExecRunner(tempBase string) *ExecRunner {
	return &ExecRunner{TempBase: tempBase}
}

// Run implements CommandRunner.
func (r *ExecRunner) Run(ctx context.Context, base layer.State, argv []string) (RunResult, error) {
	if len(argv) == 0 {
		return RunResult{}, errors.New("empty command")
	}
	dir, err := os.MkdirTemp(r.TempBase, "layerbuild-run-")
	if err != nil {
		return RunResult{}, errors.Wrap(err, "creating scratch dir")
	}
	defer os.RemoveAll(dir)
	scratch := osfs.New(dir)
	if err := base.WriteTo(scratch, "."); err != nil {
		return RunResult{}, errors.Wrap(err, "materializing layer")
	}
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.Env = commandEnv(base)
	runErr := cmd.Run()
	if ctx.Err() != nil {
		return RunResult{Output: out.Bytes()}, ctx.Err()
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return RunResult{Output: out.Bytes(), ExitCode: exitErr.ExitCode()}, nil
		}
		return RunResult{Output: out.Bytes()}, errors.Wrap(runErr, "running command")
	}
	snapped, err := layer.FromFS(scratch, ".")
	if err != nil {
		return RunResult{Output: out.Bytes()}, errors.Wrap(err, "snapshotting scratch dir")
	}
	// Carry the base env forward; commands change files, not the persisted
	// environment table.
	state := snapped
	env := base.Env()
	for _, k := range base.EnvKeys() {
		state = state.WithEnv(k, env[k])
	}
	return RunResult{State: state, Output: out.Bytes()}, nil
}

// commandEnv renders the layer's environment table for os/exec, inheriting
// the host PATH when the layer does not define one so tools remain
// locatable.
func commandEnv(base layer.State) []string {
	env := base.Env()
	if env == nil {
		env = make(map[string]string, 1)
	}
	if _, ok := env["PATH"]; !ok {
		env["PATH"] = os.Getenv("PATH")
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rendered := make([]string, 0, len(keys))
	for _, k := range keys {
		rendered = append(rendered, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return rendered
}

var _ CommandRunner = &ExecRunner{}
