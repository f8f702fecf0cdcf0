// Copyright 2025 The Layerbuild Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/layerbuild/layerbuild/pkg/plan"
)

// ErrImageNotFound indicates a SetBaseImage step named an image the
// configured resolver could not resolve.
var ErrImageNotFound = errors.New("base image not found")

// SourceMissingError reports a copy source that vanished between planning
// and execution. The engine detects this race rather than silently copying
// nothing.
type SourceMissingError struct {
	Path string
}

func (e *SourceMissingError) Error() string {
	return "copy source missing: " + e.Path
}

// ExecutionError reports a failed step execution: a non-zero exit, a
// timeout, or a crash in the step's collaborator.
type ExecutionError struct {
	Kind     plan.Kind
	ExitCode int
	Cause    error
	// Output holds captured stdout/stderr for RunCommand failures.
	Output []byte
}

func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("executing %s step: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("executing %s step: exit code %d", e.Kind, e.ExitCode)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }
