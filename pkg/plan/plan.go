// Copyright 2025 The Layerbuild Authors
// SPDX-License-Identifier: Apache-2.0

// Package plan defines the step descriptor model consumed by the build engine.
package plan

// Kind identifies one of the supported provisioning actions.
type Kind string

const (
	// SetBaseImage replaces the working filesystem root with a named image's contents.
	SetBaseImage Kind = "set-base-image"
	// CopyFiles overlays source files into the layer at destination paths.
	CopyFiles Kind = "copy-files"
	// RunCommand executes a command against the current layer.
	RunCommand Kind = "run-command"
	// SetEnvVar records a key/value into the layer's environment table.
	SetEnvVar Kind = "set-env-var"
)

// CopyRule maps one source path to one destination path inside the layer.
type CopyRule struct {
	Src  string
	Dest string
}

// Input is one declared input to a step's cache key: either a path whose
// content participates in the fingerprint, or an opaque literal value.
type Input struct {
	Path    string
	Literal string
}

// Step is an immutable record of one provisioning action plus the inputs
// that determine its cache key. Construct via the New*Step functions; the
// payload fields are only populated for the matching Kind.
type Step struct {
	Kind Kind

	// Image is the base image reference (SetBaseImage only).
	Image string
	// Copies are the overlay rules (CopyFiles only).
	Copies []CopyRule
	// Command is the argv to execute (RunCommand only).
	Command []string
	// Key and Value are the environment assignment (SetEnvVar only).
	Key   string
	Value string

	// Inputs are the declared inputs, hashed in the order supplied.
	Inputs []Input
}

// NewBaseImageStep constructs a SetBaseImage step for the named image.
func NewBaseImageStep(image string) Step {
	return Step{
		Kind:   SetBaseImage,
		Image:  image,
		Inputs: []Input{{Literal: image}},
	}
}

// NewCopyStep constructs a CopyFiles step. Each rule's source path is
// declared as an input so content changes invalidate the step.
func NewCopyStep(rules ...CopyRule) Step {
	copied := make([]CopyRule, len(rules))
	copy(copied, rules)
	inputs := make([]Input, 0, len(copied))
	for _, r := range copied {
		inputs = append(inputs, Input{Path: r.Src})
	}
	return Step{Kind: CopyFiles, Copies: copied, Inputs: inputs}
}

// NewRunStep constructs a RunCommand step. The command text is always a
// declared input; extra paths (e.g. a lock file the command reads) may be
// declared so their content participates in the cache key.
func NewRunStep(argv []string, inputPaths ...string) Step {
	command := make([]string, len(argv))
	copy(command, argv)
	inputs := make([]Input, 0, len(command)+len(inputPaths))
	for _, arg := range command {
		inputs = append(inputs, Input{Literal: arg})
	}
	for _, p := range inputPaths {
		inputs = append(inputs, Input{Path: p})
	}
	return Step{Kind: RunCommand, Command: command, Inputs: inputs}
}

// NewEnvStep constructs a SetEnvVar step.
func NewEnvStep(key, value string) Step {
	return Step{
		Kind:   SetEnvVar,
		Key:    key,
		Value:  value,
		Inputs: []Input{{Literal: key}, {Literal: value}},
	}
}
