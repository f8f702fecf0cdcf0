// Copyright 2025 The Layerbuild Authors
// SPDX-License-Identifier: Apache-2.0

// Package planfile parses declarative YAML recipes into step descriptors.
// It is the thin loader in front of the engine; the engine itself only ever
// consumes the in-memory step list.
//
// Recipe shape:
//
//	steps:
//	  - from: alpine:3.19
//	  - copy:
//	      - {src: a.txt, dest: /app/a.txt}
//	  - run: [pip, install, -r, requirements.txt]
//	    inputs: [requirements.txt]
//	  - env:
//	      PATH: /usr/local/bin
package planfile

import (
	"io"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/layerbuild/layerbuild/pkg/plan"
)

type document struct {
	Steps []stepDoc `yaml:"steps"`
}

type stepDoc struct {
	From   string            `yaml:"from,omitempty"`
	Copy   []copyDoc         `yaml:"copy,omitempty"`
	Run    []string          `yaml:"run,omitempty"`
	Inputs []string          `yaml:"inputs,omitempty"`
	Env    map[string]string `yaml:"env,omitempty"`
}

type copyDoc struct {
	Src  string `yaml:"src"`
	Dest string `yaml:"dest"`
}

// Load parses a recipe from r into an ordered step list.
func Load(r io.Reader) ([]plan.Step, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading recipe")
	}
	return Parse(raw)
}

// LoadFile parses the recipe at path within fs.
func LoadFile(fs billy.Filesystem, path string) ([]plan.Step, error) {
	raw, err := util.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	steps, err := Parse(raw)
	return steps, errors.Wrapf(err, "parsing %s", path)
}

// Parse decodes and validates recipe bytes. Each entry must declare exactly
// one action; an env entry with several keys expands into one SetEnvVar
// step per key in sorted order so the plan stays deterministic.
func Parse(raw []byte) ([]plan.Step, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "decoding recipe")
	}
	if len(doc.Steps) == 0 {
		return nil, errors.New("recipe declares no steps")
	}
	var steps []plan.Step
	for i, sd := range doc.Steps {
		converted, err := sd.toSteps()
		if err != nil {
			return nil, errors.Wrapf(err, "step %d", i)
		}
		steps = append(steps, converted...)
	}
	return steps, nil
}

func (sd stepDoc) toSteps() ([]plan.Step, error) {
	declared := 0
	for _, set := range []bool{sd.From != "", len(sd.Copy) > 0, len(sd.Run) > 0, len(sd.Env) > 0} {
		if set {
			declared++
		}
	}
	if declared != 1 {
		return nil, errors.Errorf("exactly one of from, copy, run, env must be set (got %d)", declared)
	}
	switch {
	case sd.From != "":
		if len(sd.Inputs) > 0 {
			return nil, errors.New("inputs are only valid on run steps")
		}
		return []plan.Step{plan.NewBaseImageStep(sd.From)}, nil
	case len(sd.Copy) > 0:
		if len(sd.Inputs) > 0 {
			return nil, errors.New("inputs are only valid on run steps")
		}
		rules := make([]plan.CopyRule, 0, len(sd.Copy))
		for _, c := range sd.Copy {
			if c.Src == "" || c.Dest == "" {
				return nil, errors.New("copy rules require both src and dest")
			}
			rules = append(rules, plan.CopyRule{Src: c.Src, Dest: c.Dest})
		}
		return []plan.Step{plan.NewCopyStep(rules...)}, nil
	case len(sd.Run) > 0:
		return []plan.Step{plan.NewRunStep(sd.Run, sd.Inputs...)}, nil
	default:
		if len(sd.Inputs) > 0 {
			return nil, errors.New("inputs are only valid on run steps")
		}
		keys := make([]string, 0, len(sd.Env))
		for k := range sd.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		steps := make([]plan.Step, 0, len(keys))
		for _, k := range keys {
			steps = append(steps, plan.NewEnvStep(k, sd.Env[k]))
		}
		return steps, nil
	}
}
