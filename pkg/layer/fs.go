// Copyright 2025 The Layerbuild Authors
// SPDX-License-Identifier: Apache-2.0

package layer

import (
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/pkg/errors"
)

// FromFS snapshots the tree rooted at dir within fs into a State with an
// empty environment table. Paths in the resulting snapshot are relative to
// dir and slash-separated.
func FromFS(fs billy.Filesystem, dir string) (State, error) {
	files := make(map[string]File)
	err := util.Walk(fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		data, err := util.ReadFile(fs, p)
		if err != nil {
			return errors.Wrapf(err, "reading %s", p)
		}
		rel := p
		if dir != "" && dir != "." {
			rel = strings.TrimPrefix(strings.TrimPrefix(p, dir), "/")
		}
		files[path.Clean(rel)] = File{Data: data, Mode: info.Mode().Perm()}
		return nil
	})
	if err != nil {
		return State{}, errors.Wrapf(err, "walking %s", dir)
	}
	return State{files: files}, nil
}

// WriteTo materializes the snapshot's files under dir within fs. The
// environment table is not materialized; callers that need it (e.g. command
// execution) consume it via Env.
func (s State) WriteTo(fs billy.Filesystem, dir string) error {
	for _, p := range s.Paths() {
		f := s.files[p]
		target := path.Join(dir, p)
		if parent := path.Dir(target); parent != "." {
			if err := fs.MkdirAll(parent, 0o755); err != nil {
				return errors.Wrapf(err, "creating %s", parent)
			}
		}
		if err := util.WriteFile(fs, target, f.Data, f.Mode); err != nil {
			return errors.Wrapf(err, "writing %s", target)
		}
	}
	return nil
}
