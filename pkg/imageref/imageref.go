// Copyright 2025 The Layerbuild Authors
// SPDX-License-Identifier: Apache-2.0

// Package imageref provides base image resolvers for the build engine.
// Base image distribution (registry pull, image storage format) is an
// external concern; the resolvers here map a name to an initial layer
// state from already-materialized sources.
package imageref

import (
	"context"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/pkg/errors"

	"github.com/layerbuild/layerbuild/pkg/engine"
	"github.com/layerbuild/layerbuild/pkg/layer"
)

// FilesystemResolver resolves image names to directory trees under a root
// filesystem: image "alpine:3.19" is the tree at <root>/alpine:3.19/.
type FilesystemResolver struct {
	fs billy.Filesystem
}

// NewFilesystemResolver constructs a resolver rooted at fs.
func NewFilesystemResolver(fs billy.Filesystem) *FilesystemResolver {
	return &FilesystemResolver{fs: fs}
}

// Resolve implements engine.BaseImageResolver.
func (r *FilesystemResolver) Resolve(ctx context.Context, name string) (layer.State, error) {
	dir := path.Clean(name)
	if dir == "." || dir == ".." || strings.HasPrefix(dir, "../") || path.IsAbs(dir) {
		return layer.State{}, errors.Wrapf(engine.ErrImageNotFound, "invalid image name %q", name)
	}
	info, err := r.fs.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return layer.State{}, errors.Wrapf(engine.ErrImageNotFound, "image %q", name)
		}
		return layer.State{}, errors.Wrapf(err, "checking image %q", name)
	}
	if !info.IsDir() {
		return layer.State{}, errors.Wrapf(engine.ErrImageNotFound, "image %q is not a directory", name)
	}
	state, err := layer.FromFS(r.fs, dir)
	if err != nil {
		return layer.State{}, errors.Wrapf(err, "loading image %q", name)
	}
	return state, nil
}

// StaticResolver resolves from a fixed in-memory table. It serves tests and
// embedders that prepare initial states themselves.
type StaticResolver map[string]layer.State

// Resolve implements engine.BaseImageResolver.
func (r StaticResolver) Resolve(ctx context.Context, name string) (layer.State, error) {
	state, ok := r[name]
	if !ok {
		return layer.State{}, errors.Wrapf(engine.ErrImageNotFound, "image %q", name)
	}
	return state, nil
}

var (
	_ engine.BaseImageResolver = &FilesystemResolver{}
	_ engine.BaseImageResolver = StaticResolver{}
)
