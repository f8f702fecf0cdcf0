// Copyright 2025 The Layerbuild Authors
// SPDX-License-Identifier: Apache-2.0

// Package layer models immutable filesystem snapshots threaded between
// provisioning steps. A State is never mutated after construction; each
// step derives a new State that references, rather than copies, the file
// contents of its base.
package layer

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io/fs"
	"sort"
)

// File is one regular file within a layer snapshot.
type File struct {
	Data []byte
	Mode fs.FileMode
}

// State is an immutable snapshot of filesystem contents and the persisted
// environment table resulting from applying a step.
type State struct {
	files map[string]File
	env   map[string]string
}

// Empty returns the empty base state: no files, no environment.
func Empty() State {
	return State{}
}

// New constructs a State from the given file and env tables. The maps are
// copied so later mutation by the caller cannot alias into the snapshot;
// file contents are referenced as-is.
func New(files map[string]File, env map[string]string) State {
	return State{files: copyFiles(files), env: copyEnv(env)}
}

func copyFiles(in map[string]File) map[string]File {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]File, len(in))
	for p, f := range in {
		out[p] = f
	}
	return out
}

func copyEnv(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// File returns the file stored at path, if any.
func (s State) File(path string) (File, bool) {
	f, ok := s.files[path]
	return f, ok
}

// Paths returns the sorted set of file paths in the snapshot.
func (s State) Paths() []string {
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Len returns the number of files in the snapshot.
func (s State) Len() int {
	return len(s.files)
}

// Env returns a copy of the environment table.
func (s State) Env() map[string]string {
	return copyEnv(s.env)
}

// EnvValue returns the value recorded for key, if any.
func (s State) EnvValue(key string) (string, bool) {
	v, ok := s.env[key]
	return v, ok
}

// EnvKeys returns the sorted environment variable names.
func (s State) EnvKeys() []string {
	keys := make([]string, 0, len(s.env))
	for k := range s.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WithFiles derives a new State overlaying the given files onto s. Existing
// entries with the same path are shadowed; all other contents are shared
// with the base snapshot.
func (s State) WithFiles(files map[string]File) State {
	merged := make(map[string]File, len(s.files)+len(files))
	for p, f := range s.files {
		merged[p] = f
	}
	for p, f := range files {
		merged[p] = f
	}
	return State{files: merged, env: s.env}
}

// WithEnv derives a new State with key set to value in the environment
// table. The file table is shared with the base snapshot.
func (s State) WithEnv(key, value string) State {
	env := make(map[string]string, len(s.env)+1)
	for k, v := range s.env {
		env[k] = v
	}
	env[key] = value
	return State{files: s.files, env: env}
}

// Digest returns a deterministic hex digest over the snapshot's sorted
// paths, file modes, file contents, and environment table. Two states with
// identical contents always produce identical digests.
func (s State) Digest() string {
	h := sha256.New()
	writeLenPrefixed := func(b []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	for _, p := range s.Paths() {
		f := s.files[p]
		writeLenPrefixed([]byte(p))
		var mode [4]byte
		binary.BigEndian.PutUint32(mode[:], uint32(f.Mode))
		h.Write(mode[:])
		writeLenPrefixed(f.Data)
	}
	for _, k := range s.EnvKeys() {
		writeLenPrefixed([]byte(k))
		writeLenPrefixed([]byte(s.env[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}
