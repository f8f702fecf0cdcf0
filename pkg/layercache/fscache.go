// Copyright 2025 The Layerbuild Authors
// SPDX-License-Identifier: Apache-2.0

package layercache

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path"
	"sort"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/layerbuild/layerbuild/pkg/fingerprint"
	"github.com/layerbuild/layerbuild/pkg/layer"
)

const (
	layersDir    = "layers"
	blobsDir     = "blobs"
	manifestName = "manifest.yaml"
)

// manifest is the durable form of a cache entry. File contents live as
// content-addressed blobs beside it so identical files across layers are
// stored once.
type manifest struct {
	Fingerprint string            `yaml:"fingerprint"`
	CreatedAt   time.Time         `yaml:"created_at"`
	Env         map[string]string `yaml:"env,omitempty"`
	Files       []manifestFile    `yaml:"files,omitempty"`
}

type manifestFile struct {
	Path string `yaml:"path"`
	Mode uint32 `yaml:"mode"`
	Blob string `yaml:"blob"`
}

// FilesystemCache persists layer states to a billy.Filesystem. Entry
// immutability is enforced by layout: the per-fingerprint manifest is
// written once via temp-file rename, and a Store against an existing
// manifest is a no-op.
type FilesystemCache struct {
	fs billy.Filesystem
}

// NewFilesystemCache constructs a cache rooted at fs.
func NewFilesystemCache(fs billy.Filesystem) *FilesystemCache {
	return &FilesystemCache{fs: fs}
}

func manifestPath(fp fingerprint.Fingerprint) string {
	return path.Join(layersDir, fp.Hex(), manifestName)
}

// Lookup implements Cache. It only reads; a miss leaves no trace.
func (c *FilesystemCache) Lookup(fp fingerprint.Fingerprint) (Entry, bool, error) {
	raw, err := util.ReadFile(c.fs, manifestPath(fp))
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, errors.Wrapf(err, "reading manifest for %s", fp)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Entry{}, false, errors.Wrapf(err, "decoding manifest for %s", fp)
	}
	files := make(map[string]layer.File, len(m.Files))
	for _, mf := range m.Files {
		data, err := util.ReadFile(c.fs, path.Join(blobsDir, mf.Blob))
		if err != nil {
			return Entry{}, false, errors.Wrapf(err, "reading blob %s", mf.Blob)
		}
		files[mf.Path] = layer.File{Data: data, Mode: fs.FileMode(mf.Mode)}
	}
	return Entry{
		Fingerprint: fp,
		State:       layer.New(files, m.Env),
		CreatedAt:   m.CreatedAt,
	}, true, nil
}

// Store implements Cache. Blobs are written first and are themselves
// content-addressed, so a racing writer produces identical bytes; the
// manifest rename is the commit point.
func (c *FilesystemCache) Store(fp fingerprint.Fingerprint, state layer.State) error {
	if _, err := c.fs.Stat(manifestPath(fp)); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "checking manifest for %s", fp)
	}
	m := manifest{
		Fingerprint: fp.Hex(),
		CreatedAt:   time.Now().UTC(),
		Env:         state.Env(),
	}
	for _, p := range state.Paths() {
		f, _ := state.File(p)
		sum := sha256.Sum256(f.Data)
		blob := hex.EncodeToString(sum[:])
		if err := c.writeBlob(blob, f.Data); err != nil {
			return err
		}
		m.Files = append(m.Files, manifestFile{Path: p, Mode: uint32(f.Mode), Blob: blob})
	}
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Path < m.Files[j].Path })
	raw, err := yaml.Marshal(m)
	if err != nil {
		return errors.Wrapf(err, "encoding manifest for %s", fp)
	}
	dir := path.Join(layersDir, fp.Hex())
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	tmp, err := c.fs.TempFile(dir, "manifest-")
	if err != nil {
		return errors.Wrap(err, "creating temp manifest")
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing temp manifest")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing temp manifest")
	}
	if err := c.fs.Rename(tmp.Name(), manifestPath(fp)); err != nil {
		return errors.Wrapf(err, "committing manifest for %s", fp)
	}
	return nil
}

// writeBlob commits a blob via temp-file rename, like the manifest. The
// content-addressed name must never exist before its bytes are durable: a
// concurrent Store skips any blob path it can Stat, so a bare create+write
// would let a racing writer commit a manifest referencing a torn blob.
func (c *FilesystemCache) writeBlob(blob string, data []byte) error {
	p := path.Join(blobsDir, blob)
	if _, err := c.fs.Stat(p); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "checking blob %s", blob)
	}
	if err := c.fs.MkdirAll(blobsDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", blobsDir)
	}
	tmp, err := c.fs.TempFile(blobsDir, "blob-")
	if err != nil {
		return errors.Wrapf(err, "creating temp blob for %s", blob)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "writing temp blob for %s", blob)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing temp blob for %s", blob)
	}
	// Racing writers rename identical bytes; last writer wins harmlessly.
	if err := c.fs.Rename(tmp.Name(), p); err != nil {
		return errors.Wrapf(err, "committing blob %s", blob)
	}
	return nil
}

var _ Cache = &FilesystemCache{}
