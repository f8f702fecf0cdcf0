// Copyright 2025 The Layerbuild Authors
// SPDX-License-Identifier: Apache-2.0

// Package fingerprint computes deterministic cache keys for provisioning
// steps. A step's fingerprint chains over the previous step's fingerprint,
// the step kind and payload, and the content of every declared input, so
// any change to any input of any prefix step produces a different key.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/go-git/go-billy/v5"
	"github.com/pkg/errors"

	"github.com/layerbuild/layerbuild/pkg/plan"
)

// Size is the byte length of a Fingerprint.
const Size = sha256.Size

// Fingerprint is an opaque fixed-length identifier for a step's cacheable
// result. Identical inputs always produce identical fingerprints.
type Fingerprint [Size]byte

// Hex returns the full lowercase hex encoding.
func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

// String returns an abbreviated form for logs and reports.
func (f Fingerprint) String() string {
	return f.Hex()[:12]
}

// Root is the well-known fingerprint of the empty base preceding the first
// step of every build.
func Root() Fingerprint {
	return sha256.Sum256([]byte("layerbuild/empty-base/v1"))
}

// InputUnavailableError reports a declared input path that did not exist at
// fingerprinting time.
type InputUnavailableError struct {
	Path string
	Err  error
}

func (e *InputUnavailableError) Error() string {
	return "declared input unavailable: " + e.Path
}

func (e *InputUnavailableError) Unwrap() error { return e.Err }

// Hasher fingerprints steps, reading declared input paths from fs.
type Hasher struct {
	fs billy.Filesystem
}

// NewHasher constructs a Hasher whose declared input paths resolve within fs.
func NewHasher(fs billy.Filesystem) *Hasher {
	return &Hasher{fs: fs}
}

// Fingerprint computes the cache key for step given the previous layer's
// fingerprint. Declared inputs are hashed in the order supplied, never
// re-sorted, since step semantics can be order-sensitive. All declared
// input paths are checked for existence before any hashing begins.
func (h *Hasher) Fingerprint(previous Fingerprint, step plan.Step) (Fingerprint, error) {
	for _, in := range step.Inputs {
		if in.Path == "" {
			continue
		}
		if _, err := h.fs.Stat(in.Path); err != nil {
			if os.IsNotExist(err) {
				return Fingerprint{}, &InputUnavailableError{Path: in.Path, Err: err}
			}
			return Fingerprint{}, errors.Wrapf(err, "checking input %s", in.Path)
		}
	}
	digest := sha256.New()
	digest.Write(previous[:])
	writeField(digest, []byte(step.Kind))
	if err := h.writePayload(digest, step); err != nil {
		return Fingerprint{}, err
	}
	for _, in := range step.Inputs {
		if in.Path == "" {
			writeField(digest, []byte(in.Literal))
			continue
		}
		sum, err := h.hashFile(in.Path)
		if err != nil {
			return Fingerprint{}, err
		}
		writeField(digest, []byte(in.Path))
		writeField(digest, sum)
	}
	var fp Fingerprint
	copy(fp[:], digest.Sum(nil))
	return fp, nil
}

// writePayload encodes the kind-specific payload. Every field is
// length-prefixed so adjacent fields can never alias across encodings.
func (h *Hasher) writePayload(w hash.Hash, step plan.Step) error {
	switch step.Kind {
	case plan.SetBaseImage:
		writeField(w, []byte(step.Image))
	case plan.CopyFiles:
		for _, r := range step.Copies {
			writeField(w, []byte(r.Src))
			writeField(w, []byte(r.Dest))
		}
	case plan.RunCommand:
		for _, arg := range step.Command {
			writeField(w, []byte(arg))
		}
	case plan.SetEnvVar:
		writeField(w, []byte(step.Key))
		writeField(w, []byte(step.Value))
	default:
		return errors.Errorf("unknown step kind: %q", step.Kind)
	}
	return nil
}

func (h *Hasher) hashFile(path string) ([]byte, error) {
	f, err := h.fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &InputUnavailableError{Path: path, Err: err}
		}
		return nil, errors.Wrapf(err, "opening input %s", path)
	}
	defer f.Close()
	digest := sha256.New()
	if _, err := io.Copy(digest, f); err != nil {
		return nil, errors.Wrapf(err, "hashing input %s", path)
	}
	return digest.Sum(nil), nil
}

func writeField(w hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	w.Write(n[:])
	w.Write(b)
}
