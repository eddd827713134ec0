// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package artifacts implements the ArtifactStore: typed reads and writes of the artifacts exchanged between the
// pipeline stages.
//
// Arrays are stored losslessly as .npy files (shape and dtype included), with the GoMLX numpy codec. Reports
// are JSON files, and models are directories (see WriteDir) filled by the model code.
//
// All writes are atomic: the payload is first written to a hidden temporary sibling (named with a random UUID),
// and then renamed to the final path, so a reader never sees a partially written artifact. Parent directories are
// created as needed, and writing to an existing path overwrites it.
//
// Reads of a missing path fail with a failure.KindArtifactNotFound error, and reads of a payload that can't be
// decoded, or isn't of the expected kind, with failure.KindArtifactCorrupt.
package artifacts

import (
	"bufio"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/denoiser/pkg/diagnostics"
	"github.com/gomlx/denoiser/pkg/failure"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// DirPerm is used when creating directories.
	DirPerm fs.FileMode = 0o755

	// FilePerm is used when creating files.
	FilePerm fs.FileMode = 0o644
)

// Store reads and writes artifacts. It has no state other than its observer, and it's safe for concurrent use,
// as long as two writers don't target the same path.
type Store struct {
	observer diagnostics.Observer
}

// NewStore creates a Store that reports its writes to observer. If observer is nil, diagnostics.Klog is used.
func NewStore(observer diagnostics.Observer) *Store {
	return &Store{observer: diagnostics.OrDefault(observer)}
}

// tempSibling returns a hidden, unique, path in the same directory as path.
func tempSibling(path, kind string) string {
	dir, base := filepath.Split(path)
	return filepath.Join(dir, "."+base+"."+kind+"-"+uuid.NewString())
}

func notFoundOrWrap(op, path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return failure.Wrapf(failure.KindArtifactNotFound, op, err, "artifact %q", path)
	}
	return failure.Wrapf(failure.KindArtifactCorrupt, op, err, "artifact %q", path)
}

// Exists returns whether there is an artifact (file or directory) at path.
func (s *Store) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WriteFile atomically writes the artifact at path with the contents produced by write.
//
// write receives a buffered writer. If it returns an error, nothing is written at path.
// Errors are returned as is (without a failure.Kind), and the calling stage decides on the kind.
func (s *Store) WriteFile(path string, write func(w io.Writer) error) error {
	tmpPath, err := stageFile(path, write)
	if err != nil {
		return err
	}
	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "renaming temporary file to artifact %q", path)
	}
	s.logWrite(path)
	return nil
}

// stageFile writes the contents produced by write to a new temporary sibling of path, and returns its path.
// On failure the temporary file is removed.
func stageFile(path string, write func(w io.Writer) error) (tmpPath string, err error) {
	if err = os.MkdirAll(filepath.Dir(path), DirPerm); err != nil {
		return "", errors.Wrapf(err, "creating directory for artifact %q", path)
	}
	tmpPath = tempSibling(path, "tmp")
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, FilePerm)
	if err != nil {
		return "", errors.Wrapf(err, "creating temporary file for artifact %q", path)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
			tmpPath = ""
		}
	}()
	buf := bufio.NewWriter(f)
	if err = write(buf); err != nil {
		return "", errors.WithMessagef(err, "writing artifact %q", path)
	}
	if err = buf.Flush(); err != nil {
		return "", errors.Wrapf(err, "writing artifact %q", path)
	}
	if err = f.Sync(); err != nil {
		return "", errors.Wrapf(err, "syncing artifact %q", path)
	}
	if err = f.Close(); err != nil {
		return "", errors.Wrapf(err, "closing artifact %q", path)
	}
	return tmpPath, nil
}

func (s *Store) logWrite(path string) {
	if info, err := os.Stat(path); err == nil {
		s.observer.Debugf("wrote artifact %q (%s)", path, humanize.Bytes(uint64(info.Size())))
	}
}

// ReadFile opens the artifact at path and calls read with a buffered reader of its contents.
// A missing file is reported as failure.KindArtifactNotFound, and any error returned by read as
// failure.KindArtifactCorrupt.
func (s *Store) ReadFile(path string, read func(r io.Reader) error) error {
	const op = "artifacts.ReadFile"
	f, err := os.Open(path)
	if err != nil {
		return notFoundOrWrap(op, path, err)
	}
	defer func() { _ = f.Close() }()
	if info, err := f.Stat(); err == nil && info.IsDir() {
		return failure.New(failure.KindArtifactCorrupt, op, "artifact %q is a directory, expected a file", path)
	}
	if err = read(bufio.NewReader(f)); err != nil {
		return failure.Wrapf(failure.KindArtifactCorrupt, op, err, "decoding artifact %q", path)
	}
	return nil
}

// WriteArray atomically saves the tensor as a .npy file at path.
func (s *Store) WriteArray(path string, t *tensors.Tensor) error {
	if t == nil {
		return errors.Errorf("nil array given to write to %q", path)
	}
	return s.WriteFile(path, arrayWriter(t))
}

func arrayWriter(t *tensors.Tensor) func(w io.Writer) error {
	return func(w io.Writer) error { return numpy.ToNpyWriter(t, w) }
}

// ReadArray loads the .npy array at path.
func (s *Store) ReadArray(path string) (*tensors.Tensor, error) {
	var t *tensors.Tensor
	err := s.ReadFile(path, func(r io.Reader) error {
		var err error
		t, err = numpy.FromNpyReader(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.observer.Debugf("read array %q: %s", path, t.Shape())
	return t, nil
}

// ReadArrayOf loads the .npy array at path, and checks it has the given dtype and rank.
// A mismatch is reported as failure.KindArtifactCorrupt.
func (s *Store) ReadArrayOf(path string, dtype dtypes.DType, rank int) (*tensors.Tensor, error) {
	t, err := s.ReadArray(path)
	if err != nil {
		return nil, err
	}
	shape := t.Shape()
	if shape.DType != dtype || shape.Rank() != rank {
		return nil, failure.New(failure.KindArtifactCorrupt, "artifacts.ReadArrayOf",
			"artifact %q holds a %s array, expected dtype %s and rank %d", path, shape, dtype, rank)
	}
	return t, nil
}

// WriteJSON atomically saves v encoded as indented JSON at path.
func (s *Store) WriteJSON(path string, v any) error {
	return s.WriteFile(path, jsonWriter(v))
}

func jsonWriter(v any) func(w io.Writer) error {
	return func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}

// ReadJSON decodes the JSON artifact at path into v.
func (s *Store) ReadJSON(path string, v any) error {
	return s.ReadFile(path, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(v)
	})
}

// WriteDir atomically creates the directory artifact at path, with the contents written by fill into a
// temporary directory. If path exists, it is replaced only after fill succeeds.
func (s *Store) WriteDir(path string, fill func(tmpDir string) error) (err error) {
	path = filepath.Clean(path)
	if err = os.MkdirAll(filepath.Dir(path), DirPerm); err != nil {
		return errors.Wrapf(err, "creating parent directory of artifact %q", path)
	}
	tmpDir := tempSibling(path, "tmp")
	if err = os.Mkdir(tmpDir, DirPerm); err != nil {
		return errors.Wrapf(err, "creating temporary directory for artifact %q", path)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(tmpDir)
		}
	}()
	if err = fill(tmpDir); err != nil {
		return errors.WithMessagef(err, "writing artifact directory %q", path)
	}

	// Move any previous version out of the way, and swap the new one in.
	var oldDir string
	if _, statErr := os.Stat(path); statErr == nil {
		oldDir = tempSibling(path, "old")
		if err = os.Rename(path, oldDir); err != nil {
			return errors.Wrapf(err, "moving previous artifact %q out of the way", path)
		}
	}
	if err = os.Rename(tmpDir, path); err != nil {
		if oldDir != "" {
			_ = os.Rename(oldDir, path)
		}
		return errors.Wrapf(err, "renaming temporary directory to artifact %q", path)
	}
	if oldDir != "" {
		if rmErr := os.RemoveAll(oldDir); rmErr != nil {
			s.observer.Warnf("failed to remove previous version of artifact %q in %q: %v", path, oldDir, rmErr)
		}
	}
	s.observer.Debugf("wrote artifact directory %q (%s)", path, humanize.Bytes(uint64(dirSize(path))))
	return nil
}

// CheckDir verifies there is a directory artifact at path.
func (s *Store) CheckDir(path string) error {
	const op = "artifacts.CheckDir"
	info, err := os.Stat(path)
	if err != nil {
		return notFoundOrWrap(op, path, err)
	}
	if !info.IsDir() {
		return failure.New(failure.KindArtifactCorrupt, op, "artifact %q is a file, expected a directory", path)
	}
	return nil
}

// CopyDir atomically copies the directory artifact at src to dst.
// Regular files and subdirectories are copied, other entries are ignored.
func (s *Store) CopyDir(src, dst string) error {
	if err := s.CheckDir(src); err != nil {
		return err
	}
	return s.WriteDir(dst, func(tmpDir string) error {
		return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(src, p)
			if err != nil {
				return err
			}
			target := filepath.Join(tmpDir, rel)
			if d.IsDir() {
				return os.MkdirAll(target, DirPerm)
			}
			if !d.Type().IsRegular() {
				return nil
			}
			return copyFile(p, target)
		})
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "opening %q", src)
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, FilePerm)
	if err != nil {
		return errors.Wrapf(err, "creating %q", dst)
	}
	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "copying %q to %q", src, dst)
	}
	return errors.Wrapf(out.Close(), "closing %q", dst)
}

func dirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
