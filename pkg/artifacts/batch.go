// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package artifacts

import (
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Batch groups the file artifacts of one stage run, so they are replaced together: either all the new versions
// become visible, or none do.
//
// Writes to a Batch are staged in temporary siblings of their final paths. Commit swaps them all in, moving
// previous versions aside first, and puts the previous versions back if any swap fails. Abort (or a failed
// Commit) removes the staged files.
//
// Usage:
//
//	batch := store.NewBatch()
//	defer batch.Abort()
//	if err := batch.WriteArray(trainPath, train); err != nil { ... }
//	if err := batch.WriteJSON(indexPath, index); err != nil { ... }
//	if err := batch.Commit(); err != nil { ... }
type Batch struct {
	store  *Store
	staged []stagedFile
	done   bool
}

type stagedFile struct {
	path, tmpPath string
}

// NewBatch creates an empty Batch.
func (s *Store) NewBatch() *Batch {
	return &Batch{store: s}
}

// WriteFile stages the artifact at path with the contents produced by write.
func (b *Batch) WriteFile(path string, write func(w io.Writer) error) error {
	if b.done {
		return errors.Errorf("batch already committed or aborted, can't write %q", path)
	}
	path = filepath.Clean(path)
	for _, sf := range b.staged {
		if sf.path == path {
			return errors.Errorf("artifact %q written twice in the same batch", path)
		}
	}
	tmpPath, err := stageFile(path, write)
	if err != nil {
		return err
	}
	b.staged = append(b.staged, stagedFile{path: path, tmpPath: tmpPath})
	return nil
}

// WriteArray stages the tensor as a .npy file at path.
func (b *Batch) WriteArray(path string, t *tensors.Tensor) error {
	if t == nil {
		return errors.Errorf("nil array given to write to %q", path)
	}
	return b.WriteFile(path, arrayWriter(t))
}

// WriteJSON stages v encoded as indented JSON at path.
func (b *Batch) WriteJSON(path string, v any) error {
	return b.WriteFile(path, jsonWriter(v))
}

// Abort removes the staged files. It's a no-op after Commit, so it can be deferred.
func (b *Batch) Abort() {
	if b.done {
		return
	}
	b.done = true
	for _, sf := range b.staged {
		_ = os.Remove(sf.tmpPath)
	}
	b.staged = nil
}

// Commit makes all the staged artifacts visible at their paths.
func (b *Batch) Commit() (err error) {
	if b.done {
		return errors.New("batch already committed or aborted")
	}
	defer b.Abort()

	// Previous versions, indexed as b.staged; empty if there was none.
	previous := make([]string, len(b.staged))
	swapped := 0
	defer func() {
		if err == nil {
			return
		}
		for ii := swapped - 1; ii >= 0; ii-- {
			sf := b.staged[ii]
			_ = os.Remove(sf.path)
			if previous[ii] != "" {
				_ = os.Rename(previous[ii], sf.path)
			}
		}
		if swapped < len(b.staged) && previous[swapped] != "" {
			_ = os.Rename(previous[swapped], b.staged[swapped].path)
		}
	}()
	for ii, sf := range b.staged {
		if _, statErr := os.Stat(sf.path); statErr == nil {
			previous[ii] = tempSibling(sf.path, "old")
			if err = os.Rename(sf.path, previous[ii]); err != nil {
				previous[ii] = ""
				return errors.Wrapf(err, "moving previous artifact %q out of the way", sf.path)
			}
		}
		if err = os.Rename(sf.tmpPath, sf.path); err != nil {
			return errors.Wrapf(err, "renaming temporary file to artifact %q", sf.path)
		}
		swapped++
	}

	for ii, sf := range b.staged {
		if previous[ii] != "" {
			if rmErr := os.Remove(previous[ii]); rmErr != nil {
				b.store.observer.Warnf("failed to remove previous version of artifact %q in %q: %v",
					sf.path, previous[ii], rmErr)
			}
		}
		b.store.logWrite(sf.path)
	}
	return nil
}
