// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gomlx/denoiser/pkg/failure"
	"github.com/pkg/errors"
)

// LabelIndex (aka. tag2idx) maps tags (label directory names) to dense indices in [0, Len()).
// It is a bijection: no two tags share an index.
type LabelIndex struct {
	tags  []string
	index map[string]int
}

// NewLabelIndex creates a LabelIndex with the tags indexed in the order given.
// It fails with a failure.KindConfig error if a tag is repeated or empty.
func NewLabelIndex(tags []string) (*LabelIndex, error) {
	li := &LabelIndex{
		tags:  make([]string, 0, len(tags)),
		index: make(map[string]int, len(tags)),
	}
	for _, tag := range tags {
		if tag == "" {
			return nil, failure.New(failure.KindConfig, "dataset.NewLabelIndex", "empty tag in %q", tags)
		}
		if _, found := li.index[tag]; found {
			return nil, failure.New(failure.KindConfig, "dataset.NewLabelIndex",
				"tag %q given more than once in %q: label directories must have distinct names", tag, tags)
		}
		li.index[tag] = len(li.tags)
		li.tags = append(li.tags, tag)
	}
	return li, nil
}

// TagFromDir returns the tag of a label directory: its last path component.
func TagFromDir(dir string) string {
	return filepath.Base(filepath.Clean(dir))
}

// Len returns the number of tags.
func (li *LabelIndex) Len() int { return len(li.tags) }

// Index returns the index of tag, and whether it was found.
func (li *LabelIndex) Index(tag string) (int, bool) {
	idx, found := li.index[tag]
	return idx, found
}

// Tag returns the tag at index idx. It panics if idx is out of range.
func (li *LabelIndex) Tag(idx int) string { return li.tags[idx] }

// Tags returns the tags in index order.
func (li *LabelIndex) Tags() []string { return append([]string(nil), li.tags...) }

// Restrict returns a new LabelIndex with only the tags whose index is in keep, re-indexed densely in their
// original relative order.
func (li *LabelIndex) Restrict(keep func(idx int) bool) (*LabelIndex, error) {
	var tags []string
	for idx, tag := range li.tags {
		if keep(idx) {
			tags = append(tags, tag)
		}
	}
	return NewLabelIndex(tags)
}

// String implements fmt.Stringer.
func (li *LabelIndex) String() string {
	return "LabelIndex[" + strings.Join(li.tags, ", ") + "]"
}

// MarshalJSON encodes the index as a JSON object {"tag": index, ...}, in index order.
func (li *LabelIndex) MarshalJSON() ([]byte, error) {
	var sb strings.Builder
	sb.WriteByte('{')
	for idx, tag := range li.tags {
		if idx > 0 {
			sb.WriteByte(',')
		}
		key, err := json.Marshal(tag)
		if err != nil {
			return nil, err
		}
		sb.Write(key)
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(idx))
	}
	sb.WriteByte('}')
	return []byte(sb.String()), nil
}

// UnmarshalJSON decodes an object created by MarshalJSON, checking that the indices are dense and unique.
func (li *LabelIndex) UnmarshalJSON(data []byte) error {
	var m map[string]int
	if err := json.Unmarshal(data, &m); err != nil {
		return errors.Wrap(err, "failed to decode LabelIndex")
	}
	tags := make([]string, len(m))
	for tag, idx := range m {
		if idx < 0 || idx >= len(m) || tags[idx] != "" {
			return errors.Errorf("LabelIndex: tag %q has invalid or repeated index %d", tag, idx)
		}
		tags[idx] = tag
	}
	decoded, err := NewLabelIndex(tags)
	if err != nil {
		return err
	}
	*li = *decoded
	return nil
}
