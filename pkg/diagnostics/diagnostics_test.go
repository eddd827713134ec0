// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diagnostics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	var o Observer = r
	o.Infof("read %d images", 3)
	o.Warnf("skipping %q", "bad.png")
	o.Debugf("details")
	entries := r.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, Entry{Level: LevelInfo, Message: "read 3 images"}, entries[0])
	assert.Equal(t, []string{`skipping "bad.png"`}, r.Warnings())
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, Klog{}, OrDefault(nil))
	r := &Recorder{}
	assert.Same(t, r, OrDefault(r))
	Discard{}.Warnf("ignored")
}
