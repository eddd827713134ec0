// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package diagnostics defines the Observer the pipeline components report to.
//
// Components never log directly: they are given an Observer. The production one, Klog, forwards to k8s.io/klog/v2,
// and Recorder keeps the messages in memory for tests.
package diagnostics

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Observer receives the "log and continue" events of the pipeline components.
type Observer interface {
	// Infof reports normal progress.
	Infof(format string, args ...any)

	// Warnf reports a recoverable problem, e.g. a skipped image file or a failed tracker call.
	Warnf(format string, args ...any)

	// Debugf reports details only useful when debugging.
	Debugf(format string, args ...any)
}

// Klog is an Observer that logs with klog. Debug messages are logged at verbosity 1.
type Klog struct{}

var _ Observer = Klog{}

// Infof implements Observer.
func (Klog) Infof(format string, args ...any) { klog.InfoDepth(1, fmt.Sprintf(format, args...)) }

// Warnf implements Observer.
func (Klog) Warnf(format string, args ...any) { klog.WarningDepth(1, fmt.Sprintf(format, args...)) }

// Debugf implements Observer.
func (Klog) Debugf(format string, args ...any) {
	if klog.V(1).Enabled() {
		klog.InfoDepth(1, fmt.Sprintf(format, args...))
	}
}

// Discard is an Observer that drops everything.
type Discard struct{}

func (Discard) Infof(string, ...any)  {}
func (Discard) Warnf(string, ...any)  {}
func (Discard) Debugf(string, ...any) {}

// OrDefault returns o, or Klog if o is nil.
func OrDefault(o Observer) Observer {
	if o == nil {
		return Klog{}
	}
	return o
}

// Level of a recorded Entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
)

// Entry is one message captured by Recorder.
type Entry struct {
	Level   Level
	Message string
}

// Recorder is an Observer that keeps all messages in memory. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

var _ Observer = (*Recorder)(nil)

func (r *Recorder) add(level Level, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Message: fmt.Sprintf(format, args...)})
}

// Infof implements Observer.
func (r *Recorder) Infof(format string, args ...any) { r.add(LevelInfo, format, args...) }

// Warnf implements Observer.
func (r *Recorder) Warnf(format string, args ...any) { r.add(LevelWarn, format, args...) }

// Debugf implements Observer.
func (r *Recorder) Debugf(format string, args ...any) { r.add(LevelDebug, format, args...) }

// Entries returns a copy of all recorded entries.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Warnings returns the messages recorded with Warnf.
func (r *Recorder) Warnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var msgs []string
	for _, e := range r.entries {
		if e.Level == LevelWarn {
			msgs = append(msgs, e.Message)
		}
	}
	return msgs
}
