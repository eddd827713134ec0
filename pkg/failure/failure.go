// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package failure defines the error taxonomy of the denoiser pipeline.
//
// Every component wraps its local errors into an *Error carrying a Kind and the operation that failed, and keeps
// the original cause (with its github.com/pkg/errors stack) reachable with errors.Unwrap. Use KindOf to recover
// the kind of any error returned by the pipeline, or errors.Is against the sentinels (ErrConfig, ErrSplit, ...):
//
//	if errors.Is(err, failure.ErrArtifactNotFound) {
//		...
//	}
package failure

import (
	stderrors "errors"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Error is a pipeline error of a given Kind.
type Error struct {
	// Kind classifies the error.
	Kind Kind

	// Op is the operation that failed, e.g. "corpus.Read" or "artifacts.ReadArray(/tmp/train.npy)".
	Op string

	// Err is the originating cause. It can be nil for the sentinels.
	Err error
}

// Sentinels to use with errors.Is: they match any *Error of the same Kind.
var (
	ErrConfig           = &Error{Kind: KindConfig}
	ErrCorpusRead       = &Error{Kind: KindCorpusRead}
	ErrSplit            = &Error{Kind: KindSplit}
	ErrArtifactNotFound = &Error{Kind: KindArtifactNotFound}
	ErrArtifactCorrupt  = &Error{Kind: KindArtifactCorrupt}
	ErrPreprocess       = &Error{Kind: KindPreprocess}
	ErrTraining         = &Error{Kind: KindTraining}
	ErrEvaluation       = &Error{Kind: KindEvaluation}
	ErrModel            = &Error{Kind: KindModel}
)

// Error implements the error interface: "<Kind>Error: <op>: <cause>".
func (e *Error) Error() string {
	msg := e.Kind.ErrorName()
	if e.Op != "" {
		msg = msg + ": " + e.Op
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the originating cause.
func (e *Error) Unwrap() error { return e.Err }

// Cause implements github.com/pkg/errors causer interface.
func (e *Error) Cause() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
// An *Error target with an Op set also requires the same Op.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Op == "" || t.Op == e.Op
}

// Format implements fmt.Formatter: "%+v" also prints the stack trace of the originating cause.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = io.WriteString(s, e.Kind.ErrorName())
			if e.Op != "" {
				_, _ = fmt.Fprintf(s, ": %s", e.Op)
			}
			if e.Err != nil {
				_, _ = fmt.Fprintf(s, ": %+v", e.Err)
			}
			return
		}
		fallthrough
	case 's':
		_, _ = io.WriteString(s, e.Error())
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	}
}

// New creates a new *Error of the given kind, with a cause built from format and args.
// The cause records the stack trace of the caller.
func New(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// Wrap err into an *Error of the given kind. It returns nil if err is nil.
//
// If err doesn't carry a stack trace yet, one is added.
// If err is already an *Error, it is wrapped anyway: the outermost kind is the one reported by KindOf.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if !hasStack(err) {
		err = errors.WithStack(err)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf is like Wrap, but prefixes the cause with a formatted message.
func Wrapf(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if !hasStack(err) {
		err = errors.WithStack(err)
	}
	return &Error{Kind: kind, Op: op, Err: errors.WithMessagef(err, format, args...)}
}

// KindOf returns the Kind of the outermost *Error in the err chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err has an *Error of the given kind in its chain.
func Is(err error, kind Kind) bool {
	return stderrors.Is(err, &Error{Kind: kind})
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func hasStack(err error) bool {
	var st stackTracer
	return stderrors.As(err, &st)
}
