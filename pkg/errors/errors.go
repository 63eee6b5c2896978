// Package errors provides error wrapping utilities and the error taxonomy used
// to decide how a failure is reported and whether the run can continue.
package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/clonestick/clonestick/pkg/units"
	"github.com/dustin/go-humanize"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindEnvironment covers missing privileges, tools, network or directories.
	KindEnvironment
	// KindTransient covers failures that were retried and finally exhausted.
	KindTransient
	// KindValidation covers rejected operator input or device state.
	KindValidation
	// KindIntegrity covers checksum mismatches and empty extractions.
	KindIntegrity
	// KindConcurrency covers a lock held by a live process.
	KindConcurrency
	// KindCancelled covers operator cancellation and interrupt signals.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindEnvironment:
		return "environment"
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindIntegrity:
		return "integrity"
	case KindConcurrency:
		return "concurrency"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a classified failure with an optional remediation hint.
type Error struct {
	Kind Kind
	Msg  string
	Hint string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg, hint string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Hint: hint, Err: err}
}

// Environment reports a missing precondition of the host.
func Environment(msg, hint string) error { return newError(KindEnvironment, msg, hint, nil) }

// Transient reports a retried operation that ran out of attempts.
func Transient(msg, hint string, err error) error { return newError(KindTransient, msg, hint, err) }

// Validation reports rejected input.
func Validation(msg, hint string) error { return newError(KindValidation, msg, hint, nil) }

// Integrity reports corrupted or missing content.
func Integrity(msg, hint string) error { return newError(KindIntegrity, msg, hint, nil) }

// Concurrency reports a competing instance.
func Concurrency(msg, hint string) error { return newError(KindConcurrency, msg, hint, nil) }

// Cancelled reports an operator or signal cancellation.
func Cancelled(msg string, err error) error { return newError(KindCancelled, msg, "", err) }

// Classify attaches a kind and hint to an arbitrary error.
func Classify(kind Kind, err error, msg, hint string) error {
	if err == nil {
		return nil
	}
	return newError(kind, msg, hint, err)
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	var s *ShortageError
	if stderrors.As(err, &s) {
		return KindValidation
	}
	return KindUnknown
}

// HintOf returns the first non-empty hint in the chain.
func HintOf(err error) string {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Hint != "" {
			return e.Hint
		}
		if s, ok := err.(*ShortageError); ok {
			return s.hint()
		}
		err = stderrors.Unwrap(err)
	}
	return ""
}

// ShortageError reports that fewer bytes are available than required.
type ShortageError struct {
	What      string
	Required  uint64
	Available uint64
}

func (e *ShortageError) Error() string {
	return fmt.Sprintf("insufficient space for %s: required %s, available %s",
		e.What, units.HumanSize(e.Required), units.HumanSize(e.Available))
}

func (e *ShortageError) hint() string {
	return fmt.Sprintf("free up at least %s or pick a larger target", humanize.IBytes(e.Required-min(e.Required, e.Available)))
}

// Is, As and Unwrap re-export the standard library helpers so callers only
// import this package.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Unwrap(err error) error { return stderrors.Unwrap(err) }

func New(text string) error { return stderrors.New(text) }
