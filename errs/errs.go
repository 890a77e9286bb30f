// Package errs defines the error taxonomy shared by training, decoding and
// persistence.
//
// Every error produced by this module that belongs to a category carries a
// Kind, so callers can branch with errors.Is:
//
//	if errors.Is(err, errs.Divergence) {
//		// lower the learning rate and retry
//	}
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	// Configuration covers inconsistent or missing settings.
	Configuration Kind = iota + 1
	// Data covers malformed corpora, vocabularies and example sets.
	Data
	// Divergence is a non-finite training loss.
	Divergence
	// UnknownLanguage is returned when the tokenizer has no rules for a language.
	UnknownLanguage
	// Checkpoint covers persist and restore failures.
	Checkpoint
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration error"
	case Data:
		return "data error"
	case Divergence:
		return "divergence error"
	case UnknownLanguage:
		return "unknown language error"
	case Checkpoint:
		return "checkpoint error"
	default:
		return "error"
	}
}

// Error implements error so a bare Kind can be used as an errors.Is target.
func (k Kind) Error() string { return k.String() }

// Error is a categorized error.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "config.Validate"
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is this error's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// E builds an Error of kind k for operation op.
func E(k Kind, op string, err error) error {
	return &Error{Kind: k, Op: op, Err: err}
}

// Configf returns a Configuration error with a formatted message.
func Configf(op, format string, args ...any) error {
	return E(Configuration, op, fmt.Errorf(format, args...))
}

// Dataf returns a Data error with a formatted message.
func Dataf(op, format string, args ...any) error {
	return E(Data, op, fmt.Errorf(format, args...))
}

// Checkpointf returns a Checkpoint error with a formatted message.
func Checkpointf(op, format string, args ...any) error {
	return E(Checkpoint, op, fmt.Errorf(format, args...))
}

// KindOf returns the Kind of the first categorized error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
