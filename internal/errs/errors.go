// Package errs defines the error kinds that request tasks propagate up to
// the HTTP surface.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the HTTP layer and for callers that need to
// branch on failure mode.
type Kind string

const (
	BadRequest         Kind = "BadRequest"
	NotFound           Kind = "NotFound"
	InsufficientSpace  Kind = "InsufficientSpace"
	AlreadyInFlight    Kind = "AlreadyInFlight"
	PeerRefused        Kind = "PeerRefused"
	SizeMismatch       Kind = "SizeMismatch"
	CorruptBlock       Kind = "CorruptBlock"
	LinearDependence   Kind = "LinearDependence"
	InsufficientBlocks Kind = "InsufficientBlocks"
	Timeout            Kind = "Timeout"
	Cancelled          Kind = "Cancelled"
	IoError            Kind = "IoError"
	NetworkError       Kind = "NetworkError"
	DhtError           Kind = "DhtError"
	NoPeersLeft        Kind = "NoPeersLeft"
	Internal           Kind = "Internal"
)

// Error carries a kind, a human-readable context and, for partial-success
// operations, whatever was achieved before the failure.
type Error struct {
	Kind    Kind
	Context string
	Partial any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Context)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with a formatted context.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Context: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and context to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Context: fmt.Sprintf(format, args...), Err: err}
}

// WithPartial returns a copy of e carrying the partial result.
func (e *Error) WithPartial(partial any) *Error {
	c := *e
	c.Partial = partial
	return &c
}

// KindOf extracts the kind of err, or Internal if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
