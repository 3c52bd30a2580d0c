// Package mailerr classifies engine errors into the kinds callers
// act on.  Components wrap causes with pkg/errors and attach a Kind
// at the boundary where the classification is known.
package mailerr

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the error taxonomy.
type Kind int

const (
	Internal Kind = iota // bug; the zero value
	Network              // transient transport failure
	RateLimited          // server backpressure
	Auth                 // token exchange or refresh failed
	HistoryExpired       // delta cursor rejected by the server
	Parse                // malformed remote payload
	QueryParse           // bad search input
	Io                   // storage failure
	NotFound             // missing local entity
	AlreadyExists
	Conflict  // optimistic mutation rolled back
	Cancelled // cooperative cancellation
)

func (k Kind) String() string {
	switch k {
	case Network:
		return "network"
	case RateLimited:
		return "rate limited"
	case Auth:
		return "auth"
	case HistoryExpired:
		return "history expired"
	case Parse:
		return "parse"
	case QueryParse:
		return "query parse"
	case Io:
		return "io"
	case NotFound:
		return "not found"
	case AlreadyExists:
		return "already exists"
	case Conflict:
		return "conflict"
	case Cancelled:
		return "cancelled"
	}
	return "internal"
}

// Error carries a Kind, the operation that failed, and the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the Kind of err, walking both the stdlib Unwrap
// chain and pkg/errors causes.  Context cancellation maps to
// Cancelled; unclassified errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	// pkg/errors wrapping does implement Unwrap, but Cause can reach
	// deeper through older wrappers.
	if cause := errors.Cause(err); cause != err {
		return KindOf(cause)
	}
	return Internal
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
