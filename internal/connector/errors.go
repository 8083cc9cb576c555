package connector

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a connector failure so the engine can decide between
// retrying, skipping the item, or aborting the data type.
type Kind int

const (
	KindTransient Kind = iota
	KindAuthExpired
	KindRateLimited
	KindNotFound
	KindPermanent
	KindTokenExpired
)

func (k Kind) String() string {
	switch k {
	case KindAuthExpired:
		return "auth_expired"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindPermanent:
		return "permanent"
	case KindTokenExpired:
		return "token_expired"
	default:
		return "transient"
	}
}

// Retryable reports whether a call failing with k may succeed when repeated.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited || k == KindAuthExpired
}

// Error is a classified connector failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies err. Context cancellation is Permanent so that it is
// never retried; unclassified errors, network timeouts included, are
// Transient.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	return KindTransient
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPKind maps an HTTP status code returned by a REST provider to a kind.
func HTTPKind(status int) Kind {
	switch {
	case status == 401:
		return KindAuthExpired
	case status == 404:
		return KindNotFound
	case status == 410:
		return KindTokenExpired
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindPermanent
	}
	return KindTransient
}
