// Package errkind classifies engine errors into the closed set the rest of
// the system branches on: retry, fail fast, or surface as a state
// transition. Nothing downstream inspects raw error strings.
package errkind

import "fmt"

// Kind is one of the error classes the engine, fetcher and assembler raise.
type Kind string

const (
	NetworkTransient Kind = "network-transient"
	NetworkPermanent Kind = "network-permanent"
	Integrity        Kind = "integrity"
	Disk             Kind = "disk"
	State            Kind = "state"
	BreakerOpen      Kind = "breaker-open"
	Cancelled        Kind = "cancelled"
	Internal         Kind = "internal"
)

// Error wraps an underlying error with its classification.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind. Returns nil if err is nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Wrap formats a message and wraps it with kind, like fmt.Errorf.
func Wrap(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Of extracts the Kind from err, defaulting to Internal for unclassified
// errors so callers always have something to branch on.
func Of(err error) Kind {
	if err == nil {
		return ""
	}
	var ke *Error
	if ok := asKind(err, &ke); ok {
		return ke.Kind
	}
	return Internal
}

// IsRetryable reports whether an error's kind should be retried by the
// chunk fetcher's backoff loop.
func IsRetryable(err error) bool {
	return Of(err) == NetworkTransient
}

func asKind(err error, target **Error) bool {
	for err != nil {
		if ke, ok := err.(*Error); ok {
			*target = ke
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
