// Package nperrors implements the session-establishment error taxonomy shared
// by np, npd, and rvd: ConfigError, AuthError, TimeoutError, RemoteError,
// ResourceError, and TransientError. Each kind carries an exit-code hint so
// CLI entry points can map a failure straight to the §6 exit status without
// re-deriving it from the error text.
package nperrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the taxonomy's error categories.
type Kind int

const (
	// KindUnknown is returned by Classify for errors not wrapped by this package.
	KindUnknown Kind = iota
	KindConfig
	KindAuth
	KindTimeout
	KindRemote
	KindResource
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindAuth:
		return "AuthError"
	case KindTimeout:
		return "TimeoutError"
	case KindRemote:
		return "RemoteError"
	case KindResource:
		return "ResourceError"
	case KindTransient:
		return "TransientError"
	default:
		return "UnknownError"
	}
}

// ExitCode maps a Kind to the np CLI exit status from spec §6:
// 0 success, 1 usage/config error, 2 timeout, 3 remote error.
// Auth/Resource/Transient errors that escape to the top level are reported as
// generic failures (exit 1) since they have no dedicated code in §6.
func (k Kind) ExitCode() int {
	switch k {
	case KindConfig:
		return 1
	case KindTimeout:
		return 2
	case KindRemote:
		return 3
	default:
		return 1
	}
}

// npError is the concrete wrapped error type. Unexported: callers interact
// through the constructors and Classify/Is helpers, not the struct itself.
type npError struct {
	kind Kind
	msg  string
	err  error
}

func (e *npError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *npError) Unwrap() error { return e.err }

func wrap(k Kind, msg string, err error) error {
	return &npError{kind: k, msg: msg, err: err}
}

// Config wraps a fatal startup error: missing/invalid flag, unreadable keyfile.
func Config(msg string, err error) error { return wrap(KindConfig, msg, err) }

// Auth wraps a signature mismatch, unknown address, or nonce mismatch.
// Auth failures close the offending socket; no reply is owed to the peer.
func Auth(msg string, err error) error { return wrap(KindAuth, msg, err) }

// Timeout wraps an expired wait on a control response, rendezvous auth, or ping.
func Timeout(msg string, err error) error { return wrap(KindTimeout, msg, err) }

// Remote wraps a daemon status=error response payload. msg is forwarded to
// the user verbatim per §7, so callers should pass the peer's message text.
func Remote(msg string, err error) error { return wrap(KindRemote, msg, err) }

// Resource wraps port or file-descriptor exhaustion.
func Resource(msg string, err error) error { return wrap(KindResource, msg, err) }

// Transient wraps a substrate-level I/O hiccup eligible for local retry.
func Transient(msg string, err error) error { return wrap(KindTransient, msg, err) }

// Classify returns the Kind of err, walking the Unwrap chain. Returns
// KindUnknown for errors never wrapped by this package.
func Classify(err error) Kind {
	var e *npError
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}

// Is reports whether err is, or wraps, an error of the given Kind.
func Is(err error, k Kind) bool {
	return Classify(err) == k
}
