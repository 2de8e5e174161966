package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies backend failures for retry and state-machine
// decisions.
type ErrorKind int

const (
	// Unreachable means the store could not be contacted. Retryable.
	Unreachable ErrorKind = iota

	// AuthFailed means credentials were rejected. Never auto-retried.
	AuthFailed

	// ProtocolViolation means the store answered with something the
	// variant cannot make sense of. Aborts the current job; tears down
	// the connection only when Framing is set.
	ProtocolViolation

	// NotFound means the addressed mailbox or message does not exist.
	NotFound

	// PermissionDenied means the operation is not allowed on this
	// store (e.g. expunging through a read-only index).
	PermissionDenied

	// Timeout means a single operation exceeded its deadline. Retryable.
	Timeout
)

func (k ErrorKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case AuthFailed:
		return "auth failed"
	case ProtocolViolation:
		return "protocol violation"
	case NotFound:
		return "not found"
	case PermissionDenied:
		return "permission denied"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ErrUnsupported marks an operation a backend variant cannot provide
// natively (e.g. server-side search on a plain maildir). Callers that
// have a local fallback test for it with errors.Is.
var ErrUnsupported = errors.New("operation not supported by this backend")

// Error is the typed failure every backend operation returns.
type Error struct {
	Kind ErrorKind
	Op   string

	// Framing marks a protocol violation at the framing level, which
	// requires the connection to be torn down and re-established.
	Framing bool

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errf builds a backend error wrapping a formatted cause.
func Errf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err under the given kind. Context deadline errors are
// promoted to Timeout and net errors to Unreachable so callers get the
// retry semantics they expect regardless of where the failure surfaced.
func Wrap(op string, kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = Timeout
	} else if isNetError(err) {
		kind = Unreachable
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func isNetError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

// KindOf extracts the error kind, defaulting to ProtocolViolation for
// untyped errors.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return ProtocolViolation
}

// IsRetryable reports whether the failure may be retried with backoff.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case Unreachable, Timeout:
		return true
	default:
		return false
	}
}

// IsAuthFailure reports whether the failure was an authentication
// rejection, which requires user action rather than a retry.
func IsAuthFailure(err error) bool {
	return KindOf(err) == AuthFailed
}

// NeedsReconnect reports whether the connection must be torn down:
// framing-level protocol violations poison the stream.
func NeedsReconnect(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == ProtocolViolation && be.Framing
	}
	return false
}
