// Package errs declares the error kinds from the error handling design
// (timeouts, I/O, protocol violations, validation, policy gates, and
// lock contention) as sentinels compatible with errors.Is/errors.As,
// wrapped with github.com/pkg/errors for stack context at the call site.
package errs

import "github.com/pkg/errors"

// Kind classifies a failure the way the orchestrator and notification
// layer need to react to it.
type Kind int

const (
	// KindIO covers open/stat/link/unlink/rename/write/read failures.
	KindIO Kind = iota
	// KindTimeout covers a blocking IPC read/write deadline expiry.
	KindTimeout
	// KindProtocol covers a client error report, malformed frame, or
	// wrong phase order.
	KindProtocol
	// KindValidation covers config parse errors and bad profile values.
	KindValidation
	// KindPolicy covers a failsafe gate blocking a prune.
	KindPolicy
	// KindLockContention covers another live process holding the lock.
	KindLockContention
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindValidation:
		return "validation"
	case KindPolicy:
		return "policy"
	case KindLockContention:
		return "lock_contention"
	default:
		return "unknown"
	}
}

// Error is a managebackups error annotated with a Kind.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.err }

// New creates a Kind-tagged error with a message.
func New(k Kind, msg string) error {
	return &Error{Kind: k, msg: msg}
}

// Wrap attaches a Kind and message to an existing error, preserving the
// original as the cause via github.com/pkg/errors.
func Wrap(k Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, msg: msg, err: errors.WithStack(err)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(k Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, msg: errors.Errorf(format, args...).Error(), err: errors.WithStack(err)}
}

// Is reports whether err carries the given Kind.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// Timeout is a sentinel Error value for use with errors.Is on the bare
// kind when no extra context is needed.
var Timeout = New(KindTimeout, "timeout")

// Closed signals a framed channel hit EOF before its delimiter.
var Closed = New(KindProtocol, "channel closed")
