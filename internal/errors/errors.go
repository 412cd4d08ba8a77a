// Package errors provides structured error types for laraforge.
// Errors carry the operation that failed and a Kind that callers can
// branch on without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Op describes an operation, usually as "package.Method".
type Op string

// Kind categorizes the type of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalid
	KindIO
	KindConfig
	KindGit
	KindMergeConflict
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindInvalid:
		return "invalid"
	case KindIO:
		return "I/O error"
	case KindConfig:
		return "configuration error"
	case KindGit:
		return "git command failed"
	case KindMergeConflict:
		return "merge conflict"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown error"
	}
}

// Error is the structured error type.
type Error struct {
	Op      Op     // Operation that failed
	Kind    Kind   // Category of error
	Err     error  // Underlying error
	Context string // Additional context
}

func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Context, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a new Error. Arguments can be an Op, a Kind, a context
// string, or the underlying error, in any order. Without a Kind, the
// wrapped error's Kind is kept.
func E(args ...any) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case string:
			e.Context = a
		case error:
			e.Err = a
		}
	}
	if e.Err == nil {
		e.Err = errors.New(e.Context)
		e.Context = ""
	}
	if e.Kind == KindUnknown {
		e.Kind = GetKind(e.Err)
	}
	return e
}

// Is reports whether any error in err's chain is of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// GetKind returns the Kind of the outermost structured error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// SessionNotFound reports a missing worktree or process session record.
func SessionNotFound(op Op, id string) error {
	return E(op, KindNotFound, fmt.Sprintf("session %s not found", id))
}

// GitFailed wraps a failed git invocation, keeping its stderr.
func GitFailed(op Op, args string, stderr string, err error) error {
	if stderr != "" {
		err = fmt.Errorf("%s: %w", stderr, err)
	}
	return E(op, KindGit, "git "+args, err)
}

// Timeout reports a subprocess or lock wait that exceeded its deadline.
func Timeout(op Op, what string) error {
	return E(op, KindTimeout, what+" timed out")
}

// ConfigInvalid reports a state or config file that failed to parse.
func ConfigInvalid(op Op, path string, err error) error {
	return E(op, KindConfig, fmt.Sprintf("cannot parse %s", path), err)
}
