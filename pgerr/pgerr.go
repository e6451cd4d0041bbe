// Package pgerr implements the closed error taxonomy every component in
// this module reports through. Each error carries a stable kind, a
// formatted message, an optional cause, and the stack of the frame that
// constructed it.
package pgerr

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind is one of the closed set of error kinds.
type Kind int

const (
	_ Kind = iota

	// Connectivity
	DbConnectError
	HostConnectError
	ProtocolError
	FileReadError
	FileWriteError
	FileOpenError
	KernelError

	// Semantic
	ArchiveMismatchError
	ArchiveDuplicateError
	ArchiveTimeoutError
	DbMismatchError
	RepoInvalidError
	FormatError
	FileMissingError
	FileModeError

	// Operational
	LockAcquireError
	ExecuteError
	CommandError
	AssertError
	HostInvalidError
	OptionRequiredError
	ParamRequiredError
	ParamInvalidError
	PathMissingError
	PathOpenError
	FileRemoveError
)

// code is the stable numeric exit/wire code for each kind, per the CLI exit
// code mapping.
var code = map[Kind]int{
	DbConnectError:        101,
	HostConnectError:      102,
	ProtocolError:         103,
	FileReadError:         104,
	FileWriteError:        105,
	FileOpenError:         106,
	KernelError:           107,
	ArchiveMismatchError:  108,
	ArchiveDuplicateError: 109,
	ArchiveTimeoutError:   110,
	DbMismatchError:       111,
	RepoInvalidError:      112,
	FormatError:           42,
	FileMissingError:      55,
	FileModeError:         114,
	LockAcquireError:      115,
	ExecuteError:          116,
	CommandError:          117,
	AssertError:           118,
	HostInvalidError:      119,
	OptionRequiredError:   120,
	ParamRequiredError:    121,
	ParamInvalidError:     122,
	PathMissingError:      123,
	PathOpenError:         124,
	FileRemoveError:       125,
}

var name = map[Kind]string{
	DbConnectError:        "DbConnectError",
	HostConnectError:      "HostConnectError",
	ProtocolError:         "ProtocolError",
	FileReadError:         "FileReadError",
	FileWriteError:        "FileWriteError",
	FileOpenError:         "FileOpenError",
	KernelError:           "KernelError",
	ArchiveMismatchError:  "ArchiveMismatchError",
	ArchiveDuplicateError: "ArchiveDuplicateError",
	ArchiveTimeoutError:   "ArchiveTimeoutError",
	DbMismatchError:       "DbMismatchError",
	RepoInvalidError:      "RepoInvalidError",
	FormatError:           "FormatError",
	FileMissingError:      "FileMissingError",
	FileModeError:         "FileModeError",
	LockAcquireError:      "LockAcquireError",
	ExecuteError:          "ExecuteError",
	CommandError:          "CommandError",
	AssertError:           "AssertError",
	HostInvalidError:      "HostInvalidError",
	OptionRequiredError:   "OptionRequiredError",
	ParamRequiredError:    "ParamRequiredError",
	ParamInvalidError:     "ParamInvalidError",
	PathMissingError:      "PathMissingError",
	PathOpenError:         "PathOpenError",
	FileRemoveError:       "FileRemoveError",
}

func (k Kind) String() string {
	if s, ok := name[k]; ok {
		return s
	}
	return "UnknownError"
}

// Code returns the stable numeric code associated with the kind.
func (k Kind) Code() int {
	if c, ok := code[k]; ok {
		return c
	}
	return 1
}

// KindFromCode returns the Kind whose stable code equals c, the inverse of
// Code, used to reconstruct a Kind from an on-disk status file that
// persists only the numeric form.
func KindFromCode(c int) (Kind, bool) {
	for k, v := range code {
		if v == c {
			return k, true
		}
	}
	return 0, false
}

// Error is the concrete error type every component constructs. Use New or
// Wrap rather than building it directly so the stack is always captured at
// the point of origin.
type Error struct {
	kind    Kind
	message string
	cause   error
	stack   []uintptr
}

// New creates an Error of the given kind with a formatted message.
func New(k Kind, format string, args ...any) *Error {
	return &Error{
		kind:    k,
		message: fmt.Sprintf(format, args...),
		stack:   captureStack(2),
	}
}

// Wrap creates an Error of the given kind that wraps cause. If cause is
// already a *Error its stack is preserved in the chain via errors.Unwrap.
func Wrap(k Kind, cause error, format string, args ...any) *Error {
	return &Error{
		kind:    k,
		message: fmt.Sprintf(format, args...),
		cause:   cause,
		stack:   captureStack(2),
	}
}

func captureStack(skip int) []uintptr {
	pc := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pc)
	return pc[:n]
}

// Kind returns the error's kind.
func (e *Error) Kind() Kind { return e.kind }

// Code returns the stable numeric code for the error's kind.
func (e *Error) Code() int { return e.kind.Code() }

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.kind, e.message)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// StackString renders the captured stack, one frame per line, for
// diagnostic logging. It is never included in Error() output.
func (e *Error) StackString() string {
	frames := runtime.CallersFrames(e.stack)
	var b strings.Builder
	for {
		f, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return b.String()
}

// Is reports whether err is a *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.kind == k
	}
	return false
}

// KindOf extracts the Kind from err, returning (0, false) if err is not a
// *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.kind, true
	}
	return 0, false
}
