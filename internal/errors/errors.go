package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind is the stable failure category surfaced to callers.
type Kind string

const (
	KindUnknownFormat       Kind = "unknown_format"
	KindInvalidFormat       Kind = "invalid_format"
	KindUnsupportedVersion  Kind = "unsupported_version"
	KindWrongCredential     Kind = "wrong_credential"
	KindBadPadding          Kind = "bad_padding"
	KindCryptoInternal      Kind = "crypto_internal"
	KindDrmFree             Kind = "drm_free"
	KindExternalKeyRequired Kind = "external_key_required"
	KindCanceled            Kind = "canceled"
	KindInvalidArg          Kind = "invalid_argument"
	KindConfig              Kind = "config"
	KindIO                  Kind = "io"
	KindInternal            Kind = "internal"
)

// Error is the error type returned by every package of the module.
type Error struct {
	Kind    Kind     `json:"kind"`
	Message string   `json:"message"`
	Cause   error    `json:"-"`
	Stack   []string `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) String() string {
	return e.Error()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind and message.
// Sentinel values compare equal after WithStack or Wrap copies.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

// WithStack records the caller frames. Sentinels are copied first so the
// package level values stay immutable.
func (e *Error) WithStack() *Error {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	stack := make([]string, 0, n)
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}

	out := *e
	out.Stack = stack
	return &out
}

func New(cause error, kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

func Newf(cause error, kind Kind, format string, args ...any) *Error {
	return New(cause, kind, fmt.Sprintf(format, args...))
}

// Wrap keeps the kind of an existing *Error and replaces its message.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Kind:    e.Kind,
			Message: message,
			Cause:   err,
			Stack:   e.Stack,
		}
	}

	return New(err, kind, message)
}

// GetKind returns the kind of the first *Error in the chain.
func GetKind(err error) Kind {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindInternal
}

// IsKind reports whether any *Error in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

func IsDrmFree(err error) bool {
	return IsKind(err, KindDrmFree)
}

// Is and As re-export the standard library helpers so callers only import
// this package.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func RootCause(err error) error {
	for err != nil {
		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			return err
		}
		err = unwrapped
	}
	return err
}
