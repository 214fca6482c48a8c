package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// WrapIfErr returns nil for a nil error, otherwise Wrap(err, kind, message).
func WrapIfErr(err error, kind Kind, message string) error {
	if err == nil {
		return nil
	}
	return Wrap(err, kind, message)
}

// JoinErrors folds several errors into one.
// A single non-nil error is returned unchanged.
func JoinErrors(errs ...error) error {
	var nonNilErrs []error
	for _, err := range errs {
		if err != nil {
			nonNilErrs = append(nonNilErrs, err)
		}
	}

	if len(nonNilErrs) == 0 {
		return nil
	}

	if len(nonNilErrs) == 1 {
		return nonNilErrs[0]
	}

	var messages []string
	for _, err := range nonNilErrs {
		messages = append(messages, err.Error())
	}

	return Newf(nonNilErrs[0], GetKind(nonNilErrs[0]), "multiple errors occurred: %s", strings.Join(messages, "; "))
}

// FormatErrorChain renders the chain with stacks, for --debug output.
func FormatErrorChain(err error) string {
	if err == nil {
		return "<nil>"
	}

	var result strings.Builder
	result.WriteString(err.Error())

	var e *Error
	if stderrors.As(err, &e) && len(e.Stack) > 0 {
		result.WriteString("\nStack Trace:\n")
		for _, frame := range e.Stack {
			result.WriteString("  ")
			result.WriteString(frame)
			result.WriteString("\n")
		}
	}

	cause := stderrors.Unwrap(err)
	if cause != nil {
		result.WriteString("\nCaused by: ")
		result.WriteString(FormatErrorChain(cause))
	}

	return result.String()
}

// Details returns the kind and message of err, or "internal" for foreign errors.
func Details(err error) (kind Kind, message string) {
	if err == nil {
		return "", ""
	}

	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind, e.Message
	}

	return KindInternal, fmt.Sprint(err)
}
