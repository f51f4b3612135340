// Package apperr is the error taxonomy shared by every core operation.
//
// Callers classify errors with errors.Is against the sentinels below; the
// concrete error keeps the human-readable detail.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation            = errors.New("validation failed")
	ErrNotFound              = errors.New("not found")
	ErrStateConflict         = errors.New("state conflict")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAvailable = fmt.Errorf("%w: available balance too low", ErrInsufficientFunds)
	ErrEligibility           = errors.New("not eligible")
	ErrFatal                 = errors.New("internal error")
)

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStateConflict, fmt.Sprintf(format, args...))
}

func InsufficientFundsf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInsufficientFunds, fmt.Sprintf(format, args...))
}

func InsufficientAvailablef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInsufficientAvailable, fmt.Sprintf(format, args...))
}

// Reason is a machine-readable rejection code.
type Reason string

// RejectionError is returned when an application or request is refused
// before any state is written.
type RejectionError struct {
	Reason  Reason
	Message string
	kind    error
}

func Reject(kind error, reason Reason, message string) *RejectionError {
	return &RejectionError{Reason: reason, Message: message, kind: kind}
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.Message)
}

func (e *RejectionError) Is(target error) bool {
	return target == e.kind
}

// FatalError wraps a persistence or infrastructure failure. Its Error text is
// safe to show; the cause is kept for logs.
type FatalError struct {
	Op  string
	Err error
}

func Fatal(op string, err error) error {
	return &FatalError{Op: op, Err: err}
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, ErrFatal)
}

func (e *FatalError) Unwrap() error { return e.Err }

func (e *FatalError) Is(target error) bool {
	return target == ErrFatal
}

// Classified reports whether err already belongs to the taxonomy.
func Classified(err error) bool {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrStateConflict, ErrInsufficientFunds, ErrEligibility, ErrFatal} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// Wrap adds op context to a classified error and turns anything else into a
// FatalError.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if Classified(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return Fatal(op, err)
}

// HTTPStatus maps an error to the status code the transport adapter returns.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrEligibility):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the text a caller may see. Fatal and unclassified errors
// collapse to a generic message.
func PublicMessage(err error) string {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Message
	}
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrFatal) || !Classified(err) {
		return "internal error, please try again later"
	}
	return err.Error()
}
