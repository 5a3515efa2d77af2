// Package errors defines the error kinds surfaced by the reconciliation
// platform and maps them onto HTTP status codes. Every kind is a sentinel so
// callers classify with errors.Is; AppError adds a message, an optional cause
// and, for duplicate submissions, the id of the document that already exists.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrDuplicateSubmission = errors.New("duplicate submission")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrConflict            = errors.New("version conflict")
	ErrValidation          = errors.New("validation failed")
	ErrTransientIngestion  = errors.New("transient ingestion failure")
	ErrPermanentExtraction = errors.New("permanent extraction failure")
	ErrNotFound            = errors.New("not found")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrInternal            = errors.New("internal error")
	ErrTimeout             = errors.New("operation timed out")
)

// Kind is the stable, wire-visible name of an error class.
type Kind string

const (
	KindDuplicateSubmission Kind = "DuplicateSubmission"
	KindInvalidTransition   Kind = "InvalidTransition"
	KindConflict            Kind = "ConflictError"
	KindValidation          Kind = "ValidationError"
	KindTransientIngestion  Kind = "TransientIngestionError"
	KindPermanentExtraction Kind = "PermanentExtractionError"
	KindNotFound            Kind = "NotFound"
	KindRateLimited         Kind = "RateLimited"
	KindInternal            Kind = "InternalError"
)

var kinds = []struct {
	sentinel error
	kind     Kind
	status   int
}{
	{ErrDuplicateSubmission, KindDuplicateSubmission, http.StatusConflict},
	{ErrInvalidTransition, KindInvalidTransition, http.StatusConflict},
	{ErrConflict, KindConflict, http.StatusConflict},
	{ErrValidation, KindValidation, http.StatusBadRequest},
	{ErrTransientIngestion, KindTransientIngestion, http.StatusServiceUnavailable},
	{ErrTimeout, KindTransientIngestion, http.StatusServiceUnavailable},
	{ErrPermanentExtraction, KindPermanentExtraction, http.StatusUnprocessableEntity},
	{ErrNotFound, KindNotFound, http.StatusNotFound},
	{ErrRateLimited, KindRateLimited, http.StatusTooManyRequests},
}

type AppError struct {
	Err        error
	Cause      error
	Message    string
	StatusCode int
	// ExistingID is set on DuplicateSubmission errors.
	ExistingID string
}

func (e *AppError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

func New(sentinel error, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusFor(sentinel),
	}
}

func Newf(sentinel error, format string, args ...any) *AppError {
	return New(sentinel, fmt.Sprintf(format, args...))
}

// Wrap classifies cause under sentinel while keeping it reachable through
// errors.Is / errors.As.
func Wrap(sentinel error, cause error, message string) *AppError {
	e := New(sentinel, message)
	e.Cause = cause
	if message == "" && cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// Duplicate reports a resubmission of content that already has a document.
func Duplicate(existingID string) *AppError {
	e := Newf(ErrDuplicateSubmission, "document %s already exists for this fingerprint", existingID)
	e.ExistingID = existingID
	return e
}

func NotFound(what, id string) *AppError {
	return Newf(ErrNotFound, "%s %s not found", what, id)
}

func InvalidTransition(format string, args ...any) *AppError {
	return Newf(ErrInvalidTransition, format, args...)
}

func Conflict(what, id string, expected, actual int64) *AppError {
	return Newf(ErrConflict, "%s %s is at version %d, expected %d", what, id, actual, expected)
}

func Validation(format string, args ...any) *AppError {
	return Newf(ErrValidation, format, args...)
}

func Transient(cause error, message string) *AppError {
	return Wrap(ErrTransientIngestion, cause, message)
}

func Permanent(cause error, message string) *AppError {
	return Wrap(ErrPermanentExtraction, cause, message)
}

// KindOf returns the error kind of err, or KindInternal when err is not one
// of the platform's classified errors.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindInternal
}

// FromKind rebuilds a classified error from its wire kind. Unknown kinds are
// reported as internal errors.
func FromKind(kind, message string) *AppError {
	for _, k := range kinds {
		if string(k.kind) == kind {
			return New(k.sentinel, message)
		}
	}
	return New(ErrInternal, message)
}

// IsTransient reports whether err should be retried by the ingestion tracker.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientIngestion) || errors.Is(err, ErrTimeout)
}

// ExistingID returns the id carried by a DuplicateSubmission error.
func ExistingID(err error) (string, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.ExistingID != "" {
		return appErr.ExistingID, true
	}
	return "", false
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}
	return statusFor(err)
}

func statusFor(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}
