package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the typed error carried through the pipeline. Code is the
// stable machine-readable identifier surfaced in API responses.
type Error struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on the error code so sentinels compare across wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func newError(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

var (
	ErrSignatureInvalid      = newError("signature_invalid", "signature verification failed", http.StatusUnauthorized)
	ErrConfigurationMissing  = newError("configuration_missing", "provider credentials are not configured", http.StatusUnprocessableEntity)
	ErrReceiptInvalid        = newError("receipt_invalid", "receipt was rejected or malformed", http.StatusBadRequest)
	ErrNotFound              = newError("not_found", "resource not found", http.StatusNotFound)
	ErrDuplicateNotification = newError("duplicate_notification", "notification already processed", http.StatusOK)
	ErrTransientUpstream     = newError("transient_upstream", "upstream provider is unavailable", http.StatusBadGateway)
	ErrValidationFailed      = newError("validation_failed", "request validation failed", http.StatusUnprocessableEntity)
	ErrInternal              = newError("internal_error", "internal server error", http.StatusInternalServerError)
)

// SignatureInvalid wraps err as a signature verification failure.
func SignatureInvalid(err error) *Error {
	return wrap(ErrSignatureInvalid, err)
}

// ConfigurationMissing reports absent tenant credentials for a provider.
func ConfigurationMissing(provider string) *Error {
	e := *ErrConfigurationMissing
	e.Message = fmt.Sprintf("no %s credentials configured for this app", provider)
	return &e
}

// ReceiptInvalid wraps err as a rejected or malformed receipt.
func ReceiptInvalid(err error) *Error {
	return wrap(ErrReceiptInvalid, err)
}

// NotFound reports a missing resource by name.
func NotFound(what string) *Error {
	e := *ErrNotFound
	e.Message = what + " not found"
	return &e
}

// TransientUpstream wraps err as a retryable upstream failure.
func TransientUpstream(err error) *Error {
	return wrap(ErrTransientUpstream, err)
}

// Validation reports a client input problem with a custom message.
func Validation(message string) *Error {
	e := *ErrValidationFailed
	e.Message = message
	return &e
}

// Internal wraps err as an internal failure.
func Internal(err error) *Error {
	return wrap(ErrInternal, err)
}

func wrap(sentinel *Error, err error) *Error {
	e := *sentinel
	e.Err = err
	return &e
}

// StatusFor resolves the HTTP status for any error; unrecognized errors
// map to 500.
func StatusFor(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}

// CodeFor resolves the error code for any error.
func CodeFor(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}
