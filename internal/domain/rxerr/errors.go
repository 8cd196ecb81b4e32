// Package rxerr defines the structured error taxonomy for the authorization core.
package rxerr

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers and for HTTP mapping.
type Code string

const (
	// CodeValidation covers malformed input: empty medication lists,
	// missing required reasons, bad token encodings.
	CodeValidation Code = "VALIDATION"
	// CodeAuthorization covers wrong-role actions and invalid state transitions.
	CodeAuthorization Code = "AUTHORIZATION"
	// CodeIntegrity covers signature mismatches and tampered payloads.
	// Reported to callers as a generic invalid-token message.
	CodeIntegrity Code = "INTEGRITY"
	// CodeExpired covers tokens past their expiry timestamp.
	CodeExpired Code = "EXPIRED"
	// CodeConflict covers concurrent decisions racing on one request.
	CodeConflict Code = "CONFLICT"
	// CodeNotFound covers lookups of unknown requests or tokens.
	CodeNotFound Code = "NOT_FOUND"
)

// Error carries a code and the precondition that failed.
type Error struct {
	Code         Code
	Precondition string
	Message      string
	cause        error
}

func (e *Error) Error() string {
	if e.Precondition != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Precondition, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error with a code and message.
func New(code Code, precondition, message string) *Error {
	return &Error{Code: code, Precondition: precondition, Message: message}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, precondition string, cause error) *Error {
	return &Error{Code: code, Precondition: precondition, Message: cause.Error(), cause: cause}
}

// Validationf builds a validation error.
func Validationf(precondition, format string, args ...interface{}) *Error {
	return &Error{Code: CodeValidation, Precondition: precondition, Message: fmt.Sprintf(format, args...)}
}

// Authorizationf builds an authorization error.
func Authorizationf(precondition, format string, args ...interface{}) *Error {
	return &Error{Code: CodeAuthorization, Precondition: precondition, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from an error chain, or empty if untyped.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
