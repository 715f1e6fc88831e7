package session

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes remote session failures.
type ErrorCode string

const (
	// CodeNetwork covers transport failures, timeouts and 5xx responses.
	// Retryable.
	CodeNetwork ErrorCode = "NETWORK"

	// CodeRejected indicates the server refused the request. Not retried.
	CodeRejected ErrorCode = "SERVER_REJECTED"

	// CodeNotFound indicates the session handle is unknown to the server.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeAlreadyAttached indicates the session is already bound to the
	// caller's account. Callers treat it as success.
	CodeAlreadyAttached ErrorCode = "ALREADY_ATTACHED"
)

// Error is returned by every Client operation that fails.
type Error struct {
	// Code identifies the failure category.
	Code ErrorCode

	// Op is the client operation, e.g. "push draft".
	Op string

	// Status is the HTTP status when a response was received, else 0.
	Status int

	Err error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Code, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsNetwork reports whether err is a retryable transport failure.
// Uses errors.As to handle wrapped errors.
func IsNetwork(err error) bool {
	return CodeOf(err) == CodeNetwork
}

// IsRejected reports whether the server refused the request.
func IsRejected(err error) bool {
	return CodeOf(err) == CodeRejected
}

// IsNotFound reports whether the session handle was unknown.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsAlreadyAttached reports whether the session was already bound to the
// caller's account.
func IsAlreadyAttached(err error) bool {
	return CodeOf(err) == CodeAlreadyAttached
}
