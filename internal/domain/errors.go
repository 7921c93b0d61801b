package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// ErrorCode labels a failure class. Codes drive both retry decisions and the
// error surfaced to clients.
type ErrorCode string

const (
	CodeValidation          ErrorCode = "validation_error"
	CodeInsufficientCredits ErrorCode = "insufficient_credits"
	CodeRateLimited         ErrorCode = "rate_limited"
	CodeProviderServer      ErrorCode = "provider_server_error"
	CodeProviderClient      ErrorCode = "provider_client_error"
	CodeNoUsableResult      ErrorCode = "no_usable_result"
	CodePersistence         ErrorCode = "persistence_error"
	CodeUnexpected          ErrorCode = "unexpected_error"
)

// ProviderError is a remote failure normalized to the taxonomy. Message holds
// the raw provider detail; it is logged but never surfaced verbatim.
type ProviderError struct {
	Code       ErrorCode
	HTTPStatus int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("provider %s (http %d): %s", e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Code, e.Message)
}

// ValidationError reports a malformed input shape. Never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return "validation: " + e.Message }

// NoUsableResultError marks a call that succeeded but produced no usable
// output, e.g. zero output images.
type NoUsableResultError struct {
	Message string
}

func (e *NoUsableResultError) Error() string { return "no usable result: " + e.Message }

// PersistenceError wraps a failed store write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "persistence: " + e.Op + ": " + e.Err.Error() }

func (e *PersistenceError) Unwrap() error { return e.Err }

// CodeOf classifies an arbitrary error into the taxonomy.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return CodeValidation
	}
	var ne *NoUsableResultError
	if errors.As(err, &ne) {
		return CodeNoUsableResult
	}
	var se *PersistenceError
	if errors.As(err, &se) {
		return CodePersistence
	}
	if errors.Is(err, ErrInsufficientCredits) {
		return CodeInsufficientCredits
	}
	return CodeUnexpected
}
