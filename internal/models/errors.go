package models

import "errors"

// ErrorCode is a machine-readable error code surfaced in API responses.
type ErrorCode string

const (
	CodeSessionConflict         ErrorCode = "SESSION_CONFLICT"
	CodeSessionNotFound         ErrorCode = "SESSION_NOT_FOUND"
	CodeRouterNotFound          ErrorCode = "ROUTER_NOT_FOUND"
	CodeInvalidLeadSchema       ErrorCode = "INVALID_LEAD_SCHEMA"
	CodeDialFailed              ErrorCode = "DIAL_FAILED"
	CodeContended               ErrorCode = "CONTENDED"
	CodeStaleCall               ErrorCode = "STALE_CALL"
	CodeExhausted               ErrorCode = "EXHAUSTED"
	CodeCollaboratorUnavailable ErrorCode = "COLLABORATOR_UNAVAILABLE"
	CodeInvalidOutcome          ErrorCode = "INVALID_OUTCOME"
	CodeValidationError         ErrorCode = "VALIDATION_ERROR"
)

// Sentinel errors for the service error taxonomy. Business-rule violations are
// reported to callers as structured, non-retryable outcomes; transient
// infrastructure failures are retried internally before surfacing.
var (
	ErrSessionConflict         = errors.New("active session already exists for this agent")
	ErrSessionNotFound         = errors.New("session not found")
	ErrRouterNotFound          = errors.New("no router configuration found for agent")
	ErrInvalidLeadSchema       = errors.New("lead source headers do not match required schema")
	ErrDialFailed              = errors.New("failed to place call")
	ErrContended               = errors.New("could not acquire a lead lock within the retry budget")
	ErrStaleCall               = errors.New("call id does not match the session's in-flight call")
	ErrExhausted               = errors.New("no eligible lead remains")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable after retries")
	ErrInvalidOutcome          = errors.New("unknown disposition outcome")
)

// CodeFor maps a taxonomy error to its API error code. Unrecognized errors
// map to COLLABORATOR_UNAVAILABLE since everything else crossing the API
// boundary is an infrastructure failure.
func CodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrSessionConflict):
		return CodeSessionConflict
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrRouterNotFound):
		return CodeRouterNotFound
	case errors.Is(err, ErrInvalidLeadSchema):
		return CodeInvalidLeadSchema
	case errors.Is(err, ErrDialFailed):
		return CodeDialFailed
	case errors.Is(err, ErrContended):
		return CodeContended
	case errors.Is(err, ErrStaleCall):
		return CodeStaleCall
	case errors.Is(err, ErrExhausted):
		return CodeExhausted
	case errors.Is(err, ErrInvalidOutcome):
		return CodeInvalidOutcome
	default:
		return CodeCollaboratorUnavailable
	}
}
