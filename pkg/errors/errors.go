// Package errors defines the structured error types used across the Custodia
// service. Every error carries a machine-readable code from the validation
// taxonomy and the HTTP status it maps to.
package errors

import (
	"fmt"
	"net/http"
	"time"

	"github.com/custodia-io/custodia/pkg/constants"
)

// ================================================================================
// Error Interface
// ================================================================================

// Error is the structured error contract. All validator, evaluator, and
// administrative failures implement it.
type Error interface {
	error

	// Code returns the taxonomy code.
	Code() constants.ErrorCode

	// HTTPStatus returns the HTTP status code the error maps to.
	HTTPStatus() int

	// Unwrap returns the underlying cause for errors.Is/As support.
	Unwrap() error

	// WithCause attaches an underlying error.
	WithCause(cause error) Error

	// WithMetadata attaches diagnostic context. Metadata is suppressed from
	// responses outside non-production configurations.
	WithMetadata(key string, value interface{}) Error

	// Metadata returns all attached metadata.
	Metadata() map[string]interface{}
}

// ================================================================================
// Implementation
// ================================================================================

type baseError struct {
	code       constants.ErrorCode
	httpStatus int
	message    string
	cause      error
	metadata   map[string]interface{}
}

func (e *baseError) Error() string { return e.message }

func (e *baseError) Code() constants.ErrorCode { return e.code }

func (e *baseError) HTTPStatus() int { return e.httpStatus }

func (e *baseError) Unwrap() error { return e.cause }

func (e *baseError) WithCause(cause error) Error {
	e.cause = cause
	return e
}

func (e *baseError) WithMetadata(key string, value interface{}) Error {
	if e.metadata == nil {
		e.metadata = make(map[string]interface{})
	}
	e.metadata[key] = value
	return e
}

func (e *baseError) Metadata() map[string]interface{} { return e.metadata }

// New creates an Error with an explicit code and status.
func New(code constants.ErrorCode, httpStatus int, message string) Error {
	return &baseError{code: code, httpStatus: httpStatus, message: message}
}

// ================================================================================
// Taxonomy Constructors
// ================================================================================

// ErrMissingKey indicates that no credential was presented.
func ErrMissingKey() Error {
	return New(constants.ErrCodeMissingKey, http.StatusUnauthorized,
		"no API key presented")
}

// ErrInvalidFormat indicates a malformed credential string.
func ErrInvalidFormat(reason string) Error {
	return New(constants.ErrCodeInvalidFormat, http.StatusUnauthorized,
		fmt.Sprintf("credential is malformed: %s", reason))
}

// ErrKeyNotFound covers both an unknown key ID and a secret mismatch so the
// two cases are indistinguishable to the caller.
func ErrKeyNotFound() Error {
	return New(constants.ErrCodeNotFound, http.StatusUnauthorized,
		"API key not found")
}

// ErrKeyExpired indicates the key's expiry has passed.
func ErrKeyExpired(keyID string) Error {
	return New(constants.ErrCodeExpired, http.StatusUnauthorized,
		"API key has expired").
		WithMetadata("key_id", keyID)
}

// ErrKeyRevoked indicates the key has been revoked.
func ErrKeyRevoked(keyID string) Error {
	return New(constants.ErrCodeRevoked, http.StatusUnauthorized,
		"API key has been revoked").
		WithMetadata("key_id", keyID)
}

// ErrIPNotAllowed indicates the request IP is absent from the key's allowlist.
func ErrIPNotAllowed(ip string) Error {
	return New(constants.ErrCodeIPNotAllowed, http.StatusForbidden,
		"request IP is not on the key's allowlist").
		WithMetadata("ip", ip)
}

// ErrRateLimited indicates the key's window is exhausted. The ceiling and
// reset time are carried in metadata so callers can surface the full
// rate-limit header set alongside Retry-After on the denial.
func ErrRateLimited(limit int, resetAt time.Time) Error {
	retryAfter := time.Until(resetAt)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return New(constants.ErrCodeRateLimited, http.StatusTooManyRequests,
		"rate limit exceeded").
		WithMetadata("limit", limit).
		WithMetadata("reset_at", resetAt.UTC().Format(time.RFC3339)).
		WithMetadata("reset_at_unix", resetAt.UTC().Unix()).
		WithMetadata("retry_after_seconds", int(retryAfter.Seconds())+1)
}

// ErrPermissionDenied indicates the key does not carry a required permission.
func ErrPermissionDenied(permission string) Error {
	return New(constants.ErrCodePermissionDenied, http.StatusForbidden,
		fmt.Sprintf("key does not carry permission %q", permission)).
		WithMetadata("permission", permission)
}

// ErrScopeMismatch indicates the key's scope does not cover the operation.
func ErrScopeMismatch(required, actual string) Error {
	return New(constants.ErrCodeScopeMismatch, http.StatusForbidden,
		"key scope does not cover the requested operation").
		WithMetadata("required_scope", required).
		WithMetadata("key_scope", actual)
}

// ErrSovereigntyViolation indicates the key's sovereignty level is below the
// required level.
func ErrSovereigntyViolation(required, actual constants.SovereigntyLevel) Error {
	return New(constants.ErrCodeSovereigntyViolation, http.StatusForbidden,
		"key sovereignty level is below the required level").
		WithMetadata("required_level", string(required)).
		WithMetadata("key_level", string(actual))
}

// ErrCulturalProtocolViolation indicates a missing protocol acknowledgement.
func ErrCulturalProtocolViolation(missing []string) Error {
	return New(constants.ErrCodeCulturalProtocolViolation, http.StatusForbidden,
		"key is missing required cultural protocol acknowledgements").
		WithMetadata("missing_protocols", missing)
}

// ErrComplianceViolation indicates a data-residency requirement is not met.
func ErrComplianceViolation(reason string) Error {
	return New(constants.ErrCodeComplianceViolation, http.StatusForbidden,
		fmt.Sprintf("compliance requirement not met: %s", reason))
}

// ErrOwnershipViolation indicates the key's owner does not match the
// operation's owner and the key is not globally scoped.
func ErrOwnershipViolation(requiredOwner string) Error {
	return New(constants.ErrCodeOwnershipViolation, http.StatusForbidden,
		"key owner does not match the resource owner").
		WithMetadata("required_owner", requiredOwner)
}

// ErrCustomValidationFailed indicates a caller-supplied predicate rejected the
// request, or faulted (faults deny, never allow).
func ErrCustomValidationFailed(reason string) Error {
	return New(constants.ErrCodeCustomValidationFailed, http.StatusForbidden,
		fmt.Sprintf("custom validation failed: %s", reason))
}

// ErrInvalidRequest indicates malformed administrative input.
func ErrInvalidRequest(message string) Error {
	return New(constants.ErrCodeInvalidRequest, http.StatusBadRequest, message)
}

// ErrInternal indicates a backing-store or service fault. It always fails
// closed: callers treat it as access denied.
func ErrInternal(message string) Error {
	return New(constants.ErrCodeInternal, http.StatusInternalServerError, message)
}

// ================================================================================
// Helpers
// ================================================================================

// As attempts to cast an error to the structured Error type.
func As(err error) (Error, bool) {
	e, ok := err.(Error)
	return e, ok
}

// CodeOf returns the taxonomy code of err, or internal_error for plain errors.
func CodeOf(err error) constants.ErrorCode {
	if e, ok := As(err); ok {
		return e.Code()
	}
	return constants.ErrCodeInternal
}

// IsSecurityRelevant reports whether failures with this code are written to
// the audit log with full request context.
func IsSecurityRelevant(code constants.ErrorCode) bool {
	switch code {
	case constants.ErrCodeMissingKey,
		constants.ErrCodeInvalidFormat,
		constants.ErrCodeInvalidRequest,
		constants.ErrCodeInternal:
		return false
	}
	return true
}

// ================================================================================
// Wire Shape
// ================================================================================

// ErrorResponse is the JSON body returned for failures.
type ErrorResponse struct {
	Error        string                 `json:"error"`
	ErrorMessage string                 `json:"error_message"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ToErrorResponse converts an error to its wire shape. Metadata is included
// only when verbose is set (non-production configurations).
func ToErrorResponse(err error, verbose bool) *ErrorResponse {
	e, ok := As(err)
	if !ok {
		return &ErrorResponse{
			Error:        string(constants.ErrCodeInternal),
			ErrorMessage: "an unexpected error occurred",
		}
	}
	resp := &ErrorResponse{
		Error:        string(e.Code()),
		ErrorMessage: e.Error(),
	}
	if verbose {
		resp.Metadata = e.Metadata()
	}
	return resp
}
