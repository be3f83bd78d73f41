package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Lifecycle error codes. The first four are the non-fatal transition
// outcomes; StorageUnavailable is fatal for the call and retried by the caller.
const (
	ErrUndefinedTransition    = "UNDEFINED_TRANSITION"
	ErrRoleNotPermitted       = "ROLE_NOT_PERMITTED"
	ErrCommentRequired        = "COMMENT_REQUIRED"
	ErrConcurrentModification = "CONCURRENT_MODIFICATION"
	ErrStorageUnavailable     = "STORAGE_UNAVAILABLE"
	ErrIntegrityViolation     = "INTEGRITY_VIOLATION"
)

// ErrorEnvelope is the standard error value returned by the engine and the
// HTTP layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the infrastructure error behind a STORAGE_UNAVAILABLE
// envelope, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code carried by err, or "" if err does not wrap
// an *ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err wraps an *ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewUndefinedTransitionError returns an UNDEFINED_TRANSITION error for an
// edge that has no rule in the entity type's registry.
func NewUndefinedTransitionError(entityType string, from, to State) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUndefinedTransition,
		Message: fmt.Sprintf("no transition from %q to %q is defined for %s", from, to, entityType),
	}
}

// NewRoleNotPermittedError returns a ROLE_NOT_PERMITTED error.
func NewRoleNotPermittedError(role Role, from, to State) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRoleNotPermitted,
		Message: fmt.Sprintf("role %q may not move from %q to %q", role, from, to),
	}
}

// NewCommentRequiredError returns a COMMENT_REQUIRED error.
func NewCommentRequiredError(from, to State) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrCommentRequired,
		Message: fmt.Sprintf("a comment is required to move from %q to %q", from, to),
		Details: []FieldError{{Field: "comment", Code: "REQUIRED", Message: "Comment is required"}},
	}
}

// NewConcurrentModificationError returns a CONCURRENT_MODIFICATION error.
// The caller should refetch the entity and retry.
func NewConcurrentModificationError(ref EntityRef, expected State) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrConcurrentModification,
		Message: fmt.Sprintf("%s %q is no longer in state %q", ref.EntityType, ref.EntityID, expected),
	}
}

// NewStorageUnavailableError wraps an infrastructure failure.
func NewStorageUnavailableError(op string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStorageUnavailable,
		Message: fmt.Sprintf("storage unavailable during %s", op),
		cause:   cause,
	}
}

// NewIntegrityViolationError reports drift between the stored status and the
// status reconstructed from the audit trail.
func NewIntegrityViolationError(ref EntityRef, stored, replayed State) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code: ErrIntegrityViolation,
		Message: fmt.Sprintf("%s %q stored status %q does not match audit replay %q",
			ref.EntityType, ref.EntityID, stored, replayed),
	}
}
