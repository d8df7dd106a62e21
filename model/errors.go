package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrForbidden         = "FORBIDDEN"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrRateLimited       = "RATE_LIMITED"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrInvalidStage        = "INVALID_STAGE"
	ErrUnauthorizedStage   = "UNAUTHORIZED_STAGE"
	ErrStaleStage          = "STALE_STAGE"
	ErrAlreadyDecided      = "ALREADY_DECIDED"
	ErrMissingReason       = "MISSING_REASON"
	ErrEditWindowClosed    = "EDIT_WINDOW_CLOSED"
	ErrForbiddenSimulation = "FORBIDDEN_SIMULATION"
	ErrMissingScope        = "MISSING_SCOPE"
)

// ErrorEnvelope is the standard error response envelope.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsCode reports whether err (or anything it wraps) is an ErrorEnvelope with
// the given code.
func IsCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
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

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRateLimited,
		Message: "Rate limit exceeded. Please try again later.",
	}
}

// NewInvalidStageError reports a stage that is not part of the type's sequence.
func NewInvalidStageError(t SubmissionType, stage Stage) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidStage,
		Message: fmt.Sprintf("stage %q is not part of the %s approval sequence", stage, t),
	}
}

// NewUnauthorizedStageError reports a role that may not decide at a stage.
func NewUnauthorizedStageError(role Role, stage Stage) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnauthorizedStage,
		Message: fmt.Sprintf("role %q is not permitted to decide at stage %q", role, stage),
	}
}

// NewStaleStageError reports a request naming a stage other than the
// current one. A stage that already holds a verdict is reported as
// ALREADY_DECIDED instead, so in practice this fires for stages the
// submission has not reached yet.
func NewStaleStageError(requested, current Stage) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code: ErrStaleStage,
		Message: fmt.Sprintf("this submission is at stage %q, not %q; reload and try again",
			current, requested),
	}
}

// NewAlreadyDecidedError reports a duplicate or concurrent decision.
func NewAlreadyDecidedError(stage Stage) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAlreadyDecided,
		Message: fmt.Sprintf("stage %q of this submission was already decided by another reviewer", stage),
	}
}

// NewDecisionsClosedError reports a decision on a submission whose status
// accepts none, such as a completed one.
func NewDecisionsClosedError(status SubmissionStatus) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAlreadyDecided,
		Message: fmt.Sprintf("this submission is %s and accepts no further decisions", status),
	}
}

// NewMissingReasonError reports a rejection or revision request without comments.
func NewMissingReasonError(d Decision) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrMissingReason,
		Message: fmt.Sprintf("a reason is required when the decision is %s", d),
	}
}

// NewEditWindowClosedError reports a resubmission that is no longer allowed.
func NewEditWindowClosedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrEditWindowClosed, Message: msg}
}

// NewForbiddenSimulationError reports a non-super-role attempting simulation.
func NewForbiddenSimulationError(role Role) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrForbiddenSimulation,
		Message: fmt.Sprintf("only the %s role may switch roles", role),
	}
}

// NewMissingScopeError reports a department-scoped simulation without a department.
func NewMissingScopeError(role Role) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrMissingScope,
		Message: fmt.Sprintf("role %q is department scoped; targetDepartmentId is required", role),
	}
}
