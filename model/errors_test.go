package model

import (
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "submission not found"}
	want := "NOT_FOUND: submission not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "event_id", Code: "REQUIRED", Message: "event_id is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "event_id" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "event_id")
	}
}

func TestConstructorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  *ErrorEnvelope
		want string
	}{
		{"bad request", NewBadRequestError("bad json"), ErrBadRequest},
		{"unauthorized", NewUnauthorizedError("missing token"), ErrUnauthorized},
		{"forbidden", NewForbiddenError("not the owner"), ErrForbidden},
		{"conflict", NewConflictError("version mismatch"), ErrConflict},
		{"internal", NewInternalError(), ErrInternalError},
		{"rate limited", NewRateLimitedError(), ErrRateLimited},
		{"invalid transition", NewInvalidTransitionError("draft"), ErrInvalidTransition},
		{"invalid stage", NewInvalidStageError(TypeParticipationProof, StagePrincipal), ErrInvalidStage},
		{"unauthorized stage", NewUnauthorizedStageError(RoleMentor, StageHOD), ErrUnauthorizedStage},
		{"stale stage", NewStaleStageError(StageMentor, StageHOD), ErrStaleStage},
		{"already decided", NewAlreadyDecidedError(StageMentor), ErrAlreadyDecided},
		{"decisions closed", NewDecisionsClosedError(StatusRejected), ErrAlreadyDecided},
		{"missing reason", NewMissingReasonError(DecisionReject), ErrMissingReason},
		{"edit window", NewEditWindowClosedError("closed"), ErrEditWindowClosed},
		{"simulation", NewForbiddenSimulationError(RoleAdmin), ErrForbiddenSimulation},
		{"scope", NewMissingScopeError(RoleHOD), ErrMissingScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.want {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.want)
			}
			if tt.err.Message == "" {
				t.Error("Message is empty")
			}
		})
	}
}

func TestIsCode(t *testing.T) {
	wrapped := fmt.Errorf("decide: %w", NewStaleStageError(StageMentor, StageHOD))
	if !IsCode(wrapped, ErrStaleStage) {
		t.Error("IsCode(wrapped, STALE_STAGE) = false, want true")
	}
	if IsCode(wrapped, ErrAlreadyDecided) {
		t.Error("IsCode(wrapped, ALREADY_DECIDED) = true, want false")
	}
	if IsCode(fmt.Errorf("plain"), ErrInternalError) {
		t.Error("IsCode(plain error) = true, want false")
	}
}
