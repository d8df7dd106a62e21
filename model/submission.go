package model

import (
	"strings"
	"time"
)

// SubmissionType identifies which approval sequence a submission follows.
type SubmissionType string

// Submission types. An on-duty request is raised before the event (Phase I);
// a participation proof is uploaded after it (Phase II).
const (
	TypeOnDutyRequest      SubmissionType = "ON_DUTY_REQUEST"
	TypeParticipationProof SubmissionType = "PARTICIPATION_PROOF"
)

// SubmissionStatus is the lifecycle status of a submission.
type SubmissionStatus string

// Submission status constants.
const (
	StatusDraft             SubmissionStatus = "DRAFT"
	StatusSubmitted         SubmissionStatus = "SUBMITTED"
	StatusUnderReview       SubmissionStatus = "UNDER_REVIEW"
	StatusRevisionRequested SubmissionStatus = "REVISION_REQUESTED"
	StatusApproved          SubmissionStatus = "APPROVED"
	StatusRejected          SubmissionStatus = "REJECTED"
)

// IsTerminal reports whether no further transitions are permitted.
func (s SubmissionStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// InReview reports whether the current stage is awaiting a decision.
func (s SubmissionStatus) InReview() bool {
	return s == StatusSubmitted || s == StatusUnderReview
}

// Stage is a named approval checkpoint.
type Stage string

// Stage identifiers. StageCompleted is the sentinel used once a submission
// reaches a terminal status.
const (
	StageMentor                Stage = "MENTOR"
	StageClassAdvisor          Stage = "CLASS_ADVISOR"
	StageInnovationCoordinator Stage = "INNOVATION_COORDINATOR"
	StageHOD                   Stage = "HOD"
	StagePrincipal             Stage = "PRINCIPAL"
	StageCompleted             Stage = "COMPLETED"
)

// Role is an authorization role carried by an actor.
type Role string

// Roles known to the workflow. RoleAdmin is the default super-role that may
// simulate other roles.
const (
	RoleStudent               Role = "STUDENT"
	RoleMentor                Role = "MENTOR"
	RoleClassAdvisor          Role = "CLASS_ADVISOR"
	RoleInnovationCoordinator Role = "INNOVATION_COORDINATOR"
	RoleHOD                   Role = "HOD"
	RolePrincipal             Role = "PRINCIPAL"
	RoleAdmin                 Role = "ADMIN"
)

// KnownRoles lists every role in ascending order of seniority.
var KnownRoles = []Role{
	RoleStudent,
	RoleMentor,
	RoleClassAdvisor,
	RoleInnovationCoordinator,
	RoleHOD,
	RolePrincipal,
	RoleAdmin,
}

// IsKnownRole reports whether r is one of KnownRoles.
func IsKnownRole(r Role) bool {
	for _, k := range KnownRoles {
		if k == r {
			return true
		}
	}
	return false
}

// Decision is a reviewer's verdict kind.
type Decision string

// Decision kinds.
const (
	DecisionApprove         Decision = "APPROVE"
	DecisionReject          Decision = "REJECT"
	DecisionRequestRevision Decision = "REQUEST_REVISION"
)

// Valid reports whether d is a known decision kind.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject || d == DecisionRequestRevision
}

// TimelineAction names what happened in a timeline entry.
type TimelineAction string

// Timeline actions.
const (
	ActionSubmitted         TimelineAction = "SUBMITTED"
	ActionApproved          TimelineAction = "APPROVED"
	ActionRejected          TimelineAction = "REJECTED"
	ActionRevisionRequested TimelineAction = "REVISION_REQUESTED"
	ActionResubmitted       TimelineAction = "RESUBMITTED"
)

// StageDecision is one role's verdict at one stage. Approved is nil while
// the decision is pending.
type StageDecision struct {
	Approved          *bool      `json:"approved"`
	Comments          string     `json:"comments,omitempty"`
	DecidedBy         string     `json:"decided_by,omitempty"`
	DecidedByRole     Role       `json:"decided_by_role,omitempty"`
	SimulatedBy       string     `json:"simulated_by,omitempty"`
	RevisionRequested bool       `json:"revision_requested,omitempty"`
	DecidedAt         *time.Time `json:"decided_at,omitempty"`
}

// Pending reports whether no verdict has been recorded yet.
func (d StageDecision) Pending() bool {
	return d.Approved == nil
}

// IsApproved reports whether the stage was approved.
func (d StageDecision) IsApproved() bool {
	return d.Approved != nil && *d.Approved
}

// TimelineEntry is one append-only audit record.
type TimelineEntry struct {
	ID            string         `json:"id"`
	Stage         Stage          `json:"stage"`
	Action        TimelineAction `json:"action"`
	Comments      string         `json:"comments,omitempty"`
	ActorID       string         `json:"actor_id"`
	ActorRole     Role           `json:"actor_role"`
	SimulatedRole Role           `json:"simulated_role,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Submission is a participation claim moving through the approval workflow.
type Submission struct {
	ID               string                  `json:"id"`
	Type             SubmissionType          `json:"type"`
	StudentID        string                  `json:"student_id"`
	EventID          string                  `json:"event_id"`
	DepartmentID     string                  `json:"department_id"`
	Title            string                  `json:"title,omitempty"`
	Details          map[string]any          `json:"details,omitempty"`
	ProofURL         string                  `json:"proof_url,omitempty"`
	Status           SubmissionStatus        `json:"status"`
	CurrentStage     Stage                   `json:"current_stage"`
	EntryStage       Stage                   `json:"entry_stage"`
	StageApprovals   map[Stage]StageDecision `json:"stage_approvals"`
	ApprovalTimeline []TimelineEntry         `json:"approval_timeline"`
	CreatedBy        string                  `json:"created_by"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
	SubmittedAt      *time.Time              `json:"submitted_at,omitempty"`
	Version          int                     `json:"version"`
}

// Clone returns a deep copy so that callers can mutate the result without
// touching a stored instance.
func (s Submission) Clone() Submission {
	out := s
	if s.Details != nil {
		out.Details = make(map[string]any, len(s.Details))
		for k, v := range s.Details {
			out.Details[k] = v
		}
	}
	if s.StageApprovals != nil {
		out.StageApprovals = make(map[Stage]StageDecision, len(s.StageApprovals))
		for k, v := range s.StageApprovals {
			if v.Approved != nil {
				b := *v.Approved
				v.Approved = &b
			}
			if v.DecidedAt != nil {
				t := *v.DecidedAt
				v.DecidedAt = &t
			}
			out.StageApprovals[k] = v
		}
	}
	if s.ApprovalTimeline != nil {
		out.ApprovalTimeline = make([]TimelineEntry, len(s.ApprovalTimeline))
		copy(out.ApprovalTimeline, s.ApprovalTimeline)
	}
	if s.SubmittedAt != nil {
		t := *s.SubmittedAt
		out.SubmittedAt = &t
	}
	return out
}

// StagePolicy describes who may decide at one stage.
type StagePolicy struct {
	Stage            Stage  `json:"stage" yaml:"stage"`
	AuthorizedRoles  []Role `json:"authorized_roles" yaml:"roles"`
	DepartmentScoped bool   `json:"department_scoped" yaml:"department_scoped"`
}

// StageEvent is the payload handed to notifiers after a persisted transition.
type StageEvent struct {
	SubmissionID  string           `json:"submission_id"`
	Type          SubmissionType   `json:"type"`
	StudentID     string           `json:"student_id"`
	DepartmentID  string           `json:"department_id"`
	Status        SubmissionStatus `json:"status"`
	Stage         Stage            `json:"stage"`
	PreviousStage Stage            `json:"previous_stage,omitempty"`
	Action        TimelineAction   `json:"action"`
	ActorID       string           `json:"actor_id"`
	NotifyRoles   []Role           `json:"notify_roles,omitempty"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

// SubmissionFilters are the query parameters accepted by list views.
type SubmissionFilters struct {
	Type         SubmissionType
	Status       SubmissionStatus
	Stage        Stage
	StudentID    string
	DepartmentID string
	Page         int
	PageSize     int
}

// SubmissionSummary is a lightweight representation used in list views.
type SubmissionSummary struct {
	ID           string           `json:"id"`
	Type         SubmissionType   `json:"type"`
	Title        string           `json:"title,omitempty"`
	StudentID    string           `json:"student_id"`
	DepartmentID string           `json:"department_id"`
	Status       SubmissionStatus `json:"status"`
	CurrentStage Stage            `json:"current_stage"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Summary builds the list-view representation of s.
func (s Submission) Summary() SubmissionSummary {
	return SubmissionSummary{
		ID:           s.ID,
		Type:         s.Type,
		Title:        s.Title,
		StudentID:    s.StudentID,
		DepartmentID: s.DepartmentID,
		Status:       s.Status,
		CurrentStage: s.CurrentStage,
		UpdatedAt:    s.UpdatedAt,
	}
}

// normalizeSlug turns "class-advisor" or "class_advisor" into "CLASS_ADVISOR".
func normalizeSlug(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
}

// ParseSubmissionType accepts enum names and URL slugs.
func ParseSubmissionType(s string) (SubmissionType, bool) {
	t := SubmissionType(normalizeSlug(s))
	switch t {
	case TypeOnDutyRequest, TypeParticipationProof:
		return t, true
	}
	return "", false
}

// ParseStage accepts enum names and URL slugs. The sentinel StageCompleted is
// not a decidable stage and is rejected.
func ParseStage(s string) (Stage, bool) {
	st := Stage(normalizeSlug(s))
	switch st {
	case StageMentor, StageClassAdvisor, StageInnovationCoordinator, StageHOD, StagePrincipal:
		return st, true
	}
	return "", false
}

// ParseRole accepts enum names and slugs.
func ParseRole(s string) (Role, bool) {
	r := Role(normalizeSlug(s))
	return r, IsKnownRole(r)
}
