// Package workflow implements the submission approval workflow: creating and
// submitting participation claims, moving them stage by stage under the
// policy table, and the revision loop.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/odflow/internal/notify"
	"github.com/pitabwire/odflow/internal/observability"
	"github.com/pitabwire/odflow/internal/policy"
	"github.com/pitabwire/odflow/internal/simulation"
	"github.com/pitabwire/odflow/model"
)

const defaultPageSize = 20

// Recorder receives workflow counters. *observability.Metrics satisfies it.
type Recorder interface {
	RecordSubmissionCreated(subType string)
	RecordSubmissionSubmitted(subType string)
	RecordDecision(subType, stage, decision, outcome string)
	RecordResubmission(subType string)
	RecordNotificationFailure(action string)
}

type nopRecorder struct{}

func (nopRecorder) RecordSubmissionCreated(string) {}
func (nopRecorder) RecordSubmissionSubmitted(string) {}
func (nopRecorder) RecordDecision(string, string, string, string) {}
func (nopRecorder) RecordResubmission(string) {}
func (nopRecorder) RecordNotificationFailure(string) {}

// Engine owns the submission lifecycle. It keeps no state between calls; the
// store is the single source of truth.
type Engine struct {
	table    *policy.Table
	store    SubmissionStore
	overlay  *simulation.Overlay
	notifier notify.Notifier
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the notifier informed after each persisted transition.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now. For testing.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new workflow engine.
func NewEngine(
	table *policy.Table,
	store SubmissionStore,
	overlay *simulation.Overlay,
	opts ...Option,
) *Engine {
	e := &Engine{
		table:    table,
		store:    store,
		overlay:  overlay,
		notifier: notify.Nop{},
		recorder: nopRecorder{},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the stage policy table the engine routes with.
func (e *Engine) Policy() *policy.Table {
	return e.table
}

// CreateInput carries the fields of a new submission.
type CreateInput struct {
	StudentID    string         `json:"studentId"`
	EventID      string         `json:"eventId"`
	DepartmentID string         `json:"departmentId"`
	Title        string         `json:"title"`
	Details      map[string]any `json:"details"`
	ProofURL     string         `json:"proofUrl"`
	// EntryStage starts review part-way through the sequence. The creator
	// must be authorized at that stage.
	EntryStage model.Stage `json:"entryStage"`
}

// Create stores a new DRAFT submission.
func (e *Engine) Create(
	ctx context.Context,
	rctx *model.RequestContext,
	subType model.SubmissionType,
	in CreateInput,
) (model.Submission, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Create",
		observability.AttrSubmissionType.String(string(subType)))
	sub, err := e.create(ctx, rctx, subType, in)
	observability.EndSpanWithError(span, err)
	return sub, err
}

func (e *Engine) create(
	ctx context.Context,
	rctx *model.RequestContext,
	subType model.SubmissionType,
	in CreateInput,
) (model.Submission, error) {
	// 1. The type must be routable.
	first, ok := e.table.First(subType)
	if !ok {
		return model.Submission{}, model.NewBadRequestError(fmt.Sprintf("unknown submission type %q", subType))
	}

	// 2. Resolve who is creating it.
	eff, err := e.overlay.Resolve(ctx, rctx)
	if err != nil {
		return model.Submission{}, err
	}
	if in.StudentID == "" {
		in.StudentID = rctx.SubjectID
	}
	if in.DepartmentID == "" {
		in.DepartmentID = eff.DepartmentID
	}
	if eff.Role == model.RoleStudent && in.StudentID != rctx.SubjectID {
		return model.Submission{}, model.NewForbiddenError("students may only create their own submissions")
	}

	// 3. Field validation.
	var fieldErrs []model.FieldError
	if strings.TrimSpace(in.EventID) == "" {
		fieldErrs = append(fieldErrs, model.FieldError{Field: "eventId", Code: "REQUIRED", Message: "eventId is required"})
	}
	if strings.TrimSpace(in.DepartmentID) == "" {
		fieldErrs = append(fieldErrs, model.FieldError{Field: "departmentId", Code: "REQUIRED", Message: "departmentId is required"})
	}
	if len(fieldErrs) > 0 {
		return model.Submission{}, model.NewValidationError(fieldErrs)
	}

	// 4. Shortened path: the creator must be able to decide at the entry stage.
	entry := first
	if in.EntryStage != "" && in.EntryStage != first {
		sp, err := e.table.Lookup(subType, in.EntryStage)
		if err != nil {
			return model.Submission{}, err
		}
		if err := authorize(sp, eff, in.DepartmentID); err != nil {
			return model.Submission{}, err
		}
		entry = in.EntryStage
	}

	// 5. Persist.
	now := e.now().UTC()
	sub := model.Submission{
		ID:               uuid.New().String(),
		Type:             subType,
		StudentID:        in.StudentID,
		EventID:          in.EventID,
		DepartmentID:     in.DepartmentID,
		Title:            in.Title,
		Details:          in.Details,
		ProofURL:         in.ProofURL,
		Status:           model.StatusDraft,
		EntryStage:       entry,
		StageApprovals:   map[model.Stage]model.StageDecision{},
		ApprovalTimeline: []model.TimelineEntry{},
		CreatedBy:        rctx.SubjectID,
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}
	if err := e.store.Create(ctx, sub); err != nil {
		return model.Submission{}, err
	}

	e.recorder.RecordSubmissionCreated(string(subType))
	e.logger.Info("submission created",
		zap.String("submission_id", sub.ID),
		zap.String("type", string(subType)),
		zap.String("entry_stage", string(entry)),
	)
	return sub, nil
}

// Submit moves a DRAFT into review at its entry stage.
func (e *Engine) Submit(
	ctx context.Context,
	rctx *model.RequestContext,
	subType model.SubmissionType,
	id string,
) (model.Submission, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Submit",
		observability.AttrSubmissionID.String(id))
	sub, err := e.submit(ctx, rctx, subType, id)
	observability.EndSpanWithError(span, err)
	return sub, err
}

func (e *Engine) submit(
	ctx context.Context,
	rctx *model.RequestContext,
	subType model.SubmissionType,
	id string,
) (model.Submission, error) {
	// 1. Load and check ownership.
	sub, err := e.load(ctx, subType, id)
	if err != nil {
		return model.Submission{}, err
	}
	if !isOwner(sub, rctx) {
		return model.Submission{}, model.NewForbiddenError("only the submission's owner may submit it")
	}
	if sub.Status != model.StatusDraft {
		return model.Submission{}, model.NewInvalidTransitionError(
			fmt.Sprintf("submission %q is %s; only drafts can be submitted", id, sub.Status),
		)
	}
	if sub.Type == model.TypeParticipationProof && strings.TrimSpace(sub.ProofURL) == "" {
		return model.Submission{}, model.NewValidationError([]model.FieldError{
			{Field: "proofUrl", Code: "REQUIRED", Message: "a proof document is required before submitting"},
		})
	}
	sp, err := e.table.Lookup(sub.Type, sub.EntryStage)
	if err != nil {
		return model.Submission{}, err
	}

	eff, err := e.overlay.Resolve(ctx, rctx)
	if err != nil {
		return model.Submission{}, err
	}

	// 2. Open the pending decision at the entry stage.
	now := e.now().UTC()
	version := sub.Version
	sub.Status = model.StatusSubmitted
	sub.CurrentStage = sub.EntryStage
	sub.StageApprovals[sub.EntryStage] = model.StageDecision{}
	sub.SubmittedAt = &now
	sub.UpdatedAt = now
	sub.ApprovalTimeline = append(sub.ApprovalTimeline, e.timelineEntry(rctx, eff, sub.EntryStage, model.ActionSubmitted, "", now))

	// 3. Persist.
	if err := e.save(ctx, sub, version); err != nil {
		return model.Submission{}, err
	}
	sub.Version = version + 1

	e.recorder.RecordSubmissionSubmitted(string(sub.Type))
	e.notify(ctx, sub, "", model.ActionSubmitted, rctx.SubjectID, sp.AuthorizedRoles)
	return sub, nil
}

// Get returns one submission the caller is allowed to see.
func (e *Engine) Get(
	ctx context.Context,
	rctx *model.RequestContext,
	subType model.SubmissionType,
	id string,
) (model.Submission, error) {
	sub, err := e.load(ctx, subType, id)
	if err != nil {
		return model.Submission{}, err
	}
	eff, err := e.overlay.Resolve(ctx, rctx)
	if err != nil {
		return model.Submission{}, err
	}
	if !e.canView(sub, rctx, eff) {
		return model.Submission{}, model.NewForbiddenError("you are not allowed to view this submission")
	}
	return sub, nil
}

// List returns summaries visible to the caller. Students see only their own
// submissions; department-scoped reviewers see only their department.
func (e *Engine) List(
	ctx context.Context,
	rctx *model.RequestContext,
	filters model.SubmissionFilters,
) ([]model.SubmissionSummary, int, error) {
	eff, err := e.overlay.Resolve(ctx, rctx)
	if err != nil {
		return nil, 0, err
	}

	switch {
	case eff.Role == model.RoleStudent:
		filters.StudentID = rctx.SubjectID
	case eff.Role == e.overlay.SuperRole() && !eff.Simulated:
	case e.table.ScopedRoles()[eff.Role]:
		filters.DepartmentID = eff.DepartmentID
	}
	if filters.Page < 1 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 {
		filters.PageSize = defaultPageSize
	}

	subs, total, err := e.store.Find(ctx, filters)
	if err != nil {
		return nil, 0, err
	}
	summaries := make([]model.SubmissionSummary, 0, len(subs))
	for _, s := range subs {
		summaries = append(summaries, s.Summary())
	}
	return summaries, total, nil
}

// Pending returns submissions whose current stage awaits a decision from
// the caller's effective role, oldest first.
func (e *Engine) Pending(
	ctx context.Context,
	rctx *model.RequestContext,
) ([]model.SubmissionSummary, error) {
	eff, err := e.overlay.Resolve(ctx, rctx)
	if err != nil {
		return nil, err
	}

	var out []model.SubmissionSummary
	for _, subType := range e.table.Types() {
		for _, sp := range e.table.StagesForRole(subType, eff.Role) {
			filters := model.SubmissionFilters{Type: subType, Stage: sp.Stage}
			if sp.DepartmentScoped {
				if eff.DepartmentID == "" {
					continue
				}
				filters.DepartmentID = eff.DepartmentID
			}
			subs, _, err := e.store.Find(ctx, filters)
			if err != nil {
				return nil, err
			}
			for _, s := range subs {
				if s.Status.InReview() && s.StageApprovals[s.CurrentStage].Pending() {
					out = append(out, s.Summary())
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// --- Helpers ---

// load fetches a submission and checks it is of the type named in the path.
func (e *Engine) load(ctx context.Context, subType model.SubmissionType, id string) (model.Submission, error) {
	sub, err := e.store.Get(ctx, id)
	if err != nil {
		return model.Submission{}, err
	}
	if subType != "" && sub.Type != subType {
		return model.Submission{}, model.NewNotFoundError(fmt.Sprintf("%s %q not found", subType, id))
	}
	if sub.StageApprovals == nil {
		sub.StageApprovals = map[model.Stage]model.StageDecision{}
	}
	return sub, nil
}

// authorize checks that eff may decide at sp for a submission in department.
func authorize(sp model.StagePolicy, eff simulation.Effective, department string) error {
	if !policy.Authorizes(sp, eff.Role) {
		return model.NewUnauthorizedStageError(eff.Role, sp.Stage)
	}
	if sp.DepartmentScoped && eff.DepartmentID != department {
		return &model.ErrorEnvelope{
			Code:    model.ErrUnauthorizedStage,
			Message: fmt.Sprintf("stage %q may only be decided by a %s of department %q", sp.Stage, eff.Role, department),
		}
	}
	return nil
}

func isOwner(sub model.Submission, rctx *model.RequestContext) bool {
	return rctx.SubjectID == sub.StudentID || rctx.SubjectID == sub.CreatedBy
}

func (e *Engine) canView(sub model.Submission, rctx *model.RequestContext, eff simulation.Effective) bool {
	if isOwner(sub, rctx) {
		return true
	}
	if eff.Role == e.overlay.SuperRole() && !eff.Simulated {
		return true
	}
	stages, err := e.table.StagesFor(sub.Type)
	if err != nil {
		return false
	}
	for _, sp := range stages {
		if policy.Authorizes(sp, eff.Role) && (!sp.DepartmentScoped || eff.DepartmentID == sub.DepartmentID) {
			return true
		}
	}
	return false
}

func (e *Engine) timelineEntry(
	rctx *model.RequestContext,
	eff simulation.Effective,
	stage model.Stage,
	action model.TimelineAction,
	comments string,
	at time.Time,
) model.TimelineEntry {
	entry := model.TimelineEntry{
		ID:        uuid.New().String(),
		Stage:     stage,
		Action:    action,
		Comments:  comments,
		ActorID:   rctx.SubjectID,
		ActorRole: eff.Role,
		Timestamp: at,
	}
	if eff.Simulated {
		entry.ActorRole = eff.RealRole
		entry.SimulatedRole = eff.Role
	}
	return entry
}

// notify informs the notifier of a persisted transition. Failures are logged
// and counted, never returned.
func (e *Engine) notify(
	ctx context.Context,
	sub model.Submission,
	previous model.Stage,
	action model.TimelineAction,
	actorID string,
	roles []model.Role,
) {
	event := model.StageEvent{
		SubmissionID:  sub.ID,
		Type:          sub.Type,
		StudentID:     sub.StudentID,
		DepartmentID:  sub.DepartmentID,
		Status:        sub.Status,
		Stage:         sub.CurrentStage,
		PreviousStage: previous,
		Action:        action,
		ActorID:       actorID,
		NotifyRoles:   roles,
		OccurredAt:    sub.UpdatedAt,
	}
	if err := e.notifier.Notify(ctx, event); err != nil {
		e.recorder.RecordNotificationFailure(string(action))
		e.logger.Warn("notification failed",
			zap.String("submission_id", sub.ID),
			zap.String("action", string(action)),
			zap.Error(err),
		)
	}
}
