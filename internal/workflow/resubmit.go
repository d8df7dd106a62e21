package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/odflow/internal/observability"
	"github.com/pitabwire/odflow/model"
)

// UpdateFields are the owner-editable fields of a submission. Nil fields are
// left unchanged.
type UpdateFields struct {
	Title    *string        `json:"title,omitempty"`
	EventID  *string        `json:"eventId,omitempty"`
	ProofURL *string        `json:"proofUrl,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

func (f UpdateFields) apply(sub *model.Submission) error {
	if f.EventID != nil {
		if strings.TrimSpace(*f.EventID) == "" {
			return model.NewValidationError([]model.FieldError{
				{Field: "eventId", Code: "REQUIRED", Message: "eventId cannot be cleared"},
			})
		}
		sub.EventID = *f.EventID
	}
	if f.ProofURL != nil {
		if sub.Type == model.TypeParticipationProof && sub.Status != model.StatusDraft && strings.TrimSpace(*f.ProofURL) == "" {
			return model.NewValidationError([]model.FieldError{
				{Field: "proofUrl", Code: "REQUIRED", Message: "a submitted participation proof must keep its document"},
			})
		}
		sub.ProofURL = *f.ProofURL
	}
	if f.Title != nil {
		sub.Title = *f.Title
	}
	if f.Details != nil {
		if sub.Details == nil {
			sub.Details = make(map[string]any, len(f.Details))
		}
		for k, v := range f.Details {
			sub.Details[k] = v
		}
	}
	return nil
}

// Resubmit lets the owner edit a submission. A draft, or a submission no
// stage has approved yet, is edited in place. A submission sent back for
// revision is edited and re-opened at the stage that asked for the revision;
// approvals before that stage stand.
func (e *Engine) Resubmit(
	ctx context.Context,
	rctx *model.RequestContext,
	subType model.SubmissionType,
	id string,
	fields UpdateFields,
) (model.Submission, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Resubmit",
		observability.AttrSubmissionID.String(id))
	sub, err := e.resubmit(ctx, rctx, subType, id, fields)
	observability.EndSpanWithError(span, err)
	return sub, err
}

func (e *Engine) resubmit(
	ctx context.Context,
	rctx *model.RequestContext,
	subType model.SubmissionType,
	id string,
	fields UpdateFields,
) (model.Submission, error) {
	// 1. Load and check ownership.
	sub, err := e.load(ctx, subType, id)
	if err != nil {
		return model.Submission{}, err
	}
	if !isOwner(sub, rctx) {
		return model.Submission{}, model.NewForbiddenError("only the submission's owner may edit it")
	}

	// 2. Nothing after the current stage may have been decided.
	if sub.Status.IsTerminal() {
		return model.Submission{}, model.NewEditWindowClosedError(
			fmt.Sprintf("submission is %s and can no longer be edited", sub.Status),
		)
	}
	if err := e.checkLaterStagesOpen(sub); err != nil {
		return model.Submission{}, err
	}

	now := e.now().UTC()
	version := sub.Version

	switch sub.Status {
	case model.StatusDraft:
		// Edit path.

	case model.StatusSubmitted, model.StatusUnderReview:
		for _, s := range e.table.Path(sub.Type, sub.EntryStage) {
			if sub.StageApprovals[s].IsApproved() {
				return model.Submission{}, model.NewEditWindowClosedError(
					fmt.Sprintf("stage %q has already approved this submission; wait for a revision request to edit it", s),
				)
			}
		}

	case model.StatusRevisionRequested:
		current := sub.StageApprovals[sub.CurrentStage]
		if !current.RevisionRequested {
			return model.Submission{}, model.NewEditWindowClosedError(
				fmt.Sprintf("stage %q did not request a revision", sub.CurrentStage),
			)
		}
		eff, err := e.overlay.Resolve(ctx, rctx)
		if err != nil {
			return model.Submission{}, err
		}
		if err := fields.apply(&sub); err != nil {
			return model.Submission{}, err
		}
		sub.StageApprovals[sub.CurrentStage] = model.StageDecision{}
		sub.Status = model.StatusSubmitted
		sub.UpdatedAt = now
		sub.ApprovalTimeline = append(sub.ApprovalTimeline,
			e.timelineEntry(rctx, eff, sub.CurrentStage, model.ActionResubmitted, "", now))

		if err := e.save(ctx, sub, version); err != nil {
			return model.Submission{}, err
		}
		sub.Version = version + 1

		e.recorder.RecordResubmission(string(sub.Type))
		e.logger.Info("submission resubmitted",
			zap.String("submission_id", sub.ID),
			zap.String("stage", string(sub.CurrentStage)),
		)
		sp, err := e.table.Lookup(sub.Type, sub.CurrentStage)
		if err == nil {
			e.notify(ctx, sub, sub.CurrentStage, model.ActionResubmitted, rctx.SubjectID, sp.AuthorizedRoles)
		}
		return sub, nil

	default:
		return model.Submission{}, model.NewEditWindowClosedError(
			fmt.Sprintf("submission is %s and can no longer be edited", sub.Status),
		)
	}

	// 3. In-place edit: decisions are untouched.
	if err := fields.apply(&sub); err != nil {
		return model.Submission{}, err
	}
	sub.UpdatedAt = now
	if err := e.save(ctx, sub, version); err != nil {
		return model.Submission{}, err
	}
	sub.Version = version + 1
	return sub, nil
}

// checkLaterStagesOpen fails when any stage after the current one already
// holds a verdict. The workflow never produces that state; a record edited
// outside the engine could.
func (e *Engine) checkLaterStagesOpen(sub model.Submission) error {
	if sub.CurrentStage == "" {
		return nil
	}
	stages, err := e.table.StagesFor(sub.Type)
	if err != nil {
		return err
	}
	idx := e.table.IndexOf(sub.Type, sub.CurrentStage)
	if idx < 0 {
		return model.NewInvalidStageError(sub.Type, sub.CurrentStage)
	}
	for _, sp := range stages[idx+1:] {
		if d, ok := sub.StageApprovals[sp.Stage]; ok && !d.Pending() {
			return model.NewEditWindowClosedError(
				fmt.Sprintf("stage %q has already decided; the submission can no longer be edited", sp.Stage),
			)
		}
	}
	return nil
}

func (e *Engine) save(ctx context.Context, sub model.Submission, version int) error {
	err := e.store.UpdateGuarded(ctx, sub, Guard{Version: version})
	if model.IsCode(err, model.ErrConflict) {
		return model.NewConflictError("submission was modified concurrently; reload and try again")
	}
	if err != nil {
		return fmt.Errorf("persist submission: %w", err)
	}
	return nil
}
