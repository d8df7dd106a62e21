package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/odflow/internal/observability"
	"github.com/pitabwire/odflow/model"
)

// DecideInput is one reviewer's verdict on one stage of a submission.
type DecideInput struct {
	SubmissionID string
	Type         model.SubmissionType
	Stage        model.Stage
	Decision     model.Decision
	Comments     string
}

// Decide records a verdict at the submission's current stage and moves it
// forward. The write is guarded so that two reviewers racing on the same
// stage produce exactly one transition.
func (e *Engine) Decide(
	ctx context.Context,
	rctx *model.RequestContext,
	in DecideInput,
) (model.Submission, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Decide",
		observability.AttrSubmissionID.String(in.SubmissionID),
		observability.AttrStage.String(string(in.Stage)),
		observability.AttrDecision.String(string(in.Decision)),
	)
	sub, err := e.decide(ctx, rctx, in)
	observability.EndSpanWithError(span, err)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		var code string
		var ee *model.ErrorEnvelope
		if errors.As(err, &ee) {
			code = ee.Code
			outcome = strings.ToLower(code)
		}
		e.logger.Debug("decision refused",
			zap.String("submission_id", in.SubmissionID),
			zap.String("stage", string(in.Stage)),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	e.recorder.RecordDecision(string(in.Type), string(in.Stage), string(in.Decision), outcome)
	return sub, err
}

func (e *Engine) decide(
	ctx context.Context,
	rctx *model.RequestContext,
	in DecideInput,
) (model.Submission, error) {
	// 1. Load submission.
	sub, err := e.load(ctx, in.Type, in.SubmissionID)
	if err != nil {
		return model.Submission{}, err
	}

	// 2. Terminal submissions accept nothing further; the stage must belong
	// to this type's sequence.
	if sub.Status.IsTerminal() {
		return model.Submission{}, model.NewDecisionsClosedError(sub.Status)
	}
	sp, err := e.table.Lookup(sub.Type, in.Stage)
	if err != nil {
		return model.Submission{}, err
	}
	if sub.Status == model.StatusDraft {
		return model.Submission{}, model.NewInvalidTransitionError("submission has not been submitted for review yet")
	}

	// 3. Authorize the effective role at the requested stage.
	eff, err := e.overlay.Resolve(ctx, rctx)
	if err != nil {
		return model.Submission{}, err
	}
	if err := authorize(sp, eff, sub.DepartmentID); err != nil {
		return model.Submission{}, err
	}

	// 4. A verdict already recorded at this stage means a duplicate or a
	// retry after commit; any other stage mismatch means the caller's view
	// is out of date.
	if d, ok := sub.StageApprovals[in.Stage]; ok && !d.Pending() {
		return model.Submission{}, model.NewAlreadyDecidedError(in.Stage)
	}
	if in.Stage != sub.CurrentStage {
		return model.Submission{}, model.NewStaleStageError(in.Stage, sub.CurrentStage)
	}

	// 5. Validate the verdict.
	if !in.Decision.Valid() {
		return model.Submission{}, model.NewBadRequestError(fmt.Sprintf("unknown decision %q", in.Decision))
	}
	comments := strings.TrimSpace(in.Comments)
	if in.Decision != model.DecisionApprove && comments == "" {
		return model.Submission{}, model.NewMissingReasonError(in.Decision)
	}

	// 6. The current stage must be open for review.
	if !sub.Status.InReview() {
		return model.Submission{}, model.NewDecisionsClosedError(sub.Status)
	}

	// 7. Record the verdict and compute the next position.
	now := e.now().UTC()
	version := sub.Version
	approved := in.Decision == model.DecisionApprove
	decision := model.StageDecision{
		Approved:          &approved,
		Comments:          comments,
		DecidedBy:         rctx.SubjectID,
		DecidedByRole:     eff.Role,
		RevisionRequested: in.Decision == model.DecisionRequestRevision,
		DecidedAt:         &now,
	}
	if eff.Simulated {
		decision.SimulatedBy = string(eff.RealRole)
	}
	sub.StageApprovals[in.Stage] = decision

	var action model.TimelineAction
	notifyRoles := []model.Role{model.RoleStudent}
	switch in.Decision {
	case model.DecisionApprove:
		action = model.ActionApproved
		if next, ok := e.table.Next(sub.Type, in.Stage); ok {
			nextPolicy, err := e.table.Lookup(sub.Type, next)
			if err != nil {
				return model.Submission{}, err
			}
			sub.CurrentStage = next
			sub.Status = model.StatusUnderReview
			sub.StageApprovals[next] = model.StageDecision{}
			notifyRoles = nextPolicy.AuthorizedRoles
		} else {
			sub.CurrentStage = model.StageCompleted
			sub.Status = model.StatusApproved
		}
	case model.DecisionReject:
		action = model.ActionRejected
		sub.CurrentStage = model.StageCompleted
		sub.Status = model.StatusRejected
	case model.DecisionRequestRevision:
		action = model.ActionRevisionRequested
		sub.Status = model.StatusRevisionRequested
	}
	sub.UpdatedAt = now
	sub.ApprovalTimeline = append(sub.ApprovalTimeline, e.timelineEntry(rctx, eff, in.Stage, action, comments, now))

	// 8. Persist; a failed guard means another reviewer got there first.
	err = e.store.UpdateGuarded(ctx, sub, Guard{Version: version, PendingStage: in.Stage})
	if model.IsCode(err, model.ErrConflict) {
		return model.Submission{}, model.NewAlreadyDecidedError(in.Stage)
	}
	if err != nil {
		return model.Submission{}, fmt.Errorf("persist decision: %w", err)
	}
	sub.Version = version + 1

	e.logger.Info("stage decided",
		zap.String("submission_id", sub.ID),
		zap.String("stage", string(in.Stage)),
		zap.String("decision", string(in.Decision)),
		zap.String("status", string(sub.Status)),
		zap.String("decided_by", rctx.SubjectID),
		zap.Bool("simulated", eff.Simulated),
	)

	// 9. Notify only after the transition is durable.
	e.notify(ctx, sub, in.Stage, action, rctx.SubjectID, notifyRoles)
	return sub, nil
}
