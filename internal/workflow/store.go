package workflow

import (
	"context"

	"github.com/pitabwire/odflow/model"
)

// SubmissionStore persists submissions. It is the only serialization point of
// the workflow: the engine itself holds no state between calls.
type SubmissionStore interface {
	// Create persists a new submission. Returns CONFLICT if the ID exists.
	Create(ctx context.Context, sub model.Submission) error

	// Get retrieves a submission by ID. Returns NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, id string) (model.Submission, error)

	// UpdateGuarded replaces the stored submission only if the guard still
	// holds, as one atomic compare-and-swap. On success the stored version is
	// guard.Version+1. Returns CONFLICT when the guard fails.
	UpdateGuarded(ctx context.Context, sub model.Submission, guard Guard) error

	// Find returns submissions matching the filters, newest first, together
	// with the total number of matches before paging.
	Find(ctx context.Context, filters model.SubmissionFilters) ([]model.Submission, int, error)
}

// Guard is the precondition checked by UpdateGuarded.
type Guard struct {
	// Version must equal the stored version.
	Version int
	// PendingStage, when set, must still hold a pending decision in the
	// stored record.
	PendingStage model.Stage
}

// matches reports whether stored satisfies the guard.
func (g Guard) matches(stored model.Submission) bool {
	if stored.Version != g.Version {
		return false
	}
	if g.PendingStage == "" {
		return true
	}
	d, ok := stored.StageApprovals[g.PendingStage]
	return ok && d.Pending()
}

// matchesFilters reports whether sub passes every set filter.
func matchesFilters(sub model.Submission, f model.SubmissionFilters) bool {
	if f.Type != "" && sub.Type != f.Type {
		return false
	}
	if f.Status != "" && sub.Status != f.Status {
		return false
	}
	if f.Stage != "" && sub.CurrentStage != f.Stage {
		return false
	}
	if f.StudentID != "" && sub.StudentID != f.StudentID {
		return false
	}
	if f.DepartmentID != "" && sub.DepartmentID != f.DepartmentID {
		return false
	}
	return true
}
