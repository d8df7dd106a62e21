package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/odflow/model"
)

// Schema creates the submissions table. Stage decisions and the timeline are
// stored as JSONB so that the pending-stage guard can be evaluated inside the
// UPDATE statement.
const Schema = `
CREATE TABLE IF NOT EXISTS submissions (
	id                TEXT PRIMARY KEY,
	type              TEXT NOT NULL,
	student_id        TEXT NOT NULL,
	event_id          TEXT NOT NULL,
	department_id     TEXT NOT NULL,
	title             TEXT NOT NULL DEFAULT '',
	details           JSONB,
	proof_url         TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	current_stage     TEXT NOT NULL DEFAULT '',
	entry_stage       TEXT NOT NULL DEFAULT '',
	stage_approvals   JSONB NOT NULL DEFAULT '{}'::jsonb,
	approval_timeline JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_by        TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	submitted_at      TIMESTAMPTZ,
	version           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS submissions_student_idx ON submissions (student_id);
CREATE INDEX IF NOT EXISTS submissions_review_idx ON submissions (type, current_stage, department_id);
`

const submissionColumns = `id, type, student_id, event_id, department_id, title, details, proof_url,
	status, current_stage, entry_stage, stage_approvals, approval_timeline,
	created_by, created_at, updated_at, submitted_at, version`

// PgSubmissionStore is a PostgreSQL-backed SubmissionStore using pgx/v5.
type PgSubmissionStore struct {
	pool *pgxpool.Pool
}

// NewPgSubmissionStore creates a new PostgreSQL submission store.
func NewPgSubmissionStore(pool *pgxpool.Pool) *PgSubmissionStore {
	return &PgSubmissionStore{pool: pool}
}

// Migrate applies Schema. It is safe to run repeatedly.
func (s *PgSubmissionStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate submissions schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity for readiness probes.
func (s *PgSubmissionStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type jsonColumns struct {
	details   []byte
	approvals []byte
	timeline  []byte
}

func marshalColumns(sub model.Submission) (jsonColumns, error) {
	var c jsonColumns
	var err error
	if c.details, err = json.Marshal(sub.Details); err != nil {
		return c, fmt.Errorf("marshal details: %w", err)
	}
	approvals := sub.StageApprovals
	if approvals == nil {
		approvals = map[model.Stage]model.StageDecision{}
	}
	if c.approvals, err = json.Marshal(approvals); err != nil {
		return c, fmt.Errorf("marshal stage approvals: %w", err)
	}
	timeline := sub.ApprovalTimeline
	if timeline == nil {
		timeline = []model.TimelineEntry{}
	}
	if c.timeline, err = json.Marshal(timeline); err != nil {
		return c, fmt.Errorf("marshal timeline: %w", err)
	}
	return c, nil
}

// Create inserts a new submission.
func (s *PgSubmissionStore) Create(ctx context.Context, sub model.Submission) error {
	cols, err := marshalColumns(sub)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO submissions (`+submissionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		sub.ID, sub.Type, sub.StudentID, sub.EventID, sub.DepartmentID, sub.Title, cols.details, sub.ProofURL,
		sub.Status, sub.CurrentStage, sub.EntryStage, cols.approvals, cols.timeline,
		sub.CreatedBy, sub.CreatedAt, sub.UpdatedAt, sub.SubmittedAt, sub.Version,
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// Get retrieves a submission by ID.
func (s *PgSubmissionStore) Get(ctx context.Context, id string) (model.Submission, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Submission{}, model.NewNotFoundError(fmt.Sprintf("submission %q not found", id))
	}
	if err != nil {
		return model.Submission{}, fmt.Errorf("query submission: %w", err)
	}
	return sub, nil
}

// UpdateGuarded writes the submission when both the version and the pending
// stage still match. The JSONB path test runs in the same statement as the
// write, so two reviewers racing on one stage cannot both succeed.
func (s *PgSubmissionStore) UpdateGuarded(ctx context.Context, sub model.Submission, guard Guard) error {
	cols, err := marshalColumns(sub)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE submissions SET
			title = $1,
			details = $2,
			proof_url = $3,
			status = $4,
			current_stage = $5,
			stage_approvals = $6,
			approval_timeline = $7,
			updated_at = $8,
			submitted_at = $9,
			version = $10
		WHERE id = $11 AND version = $12
		  AND ($13 = '' OR stage_approvals -> $13 -> 'approved' = 'null'::jsonb)`,
		sub.Title, cols.details, sub.ProofURL,
		sub.Status, sub.CurrentStage, cols.approvals, cols.timeline,
		sub.UpdatedAt, sub.SubmittedAt, guard.Version+1,
		sub.ID, guard.Version, string(guard.PendingStage),
	)
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("submission %q changed concurrently (expected version %d)", sub.ID, guard.Version),
		)
	}
	return nil
}

// Find returns matching submissions, newest first.
func (s *PgSubmissionStore) Find(ctx context.Context, filters model.SubmissionFilters) ([]model.Submission, int, error) {
	where := " WHERE 1=1"
	var args []any
	add := func(col string, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		where += fmt.Sprintf(" AND %s = $%d", col, len(args))
	}
	add("type", string(filters.Type))
	add("status", string(filters.Status))
	add("current_stage", string(filters.Stage))
	add("student_id", filters.StudentID)
	add("department_id", filters.DepartmentID)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM submissions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count submissions: %w", err)
	}

	query := `SELECT ` + submissionColumns + ` FROM submissions` + where + ` ORDER BY created_at DESC, id`
	offset, limit := pageBounds(filters)
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	result := []model.Submission{}
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan submission: %w", err)
		}
		result = append(result, sub)
	}
	return result, total, rows.Err()
}

func scanSubmission(row pgx.Row) (model.Submission, error) {
	var sub model.Submission
	var details, approvals, timeline []byte

	err := row.Scan(
		&sub.ID, &sub.Type, &sub.StudentID, &sub.EventID, &sub.DepartmentID, &sub.Title, &details, &sub.ProofURL,
		&sub.Status, &sub.CurrentStage, &sub.EntryStage, &approvals, &timeline,
		&sub.CreatedBy, &sub.CreatedAt, &sub.UpdatedAt, &sub.SubmittedAt, &sub.Version,
	)
	if err != nil {
		return model.Submission{}, err
	}

	if details != nil {
		if err := json.Unmarshal(details, &sub.Details); err != nil {
			return model.Submission{}, fmt.Errorf("unmarshal details: %w", err)
		}
	}
	if err := json.Unmarshal(approvals, &sub.StageApprovals); err != nil {
		return model.Submission{}, fmt.Errorf("unmarshal stage approvals: %w", err)
	}
	if err := json.Unmarshal(timeline, &sub.ApprovalTimeline); err != nil {
		return model.Submission{}, fmt.Errorf("unmarshal timeline: %w", err)
	}
	return sub, nil
}
