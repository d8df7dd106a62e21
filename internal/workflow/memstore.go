package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/odflow/model"
)

// MemorySubmissionStore is an in-memory SubmissionStore for tests and
// single-instance deployments.
type MemorySubmissionStore struct {
	mu          sync.RWMutex
	submissions map[string]model.Submission
}

// NewMemorySubmissionStore creates a new in-memory submission store.
func NewMemorySubmissionStore() *MemorySubmissionStore {
	return &MemorySubmissionStore{
		submissions: make(map[string]model.Submission),
	}
}

// Create persists a new submission.
func (s *MemorySubmissionStore) Create(_ context.Context, sub model.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.submissions[sub.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("submission %q already exists", sub.ID))
	}
	s.submissions[sub.ID] = sub.Clone()
	return nil
}

// Get retrieves a submission by ID.
func (s *MemorySubmissionStore) Get(_ context.Context, id string) (model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, exists := s.submissions[id]
	if !exists {
		return model.Submission{}, model.NewNotFoundError(fmt.Sprintf("submission %q not found", id))
	}
	return sub.Clone(), nil
}

// UpdateGuarded checks the guard and writes under a single lock.
func (s *MemorySubmissionStore) UpdateGuarded(_ context.Context, sub model.Submission, guard Guard) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.submissions[sub.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("submission %q not found", sub.ID))
	}
	if !guard.matches(existing) {
		return model.NewConflictError(
			fmt.Sprintf("submission %q changed concurrently (expected version %d, stored %d)", sub.ID, guard.Version, existing.Version),
		)
	}

	stored := sub.Clone()
	stored.Version = guard.Version + 1
	s.submissions[sub.ID] = stored
	return nil
}

// Find returns matching submissions, newest first.
func (s *MemorySubmissionStore) Find(_ context.Context, filters model.SubmissionFilters) ([]model.Submission, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Submission
	for _, sub := range s.submissions {
		if matchesFilters(sub, filters) {
			result = append(result, sub.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	total := len(result)
	offset, limit := pageBounds(filters)
	if offset >= len(result) {
		return []model.Submission{}, total, nil
	}
	result = result[offset:]
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, total, nil
}

// Len returns the total number of submissions. For testing.
func (s *MemorySubmissionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.submissions)
}

// pageBounds converts 1-based page numbers into offset and limit.
func pageBounds(f model.SubmissionFilters) (offset, limit int) {
	if f.PageSize <= 0 {
		return 0, 0
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	return (page - 1) * f.PageSize, f.PageSize
}
