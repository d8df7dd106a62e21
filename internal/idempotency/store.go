// Package idempotency deduplicates submission creation. A client retrying a
// create with the same X-Idempotency-Key gets the draft it created the first
// time instead of a second draft.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/odflow/model"
)

// Store remembers the submission produced for an idempotency key.
type Store interface {
	// Check looks up a previous result. A key reused with a different input
	// hash is a CONFLICT.
	Check(ctx context.Context, key, inputHash string) (sub *model.Submission, found bool, err error)

	// Save records the submission produced for key.
	Save(ctx context.Context, key, inputHash string, sub model.Submission, ttl time.Duration) error
}

type entry struct {
	InputHash  string           `json:"input_hash"`
	Submission model.Submission `json:"submission"`
}

// Key scopes a client-supplied key to the caller and submission type, so two
// users cannot collide on the same key.
func Key(subjectID string, subType model.SubmissionType, key string) string {
	return fmt.Sprintf("idem:create:%s:%s:%s", subType, subjectID, key)
}

// HashInput returns a stable hash of a request body value.
func HashInput(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash idempotent input: %w", err)
	}
	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}

func reused(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Check looks up a cached submission.
func (s *MemoryStore) Check(_ context.Context, key, inputHash string) (*model.Submission, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	if e.data.InputHash != inputHash {
		return nil, true, reused(key)
	}

	sub := e.data.Submission.Clone()
	return &sub, true, nil
}

// Save stores a submission with TTL.
func (s *MemoryStore) Save(_ context.Context, key, inputHash string, sub model.Submission, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Submission: sub.Clone()},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, including expired ones. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store. Expiry is left to Redis.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a cached submission in Redis.
func (s *RedisStore) Check(ctx context.Context, key, inputHash string) (*model.Submission, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if e.InputHash != inputHash {
		return nil, true, reused(key)
	}
	return &e.Submission, true, nil
}

// Save stores a submission in Redis with TTL. SETNX keeps the first writer's
// result when two retries race.
func (s *RedisStore) Save(ctx context.Context, key, inputHash string, sub model.Submission, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Submission: sub})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.SetNX(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return nil
}
