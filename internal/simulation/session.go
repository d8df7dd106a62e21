package simulation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/odflow/model"
)

// Session is an active "act as" declaration by a super-role actor.
type Session struct {
	SubjectID    string     `json:"subject_id"`
	SessionID    string     `json:"session_id"`
	Role         model.Role `json:"role"`
	DepartmentID string     `json:"department_id,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
}

// SessionStore persists simulation sessions keyed by SessionKey.
type SessionStore interface {
	// Get returns the session stored under key. found is false when no
	// session exists or it has expired.
	Get(ctx context.Context, key string) (sess Session, found bool, err error)

	// Put stores a session with a TTL, replacing any existing one.
	Put(ctx context.Context, key string, sess Session, ttl time.Duration) error

	// Delete removes the session. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// SessionKey builds the store key for an actor's login session. Simulation
// is scoped to one login: a second device of the same user is unaffected.
func SessionKey(subjectID, sessionID string) string {
	if sessionID == "" {
		sessionID = "default"
	}
	return fmt.Sprintf("sim:%s:%s", subjectID, sessionID)
}

// --- MemorySessionStore ---

// MemorySessionStore keeps sessions in process memory. Suitable for tests and
// single-instance deployments.
type MemorySessionStore struct {
	mu      sync.RWMutex
	entries map[string]memSession
	now     func() time.Time
}

type memSession struct {
	sess      Session
	expiresAt time.Time
}

// NewMemorySessionStore creates an empty in-memory store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		entries: make(map[string]memSession),
		now:     time.Now,
	}
}

// Get returns the session under key, dropping it if expired.
func (s *MemorySessionStore) Get(_ context.Context, key string) (Session, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return Session{}, false, nil
	}
	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return Session{}, false, nil
	}
	return e.sess, true, nil
}

// Put stores sess under key until ttl elapses.
func (s *MemorySessionStore) Put(_ context.Context, key string, sess Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memSession{sess: sess, expiresAt: s.now().Add(ttl)}
	return nil
}

// Delete removes key.
func (s *MemorySessionStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisSessionStore ---

// RedisSessionStore keeps sessions in Redis so that every replica sees the
// same simulation state.
type RedisSessionStore struct {
	client redis.Cmdable
}

// NewRedisSessionStore creates a Redis-backed session store.
func NewRedisSessionStore(client redis.Cmdable) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

// Get loads the session under key.
func (s *RedisSessionStore) Get(ctx context.Context, key string) (Session, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, false, fmt.Errorf("unmarshal simulation session %q: %w", key, err)
	}
	return sess, true, nil
}

// Put stores the session with TTL.
func (s *RedisSessionStore) Put(ctx context.Context, key string, sess Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal simulation session: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Delete removes the session.
func (s *RedisSessionStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}
