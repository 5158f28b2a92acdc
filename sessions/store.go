package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/truepast/truepast-backend/models"
)

// Store is the key-value abstraction for per-identity conversation state.
// Get on an unknown identity returns a fresh idle session; callers never see
// a nil session without an error.
type Store interface {
	Get(ctx context.Context, identity string) (*models.UserSession, error)
	Put(ctx context.Context, session *models.UserSession) error
	Delete(ctx context.Context, identity string) error
}

// MemoryStore keeps sessions in a mutex-guarded map. It is the default store
// for a single-process deployment; idle sessions are reclaimed by Sweep.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.UserSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*models.UserSession)}
}

func (s *MemoryStore) Get(ctx context.Context, identity string) (*models.UserSession, error) {
	s.mu.RLock()
	session, ok := s.sessions[identity]
	s.mu.RUnlock()
	if !ok {
		return models.NewUserSession(identity), nil
	}
	// Copy so callers never mutate shared state outside Put.
	copied := *session
	return &copied, nil
}

func (s *MemoryStore) Put(ctx context.Context, session *models.UserSession) error {
	session.UpdatedAt = time.Now()
	copied := *session
	s.mu.Lock()
	s.sessions[session.Identity] = &copied
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, identity string) error {
	s.mu.Lock()
	delete(s.sessions, identity)
	s.mu.Unlock()
	return nil
}

// Sweep evicts sessions not touched within maxIdle, whatever their phase,
// and returns how many were removed. A conversation abandoned mid-phase
// holds memory just like a stale idle one; if a render result arrives after
// its session was evicted, the machine drops it as stale.
func (s *MemoryStore) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	evicted := 0
	s.mu.Lock()
	for identity, session := range s.sessions {
		if session.UpdatedAt.Before(cutoff) {
			delete(s.sessions, identity)
			evicted++
		}
	}
	s.mu.Unlock()
	return evicted
}

// Len reports the number of stored sessions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
