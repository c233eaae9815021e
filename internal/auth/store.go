package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/npezzotti/go-dmchat/internal/database"
)

var ErrSessionNotFound = errors.New("session not found")

type SessionStore interface {
	Save(ctx context.Context, s *Session) error
	// Get returns ErrSessionNotFound for unknown or expired keys.
	Get(ctx context.Context, key string) (*Session, error)
	Delete(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context) (int64, error)
}

type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	now      func() time.Time
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]Session),
		now:      time.Now,
	}
}

func (m *MemorySessionStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Key] = *s
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, key string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok || !s.ExpiresAt.After(m.now()) {
		return nil, ErrSessionNotFound
	}

	return &s, nil
}

func (m *MemorySessionStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
	return nil
}

func (m *MemorySessionStore) DeleteExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	now := m.now()
	for k, s := range m.sessions {
		if !s.ExpiresAt.After(now) {
			delete(m.sessions, k)
			n++
		}
	}

	return n, nil
}

// PostgresSessionStore keeps sessions in the sessions table.
type PostgresSessionStore struct {
	repo database.SessionRepository
}

func NewPostgresSessionStore(repo database.SessionRepository) *PostgresSessionStore {
	return &PostgresSessionStore{repo: repo}
}

func (p *PostgresSessionStore) Save(ctx context.Context, s *Session) error {
	return p.repo.SaveSession(ctx, database.Session{
		Key:       s.Key,
		UserId:    s.UserId,
		Backend:   s.Backend,
		AuthHash:  s.AuthHash,
		CSRFToken: s.CSRFToken,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	})
}

func (p *PostgresSessionStore) Get(ctx context.Context, key string) (*Session, error) {
	s, err := p.repo.GetSession(ctx, key)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	return &Session{
		Key:       s.Key,
		UserId:    s.UserId,
		Backend:   s.Backend,
		AuthHash:  s.AuthHash,
		CSRFToken: s.CSRFToken,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	}, nil
}

func (p *PostgresSessionStore) Delete(ctx context.Context, key string) error {
	return p.repo.DeleteSession(ctx, key)
}

func (p *PostgresSessionStore) DeleteExpired(ctx context.Context) (int64, error) {
	return p.repo.DeleteExpiredSessions(ctx)
}
