package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/dialworks/powerdial/internal/models"
	"github.com/dialworks/powerdial/internal/util"
)

// InMemoryStore is an in-memory Store used in unit tests and local
// development. Expiry is evaluated lazily on read.
type InMemoryStore struct {
	mu   sync.Mutex
	opts Opts
	now  func() time.Time

	sessions map[string]entry
	agents   map[string]entry
	locks    map[string]lockEntry
	idem     map[string]entry
	results  map[string][]byte
	events   map[string]time.Time
}

type entry struct {
	data      []byte
	session   *models.Session
	expiresAt time.Time
}

type lockEntry struct {
	token     string
	expiresAt time.Time
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	applyDefaults(&cfg)
	return &InMemoryStore{
		opts:     cfg,
		now:      time.Now,
		sessions: make(map[string]entry),
		agents:   make(map[string]entry),
		locks:    make(map[string]lockEntry),
		idem:     make(map[string]entry),
		results:  make(map[string][]byte),
		events:   make(map[string]time.Time),
	}
}

// SetClock overrides the store's clock, for TTL tests.
func (s *InMemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *InMemoryStore) CreateSession(ctx context.Context, sess models.Session) error {
	return s.UpdateSession(ctx, sess)
}

func (s *InMemoryStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok || s.now().After(e.expiresAt) {
		delete(s.sessions, sessionID)
		return nil, nil
	}
	copied := *e.session
	return &copied, nil
}

func (s *InMemoryStore) UpdateSession(ctx context.Context, sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := sess
	s.sessions[sess.SessionID] = entry{session: &copied, expiresAt: s.now().Add(s.opts.SessionTTL)}
	return nil
}

func (s *InMemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *InMemoryStore) GetAgentSession(ctx context.Context, agentEmail string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.agents[agentEmail]
	if !ok || s.now().After(e.expiresAt) {
		delete(s.agents, agentEmail)
		return "", nil
	}
	return string(e.data), nil
}

func (s *InMemoryStore) SetAgentSession(ctx context.Context, agentEmail, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agentEmail] = entry{data: []byte(sessionID), expiresAt: s.now().Add(s.opts.SessionTTL)}
	return nil
}

func (s *InMemoryStore) DeleteAgentSession(ctx context.Context, agentEmail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentEmail)
	return nil
}

func (s *InMemoryStore) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.locks[resource]; ok && now.Before(e.expiresAt) {
		return "", false, nil
	}
	token := util.GenerateLockToken()
	s.locks[resource] = lockEntry{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (s *InMemoryStore) ReleaseLock(ctx context.Context, resource, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.locks[resource]
	if !ok || e.token != token {
		return false, nil
	}
	delete(s.locks, resource)
	return true, nil
}

func (s *InMemoryStore) BeginIdempotent(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.idem[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	s.idem[key] = entry{expiresAt: now.Add(s.opts.IdempotencyTTL)}
	return true, nil
}

func (s *InMemoryStore) SetIdempotentResult(ctx context.Context, key string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[key] = append([]byte(nil), result...)
	return nil
}

func (s *InMemoryStore) GetIdempotentResult(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), r...), nil
}

func (s *InMemoryStore) DeleteIdempotent(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idem, key)
	delete(s.results, key)
	return nil
}

func (s *InMemoryStore) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if exp, ok := s.events[eventID]; ok && now.Before(exp) {
		return false, nil
	}
	s.events[eventID] = now.Add(s.opts.EventDedupTTL)
	return true, nil
}

func (s *InMemoryStore) Ping(ctx context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }
