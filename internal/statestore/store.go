// Package statestore provides the shared low-latency state backends for
// powerdial: session records, the per-agent session index, distributed row
// locks, idempotency markers, and inbound event dedup markers.
//
// It includes Redis, SQLite, and PostgreSQL backends plus an in-memory
// store for tests. All keys expire; session writes re-arm the session TTL
// so an active session never silently disappears mid-use while an
// abandoned one eventually does.
package statestore

import (
	"context"
	"time"

	"github.com/dialworks/powerdial/internal/models"
)

// Store is the shared-state abstraction consumed by the orchestrator.
type Store interface {
	// CreateSession stores a new session record with the session TTL.
	CreateSession(ctx context.Context, s models.Session) error

	// GetSession retrieves a session, or nil if absent or expired.
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)

	// UpdateSession overwrites a session record and re-arms its TTL.
	UpdateSession(ctx context.Context, s models.Session) error

	// DeleteSession removes a session record.
	DeleteSession(ctx context.Context, sessionID string) error

	// GetAgentSession returns the session id indexed for an agent, or ""
	// if none.
	GetAgentSession(ctx context.Context, agentEmail string) (string, error)

	// SetAgentSession stores the agent-to-session index with the session TTL.
	SetAgentSession(ctx context.Context, agentEmail, sessionID string) error

	// DeleteAgentSession removes the agent index entry.
	DeleteAgentSession(ctx context.Context, agentEmail string) error

	// AcquireLock atomically sets a lock on resource if absent, returning a
	// random token to release it with. ok is false when the lock is held.
	AcquireLock(ctx context.Context, resource string, ttl time.Duration) (token string, ok bool, err error)

	// ReleaseLock deletes the lock only if the stored token matches, so a
	// lock can never be released by a party that did not acquire it.
	ReleaseLock(ctx context.Context, resource, token string) (bool, error)

	// BeginIdempotent atomically marks an idempotency key. The first caller
	// gets true and proceeds; later callers within the TTL get false and
	// should fetch the stored result instead of re-executing.
	BeginIdempotent(ctx context.Context, key string) (first bool, err error)

	// SetIdempotentResult stores the serialized result for an idempotency key.
	SetIdempotentResult(ctx context.Context, key string, result []byte) error

	// GetIdempotentResult fetches the stored result for an idempotency key,
	// or nil if none recorded yet.
	GetIdempotentResult(ctx context.Context, key string) ([]byte, error)

	// DeleteIdempotent removes an idempotency key and any stored result, so
	// a failed operation can be retried under the same key.
	DeleteIdempotent(ctx context.Context, key string) error

	// MarkEventProcessed atomically records a provider event id. The first
	// caller gets true; duplicate deliveries within the TTL get false.
	MarkEventProcessed(ctx context.Context, eventID string) (first bool, err error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN            string
	KeyPrefix      string
	SessionTTL     time.Duration
	IdempotencyTTL time.Duration
	EventDedupTTL  time.Duration
}

// Option configures a store backend.
type Option func(*Opts)

// WithDSN sets the backend DSN (redis:// URL, postgres DSN, or SQLite path).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithKeyPrefix sets the key namespace prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *Opts) { o.KeyPrefix = prefix }
}

// WithTTLs sets the session, idempotency, and event-dedup TTLs.
func WithTTLs(session, idempotency, eventDedup time.Duration) Option {
	return func(o *Opts) {
		o.SessionTTL = session
		o.IdempotencyTTL = idempotency
		o.EventDedupTTL = eventDedup
	}
}

// applyDefaults fills in defaults for unset options.
func applyDefaults(o *Opts) {
	if o.KeyPrefix == "" {
		o.KeyPrefix = "dialer:"
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = time.Hour
	}
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = 60 * time.Second
	}
	if o.EventDedupTTL <= 0 {
		o.EventDedupTTL = 5 * time.Minute
	}
}
