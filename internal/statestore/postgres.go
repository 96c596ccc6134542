// Package statestore: PostgreSQL backend.
package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/dialworks/powerdial/internal/models"
	"github.com/dialworks/powerdial/internal/util"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore is a PostgreSQL-backed Store.
type PostgresStore struct {
	db   *sql.DB
	opts Opts
}

// NewPostgresStore creates a new PostgreSQL store with the given options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	applyDefaults(&cfg)
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db, opts: cfg}, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess models.Session) error {
	return s.UpdateSession(ctx, sess)
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM sessions WHERE session_id = $1 AND expires_at > now()`,
		sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &sess, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.SessionID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, data, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET data = EXCLUDED.data, expires_at = EXCLUDED.expires_at`,
		sess.SessionID, string(data), time.Now().Add(s.opts.SessionTTL))
	if err != nil {
		return fmt.Errorf("store session %s: %w", sess.SessionID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *PostgresStore) GetAgentSession(ctx context.Context, agentEmail string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM agent_sessions WHERE agent_email = $1 AND expires_at > now()`,
		agentEmail).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get agent session: %w", err)
	}
	return sessionID, nil
}

func (s *PostgresStore) SetAgentSession(ctx context.Context, agentEmail, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_sessions (agent_email, session_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (agent_email) DO UPDATE SET session_id = EXCLUDED.session_id, expires_at = EXCLUDED.expires_at`,
		agentEmail, sessionID, time.Now().Add(s.opts.SessionTTL))
	if err != nil {
		return fmt.Errorf("set agent session: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteAgentSession(ctx context.Context, agentEmail string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE agent_email = $1`, agentEmail); err != nil {
		return fmt.Errorf("delete agent session: %w", err)
	}
	return nil
}

func (s *PostgresStore) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, bool, error) {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM row_locks WHERE resource = $1 AND expires_at <= now()`, resource); err != nil {
		return "", false, fmt.Errorf("reclaim lock %s: %w", resource, err)
	}

	token := util.GenerateLockToken()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO row_locks (resource, token, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (resource) DO NOTHING`,
		resource, token, time.Now().Add(ttl))
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", resource, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", resource, err)
	}
	if n == 0 {
		return "", false, nil
	}
	return token, true, nil
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, resource, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM row_locks WHERE resource = $1 AND token = $2`, resource, token)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", resource, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", resource, err)
	}
	return n == 1, nil
}

func (s *PostgresStore) BeginIdempotent(ctx context.Context, key string) (bool, error) {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND expires_at <= now()`, key); err != nil {
		return false, fmt.Errorf("idempotency reclaim %s: %w", key, err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, result, expires_at) VALUES ($1, NULL, $2)
		ON CONFLICT (key) DO NOTHING`,
		key, time.Now().Add(s.opts.IdempotencyTTL))
	if err != nil {
		return false, fmt.Errorf("idempotency check %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("idempotency check %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *PostgresStore) SetIdempotentResult(ctx context.Context, key string, result []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET result = $1 WHERE key = $2`, string(result), key)
	if err != nil {
		return fmt.Errorf("store idempotent result %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) GetIdempotentResult(ctx context.Context, key string) ([]byte, error) {
	var result sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM idempotency_keys WHERE key = $1 AND expires_at > now()`,
		key).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotent result %s: %w", key, err)
	}
	if !result.Valid {
		return nil, nil
	}
	return []byte(result.String), nil
}

func (s *PostgresStore) DeleteIdempotent(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete idempotency key %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE event_id = $1 AND expires_at <= now()`, eventID); err != nil {
		return false, fmt.Errorf("event dedup reclaim %s: %w", eventID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, expires_at) VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, time.Now().Add(s.opts.EventDedupTTL))
	if err != nil {
		return false, fmt.Errorf("event dedup %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("event dedup %s: %w", eventID, err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
