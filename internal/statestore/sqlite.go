// Package statestore: SQLite backend.
//
// Intended for single-node and embedded deployments. Expired rows are
// treated as absent and reclaimed lazily, which preserves the set-if-absent
// and compare-and-delete semantics of the Redis backend.
package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dialworks/powerdial/internal/models"
	"github.com/dialworks/powerdial/internal/util"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is a SQLite-backed Store.
type SQLiteStore struct {
	db   *sql.DB
	opts Opts
}

// NewSQLiteStore creates a new SQLite store with the given options. The DSN
// is a file path; its directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	applyDefaults(&cfg)
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db, opts: cfg}, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess models.Session) error {
	return s.UpdateSession(ctx, sess)
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM sessions WHERE session_id = ? AND expires_at > ?`,
		sessionID, time.Now()).Scan(&data)
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

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.SessionID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (session_id, data, expires_at) VALUES (?, ?, ?)`,
		sess.SessionID, string(data), time.Now().Add(s.opts.SessionTTL))
	if err != nil {
		return fmt.Errorf("store session %s: %w", sess.SessionID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) GetAgentSession(ctx context.Context, agentEmail string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM agent_sessions WHERE agent_email = ? AND expires_at > ?`,
		agentEmail, time.Now()).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get agent session: %w", err)
	}
	return sessionID, nil
}

func (s *SQLiteStore) SetAgentSession(ctx context.Context, agentEmail, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agent_sessions (agent_email, session_id, expires_at) VALUES (?, ?, ?)`,
		agentEmail, sessionID, time.Now().Add(s.opts.SessionTTL))
	if err != nil {
		return fmt.Errorf("set agent session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAgentSession(ctx context.Context, agentEmail string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE agent_email = ?`, agentEmail); err != nil {
		return fmt.Errorf("delete agent session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, bool, error) {
	now := time.Now()
	// Reclaim an expired lock before attempting the insert.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM row_locks WHERE resource = ? AND expires_at <= ?`, resource, now); err != nil {
		return "", false, fmt.Errorf("reclaim lock %s: %w", resource, err)
	}

	token := util.GenerateLockToken()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO row_locks (resource, token, expires_at) VALUES (?, ?, ?)`,
		resource, token, now.Add(ttl))
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

func (s *SQLiteStore) ReleaseLock(ctx context.Context, resource, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM row_locks WHERE resource = ? AND token = ?`, resource, token)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", resource, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", resource, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) BeginIdempotent(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = ? AND expires_at <= ?`, key, now); err != nil {
		return false, fmt.Errorf("idempotency reclaim %s: %w", key, err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO idempotency_keys (key, result, expires_at) VALUES (?, NULL, ?)`,
		key, now.Add(s.opts.IdempotencyTTL))
	if err != nil {
		return false, fmt.Errorf("idempotency check %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("idempotency check %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) SetIdempotentResult(ctx context.Context, key string, result []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET result = ? WHERE key = ?`, string(result), key)
	if err != nil {
		return fmt.Errorf("store idempotent result %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) GetIdempotentResult(ctx context.Context, key string) ([]byte, error) {
	var result sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM idempotency_keys WHERE key = ? AND expires_at > ?`,
		key, time.Now()).Scan(&result)
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

func (s *SQLiteStore) DeleteIdempotent(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete idempotency key %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	now := time.Now()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE event_id = ? AND expires_at <= ?`, eventID, now); err != nil {
		return false, fmt.Errorf("event dedup reclaim %s: %w", eventID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_events (event_id, expires_at) VALUES (?, ?)`,
		eventID, now.Add(s.opts.EventDedupTTL))
	if err != nil {
		return false, fmt.Errorf("event dedup %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("event dedup %s: %w", eventID, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
