// Package statestore: Redis backend.
//
// This is the primary production backend; session records are stored as
// JSON values under TTL keys, and the lock/idempotency/dedup primitives use
// SET NX with a compare-and-delete release script.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/dialworks/powerdial/internal/models"
	"github.com/dialworks/powerdial/internal/util"
	"time"
)

// Compile-time check that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// releaseScript deletes a lock key only when it still holds the caller's
// token, making release safe against expiry-and-reacquire races.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RedisStore is a Redis-backed Store.
type RedisStore struct {
	client  *redis.Client
	opts    Opts
	release *redis.Script
}

// NewRedisStore creates a Redis store from a redis:// DSN.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	applyDefaults(&cfg)
	slog.Debug("NewRedisStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("RedisStore DSN not set")
		return nil, fmt.Errorf("redis DSN not set")
	}

	redisOpts, err := redis.ParseURL(cfg.DSN)
	if err != nil {
		slog.Error("RedisStore failed to parse DSN", "error", err)
		return nil, fmt.Errorf("failed to parse redis DSN: %w", err)
	}

	client := redis.NewClient(redisOpts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		slog.Error("RedisStore ping failed", "error", err)
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Debug("RedisStore connected")

	return &RedisStore{
		client:  client,
		opts:    cfg,
		release: redis.NewScript(releaseScript),
	}, nil
}

func (s *RedisStore) key(parts ...string) string {
	k := s.opts.KeyPrefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (s *RedisStore) CreateSession(ctx context.Context, sess models.Session) error {
	return s.UpdateSession(ctx, sess)
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	data, err := s.client.Get(ctx, s.key("session", sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &sess, nil
}

func (s *RedisStore) UpdateSession(ctx context.Context, sess models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.SessionID, err)
	}
	// SETEX re-arms the TTL on every write.
	if err := s.client.Set(ctx, s.key("session", sess.SessionID), data, s.opts.SessionTTL).Err(); err != nil {
		return fmt.Errorf("store session %s: %w", sess.SessionID, err)
	}
	return nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key("session", sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) GetAgentSession(ctx context.Context, agentEmail string) (string, error) {
	v, err := s.client.Get(ctx, s.key("agent", agentEmail)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get agent session: %w", err)
	}
	return v, nil
}

func (s *RedisStore) SetAgentSession(ctx context.Context, agentEmail, sessionID string) error {
	if err := s.client.Set(ctx, s.key("agent", agentEmail), sessionID, s.opts.SessionTTL).Err(); err != nil {
		return fmt.Errorf("set agent session: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteAgentSession(ctx context.Context, agentEmail string) error {
	if err := s.client.Del(ctx, s.key("agent", agentEmail)).Err(); err != nil {
		return fmt.Errorf("delete agent session: %w", err)
	}
	return nil
}

func (s *RedisStore) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, bool, error) {
	token := util.GenerateLockToken()
	ok, err := s.client.SetNX(ctx, s.key("lock", resource), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", resource, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, resource, token string) (bool, error) {
	n, err := s.release.Run(ctx, s.client, []string{s.key("lock", resource)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", resource, err)
	}
	return n == 1, nil
}

func (s *RedisStore) BeginIdempotent(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key("idem", key), "1", s.opts.IdempotencyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency check %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) SetIdempotentResult(ctx context.Context, key string, result []byte) error {
	if err := s.client.Set(ctx, s.key("idem", "result", key), result, s.opts.IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("store idempotent result %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) GetIdempotentResult(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key("idem", "result", key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotent result %s: %w", key, err)
	}
	return data, nil
}

func (s *RedisStore) DeleteIdempotent(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key("idem", key), s.key("idem", "result", key)).Err(); err != nil {
		return fmt.Errorf("delete idempotency key %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key("event", eventID), "1", s.opts.EventDedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("event dedup %s: %w", eventID, err)
	}
	return ok, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	slog.Debug("Closing Redis connection")
	return s.client.Close()
}
