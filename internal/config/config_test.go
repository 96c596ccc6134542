package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with defaults: %v", err)
	}
	if cfg.APIAddr != DefaultAPIAddr {
		t.Errorf("APIAddr: got %s", cfg.APIAddr)
	}
	if cfg.LockTTL != DefaultLockTTL {
		t.Errorf("LockTTL: got %v", cfg.LockTTL)
	}
	if cfg.Policies.MaxAttemptsPerNum != DefaultMaxAttempts {
		t.Errorf("MaxAttemptsPerNum: got %d", cfg.Policies.MaxAttemptsPerNum)
	}
	if cfg.Policies.RetryDelaysMin.NoAnswer != 60 {
		t.Errorf("NoAnswer retry delay: got %d", cfg.Policies.RetryDelaysMin.NoAnswer)
	}
	if cfg.Network.IdempotencyHeader != DefaultIdempotencyHdr {
		t.Errorf("IdempotencyHeader: got %s", cfg.Network.IdempotencyHeader)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9999")
	t.Setenv("LOCK_TTL_SECONDS", "10")
	t.Setenv("MAX_ATTEMPTS_PER_PHONE", "5")
	t.Setenv("RESPECT_TIME_WINDOWS", "false")
	t.Setenv("BACKOFF_BASE_MS", "250")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIAddr != ":9999" {
		t.Errorf("APIAddr: got %s", cfg.APIAddr)
	}
	if cfg.LockTTL != 10*time.Second {
		t.Errorf("LockTTL: got %v", cfg.LockTTL)
	}
	if cfg.Policies.MaxAttemptsPerNum != 5 {
		t.Errorf("MaxAttemptsPerNum: got %d", cfg.Policies.MaxAttemptsPerNum)
	}
	if cfg.Policies.RespectTimeWindows {
		t.Error("RespectTimeWindows should be off")
	}
	if cfg.Network.BackoffBase != 250*time.Millisecond {
		t.Errorf("BackoffBase: got %v", cfg.Network.BackoffBase)
	}
}

func TestLoadRejectsBadWindow(t *testing.T) {
	t.Setenv("DEFAULT_CALL_WINDOW_START", "9am")
	if _, err := Load(); err == nil {
		t.Error("expected error for malformed window start")
	}
}

func TestInvalidIntFallsBack(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS_PER_PHONE", "not-a-number")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Policies.MaxAttemptsPerNum != DefaultMaxAttempts {
		t.Errorf("expected default, got %d", cfg.Policies.MaxAttemptsPerNum)
	}
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"redis://localhost:6379":                  "redis",
		"rediss://example.com:6380":               "redis",
		"postgres://user:pw@localhost/dialer":     "postgres",
		"postgresql://user:pw@localhost/dialer":   "postgres",
		"host=localhost user=dialer dbname=state": "postgres",
		"/var/lib/powerdial/state.db":             "sqlite",
		"state.db":                                "sqlite",
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q): got %s, want %s", dsn, got, want)
		}
	}
}
