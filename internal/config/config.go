// Package config loads powerdial configuration from environment variables.
//
// Values are read once at startup and passed explicitly into components;
// there is no ambient global configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default configuration constants
const (
	DefaultAPIAddr          = ":8080"
	DefaultStoreDSN         = "redis://localhost:6379"
	DefaultKeyPrefix        = "dialer:"
	DefaultSessionTTL       = time.Hour
	DefaultLockTTL          = 5 * time.Second
	DefaultIdempotencyTTL   = 60 * time.Second
	DefaultEventDedupTTL    = 5 * time.Minute
	DefaultOrgTimezone      = "America/Denver"
	DefaultWindowStart      = "09:00"
	DefaultWindowEnd        = "18:00"
	DefaultMaxAttempts      = 3
	DefaultHeartbeat        = 20 * time.Second
	DefaultNetworkTimeout   = 10 * time.Second
	DefaultBackoffBase      = 500 * time.Millisecond
	DefaultBackoffMax       = 10 * time.Second
	DefaultRetryAttempts    = 3
	DefaultIdempotencyHdr   = "Idempotency-Key"
	DefaultLeadPageSize     = 100
	DefaultSelectionRetries = 3
)

// RetryDelays holds per-disposition retry delays in minutes.
type RetryDelays struct {
	VMOrNAUnknown         int
	VMSameNameUnconfirmed int
	NoAnswer              int
}

// StatusColors holds the UI colors written alongside phone statuses.
type StatusColors struct {
	Skipped       string
	Correct       string
	Wrong         string
	Voicemail     string
	VMUnconfirmed string
	NoAnswer      string
	CurrentClient string
}

// Policies holds the business policy knobs evaluated by the policy engine.
type Policies struct {
	OrgDefaultTZ       string
	WindowStart        string // "HH:MM" local
	WindowEnd          string // "HH:MM" local
	MaxAttemptsPerNum  int
	RespectTimeWindows bool
	RespectNextRetryAt bool
	StopOnFirstCorrect bool
	RetryDelaysMin     RetryDelays
	Colors             StatusColors
}

// Network holds outbound call timeout and backoff settings.
type Network struct {
	Timeout           time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxAttempts       int
	IdempotencyHeader string
}

// Config is the full service configuration.
type Config struct {
	APIAddr   string
	StoreDSN  string
	KeyPrefix string

	SessionTTL     time.Duration
	LockTTL        time.Duration
	IdempotencyTTL time.Duration
	EventDedupTTL  time.Duration

	JWTSecret string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	WebhookSecret    string

	SheetsCredentials   string // base64-encoded service account JSON
	RouterSpreadsheetID string

	Policies Policies
	Network  Network

	Heartbeat        time.Duration
	LeadPageSize     int
	SelectionRetries int
}

// Load builds a Config from environment variables, applying defaults for
// anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		APIAddr:   getenv("API_ADDR", DefaultAPIAddr),
		StoreDSN:  getenv("STORE_DSN", DefaultStoreDSN),
		KeyPrefix: getenv("STORE_KEY_PREFIX", DefaultKeyPrefix),

		SessionTTL:     envDuration("SESSION_TTL_SECONDS", DefaultSessionTTL),
		LockTTL:        envDuration("LOCK_TTL_SECONDS", DefaultLockTTL),
		IdempotencyTTL: envDuration("IDEMPOTENCY_TTL_SECONDS", DefaultIdempotencyTTL),
		EventDedupTTL:  envDuration("EVENT_DEDUP_TTL_SECONDS", DefaultEventDedupTTL),

		JWTSecret: os.Getenv("JWT_SECRET"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		WebhookSecret:    os.Getenv("TELEPHONY_WEBHOOK_SECRET"),

		SheetsCredentials:   os.Getenv("GOOGLE_SERVICE_ACCOUNT"),
		RouterSpreadsheetID: os.Getenv("GOOGLE_ROUTER_SPREADSHEET_ID"),

		Policies: Policies{
			OrgDefaultTZ:       getenv("ORG_DEFAULT_TZ", DefaultOrgTimezone),
			WindowStart:        getenv("DEFAULT_CALL_WINDOW_START", DefaultWindowStart),
			WindowEnd:          getenv("DEFAULT_CALL_WINDOW_END", DefaultWindowEnd),
			MaxAttemptsPerNum:  envInt("MAX_ATTEMPTS_PER_PHONE", DefaultMaxAttempts),
			RespectTimeWindows: envBool("RESPECT_TIME_WINDOWS", true),
			RespectNextRetryAt: envBool("RESPECT_NEXT_RETRY_AT", true),
			StopOnFirstCorrect: envBool("STOP_ON_FIRST_CORRECT", true),
			RetryDelaysMin: RetryDelays{
				VMOrNAUnknown:         envInt("RETRY_DELAY_VM_OR_NA_UNKNOWN", 180),
				VMSameNameUnconfirmed: envInt("RETRY_DELAY_VM_SAME_NAME", 180),
				NoAnswer:              envInt("RETRY_DELAY_NO_ANSWER", 60),
			},
			Colors: StatusColors{
				Skipped:       "#8E7CC3",
				Correct:       "#4AA031",
				Wrong:         "#C07772",
				Voicemail:     "#6C97DD",
				VMUnconfirmed: "#DADA00",
				NoAnswer:      "#6AC4CB",
				CurrentClient: "#F09001",
			},
		},
		Network: Network{
			Timeout:           envDuration("NETWORK_TIMEOUT_SECONDS", DefaultNetworkTimeout),
			BackoffBase:       envMillis("BACKOFF_BASE_MS", DefaultBackoffBase),
			BackoffMax:        envMillis("BACKOFF_MAX_MS", DefaultBackoffMax),
			MaxAttempts:       envInt("NETWORK_MAX_ATTEMPTS", DefaultRetryAttempts),
			IdempotencyHeader: getenv("IDEMPOTENCY_HEADER", DefaultIdempotencyHdr),
		},

		Heartbeat:        envDuration("WS_HEARTBEAT_SECONDS", DefaultHeartbeat),
		LeadPageSize:     envInt("LEAD_PAGE_SIZE", DefaultLeadPageSize),
		SelectionRetries: envInt("SELECTION_RETRIES", DefaultSelectionRetries),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := parseClock(c.Policies.WindowStart); err != nil {
		return fmt.Errorf("invalid DEFAULT_CALL_WINDOW_START %q: %w", c.Policies.WindowStart, err)
	}
	if _, err := parseClock(c.Policies.WindowEnd); err != nil {
		return fmt.Errorf("invalid DEFAULT_CALL_WINDOW_END %q: %w", c.Policies.WindowEnd, err)
	}
	if c.Policies.MaxAttemptsPerNum < 1 {
		return fmt.Errorf("MAX_ATTEMPTS_PER_PHONE must be at least 1")
	}
	return nil
}

func parseClock(s string) (time.Time, error) {
	return time.Parse("15:04", s)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config: invalid integer, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return def
	}
	return v != "false" && v != "0"
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("config: invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return time.Duration(n) * time.Second
}

func envMillis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("config: invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return time.Duration(n) * time.Millisecond
}

// DetectDSNType classifies a store DSN as "redis", "postgres", or "sqlite".
// Redis URLs start with redis:// or rediss://; Postgres DSNs use a URL
// scheme or key=value form; anything else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return "redis"
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return "postgres"
	default:
		return "sqlite"
	}
}
