package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/dialworks/powerdial/internal/api"
	"github.com/dialworks/powerdial/internal/config"
	"github.com/dialworks/powerdial/internal/dialer"
	"github.com/dialworks/powerdial/internal/leadstore"
	"github.com/dialworks/powerdial/internal/policy"
	"github.com/dialworks/powerdial/internal/push"
	"github.com/dialworks/powerdial/internal/statestore"
	"github.com/dialworks/powerdial/internal/telephony"
	"github.com/dialworks/powerdial/internal/util"
)

func main() {
	initializeLogger()

	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	store, err := buildStateStore(cfg)
	if err != nil {
		slog.Error("Failed to initialize state store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	leads, err := leadstore.NewSheetsStore(ctx, leadstore.SheetsOpts{
		CredentialsB64:      cfg.SheetsCredentials,
		RouterSpreadsheetID: cfg.RouterSpreadsheetID,
		Retry: util.RetryOptions{
			MaxAttempts: cfg.Network.MaxAttempts,
			BackoffBase: cfg.Network.BackoffBase,
			BackoffMax:  cfg.Network.BackoffMax,
		},
		SkippedColor: cfg.Policies.Colors.Skipped,
	})
	if err != nil {
		slog.Error("Failed to initialize lead store", "error", err)
		os.Exit(1)
	}

	phones, err := telephony.NewTwilioDialer(
		telephony.WithAccountSID(cfg.TwilioAccountSID),
		telephony.WithAuthToken(cfg.TwilioAuthToken),
		telephony.WithFromNumber(cfg.TwilioFromNumber),
		telephony.WithTimeout(cfg.Network.Timeout),
		telephony.WithStatusURL(os.Getenv("TELEPHONY_STATUS_URL")),
	)
	if err != nil {
		slog.Error("Failed to initialize telephony dialer", "error", err)
		os.Exit(1)
	}

	hub, err := push.NewHub(
		push.WithSecret(cfg.JWTSecret),
		push.WithHeartbeat(cfg.Heartbeat),
	)
	if err != nil {
		slog.Error("Failed to initialize push hub", "error", err)
		os.Exit(1)
	}

	engine := policy.NewEngine(cfg.Policies)
	orch := dialer.New(store, leads, phones, hub, engine, cfg)
	defer orch.Close()
	hub.SetStateFunc(func(ctx context.Context, sessionID string) (any, error) {
		return orch.SessionStatus(ctx, sessionID)
	})

	server := api.NewServer(orch, hub, store, engine, cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("API server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), api.DefaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown did not complete cleanly", "error", err)
		os.Exit(1)
	}
	slog.Info("powerdial exited successfully")
}

// initializeLogger sets up structured logging on stdout. LOG_LEVEL=debug
// enables debug output.
func initializeLogger() {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// buildStateStore constructs the state store backend matching the DSN type.
func buildStateStore(cfg *config.Config) (statestore.Store, error) {
	opts := []statestore.Option{
		statestore.WithDSN(cfg.StoreDSN),
		statestore.WithKeyPrefix(cfg.KeyPrefix),
		statestore.WithTTLs(cfg.SessionTTL, cfg.IdempotencyTTL, cfg.EventDedupTTL),
	}
	kind := config.DetectDSNType(cfg.StoreDSN)
	slog.Info("Initializing state store", "backend", kind)
	switch kind {
	case "redis":
		return statestore.NewRedisStore(opts...)
	case "postgres":
		return statestore.NewPostgresStore(opts...)
	default:
		return statestore.NewSQLiteStore(opts...)
	}
}
