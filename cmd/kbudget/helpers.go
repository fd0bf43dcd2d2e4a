package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/goodtune/kbudget/internal/api"
	"github.com/goodtune/kbudget/internal/config"
	"github.com/goodtune/kbudget/internal/enforcement"
	"github.com/goodtune/kbudget/internal/events"
	"github.com/goodtune/kbudget/internal/resource"
	"github.com/goodtune/kbudget/internal/state"
	"github.com/goodtune/kbudget/internal/storage"
	"github.com/goodtune/kbudget/internal/storage/bolt"
	"github.com/goodtune/kbudget/internal/storage/memory"
	"github.com/goodtune/kbudget/internal/storage/redis"
	"github.com/goodtune/kbudget/internal/storage/sqlite"
	"github.com/rs/zerolog"
)

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	lockTimeout := parseDuration(cfg.LockTimeout, 2*time.Second)

	switch cfg.Type {
	case "sqlite", "":
		return sqlite.Open(cfg.Path, lockTimeout)
	case "bolt":
		return bolt.Open(cfg.Path, lockTimeout)
	case "redis":
		return redis.Open(cfg.Redis)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// fileBacked reports whether the store lives in a local file that can be
// watched for changes.
func fileBacked(cfg config.StorageConfig) bool {
	return cfg.Type == "sqlite" || cfg.Type == "bolt" || cfg.Type == ""
}

// setupLogger configures the process-wide logger based on configuration
func setupLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level, zerolog.InfoLevel))
	return newLogger(cfg, out)
}

// newLogger builds a logger without touching the global level.
func newLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	level := parseLevel(cfg.Level, zerolog.InfoLevel)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).Level(level).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func parseLevel(s string, fallback zerolog.Level) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return fallback
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// session is what the short-lived commands share: configuration, the
// resource registry and an open store.
type session struct {
	cfg      *config.Config
	logger   zerolog.Logger
	kv       storage.Store
	state    *state.Store
	registry *resource.Registry
}

// openSession loads configuration and opens the store. With seed set,
// configured defaults are written for resources the store has never seen.
func openSession(logOut io.Writer, seed bool) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := newLogger(cfg.Logging, logOut)

	kv, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	s := &session{
		cfg:      cfg,
		logger:   logger,
		kv:       kv,
		state:    state.New(kv),
		registry: resource.NewRegistry(cfg.Resources),
	}
	if seed {
		if err := s.registry.Seed(context.Background(), s.state); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *session) Close() {
	if err := s.kv.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close storage")
	}
}

// daemon returns a client for the running daemon, or nil when the API is
// disabled.
func (s *session) daemon() *api.Client {
	if !s.cfg.API.Enabled {
		return nil
	}
	return api.NewClient(s.cfg.API.Listen)
}

// notifyDaemon asks the daemon to reconcile res now. The daemon's next
// foreground or tick pass covers any failure, so errors are only logged.
func (s *session) notifyDaemon(ctx context.Context, res string, trigger enforcement.Trigger) {
	client := s.daemon()
	if client == nil {
		return
	}
	if _, err := client.Reconcile(ctx, res, trigger); err != nil {
		s.logger.Warn().Err(err).Str("resource", res).Msg("Daemon not notified; change applies on its next pass")
	}
}

func newPublisher(cfg config.EventsConfig, logger zerolog.Logger) events.Publisher {
	if cfg.NATSURL == "" {
		return &events.NoopPublisher{}
	}
	pub, err := events.NewNATSPublisher(cfg.NATSURL)
	if err != nil {
		logger.Warn().Err(err).Str("url", cfg.NATSURL).Msg("NATS unavailable, events disabled")
		return &events.NoopPublisher{}
	}
	return pub
}
