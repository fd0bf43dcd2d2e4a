package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/kbudget/internal/api"
	"github.com/goodtune/kbudget/internal/config"
	"github.com/goodtune/kbudget/internal/enforcement"
	"github.com/goodtune/kbudget/internal/metrics"
	"github.com/goodtune/kbudget/internal/policy"
	"github.com/goodtune/kbudget/internal/policy/opa"
	"github.com/goodtune/kbudget/internal/resource"
	"github.com/goodtune/kbudget/internal/restriction"
	"github.com/goodtune/kbudget/internal/restriction/dnsblock"
	"github.com/goodtune/kbudget/internal/scheduler"
	"github.com/goodtune/kbudget/internal/state"
	"github.com/goodtune/kbudget/internal/systemd"
	"github.com/goodtune/kbudget/internal/usage"
	"github.com/goodtune/kbudget/internal/watch"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the enforcement daemon",
	Long: `Run the enforcement engine and re-block scheduler. The daemon reconciles
every resource at startup, on a periodic tick, at override expiry, at the daily
reset, when the store changes and on SIGUSR1 (the foreground hook).`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging, os.Stdout)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting kbudget")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := quartz.NewReal()

	// Initialize storage
	kv, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()
	st := state.New(kv)

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	registry := resource.NewRegistry(cfg.Resources)
	if err := registry.Seed(ctx, st); err != nil {
		// The engine fails closed on missing limits, so carry on.
		logger.Warn().Err(err).Msg("Failed to seed resource defaults")
	}
	logger.Info().Int("resources", len(registry.All())).Msg("Resource registry loaded")

	// Decision evaluator
	engineOpts := []enforcement.Option{enforcement.WithClock(clock)}
	var opaEngine *opa.Engine
	if cfg.Policy.Engine == "opa" {
		opaEngine, err = opa.NewEngine(opa.Config{PolicyDir: cfg.Policy.OPAPolicyDir}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize OPA engine: %w", err)
		}
		engineOpts = append(engineOpts, enforcement.WithEvaluator(opaEngine))
	} else {
		engineOpts = append(engineOpts, enforcement.WithEvaluator(policy.RuleEvaluator{}))
	}

	// Restriction mechanism
	mechanism, dnsServer, err := buildMechanism(cfg.Restriction, sdListeners, logger)
	if err != nil {
		return err
	}
	if dnsServer != nil {
		if err := dnsServer.Start(); err != nil {
			return fmt.Errorf("failed to start DNS sinkhole: %w", err)
		}
		defer func() {
			if err := dnsServer.Stop(); err != nil {
				logger.Error().Err(err).Msg("Error stopping DNS sinkhole")
			}
		}()
	}

	// Events
	publisher := newPublisher(cfg.Events, logger)
	defer publisher.Close()
	engineOpts = append(engineOpts, enforcement.WithPublisher(publisher))

	engine := enforcement.New(st, registry, mechanism, logger, engineOpts...)

	sched := scheduler.New(engine, st, registry, scheduler.Config{
		Interval: cfg.Enforcement.ReconcileEvery(),
	}, logger, scheduler.WithClock(clock))
	defer sched.Close()
	engine.SetExpiryHook(sched.Schedule)

	if err := sched.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to restore override timers")
	}
	if _, err := engine.ReconcileAll(ctx, enforcement.TriggerStartup); err != nil {
		logger.Warn().Err(err).Msg("Startup reconciliation incomplete")
	}

	// Daily reset
	resetScheduler, err := usage.NewResetScheduler(func(ctx context.Context) {
		if _, err := engine.ReconcileAll(ctx, enforcement.TriggerDayRollover); err != nil {
			logger.Warn().Err(err).Msg("Day rollover reconciliation incomplete")
		}
	}, cfg.Enforcement.DailyResetTime, clock, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize reset scheduler: %w", err)
	}
	resetScheduler.Start(ctx)
	defer resetScheduler.Stop()

	// API
	var reloadPolicy func() error
	if opaEngine != nil {
		reloadPolicy = opaEngine.Reload
	}
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(api.Config{ListenAddr: cfg.API.Listen}, api.Deps{
			Engine:       engine,
			Foreground:   sched.Foreground,
			ReloadPolicy: reloadPolicy,
			Clock:        clock,
		}, logger)
		if sdListeners.API != nil {
			apiServer.SetListener(sdListeners.API)
		}
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	// Metrics
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Listen, logger)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		if err := systemd.RunWatchdog(gctx, clock); err != nil {
			logger.Warn().Err(err).Msg("systemd watchdog stopped")
		}
		return nil
	})

	if cfg.Enforcement.WatchStore && fileBacked(cfg.Storage) {
		watcher, err := watch.New(cfg.Storage.Path, func(ctx context.Context) {
			if _, err := engine.ReconcileAll(ctx, enforcement.TriggerStoreChange); err != nil {
				logger.Debug().Err(err).Msg("Store-change reconciliation incomplete")
			}
		}, watch.Config{}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Store watcher disabled")
		} else {
			g.Go(func() error { return watcher.Run(gctx) })
		}
	}

	logger.Info().Msg("kbudget startup complete")

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	g.Go(func() error {
		handleSignals(gctx, cancel, sched, reloadPolicy, logger)
		return nil
	})

	err = g.Wait()

	// Notify systemd that we're stopping
	if nerr := systemd.NotifyStopping(); nerr != nil {
		logger.Warn().Err(nerr).Msg("Failed to send systemd stopping notification")
	}

	if apiServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error stopping API server")
		}
		done()
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("kbudget stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// handleSignals runs until a shutdown signal arrives or ctx ends.
// SIGUSR1 is the foreground hook and SIGHUP reloads the decision policy.
func handleSignals(ctx context.Context, cancel context.CancelFunc, sched *scheduler.Scheduler, reloadPolicy func() error, logger zerolog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGUSR1:
				if _, err := sched.Foreground(ctx); err != nil {
					logger.Warn().Err(err).Msg("Foreground reconciliation incomplete")
				}
			case syscall.SIGHUP:
				if reloadPolicy == nil {
					logger.Info().Msg("SIGHUP received, built-in policy has nothing to reload")
					continue
				}
				logger.Info().Msg("SIGHUP received, reloading policies...")
				_ = systemd.NotifyReloading()
				if err := reloadPolicy(); err != nil {
					logger.Error().Err(err).Msg("Failed to reload policies")
				} else {
					logger.Info().Msg("Policies reloaded successfully")
				}
				_ = systemd.NotifyReady()
			default:
				logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
				cancel()
				return
			}
		}
	}
}

// buildMechanism returns the configured restriction mechanism. The DNS
// sinkhole is returned separately so the caller can start and stop it.
func buildMechanism(cfg config.RestrictionConfig, sd *systemd.Listeners, logger zerolog.Logger) (restriction.Mechanism, *dnsblock.Server, error) {
	switch cfg.Mechanism {
	case "none":
		return restriction.Noop{}, nil, nil
	case "log", "":
		return restriction.NewLog(logger), nil, nil
	case "dns":
		server, err := dnsblock.NewServer(dnsblock.Config{
			ListenAddr:  cfg.DNS.Listen,
			UpstreamDNS: cfg.DNS.UpstreamServers,
			BlockTTL:    cfg.DNS.BlockTTL,
			Timeout:     parseDuration(cfg.DNS.UpstreamTimeout, 5*time.Second),
			CacheSize:   cfg.DNS.CacheSize,
			EnableUDP:   true,
			EnableTCP:   true,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize DNS sinkhole: %w", err)
		}
		if sd.DNSUdp != nil {
			server.SetPacketConn(sd.DNSUdp)
		}
		if sd.DNSTcp != nil {
			server.SetListener(sd.DNSTcp)
		}
		return restriction.Multi{restriction.NewLog(logger), server}, server, nil
	default:
		return nil, nil, fmt.Errorf("unsupported restriction mechanism: %s", cfg.Mechanism)
	}
}
