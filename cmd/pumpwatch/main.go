package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pumpwatch/pumpwatch/internal/alerts"
	"github.com/pumpwatch/pumpwatch/internal/api"
	"github.com/pumpwatch/pumpwatch/internal/archive"
	"github.com/pumpwatch/pumpwatch/internal/breaker"
	"github.com/pumpwatch/pumpwatch/internal/config"
	"github.com/pumpwatch/pumpwatch/internal/correlator"
	"github.com/pumpwatch/pumpwatch/internal/db"
	"github.com/pumpwatch/pumpwatch/internal/metrics"
	"github.com/pumpwatch/pumpwatch/internal/orchestrator"
	"github.com/pumpwatch/pumpwatch/internal/signalbus"
)

// Exit codes. 2 means the configuration was rejected before any component
// started; 3 means a required source credential could not be resolved.
const (
	exitConfig     = 2
	exitCredential = 3
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(config.GetVersion())
		return
	}

	// Bootstrap logging until the configured logger takes over.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		os.Exit(exitConfig)
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	log.Info().
		Str("version", config.GetVersion()).
		Str("environment", cfg.App.Environment).
		Msg("Starting PumpWatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Credentials come from the environment and, when enabled, Vault.
	config.ResolveSecrets(ctx, cfg)

	// Archive store. nil when the backend is "none"; everything downstream
	// treats that as archiving disabled.
	store, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Archive.Backend).Msg("Failed to open archive store")
	}

	orch := orchestrator.New(orchestrator.Config{
		Sources:         cfg.Sources,
		Activity:        cfg.Activity,
		Correlator:      cfg.Correlator,
		RegistryPath:    cfg.Pipeline.RegistryPath,
		RequiredSources: cfg.Pipeline.RequiredSources,
		StopTimeout:     cfg.Pipeline.StopTimeout,
	}, log.Logger)

	if store != nil {
		orch.AttachSink(archive.NewSink(store, log.Logger))
	}

	brk := breaker.New(cfg.Breaker, log.Logger)

	bus, err := signalbus.Connect(cfg.SignalBus, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect signal bus")
	}

	// Detections fan out to NATS; critical ones additionally page.
	orch.OnSignal(func(sig correlator.Signal) {
		bus.PublishSignal(sig)
		if sig.RiskLevel == correlator.RiskCritical {
			alerts.AlertCriticalSignal(ctx, sig)
		}
	})

	if err := orch.Initialize(ctx); err != nil {
		if errors.Is(err, orchestrator.ErrMissingCredential) {
			log.Error().Err(err).Msg("Required source credential missing")
			os.Exit(exitCredential)
		}
		log.Fatal().Err(err).Msg("Failed to initialize pipeline")
	}

	if err := orch.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start pipeline")
	}

	var archiver *archive.Archiver
	if store != nil {
		archiver = archive.New(cfg.Archive.Archiver, orch, orch, store, log.Logger)
		if cfg.Archive.Interval > 0 {
			go runArchiveLoop(ctx, archiver, cfg.Archive.Interval, cfg.Archive.OpTimeout)
		}
	}

	// Breaker events go out on the bus and raise alerts on halt and
	// recovery.
	sub := brk.Subscribe("main", 0)
	go func() {
		for ev := range sub.Events() {
			bus.PublishBreakerEvent(ev)
			switch ev.Type {
			case breaker.EventCircuitOpened:
				alerts.AlertBreakerTripped(ctx, ev)
			case breaker.EventEmergencyStop:
				alerts.AlertEmergencyStop(ctx, ev.Reason)
			case breaker.EventCircuitClosed:
				alerts.AlertBreakerRecovered(ctx, ev)
			}
		}
	}()

	var metricsServer *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Monitoring.PrometheusPort, log.Logger)
		if err := metricsServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start metrics server")
		}
	}

	apiServer := api.NewServer(api.Config{
		Host:         cfg.API.Host,
		Port:         cfg.API.Port,
		CORSOrigins:  cfg.API.CORSOrigins,
		CronSecret:   cfg.API.CronSecret,
		Version:      config.GetVersion(),
		Orchestrator: orch,
		Breaker:      brk,
		Archiver:     archiver,
		Store:        store,
	})

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- apiServer.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error().Err(err).Msg("API server error")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	}

	log.Info().Msg("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	clean := true

	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop API server gracefully")
		clean = false
	}

	switch orch.State() {
	case orchestrator.StateReady, orchestrator.StateRunning:
		if err := orch.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to stop pipeline gracefully")
			clean = false
		}
	}

	sub.Close()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to stop metrics server")
			clean = false
		}
	}

	if err := bus.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close signal bus")
	}
	if store != nil {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close archive store")
		}
	}

	if !clean {
		os.Exit(1)
	}
	log.Info().Msg("PumpWatch stopped")
}

// buildStore opens the configured archive backend and wraps it in the
// failure guard. A "none" backend returns a nil store.
func buildStore(ctx context.Context, cfg *config.Config) (archive.Store, error) {
	var inner archive.Store

	switch cfg.Archive.Backend {
	case config.ArchiveBackendNone, "":
		log.Info().Msg("Archiving disabled, no backend configured")
		return nil, nil

	case config.ArchiveBackendRedis:
		s, err := archive.NewRedisStore(cfg.ArchiveRedisConfig(), log.Logger)
		if err != nil {
			return nil, err
		}
		inner = s

	case config.ArchiveBackendPostgres:
		database, err := db.New(ctx, cfg.Database.GetDSN(), cfg.Database.PoolSize)
		if err != nil {
			return nil, err
		}
		inner = archive.NewPostgresStore(database.Pool(), log.Logger)

	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Archive.Backend)
	}

	return archive.NewGuardedStore(inner, cfg.Archive.Guard, log.Logger), nil
}

// runArchiveLoop triggers scheduled archive runs until the context ends.
// The cron endpoint remains available regardless.
func runArchiveLoop(ctx context.Context, archiver *archive.Archiver, interval, opTimeout time.Duration) {
	if opTimeout <= 0 {
		opTimeout = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Scheduled archiving enabled")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, opTimeout)
			if _, err := archiver.Run(runCtx); err != nil {
				log.Error().Err(err).Msg("Scheduled archive run failed")
			}
			cancel()
		}
	}
}
