package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"
	"chatnest/internal/core/services"
	"chatnest/internal/infrastructure/ai"
	"chatnest/internal/infrastructure/monitoring"
	repositories "chatnest/internal/infrastructure/repositories"
	signalinfra "chatnest/internal/infrastructure/signal"
	webrtcinfra "chatnest/internal/infrastructure/webrtc"
	"chatnest/pkg/backup"
	"chatnest/pkg/config"
	apperrors "chatnest/pkg/errors"
	"chatnest/pkg/logger"
	"chatnest/pkg/retry"
	"chatnest/pkg/tracing"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// A missing .env is normal; API_KEY may come from the environment.
	_ = godotenv.Load()

	cfg, path, err := config.LoadFirst(config.SearchPaths)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("could not load config, using defaults", "path", path, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "chatnest-client",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: cfg.Tracing.Environment,
		SampleRate:  1.0,
	})
	if err != nil {
		log.Fatalw("failed to init tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	metricsService := services.NewMetricsService()
	recorder := monitoring.Fanout{metricsService, monitoring.NewClientCollector(registry)}

	// Identity and local state
	identity := services.NewIdentityService(repoFactory.CreateProfileRepository(cfg.Identity.ProfilePath), log)
	out := newConsole(os.Stdout, identity.ID, log)

	quota := services.DefaultQuotaPolicy()
	quota.MaxMessages = cfg.Storage.MaxMessages
	guard := services.NewStoreGuard(repoFactory.CreateChatStore(), quota, out, recorder, log)
	chats := services.NewChatRegistry(guard, out, log)
	if err := chats.Seed(ctx); err != nil {
		log.Fatalw("failed to seed chats", "error", err)
	}

	profile, err := identity.Bootstrap(ctx, cfg.Identity.Contact, cfg.Identity.Name)
	if err != nil {
		log.Fatalw("failed to load profile", "error", err)
	}
	log.Infow("identity ready", "peer_id", profile.ID, "storage", repoFactory.Backend())

	// Transport
	signalConfig := signalinfra.ClientConfigFrom(cfg)
	signalClient := signalinfra.NewClient(signalConfig, log)
	signalClient.OnStateChange(func(connected bool) {
		if connected {
			out.Notice("connected to the network")
		} else {
			out.Notice("lost the network, reconnecting...")
		}
	})

	transport, err := webrtcinfra.NewTransport(webrtcinfra.ConfigFrom(cfg), signalClient, log)
	if err != nil {
		log.Fatalw("failed to create transport", "error", err)
	}

	registerCtx, cancel := context.WithTimeout(ctx, cfg.Signal.RegisterTimeout)
	err = transport.Register(registerCtx, profile.ID)
	cancel()
	switch {
	case errors.Is(err, domain.ErrIdentityTaken):
		log.Warnw("identity is online elsewhere", "peer_id", profile.ID)
		out.Notice(apperrors.UserMessage(err) + " with /identity <contact>")
	case err != nil:
		// The client still works offline; local history stays readable.
		log.Warnw("could not register with rendezvous", "url", cfg.Signal.URL, "error", err)
		out.Notice(apperrors.UserMessage(err))
		backoff := signalConfig.Reconnect
		backoff.NonRetryableErrors = append(backoff.NonRetryableErrors, domain.ErrIdentityTaken)
		go func() {
			err := retry.Forever(ctx, backoff, func() error {
				// /identity may have switched or registered meanwhile
				id := identity.ID()
				if transport.LocalID() == id {
					return nil
				}
				return transport.Register(ctx, id)
			}, func(attempt int, err error, wait time.Duration) {
				log.Debugw("register retry", "attempt", attempt, "error", err, "wait", wait.String())
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("giving up on rendezvous", "peer_id", identity.ID(), "error", err)
			}
		}()
	}

	// Services
	active := &services.ActiveChat{}

	var backend ports.Assistant
	if cfg.AI.Enabled {
		backend = ai.NewClient(ai.ClientConfigFrom(cfg), log)
	}
	assistant := services.NewAssistantService(backend, guard, chats, identity, active, out, cfg.AI.History, log)

	protocol := services.NewProtocolService(services.ProtocolDeps{
		Transport:      transport,
		Identity:       identity,
		Registry:       chats,
		Guard:          guard,
		Active:         active,
		Assistant:      assistant,
		Sink:           out,
		Metrics:        recorder,
		ConnectTimeout: cfg.Signal.ConnectTimeout,
	}, log)
	protocol.Start()

	calls := services.NewCallService(transport, webrtcinfra.NewMediaSource(cfg, log), identity, out, recorder, log)
	calls.Start()

	archiveStorage, err := backup.NewFileStorage(cfg.Storage.ArchiveDir)
	if err != nil {
		log.Fatalw("failed to open archive directory", "path", cfg.Storage.ArchiveDir, "error", err)
	}
	archives := services.NewArchiveService(backup.NewArchiver(archiveStorage), identity, chats, guard, log)

	// Health
	health := monitoring.NewHealthChecker()
	health.AddStoreCheck(repoFactory.HealthCheck, 30*time.Second, 2*time.Second)
	health.AddTransportCheck(transport, 30*time.Second, 2*time.Second)
	health.StartBackgroundChecks(ctx)

	var metricsServer *http.Server
	if cfg.Monitoring.PrometheusEnabled && cfg.Monitoring.ClientAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:              cfg.Monitoring.ClientAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorw("metrics server failed", "error", err)
			}
		}()
	}

	sh := &shell{
		identity:       identity,
		registry:       chats,
		protocol:       protocol,
		calls:          calls,
		archives:       archives,
		metrics:        metricsService,
		health:         health,
		console:        out,
		logger:         log,
		connectTimeout: cfg.Signal.ConnectTimeout,
	}
	sh.run(ctx, os.Stdin)

	log.Info("Shutting down ChatNest...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer shutdownCancel()

	calls.Close()
	protocol.Close()
	if err := transport.Close(); err != nil {
		log.Errorw("Error closing transport", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Error shutting down metrics server", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}
}
