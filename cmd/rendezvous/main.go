package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatnest/internal/infrastructure/middleware"
	"chatnest/internal/infrastructure/monitoring"
	signalinfra "chatnest/internal/infrastructure/signal"
	"chatnest/pkg/config"
	"chatnest/pkg/logger"
	"chatnest/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	cfg, path, err := config.LoadFirst(config.SearchPaths)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("could not load config, using defaults", "path", path, "error", err)
	} else if path != "" {
		log.Infow("loaded config", "path", path)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "chatnest-rendezvous",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: cfg.Tracing.Environment,
		SampleRate:  1.0,
	})
	if err != nil {
		log.Fatalw("failed to init tracing", "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewRendezvousCollector(registry)

	limiter := middleware.NewWebSocketLimiter(cfg)
	wsServer := signalinfra.NewWebSocketServer(
		signalinfra.ServerConfigFrom(cfg),
		limiter,
		metrics,
		log,
	)

	health := monitoring.NewHealthChecker()
	health.AddCheck("capacity", func(ctx context.Context) (bool, error) {
		return !limiter.Saturated(), nil
	}, 0, time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))
	router.GET("/health", wsServer.HealthCheck)

	router.GET("/ready", func(c *gin.Context) {
		code, status := http.StatusOK, "ready"
		if !health.IsReady(c.Request.Context()) {
			code, status = http.StatusServiceUnavailable, "saturated"
		}
		c.JSON(code, gin.H{
			"status":          status,
			"timestamp":       time.Now(),
			"uptime":          time.Since(startTime).String(),
			"connected_peers": len(wsServer.GetConnectedPeers()),
			"active_sockets":  limiter.Active(),
		})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:              cfg.Signal.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting ChatNest rendezvous server on %s", cfg.Signal.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down ChatNest rendezvous server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked websockets are not tracked by Shutdown; close them first.
	wsServer.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	log.Info("ChatNest rendezvous server stopped")
}
