package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camrelay/internal/core/services"
	httphandlers "camrelay/internal/handlers/http"
	"camrelay/internal/infrastructure/events"
	"camrelay/internal/infrastructure/middleware"
	"camrelay/internal/infrastructure/monitoring"
	"camrelay/internal/infrastructure/repositories"
	"camrelay/internal/infrastructure/storage"
	"camrelay/internal/infrastructure/worker"
	"camrelay/pkg/backoff"
	"camrelay/pkg/config"
	"camrelay/pkg/logger"
	"camrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/camrelay/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	// Initialize logger
	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Initialize tracing
	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		SampleRate:  cfg.Tracing.SampleRatio,
	})
	if err != nil {
		log.Warnw("tracing init failed, continuing without tracing", "error", err)
	}

	// Initialize repository factory
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	catalog := repoFactory.CreateStreamRepository()
	if cfg.Redis.Enabled {
		// Poll ticks list the catalog constantly; keep Redis off the
		// hot path with a short read-through cache.
		catalog = repositories.NewCachedCatalog(catalog, 2*time.Second)
	}

	// Initialize worker supervisor
	supervisor := worker.NewSupervisor(worker.CommandConfig{
		FFmpegPath:     cfg.HLS.FFmpegPath,
		SegmentSeconds: cfg.HLS.SegmentSeconds,
		PlaylistSize:   cfg.HLS.PlaylistSize,
	}, cfg.Streams.OutputDir, cfg.Streams.StartupTimeout, log)

	// Initialize services
	admission := services.NewAdmissionController(cfg.Streams.MaxConcurrent, log)
	tokens := services.NewTokenAuthority(cfg.Auth.JWTSecret, cfg.Auth.PlaybackTokenTTL)
	collector := monitoring.NewPrometheusCollector()

	orchestrator := services.NewOrchestrator(
		catalog,
		supervisor,
		admission,
		nil, // status sink attached below, after the hub exists
		collector,
		services.OrchestratorConfig{
			OutputRoot:       cfg.Streams.OutputDir,
			StartupTimeout:   cfg.Streams.StartupTimeout,
			PollInterval:     cfg.Streams.PollInterval,
			KeepAliveDefault: cfg.Streams.KeepAliveDefault,
			Backoff: backoff.Schedule{
				Base:       cfg.Streams.ReconnectBaseDelay,
				Max:        cfg.Streams.ReconnectMaxDelay,
				Multiplier: 2.0,
				Jitter:     true,
			},
			MaxRetries:     cfg.Streams.MaxRetries,
			SustainReset:   cfg.Streams.SustainReset,
			TerminateGrace: cfg.Streams.TerminateGrace,
			Smart: services.SmartConfig{
				PromoteSessions: cfg.Smart.PromoteSessions,
				ObserveWindow:   cfg.Smart.ObserveWindow,
				DemoteSessions:  cfg.Smart.DemoteSessions,
				DemoteWindow:    cfg.Smart.DemoteWindow,
			},
		},
		cfg.Viewers.LivenessWindow,
		log,
	)

	// Status event feed
	hub := events.NewHub(orchestrator, log)
	orchestrator.SetStatusSink(hub)

	// Segment janitor
	janitor := storage.NewJanitor(storage.JanitorConfig{
		Root:         cfg.Streams.OutputDir,
		Interval:     cfg.Janitor.Interval,
		MaxAge:       cfg.Janitor.MaxAge,
		KeepSegments: cfg.Janitor.KeepSegments,
	}, orchestrator, log)

	// Health checks
	health := monitoring.NewHealthChecker()
	health.AddCatalogCheck(catalog, 2*time.Second)
	health.AddFFmpegCheck(cfg.HLS.FFmpegPath, time.Second)
	health.AddOutputDirCheck(cfg.Streams.OutputDir, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 2*time.Second)
	}

	// Run the orchestration loop and the janitor
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	go func() {
		if err := orchestrator.Run(runCtx); err != nil {
			log.Errorw("orchestrator stopped", "error", err)
		}
	}()
	go janitor.Run(runCtx)

	// Initialize HTTP handlers
	streamHandler := httphandlers.NewStreamHandler(catalog, orchestrator, tokens, cfg.Auth.PlaybackTokenTTL)
	playbackHandler := httphandlers.NewPlaybackHandler(orchestrator, tokens, cfg.Streams.OutputDir)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	// Management API: API-key guarded, rate limited
	api := router.Group("/api/v1")
	api.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	api.Use(middleware.AdminAuthMiddleware(cfg.Auth.APIKey))
	streamHandler.SetupRoutes(api)

	// Playback: token guarded inside the handler, no admin key
	playbackHandler.SetupRoutes(router)

	// Live status feed
	router.GET("/ws/status", gin.WrapF(hub.HandleWebSocket))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := 200
		if status.Status != "healthy" {
			code = 503
		}
		c.JSON(code, gin.H{
			"status": status.Status,
			"uptime": time.Since(startTime).String(),
			"checks": status.Checks,
		})
	})

	// Readiness endpoint
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := repoFactory.HealthCheck(ctx); err != nil {
			c.JSON(503, gin.H{
				"status":       "not_ready",
				"timestamp":    time.Now(),
				"dependencies": "unhealthy",
				"error":        err.Error(),
			})
			return
		}

		c.JSON(200, gin.H{
			"status":       "ready",
			"timestamp":    time.Now(),
			"dependencies": "ok",
		})
	})

	// Prometheus metrics endpoint
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting camrelay on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down camrelay...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Shutdown HTTP server gracefully
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	// Stop all workers: the orchestrator's Run loop terminates every
	// ffmpeg process before returning.
	runCancel()
	time.Sleep(cfg.Streams.TerminateGrace + time.Second)

	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			log.Errorw("Error shutting down tracer", "error", err)
		}
	}

	log.Info("camrelay stopped")
}
