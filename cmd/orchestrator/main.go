// Package main is the entry point for the DevFlow orchestrator service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/clock"
	"github.com/devflow/devflow/internal/common/config"
	"github.com/devflow/devflow/internal/common/httpmw"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/common/tracing"
	"github.com/devflow/devflow/internal/events/bus"
	"github.com/devflow/devflow/internal/events/journal"
	"github.com/devflow/devflow/internal/orchestrator"
	"github.com/devflow/devflow/internal/orchestrator/api"
	"github.com/devflow/devflow/internal/orchestrator/broadcast"
	"github.com/devflow/devflow/internal/orchestrator/modes"
	"github.com/devflow/devflow/internal/orchestrator/streaming"
	"github.com/devflow/devflow/internal/provider"
	"github.com/devflow/devflow/internal/provider/anthropic"
	"github.com/devflow/devflow/internal/provider/ollama"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting DevFlow orchestrator...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Tracing shutdown on exit (no-op unless an OTLP endpoint is set)
	defer tracing.Shutdown(context.Background())

	// 5. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 6. Model providers
	providers := provider.NewRegistry()
	if cfg.Providers.Anthropic.APIKey != "" {
		claude, err := anthropic.NewClient(cfg.Providers.Anthropic, log)
		if err != nil {
			log.Fatal("Failed to initialize Anthropic provider", zap.Error(err))
		}
		providers.Register(claude)
		log.Info("Anthropic provider registered", zap.String("model", cfg.Providers.Anthropic.DefaultModel))
	} else {
		log.Warn("Anthropic API key not set, cloud provider disabled")
	}
	providers.Register(ollama.NewClient(cfg.Providers.Ollama, log))
	log.Info("Ollama provider registered", zap.String("base_url", cfg.Providers.Ollama.BaseURL))

	// 7. Mode registry, with optional YAML overrides
	var modeReg *modes.Registry
	if cfg.Modes.File != "" {
		modeReg, err = modes.NewRegistryFromFile(cfg.Modes.File)
		if err != nil {
			log.Fatal("Failed to load modes file", zap.Error(err))
		}
		log.Info("Loaded mode presets from file", zap.String("file", cfg.Modes.File))
	} else {
		modeReg = modes.NewRegistry()
	}

	// 8. Broadcaster and optional event journal
	broadcaster := broadcast.New(eventBus, log)
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path, log)
		if err != nil {
			log.Fatal("Failed to open event journal", zap.Error(err))
		}
		defer j.Close()
		j.Attach(broadcaster)
		log.Info("Event journal enabled", zap.String("path", cfg.Journal.Path))
	}

	// 9. WebSocket hub, fed from the broadcaster
	wsHub := streaming.NewHub(log)
	go wsHub.Run(ctx)
	broadcaster.AddSink(wsHub.Publish)

	// 10. Engine
	engine, err := orchestrator.NewEngine(orchestrator.Options{
		DefaultMode: cfg.Orchestrator.DefaultMode,
		MaxWorkers:  cfg.Orchestrator.MaxWorkers,
		QueueSize:   cfg.Orchestrator.QueueSize,
	}, modeReg, providers, broadcaster, clock.System(), log)
	if err != nil {
		log.Fatal("Failed to create engine", zap.Error(err))
	}
	if err := engine.Start(ctx); err != nil {
		log.Fatal("Failed to start engine", zap.Error(err))
	}
	log.Info("Engine started",
		zap.String("default_mode", cfg.Orchestrator.DefaultMode),
		zap.Int("max_workers", cfg.Orchestrator.MaxWorkers))

	// 11. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "orchestrator"))
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.CORS())
	router.Use(httpmw.OtelTracing("orchestrator"))

	api.RegisterRoutes(router, engine, log)

	wsHandler := streaming.NewWSHandler(wsHub, log)
	streaming.SetupWebSocketRoutes(router.Group("/api/v1/orchestrator"), wsHandler)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 12. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down orchestrator...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := engine.Stop(); err != nil {
		log.Error("Engine stop error", zap.Error(err))
	}

	log.Info("Orchestrator stopped")
}
