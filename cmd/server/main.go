package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boardforge/boardforge-backend/internal/config"
	"github.com/boardforge/boardforge-backend/internal/db"
	"github.com/boardforge/boardforge-backend/internal/generator"
	"github.com/boardforge/boardforge-backend/internal/generator/openai"
	"github.com/boardforge/boardforge-backend/internal/handlers"
	"github.com/boardforge/boardforge-backend/internal/jobs"
	"github.com/boardforge/boardforge-backend/internal/pkg/logger"
	"github.com/boardforge/boardforge-backend/internal/platform/envutil"
	"github.com/boardforge/boardforge-backend/internal/progress"
	"github.com/boardforge/boardforge-backend/internal/server"
	"github.com/boardforge/boardforge-backend/internal/storage/factory"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Config
	configPath := envutil.String("CONFIG_PATH", "config.yaml")
	log.Info("Loading configuration...", "path", configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("Could not load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres
	postgresService, err := db.NewPostgresService(log, cfg.Database.DSN)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Storage
	log.Info("Setting up storage manager...")
	store, err := factory.BuildManager(ctx, cfg.Storage, log)
	if err != nil {
		log.Error("Could not build storage manager", "error", err)
		os.Exit(1)
	}

	// Progress
	log.Info("Setting up progress hub...")
	hub := progress.NewHub(log)
	var publisher progress.Publisher = hub
	if cfg.Redis.Addr != "" {
		bus, err := progress.NewRedisBus(log, cfg.Redis.Addr, cfg.Redis.Channel)
		if err != nil {
			log.Error("Could not init redis progress bus", "error", err)
			os.Exit(1)
		}
		defer bus.Close()
		if err := bus.StartForwarder(ctx, hub); err != nil {
			log.Error("Could not start redis progress forwarder", "error", err)
			os.Exit(1)
		}
		publisher = bus
	}

	// Generators
	log.Info("Registering generators...")
	registry := generator.NewRegistry()
	openaiClient, err := openai.NewClient(log)
	if err != nil {
		log.Warn("OpenAI client unavailable; generators not registered", "error", err)
	} else {
		if err := registry.Register(openai.NewImageGenerator(openaiClient)); err != nil {
			log.Error("Could not register image generator", "error", err)
			os.Exit(1)
		}
		if err := registry.Register(openai.NewTextGenerator(openaiClient)); err != nil {
			log.Error("Could not register text generator", "error", err)
			os.Exit(1)
		}
	}

	// Jobs
	log.Info("Setting up generation service and worker pool...")
	repo := jobs.NewRepo(thePG, log)
	generationService := jobs.NewService(log, repo, registry, publisher)
	if envutil.Bool("WORKER_ENABLED", true) {
		worker := jobs.NewWorker(log, repo, registry, store, publisher, jobs.WorkerOptions{
			Concurrency:       cfg.Worker.Concurrency,
			PollInterval:      cfg.Worker.PollInterval.Std(),
			JobTimeout:        cfg.Worker.JobTimeout.Std(),
			HeartbeatInterval: cfg.Worker.HeartbeatInterval.Std(),
			StaleRunning:      cfg.Worker.StaleRunning.Std(),
		})
		worker.Start(ctx)
	} else {
		log.Info("Worker pool disabled; serving API only")
	}

	// Handlers
	log.Info("Setting up handlers...")
	generationHandler := handlers.NewGenerationHandler(log, generationService)
	generatorsHandler := handlers.NewGeneratorsHandler(registry)
	eventsHandler := handlers.NewEventsHandler(log, hub)

	// Router
	router := server.NewRouter(server.RouterConfig{
		GenerationHandler: generationHandler,
		GeneratorsHandler: generatorsHandler,
		EventsHandler:     eventsHandler,
	})

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}
	go func() {
		log.Info("Server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server shutdown failed", "error", err)
	}
}
