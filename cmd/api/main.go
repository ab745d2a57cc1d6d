package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"countersign/api/internal/app"
	"countersign/api/internal/artifact"
	"countersign/api/internal/auth"
	"countersign/api/internal/blob"
	"countersign/api/internal/config"
	"countersign/api/internal/email"
	"countersign/api/internal/logging"
	"countersign/api/internal/notify"
	"countersign/api/internal/search"
	"countersign/api/internal/store"
	"countersign/api/internal/telemetry"
	"countersign/api/internal/tokens"
	"countersign/api/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("countersign api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "countersign-api")
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	clock := clockwork.NewRealClock()
	var checks []app.ReadinessCheck

	var repo workflow.Repository
	var searchRepo search.Repository
	switch cfg.Storage {
	case "memory":
		logger.Warn("using in-memory storage; requests are lost on restart")
		mem := store.NewMemoryStore()
		repo, searchRepo = mem, mem
		checks = append(checks, app.ReadinessCheck{Name: "database", Pinger: mem})
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, store.Migrations()); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		pg := store.NewPostgresStore(db)
		repo, searchRepo = pg, pg
		checks = append(checks, app.ReadinessCheck{Name: "database", Pinger: pg})
	}

	var registry tokens.Registry
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisRegistry, err := tokens.NewRedisRegistry(ctx, cfg.RedisURL, clock)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisRegistry.Close()
		registry = redisRegistry
		checks = append(checks, app.ReadinessCheck{Name: "tokens", Pinger: redisRegistry})
		logger.Info("using redis for signing tokens")
	} else {
		registry = tokens.NewMemoryRegistry(clock)
		logger.Warn("using in-memory signing tokens; links are lost on restart")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		checks = append(checks, app.ReadinessCheck{Name: "search", Pinger: meiliClient, Optional: true})
	}
	var backend search.Backend
	if meiliClient != nil {
		backend = meiliClient
	}
	searchService := search.NewService(backend, searchRepo, logger)

	var archive blob.Store
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		minioStore, err := blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return fmt.Errorf("artifact archive: %w", err)
		}
		archive = minioStore
		checks = append(checks, app.ReadinessCheck{Name: "archive", Pinger: minioStore, Optional: true})
	}

	apiKey, err := auth.DeriveKey(cfg.Secret, auth.PurposeAPITokens)
	if err != nil {
		return err
	}
	webhookKey, err := auth.DeriveKey(cfg.Secret, auth.PurposeWebhooks)
	if err != nil {
		return err
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		logger.Warn("smtp not configured; signing emails are disabled")
	}
	dispatcher := notify.NewDispatcher(
		mailer,
		notify.NewWebhookClient(webhookKey, cfg.WebhookTimeout),
		notify.DispatcherConfig{BaseURL: cfg.BaseURL, Timeout: cfg.WebhookTimeout},
		logger,
	)

	engine, err := workflow.New(workflow.Deps{
		Repository: repo,
		Tokens:     registry,
		Clock:      clock,
		Notifier:   dispatcher,
		Indexer:    searchService,
		Logger:     logger,
	}, workflow.Options{
		BaseURL:    cfg.BaseURL,
		DefaultTTL: cfg.DefaultTTL(),
		TokenTTL:   cfg.TokenTTL,
	})
	if err != nil {
		return err
	}

	service, err := app.NewService(app.ServiceDeps{
		Engine:    engine,
		Artifacts: artifact.NewGenerator(cfg.BaseURL, artifact.ChromeRenderer{Timeout: 30 * time.Second}, clock),
		Blobs:     archive,
		APIKey:    apiKey,
		Checks:    checks,
		Clock:     clock,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		engine.RunSweeper(sweepCtx, cfg.SweepInterval)
	}()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("countersign api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		stopSweeper()
		<-sweeperDone
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	stopSweeper()
	<-sweeperDone
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		logger.Warn("notifications still in flight at shutdown", zap.Error(err))
	}
	return nil
}
