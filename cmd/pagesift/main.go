// Package main wires together the pagesift crawl service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/api"
	"github.com/pagesift/pagesift/internal/clock/system"
	"github.com/pagesift/pagesift/internal/config"
	"github.com/pagesift/pagesift/internal/crawl"
	"github.com/pagesift/pagesift/internal/diag"
	"github.com/pagesift/pagesift/internal/discovery"
	"github.com/pagesift/pagesift/internal/hash/sha256"
	"github.com/pagesift/pagesift/internal/id/uuid"
	"github.com/pagesift/pagesift/internal/logging"
	"github.com/pagesift/pagesift/internal/metrics"
	"github.com/pagesift/pagesift/internal/progress"
	"github.com/pagesift/pagesift/internal/progress/sinks"
	memorypublisher "github.com/pagesift/pagesift/internal/publisher/memory"
	pubsubpublisher "github.com/pagesift/pagesift/internal/publisher/pubsub"
	"github.com/pagesift/pagesift/internal/renderer/headless"
	"github.com/pagesift/pagesift/internal/renderer/noop"
	"github.com/pagesift/pagesift/internal/storage/gcs"
	"github.com/pagesift/pagesift/internal/storage/local"
	"github.com/pagesift/pagesift/internal/storage/memory"
	"github.com/pagesift/pagesift/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (optional; env vars suffice)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	blobs, err := buildBlobStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	publisher, closePublisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	reg := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics: %w", err)
	}
	hub := progress.NewHub(
		progress.Config{Logger: logger},
		sinks.NewLogSink(logger),
		promSink,
		sinks.NewStoreSink(store, logger),
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("progress hub close failed", zap.Error(err))
		}
	}()

	registry := crawl.NewRegistry()
	if err := metrics.RegisterFrontierDepth(reg, registry); err != nil {
		return err
	}
	httpMetrics, err := metrics.NewHTTP(reg)
	if err != nil {
		return err
	}

	deps := crawl.Deps{
		Store:     store,
		Blobs:     blobs,
		Publisher: publisher,
		Discoverer: discovery.New(discovery.Config{
			UserAgent: cfg.Renderer.UserAgent,
			MaxSeeds:  cfg.Crawl.DiscoveryMaxSeeds,
			Logger:    logger,
		}),
		Diagnostics: diag.New(logger, store),
		Hasher:      sha256.New(),
		Clock:       system.New(),
		IDs:         uuid.New(),
		Emitter:     hub,
		Logger:      logger,
	}

	newRenderer := func() (crawl.Renderer, error) {
		return headless.New(headless.Config{
			UserAgent:      cfg.Renderer.UserAgent,
			RequestDelay:   time.Duration(cfg.Renderer.HostDelayMs) * time.Millisecond,
			DefaultTimeout: time.Duration(cfg.Crawl.FetchTimeoutSeconds) * time.Second,
			Readiness:      cfg.Readiness(),
		}, logger)
	}
	if !cfg.Renderer.Enabled {
		logger.Warn("renderer disabled; submitted jobs will fail every page")
		newRenderer = func() (crawl.Renderer, error) { return noop.New(), nil }
	}

	apiServer := api.NewServer(api.Params{
		Registry:       registry,
		Store:          store,
		Deps:           deps,
		NewRenderer:    newRenderer,
		Defaults:       cfg.JobOptions(),
		Metrics:        metrics.Handler(reg),
		Middleware:     []func(http.Handler) http.Handler{httpMetrics.Middleware},
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	if job, ok := registry.Active(); ok {
		logger.Info("canceling active job for shutdown", zap.String("job_id", job.ID()))
		job.Cancel()
		select {
		case <-job.Done():
		case <-time.After(30 * time.Second):
			logger.Warn("active job did not stop in time")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func buildStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawlStore, func(), error) {
	switch cfg.Storage.Backend {
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.Storage.DSN,
			MaxConns: cfg.Storage.MaxConns,
			MinConns: cfg.Storage.MinConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("postgres migrate: %w", err)
		}
		logger.Info("using postgres store")
		return store, store.Close, nil
	default:
		logger.Info("using in-memory store; records are lost on restart")
		return memory.NewStore(), func() {}, nil
	}
}

// crawlStore is what the wiring needs from a store: the crawl.Store
// surface plus failure persistence for diagnostics and the store sink.
type crawlStore interface {
	crawl.Store
	diag.FailureStore
}

func buildBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawl.BlobStore, error) {
	switch cfg.Storage.Blob.Backend {
	case "local":
		blobs, err := local.New(local.Config{BaseDir: cfg.Storage.Blob.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store: %w", err)
		}
		logger.Info("using local blob store", zap.String("base_dir", cfg.Storage.Blob.BaseDir))
		return blobs, nil
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		blobs, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.Blob.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store: %w", err)
		}
		logger.Info("using gcs blob store", zap.String("bucket", cfg.Storage.Blob.Bucket))
		return blobs, nil
	default:
		logger.Info("using in-memory blob store")
		return memory.NewBlobStore(), nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawl.Publisher, func(), error) {
	if !cfg.PubSub.Enabled {
		logger.Info("pubsub disabled; recording events in memory")
		return memorypublisher.New(), func() {}, nil
	}
	client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	pub, err := pubsubpublisher.New(client)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub publisher: %w", err)
	}
	closeFn := func() {
		pub.Close()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	logger.Info("using google cloud pubsub publisher", zap.String("project", cfg.PubSub.ProjectID))
	return pub, closeFn, nil
}
