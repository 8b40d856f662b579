// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listing-crawler/internal/api"
	"github.com/JakeFAU/listing-crawler/internal/config"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/export"
	"github.com/JakeFAU/listing-crawler/internal/id/uuid"
	"github.com/JakeFAU/listing-crawler/internal/jobs"
	"github.com/JakeFAU/listing-crawler/internal/progress"
	memorypublisher "github.com/JakeFAU/listing-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/listing-crawler/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/listing-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/listing-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/listing-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/listing-crawler/internal/storage/postgres"
	"github.com/JakeFAU/listing-crawler/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	engine       *Engine
	jobs         *jobs.Manager
	apiServer    *api.Server
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	storage      *storage.Client
	pgStore      *pgstore.JobStore
	tracer       *sdktrace.TracerProvider
}

// Build creates the application's dependencies. logger is owned by the
// caller.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("renderer", cfg.Renderer.Mode),
		zap.String("storage", cfg.Storage.Backend),
	)

	var err error
	if cfg.Tracing.Enabled {
		app.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: "listing-crawler",
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracing init failed: %w", err)
		}
	}
	app.engine, err = NewEngine(cfg, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	jobStore, err := setupJobStore(ctx, app)
	if err != nil {
		app.Close()
		return nil, err
	}
	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		app.Close()
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		app.Close()
		return nil, err
	}
	format, err := export.ParseFormat(cfg.Storage.Format)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("storage.format: %w", err)
	}

	app.jobs = jobs.NewManager(
		jobStore,
		publisher,
		export.NewExporter(blobStore, cfg.Storage.Prefix),
		uuid.NewUUIDGenerator(),
		app.engine.Clock(),
		app.engine.NewRunner,
		jobs.Config{
			Topic:        cfg.PubSub.TopicName,
			ExportFormat: format,
			Relay:        progress.Config{Logger: logger.Named("progress_relay")},
		},
		logger.Named("jobs"),
	)

	app.apiServer = api.NewServer(
		app.jobs,
		app.engine.NewRunner,
		api.Config{
			APIKey:         apiKey(cfg.Auth),
			RequestTimeout: cfg.Server.RequestTimeout(),
			Keepalive:      cfg.Crawler.Keepalive(),
			Defaults: api.Defaults{
				Settle:      cfg.Crawler.Settle(),
				Concurrency: cfg.Crawler.Concurrency,
				Discover:    cfg.Crawler.Discover,
				MaxPages:    cfg.Crawler.MaxPages,
				PageLimit:   cfg.Crawler.MaxPagesLimit,
				Extractor:   cfg.Extractor.Name,
			},
		},
		logger,
		app.engine.Ready,
	)
	return app, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP until ctx is canceled or SIGINT/SIGTERM arrives, then
// drains in-flight jobs and closes dependencies.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		if err := a.jobs.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("jobs did not drain before shutdown deadline", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases every external resource. It is safe on a partially built App.
func (a *App) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}

func apiKey(auth config.AuthConfig) string {
	if !auth.Enabled {
		return ""
	}
	return auth.APIKey
}

func setupJobStore(ctx context.Context, app *App) (crawler.JobStore, error) {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("no DSN configured, keeping jobs in memory")
		return memorystorage.NewJobStore(app.engine.Clock()), nil
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:          app.cfg.DB.DSN,
		JobsTable:    app.cfg.DB.JobsTable,
		ResultsTable: app.cfg.DB.ResultsTable,
		MaxConns:     app.cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("job store init failed: %w", err)
	}
	app.pgStore = store
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("job store schema: %w", err)
	}
	app.logger.Info("postgres job store initialized", zap.String("table", app.cfg.DB.JobsTable))
	return store, nil
}

func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case config.StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		return blobStore, nil
	case config.StorageLocal:
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.BaseDir))
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.gcpPublisher = gcppublisher.New(client, app.cfg.PubSub.TopicName)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.gcpPublisher, nil
}
