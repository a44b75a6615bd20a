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

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/sentryal/insar-pipeline/internal/api"
	"github.com/sentryal/insar-pipeline/internal/catalog"
	"github.com/sentryal/insar-pipeline/internal/client"
	"github.com/sentryal/insar-pipeline/internal/clock/system"
	"github.com/sentryal/insar-pipeline/internal/config"
	"github.com/sentryal/insar-pipeline/internal/extract"
	"github.com/sentryal/insar-pipeline/internal/id/uuid"
	"github.com/sentryal/insar-pipeline/internal/insar"
	ledgermemory "github.com/sentryal/insar-pipeline/internal/ledger/memory"
	ledgerpg "github.com/sentryal/insar-pipeline/internal/ledger/postgres"
	"github.com/sentryal/insar-pipeline/internal/logging"
	memorypublisher "github.com/sentryal/insar-pipeline/internal/publisher/memory"
	gcppublisher "github.com/sentryal/insar-pipeline/internal/publisher/pubsub"
	"github.com/sentryal/insar-pipeline/internal/ratelimit"
	resultsmemory "github.com/sentryal/insar-pipeline/internal/results/memory"
	resultspg "github.com/sentryal/insar-pipeline/internal/results/postgres"
	"github.com/sentryal/insar-pipeline/internal/scheduler"
	gcsstorage "github.com/sentryal/insar-pipeline/internal/storage/gcs"
	localstorage "github.com/sentryal/insar-pipeline/internal/storage/local"
	memorystorage "github.com/sentryal/insar-pipeline/internal/storage/memory"
)

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	sched           *scheduler.Scheduler
	ledger          insar.Ledger
	results         insar.ResultStore
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storageClient   *storage.Client
	pointCache      *catalog.CachedSource
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies")

	idGen := uuid.NewUUIDGenerator()
	clock := system.New()

	if err := app.setupStores(ctx, idGen, clock); err != nil {
		return nil, err
	}

	remote, err := client.New(client.Config{
		Endpoint:        cfg.Remote.Endpoint,
		APIKey:          cfg.Remote.APIKey,
		Timeout:         time.Duration(cfg.Remote.TimeoutSeconds) * time.Second,
		DownloadTimeout: time.Duration(cfg.Remote.DownloadTimeoutS) * time.Second,
		MaxRetries:      cfg.Remote.MaxRetries,
		BackoffInitial:  time.Duration(cfg.Remote.BackoffInitialMs) * time.Millisecond,
		BackoffMax:      time.Duration(cfg.Remote.BackoffMaxMs) * time.Millisecond,
	}, logger.Named("client"))
	if err != nil {
		return nil, fmt.Errorf("remote client init failed: %w", err)
	}

	points, err := app.setupCatalog()
	if err != nil {
		return nil, err
	}

	blobs, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}

	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	extractor := extract.New(extract.Config{
		CoherenceThreshold: cfg.Quality.CoherenceThreshold,
		KeepLowConfidence:  cfg.Quality.KeepLowConfidence,
	}, logger.Named("extract"))

	limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.Remote.RateRPS,
		Burst: cfg.Remote.RateBurst,
	})

	app.sched = scheduler.New(
		app.ledger,
		app.results,
		remote,
		points,
		blobs,
		publisher,
		extractor,
		limiter,
		scheduler.Config{
			Workers:          cfg.Scheduler.Workers,
			Tick:             cfg.Tick(),
			Lease:            cfg.Lease(),
			MaxAttempts:      cfg.Scheduler.MaxAttempts,
			MaxJobAge:        cfg.MaxJobAge(),
			SweepEveryNTicks: cfg.Scheduler.SweepEveryNTicks,
			ArchivePrefix:    cfg.Storage.Prefix,
		},
		logger.Named("scheduler"),
	)

	app.apiServer = api.NewServer(app.ledger, app.results, logger.Named("api"))
	return app, nil
}

func (a *App) setupStores(ctx context.Context, idGen insar.IDGenerator, clock insar.Clock) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory stores")
		ml := ledgermemory.NewLedger(idGen, clock)
		a.ledger = ml
		a.results = resultsmemory.NewStore(func(jobID string) string {
			job, err := ml.Get(context.Background(), jobID)
			if err != nil {
				return ""
			}
			return job.InfrastructureID
		})
		return nil
	}
	ledger, err := ledgerpg.NewLedger(ctx, ledgerpg.LedgerConfig{
		DSN:      a.cfg.DB.DSN,
		MaxConns: a.cfg.DB.MaxConns,
		MinConns: a.cfg.DB.MinConns,
	}, idGen)
	if err != nil {
		return fmt.Errorf("ledger init failed: %w", err)
	}
	a.ledger = ledger

	results, err := resultspg.NewStore(ctx, resultspg.StoreConfig{
		DSN:      a.cfg.DB.DSN,
		MaxConns: a.cfg.DB.MaxConns,
		MinConns: a.cfg.DB.MinConns,
	})
	if err != nil {
		return fmt.Errorf("result store init failed: %w", err)
	}
	a.results = results
	a.logger.Info("postgres stores initialized")
	return nil
}

func (a *App) setupCatalog() (insar.PointSource, error) {
	source, err := catalog.NewClient(catalog.ClientConfig{
		Endpoint: a.cfg.Catalog.Endpoint,
		Timeout:  time.Duration(a.cfg.Catalog.TimeoutSeconds) * time.Second,
	}, a.logger.Named("catalog"))
	if err != nil {
		return nil, fmt.Errorf("catalog client init failed: %w", err)
	}
	if a.cfg.Catalog.RedisAddr == "" {
		a.logger.Info("no Redis configured, point lookups go straight to the catalog")
		return source, nil
	}
	cached, err := catalog.NewCachedSource(catalog.CacheConfig{
		Addr:     a.cfg.Catalog.RedisAddr,
		Password: a.cfg.Catalog.RedisPassword,
		DB:       a.cfg.Catalog.RedisDB,
		TTL:      time.Duration(a.cfg.Catalog.CacheTTLMinutes) * time.Minute,
	}, source, a.logger.Named("catalog"))
	if err != nil {
		return nil, fmt.Errorf("catalog cache init failed: %w", err)
	}
	a.pointCache = cached
	a.logger.Info("point catalog cache initialized", zap.String("redis", a.cfg.Catalog.RedisAddr))
	return cached, nil
}

func (a *App) setupStorage(ctx context.Context) (insar.BlobStore, error) {
	switch a.cfg.Storage.Provider {
	case "gcs":
		sc, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storageClient = sc
		blobs, err := gcsstorage.New(sc, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS artifact archive", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local artifact archive", zap.String("path", a.cfg.Storage.BaseDir))
		return blobs, nil
	case "noop":
		a.logger.Info("using in-memory artifact archive, artifacts will not survive restarts")
		return memorystorage.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", a.cfg.Storage.Provider)
	}
}

func (a *App) setupPublisher(ctx context.Context) (insar.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pc, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = pc
	a.pubsubPublisher = pc.Publisher(a.cfg.PubSub.TopicName)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(a.pubsubPublisher), nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		a.logger.Info("scheduler started")
		a.sched.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-schedDone

	return a.Close()
}

// Close gracefully shuts down the application.
func (a *App) Close() error {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pointCache != nil {
		if err := a.pointCache.Close(); err != nil {
			a.logger.Warn("point cache close failed", zap.Error(err))
		}
	}
	if ledger, ok := a.ledger.(*ledgerpg.Ledger); ok {
		ledger.Close()
	}
	if results, ok := a.results.(*resultspg.Store); ok {
		results.Close()
	}
	a.logger.Info("shutdown complete")
	// Sync to stderr routinely fails on Linux; best effort only.
	_ = a.logger.Sync()
	return nil
}
