// Package app assembles the service from configuration: stores, pool,
// executor, dispatcher and the HTTP gateway.
package app

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
	"go.uber.org/zap"

	artifactgcs "github.com/madiyarbolatuly/browserd/internal/artifact/gcs"
	artifactlocal "github.com/madiyarbolatuly/browserd/internal/artifact/local"
	artifactmem "github.com/madiyarbolatuly/browserd/internal/artifact/memory"
	"github.com/madiyarbolatuly/browserd/internal/browser"
	"github.com/madiyarbolatuly/browserd/internal/clock/system"
	"github.com/madiyarbolatuly/browserd/internal/config"
	"github.com/madiyarbolatuly/browserd/internal/detector"
	"github.com/madiyarbolatuly/browserd/internal/dispatcher"
	driverchromedp "github.com/madiyarbolatuly/browserd/internal/driver/chromedp"
	"github.com/madiyarbolatuly/browserd/internal/executor"
	collyfetch "github.com/madiyarbolatuly/browserd/internal/fetch/colly"
	"github.com/madiyarbolatuly/browserd/internal/gateway"
	"github.com/madiyarbolatuly/browserd/internal/hash/sha256"
	"github.com/madiyarbolatuly/browserd/internal/id/uuid"
	"github.com/madiyarbolatuly/browserd/internal/logging"
	"github.com/madiyarbolatuly/browserd/internal/metrics"
	"github.com/madiyarbolatuly/browserd/internal/pool"
	publishermem "github.com/madiyarbolatuly/browserd/internal/publisher/memory"
	publisherps "github.com/madiyarbolatuly/browserd/internal/publisher/pubsub"
	queuemem "github.com/madiyarbolatuly/browserd/internal/queue/memory"
	"github.com/madiyarbolatuly/browserd/internal/ratelimit"
	"github.com/madiyarbolatuly/browserd/internal/scrape"
	storemem "github.com/madiyarbolatuly/browserd/internal/store/memory"
	storepg "github.com/madiyarbolatuly/browserd/internal/store/postgres"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// App owns every long-lived component and their shutdown order.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	gateway    *gateway.Server
	dispatcher *dispatcher.Dispatcher
	pool       *pool.Pool
	queue      *queuemem.Queue

	pgStore       *storepg.TaskStore
	storageClient *storage.Client
	pubsubClient  *pubsub.Client
	psPublisher   *publisherps.Publisher
}

// Build constructs the application graph from cfg. Backend selection happens
// here; everything downstream depends only on the interfaces.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}

	clock := system.New()
	idGen := uuid.NewGenerator()
	hasher := sha256.New()

	store, err := a.setupTaskStore(ctx, clock)
	if err != nil {
		return nil, err
	}
	inbound, outbound, err := a.setupArtifacts(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	factory, err := driverchromedp.NewFactory(driverchromedp.Config{
		ExecPath:       cfg.Browser.ExecPath,
		UserAgent:      cfg.Browser.UserAgent,
		WindowWidth:    cfg.Browser.WindowWidth,
		WindowHeight:   cfg.Browser.WindowHeight,
		BlockImages:    cfg.Browser.BlockImages,
		NavTimeout:     time.Duration(cfg.Browser.NavTimeoutSeconds) * time.Second,
		MaxProducts:    cfg.Scrape.MaxProducts,
		DefaultTargets: cfg.Scrape.DefaultTargets,
	}, scrape.NewRegistry(siteOverrides(cfg.Scrape.Sites)), logger)
	if err != nil {
		return nil, fmt.Errorf("init driver factory: %w", err)
	}

	a.pool, err = pool.New(pool.Config{
		Capacity:      cfg.Pool.Capacity,
		StartTimeout:  time.Duration(cfg.Pool.StartTimeoutSeconds) * time.Second,
		HealthTimeout: time.Duration(cfg.Pool.HealthTimeoutSeconds) * time.Second,
		Prewarm:       cfg.Pool.Prewarm,
	}, factory, idGen, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("init pool: %w", err)
	}

	exec := executor.New(executor.Config{
		AcquireTimeout: cfg.AcquireTimeout(),
		DefaultTimeout: cfg.DefaultTaskTimeout(),
		MaxTimeout:     cfg.MaxTaskTimeout(),
		ProbeTimeout:   time.Duration(cfg.Probe.TimeoutSeconds) * time.Second,
	}, a.pool, store, hasher, clock, logger).WithArtifacts(outbound)

	if cfg.Probe.Enabled {
		fetcher, ferr := collyfetch.New(collyfetch.Config{
			UserAgent:      cfg.Browser.UserAgent,
			RequestTimeout: time.Duration(cfg.Probe.TimeoutSeconds) * time.Second,
		}, logger)
		if ferr != nil {
			return nil, fmt.Errorf("init probe fetcher: %w", ferr)
		}
		det := detector.NewHeuristic(cfg.Probe.PromotionThresh, nil, nil)
		limiter := ratelimit.New(cfg.Probe.DefaultRPS, cfg.Probe.DefaultBurst)
		exec = exec.WithProbe(fetcher, det, limiter)
	}

	a.queue = queuemem.NewQueue(cfg.Executor.QueueDepth)
	a.dispatcher = dispatcher.New(dispatcher.Config{
		Concurrency: cfg.Executor.Concurrency,
		Topic:       cfg.PubSub.TopicName,
	}, a.queue, exec, store, pub, clock, logger)

	a.gateway = gateway.NewServer(store, a.dispatcher, a.pool, inbound, outbound, idGen, clock, cfg, logger)

	logger.Info("application built",
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("artifact_backend", cfg.Artifacts.Backend),
		zap.Int("pool_capacity", cfg.Pool.Capacity),
		zap.Int("workers", cfg.Executor.Concurrency))
	return a, nil
}

func (a *App) setupTaskStore(ctx context.Context, clock browser.Clock) (browser.TaskStore, error) {
	switch a.cfg.Store.Backend {
	case "postgres":
		pg, err := storepg.NewTaskStore(ctx, storepg.Config{
			DSN:      a.cfg.Store.DSN,
			MaxConns: int32(a.cfg.Store.MaxConns),
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		a.pgStore = pg
		return pg, nil
	default:
		return storemem.NewTaskStore(clock), nil
	}
}

func (a *App) setupArtifacts(ctx context.Context) (inbound, outbound browser.ArtifactStore, err error) {
	switch a.cfg.Artifacts.Backend {
	case "gcs":
		client, cerr := storage.NewClient(ctx)
		if cerr != nil {
			return nil, nil, fmt.Errorf("init gcs client: %w", cerr)
		}
		a.storageClient = client
		inbound, err = artifactgcs.New(client, artifactgcs.Config{
			Bucket: a.cfg.Artifacts.GCSBucket,
			Prefix: a.cfg.Artifacts.InboundDir,
		})
		if err != nil {
			return nil, nil, err
		}
		outbound, err = artifactgcs.New(client, artifactgcs.Config{
			Bucket: a.cfg.Artifacts.GCSBucket,
			Prefix: a.cfg.Artifacts.OutboundDir,
		})
		return inbound, outbound, err
	case "memory":
		return artifactmem.New(), artifactmem.New(), nil
	default:
		inbound, err = artifactlocal.New(artifactlocal.Config{BaseDir: a.cfg.Artifacts.InboundDir})
		if err != nil {
			return nil, nil, fmt.Errorf("init inbound store: %w", err)
		}
		outbound, err = artifactlocal.New(artifactlocal.Config{BaseDir: a.cfg.Artifacts.OutboundDir})
		if err != nil {
			return nil, nil, fmt.Errorf("init outbound store: %w", err)
		}
		return inbound, outbound, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (browser.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		return publishermem.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	a.pubsubClient = client
	pub, err := publisherps.New(client)
	if err != nil {
		return nil, err
	}
	a.psPublisher = pub
	return pub, nil
}

func siteOverrides(sites map[string]config.SiteConfig) map[string]scrape.Site {
	if len(sites) == 0 {
		return nil
	}
	out := make(map[string]scrape.Site, len(sites))
	for domain, sc := range sites {
		out[domain] = scrape.Site{
			Domain:        domain,
			SearchURL:     sc.SearchURL,
			ListSelector:  sc.ListSelector,
			PriceSelector: sc.PriceSelector,
		}
	}
	return out
}

// Run serves until ctx is canceled or SIGINT/SIGTERM arrives, then shuts
// down in order: HTTP server, queue, dispatcher workers, pool.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Pool.Prewarm {
		if err := a.pool.WarmUp(ctx, 1); err != nil {
			a.logger.Warn("pool warm-up failed", zap.Error(err))
		}
	}

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		a.dispatcher.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.gateway.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case runErr = <-serveErr:
		a.logger.Error("http server failed", zap.Error(runErr))
		stop()
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	a.queue.Close()
	<-dispatcherDone

	if err := a.pool.Drain(shutdownCtx); err != nil {
		a.logger.Warn("pool drain incomplete", zap.Error(err))
	}

	return runErr
}

// Close releases external clients. Call after Run returns.
func (a *App) Close() {
	if a.psPublisher != nil {
		a.psPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("storage client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	_ = a.logger.Sync()
}
