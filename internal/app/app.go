// Package app initializes and holds long-lived application services, acting as
// a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/aggregator"
	"github.com/JakeFAU/autoapply/internal/api"
	"github.com/JakeFAU/autoapply/internal/browser"
	chromedpbrowser "github.com/JakeFAU/autoapply/internal/browser/chromedp"
	rodbrowser "github.com/JakeFAU/autoapply/internal/browser/rod"
	"github.com/JakeFAU/autoapply/internal/cache"
	cachememory "github.com/JakeFAU/autoapply/internal/cache/memory"
	rediscache "github.com/JakeFAU/autoapply/internal/cache/redis"
	"github.com/JakeFAU/autoapply/internal/clock/system"
	"github.com/JakeFAU/autoapply/internal/config"
	"github.com/JakeFAU/autoapply/internal/credentials"
	"github.com/JakeFAU/autoapply/internal/evidence"
	evgcs "github.com/JakeFAU/autoapply/internal/evidence/gcs"
	evlocal "github.com/JakeFAU/autoapply/internal/evidence/local"
	evmemory "github.com/JakeFAU/autoapply/internal/evidence/memory"
	"github.com/JakeFAU/autoapply/internal/jobs"
	"github.com/JakeFAU/autoapply/internal/metrics"
	"github.com/JakeFAU/autoapply/internal/policy/ratelimit"
	pubmemory "github.com/JakeFAU/autoapply/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/autoapply/internal/publisher/pubsub"
	"github.com/JakeFAU/autoapply/internal/resume"
	"github.com/JakeFAU/autoapply/internal/retry"
	"github.com/JakeFAU/autoapply/internal/scheduler"
	"github.com/JakeFAU/autoapply/internal/service"
	"github.com/JakeFAU/autoapply/internal/source"
	"github.com/JakeFAU/autoapply/internal/source/adzuna"
	"github.com/JakeFAU/autoapply/internal/source/htmlboard"
	"github.com/JakeFAU/autoapply/internal/store"
	storememory "github.com/JakeFAU/autoapply/internal/store/memory"
	"github.com/JakeFAU/autoapply/internal/store/postgres"
	"github.com/JakeFAU/autoapply/internal/store/sqlite"
	"github.com/JakeFAU/autoapply/internal/telemetry"
	"github.com/JakeFAU/autoapply/internal/tracker"
	"github.com/JakeFAU/autoapply/internal/workflow"
)

const (
	backupSpec = "@daily"
	pruneSpec  = "@every 1h"
)

// App holds all the shared, long-lived services for the application. It is
// built once at startup and closed on shutdown.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     jobs.Clock
	store     store.Store
	service   *service.Service
	scheduler *scheduler.Scheduler
	backup    func(ctx context.Context) (string, error)
	closers   []namedCloser
}

type namedCloser struct {
	name string
	fn   func() error
}

// Option customizes New.
type Option func(*options)

type options struct {
	store   store.Store
	factory *browser.Factory
	creds   credentials.Provider
	client  *http.Client
	clock   jobs.Clock
}

// WithStore uses st instead of the configured store driver.
func WithStore(st store.Store) Option {
	return func(o *options) { o.store = st }
}

// WithBrowserFactory replaces the chromedp/rod backends.
func WithBrowserFactory(f browser.Factory) Option {
	return func(o *options) { o.factory = &f }
}

// WithCredentials replaces the environment credential provider.
func WithCredentials(p credentials.Provider) Option {
	return func(o *options) { o.creds = p }
}

// WithHTTPClient sets the client JSON sources use.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithClock overrides the clock shared by every component.
func WithClock(c jobs.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New creates and initializes an App based on the configuration. It fails
// fast if any backend cannot be initialized, closing what was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = system.New()
	}
	if o.creds == nil {
		o.creds = credentials.NewEnvProvider()
	}

	a := &App{cfg: cfg, logger: logger, clock: o.clock}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logger.Info("initializing application services")
	metrics.Init()

	if cfg.Telemetry.Tracing {
		tp, terr := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, sdktrace.WithSampler(sdktrace.AlwaysSample()))
		if terr != nil {
			return nil, fmt.Errorf("init tracing: %w", terr)
		}
		a.onClose("tracer", func() error { return tp.Shutdown(context.Background()) })
	}

	// 1. Record store.
	if o.store != nil {
		a.store = o.store
	} else if a.store, err = a.openStore(ctx); err != nil {
		return nil, err
	}
	a.onClose("store", a.store.Close)

	// 2. Search cache, limiter and sources.
	cacheStore, prune, err := a.openCache(ctx)
	if err != nil {
		return nil, err
	}
	cacheClient := cache.New(cacheStore, cache.Config{TTL: cfg.Search.CacheTTL, StaleRetention: cfg.Search.StaleRetention}, o.clock, logger)
	registry, err := BuildRegistry(cfg.Sources, o.creds, o.client, logger)
	if err != nil {
		return nil, err
	}
	agg := aggregator.New(aggregator.Config{
		Workers:          cfg.Search.Workers,
		AllowStale:       cfg.Search.AllowStale,
		PlaceholderCount: cfg.Search.PlaceholderCount,
		SourceTimeout:    cfg.Search.SourceTimeout,
	}, ratelimit.New(cfg.RateLimits(), o.clock), cacheClient, registry, o.clock, logger)

	// 3. Evidence and notifications.
	ev, err := a.openEvidence(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := a.openPublisher(ctx)
	if err != nil {
		return nil, err
	}

	// 4. Application workflow.
	tr := tracker.New(a.store, logger, tracker.WithClock(o.clock))
	wf := workflow.New(workflow.Config{
		Retry: retry.Policy{
			MaxAttempts: cfg.Workflow.MaxAttempts,
			BaseDelay:   cfg.Workflow.BaseBackoff,
			MaxDelay:    cfg.Workflow.MaxBackoff,
		},
		ElementTimeout: cfg.Workflow.ElementTimeout,
		EvidencePrefix: cfg.Workflow.EvidencePrefix,
		ScratchDir:     cfg.Workflow.ScratchDir,
	}, tr, ev, cfg.Strategies(), o.clock, logger)

	factory := browser.Factory{
		Headless:    chromedpbrowser.Constructor(logger),
		Interactive: rodbrowser.Constructor(logger),
	}
	if o.factory != nil {
		factory = *o.factory
	}
	browserCfg := cfg.Browser.WithDefaults()

	a.service = service.New(service.Config{
		Topic:    cfg.Publisher.Topic,
		PoolSize: browserCfg.PoolSize,
	}, service.Deps{
		Searcher:    agg,
		Store:       a.store,
		Tracker:     tr,
		Runner:      wf,
		Resumes:     resume.New(a.store),
		Publisher:   pub,
		OpenBrowser: browser.Open(factory, browserCfg),
		Clock:       o.clock,
	}, logger)
	a.onClose("browsers", a.service.Close)

	// 5. Periodic work.
	if cfg.Schedule.Enabled {
		a.scheduler = scheduler.New(cfg.Schedule.Spec, a.service, cfg.Schedule.Searches, logger)
		if prune != nil {
			a.scheduler.AddTask("cache-prune", pruneSpec, func(context.Context) error {
				prune()
				return nil
			})
		}
		if a.backup != nil {
			a.scheduler.AddTask("store-backup", backupSpec, func(ctx context.Context) error {
				_, err := a.backup(ctx)
				return err
			})
		}
	}

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("cache", cfg.Cache.Driver),
		zap.String("evidence", cfg.Evidence.Driver),
		zap.String("publisher", cfg.Publisher.Driver),
		zap.Strings("sources", registry.Names()),
	)
	return a, nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, fn: fn})
}

func (a *App) openStore(ctx context.Context) (store.Store, error) {
	cfg := a.cfg.Store
	switch cfg.Driver {
	case config.DriverMemory:
		a.logger.Info("using in-memory store; records are lost on exit")
		return storememory.New(), nil
	case config.DriverSQLite:
		st, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		if cfg.BackupDir != "" {
			a.backup = func(ctx context.Context) (string, error) {
				return st.Backup(ctx, cfg.BackupDir, a.clock.Now())
			}
		}
		return st, nil
	case config.DriverPostgres:
		st, err := postgres.New(ctx, postgres.Config{DSN: cfg.DSN, Table: cfg.Table, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

// openCache returns the cache backend and, for the memory backend, a prune
// function for expired entries.
func (a *App) openCache(ctx context.Context) (cache.Store, func(), error) {
	cfg := a.cfg.Cache
	switch cfg.Driver {
	case config.DriverMemory, "":
		mem := cachememory.New()
		retention := a.cfg.Search.StaleRetention
		return mem, func() {
			if n := mem.Prune(a.clock.Now().Add(-retention)); n > 0 {
				a.logger.Debug("pruned cache entries", zap.Int("entries", n))
			}
		}, nil
	case config.DriverRedis:
		client, err := rediscache.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect redis cache: %w", err)
		}
		a.onClose("redis", client.Close)
		return rediscache.New(client, a.cfg.Search.StaleRetention, rediscache.WithPrefix(cfg.Prefix)), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache driver: %s", cfg.Driver)
	}
}

func (a *App) openEvidence(ctx context.Context) (evidence.Store, error) {
	cfg := a.cfg.Evidence
	switch cfg.Driver {
	case config.DriverMemory:
		return evmemory.New(), nil
	case config.DriverLocal:
		st, err := evlocal.New(evlocal.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize local evidence store: %w", err)
		}
		return st, nil
	case config.DriverGCS:
		st, closeFn, err := evgcs.Dial(ctx, evgcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gcs evidence store: %w", err)
		}
		a.onClose("gcs", closeFn)
		return st, nil
	default:
		return nil, fmt.Errorf("unknown evidence driver: %s", cfg.Driver)
	}
}

func (a *App) openPublisher(ctx context.Context) (jobs.Publisher, error) {
	cfg := a.cfg.Publisher
	switch cfg.Driver {
	case config.DriverMemory, "":
		return pubmemory.New(), nil
	case config.DriverPubSub:
		a.logger.Info("connecting to pub/sub", zap.String("topic", cfg.Topic))
		p, err := pubsubpublisher.Dial(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize publisher: %w", err)
		}
		a.onClose("pubsub", p.Close)
		return p, nil
	default:
		return nil, fmt.Errorf("unknown publisher driver: %s", cfg.Driver)
	}
}

// BuildRegistry constructs the primary and alternate adapters of every
// configured source.
func BuildRegistry(sources []config.SourceConfig, creds credentials.Provider, client *http.Client, logger *zap.Logger) (*source.Registry, error) {
	reg := source.NewRegistry()
	for _, sc := range sources {
		switch sc.Kind {
		case config.KindAdzuna:
			build := func(baseURL string) source.Adapter {
				return adzuna.New(adzuna.Config{
					Name:              sc.Name,
					BaseURL:           baseURL,
					Country:           sc.Country,
					CredentialService: sc.CredentialService,
					Timeout:           sc.Timeout,
					RequestsPerSecond: sc.RequestsPerSecond,
					Burst:             sc.Burst,
				}, creds, client, logger)
			}
			var alternate source.Adapter
			if sc.AlternateURL != "" {
				alternate = build(sc.AlternateURL)
			}
			reg.Register(sc.Name, build(sc.BaseURL), alternate)
		case config.KindHTMLBoard:
			build := func(searchURL string) (*htmlboard.Board, error) {
				return htmlboard.New(htmlboard.Config{
					Name:      sc.Name,
					SearchURL: searchURL,
					Selectors: sc.Selectors,
					UserAgent: sc.UserAgent,
					Timeout:   sc.Timeout,

					RespectRobots:  sc.RespectRobots,
					ShellThreshold: sc.ShellThreshold,
				}, logger)
			}
			primary, err := build(sc.SearchURL)
			if err != nil {
				return nil, err
			}
			var alternate source.Adapter
			if sc.AlternateSearchURL != "" {
				alt, err := build(sc.AlternateSearchURL)
				if err != nil {
					return nil, err
				}
				alternate = alt
			}
			reg.Register(sc.Name, primary, alternate)
		default:
			return nil, fmt.Errorf("source %s: unknown kind %q", sc.Name, sc.Kind)
		}
	}
	return reg, nil
}

// Engine returns the service facade shared by the CLI and HTTP API.
func (a *App) Engine() api.Engine {
	return a.service
}

// Start launches background work. It is a no-op when scheduling is disabled.
func (a *App) Start(ctx context.Context) error {
	if a.scheduler == nil {
		return nil
	}
	return a.scheduler.Start(ctx)
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Scheduler returns the periodic search scheduler, or nil when disabled.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Backup snapshots the store. Only the sqlite driver with a backup directory
// supports it.
func (a *App) Backup(ctx context.Context) (string, error) {
	if a.backup == nil {
		return "", fmt.Errorf("store driver %q with backup_dir %q cannot be backed up", a.cfg.Store.Driver, a.cfg.Store.BackupDir)
	}
	return a.backup(ctx)
}

// Ready probes the store. A missing probe record still proves the store
// answered.
func (a *App) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var probe struct{}
	err := a.store.Get(ctx, store.CollectionSessions, "readyz", &probe)
	if err == nil || errors.Is(err, jobs.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("store not ready: %w", err)
}

// Handler builds the HTTP API for this App.
func (a *App) Handler() http.Handler {
	return api.NewServer(a.service, a.Ready, a.cfg, a.logger).Handler()
}

// Close shuts down services in reverse order of creation.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("error closing service", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
