// Package bootstrap assembles the service from configuration. Both the HTTP
// server and lotctl build their dependencies here.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	appfiscal "github.com/erp/fiscalsync/internal/application/fiscal"
	"github.com/erp/fiscalsync/internal/domain/fiscal"
	"github.com/erp/fiscalsync/internal/infrastructure/authority"
	"github.com/erp/fiscalsync/internal/infrastructure/cache"
	"github.com/erp/fiscalsync/internal/infrastructure/config"
	"github.com/erp/fiscalsync/internal/infrastructure/erp"
	"github.com/erp/fiscalsync/internal/infrastructure/logger"
	"github.com/erp/fiscalsync/internal/infrastructure/persistence"
	"github.com/erp/fiscalsync/internal/infrastructure/scheduler"
	"github.com/erp/fiscalsync/internal/infrastructure/strategy"
	"github.com/erp/fiscalsync/internal/infrastructure/telemetry"
	"github.com/erp/fiscalsync/internal/interfaces/http/handler"
	"github.com/erp/fiscalsync/internal/interfaces/http/middleware"
	"github.com/erp/fiscalsync/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrAuthorityNotConfigured is returned by every sync when fiscal.base_url is empty
var ErrAuthorityNotConfigured = fmt.Errorf("%w: fiscal.base_url is not configured", authority.ErrUnavailable)

// Options selects optional parts of the container
type Options struct {
	Version string
	// Logger replaces the logger built from cfg.Log
	Logger *zap.Logger
}

// Container holds the wired service
type Container struct {
	Config  *config.Config
	Logger  *zap.Logger
	DB      *persistence.Database
	Lots    *appfiscal.LotService
	Reader  fiscal.DocumentReader
	Sweeper *scheduler.LotSweeper
	Guard   *middleware.LotGuard
	Metrics *telemetry.LotMetrics

	version  string
	lock     cache.Lock
	tracer   *telemetry.TracerProvider
	meter    *telemetry.MeterProvider
	logs     *telemetry.LoggerProvider
	shutdown []func(context.Context) error
}

// New builds the container. On error everything opened so far is released.
func New(ctx context.Context, cfg *config.Config, opts Options) (c *Container, err error) {
	c = &Container{Config: cfg, version: opts.Version}
	defer func() {
		if err != nil {
			_ = c.Shutdown(context.WithoutCancel(ctx))
			c = nil
		}
	}()

	base := opts.Logger
	if base == nil {
		base, err = logger.New(&logger.Config{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			Output:     cfg.Log.Output,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			Service:    cfg.App.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize logger: %w", err)
		}
	}
	c.Logger = base

	if err = c.initTelemetry(ctx, base); err != nil {
		return nil, err
	}
	if err = c.initDatabase(); err != nil {
		return nil, err
	}
	if err = c.initLots(); err != nil {
		return nil, err
	}
	if err = c.initSweeper(ctx); err != nil {
		return nil, err
	}

	c.Guard = middleware.NewLotGuard(c.Lots, c.Reader, c.Logger.Named("lot_guard"), cfg.Guard.Timeout)
	return c, nil
}

func (c *Container) telemetryConfig() telemetry.Config {
	t := c.Config.Telemetry
	return telemetry.Config{
		Enabled:           t.Enabled,
		CollectorEndpoint: t.CollectorEndpoint,
		SamplingRatio:     t.SamplingRatio,
		ServiceName:       t.ServiceName,
		ServiceVersion:    c.version,
		Insecure:          t.Insecure,
	}
}

func (c *Container) initTelemetry(ctx context.Context, base *zap.Logger) error {
	tcfg := c.telemetryConfig()

	logs, err := telemetry.NewLoggerProvider(ctx, tcfg, base)
	if err != nil {
		return fmt.Errorf("initialize log exporter: %w", err)
	}
	c.logs = logs
	c.shutdown = append(c.shutdown, logs.Shutdown)
	c.Logger = logs.Bridge(base, tcfg.ServiceName, logger.ParseLevel(c.Config.Log.Level))

	tracer, err := telemetry.NewTracerProvider(ctx, tcfg, c.Logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	c.tracer = tracer
	c.shutdown = append(c.shutdown, tracer.Shutdown)

	meter, err := telemetry.NewMeterProvider(ctx, tcfg, 30*time.Second, c.Logger)
	if err != nil {
		return fmt.Errorf("initialize meter: %w", err)
	}
	c.meter = meter
	c.shutdown = append(c.shutdown, meter.Shutdown)

	metrics, err := telemetry.NewLotMetrics(meter.Meter("fiscalsync/lots"))
	if err != nil {
		return fmt.Errorf("initialize lot metrics: %w", err)
	}
	c.Metrics = metrics
	return nil
}

func (c *Container) initDatabase() error {
	cfg := c.Config
	gormLog := logger.NewGormLogger(c.Logger.Named("gorm"), logger.MapGormLogLevel(cfg.Database.LogLevel))
	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database, gormLog)
	if err != nil {
		return err
	}
	c.DB = db
	c.shutdown = append(c.shutdown, func(context.Context) error { return db.Close() })

	if err := telemetry.RegisterDBTracing(db.DB, telemetry.DBTracingConfig{
		Enabled:    cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled,
		LogFullSQL: cfg.Telemetry.DBLogFullSQL,
		DBSystem:   cfg.Database.Driver,
	}, c.Logger); err != nil {
		return fmt.Errorf("register database tracing: %w", err)
	}
	if err := db.EnsureSchema(); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	c.Logger.Info("Database connected", zap.String("driver", db.Driver))
	return nil
}

func (c *Container) initLots() error {
	cfg := c.Config
	syncers, err := c.syncers()
	if err != nil {
		return err
	}

	registry := strategy.NewLotRegistry()
	stores := persistence.NewLotStores(c.DB.DB, persistence.WithLeaseDuration(cfg.Lease.Duration))
	for _, family := range fiscal.Families() {
		if err := registry.Register(fiscal.FamilyBinding{
			Family: family,
			Store:  stores[family],
			Syncer: syncers(family),
		}); err != nil {
			return err
		}
	}
	c.Lots = appfiscal.NewLotService(registry, c.Logger.Named("lots"), appfiscal.WithRecorder(c.Metrics))

	if cfg.ERP.URL != "" {
		reader, err := erp.NewReader(cfg.ERP)
		if err != nil {
			return err
		}
		c.Reader = reader
	} else {
		c.Logger.Info("erp.url not set, document lookups disabled")
	}
	return nil
}

func (c *Container) syncers() (func(fiscal.Family) fiscal.DocumentSyncer, error) {
	if c.Config.Fiscal.BaseURL == "" {
		c.Logger.Warn("fiscal.base_url not set, every sync will fail")
		unavailable := fiscal.SyncerFunc(func(context.Context, string) (fiscal.SyncResult, error) {
			return fiscal.SyncResult{}, ErrAuthorityNotConfigured
		})
		return func(fiscal.Family) fiscal.DocumentSyncer { return unavailable }, nil
	}
	client, err := authority.NewClient(c.Config.Fiscal)
	if err != nil {
		return nil, err
	}
	return client.Syncer, nil
}

func (c *Container) initSweeper(ctx context.Context) error {
	cfg := c.Config.Sweeper
	if !cfg.Enabled {
		c.Logger.Info("Sweeper disabled")
		return nil
	}

	lock, err := cache.NewLockFactory(c.Config.Redis, cache.WithLogger(c.Logger.Named("lock"))).CreateLock(ctx)
	if err != nil {
		return err
	}
	c.lock = lock
	c.shutdown = append(c.shutdown, func(context.Context) error { return lock.Close() })

	sweeper, err := scheduler.NewLotSweeper(scheduler.SweeperConfig{
		Interval:      cfg.Interval,
		Location:      cfg.Location(),
		IncludeActive: cfg.IncludeActive,
		FamilyTimeout: cfg.FamilyTimeout,
		LockTTL:       cfg.LockTTL,
	}, c.Lots, c.Logger.Named("sweeper"),
		scheduler.WithLock(lock),
		scheduler.WithSweepRecorder(c.Metrics),
	)
	if err != nil {
		return err
	}
	c.Sweeper = sweeper
	return nil
}

// Handler builds the HTTP handler with every route mounted
func (c *Container) Handler() (http.Handler, error) {
	cfg := c.Config
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := middleware.SetupValidator(); err != nil {
		return nil, fmt.Errorf("set up validator: %w", err)
	}

	engine := router.NewEngine(router.EngineConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		Tracing:        c.tracer.IsEnabled(),
		MaxBodySize:    cfg.HTTP.MaxBodySize,
		TrustedProxies: cfg.HTTP.TrustedProxies,
	}, c.Logger)

	system := handler.NewSystemHandler(cfg.App.Name, c.version, c.DB)
	engine.GET("/health", system.Health)

	var sweeper handler.Sweeper
	if c.Sweeper != nil {
		sweeper = c.Sweeper
	}
	r := router.NewRouter(engine, router.WithAPIVersion("v1"))
	r.Register(system)
	r.Register(handler.NewLotHandler(c.Lots, sweeper, cfg.Sweeper.IncludeActive))
	r.Register(handler.NewDocumentHandler(c.Lots, c.Reader, c.Guard))
	r.Setup()
	return engine, nil
}

// Shutdown stops the sweeper, waits for guard goroutines, then releases
// the database, the lock and the telemetry exporters in reverse order.
func (c *Container) Shutdown(ctx context.Context) error {
	var errs []error
	if c.Sweeper != nil && c.Sweeper.IsRunning() {
		if err := c.Sweeper.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop sweeper: %w", err))
		}
	}
	if c.Guard != nil {
		if err := c.Guard.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait for lot guard: %w", err))
		}
	}
	for i := len(c.shutdown) - 1; i >= 0; i-- {
		if err := c.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.shutdown = nil
	if c.Logger != nil {
		_ = c.Logger.Sync()
	}
	return errors.Join(errs...)
}
