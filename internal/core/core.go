// Package core assembles the database and cache layers and owns their
// lifecycle.
package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Aidin1998/leaguecore/internal/config"
	"github.com/Aidin1998/leaguecore/internal/database"
	"github.com/Aidin1998/leaguecore/internal/database/cache"
	"github.com/Aidin1998/leaguecore/internal/leaguecache"
	applog "github.com/Aidin1998/leaguecore/pkg/logger"
	"github.com/Aidin1998/leaguecore/pkg/metrics"
)

// Driver names accepted in Database.Driver.
const (
	DriverPgx          = "pgx"
	DriverGormPostgres = "gorm-postgres"
	DriverSQLite       = "sqlite"
)

// Core is the assembled data layer.
type Core struct {
	Recorder *metrics.Recorder
	Pool     *database.Pool
	Executor *database.Executor
	Cache    *cache.Manager
	League   *leaguecache.Cache

	logger    *zap.Logger
	redis     redis.UniversalClient
	connector database.Connector
	gauges    otelmetric.Registration
	cancel    context.CancelFunc

	disconnectOnce sync.Once
	disconnectErr  error
}

// New connects to the database, opens the pool and starts the cache. ctx
// bounds startup only; background loops run until Disconnect.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Core, error) {
	logger = applog.OrNop(logger)
	c := &Core{logger: logger.Named("core")}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.Recorder = metrics.NewRecorder(cfg.Metrics, nil, logger)
	c.Recorder.Start(loopCtx)

	connector, err := newConnector(cfg.Database, logger)
	if err != nil {
		cancel()
		c.Recorder.Stop()
		return nil, err
	}
	c.connector = connector

	breaker := database.NewBreaker("database", cfg.Breaker, logger)
	pool, err := database.NewPool(ctx, cfg.Database.Pool, connector, breaker, logger)
	if err != nil {
		_ = c.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	c.Pool = pool
	c.Executor = database.NewExecutor(pool, c.Recorder, cfg.Database.Executor, logger)
	breaker.StartHealthLoop(loopCtx, pool.Ping)

	if cfg.Redis.Enabled() {
		opts, err := cfg.Redis.UniversalOptions()
		if err != nil {
			_ = c.Disconnect(ctx)
			return nil, err
		}
		c.redis = redis.NewUniversalClient(opts)
	}

	c.Cache = cache.NewManager(cfg.Cache, c.redis, c.Recorder, logger)
	c.League = leaguecache.New(c.Cache)

	if err := c.instrument(otel.GetMeterProvider().Meter("leaguecore")); err != nil {
		c.logger.Warn("Failed to register pool gauges", zap.Error(err))
	}

	c.logger.Info("Core started",
		zap.String("driver", cfg.Database.Driver),
		zap.Bool("remote_cache", c.redis != nil))
	return c, nil
}

func newConnector(cfg config.Database, logger *zap.Logger) (database.Connector, error) {
	switch cfg.Driver {
	case DriverPgx, "":
		return database.NewPgxConnector(cfg.URL, cfg.Session, logger)
	case DriverGormPostgres:
		return database.NewGormPostgresConnector(cfg.URL, cfg.Pool.MaxConnections, cfg.Session, logger)
	case DriverSQLite:
		return database.NewGormSQLiteConnector(cfg.URL, cfg.Pool.MaxConnections, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// instrument mirrors the pool gauges into the OpenTelemetry meter.
func (c *Core) instrument(meter otelmetric.Meter) error {
	open, err := meter.Int64ObservableGauge("leaguecore.db.pool.open",
		otelmetric.WithDescription("Open database connections"))
	if err != nil {
		return err
	}
	inUse, err := meter.Int64ObservableGauge("leaguecore.db.pool.in_use",
		otelmetric.WithDescription("Database connections checked out"))
	if err != nil {
		return err
	}
	waiting, err := meter.Int64ObservableGauge("leaguecore.db.pool.waiting",
		otelmetric.WithDescription("Callers waiting for a connection"))
	if err != nil {
		return err
	}

	c.gauges, err = meter.RegisterCallback(func(_ context.Context, o otelmetric.Observer) error {
		stats := c.Executor.PoolStats()
		o.ObserveInt64(open, int64(stats.TotalConnections))
		o.ObserveInt64(inUse, int64(stats.InUseConnections))
		o.ObserveInt64(waiting, int64(stats.WaitingCallers))
		return nil
	}, open, inUse, waiting)
	return err
}

// Disconnect stops background work and releases every resource. Errors are
// combined; it is safe to call more than once.
func (c *Core) Disconnect(ctx context.Context) error {
	c.disconnectOnce.Do(func() {
		var err error
		if c.gauges != nil {
			err = multierr.Append(err, c.gauges.Unregister())
		}
		c.cancel()

		if c.Cache != nil {
			err = multierr.Append(err, c.Cache.Close())
		}
		if c.redis != nil {
			err = multierr.Append(err, c.redis.Close())
		}
		if c.Pool != nil {
			c.Pool.Breaker().Stop()
			err = multierr.Append(err, c.Pool.Close(ctx))
		}
		if closer, ok := c.connector.(interface{ Close() error }); ok {
			err = multierr.Append(err, closer.Close())
		}
		c.Recorder.Stop()

		c.disconnectErr = err
		if err != nil {
			c.logger.Warn("Disconnect finished with errors", zap.Error(err))
		} else {
			c.logger.Info("Disconnected")
		}
	})
	return c.disconnectErr
}
