package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	applog "github.com/Aidin1998/leaguecore/pkg/logger"
	"github.com/Aidin1998/leaguecore/pkg/metrics"
)

// Operation keys used when the caller does not name one.
const (
	RawQueryKey    = "raw.query"
	TransactionKey = "transaction"
)

var tracer = otel.Tracer("leaguecore/database")

// ExecutorConfig configures retries and query logging.
type ExecutorConfig struct {
	RetryAttempts  int           `json:"retry_attempts" yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `json:"retry_base_delay" yaml:"retry_base_delay"`
	LogQueries     bool          `json:"log_queries" yaml:"log_queries"`
	LogSlowQueries bool          `json:"log_slow_queries" yaml:"log_slow_queries"`
	Dialect        string        `json:"dialect" yaml:"dialect"`
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		RetryAttempts:  3,
		RetryBaseDelay: 100 * time.Millisecond,
		LogSlowQueries: true,
		Dialect:        DialectPostgres,
	}
}

// Executor runs instrumented statements through the pool, guarded by the
// pool's breaker.
type Executor struct {
	pool     *Pool
	breaker  *Breaker
	recorder *metrics.Recorder
	cfg      ExecutorConfig
	retry    retryPolicy
	logger   *zap.Logger
}

// NewExecutor creates an executor. A nil recorder gets a private one.
func NewExecutor(pool *Pool, recorder *metrics.Recorder, cfg ExecutorConfig, logger *zap.Logger) *Executor {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.Dialect == "" {
		cfg.Dialect = DialectPostgres
	}
	logger = applog.OrNop(logger)
	if recorder == nil {
		recorder = metrics.NewRecorder(metrics.DefaultRecorderConfig(), nil, logger)
	}
	logger = logger.Named("executor")

	return &Executor{
		pool:     pool,
		breaker:  pool.Breaker(),
		recorder: recorder,
		cfg:      cfg,
		retry:    retryPolicy{attempts: cfg.RetryAttempts, baseDelay: cfg.RetryBaseDelay, logger: logger},
		logger:   logger,
	}
}

// Query runs a statement returning rows, recorded under key.
func (e *Executor) Query(ctx context.Context, key, query string, args ...any) ([]Row, error) {
	var rows []Row
	err := e.run(ctx, key, "query", query, args, func(ctx context.Context, conn *PooledConn) error {
		var err error
		rows, err = conn.Query(ctx, query, args...)
		return err
	})
	return rows, err
}

// QueryRaw runs an unnamed statement under the raw.query key.
func (e *Executor) QueryRaw(ctx context.Context, query string, args ...any) ([]Row, error) {
	return e.Query(ctx, RawQueryKey, query, args...)
}

// Exec runs a statement and returns the number of affected rows.
func (e *Executor) Exec(ctx context.Context, key, query string, args ...any) (int64, error) {
	var affected int64
	err := e.run(ctx, key, "exec", query, args, func(ctx context.Context, conn *PooledConn) error {
		var err error
		affected, err = conn.Exec(ctx, query, args...)
		return err
	})
	return affected, err
}

// Transaction runs fn inside a read-committed transaction bounded by
// timeout. Any error or panic from fn rolls the transaction back; a panic
// is re-raised afterwards. fn may run again when the whole transaction is
// retried after a transient failure.
func (e *Executor) Transaction(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, tx Tx) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return e.run(ctx, TransactionKey, "transaction", "", nil, func(ctx context.Context, conn *PooledConn) error {
		return e.runTx(ctx, conn, fn)
	})
}

func (e *Executor) runTx(ctx context.Context, conn *PooledConn, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := conn.Begin(ctx, TxOptions{Isolation: e.isolation()})
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			e.rollback(ctx, tx, conn.ID())
			panic(p)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		e.rollback(ctx, tx, conn.ID())
		return err
	}
	return tx.Commit(ctx)
}

func (e *Executor) rollback(ctx context.Context, tx Tx, connID string) {
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := tx.Rollback(rbCtx); err != nil {
		e.logger.Warn("Transaction rollback failed", zap.String("conn_id", connID), zap.Error(err))
	}
}

func (e *Executor) isolation() sql.IsolationLevel {
	if e.cfg.Dialect == DialectSQLite {
		return sql.LevelDefault
	}
	return sql.LevelReadCommitted
}

// run is the shared path: breaker gate, retry loop, scoped acquisition,
// metrics, and slow query logging.
func (e *Executor) run(ctx context.Context, key, op, query string, args []any, fn func(ctx context.Context, conn *PooledConn) error) error {
	if key == "" {
		key = RawQueryKey
	}
	logged := TruncateQuery(query)

	ctx, span := tracer.Start(ctx, "db."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", e.cfg.Dialect),
			attribute.String("db.operation_key", key),
			attribute.String("db.statement", logged),
		))
	defer span.End()

	// took sums the attempts themselves; backoff waits are not query time
	var took time.Duration
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		return e.retry.do(ctx, key, func(ctx context.Context) error {
			start := time.Now()
			defer func() { took += time.Since(start) }()
			return e.pool.WithConn(ctx, func(conn *PooledConn) error {
				return fn(ctx, conn)
			})
		})
	})

	if errors.Is(err, ErrCircuitOpen) {
		span.SetStatus(codes.Error, "circuit open")
		return err
	}

	slow := e.recorder.Observe(key, took, err)
	if slow && e.cfg.LogSlowQueries {
		e.logger.Warn("Slow query detected",
			zap.String("key", key),
			zap.Duration("duration", took),
			zap.Duration("threshold", e.recorder.SlowThreshold()),
			zap.String("query", logged),
			zap.Any("params", RedactArgs(args)))
	} else if e.cfg.LogQueries {
		e.logger.Debug("Query executed",
			zap.String("key", key),
			zap.Duration("duration", took),
			zap.String("query", logged),
			zap.Any("params", RedactArgs(args)))
	}

	if err == nil {
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if IsRetryable(err) || errors.Is(err, ErrPoolClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	e.logger.Debug("Query failed", zap.String("key", key), zap.String("query", logged), zap.Error(err))
	return &QueryError{Key: key, Query: logged, Err: err}
}

// Ping checks the backend through the breaker.
func (e *Executor) Ping(ctx context.Context) error {
	return e.breaker.Execute(ctx, e.pool.Ping)
}

// Breaker returns the database breaker.
func (e *Executor) Breaker() *Breaker { return e.breaker }

// Metrics returns a summary of recent query timings.
func (e *Executor) Metrics() metrics.Snapshot {
	return e.recorder.Snapshot()
}

// PoolStats returns pool statistics and publishes them as gauges.
func (e *Executor) PoolStats() PoolStats {
	stats := e.pool.Stats()
	e.recorder.ObservePool(stats.TotalConnections, stats.IdleConnections, stats.WaitingCallers, stats.MaxConnections)
	return stats
}
