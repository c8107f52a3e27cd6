package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/puddle/v2"
	"go.uber.org/zap"

	applog "github.com/Aidin1998/leaguecore/pkg/logger"
)

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxConnections int           `json:"max_connections" yaml:"max_connections"`
	MinConnections int           `json:"min_connections" yaml:"min_connections"`
	AcquireTimeout time.Duration `json:"acquire_timeout" yaml:"acquire_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	MaxLifetime    time.Duration `json:"max_lifetime" yaml:"max_lifetime"`
	ReapInterval   time.Duration `json:"reap_interval" yaml:"reap_interval"`
}

// PoolStats is a point-in-time view of the pool and its breaker.
type PoolStats struct {
	TotalConnections int          `json:"total_connections"`
	IdleConnections  int          `json:"idle_connections"`
	InUseConnections int          `json:"in_use_connections"`
	WaitingCallers   int          `json:"waiting_callers"`
	MaxConnections   int          `json:"max_connections"`
	CircuitState     BreakerState `json:"circuit_state"`
	FailureCount     uint32       `json:"failure_count"`
}

type handle struct {
	id   string
	conn Conn
}

// Pool keeps between MinConnections and MaxConnections live connections.
type Pool struct {
	cfg       PoolConfig
	connector Connector
	breaker   *Breaker
	logger    *zap.Logger

	res     *puddle.Pool[*handle]
	waiting atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	closed   chan struct{}
	wg       sync.WaitGroup
}

// NewPool creates the pool and opens MinConnections eagerly. Failures to
// open the initial connections are logged; the reaper keeps retrying.
func NewPool(ctx context.Context, cfg PoolConfig, connector Connector, breaker *Breaker, logger *zap.Logger) (*Pool, error) {
	if connector == nil {
		return nil, errors.New("database: nil connector")
	}
	if cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf("database: max connections must be positive, got %d", cfg.MaxConnections)
	}
	if cfg.MinConnections > cfg.MaxConnections {
		cfg.MinConnections = cfg.MaxConnections
	}
	if cfg.MinConnections < 0 {
		cfg.MinConnections = 0
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
		if cfg.IdleTimeout > 0 && cfg.IdleTimeout/2 < cfg.ReapInterval {
			cfg.ReapInterval = cfg.IdleTimeout / 2
		}
	}
	logger = applog.OrNop(logger)
	if breaker == nil {
		breaker = NewBreaker("database", DefaultBreakerConfig(), logger)
	}

	p := &Pool{
		cfg:       cfg,
		connector: connector,
		breaker:   breaker,
		logger:    logger.Named("pool"),
		stopCh:    make(chan struct{}),
		closed:    make(chan struct{}),
	}

	res, err := puddle.NewPool(&puddle.Config[*handle]{
		Constructor: p.construct,
		Destructor:  p.destruct,
		MaxSize:     int32(cfg.MaxConnections),
	})
	if err != nil {
		return nil, fmt.Errorf("database: create pool: %w", err)
	}
	p.res = res

	p.fill(ctx)

	p.wg.Add(1)
	go p.reapLoop()

	p.logger.Info("Connection pool started",
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Int("min_connections", cfg.MinConnections),
		zap.Duration("acquire_timeout", cfg.AcquireTimeout),
		zap.Duration("idle_timeout", cfg.IdleTimeout),
		zap.Duration("max_lifetime", cfg.MaxLifetime))

	return p, nil
}

func (p *Pool) construct(ctx context.Context) (*handle, error) {
	conn, err := p.connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	h := &handle{id: uuid.NewString(), conn: conn}
	p.logger.Debug("Opened connection", zap.String("conn_id", h.id))
	return h, nil
}

func (p *Pool) destruct(h *handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.conn.Close(ctx); err != nil {
		p.logger.Warn("Failed to close connection", zap.String("conn_id", h.id), zap.Error(err))
		return
	}
	p.logger.Debug("Closed connection", zap.String("conn_id", h.id))
}

// Acquire returns a connection, waiting up to AcquireTimeout when the pool
// is at capacity. With a zero AcquireTimeout it fails fast with
// ErrPoolExhausted instead of waiting.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	for {
		res, err := p.acquire(ctx)
		if err != nil {
			return nil, err
		}
		if p.pastLifetime(res) || p.idledOut(res) {
			res.Destroy()
			continue
		}
		return &PooledConn{res: res}, nil
	}
}

func (p *Pool) acquire(ctx context.Context) (*puddle.Resource[*handle], error) {
	stat := p.res.Stat()
	saturated := stat.IdleResources() == 0 && stat.TotalResources() >= stat.MaxResources()

	if p.cfg.AcquireTimeout <= 0 {
		if saturated {
			return nil, ErrPoolExhausted
		}
		res, err := p.res.Acquire(ctx)
		return res, p.translate(ctx, err)
	}

	// only callers that find the pool at capacity queue for a release
	if saturated {
		p.waiting.Add(1)
		defer p.waiting.Add(-1)
	}

	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	res, err := p.res.Acquire(acquireCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			p.logger.Warn("Timed out waiting for a connection",
				zap.Duration("acquire_timeout", p.cfg.AcquireTimeout),
				zap.Int64("waiting", p.waiting.Load()))
			return nil, fmt.Errorf("%w after %s", ErrConnectionTimeout, p.cfg.AcquireTimeout)
		}
		return nil, p.translate(ctx, err)
	}
	return res, nil
}

func (p *Pool) translate(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, puddle.ErrClosedPool):
		return ErrPoolClosed
	case errors.Is(err, puddle.ErrNotAvailable):
		return ErrPoolExhausted
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("database: open connection: %w", err)
	}
}

func (p *Pool) pastLifetime(res *puddle.Resource[*handle]) bool {
	return p.cfg.MaxLifetime > 0 && time.Since(res.CreationTime()) > p.cfg.MaxLifetime
}

func (p *Pool) idledOut(res *puddle.Resource[*handle]) bool {
	return p.cfg.IdleTimeout > 0 && res.IdleDuration() > p.cfg.IdleTimeout
}

// WithConn runs fn on a pooled connection and always gives it back.
// Connections that fail with a broken-connection error are discarded.
func (p *Pool) WithConn(ctx context.Context, fn func(conn *PooledConn) error) (err error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if isConnBroken(err) {
			conn.Destroy()
			return
		}
		conn.Release()
	}()

	return fn(conn)
}

// Ping checks the backend on a pooled connection.
func (p *Pool) Ping(ctx context.Context) error {
	return p.WithConn(ctx, func(conn *PooledConn) error {
		return conn.Ping(ctx)
	})
}

// Breaker returns the breaker shared by all users of this pool's backend.
func (p *Pool) Breaker() *Breaker { return p.breaker }

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	stat := p.res.Stat()
	return PoolStats{
		TotalConnections: int(stat.TotalResources()),
		IdleConnections:  int(stat.IdleResources()),
		InUseConnections: int(stat.AcquiredResources()),
		WaitingCallers:   int(p.waiting.Load()),
		MaxConnections:   int(stat.MaxResources()),
		CircuitState:     p.breaker.State(),
		FailureCount:     p.breaker.Failures(),
	}
}

// fill opens connections until MinConnections are live. Open failures count
// against the breaker.
func (p *Pool) fill(ctx context.Context) {
	for int(p.res.Stat().TotalResources()) < p.cfg.MinConnections {
		if !p.breaker.Allow() {
			return
		}
		if err := p.res.CreateResource(ctx); err != nil {
			if errors.Is(err, puddle.ErrClosedPool) || errors.Is(err, puddle.ErrNotAvailable) {
				return
			}
			p.breaker.RecordFailure(err)
			p.logger.Warn("Failed to open minimum connection",
				zap.Int("min_connections", p.cfg.MinConnections), zap.Error(err))
			return
		}
	}
}

// reap recycles idle connections past their lifetime or idle timeout and
// tops the pool back up to MinConnections.
func (p *Pool) reap(ctx context.Context) {
	idle := p.res.AcquireAllIdle()
	total := int(p.res.Stat().TotalResources())

	recycled := 0
	for _, res := range idle {
		if p.pastLifetime(res) || (p.idledOut(res) && total > p.cfg.MinConnections) {
			res.Destroy()
			total--
			recycled++
			continue
		}
		res.ReleaseUnused()
	}
	if recycled > 0 {
		p.logger.Debug("Recycled connections", zap.Int("count", recycled))
	}
	p.fill(ctx)
}

func (p *Pool) reapLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ReapInterval)
			p.reap(ctx)
			cancel()
		}
	}
}

// Close stops the reaper, waits for acquired connections to be released,
// and closes every connection. If ctx ends first Close returns its error and
// the drain finishes in the background once the last connection is released.
func (p *Pool) Close(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
		go func() {
			p.res.Close()
			close(p.closed)
			p.logger.Info("Connection pool closed")
		}()
	})

	select {
	case <-p.closed:
		return nil
	case <-ctx.Done():
		p.logger.Warn("Gave up waiting for connections to be released",
			zap.Int32("in_use", p.res.Stat().AcquiredResources()), zap.Error(ctx.Err()))
		return fmt.Errorf("database: close pool: %w", ctx.Err())
	}
}

// PooledConn is a connection checked out of the pool. Release or Destroy
// must be called exactly once; further calls are ignored.
type PooledConn struct {
	res  *puddle.Resource[*handle]
	done atomic.Bool
}

// ID identifies the physical connection in logs.
func (c *PooledConn) ID() string { return c.res.Value().id }

func (c *PooledConn) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	return c.res.Value().conn.Query(ctx, query, args...)
}

func (c *PooledConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return c.res.Value().conn.Exec(ctx, query, args...)
}

func (c *PooledConn) Begin(ctx context.Context, opts TxOptions) (Tx, error) {
	return c.res.Value().conn.Begin(ctx, opts)
}

func (c *PooledConn) Ping(ctx context.Context) error {
	return c.res.Value().conn.Ping(ctx)
}

// Release returns the connection to the pool.
func (c *PooledConn) Release() {
	if c.done.CompareAndSwap(false, true) {
		c.res.Release()
	}
}

// Destroy closes the connection and frees its slot.
func (c *PooledConn) Destroy() {
	if c.done.CompareAndSwap(false, true) {
		c.res.Destroy()
	}
}
