package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// retryPolicy retries transient failures with exponential backoff:
// the n-th retry waits baseDelay * 2^(n-1).
type retryPolicy struct {
	attempts  int
	baseDelay time.Duration
	logger    *zap.Logger
}

func (p retryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.baseDelay << uint(p.attempts)
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.attempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// do runs op until it succeeds, fails permanently, or attempts run out.
// The last error is returned unchanged.
func (p retryPolicy) do(ctx context.Context, key string, op func(ctx context.Context) error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx)
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		p.logger.Warn("Transient database error, retrying",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
	})
}

// Postgres SQLSTATEs worth retrying on a new attempt.
var transientStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
	"53300": true, // too_many_connections
}

// isTransient reports whether err is a connection-level or concurrency
// failure that may succeed on retry. Unknown errors are not retried.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrPoolClosed) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientStates[pgErr.Code] || pgerrClass(pgErr.Code) == "08"
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// isCallerError reports whether err describes the request or local capacity
// rather than backend health. Such errors do not count toward tripping a breaker.
func isCallerError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, ErrConnectionTimeout) || errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrPoolClosed) || errors.Is(err, sql.ErrNoRows) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgerrClass(pgErr.Code) {
		case "22", "23", "42": // data exception, integrity constraint, syntax or access rule
			return true
		}
	}
	return false
}

// isConnBroken reports whether the connection that produced err should be
// discarded instead of returned to the pool.
func isConnBroken(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrClass(pgErr.Code) == "08" || pgErr.Code == "57P01"
	}
	return isTransient(err)
}

func pgerrClass(code string) string {
	if len(code) < 2 {
		return ""
	}
	return code[:2]
}
