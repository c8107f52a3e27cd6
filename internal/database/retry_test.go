package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRetryPolicy_SucceedsOnThirdAttempt(t *testing.T) {
	policy := retryPolicy{attempts: 3, baseDelay: 20 * time.Millisecond, logger: zap.NewNop()}

	var calls []time.Time
	err := policy.do(context.Background(), "player.stats", func(context.Context) error {
		calls = append(calls, time.Now())
		if len(calls) < 3 {
			return io.ErrUnexpectedEOF
		}
		return nil
	})

	require.NoError(t, err)
	require.Len(t, calls, 3)
	first := calls[1].Sub(calls[0])
	second := calls[2].Sub(calls[1])
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)
	assert.GreaterOrEqual(t, second, 40*time.Millisecond)
	assert.Greater(t, second, first)
}

func TestRetryPolicy_ExhaustsAttempts(t *testing.T) {
	policy := retryPolicy{attempts: 3, baseDelay: time.Millisecond, logger: zap.NewNop()}

	calls := 0
	err := policy.do(context.Background(), "k", func(context.Context) error {
		calls++
		return driver.ErrBadConn
	})
	assert.ErrorIs(t, err, driver.ErrBadConn)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_DoesNotRetryPermanentErrors(t *testing.T) {
	policy := retryPolicy{attempts: 5, baseDelay: time.Millisecond, logger: zap.NewNop()}

	unique := &pgconn.PgError{Code: "23505", Message: "duplicate key"}
	calls := 0
	err := policy.do(context.Background(), "k", func(context.Context) error {
		calls++
		return unique
	})

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "23505", pgErr.Code)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_SingleAttempt(t *testing.T) {
	policy := retryPolicy{attempts: 1, baseDelay: time.Millisecond, logger: zap.NewNop()}
	calls := 0
	err := policy.do(context.Background(), "k", func(context.Context) error {
		calls++
		return io.EOF
	})
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_StopsOnContextCancel(t *testing.T) {
	policy := retryPolicy{attempts: 10, baseDelay: time.Hour, logger: zap.NewNop()}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	start := time.Now()
	err := policy.do(ctx, "k", func(context.Context) error {
		calls++
		return io.EOF
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"syntax error", &pgconn.PgError{Code: "42601"}, false},
		{"bad conn", driver.ErrBadConn, true},
		{"eof", fmt.Errorf("read: %w", io.EOF), true},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"circuit open", ErrCircuitOpen, false},
		{"acquire timeout", ErrConnectionTimeout, false},
		{"unknown", errors.New("something odd"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isTransient(tc.err))
		})
	}
}

func TestIsCallerError(t *testing.T) {
	assert.True(t, isCallerError(context.Canceled))
	assert.True(t, isCallerError(ErrConnectionTimeout))
	assert.True(t, isCallerError(ErrPoolExhausted))
	assert.True(t, isCallerError(&pgconn.PgError{Code: "23503"}))
	assert.True(t, isCallerError(&QueryError{Key: "k", Err: &pgconn.PgError{Code: "42P01"}}))

	assert.False(t, isCallerError(context.DeadlineExceeded))
	assert.False(t, isCallerError(&pgconn.PgError{Code: "08006"}))
	assert.False(t, isCallerError(io.EOF))
	assert.False(t, isCallerError(errors.New("backend down")))
}
