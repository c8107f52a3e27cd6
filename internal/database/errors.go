package database

import (
	"errors"
	"fmt"
)

// Boundary errors. Callers map these to a "service temporarily degraded" response.
var (
	ErrCircuitOpen       = errors.New("database: circuit breaker is open")
	ErrConnectionTimeout = errors.New("database: timed out acquiring connection")
	ErrPoolExhausted     = errors.New("database: connection pool exhausted")
	ErrPoolClosed        = errors.New("database: connection pool is closed")
)

// QueryError wraps a failed query with its operation key and a redacted,
// truncated view of the statement. It unwraps to the driver error.
type QueryError struct {
	Key   string
	Query string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s failed: %v", e.Key, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// IsRetryable reports whether err signals a load or availability problem
// rather than a problem with the query itself.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrPoolExhausted)
}
