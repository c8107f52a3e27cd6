package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Row is one result row keyed by column name.
type Row = map[string]any

// Dialects understood by the executor.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Querier runs statements.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) ([]Row, error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
}

// Tx is an open transaction.
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TxOptions selects the isolation level of a transaction.
type TxOptions struct {
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

// Conn is one physical database connection.
type Conn interface {
	Querier
	Begin(ctx context.Context, opts TxOptions) (Tx, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Connector opens physical connections.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (Conn, error)

func (f ConnectorFunc) Connect(ctx context.Context) (Conn, error) { return f(ctx) }

// SessionConfig holds the per-connection server timeouts applied right
// after a connection is opened.
type SessionConfig struct {
	StatementTimeout         time.Duration `json:"statement_timeout" yaml:"statement_timeout"`
	LockTimeout              time.Duration `json:"lock_timeout" yaml:"lock_timeout"`
	IdleInTransactionTimeout time.Duration `json:"idle_in_transaction_timeout" yaml:"idle_in_transaction_timeout"`
}

// Statements returns the setup statements for the non-zero timeouts.
func (s SessionConfig) Statements() []string {
	var stmts []string
	add := func(name string, d time.Duration) {
		if d > 0 {
			stmts = append(stmts, fmt.Sprintf("SET %s = %d", name, d.Milliseconds()))
		}
	}
	add("statement_timeout", s.StatementTimeout)
	add("lock_timeout", s.LockTimeout)
	add("idle_in_transaction_session_timeout", s.IdleInTransactionTimeout)
	return stmts
}

// applySession runs the setup statements on a fresh connection. Failures
// are logged and the connection is still handed out.
func applySession(ctx context.Context, conn Conn, stmts []string, logger *zap.Logger) {
	for _, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			logger.Warn("Connection setup statement failed",
				zap.String("statement", stmt), zap.Error(err))
		}
	}
}
