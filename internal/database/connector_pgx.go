package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	applog "github.com/Aidin1998/leaguecore/pkg/logger"
)

// PgxConnector opens native Postgres connections with pgx.
type PgxConnector struct {
	config  *pgx.ConnConfig
	session SessionConfig
	logger  *zap.Logger
}

// NewPgxConnector parses the connection URL once.
func NewPgxConnector(url string, session SessionConfig, logger *zap.Logger) (*PgxConnector, error) {
	cfg, err := pgx.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url %s: %w", RedactConnectionString(url), err)
	}
	logger = applog.OrNop(logger)
	return &PgxConnector{config: cfg, session: session, logger: logger.Named("pgx")}, nil
}

// Connect opens a connection and applies the session timeouts.
func (c *PgxConnector) Connect(ctx context.Context) (Conn, error) {
	raw, err := pgx.ConnectConfig(ctx, c.config.Copy())
	if err != nil {
		return nil, err
	}
	conn := &pgxConn{conn: raw}
	applySession(ctx, conn, c.session.Statements(), c.logger)
	return conn, nil
}

type pgxConn struct {
	conn *pgx.Conn
}

func (c *pgxConn) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	return pgxQuery(ctx, c.conn, query, args...)
}

func (c *pgxConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := c.conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *pgxConn) Begin(ctx context.Context, opts TxOptions) (Tx, error) {
	txOpts := pgx.TxOptions{IsoLevel: pgxIsolation(opts.Isolation)}
	if opts.ReadOnly {
		txOpts.AccessMode = pgx.ReadOnly
	}
	tx, err := c.conn.BeginTx(ctx, txOpts)
	if err != nil {
		return nil, err
	}
	return &pgxTx{tx: tx}, nil
}

func (c *pgxConn) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }

func (c *pgxConn) Close(ctx context.Context) error { return c.conn.Close(ctx) }

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	return pgxQuery(ctx, t.tx, query, args...)
}

func (t *pgxTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgxTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func pgxQuery(ctx context.Context, q pgxQuerier, query string, args ...any) ([]Row, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToMap)
}

func pgxIsolation(level sql.IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case sql.LevelReadUncommitted:
		return pgx.ReadUncommitted
	case sql.LevelRepeatableRead, sql.LevelSnapshot:
		return pgx.RepeatableRead
	case sql.LevelSerializable, sql.LevelLinearizable:
		return pgx.Serializable
	case sql.LevelReadCommitted:
		return pgx.ReadCommitted
	default:
		return ""
	}
}
