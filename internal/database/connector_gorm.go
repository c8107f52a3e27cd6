package database

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	applog "github.com/Aidin1998/leaguecore/pkg/logger"
)

// GormConnector hands out dedicated connections from a gorm-managed
// database/sql handle. The pool above it owns connection limits.
type GormConnector struct {
	db      *gorm.DB
	sqlDB   *sql.DB
	session []string
	logger  *zap.Logger
}

// NewGormPostgresConnector opens Postgres through the gorm postgres dialector.
func NewGormPostgresConnector(dsn string, maxConns int, session SessionConfig, log *zap.Logger) (*GormConnector, error) {
	return newGormConnector(postgres.Open(dsn), maxConns, session.Statements(), log)
}

// NewGormSQLiteConnector opens SQLite through the gorm sqlite dialector.
// SQLite has no session timeouts, so no setup statements run.
func NewGormSQLiteConnector(dsn string, maxConns int, log *zap.Logger) (*GormConnector, error) {
	return newGormConnector(sqlite.Open(dsn), maxConns, nil, log)
}

func newGormConnector(dialector gorm.Dialector, maxConns int, session []string, log *zap.Logger) (*GormConnector, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:               logger.Default.LogMode(logger.Warn),
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(maxConns)
		sqlDB.SetMaxIdleConns(maxConns)
	}

	log = applog.OrNop(log)
	return &GormConnector{
		db:      db,
		sqlDB:   sqlDB,
		session: session,
		logger:  log.Named("gorm").With(zap.String("dialect", dialector.Name())),
	}, nil
}

// DB returns the gorm handle for callers that need the ORM directly.
func (c *GormConnector) DB() *gorm.DB { return c.db }

// Connect reserves one connection and applies the session timeouts.
func (c *GormConnector) Connect(ctx context.Context) (Conn, error) {
	raw, err := c.sqlDB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	conn := &sqlConn{conn: raw}
	applySession(ctx, conn, c.session, c.logger)
	return conn, nil
}

// Close closes the underlying database/sql handle.
func (c *GormConnector) Close() error {
	return c.sqlDB.Close()
}

type sqlConn struct {
	conn *sql.Conn
}

func (c *sqlConn) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanRows(rows)
}

func (c *sqlConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *sqlConn) Begin(ctx context.Context, opts TxOptions) (Tx, error) {
	tx, err := c.conn.BeginTx(ctx, &sql.TxOptions{Isolation: opts.Isolation, ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (c *sqlConn) Ping(ctx context.Context) error { return c.conn.PingContext(ctx) }

func (c *sqlConn) Close(context.Context) error { return c.conn.Close() }

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanRows(rows)
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *sqlTx) Commit(context.Context) error   { return t.tx.Commit() }
func (t *sqlTx) Rollback(context.Context) error { return t.tx.Rollback() }

func scanRows(rows *sql.Rows) ([]Row, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
