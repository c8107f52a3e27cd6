package database

import (
	"context"
	"sync"
	"sync/atomic"
)

type fakeConn struct {
	id int64

	mu      sync.Mutex
	queryFn func(ctx context.Context, query string, args ...any) ([]Row, error)
	execFn  func(ctx context.Context, query string, args ...any) (int64, error)
	execs   []string

	queries atomic.Int64
	closed  atomic.Bool
}

func (c *fakeConn) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	c.queries.Add(1)
	if c.queryFn != nil {
		return c.queryFn(ctx, query, args...)
	}
	return []Row{{"id": c.id}}, nil
}

func (c *fakeConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	c.mu.Lock()
	c.execs = append(c.execs, query)
	c.mu.Unlock()
	if c.execFn != nil {
		return c.execFn(ctx, query, args...)
	}
	return 1, nil
}

func (c *fakeConn) Begin(context.Context, TxOptions) (Tx, error) { return &fakeTx{}, nil }

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Close(context.Context) error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) Execs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.execs...)
}

type fakeTx struct {
	committed  atomic.Bool
	rolledBack atomic.Bool
}

func (t *fakeTx) Query(context.Context, string, ...any) ([]Row, error) { return nil, nil }
func (t *fakeTx) Exec(context.Context, string, ...any) (int64, error)  { return 1, nil }
func (t *fakeTx) Commit(context.Context) error                        { t.committed.Store(true); return nil }
func (t *fakeTx) Rollback(context.Context) error                      { t.rolledBack.Store(true); return nil }

// fakeConnector hands out fakeConns built by newConn and remembers them.
type fakeConnector struct {
	connects atomic.Int64
	failWith error
	newConn  func(id int64) *fakeConn

	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeConnector) Connect(context.Context) (Conn, error) {
	id := f.connects.Add(1)
	if f.failWith != nil {
		return nil, f.failWith
	}
	c := &fakeConn{id: id}
	if f.newConn != nil {
		c = f.newConn(id)
	}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeConnector) Conns() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns...)
}
