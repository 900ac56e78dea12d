package client

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sync/atomic"

	"github.com/jonwraymond/dbguard/health"
	"github.com/jonwraymond/dbguard/resilience"
)

// ConnectionRecorder receives physical connection opens.
type ConnectionRecorder interface {
	RecordConnectionOpened()
}

// CountingConnector wraps a driver.Connector and reports every successful
// Connect to a recorder. Connect failures are not reported here: they
// surface as operation or ping errors and are counted there.
type CountingConnector struct {
	driver.Connector
	recorder atomic.Pointer[ConnectionRecorder]
}

// NewCountingConnector wraps c. rec may be nil and attached later.
func NewCountingConnector(c driver.Connector, rec ConnectionRecorder) *CountingConnector {
	cc := &CountingConnector{Connector: c}
	if rec != nil {
		cc.Attach(rec)
	}
	return cc
}

// Attach sets the recorder.
func (c *CountingConnector) Attach(rec ConnectionRecorder) {
	c.recorder.Store(&rec)
}

// Connect opens a connection and reports it.
func (c *CountingConnector) Connect(ctx context.Context) (driver.Conn, error) {
	conn, err := c.Connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	if rec := c.recorder.Load(); rec != nil {
		(*rec).RecordConnectionOpened()
	}
	return conn, nil
}

// Driver returns the wrapped connector's driver.
func (c *CountingConnector) Driver() driver.Driver {
	return c.Connector.Driver()
}

// OpenDB opens a pool on connector and returns a client reporting on it.
// Connection opens are counted by the client's monitor. config.DB is
// ignored.
func OpenDB(connector driver.Connector, config Config) *Client {
	counting := NewCountingConnector(connector, nil)
	config.DB = sql.OpenDB(counting)
	c := New(config)
	counting.Attach(c.monitor)
	return c
}

// PoolStatsFromDB samples db. database/sql only exposes a cumulative wait
// count, so the number of queued callers comes from bh when one is given.
func PoolStatsFromDB(db *sql.DB, bh *resilience.Bulkhead) health.PoolStatsFunc {
	return func() health.PoolStats {
		s := db.Stats()
		ps := health.PoolStats{
			MaxOpen: s.MaxOpenConnections,
			Open:    s.OpenConnections,
			InUse:   s.InUse,
			Idle:    s.Idle,
		}
		if bh != nil {
			ps.Waiting = bh.Metrics().Waiting
		}
		return ps
	}
}

// PingContext pings the database outside the resilience stack, so a probe
// sees the real state even while the breaker is open. A failure is recorded
// as a connection error.
func (c *Client) PingContext(ctx context.Context) error {
	if c.db == nil {
		return ErrNoDB
	}
	err := c.db.PingContext(ctx)
	if err != nil && ctx.Err() == nil {
		c.monitor.RecordConnectionError(err)
	}
	return err
}

// ExecContext runs a statement through c.
func (c *Client) ExecContext(ctx context.Context, label, query string, args ...any) (sql.Result, error) {
	if c.db == nil {
		return nil, ErrNoDB
	}
	return Do(ctx, c, label, func(ctx context.Context) (sql.Result, error) {
		return c.db.ExecContext(ctx, query, args...)
	})
}

// QueryContext runs a query through c and hands the rows to scan. The rows
// are closed afterwards; a scan error fails the attempt.
func (c *Client) QueryContext(ctx context.Context, label, query string, scan func(*sql.Rows) error, args ...any) error {
	if c.db == nil {
		return ErrNoDB
	}
	return c.Execute(ctx, label, func(ctx context.Context) error {
		rows, err := c.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		if err := scan(rows); err != nil {
			return err
		}
		return rows.Err()
	})
}
