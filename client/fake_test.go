package client

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/jonwraymond/dbguard/observe"
)

type fakeConnector struct {
	mu         sync.Mutex
	connectErr error
	pingErr    error
	execErrs   []error
	execs      int
	opens      int
	queryRows  [][]driver.Value
}

func (c *fakeConnector) Connect(context.Context) (driver.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	c.opens++
	return &fakeConn{c: c}, nil
}

func (c *fakeConnector) Driver() driver.Driver { return fakeDriver{c: c} }

func (c *fakeConnector) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

func (c *fakeConnector) execCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.execs
}

type fakeDriver struct{ c *fakeConnector }

func (d fakeDriver) Open(string) (driver.Conn, error) {
	return d.c.Connect(context.Background())
}

type fakeConn struct{ c *fakeConnector }

func (f *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("fake: prepare not supported")
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) Begin() (driver.Tx, error) { return fakeTx{}, nil }

func (f *fakeConn) Ping(context.Context) error {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	return f.c.pingErr
}

func (f *fakeConn) ExecContext(_ context.Context, _ string, _ []driver.NamedValue) (driver.Result, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	f.c.execs++
	if len(f.c.execErrs) > 0 {
		err := f.c.execErrs[0]
		f.c.execErrs = f.c.execErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return driver.RowsAffected(1), nil
}

func (f *fakeConn) QueryContext(_ context.Context, _ string, _ []driver.NamedValue) (driver.Rows, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	return &fakeRows{data: f.c.queryRows}, nil
}

type fakeTx struct{}

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

type fakeRows struct {
	data [][]driver.Value
	pos  int
}

func (r *fakeRows) Columns() []string { return []string{"n"} }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.pos])
	r.pos++
	return nil
}

type recordingMetrics struct {
	mu          sync.Mutex
	operations  int
	retries     []string
	transitions []string
	rejections  []string
}

func (m *recordingMetrics) RecordOperation(context.Context, observe.OpMeta, time.Duration, error) {
	m.mu.Lock()
	m.operations++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordRetry(_ context.Context, _ observe.OpMeta, reason string, _ time.Duration) {
	m.mu.Lock()
	m.retries = append(m.retries, reason)
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordStateChange(_ context.Context, _, from, to string) {
	m.mu.Lock()
	m.transitions = append(m.transitions, from+"->"+to)
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordRejection(_ context.Context, _, reason string) {
	m.mu.Lock()
	m.rejections = append(m.rejections, reason)
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordHealthScore(context.Context, string, int) {}

func (m *recordingMetrics) RecordAlert(context.Context, string, string) {}
