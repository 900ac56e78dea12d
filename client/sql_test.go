package client

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/go-sql-driver/mysql"

	"github.com/jonwraymond/dbguard/resilience"
)

type countingRecorder struct{ n atomic.Int64 }

func (r *countingRecorder) RecordConnectionOpened() { r.n.Add(1) }

func TestCountingConnector(t *testing.T) {
	fc := &fakeConnector{}
	rec := &countingRecorder{}
	cc := NewCountingConnector(fc, rec)

	if _, err := cc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if rec.n.Load() != 1 {
		t.Errorf("opens = %d, want 1", rec.n.Load())
	}

	fc.mu.Lock()
	fc.connectErr = errors.New("connection refused")
	fc.mu.Unlock()
	if _, err := cc.Connect(context.Background()); err == nil {
		t.Fatal("Connect() should fail")
	}
	if rec.n.Load() != 1 {
		t.Errorf("opens = %d, want 1 after a failed connect", rec.n.Load())
	}

	if _, ok := cc.Driver().(fakeDriver); !ok {
		t.Errorf("Driver() = %T, want the wrapped driver", cc.Driver())
	}
}

func TestCountingConnector_NoRecorder(t *testing.T) {
	cc := NewCountingConnector(&fakeConnector{}, nil)
	if _, err := cc.Connect(context.Background()); err != nil {
		t.Errorf("Connect() error = %v", err)
	}
}

func TestOpenDB_ExecAndPoolStats(t *testing.T) {
	fc := &fakeConnector{}
	c := OpenDB(fc, Config{Name: "orders", MaxConcurrent: 4, Retry: fastRetry()})
	defer c.Close()
	c.DB().SetMaxOpenConns(4)

	res, err := c.ExecContext(context.Background(), "orders.touch", "UPDATE orders SET touched = 1")
	if err != nil {
		t.Fatalf("ExecContext() error = %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Errorf("RowsAffected() = %d, want 1", n)
	}

	m := c.Monitor().Tick()
	if m.TotalConnections != 1 || m.IdleConnections != 1 || m.ActiveConnections != 0 {
		t.Errorf("pool = %d open / %d idle / %d active, want 1/1/0",
			m.TotalConnections, m.IdleConnections, m.ActiveConnections)
	}
	if m.QueryCount != 1 {
		t.Errorf("QueryCount = %d, want 1", m.QueryCount)
	}
	if fc.openCount() != 1 {
		t.Errorf("driver opens = %d, want 1", fc.openCount())
	}
}

func TestOpenDB_ExecRetriesLockErrors(t *testing.T) {
	fc := &fakeConnector{execErrs: []error{
		&mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"},
	}}
	c := OpenDB(fc, Config{Retry: fastRetry()})
	defer c.Close()

	if _, err := c.ExecContext(context.Background(), "orders.update", "UPDATE orders SET a = 1"); err != nil {
		t.Fatalf("ExecContext() error = %v", err)
	}
	if fc.execCount() != 2 {
		t.Errorf("execs = %d, want 2", fc.execCount())
	}
	if rm := c.RetryMetrics(); rm.FailureReasons["ER_LOCK_WAIT_TIMEOUT"] != 1 {
		t.Errorf("FailureReasons = %v", rm.FailureReasons)
	}
}

func TestOpenDB_ExecDuplicateNotRetried(t *testing.T) {
	fc := &fakeConnector{execErrs: []error{
		&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'a' for key 'PRIMARY'"},
	}}
	c := OpenDB(fc, Config{
		Retry:   fastRetry(),
		Breaker: resilience.CircuitBreakerConfig{FailureThreshold: 1},
	})
	defer c.Close()

	_, err := c.ExecContext(context.Background(), "orders.insert", "INSERT INTO orders VALUES (1)")
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) || myErr.Number != 1062 {
		t.Fatalf("ExecContext() error = %v, want the duplicate-key error", err)
	}
	if fc.execCount() != 1 {
		t.Errorf("execs = %d, want 1", fc.execCount())
	}
	if c.Breaker().State() != resilience.StateClosed {
		t.Error("a duplicate key should not open the circuit")
	}
}

func TestQueryContext(t *testing.T) {
	fc := &fakeConnector{queryRows: [][]driver.Value{{int64(3)}, {int64(4)}}}
	c := OpenDB(fc, Config{})
	defer c.Close()

	var sum int64
	err := c.QueryContext(context.Background(), "orders.totals", "SELECT n FROM totals", func(rows *sql.Rows) error {
		for rows.Next() {
			var n int64
			if err := rows.Scan(&n); err != nil {
				return err
			}
			sum += n
		}
		return nil
	})
	if err != nil {
		t.Fatalf("QueryContext() error = %v", err)
	}
	if sum != 7 {
		t.Errorf("sum = %d, want 7", sum)
	}
}

func TestPingContext(t *testing.T) {
	fc := &fakeConnector{}
	c := OpenDB(fc, Config{})
	defer c.Close()

	if err := c.PingContext(context.Background()); err != nil {
		t.Fatalf("PingContext() error = %v", err)
	}

	fc.mu.Lock()
	fc.pingErr = errors.New("server has gone away")
	fc.mu.Unlock()
	if err := c.PingContext(context.Background()); err == nil {
		t.Fatal("PingContext() should fail")
	}
	if m := c.Monitor().Tick(); m.ConnectionErrors != 1 || m.HealthScore != 95 {
		t.Errorf("ConnectionErrors/HealthScore = %d/%d, want 1/95", m.ConnectionErrors, m.HealthScore)
	}
}

func TestNoDB(t *testing.T) {
	c := New(Config{})
	ctx := context.Background()

	if err := c.PingContext(ctx); !errors.Is(err, ErrNoDB) {
		t.Errorf("PingContext() error = %v, want ErrNoDB", err)
	}
	if _, err := c.ExecContext(ctx, "x", "SELECT 1"); !errors.Is(err, ErrNoDB) {
		t.Errorf("ExecContext() error = %v, want ErrNoDB", err)
	}
	if err := c.QueryContext(ctx, "x", "SELECT 1", nil); !errors.Is(err, ErrNoDB) {
		t.Errorf("QueryContext() error = %v, want ErrNoDB", err)
	}
}

func TestPoolStatsFromDB(t *testing.T) {
	db := sql.OpenDB(&fakeConnector{})
	defer db.Close()
	db.SetMaxOpenConns(10)

	bh := resilience.NewBulkhead(resilience.BulkheadConfig{MaxConcurrent: 1})
	stats := PoolStatsFromDB(db, bh)()
	if stats.MaxOpen != 10 || stats.Open != 0 || stats.Waiting != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if u := stats.Utilization(); u != 0 {
		t.Errorf("Utilization() = %v, want 0", u)
	}
}
