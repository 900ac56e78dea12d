package dberrors

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/jonwraymond/dbguard/resilience"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"mysql deadlock", &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}, "ER_LOCK_DEADLOCK"},
		{"mysql lock wait", &mysql.MySQLError{Number: 1205}, "ER_LOCK_WAIT_TIMEOUT"},
		{"mysql wrapped", fmt.Errorf("insert user: %w", &mysql.MySQLError{Number: 1062}), "ER_DUP_ENTRY"},
		{"mysql unknown number", &mysql.MySQLError{Number: 9999}, "9999"},
		{"postgres", &pq.Error{Code: "40001"}, "40001"},
		{"postgres wrapped", fmt.Errorf("tx: %w", &pq.Error{Code: "57P01"}), "57P01"},
		{"errno", fmt.Errorf("read: %w", syscall.ECONNRESET), "ECONNRESET"},
		{"attached code", resilience.WithCode(errors.New("x"), "CUSTOM"), "CUSTOM"},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, "ETIMEDOUT"},
		{"plain", errors.New("boom"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Code(tt.err); got != tt.want {
				t.Errorf("Code() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMySQLName(t *testing.T) {
	if got := MySQLName(1040); got != "ER_CON_COUNT_ERROR" {
		t.Errorf("MySQLName(1040) = %q, want ER_CON_COUNT_ERROR", got)
	}
	if got := MySQLName(1); got != "1" {
		t.Errorf("MySQLName(1) = %q, want 1", got)
	}
}

func TestCode_DrivesRetryClassification(t *testing.T) {
	cfg := resilience.PresetLockTimeout()
	cfg.ErrorCode = Code
	r := resilience.NewRetry(cfg)

	if !r.IsRetryable(&mysql.MySQLError{Number: 1213, Message: "x"}) {
		t.Error("MySQL deadlock should be retryable under the lock preset")
	}
	if !r.IsRetryable(&pq.Error{Code: "40P01", Message: "x"}) {
		t.Error("PostgreSQL deadlock should be retryable under the lock preset")
	}
	if r.IsRetryable(&mysql.MySQLError{Number: 1062, Message: "x"}) {
		t.Error("duplicate entry should not be retryable")
	}
}
