package dberrors

import (
	"errors"
	"net"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/jonwraymond/dbguard/resilience"
)

// mysqlNames maps MySQL server and client error numbers to their symbolic
// names.
var mysqlNames = map[uint16]string{
	1040: "ER_CON_COUNT_ERROR",
	1048: "ER_BAD_NULL_ERROR",
	1053: "ER_SERVER_SHUTDOWN",
	1062: "ER_DUP_ENTRY",
	1064: "ER_PARSE_ERROR",
	1146: "ER_NO_SUCH_TABLE",
	1203: "ER_TOO_MANY_USER_CONNECTIONS",
	1205: "ER_LOCK_WAIT_TIMEOUT",
	1213: "ER_LOCK_DEADLOCK",
	1317: "ER_QUERY_INTERRUPTED",
	1406: "ER_DATA_TOO_LONG",
	1451: "ER_ROW_IS_REFERENCED_2",
	1452: "ER_NO_REFERENCED_ROW_2",
	1927: "ER_CONNECTION_KILLED",
	2006: "CR_SERVER_GONE_ERROR",
	2013: "CR_SERVER_LOST",
	3024: "ER_QUERY_TIMEOUT",
	3572: "ER_LOCK_NOWAIT",
}

// MySQLName returns the symbolic name for a MySQL error number, or the
// number itself when it is not in the table.
func MySQLName(number uint16) string {
	if name, ok := mysqlNames[number]; ok {
		return name
	}
	return strconv.Itoa(int(number))
}

// Code returns the stable code carried by err, or "" when it has none.
//
//   - *mysql.MySQLError: symbolic name of Number
//   - *pq.Error: SQLSTATE
//   - errors with an ErrorCode() or Code() method, syscall errnos and
//     resilience.ErrTimeout: see resilience.ErrorCode
//   - net.Error timeouts: "ETIMEDOUT"
func Code(err error) string {
	if err == nil {
		return ""
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return MySQLName(mysqlErr.Number)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}

	if code := resilience.ErrorCode(err); code != "" {
		return code
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ETIMEDOUT"
	}
	return ""
}
