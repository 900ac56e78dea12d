package dberrors

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"

	"gorm.io/gorm"
)

// Kind groups database errors by what they say about the database.
type Kind int

const (
	// KindUnknown is an error with no recognizable shape.
	KindUnknown Kind = iota
	// KindNotFound is an empty result.
	KindNotFound
	// KindDuplicate is a unique constraint violation.
	KindDuplicate
	// KindConstraint is a foreign key, null or check violation.
	KindConstraint
	// KindConnection is a lost, refused or reset connection.
	KindConnection
	// KindPoolExhausted means the server refused a new connection.
	KindPoolExhausted
	// KindLock is a lock wait timeout or deadlock.
	KindLock
	// KindTimeout is a statement or network timeout.
	KindTimeout
	// KindSerialization is an aborted serializable transaction.
	KindSerialization
	// KindCanceled is a caller cancellation.
	KindCanceled
	// KindSyntax is a malformed statement or missing object.
	KindSyntax
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindNotFound:      "not_found",
	KindDuplicate:     "duplicate",
	KindConstraint:    "constraint",
	KindConnection:    "connection",
	KindPoolExhausted: "pool_exhausted",
	KindLock:          "lock",
	KindTimeout:       "timeout",
	KindSerialization: "serialization",
	KindCanceled:      "canceled",
	KindSyntax:        "syntax",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

var codeKinds = map[string]Kind{
	"ER_DUP_ENTRY":                 KindDuplicate,
	"23505":                        KindDuplicate,
	"ER_ROW_IS_REFERENCED_2":       KindConstraint,
	"ER_NO_REFERENCED_ROW_2":       KindConstraint,
	"ER_BAD_NULL_ERROR":            KindConstraint,
	"ER_DATA_TOO_LONG":             KindConstraint,
	"23503":                        KindConstraint,
	"23502":                        KindConstraint,
	"23514":                        KindConstraint,
	"ER_CON_COUNT_ERROR":           KindPoolExhausted,
	"ER_TOO_MANY_USER_CONNECTIONS": KindPoolExhausted,
	"53300":                        KindPoolExhausted,
	"ER_LOCK_WAIT_TIMEOUT":         KindLock,
	"ER_LOCK_DEADLOCK":             KindLock,
	"ER_LOCK_NOWAIT":               KindLock,
	"40P01":                        KindLock,
	"55P03":                        KindLock,
	"40001":                        KindSerialization,
	"ER_QUERY_TIMEOUT":             KindTimeout,
	"ER_QUERY_INTERRUPTED":         KindTimeout,
	"57014":                        KindTimeout,
	"ETIMEDOUT":                    KindTimeout,
	"ER_SERVER_SHUTDOWN":           KindConnection,
	"ER_CONNECTION_KILLED":         KindConnection,
	"CR_SERVER_GONE_ERROR":         KindConnection,
	"CR_SERVER_LOST":               KindConnection,
	"ECONNRESET":                   KindConnection,
	"ECONNREFUSED":                 KindConnection,
	"ECONNABORTED":                 KindConnection,
	"EPIPE":                        KindConnection,
	"57P01":                        KindConnection,
	"ER_PARSE_ERROR":               KindSyntax,
	"ER_NO_SUCH_TABLE":             KindSyntax,
	"42601":                        KindSyntax,
	"42P01":                        KindSyntax,
}

// connectionMarkers are message fragments drivers use for broken
// connections when they carry no code.
var connectionMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"invalid connection",
	"bad connection",
	"server has gone away",
	"no such host",
	"i/o timeout",
}

// Classify returns the Kind of err. A nil error is KindUnknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, sql.ErrNoRows):
		return KindNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return KindDuplicate
	case errors.Is(err, gorm.ErrForeignKeyViolated), errors.Is(err, gorm.ErrCheckConstraintViolated):
		return KindConstraint
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return KindConnection
	}

	code := Code(err)
	if kind, ok := codeKinds[code]; ok {
		return kind
	}
	// Remaining SQLSTATE class 08 codes are connection exceptions.
	if len(code) == 5 && strings.HasPrefix(code, "08") {
		return KindConnection
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range connectionMarkers {
		if strings.Contains(msg, marker) {
			return KindConnection
		}
	}
	return KindUnknown
}

// IsTransient reports whether retrying err could succeed.
func IsTransient(err error) bool {
	switch Classify(err) {
	case KindConnection, KindPoolExhausted, KindLock, KindTimeout, KindSerialization:
		return true
	}
	return false
}

// IsConnectionError reports whether err means the connection itself failed.
func IsConnectionError(err error) bool {
	switch Classify(err) {
	case KindConnection, KindPoolExhausted:
		return true
	}
	return false
}

// IsFailure reports whether err should count against the database's health.
// Empty results, constraint violations and caller cancellations are the
// caller's business, not the database's.
func IsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err) {
	case KindNotFound, KindDuplicate, KindConstraint, KindCanceled, KindSyntax:
		return false
	}
	return true
}

// IsDuplicate reports whether err is a unique constraint violation.
func IsDuplicate(err error) bool {
	return Classify(err) == KindDuplicate
}

// IsNotFound reports whether err is an empty result.
func IsNotFound(err error) bool {
	return Classify(err) == KindNotFound
}
