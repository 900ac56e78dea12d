// Package dberrors extracts stable codes from database driver errors and
// sorts them into kinds.
//
// Retry classification keys on codes: MySQL errors map to their symbolic
// names (1213 becomes "ER_LOCK_DEADLOCK"), PostgreSQL errors to their
// SQLSTATE ("40001"), and network errors to errno names ("ECONNRESET").
// Kinds let the circuit breaker and the health monitor tell an unhealthy
// database apart from a business error such as a duplicate key.
package dberrors
