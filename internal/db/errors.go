package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// sqlState extracts the SQLSTATE code from either driver's error type.
func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// IsUniqueViolation reports whether err is a unique constraint violation (23505).
func IsUniqueViolation(err error) bool {
	return sqlState(err) == "23505"
}

// IsRetryable determines if an error is infrastructure-related (should retry)
// vs data-related (will fail again on the same input)
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if code := sqlState(err); len(code) == 5 {
		switch code[:2] {
		case "08": // Connection exceptions
			return true
		case "40": // Serialization failure, deadlock
			return true
		case "53": // Insufficient resources
			return true
		case "57": // Operator intervention, includes query_canceled
			return true
		case "58": // System errors
			return true
		case "22", "23", "42": // Bad data, constraint, syntax
			return false
		default:
			return true
		}
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"too many clients",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}

	return false
}
