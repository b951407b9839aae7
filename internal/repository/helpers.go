package repository

import (
	"database/sql"
	"errors"
	"strings"
)

// HandleNotFound maps sql.ErrNoRows to a nil result so callers can pick
// their own not-found error.
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// isUniqueViolation matches the primary key error of both Postgres and
// SQLite.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint failed")
}
