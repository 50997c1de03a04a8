package db

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// PersistenceError marks a storage-layer failure during a write. The
// transaction it came from was rolled back, so the operation is safe to retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Op == "" {
		return "persistence error: " + e.Err.Error()
	}
	return "persistence error: " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError unless it is nil, a context
// cancellation, or already one.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pErr *PersistenceError
	if errors.As(err, &pErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

func IsPersistenceErr(err error) bool {
	var pErr *PersistenceError
	return errors.As(err, &pErr)
}

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}

	// MySQL (error code 1062)
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// SQLite (error code 2067)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsRetryableErr reports serialization failures, deadlocks and lock timeouts.
func IsRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "Error 1213")
}
