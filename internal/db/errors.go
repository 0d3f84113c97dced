package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"
)

// Sentinel errors for database operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrStorage indicates the vector store failed an operation after
	// exhausting its retry budget, or failed with a non-retryable error.
	ErrStorage = errors.New("storage error")

	// ErrStorageTimeout indicates no pooled connection became available within
	// the acquisition timeout. It also matches ErrStorage.
	ErrStorageTimeout = fmt.Errorf("%w: connection pool acquisition timed out", ErrStorage)

	// ErrPoolClosed indicates an acquisition on a closed pool. It also matches ErrStorage.
	ErrPoolClosed = fmt.Errorf("%w: connection pool closed", ErrStorage)

	// ErrAlreadyExists indicates a record with the same unique key already exists.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrTransactionConflict indicates a SurrealDB transaction conflict.
	// This occurs when concurrent operations modify the same records; it is retried.
	ErrTransactionConflict = errors.New("transaction conflict")
)

// wrapQueryError inspects a SurrealDB error and wraps it with the appropriate
// sentinel error if it's a known query error type. Returns the original error
// if it's not a QueryError or doesn't match known patterns.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}

	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		msg := queryErr.Message
		if strings.Contains(msg, "already exists") || strings.Contains(msg, "already contains") {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, msg)
		}
		if strings.Contains(msg, "Transaction conflict") {
			return fmt.Errorf("%w: %s", ErrTransactionConflict, msg)
		}
	}

	return err
}

// isTransient reports whether a failed store call is worth retrying.
// Query errors are the database rejecting the statement and will fail again,
// except for transaction conflicts. Everything else is treated as a
// connectivity problem.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTransactionConflict) {
		return true
	}
	if errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrPoolClosed) || errors.Is(err, ErrStorageTimeout) {
		return false
	}
	var queryErr *surrealdb.QueryError
	return !errors.As(err, &queryErr)
}

// storageError tags err with ErrStorage unless it already carries it.
func storageError(op string, err error) error {
	if errors.Is(err, ErrStorage) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
