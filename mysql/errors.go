package mysql

import (
	"errors"
	"fmt"

	outbox "github.com/velmie/offline-outbox"
)

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("outbox mysql: db is required")
	// ErrExecutorRequired is returned when PutWith is called with a nil executor.
	ErrExecutorRequired = errors.New("outbox mysql: executor is required")
	// ErrTableNameRequired is returned when the table name is empty.
	ErrTableNameRequired = errors.New("outbox mysql: table name is required")
	// ErrInvalidTableName is returned when the table name has disallowed characters.
	ErrInvalidTableName = errors.New("outbox mysql: invalid table name")
	// ErrPurgeLimitInvalid is returned when the purge limit is negative.
	ErrPurgeLimitInvalid = errors.New("outbox mysql: purge limit must be non-negative")
	// ErrPurgeRetentionInvalid is returned when the purge retention is not positive.
	ErrPurgeRetentionInvalid = errors.New("outbox mysql: purge retention must be positive")
)

func aborted(op string, err error) error {
	return fmt.Errorf("outbox mysql: %s failed: %w: %w", op, outbox.ErrTransactionAborted, err)
}
