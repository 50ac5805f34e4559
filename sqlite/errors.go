package sqlite

import (
	"errors"
	"fmt"

	outbox "github.com/velmie/offline-outbox"
)

var (
	// ErrPathRequired is returned when Open is called with an empty path.
	ErrPathRequired = errors.New("outbox sqlite: path is required")
	// ErrBatchClosed is returned when a committed or rolled back batch is used.
	ErrBatchClosed = errors.New("outbox sqlite: batch is closed")
	// ErrPurgeLimitInvalid is returned when the purge limit is negative.
	ErrPurgeLimitInvalid = errors.New("outbox sqlite: purge limit must be non-negative")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("outbox sqlite: %s: %w: %w", op, outbox.ErrStorageUnavailable, err)
}

func aborted(op string, err error) error {
	return fmt.Errorf("outbox sqlite: %s: %w: %w", op, outbox.ErrTransactionAborted, err)
}
