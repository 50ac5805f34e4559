package outbox

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable indicates that no usable persistent store could be opened.
	ErrStorageUnavailable = errors.New("outbox storage unavailable")
	// ErrTransactionAborted indicates that a store read or write transaction failed.
	ErrTransactionAborted = errors.New("outbox transaction aborted")
	// ErrServerRejected matches any *ServerRejectedError.
	ErrServerRejected = errors.New("outbox submission rejected by server")
	// ErrTransientNetwork indicates that a request could not be sent or completed.
	ErrTransientNetwork = errors.New("outbox transient network failure")
	// ErrNotFound is returned when a submission does not exist.
	ErrNotFound = errors.New("outbox submission not found")
	// ErrInvalidBatchSize indicates that the requested batch size is not positive.
	ErrInvalidBatchSize = errors.New("outbox batch size must be positive")
	// ErrNoRecords signals that no submissions are available for replay.
	ErrNoRecords = errors.New("outbox has no pending records")
	// ErrNilBatch indicates that a consumer returned a nil batch.
	ErrNilBatch = errors.New("outbox batch is nil")
	// ErrEmptyBatch indicates that a consumer returned a batch with no records.
	ErrEmptyBatch = errors.New("outbox batch has no records")
	// ErrURLRequired is returned when Submission.URL is empty.
	ErrURLRequired = errors.New("outbox submission url is required")
	// ErrBodyRequired is returned when Submission.Body is empty.
	ErrBodyRequired = errors.New("outbox submission body is required")
	// ErrInvalidBody is returned when Submission.Body is not a JSON object.
	ErrInvalidBody = errors.New("outbox submission body must be a JSON object")
	// ErrInvalidID is returned when parsing or scanning an ID fails.
	ErrInvalidID = errors.New("outbox id is invalid")
	// ErrWorkerPanic indicates a replay worker panic.
	ErrWorkerPanic = errors.New("outbox worker panic")
)

// ServerRejectedError is a definitive non-2xx response from the delivery endpoint.
type ServerRejectedError struct {
	Status  int
	Message string
}

// Error implements error.
func (e *ServerRejectedError) Error() string {
	return fmt.Sprintf("outbox: server rejected submission with status %d: %s", e.Status, e.Message)
}

// Is reports whether target is ErrServerRejected.
func (e *ServerRejectedError) Is(target error) bool {
	return target == ErrServerRejected
}

// Retryable reports whether the status suggests the server may accept the request later.
func (e *ServerRejectedError) Retryable() bool {
	switch {
	case e.Status >= 500:
		return true
	case e.Status == 408, e.Status == 429:
		return true
	default:
		return false
	}
}
