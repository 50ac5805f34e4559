package outbox

import (
	"context"
	"time"
)

// Store persists pending submissions keyed by ID.
type Store interface {
	PendingCounter
	// Put upserts the submission inside a single write transaction.
	Put(ctx context.Context, sub Submission) error
	// Delete removes the submission, deleting a missing ID is not an error.
	Delete(ctx context.Context, id ID) error
}

// PendingCounter provides the number of pending submissions.
type PendingCounter interface {
	// Count returns the number of pending (not dead) submissions.
	Count(ctx context.Context) (int, error)
}

// FetchOptions controls how pending submissions are selected for replay.
type FetchOptions struct {
	BatchSize int
}

// Consumer provides claimed batches of pending submissions.
type Consumer interface {
	// Fetch returns the oldest pending submissions claimed for replay.
	// It returns ErrNoRecords when nothing is pending.
	Fetch(ctx context.Context, opts FetchOptions) (Batch, error)
}

// Batch represents a claimed set of submissions fetched for replay.
type Batch interface {
	// Records returns the fetched submissions in replay order.
	Records() []Submission
	// Ack removes delivered submissions.
	Ack(ctx context.Context, ids []ID) error
	// Fail records failures and updates retry state for each submission.
	Fail(ctx context.Context, failures []Failure) error
	// Commit applies the batch atomically and releases the claim.
	Commit() error
	// Rollback releases the claim without applying any changes.
	Rollback() error
}

// DeadBatch supports immediate dead-lettering of submissions.
type DeadBatch interface {
	// Dead marks the provided submissions as non retryable failures.
	Dead(ctx context.Context, failures []Failure) error
}

// Purger removes dead-lettered submissions.
type Purger interface {
	// PurgeDead deletes at most limit dead submissions last updated before the cutoff.
	PurgeDead(ctx context.Context, before time.Time, limit int) (int64, error)
}
