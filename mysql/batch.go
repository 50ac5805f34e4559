package mysql

import (
	"context"
	"database/sql"
	"errors"

	outbox "github.com/velmie/offline-outbox"
)

// batch is a replay claim on pending submissions. The rows stay locked
// FOR UPDATE inside tx, so other replicas skip them, until Commit applies the
// deletes, attempt bumps and dead letters or Rollback hands them back.
type batch struct {
	tx      *sql.Tx
	store   *Store
	records []outbox.Submission
}

var _ outbox.DeadBatch = (*batch)(nil)

// Records returns the claimed submissions, oldest first.
func (b *batch) Records() []outbox.Submission {
	return b.records
}

// Ack deletes delivered submissions.
func (b *batch) Ack(ctx context.Context, ids []outbox.ID) error {
	return b.store.ack(ctx, b.tx, ids)
}

// Fail records failures and updates retry state for each submission.
func (b *batch) Fail(ctx context.Context, failures []outbox.Failure) error {
	return b.store.fail(ctx, b.tx, failures)
}

// Dead marks the provided submissions as dead.
func (b *batch) Dead(ctx context.Context, failures []outbox.Failure) error {
	return b.store.dead(ctx, b.tx, failures)
}

// Commit applies the replay outcome and releases the row locks.
func (b *batch) Commit() error {
	return b.tx.Commit()
}

// Rollback leaves every submission pending as it was fetched.
func (b *batch) Rollback() error {
	err := b.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}

	return err
}
