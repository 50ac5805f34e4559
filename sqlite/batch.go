package sqlite

import (
	"context"

	outbox "github.com/velmie/offline-outbox"
)

type batch struct {
	store   *Store
	records []outbox.Submission
	acked   []outbox.ID
	failed  []outbox.Failure
	dead    []outbox.Failure
	closed  bool
}

var _ outbox.DeadBatch = (*batch)(nil)

// Records returns the submissions claimed for this batch.
func (b *batch) Records() []outbox.Submission {
	return b.records
}

// Ack schedules delivered submissions for deletion.
func (b *batch) Ack(_ context.Context, ids []outbox.ID) error {
	if b.closed {
		return ErrBatchClosed
	}
	b.acked = append(b.acked, ids...)

	return nil
}

// Fail schedules an attempt increment for each failed submission.
func (b *batch) Fail(_ context.Context, failures []outbox.Failure) error {
	if b.closed {
		return ErrBatchClosed
	}
	b.failed = append(b.failed, failures...)

	return nil
}

// Dead schedules the submissions for dead-lettering.
func (b *batch) Dead(_ context.Context, failures []outbox.Failure) error {
	if b.closed {
		return ErrBatchClosed
	}
	b.dead = append(b.dead, failures...)

	return nil
}

// Commit applies the scheduled changes in one transaction and releases the claim.
func (b *batch) Commit() error {
	if b.closed {
		return ErrBatchClosed
	}
	defer b.close()

	return b.store.apply(b.acked, b.failed, b.dead)
}

// Rollback discards scheduled changes and releases the claim.
func (b *batch) Rollback() error {
	b.close()

	return nil
}

func (b *batch) close() {
	if b.closed {
		return
	}
	b.closed = true
	b.store.release()
}
