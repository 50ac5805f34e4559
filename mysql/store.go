package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	outbox "github.com/velmie/offline-outbox"
)

const (
	defaultPurgeLimit = 10000
	placeholderGrowth = 2
)

// Executor allows enqueuing within an existing transaction.
type Executor interface {
	// ExecContext executes a statement with the provided context.
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store implements the outbox store on MySQL using polling + SKIP LOCKED.
type Store struct {
	db      *sql.DB
	cfg     Config
	queries queries
	table   string
}

var (
	_ outbox.Store          = (*Store)(nil)
	_ outbox.Consumer       = (*Store)(nil)
	_ outbox.PendingCounter = (*Store)(nil)
	_ outbox.Purger         = (*Store)(nil)
)

// NewStore constructs a MySQL store with validated configuration.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	table, err := sanitizeTableName(cfg.Table)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:      db,
		cfg:     cfg,
		queries: newQueries(table),
		table:   table,
	}, nil
}

// MustNewStore constructs a MySQL store or panics on error.
func MustNewStore(db *sql.DB, opts ...Option) *Store {
	store, err := NewStore(db, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

// Table returns the sanitized table name.
func (s *Store) Table() string {
	return s.table
}

// Put upserts sub. A resubmitted ID replaces the stored row and resets it to pending.
func (s *Store) Put(ctx context.Context, sub outbox.Submission) error {
	return s.PutWith(ctx, s.db, sub)
}

// PutWith upserts sub using the provided executor (transaction preferred).
func (s *Store) PutWith(ctx context.Context, exec Executor, sub outbox.Submission) error {
	if exec == nil {
		return ErrExecutorRequired
	}
	if sub.ID.IsZero() {
		return outbox.ErrInvalidID
	}
	if err := sub.Validate(); err != nil {
		return err
	}

	created := sub.Timestamp
	if created.IsZero() {
		created = s.cfg.Clock.Now()
	}

	if _, err := exec.ExecContext(
		ctx,
		s.queries.upsert,
		sub.ID,
		sub.URL,
		string(sub.Body),
		created.UTC(),
		outbox.StatusPending,
	); err != nil {
		return aborted("upsert", err)
	}

	return nil
}

// Get returns the stored submission or outbox.ErrNotFound.
func (s *Store) Get(ctx context.Context, id outbox.ID) (outbox.Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx, s.queries.selectOne, id))
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Submission{}, fmt.Errorf("outbox mysql: get %s: %w", id, outbox.ErrNotFound)
	}
	if err != nil {
		return outbox.Submission{}, aborted("get", err)
	}

	return sub, nil
}

// Delete removes the submission. A missing ID is not an error.
func (s *Store) Delete(ctx context.Context, id outbox.ID) error {
	if _, err := s.db.ExecContext(ctx, s.queries.deleteOne, id); err != nil {
		return aborted("delete", err)
	}

	return nil
}

// Count returns the number of pending submissions. Dead submissions are not counted.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, s.queries.countPending, outbox.StatusPending).Scan(&count); err != nil {
		return 0, aborted("pending count", err)
	}

	return count, nil
}

// Fetch locks and returns a batch of pending submissions using READ COMMITTED + SKIP LOCKED.
func (s *Store) Fetch(ctx context.Context, opts outbox.FetchOptions) (outbox.Batch, error) {
	if opts.BatchSize <= 0 {
		return nil, outbox.ErrInvalidBatchSize
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, aborted("begin tx", err)
	}

	records, err := s.selectBatch(ctx, tx, opts)
	if err != nil {
		rollbackErr := tx.Rollback()

		return nil, errors.Join(err, rollbackErr)
	}
	if len(records) == 0 {
		_ = tx.Rollback()

		return nil, outbox.ErrNoRecords
	}

	return &batch{tx: tx, store: s, records: records}, nil
}

// PurgeDead deletes at most limit dead submissions last updated at or before the cutoff.
// A zero limit applies the default.
func (s *Store) PurgeDead(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit < 0 {
		return 0, ErrPurgeLimitInvalid
	}
	if limit == 0 {
		limit = defaultPurgeLimit
	}

	res, err := s.db.ExecContext(ctx, s.queries.purgeDead, outbox.StatusDead, before.UTC(), limit)
	if err != nil {
		return 0, aborted("purge delete", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, aborted("purge rows", err)
	}

	return affected, nil
}

func (s *Store) selectBatch(ctx context.Context, tx *sql.Tx, opts outbox.FetchOptions) ([]outbox.Submission, error) {
	rows, err := tx.QueryContext(ctx, s.queries.selectPending, outbox.StatusPending, opts.BatchSize)
	if err != nil {
		return nil, aborted("select", err)
	}
	defer rows.Close()

	records := make([]outbox.Submission, 0, opts.BatchSize)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, aborted("scan", err)
		}
		records = append(records, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, aborted("rows", err)
	}

	return records, nil
}

func (s *Store) ack(ctx context.Context, tx *sql.Tx, ids []outbox.ID) error {
	if len(ids) == 0 {
		return nil
	}

	query := buildAckQuery(s.table, len(ids))
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return aborted("ack delete", err)
	}

	return nil
}

func (s *Store) fail(ctx context.Context, tx *sql.Tx, failures []outbox.Failure) error {
	for _, failure := range failures {
		if _, err := tx.ExecContext(
			ctx,
			s.queries.updateFailureOne,
			outbox.ErrorText(failure.Err),
			s.cfg.MaxAttempts,
			outbox.StatusDead,
			outbox.StatusPending,
			failure.ID,
		); err != nil {
			return aborted("fail update", err)
		}
	}

	return nil
}

func (s *Store) dead(ctx context.Context, tx *sql.Tx, failures []outbox.Failure) error {
	for _, failure := range failures {
		if _, err := tx.ExecContext(
			ctx,
			s.queries.updateDeadOne,
			outbox.ErrorText(failure.Err),
			outbox.StatusDead,
			failure.ID,
		); err != nil {
			return aborted("dead update", err)
		}
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (outbox.Submission, error) {
	var (
		sub       outbox.Submission
		body      []byte
		createdAt time.Time
		lastError sql.NullString
	)
	if err := row.Scan(&sub.ID, &sub.URL, &body, &createdAt, &sub.Status, &sub.Attempts, &lastError); err != nil {
		return outbox.Submission{}, err
	}
	sub.Body = body
	sub.Timestamp = createdAt.UTC()
	sub.LastError = lastError.String

	return sub, nil
}

func buildAckQuery(table string, count int) string {
	placeholders := makePlaceholders(count)

	return fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", table, placeholders)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}

	buf := make([]byte, 0, count*placeholderGrowth)
	for i := 0; i < count; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '?')
	}

	return string(buf)
}
