package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	outbox "github.com/velmie/offline-outbox"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

const (
	driverName = "sqlite"
	dirPerm    = 0o750

	columns = "id, url, body, created_at, status, attempts, last_error"

	upsertQuery = "INSERT INTO submissions (id, url, body, created_at, updated_at, status, attempts, last_error) " +
		"VALUES (?, ?, ?, ?, ?, ?, 0, NULL) " +
		"ON CONFLICT(id) DO UPDATE SET url = excluded.url, body = excluded.body, created_at = excluded.created_at, " +
		"updated_at = excluded.updated_at, status = excluded.status, attempts = 0, last_error = NULL"
	getQuery     = "SELECT " + columns + " FROM submissions WHERE id = ?"
	pendingQuery = "SELECT " + columns + " FROM submissions WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?"
	countQuery   = "SELECT COUNT(*) FROM submissions WHERE status = ?"
	deleteQuery  = "DELETE FROM submissions WHERE id = ?"
	// SET expressions read the row as it was before the update.
	failQuery = "UPDATE submissions SET attempts = attempts + 1, last_error = ?, updated_at = ?, " +
		"status = CASE WHEN attempts + 1 >= ? THEN ? ELSE status END WHERE id = ?"
	deadQuery  = "UPDATE submissions SET attempts = attempts + 1, last_error = ?, updated_at = ?, status = ? WHERE id = ?"
	purgeQuery = "DELETE FROM submissions WHERE id IN (" +
		"SELECT id FROM submissions WHERE status = ? AND updated_at <= ? ORDER BY updated_at ASC, id ASC LIMIT ?)"
)

// Store implements the outbox store on a SQLite file.
type Store struct {
	db      *sql.DB
	cfg     Config
	path    string
	version uint
	// claim holds a token while a batch is outstanding.
	claim     chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var (
	_ outbox.Store          = (*Store)(nil)
	_ outbox.Consumer       = (*Store)(nil)
	_ outbox.PendingCounter = (*Store)(nil)
	_ outbox.Purger         = (*Store)(nil)
)

// Open opens or creates the store at path and applies schema migrations.
// Any failure wraps outbox.ErrStorageUnavailable.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrPathRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, unavailable("create directory", err)
	}

	db, err := sql.Open(driverName, dataSourceName(path, cfg.BusyTimeout))
	if err != nil {
		return nil, unavailable("open", err)
	}
	// One connection serialises writers inside the process and keeps pragmas in effect.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, unavailable("open", err)
	}

	version, err := migrateUp(db)
	if err != nil {
		_ = db.Close()

		return nil, unavailable("migrate", err)
	}
	cfg.Logger.Debug("outbox sqlite store opened", "path", path, "schema_version", version)

	return &Store{
		db:      db,
		cfg:     cfg,
		path:    path,
		version: version,
		claim:   make(chan struct{}, 1),
	}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// SchemaVersion returns the migration version applied by Open.
func (s *Store) SchemaVersion() uint {
	return s.version
}

// Put upserts sub. A resubmitted ID replaces the stored row and resets it to pending.
func (s *Store) Put(ctx context.Context, sub outbox.Submission) error {
	if sub.ID.IsZero() {
		return outbox.ErrInvalidID
	}
	if err := sub.Validate(); err != nil {
		return err
	}

	now := s.cfg.Clock.Now()
	created := sub.Timestamp
	if created.IsZero() {
		created = now
	}

	// A single statement runs in its own transaction.
	if _, err := s.db.ExecContext(
		ctx,
		upsertQuery,
		sub.ID.String(),
		sub.URL,
		[]byte(sub.Body),
		created.UnixNano(),
		now.UnixNano(),
		outbox.StatusPending,
	); err != nil {
		return aborted("put", err)
	}

	return nil
}

// Get returns the stored submission or outbox.ErrNotFound.
func (s *Store) Get(ctx context.Context, id outbox.ID) (outbox.Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx, getQuery, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Submission{}, fmt.Errorf("outbox sqlite: get %s: %w", id, outbox.ErrNotFound)
	}
	if err != nil {
		return outbox.Submission{}, aborted("get", err)
	}

	return sub, nil
}

// Count returns the number of pending submissions. Dead submissions are not counted.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, countQuery, outbox.StatusPending).Scan(&count); err != nil {
		return 0, aborted("count", err)
	}

	return count, nil
}

// Delete removes the submission. A missing ID is not an error.
func (s *Store) Delete(ctx context.Context, id outbox.ID) error {
	if _, err := s.db.ExecContext(ctx, deleteQuery, id.String()); err != nil {
		return aborted("delete", err)
	}

	return nil
}

// Fetch claims the oldest pending submissions. It waits while another batch is
// outstanding and returns outbox.ErrNoRecords when nothing is pending.
func (s *Store) Fetch(ctx context.Context, opts outbox.FetchOptions) (outbox.Batch, error) {
	if opts.BatchSize <= 0 {
		return nil, outbox.ErrInvalidBatchSize
	}

	select {
	case s.claim <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	records, err := s.selectPending(ctx, opts.BatchSize)
	if err != nil {
		s.release()

		return nil, err
	}
	if len(records) == 0 {
		s.release()

		return nil, outbox.ErrNoRecords
	}

	return &batch{store: s, records: records}, nil
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

	res, err := s.db.ExecContext(ctx, purgeQuery, outbox.StatusDead, before.UnixNano(), limit)
	if err != nil {
		return 0, aborted("purge", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, aborted("purge", err)
	}

	return affected, nil
}

// Close closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})

	return s.closeErr
}

func (s *Store) release() {
	<-s.claim
}

func (s *Store) selectPending(ctx context.Context, limit int) ([]outbox.Submission, error) {
	rows, err := s.db.QueryContext(ctx, pendingQuery, outbox.StatusPending, limit)
	if err != nil {
		return nil, aborted("select", err)
	}
	defer rows.Close()

	records := make([]outbox.Submission, 0, limit)
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

// apply writes the outcome of a batch in one transaction.
func (s *Store) apply(acked []outbox.ID, failed, dead []outbox.Failure) error {
	if len(acked)+len(failed)+len(dead) == 0 {
		return nil
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return aborted("begin", err)
	}

	now := s.cfg.Clock.Now().UnixNano()
	if err := s.applyTx(ctx, tx, now, acked, failed, dead); err != nil {
		return errors.Join(err, rollbackTx(tx))
	}
	if err := tx.Commit(); err != nil {
		return aborted("commit", err)
	}

	return nil
}

func (s *Store) applyTx(ctx context.Context, tx *sql.Tx, now int64, acked []outbox.ID, failed, dead []outbox.Failure) error {
	for _, id := range acked {
		if _, err := tx.ExecContext(ctx, deleteQuery, id.String()); err != nil {
			return aborted("ack", err)
		}
	}
	for _, failure := range failed {
		if _, err := tx.ExecContext(
			ctx,
			failQuery,
			outbox.ErrorText(failure.Err),
			now,
			s.cfg.MaxAttempts,
			outbox.StatusDead,
			failure.ID.String(),
		); err != nil {
			return aborted("fail", err)
		}
	}
	for _, failure := range dead {
		if _, err := tx.ExecContext(
			ctx,
			deadQuery,
			outbox.ErrorText(failure.Err),
			now,
			outbox.StatusDead,
			failure.ID.String(),
		); err != nil {
			return aborted("dead", err)
		}
	}

	return nil
}

func rollbackTx(tx *sql.Tx) error {
	err := tx.Rollback()
	if err == nil || errors.Is(err, sql.ErrTxDone) {
		return nil
	}

	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (outbox.Submission, error) {
	var (
		sub       outbox.Submission
		body      []byte
		createdAt int64
		lastError sql.NullString
	)
	if err := row.Scan(&sub.ID, &sub.URL, &body, &createdAt, &sub.Status, &sub.Attempts, &lastError); err != nil {
		return outbox.Submission{}, err
	}
	sub.Body = body
	sub.Timestamp = time.Unix(0, createdAt).UTC()
	sub.LastError = lastError.String

	return sub, nil
}

func dataSourceName(path string, busyTimeout time.Duration) string {
	query := url.Values{}
	query.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	query.Add("_pragma", "journal_mode(WAL)")
	query.Add("_pragma", "synchronous(NORMAL)")
	query.Add("_txlock", "immediate")

	return "file:" + path + "?" + query.Encode()
}
