package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	outbox "github.com/velmie/offline-outbox"
)

const (
	defaultPurgeEvery      = time.Hour
	defaultPurgeLockPrefix = "outbox:purge:"
)

// PurgeMaintainerConfig controls periodic removal of dead submissions.
type PurgeMaintainerConfig struct {
	// Table is the submissions table name. Use schema.table for non-default schema.
	Table string
	// Retention removes dead rows last updated before now-retention (required).
	Retention time.Duration
	// CheckEvery is the interval between purge runs.
	CheckEvery time.Duration
	// Limit caps the number of rows deleted per run (0 uses the default).
	Limit int
	// LockName is the advisory lock name. Defaults to outbox:purge:<table>.
	LockName string
	// Clock overrides time source (useful for tests).
	Clock outbox.Clock
	// Logger receives warnings about purge failures.
	Logger outbox.Logger
}

// PurgeMaintainer periodically deletes old dead submissions. Only one session
// across all replicas purges at a time.
type PurgeMaintainer struct {
	store *Store
	cfg   PurgeMaintainerConfig
}

// NewPurgeMaintainer creates a new purge maintainer with defaults applied.
func NewPurgeMaintainer(db *sql.DB, cfg PurgeMaintainerConfig) (*PurgeMaintainer, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if cfg.Retention <= 0 {
		return nil, ErrPurgeRetentionInvalid
	}
	if cfg.Clock == nil {
		cfg.Clock = outbox.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = outbox.NopLogger{}
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultPurgeEvery
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultPurgeLimit
	}
	if cfg.Limit < 0 {
		return nil, ErrPurgeLimitInvalid
	}

	store, err := NewStore(db, WithTable(cfg.Table), WithClock(cfg.Clock))
	if err != nil {
		return nil, err
	}
	cfg.Table = store.table
	if cfg.LockName == "" {
		cfg.LockName = defaultPurgeLockPrefix + cfg.Table
	}

	return &PurgeMaintainer{store: store, cfg: cfg}, nil
}

// Run purges on start and every CheckEvery until the context is canceled.
func (m *PurgeMaintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()

	m.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// Ensure executes a single purge pass and returns the number of deleted rows.
// It returns zero without error when another session holds the lock.
func (m *PurgeMaintainer) Ensure(ctx context.Context) (int64, error) {
	conn, err := m.store.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox mysql: purge conn failed: %w", err)
	}
	defer conn.Close()

	locked, err := m.tryLock(ctx, conn)
	if err != nil {
		return 0, err
	}
	if !locked {
		m.cfg.Logger.Debug("outbox purge lock held by another session", "lock", m.cfg.LockName)

		return 0, nil
	}
	defer m.releaseLock(ctx, conn)

	before := m.cfg.Clock.Now().Add(-m.cfg.Retention)

	return m.store.PurgeDead(ctx, before, m.cfg.Limit)
}

func (m *PurgeMaintainer) runOnce(ctx context.Context) {
	purged, err := m.Ensure(ctx)
	if err != nil {
		m.cfg.Logger.Warn("outbox purge failed", "err", err)

		return
	}
	if purged > 0 {
		m.cfg.Logger.Info("outbox purged dead submissions", "count", purged)
	}
}

func (m *PurgeMaintainer) tryLock(ctx context.Context, conn *sql.Conn) (bool, error) {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", m.cfg.LockName).Scan(&got); err != nil {
		return false, fmt.Errorf("outbox mysql: acquire purge lock failed: %w", err)
	}
	if !got.Valid || got.Int64 == 0 {
		return false, nil
	}

	return true, nil
}

func (m *PurgeMaintainer) releaseLock(ctx context.Context, conn *sql.Conn) {
	var released sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", m.cfg.LockName).Scan(&released); err != nil {
		m.cfg.Logger.Warn("outbox purge release lock failed", "err", err)
	}
}
