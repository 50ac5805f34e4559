package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"
)

// ManualReplayTag names replays run through ProcessOnce.
const ManualReplayTag = "manual"

// FailureHandler is called when a replay delivery returns an error.
type FailureHandler func(ctx context.Context, sub Submission, err error)

// ReplayReport summarises one replay pass.
type ReplayReport struct {
	Tag       string
	Delivered int
	Retried   int
	Dead      int
	Deferred  int
}

// Touched reports whether the pass changed any stored submission.
func (r ReplayReport) Touched() bool {
	return r.Delivered+r.Retried+r.Dead > 0
}

func (r *ReplayReport) add(outcome batchOutcome) {
	r.Delivered += len(outcome.successful)
	r.Retried += len(outcome.failed)
	r.Dead += len(outcome.dead)
	r.Deferred += outcome.deferred
}

// ReplayScheduler runs deferred deliveries once connectivity allows.
type ReplayScheduler interface {
	// RequestReplay asks for a replay pass. Requests coalesce while one is queued.
	RequestReplay(tag string) error
	// OnComplete registers fn for replay reports and returns an unsubscribe function.
	OnComplete(fn func(ReplayReport)) (unsubscribe func())
}

// Replayer drains a Consumer through a Deliverer. It is the ReplayScheduler
// backing for hosts without a native background sync facility.
type Replayer struct {
	consumer  Consumer
	deliverer Deliverer
	cfg       ReplayConfig
	limiter   *rate.Limiter
	wake      chan string
	subs      listeners[ReplayReport]

	pendingMu sync.Mutex
	pendingAt time.Time
}

var _ ReplayScheduler = (*Replayer)(nil)

type batchOutcome struct {
	successful []ID
	failed     []Failure
	dead       []Failure
	deferred   int
}

// NewReplayer constructs a Replayer with defaults and optional settings.
func NewReplayer(consumer Consumer, deliverer Deliverer, opts ...ReplayOption) *Replayer {
	if consumer == nil {
		panic("outbox: nil Consumer")
	}
	if deliverer == nil {
		panic("outbox: nil Deliverer")
	}

	var cfg ReplayConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	return &Replayer{
		consumer:  consumer,
		deliverer: deliverer,
		cfg:       cfg,
		limiter:   rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		wake:      make(chan string, 1),
	}
}

// RequestReplay implements ReplayScheduler.
func (r *Replayer) RequestReplay(tag string) error {
	if tag == "" {
		tag = DefaultReplayTag
	}
	select {
	case r.wake <- tag:
	default:
	}

	return nil
}

// OnComplete implements ReplayScheduler. fn runs on the replay worker goroutine.
func (r *Replayer) OnComplete(fn func(ReplayReport)) func() {
	return r.subs.add(fn)
}

// Run drains pending submissions on start, on every replay request, on reconnection
// and every poll interval, until ctx is canceled.
func (r *Replayer) Run(ctx context.Context) error {
	if r.cfg.Monitor != nil {
		unsubscribe := r.cfg.Monitor.OnChange(func(online bool) {
			if online {
				_ = r.RequestReplay(ReconnectReplayTag)
			}
		})
		defer unsubscribe()
	}

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	for i := 0; i < r.cfg.Workers; i++ {
		workerID := i
		p.Go(func(ctx context.Context) error {
			err := r.runWorkerSafe(ctx, workerID)
			if err == nil || ctx.Err() != nil {
				return nil
			}
			r.cfg.Logger.Error("outbox replay worker error", "worker", workerID, "err", err)

			return err
		})
	}

	if err := p.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// ProcessOnce fetches and replays a single batch.
func (r *Replayer) ProcessOnce(ctx context.Context) (ReplayReport, error) {
	report := ReplayReport{Tag: ManualReplayTag}

	outcome, err := r.processNext(ctx)
	if err != nil {
		if errors.Is(err, ErrNoRecords) {
			r.maybeRecordPending(ctx)

			return report, nil
		}

		return report, err
	}

	report.add(outcome)
	if report.Touched() {
		r.subs.emit(report)
	}

	return report, nil
}

func (r *Replayer) runWorkerSafe(ctx context.Context, workerID int) (err error) {
	if rec := panics.Try(func() { err = r.runWorker(ctx) }); rec != nil {
		r.cfg.Logger.Error("outbox replay worker panic", "worker", workerID, "panic", rec.Value)

		return fmt.Errorf("%w: %v", ErrWorkerPanic, rec.Value)
	}

	return err
}

func (r *Replayer) runWorker(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = r.cfg.RetryInitial
	retry.MaxInterval = r.cfg.RetryMax

	tag := PollReplayTag
	for {
		if r.online() {
			report, err := r.drain(ctx, tag)
			if report.Touched() {
				r.subs.emit(report)
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				delay := retry.NextBackOff()
				if delay == backoff.Stop {
					delay = r.cfg.RetryMax
				}
				r.cfg.Logger.Warn("outbox replay pass failed", "tag", tag, "err", err, "retry_in", delay)
				if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
					return sleepErr
				}

				continue
			}
			retry.Reset()
		}

		next, err := r.wait(ctx)
		if err != nil {
			return err
		}
		tag = next
	}
}

// drain replays batches until the consumer is empty, connectivity is lost, or a
// batch leaves submissions pending for a later pass.
func (r *Replayer) drain(ctx context.Context, tag string) (ReplayReport, error) {
	report := ReplayReport{Tag: tag}
	for r.online() {
		outcome, err := r.processNext(ctx)
		if err != nil {
			if errors.Is(err, ErrNoRecords) {
				r.maybeRecordPending(ctx)

				return report, nil
			}

			return report, err
		}

		report.add(outcome)
		if len(outcome.failed) > 0 || outcome.deferred > 0 {
			return report, nil
		}
	}

	return report, nil
}

func (r *Replayer) processNext(ctx context.Context) (batchOutcome, error) {
	batch, err := r.consumer.Fetch(ctx, FetchOptions{BatchSize: r.cfg.BatchSize})
	if err != nil {
		return batchOutcome{}, err
	}

	return r.processBatch(ctx, batch)
}

func (r *Replayer) processBatch(ctx context.Context, batch Batch) (batchOutcome, error) {
	start := time.Now()
	defer func() {
		r.cfg.Metrics.ObserveBatchDuration(time.Since(start))
	}()

	if batch == nil {
		return batchOutcome{}, ErrNilBatch
	}

	records := batch.Records()
	if len(records) == 0 {
		rollbackErr := batch.Rollback()

		return batchOutcome{}, errors.Join(ErrEmptyBatch, rollbackErr)
	}

	outcome, err := r.collectBatchResults(ctx, records)
	if err != nil {
		return batchOutcome{}, r.rollbackWith(batch, err)
	}

	if err := r.applyBatchResults(ctx, batch, outcome); err != nil {
		return batchOutcome{}, err
	}

	return outcome, nil
}

func (r *Replayer) collectBatchResults(ctx context.Context, records []Submission) (batchOutcome, error) {
	outcome := batchOutcome{
		successful: make([]ID, 0, len(records)),
		failed:     make([]Failure, 0),
		dead:       make([]Failure, 0),
	}
	for i := range records {
		record := records[i]
		if err := r.limiter.Wait(ctx); err != nil {
			return outcome, err
		}

		handleCtx := ctx
		cancel := func() {}
		if r.cfg.HandlerTimeout > 0 {
			handleCtx, cancel = context.WithTimeout(ctx, r.cfg.HandlerTimeout)
		}
		err := r.deliverer.Deliver(handleCtx, record)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return outcome, ctx.Err()
			}
			if r.recordFailure(ctx, record, err, &outcome) == FailureDefer {
				outcome.deferred = len(records) - i

				break
			}

			continue
		}
		outcome.successful = append(outcome.successful, record.ID)
	}

	return outcome, nil
}

func (r *Replayer) recordFailure(ctx context.Context, record Submission, err error, outcome *batchOutcome) FailureAction {
	if r.cfg.ErrorHandler != nil {
		r.cfg.ErrorHandler(ctx, record, err)
	}

	action := r.cfg.FailureClassifier(ctx, record, err)
	switch action {
	case FailureDead:
		outcome.dead = append(outcome.dead, Failure{ID: record.ID, Err: err})
	case FailureDefer:
		r.cfg.Logger.Debug("outbox replay deferred", "id", record.ID, "err", err)
	default:
		outcome.failed = append(outcome.failed, Failure{ID: record.ID, Err: err})
	}

	return action
}

func (r *Replayer) applyBatchResults(ctx context.Context, batch Batch, outcome batchOutcome) error {
	if len(outcome.successful) > 0 {
		if err := batch.Ack(ctx, outcome.successful); err != nil {
			return r.rollbackWith(batch, fmt.Errorf("outbox ack failed: %w", err))
		}
	}
	if len(outcome.failed) > 0 {
		if err := batch.Fail(ctx, outcome.failed); err != nil {
			return r.rollbackWith(batch, fmt.Errorf("outbox fail update failed: %w", err))
		}
	}
	if len(outcome.dead) > 0 {
		if err := r.handleDead(ctx, batch, outcome.dead); err != nil {
			return err
		}
	}

	if err := batch.Commit(); err != nil {
		return r.rollbackWith(batch, fmt.Errorf("outbox commit failed: %w", err))
	}

	r.cfg.Metrics.AddReplayed(len(outcome.successful))
	r.cfg.Metrics.AddRetries(len(outcome.failed))
	r.cfg.Metrics.AddDead(len(outcome.dead))

	return nil
}

func (r *Replayer) handleDead(ctx context.Context, batch Batch, dead []Failure) error {
	deadBatch, ok := batch.(DeadBatch)
	if ok {
		if err := deadBatch.Dead(ctx, dead); err != nil {
			return r.rollbackWith(batch, fmt.Errorf("outbox dead-letter update failed: %w", err))
		}

		return nil
	}

	r.cfg.Logger.Warn("outbox batch does not support dead-lettering; falling back to retry", "count", len(dead))
	if err := batch.Fail(ctx, dead); err != nil {
		return r.rollbackWith(batch, fmt.Errorf("outbox dead-letter fallback failed: %w", err))
	}

	return nil
}

func (r *Replayer) rollbackWith(batch Batch, err error) error {
	rollbackErr := batch.Rollback()
	if rollbackErr == nil {
		return err
	}

	return errors.Join(err, fmt.Errorf("outbox rollback failed: %w", rollbackErr))
}

func (r *Replayer) online() bool {
	if r.cfg.Monitor == nil {
		return true
	}

	return r.cfg.Monitor.IsOnline()
}

func (r *Replayer) wait(ctx context.Context) (string, error) {
	timer := time.NewTimer(r.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case tag := <-r.wake:
		return tag, nil
	case <-timer.C:
		return PollReplayTag, nil
	}
}

func (r *Replayer) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Replayer) maybeRecordPending(ctx context.Context) {
	counter, ok := r.consumer.(PendingCounter)
	if !ok {
		return
	}
	if r.cfg.PendingInterval <= 0 {
		return
	}
	if ctx.Err() != nil {
		return
	}

	now := r.cfg.Clock.Now()
	r.pendingMu.Lock()
	nextAllowed := r.pendingAt.Add(r.cfg.PendingInterval)
	if !r.pendingAt.IsZero() && now.Before(nextAllowed) {
		r.pendingMu.Unlock()

		return
	}
	r.pendingAt = now
	r.pendingMu.Unlock()

	count, err := counter.Count(ctx)
	if err != nil {
		r.cfg.Logger.Warn("outbox pending count failed", "err", err)

		return
	}

	r.cfg.Metrics.SetPending(count)
}
