package outbox

import (
	"context"
	"errors"
	"sync"

	json "github.com/goccy/go-json"
)

const maxReconcileReads = 3

// Result is the outcome of Coordinator.Submit.
//
// {Success: true, Queued: false} means delivered, {Success: true, Queued: true} means
// saved and delivered later, {Success: false} means the caller must resubmit.
type Result struct {
	Success bool
	Queued  bool
	Err     error
}

// Error returns the failure message, or "" on success. Server rejections report
// the server's message rather than the wrapped error text.
func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}

	var rejected *ServerRejectedError
	if errors.As(r.Err, &rejected) {
		return rejected.Message
	}

	return r.Err.Error()
}

// State is the externally observable coordinator state.
type State struct {
	Online            bool
	PendingCount      int
	SyncedOfflineData bool
}

// Coordinator is the single entry point for submitting form bodies.
type Coordinator struct {
	store     Store
	monitor   *Monitor
	transport Deliverer
	url       string
	cfg       CoordinatorConfig

	mu       sync.Mutex
	pending  int
	enqueued uint64
	synced   bool

	subs      listeners[State]
	unsubs    []func()
	closeOnce sync.Once
}

// NewCoordinator wires a store, a connectivity monitor and a transport for url.
// It performs no I/O; call Reconcile to load the initial pending count.
func NewCoordinator(store Store, monitor *Monitor, transport Deliverer, url string, opts ...CoordinatorOption) *Coordinator {
	if store == nil {
		panic("outbox: nil Store")
	}
	if monitor == nil {
		panic("outbox: nil Monitor")
	}
	if transport == nil {
		panic("outbox: nil Deliverer")
	}

	var cfg CoordinatorConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	c := &Coordinator{
		store:     store,
		monitor:   monitor,
		transport: transport,
		url:       url,
		cfg:       cfg,
	}

	c.unsubs = append(c.unsubs, monitor.OnChange(c.onConnectivity))
	if cfg.Scheduler != nil {
		c.unsubs = append(c.unsubs, cfg.Scheduler.OnComplete(c.onReplayComplete))
	}

	return c
}

// Submit delivers body directly when online and queues it otherwise. A failed direct
// attempt is queued only when the request never completed or timed out.
// body may be a json.RawMessage, a []byte holding JSON, or any value encoding to a JSON object.
func (c *Coordinator) Submit(ctx context.Context, body any) Result {
	payload, err := encodeBody(body)
	if err != nil {
		return Result{Err: err}
	}

	id, err := c.cfg.Generator.New()
	if err != nil {
		return Result{Err: err}
	}

	sub := Submission{
		ID:        id,
		URL:       c.url,
		Body:      payload,
		Timestamp: c.cfg.Clock.Now(),
		Status:    StatusPending,
	}
	if err := sub.Validate(); err != nil {
		return Result{Err: err}
	}

	if c.monitor.IsOnline() {
		err := c.deliver(ctx, sub)
		if err == nil {
			c.cfg.Metrics.AddDelivered(1)

			return Result{Success: true}
		}

		var rejected *ServerRejectedError
		if errors.As(err, &rejected) {
			c.cfg.Metrics.AddRejected(1)
			c.cfg.Logger.Info("outbox submission rejected", "id", sub.ID, "status", rejected.Status)

			return Result{Err: err}
		}
		if !queueable(err) {
			c.cfg.Logger.Error("outbox direct delivery failed", "id", sub.ID, "err", err)

			return Result{Err: err}
		}

		c.cfg.Logger.Warn("outbox direct delivery failed; queuing", "id", sub.ID, "err", err)
	}

	return c.enqueue(ctx, sub)
}

// Reconcile re-reads the pending count from the store.
// A read that overlaps an enqueue is repeated; if enqueues keep racing it, the
// locally tracked count is kept.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	for attempt := 0; attempt < maxReconcileReads; attempt++ {
		c.mu.Lock()
		generation := c.enqueued
		c.mu.Unlock()

		count, err := c.store.Count(ctx)
		if err != nil {
			return err
		}

		c.mu.Lock()
		if c.enqueued != generation {
			c.mu.Unlock()

			continue
		}
		c.pending = count
		c.mu.Unlock()

		c.cfg.Metrics.SetPending(count)
		c.publish()

		return nil
	}

	c.cfg.Logger.Debug("outbox pending count kept; enqueues raced every store read")
	c.publish()

	return nil
}

// IsOnline reports the monitor's current state.
func (c *Coordinator) IsOnline() bool {
	return c.monitor.IsOnline()
}

// PendingCount returns the best-known number of queued submissions.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pending
}

// SyncedOfflineData reports whether a replay has delivered queued submissions.
func (c *Coordinator) SyncedOfflineData() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.synced
}

// State returns a snapshot of the observable fields.
func (c *Coordinator) State() State {
	online := c.monitor.IsOnline()

	c.mu.Lock()
	defer c.mu.Unlock()

	return State{Online: online, PendingCount: c.pending, SyncedOfflineData: c.synced}
}

// OnStateChange registers fn for state updates and returns an unsubscribe function.
func (c *Coordinator) OnStateChange(fn func(State)) func() {
	return c.subs.add(fn)
}

// Close detaches the coordinator from the monitor and the replay scheduler.
// It does not close the store.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		for _, unsubscribe := range c.unsubs {
			unsubscribe()
		}
	})
}

func (c *Coordinator) deliver(ctx context.Context, sub Submission) error {
	if c.cfg.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DeliveryTimeout)
		defer cancel()
	}

	return c.transport.Deliver(ctx, sub)
}

func (c *Coordinator) enqueue(ctx context.Context, sub Submission) Result {
	if err := c.store.Put(context.WithoutCancel(ctx), sub); err != nil {
		c.cfg.Logger.Error("outbox enqueue failed", "id", sub.ID, "err", err)

		return Result{Err: err}
	}

	c.mu.Lock()
	c.pending++
	c.enqueued++
	pending := c.pending
	c.mu.Unlock()

	c.cfg.Metrics.AddQueued(1)
	c.cfg.Metrics.SetPending(pending)
	c.publish()

	if c.cfg.Scheduler != nil {
		if err := c.cfg.Scheduler.RequestReplay(c.cfg.ReplayTag); err != nil {
			c.cfg.Logger.Warn("outbox replay request failed", "tag", c.cfg.ReplayTag, "err", err)
		}
	}

	return Result{Success: true, Queued: true}
}

func (c *Coordinator) onConnectivity(online bool) {
	if !online {
		c.publish()

		return
	}
	c.reconcileAfter("reconnect")
}

func (c *Coordinator) onReplayComplete(report ReplayReport) {
	if report.Delivered > 0 {
		c.mu.Lock()
		c.synced = true
		c.mu.Unlock()
	}
	c.reconcileAfter(report.Tag)
}

func (c *Coordinator) reconcileAfter(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReconcileTimeout)
	defer cancel()

	if err := c.Reconcile(ctx); err != nil {
		c.cfg.Logger.Warn("outbox pending count reconcile failed", "reason", reason, "err", err)
		c.publish()
	}
}

func (c *Coordinator) publish() {
	c.subs.emit(c.State())
}

// queueable reports whether a failed direct delivery may be saved for replay:
// the request never completed or the delivery timeout fired.
func queueable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) || errors.Is(err, context.DeadlineExceeded)
}

func encodeBody(body any) (json.RawMessage, error) {
	var raw []byte
	switch value := body.(type) {
	case nil:
		return nil, ErrBodyRequired
	case json.RawMessage:
		raw = value
	case []byte:
		raw = value
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Join(ErrInvalidBody, err)
		}
		raw = encoded
	}
	if err := ValidateBody(raw); err != nil {
		return nil, err
	}

	out := make(json.RawMessage, len(raw))
	copy(out, raw)

	return out, nil
}
