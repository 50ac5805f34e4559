package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
)

const contactURL = "https://api.example.com/contact"

type memStore struct {
	mu      sync.Mutex
	records map[ID]Submission
	putErr  error
	puts    int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[ID]Submission)}
}

func (s *memStore) Put(_ context.Context, sub Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.putErr != nil {
		return s.putErr
	}
	s.records[sub.ID] = sub
	return nil
}

func (s *memStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, sub := range s.records {
		if sub.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

func (s *memStore) Delete(_ context.Context, id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *memStore) only(t *testing.T) Submission {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(s.records))
	}
	for _, sub := range s.records {
		return sub
	}
	return Submission{}
}

type recordingDeliverer struct {
	mu    sync.Mutex
	err   error
	subs  []Submission
	block bool
}

func (d *recordingDeliverer) Deliver(ctx context.Context, sub Submission) error {
	d.mu.Lock()
	d.subs = append(d.subs, sub)
	block, err := d.block, d.err
	d.mu.Unlock()
	if block {
		<-ctx.Done()
		return fmt.Errorf("%w: %w", ErrTransientNetwork, ctx.Err())
	}
	return err
}

type fakeScheduler struct {
	mu       sync.Mutex
	tags     []string
	err      error
	listener listeners[ReplayReport]
}

func (s *fakeScheduler) RequestReplay(tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = append(s.tags, tag)
	return s.err
}

func (s *fakeScheduler) OnComplete(fn func(ReplayReport)) func() {
	return s.listener.add(fn)
}

type countingMetrics struct {
	NopMetrics
	delivered, queued, rejected, pending int
}

func (m *countingMetrics) AddDelivered(n int) { m.delivered += n }
func (m *countingMetrics) AddQueued(n int)    { m.queued += n }
func (m *countingMetrics) AddRejected(n int)  { m.rejected += n }
func (m *countingMetrics) SetPending(n int)   { m.pending = n }

func newTestCoordinator(online bool, store Store, transport Deliverer, opts ...CoordinatorOption) (*Coordinator, *ManualSource) {
	source := NewManualSource(online)
	coordinator := NewCoordinator(store, NewMonitor(source), transport, contactURL, opts...)
	return coordinator, source
}

func TestCoordinatorOfflineQueuesSubmission(t *testing.T) {
	store := newMemStore()
	transport := &recordingDeliverer{}
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	coordinator, _ := newTestCoordinator(false, store, transport, WithCoordinatorClock(fixedClock{now: now}))

	before, _ := store.Count(context.Background())
	result := coordinator.Submit(context.Background(), map[string]any{"name": "Ada", "email": "ada@example.com"})

	if !result.Success || !result.Queued || result.Err != nil {
		t.Fatalf("expected queued success, got %+v", result)
	}
	after, _ := store.Count(context.Background())
	if after != before+1 {
		t.Fatalf("expected count to grow by 1, got %d -> %d", before, after)
	}
	if len(transport.subs) != 0 {
		t.Fatalf("expected no delivery attempt while offline")
	}

	sub := store.only(t)
	var body map[string]any
	if err := sub.Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"name": "Ada", "email": "ada@example.com"}, body); diff != "" {
		t.Fatalf("body mismatch (-want +got):\n%s", diff)
	}
	if sub.URL != contactURL || !sub.Timestamp.Equal(now) || sub.ID.IsZero() {
		t.Fatalf("unexpected record %+v", sub)
	}
	if coordinator.PendingCount() != 1 {
		t.Fatalf("expected pending count 1, got %d", coordinator.PendingCount())
	}
}

func TestCoordinatorOfflineFallbackAlwaysPersistsOneRecord(t *testing.T) {
	store := newMemStore()
	coordinator, _ := newTestCoordinator(false, store, &recordingDeliverer{})

	for i := 1; i <= 5; i++ {
		result := coordinator.Submit(context.Background(), map[string]int{"a": 1})
		if !result.Success || !result.Queued {
			t.Fatalf("submit %d: expected queued success, got %+v", i, result)
		}
		count, _ := store.Count(context.Background())
		if count != i {
			t.Fatalf("submit %d: expected %d records, got %d", i, i, count)
		}
	}
}

func TestCoordinatorOnlineDeliveryBypassesStore(t *testing.T) {
	store := newMemStore()
	transport := &recordingDeliverer{}
	metrics := &countingMetrics{}
	coordinator, _ := newTestCoordinator(true, store, transport, WithCoordinatorMetrics(metrics))

	result := coordinator.Submit(context.Background(), json.RawMessage(`{"name":"Ada"}`))
	if !result.Success || result.Queued {
		t.Fatalf("expected direct success, got %+v", result)
	}
	if store.puts != 0 {
		t.Fatalf("expected no store writes, got %d", store.puts)
	}
	if len(transport.subs) != 1 || transport.subs[0].URL != contactURL {
		t.Fatalf("expected one delivery to %s", contactURL)
	}
	if metrics.delivered != 1 || metrics.queued != 0 {
		t.Fatalf("unexpected metrics %+v", metrics)
	}
}

func TestCoordinatorServerRejectionIsNotQueued(t *testing.T) {
	store := newMemStore()
	transport := &recordingDeliverer{err: &ServerRejectedError{Status: 422, Message: "email is invalid"}}
	scheduler := &fakeScheduler{}
	metrics := &countingMetrics{}
	coordinator, _ := newTestCoordinator(true, store, transport, WithScheduler(scheduler), WithCoordinatorMetrics(metrics))

	result := coordinator.Submit(context.Background(), map[string]string{"email": "nope"})
	if result.Success || result.Queued {
		t.Fatalf("expected rejection, got %+v", result)
	}
	if !errors.Is(result.Err, ErrServerRejected) {
		t.Fatalf("expected ErrServerRejected, got %v", result.Err)
	}
	if result.Error() != "email is invalid" {
		t.Fatalf("expected server message, got %q", result.Error())
	}
	if store.puts != 0 {
		t.Fatalf("expected zero persisted records, got %d", store.puts)
	}
	if len(scheduler.tags) != 0 {
		t.Fatalf("expected no replay request")
	}
	if metrics.rejected != 1 {
		t.Fatalf("expected rejected metric")
	}
}

func TestCoordinatorTransientFailureQueuesWithSameID(t *testing.T) {
	store := newMemStore()
	transport := &recordingDeliverer{err: fmt.Errorf("%w: connection reset", ErrTransientNetwork)}
	scheduler := &fakeScheduler{}
	coordinator, _ := newTestCoordinator(true, store, transport, WithScheduler(scheduler), WithReplayTag("contact-sync"))

	result := coordinator.Submit(context.Background(), map[string]string{"name": "Ada"})
	if !result.Success || !result.Queued {
		t.Fatalf("expected queued success, got %+v", result)
	}

	sub := store.only(t)
	if sub.ID != transport.subs[0].ID {
		t.Fatalf("expected queued record to reuse the attempted id")
	}
	if len(scheduler.tags) != 1 || scheduler.tags[0] != "contact-sync" {
		t.Fatalf("expected replay request with tag, got %v", scheduler.tags)
	}
}

func TestCoordinatorDeliveryTimeoutQueues(t *testing.T) {
	store := newMemStore()
	transport := &recordingDeliverer{block: true}
	coordinator, _ := newTestCoordinator(true, store, transport, WithDeliveryTimeout(10*time.Millisecond))

	result := coordinator.Submit(context.Background(), map[string]string{"name": "Ada"})
	if !result.Success || !result.Queued {
		t.Fatalf("expected timed out delivery to be queued, got %+v", result)
	}
	if count, _ := store.Count(context.Background()); count != 1 {
		t.Fatalf("expected one record, got %d", count)
	}
}

func TestCoordinatorDeliveryErrorIsNotQueued(t *testing.T) {
	buildErr := errors.New("outbox: build request: parse \"::\": missing protocol scheme")
	store := newMemStore()
	scheduler := &fakeScheduler{}
	coordinator, _ := newTestCoordinator(true, store, &recordingDeliverer{err: buildErr}, WithScheduler(scheduler))

	result := coordinator.Submit(context.Background(), map[string]string{"name": "Ada"})
	if result.Success || result.Queued {
		t.Fatalf("expected failure, got %+v", result)
	}
	if !errors.Is(result.Err, buildErr) {
		t.Fatalf("expected delivery error, got %v", result.Err)
	}
	if store.puts != 0 {
		t.Fatalf("expected no store writes, got %d", store.puts)
	}
	if coordinator.PendingCount() != 0 || len(scheduler.tags) != 0 {
		t.Fatalf("expected nothing queued, pending=%d tags=%v", coordinator.PendingCount(), scheduler.tags)
	}
}

func TestCoordinatorDelivererDeadlineQueues(t *testing.T) {
	store := newMemStore()
	transport := DelivererFunc(func(ctx context.Context, _ Submission) error {
		<-ctx.Done()
		return ctx.Err()
	})
	coordinator, _ := newTestCoordinator(true, store, transport, WithDeliveryTimeout(10*time.Millisecond))

	result := coordinator.Submit(context.Background(), map[string]string{"name": "Ada"})
	if !result.Success || !result.Queued {
		t.Fatalf("expected timed out delivery to be queued, got %+v", result)
	}
	if store.puts != 1 {
		t.Fatalf("expected one store write, got %d", store.puts)
	}
}

func TestCoordinatorCanceledCallerStillPersists(t *testing.T) {
	store := newMemStore()
	transport := &recordingDeliverer{block: true}
	coordinator, _ := newTestCoordinator(true, store, transport, WithDeliveryTimeout(0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := coordinator.Submit(ctx, map[string]string{"name": "Ada"})
	if !result.Success || !result.Queued {
		t.Fatalf("expected queued success, got %+v", result)
	}
}

func TestCoordinatorStoreFailureIsUnrecoverable(t *testing.T) {
	store := newMemStore()
	store.putErr = fmt.Errorf("outbox sqlite: put failed: %w", ErrTransactionAborted)
	scheduler := &fakeScheduler{}
	coordinator, _ := newTestCoordinator(false, store, &recordingDeliverer{}, WithScheduler(scheduler))

	result := coordinator.Submit(context.Background(), map[string]string{"name": "Ada"})
	if result.Success || result.Queued {
		t.Fatalf("expected failure, got %+v", result)
	}
	if !errors.Is(result.Err, ErrTransactionAborted) {
		t.Fatalf("expected ErrTransactionAborted, got %v", result.Err)
	}
	if result.Error() == "" {
		t.Fatalf("expected error message")
	}
	if coordinator.PendingCount() != 0 {
		t.Fatalf("expected pending count unchanged")
	}
	if len(scheduler.tags) != 0 {
		t.Fatalf("expected no replay request")
	}
}

func TestCoordinatorReplayRequestFailureIsIgnored(t *testing.T) {
	scheduler := &fakeScheduler{err: errors.New("sync unsupported")}
	coordinator, _ := newTestCoordinator(false, newMemStore(), &recordingDeliverer{}, WithScheduler(scheduler))

	result := coordinator.Submit(context.Background(), map[string]string{"name": "Ada"})
	if !result.Success || !result.Queued {
		t.Fatalf("expected queued success, got %+v", result)
	}
}

func TestCoordinatorInvalidBody(t *testing.T) {
	coordinator, _ := newTestCoordinator(false, newMemStore(), &recordingDeliverer{})

	cases := []struct {
		name string
		body any
		err  error
	}{
		{name: "nil", body: nil, err: ErrBodyRequired},
		{name: "array", body: []int{1, 2}, err: ErrInvalidBody},
		{name: "scalar", body: 42, err: ErrInvalidBody},
		{name: "broken raw", body: []byte(`{"a":`), err: ErrInvalidBody},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			result := coordinator.Submit(context.Background(), tc.body)
			if result.Success || !errors.Is(result.Err, tc.err) {
				t.Fatalf("expected %v, got %+v", tc.err, result)
			}
		})
	}
}

func TestCoordinatorReconnectionReconciles(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 3; i++ {
		id, err := NewUUIDv7Generator().New()
		if err != nil {
			t.Fatalf("new id: %v", err)
		}
		if err := store.Put(context.Background(), Submission{ID: id, URL: contactURL, Body: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	coordinator, source := newTestCoordinator(false, store, &recordingDeliverer{})
	if coordinator.PendingCount() != 0 {
		t.Fatalf("expected no I/O before reconnection")
	}

	var states []State
	coordinator.OnStateChange(func(s State) { states = append(states, s) })

	source.Set(true)

	count, _ := store.Count(context.Background())
	if coordinator.PendingCount() != count || count != 3 {
		t.Fatalf("expected pending count %d, got %d", count, coordinator.PendingCount())
	}
	if len(states) == 0 || !states[len(states)-1].Online || states[len(states)-1].PendingCount != 3 {
		t.Fatalf("expected online state with 3 pending, got %+v", states)
	}
}

// stallingCountStore holds its first Count result until release is closed.
type stallingCountStore struct {
	*memStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stallingCountStore) Count(ctx context.Context) (int, error) {
	count, err := s.memStore.Count(ctx)
	stalled := false
	s.once.Do(func() { stalled = true })
	if stalled {
		close(s.entered)
		<-s.release
	}
	return count, err
}

func TestCoordinatorReconcileKeepsConcurrentEnqueue(t *testing.T) {
	store := &stallingCountStore{memStore: newMemStore(), entered: make(chan struct{}), release: make(chan struct{})}
	coordinator, _ := newTestCoordinator(false, store, &recordingDeliverer{})

	done := make(chan error, 1)
	go func() { done <- coordinator.Reconcile(context.Background()) }()
	<-store.entered

	if result := coordinator.Submit(context.Background(), map[string]string{"name": "Ada"}); !result.Queued {
		t.Fatalf("expected queued submission, got %+v", result)
	}
	close(store.release)
	if err := <-done; err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	count, _ := store.Count(context.Background())
	if count != 1 || coordinator.PendingCount() != count {
		t.Fatalf("expected pending count %d to match store count 1, got %d", count, coordinator.PendingCount())
	}
}

func TestCoordinatorReplayCompleteReconcilesAndMarksSynced(t *testing.T) {
	store := newMemStore()
	scheduler := &fakeScheduler{}
	coordinator, _ := newTestCoordinator(false, store, &recordingDeliverer{}, WithScheduler(scheduler))

	for i := 0; i < 2; i++ {
		if result := coordinator.Submit(context.Background(), map[string]int{"n": i}); !result.Queued {
			t.Fatalf("expected queued, got %+v", result)
		}
	}
	if coordinator.PendingCount() != 2 {
		t.Fatalf("expected 2 pending, got %d", coordinator.PendingCount())
	}

	store.mu.Lock()
	for id := range store.records {
		delete(store.records, id)
		break
	}
	store.mu.Unlock()

	scheduler.listener.emit(ReplayReport{Tag: DefaultReplayTag})
	if coordinator.SyncedOfflineData() {
		t.Fatalf("expected synced flag to stay false without deliveries")
	}
	if coordinator.PendingCount() != 1 {
		t.Fatalf("expected reconciled pending count 1, got %d", coordinator.PendingCount())
	}

	scheduler.listener.emit(ReplayReport{Tag: DefaultReplayTag, Delivered: 1})
	state := coordinator.State()
	if !state.SyncedOfflineData || state.Online {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestCoordinatorCloseDetaches(t *testing.T) {
	store := newMemStore()
	scheduler := &fakeScheduler{}
	coordinator, source := newTestCoordinator(false, store, &recordingDeliverer{}, WithScheduler(scheduler))
	coordinator.Close()
	coordinator.Close()

	_ = store.Put(context.Background(), Submission{ID: ID{1}, URL: contactURL, Body: json.RawMessage(`{}`)})
	source.Set(true)
	scheduler.listener.emit(ReplayReport{Delivered: 1})

	if coordinator.PendingCount() != 0 || coordinator.SyncedOfflineData() {
		t.Fatalf("expected closed coordinator to ignore events")
	}
	if !coordinator.IsOnline() {
		t.Fatalf("expected monitor state to remain observable")
	}
}

func TestResultError(t *testing.T) {
	if (Result{Success: true}).Error() != "" {
		t.Fatalf("expected empty message on success")
	}
	if (Result{Err: errors.New("disk full")}).Error() != "disk full" {
		t.Fatalf("expected plain error message")
	}
}

func TestNewCoordinatorPanicsOnNil(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	NewCoordinator(nil, NewMonitor(NewManualSource(true)), &recordingDeliverer{}, contactURL)
}
