package sqlite

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	outbox "github.com/velmie/offline-outbox"
)

type endpoint struct {
	mu     sync.Mutex
	keys   []string
	bodies []string
	status int
}

func (e *endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	e.mu.Lock()
	e.keys = append(e.keys, r.Header.Get(outbox.HeaderIdempotencyKey))
	e.bodies = append(e.bodies, string(body))
	status := e.status
	e.mu.Unlock()

	if status == 0 {
		status = http.StatusCreated
	}
	w.WriteHeader(status)
	if status >= 400 {
		_, _ = io.WriteString(w, `{"message":"email is invalid"}`)
	}
}

func (e *endpoint) received() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.keys...)
}

func TestOfflineSubmissionsReplayAfterReconnect(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	api := &endpoint{}
	server := httptest.NewServer(api)
	defer server.Close()

	source := outbox.NewManualSource(false)
	monitor := outbox.NewMonitor(source)
	defer monitor.Close()

	transport := outbox.NewHTTPTransport(outbox.WithHTTPClient(server.Client()))
	replayer := outbox.NewReplayer(store, transport, outbox.WithMonitor(monitor))
	coordinator := outbox.NewCoordinator(store, monitor, transport, server.URL+"/contact", outbox.WithScheduler(replayer))
	defer coordinator.Close()

	var queued []outbox.ID
	for _, name := range []string{"Ada", "Grace", "Linus"} {
		result := coordinator.Submit(ctx, map[string]string{"name": name})
		require.True(t, result.Success)
		require.True(t, result.Queued)
	}
	require.Equal(t, 3, coordinator.PendingCount())
	require.Empty(t, api.received())

	b, err := store.Fetch(ctx, outbox.FetchOptions{BatchSize: 10})
	require.NoError(t, err)
	for _, sub := range b.Records() {
		queued = append(queued, sub.ID)
	}
	require.NoError(t, b.Rollback())

	source.Set(true)
	require.Equal(t, 3, coordinator.PendingCount())

	report, err := replayer.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, report.Delivered)

	keys := api.received()
	require.Len(t, keys, 3)
	for i, id := range queued {
		require.Equal(t, id.String(), keys[i])
	}

	require.Equal(t, 0, coordinator.PendingCount())
	require.True(t, coordinator.SyncedOfflineData())
}

func TestReplayDeadLettersRejectedSubmission(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	api := &endpoint{status: http.StatusUnprocessableEntity}
	server := httptest.NewServer(api)
	defer server.Close()

	sub := newSubmission(t, `{"email":"nope"}`, fixedTime)
	sub.URL = server.URL
	require.NoError(t, store.Put(ctx, sub))

	replayer := outbox.NewReplayer(store, outbox.NewHTTPTransport(outbox.WithHTTPClient(server.Client())))
	report, err := replayer.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Dead)

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusDead, got.Status)
	require.Contains(t, got.LastError, "email is invalid")

	count, err := store.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestReplayRetriesServerErrors(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	api := &endpoint{status: http.StatusServiceUnavailable}
	server := httptest.NewServer(api)
	defer server.Close()

	sub := newSubmission(t, `{"name":"Ada"}`, fixedTime)
	sub.URL = server.URL
	require.NoError(t, store.Put(ctx, sub))

	replayer := outbox.NewReplayer(store, outbox.NewHTTPTransport(outbox.WithHTTPClient(server.Client())))
	report, err := replayer.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Retried)

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusPending, got.Status)
	require.Equal(t, 1, got.Attempts)
}
