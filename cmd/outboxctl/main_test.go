package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	outbox "github.com/velmie/offline-outbox"
	"github.com/velmie/offline-outbox/sqlite"
)

type endpoint struct {
	mu     sync.Mutex
	status int
	keys   []string
	bodies []string
}

func newEndpoint(t *testing.T, status int) (*endpoint, *httptest.Server) {
	t.Helper()
	e := &endpoint{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		e.mu.Lock()
		e.keys = append(e.keys, r.Header.Get(outbox.HeaderIdempotencyKey))
		e.bodies = append(e.bodies, string(raw))
		status := e.status
		e.mu.Unlock()
		if status >= 300 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"message":"email is invalid"}`))
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return e, srv
}

func (e *endpoint) received() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.bodies...)
}

func (e *endpoint) idempotencyKeys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.keys...)
}

// unreachableAddress returns an address nothing listens on.
func unreachableAddress(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

type harness struct {
	t      *testing.T
	dbPath string
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, dbPath: filepath.Join(t.TempDir(), "outbox.db")}
}

// config writes a config pointing at url; a non-empty probe overrides the probed address.
func (h *harness) config(url, probe string) string {
	h.t.Helper()
	body := fmt.Sprintf("db: %s\nurl: %s\ndelivery_timeout: 2s\nprobe:\n  interval: 1h\n  timeout: 500ms\n", h.dbPath, url)
	if probe != "" {
		body += fmt.Sprintf("  address: %s\n", probe)
	}
	return writeConfig(h.t, body)
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(""))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func decodeSubmit(t *testing.T, out string) submitOutput {
	t.Helper()
	var got submitOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	return got
}

func TestSubmitDeliversWhenOnline(t *testing.T) {
	ep, srv := newEndpoint(t, http.StatusCreated)
	h := newHarness(t)
	cfg := h.config(srv.URL+"/contact", "")

	out, err := h.run("--config", cfg, "submit", "--data", `{"name":"Ada"}`)
	require.NoError(t, err)
	require.Equal(t, submitOutput{Success: true}, decodeSubmit(t, out))
	require.Equal(t, []string{`{"name":"Ada"}`}, ep.received())
	require.Len(t, ep.idempotencyKeys(), 1)
	require.NotEmpty(t, ep.idempotencyKeys()[0])

	out, err = h.run("--config", cfg, "pending")
	require.NoError(t, err)
	require.Equal(t, "0\n", out)
}

func TestSubmitReadsBodyFromStdin(t *testing.T) {
	ep, srv := newEndpoint(t, http.StatusOK)
	h := newHarness(t)

	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs([]string{"--config", h.config(srv.URL, ""), "submit"})
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader("{\"name\":\"Grace\"}\n"))
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	require.Equal(t, []string{`{"name":"Grace"}`}, ep.received())
}

func TestSubmitQueuesWhileOfflineAndReplays(t *testing.T) {
	ep, srv := newEndpoint(t, http.StatusOK)
	h := newHarness(t)
	offline := h.config(srv.URL+"/contact", unreachableAddress(t))

	out, err := h.run("--config", offline, "submit", "--data", `{"name":"Ada"}`)
	require.NoError(t, err)
	require.Equal(t, submitOutput{Success: true, Queued: true, Pending: 1}, decodeSubmit(t, out))

	out, err = h.run("--config", offline, "submit", "--data", `{"name":"Grace"}`)
	require.NoError(t, err)
	require.Equal(t, submitOutput{Success: true, Queued: true, Pending: 2}, decodeSubmit(t, out))
	require.Empty(t, ep.received())

	out, err = h.run("--config", offline, "pending")
	require.NoError(t, err)
	require.Equal(t, "2\n", out)

	out, err = h.run("--config", h.config(srv.URL+"/contact", ""), "replay", "--once")
	require.NoError(t, err)
	var report replayOutput
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, replayOutput{Tag: outbox.ManualReplayTag, Delivered: 2}, report)
	require.Equal(t, []string{`{"name":"Ada"}`, `{"name":"Grace"}`}, ep.received())

	out, err = h.run("--db", h.dbPath, "pending")
	require.NoError(t, err)
	require.Equal(t, "0\n", out)
}

func TestSubmitRejected(t *testing.T) {
	_, srv := newEndpoint(t, http.StatusUnprocessableEntity)
	h := newHarness(t)
	cfg := h.config(srv.URL, "")

	out, err := h.run("--config", cfg, "submit", "--data", `{"email":"nope"}`)
	require.ErrorIs(t, err, errSubmitFailed)
	require.Equal(t, submitOutput{Error: "email is invalid"}, decodeSubmit(t, out))

	out, err = h.run("--config", cfg, "pending")
	require.NoError(t, err)
	require.Equal(t, "0\n", out)
}

func TestSubmitInvalidBody(t *testing.T) {
	_, srv := newEndpoint(t, http.StatusOK)
	h := newHarness(t)

	out, err := h.run("--config", h.config(srv.URL, ""), "submit", "--data", `[1,2]`)
	require.ErrorIs(t, err, errSubmitFailed)
	require.False(t, decodeSubmit(t, out).Success)
}

func TestSubmitRequiresURL(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("--db", h.dbPath, "submit", "--data", `{"name":"Ada"}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "--url")
}

func TestReplayOnceEmpty(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("--db", h.dbPath, "replay", "--once")
	require.NoError(t, err)
	var report replayOutput
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, replayOutput{Tag: outbox.ManualReplayTag}, report)
}

func TestReplayStopsOnCancel(t *testing.T) {
	ep, srv := newEndpoint(t, http.StatusOK)
	h := newHarness(t)
	cfg := h.config(srv.URL, unreachableAddress(t))

	_, err := h.run("--config", cfg, "submit", "--data", `{"name":"Linus"}`)
	require.NoError(t, err)

	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs([]string{"--config", h.config(srv.URL, ""), "replay"})
	cmd.SetErr(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool { return len(ep.received()) == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("replay did not stop after cancellation")
	}
}

func TestPurgeDeletesOldDeadSubmissions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	store, err := sqlite.Open(ctx, h.dbPath)
	require.NoError(t, err)
	id, err := outbox.NewUUIDv7Generator().New()
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, outbox.Submission{
		ID:        id,
		URL:       "https://forms.example.com/contact",
		Body:      json.RawMessage(`{"name":"Ada"}`),
		Timestamp: time.Now(),
	}))
	batch, err := store.Fetch(ctx, outbox.FetchOptions{BatchSize: 1})
	require.NoError(t, err)
	require.NoError(t, batch.(outbox.DeadBatch).Dead(ctx, []outbox.Failure{{ID: id, Err: errors.New("rejected")}}))
	require.NoError(t, batch.Commit())
	require.NoError(t, store.Close())

	out, err := h.run("--db", h.dbPath, "purge", "--retention", "1h")
	require.NoError(t, err)
	require.Equal(t, "0\n", out)

	time.Sleep(5 * time.Millisecond)
	out, err = h.run("--db", h.dbPath, "purge", "--retention", "1ms")
	require.NoError(t, err)
	require.Equal(t, "1\n", out)
}

func TestPurgeRejectsNonPositiveRetention(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("--db", h.dbPath, "purge", "--retention", "0s")
	require.Error(t, err)
}

func TestUnknownConfigFails(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("--config", writeConfig(t, "stor: sqlite\n"), "pending")
	require.Error(t, err)
}
