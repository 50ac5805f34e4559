// Command outbox-bench measures enqueue and replay throughput of the SQLite outbox.
//
// The replay mode delivers to an in-process HTTP endpoint with configurable
// latency and failure rate, so results reflect the store and the replayer only.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	outbox "github.com/velmie/offline-outbox"
	"github.com/velmie/offline-outbox/sqlite"
)

type mode string

const (
	modeEnqueue mode = "enqueue"
	modeReplay  mode = "replay"
)

const (
	defaultRecords      = 10000
	defaultPayloadBytes = 512
	defaultProducers    = 4
	defaultBatchSize    = 50
	defaultMaxAttempts  = 5
	benchURLPath        = "/contact"
)

var (
	errInvalidMode    = errors.New("outbox-bench: invalid mode")
	errInvalidRecords = errors.New("outbox-bench: records must be positive")
	errInvalidRate    = errors.New("outbox-bench: fail-rate must be within [0, 1)")
	errNotDrained     = errors.New("outbox-bench: submissions left pending after replay")
)

type benchConfig struct {
	mode          mode
	dir           string
	records       int
	payloadBytes  int
	producers     int
	batchSize     int
	workers       int
	maxAttempts   int
	serverLatency time.Duration
	failRate      float64
	seed          int64
	jsonOut       bool
}

type result struct {
	Mode           mode          `json:"mode"`
	Records        int           `json:"records"`
	PayloadBytes   int           `json:"payload_bytes"`
	Producers      int           `json:"producers,omitempty"`
	BatchSize      int           `json:"batch_size,omitempty"`
	Workers        int           `json:"workers,omitempty"`
	FailRate       float64       `json:"fail_rate,omitempty"`
	Duration       time.Duration `json:"duration"`
	Throughput     float64       `json:"throughput_per_sec"`
	Delivered      int64         `json:"delivered,omitempty"`
	Retries        int64         `json:"retries,omitempty"`
	Dead           int64         `json:"dead,omitempty"`
	Requests       int64         `json:"requests,omitempty"`
	LatencyP50Ms   float64       `json:"latency_p50_ms"`
	LatencyP95Ms   float64       `json:"latency_p95_ms"`
	LatencyP99Ms   float64       `json:"latency_p99_ms"`
	LatencyMaxMs   float64       `json:"latency_max_ms"`
	LatencyMeanMs  float64       `json:"latency_mean_ms"`
	BatchP50Ms     float64       `json:"batch_p50_ms,omitempty"`
	BatchP95Ms     float64       `json:"batch_p95_ms,omitempty"`
	BatchSamples   int64         `json:"batch_samples,omitempty"`
	UserCPUSeconds float64       `json:"process_user_cpu_seconds"`
	SysCPUSeconds  float64       `json:"process_system_cpu_seconds"`
	TotalAlloc     uint64        `json:"go_total_alloc_bytes"`
	NumGC          uint32        `json:"go_num_gc"`
}

func main() {
	var (
		cfg     benchConfig
		runMode string
	)

	flag.StringVar(&runMode, "mode", string(modeReplay), "Benchmark mode: enqueue or replay")
	flag.StringVar(&cfg.dir, "dir", "", "Directory for the SQLite file (defaults to a temp dir)")
	flag.IntVar(&cfg.records, "records", defaultRecords, "Number of submissions")
	flag.IntVar(&cfg.payloadBytes, "payload-bytes", defaultPayloadBytes, "Approximate JSON body size in bytes")
	flag.IntVar(&cfg.producers, "producers", defaultProducers, "Concurrent producers (enqueue mode)")
	flag.IntVar(&cfg.batchSize, "batch-size", defaultBatchSize, "Replay batch size")
	flag.IntVar(&cfg.workers, "workers", 1, "Replay workers")
	flag.IntVar(&cfg.maxAttempts, "max-attempts", defaultMaxAttempts, "Attempts before a submission is dead-lettered")
	flag.DurationVar(&cfg.serverLatency, "server-latency", 0, "Artificial endpoint latency per request")
	flag.Float64Var(&cfg.failRate, "fail-rate", 0, "Fraction of requests answered with 503")
	flag.Int64Var(&cfg.seed, "seed", 1, "Random seed for payloads and failures")
	flag.BoolVar(&cfg.jsonOut, "json", false, "Print JSON result")
	flag.Parse()

	parsed, err := parseMode(runMode)
	if err != nil {
		exitErr(err)
	}
	cfg.mode = parsed

	if err := validateConfig(cfg); err != nil {
		exitErr(err)
	}

	res, err := run(context.Background(), cfg)
	if err != nil {
		exitErr(err)
	}
	if err := printResult(os.Stdout, res, cfg.jsonOut); err != nil {
		exitErr(err)
	}
}

func run(ctx context.Context, cfg benchConfig) (result, error) {
	dir := cfg.dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "outbox-bench-*")
		if err != nil {
			return result{}, err
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	store, err := sqlite.Open(ctx, filepath.Join(dir, "bench.db"), sqlite.WithMaxAttempts(cfg.maxAttempts))
	if err != nil {
		return result{}, err
	}
	defer store.Close()

	switch cfg.mode {
	case modeEnqueue:
		return runEnqueue(ctx, store, cfg)
	case modeReplay:
		return runReplay(ctx, store, cfg)
	default:
		return result{}, fmt.Errorf("%w: %s", errInvalidMode, cfg.mode)
	}
}

func runEnqueue(ctx context.Context, store *sqlite.Store, cfg benchConfig) (result, error) {
	latency := newLatencyStats()
	gen := outbox.NewUUIDv7Generator()
	body := buildPayload(cfg.payloadBytes, rand.New(rand.NewSource(cfg.seed)))

	var next atomic.Int64
	start := time.Now()
	usageStart := readResourceUsage()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.producers; i++ {
		g.Go(func() error {
			for next.Add(1) <= int64(cfg.records) {
				sub, err := newSubmission(gen, "http://bench.invalid"+benchURLPath, body)
				if err != nil {
					return err
				}
				begin := time.Now()
				if err := store.Put(gctx, sub); err != nil {
					return err
				}
				latency.Record(time.Since(begin))
			}

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result{}, err
	}

	elapsed := time.Since(start)
	res := result{
		Mode:         modeEnqueue,
		Records:      cfg.records,
		PayloadBytes: cfg.payloadBytes,
		Producers:    cfg.producers,
		Duration:     elapsed,
		Throughput:   float64(cfg.records) / elapsed.Seconds(),
	}
	res.setLatency(latency.Snapshot())
	res.setUsage(deltaUsage(usageStart, readResourceUsage()))

	return res, nil
}

func runReplay(ctx context.Context, store *sqlite.Store, cfg benchConfig) (result, error) {
	endpoint := newBenchEndpoint(cfg)
	srv := httptest.NewServer(endpoint)
	defer srv.Close()

	gen := outbox.NewUUIDv7Generator()
	body := buildPayload(cfg.payloadBytes, rand.New(rand.NewSource(cfg.seed)))
	for i := 0; i < cfg.records; i++ {
		sub, err := newSubmission(gen, srv.URL+benchURLPath, body)
		if err != nil {
			return result{}, err
		}
		if err := store.Put(ctx, sub); err != nil {
			return result{}, err
		}
	}

	latency := newLatencyStats()
	metrics := &benchMetrics{}
	transport := outbox.NewHTTPTransport(outbox.WithHTTPClient(srv.Client()))
	timed := outbox.DelivererFunc(func(ctx context.Context, sub outbox.Submission) error {
		begin := time.Now()
		err := transport.Deliver(ctx, sub)
		latency.Record(time.Since(begin))

		return err
	})

	replayer := outbox.NewReplayer(store, timed,
		outbox.WithBatchSize(cfg.batchSize),
		outbox.WithWorkers(cfg.workers),
		outbox.WithMetrics(metrics),
	)

	start := time.Now()
	usageStart := readResourceUsage()
	for {
		report, err := replayer.ProcessOnce(ctx)
		if err != nil {
			return result{}, err
		}
		if !report.Touched() {
			break
		}
	}
	elapsed := time.Since(start)

	pending, err := store.Count(ctx)
	if err != nil {
		return result{}, err
	}
	if pending > 0 {
		return result{}, fmt.Errorf("%w: %d", errNotDrained, pending)
	}

	res := result{
		Mode:         modeReplay,
		Records:      cfg.records,
		PayloadBytes: cfg.payloadBytes,
		BatchSize:    cfg.batchSize,
		Workers:      cfg.workers,
		FailRate:     cfg.failRate,
		Duration:     elapsed,
		Throughput:   float64(metrics.replayed.Load()) / elapsed.Seconds(),
		Delivered:    metrics.replayed.Load(),
		Retries:      metrics.retries.Load(),
		Dead:         metrics.dead.Load(),
		Requests:     endpoint.requests.Load(),
	}
	res.setLatency(latency.Snapshot())
	batches := metrics.batches.Snapshot()
	res.BatchP50Ms = msFloat(batches.P50)
	res.BatchP95Ms = msFloat(batches.P95)
	res.BatchSamples = batches.Count
	res.setUsage(deltaUsage(usageStart, readResourceUsage()))

	return res, nil
}

type benchEndpoint struct {
	latency  time.Duration
	failRate float64
	requests atomic.Int64

	mu  sync.Mutex
	rng *rand.Rand
}

func newBenchEndpoint(cfg benchConfig) *benchEndpoint {
	return &benchEndpoint{
		latency:  cfg.serverLatency,
		failRate: cfg.failRate,
		rng:      rand.New(rand.NewSource(cfg.seed)),
	}
}

func (e *benchEndpoint) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	e.requests.Add(1)
	if e.latency > 0 {
		time.Sleep(e.latency)
	}

	e.mu.Lock()
	fail := e.rng.Float64() < e.failRate
	e.mu.Unlock()
	if fail {
		w.WriteHeader(http.StatusServiceUnavailable)

		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type benchMetrics struct {
	outbox.NopMetrics

	replayed atomic.Int64
	retries  atomic.Int64
	dead     atomic.Int64
	batches  latencyStats
}

func (m *benchMetrics) ObserveBatchDuration(d time.Duration) {
	m.batches.Record(d)
}

func (m *benchMetrics) AddReplayed(n int) {
	m.replayed.Add(int64(n))
}

func (m *benchMetrics) AddRetries(n int) {
	m.retries.Add(int64(n))
}

func (m *benchMetrics) AddDead(n int) {
	m.dead.Add(int64(n))
}

func newSubmission(gen outbox.IDGenerator, url string, body []byte) (outbox.Submission, error) {
	id, err := gen.New()
	if err != nil {
		return outbox.Submission{}, err
	}

	return outbox.Submission{ID: id, URL: url, Body: body, Timestamp: time.Now()}, nil
}

// buildPayload returns a JSON object of roughly size bytes.
func buildPayload(size int, rng *rand.Rand) []byte {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	const overhead = len(`{"message":""}`)

	n := size - overhead
	if n < 1 {
		n = 1
	}
	text := make([]byte, n)
	for i := range text {
		text[i] = letters[rng.Intn(len(letters))]
	}
	body, _ := json.Marshal(map[string]string{"message": string(text)})

	return body
}

func parseMode(value string) (mode, error) {
	switch mode(strings.ToLower(strings.TrimSpace(value))) {
	case modeEnqueue:
		return modeEnqueue, nil
	case modeReplay:
		return modeReplay, nil
	default:
		return "", fmt.Errorf("%w: %q", errInvalidMode, value)
	}
}

func validateConfig(cfg benchConfig) error {
	if cfg.records <= 0 {
		return errInvalidRecords
	}
	if cfg.failRate < 0 || cfg.failRate >= 1 {
		return errInvalidRate
	}

	return nil
}

func printResult(w *os.File, res result, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(res)
	}

	_, err := fmt.Fprintf(w,
		"mode=%s records=%d duration=%s throughput=%.0f/s delivered=%d retries=%d dead=%d p50=%.2fms p95=%.2fms p99=%.2fms max=%.2fms\n",
		res.Mode, res.Records, res.Duration.Round(time.Millisecond), res.Throughput,
		res.Delivered, res.Retries, res.Dead,
		res.LatencyP50Ms, res.LatencyP95Ms, res.LatencyP99Ms, res.LatencyMaxMs,
	)

	return err
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
