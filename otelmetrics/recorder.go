// Package otelmetrics records outbox metrics with OpenTelemetry instruments.
package otelmetrics

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	outbox "github.com/velmie/offline-outbox"
)

// ScopeName is the instrumentation scope used when no meter is supplied.
const ScopeName = "github.com/velmie/offline-outbox"

const (
	metricDelivered     = "outbox.submissions.delivered"
	metricQueued        = "outbox.submissions.queued"
	metricRejected      = "outbox.submissions.rejected"
	metricReplayed      = "outbox.replay.delivered"
	metricRetries       = "outbox.replay.retries"
	metricDead          = "outbox.replay.dead"
	metricBatchDuration = "outbox.replay.batch.duration"
	metricPending       = "outbox.pending"
)

// Recorder implements outbox.Metrics.
type Recorder struct {
	delivered     metric.Int64Counter
	queued        metric.Int64Counter
	rejected      metric.Int64Counter
	replayed      metric.Int64Counter
	retries       metric.Int64Counter
	dead          metric.Int64Counter
	batchDuration metric.Float64Histogram

	pending      atomic.Int64
	registration metric.Registration
	attrs        metric.MeasurementOption
}

var _ outbox.Metrics = (*Recorder)(nil)

// Option configures a Recorder.
type Option func(*config)

type config struct {
	meter metric.Meter
	attrs []attribute.KeyValue
}

// WithMeter sets the meter. The global meter provider is used otherwise.
func WithMeter(meter metric.Meter) Option {
	return func(c *config) {
		c.meter = meter
	}
}

// WithAttributes adds attributes to every measurement, such as the form or store name.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(c *config) {
		c.attrs = append(c.attrs, attrs...)
	}
}

// New creates the instruments and registers the pending gauge callback.
func New(opts ...Option) (*Recorder, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.meter == nil {
		cfg.meter = otel.Meter(ScopeName)
	}

	r := &Recorder{attrs: metric.WithAttributes(cfg.attrs...)}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&r.delivered, metricDelivered, "Submissions delivered on the first attempt"},
		{&r.queued, metricQueued, "Submissions saved for later delivery"},
		{&r.rejected, metricRejected, "Submissions rejected by the server"},
		{&r.replayed, metricReplayed, "Queued submissions delivered by replay"},
		{&r.retries, metricRetries, "Replay failures kept for another attempt"},
		{&r.dead, metricDead, "Submissions dead-lettered during replay"},
	}
	for _, c := range counters {
		*c.dst, err = cfg.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("{submission}"))
		if err != nil {
			return nil, fmt.Errorf("otelmetrics: create %s: %w", c.name, err)
		}
	}

	r.batchDuration, err = cfg.meter.Float64Histogram(metricBatchDuration,
		metric.WithDescription("Time to replay one batch"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("otelmetrics: create %s: %w", metricBatchDuration, err)
	}

	pending, err := cfg.meter.Int64ObservableGauge(metricPending,
		metric.WithDescription("Submissions waiting for delivery"),
		metric.WithUnit("{submission}"))
	if err != nil {
		return nil, fmt.Errorf("otelmetrics: create %s: %w", metricPending, err)
	}
	r.registration, err = cfg.meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		observer.ObserveInt64(pending, r.pending.Load(), metric.WithAttributes(cfg.attrs...))
		return nil
	}, pending)
	if err != nil {
		return nil, fmt.Errorf("otelmetrics: register pending callback: %w", err)
	}

	return r, nil
}

// Close unregisters the pending gauge callback.
func (r *Recorder) Close() error {
	if r.registration == nil {
		return nil
	}
	if err := r.registration.Unregister(); err != nil {
		return errors.Join(errors.New("otelmetrics: unregister pending callback"), err)
	}

	return nil
}

// ObserveBatchDuration implements outbox.Metrics.
func (r *Recorder) ObserveBatchDuration(duration time.Duration) {
	r.batchDuration.Record(context.Background(), duration.Seconds(), r.attrs)
}

// AddDelivered implements outbox.Metrics.
func (r *Recorder) AddDelivered(count int) {
	r.add(r.delivered, count)
}

// AddQueued implements outbox.Metrics.
func (r *Recorder) AddQueued(count int) {
	r.add(r.queued, count)
}

// AddRejected implements outbox.Metrics.
func (r *Recorder) AddRejected(count int) {
	r.add(r.rejected, count)
}

// AddReplayed implements outbox.Metrics.
func (r *Recorder) AddReplayed(count int) {
	r.add(r.replayed, count)
}

// AddRetries implements outbox.Metrics.
func (r *Recorder) AddRetries(count int) {
	r.add(r.retries, count)
}

// AddDead implements outbox.Metrics.
func (r *Recorder) AddDead(count int) {
	r.add(r.dead, count)
}

// SetPending implements outbox.Metrics.
func (r *Recorder) SetPending(count int) {
	r.pending.Store(int64(count))
}

func (r *Recorder) add(counter metric.Int64Counter, count int) {
	if count <= 0 {
		return
	}
	counter.Add(context.Background(), int64(count), r.attrs)
}
