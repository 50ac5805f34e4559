package outbox

import "time"

// Metrics captures coordinator and replay telemetry.
type Metrics interface {
	// ObserveBatchDuration records the time to replay a batch.
	ObserveBatchDuration(duration time.Duration)
	// AddDelivered counts submissions delivered directly without queuing.
	AddDelivered(count int)
	// AddQueued counts submissions persisted for later replay.
	AddQueued(count int)
	// AddRejected counts submissions the server definitively rejected.
	AddRejected(count int)
	// AddReplayed counts queued submissions delivered by replay.
	AddReplayed(count int)
	// AddRetries counts replay failures left pending for another attempt.
	AddRetries(count int)
	// AddDead counts dead-lettered submissions.
	AddDead(count int)
	// SetPending updates the current pending submission count.
	SetPending(count int)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// ObserveBatchDuration implements Metrics.
func (NopMetrics) ObserveBatchDuration(time.Duration) {}

// AddDelivered implements Metrics.
func (NopMetrics) AddDelivered(int) {}

// AddQueued implements Metrics.
func (NopMetrics) AddQueued(int) {}

// AddRejected implements Metrics.
func (NopMetrics) AddRejected(int) {}

// AddReplayed implements Metrics.
func (NopMetrics) AddReplayed(int) {}

// AddRetries implements Metrics.
func (NopMetrics) AddRetries(int) {}

// AddDead implements Metrics.
func (NopMetrics) AddDead(int) {}

// SetPending implements Metrics.
func (NopMetrics) SetPending(int) {}
