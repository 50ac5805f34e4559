package outbox

import (
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBatchSize        = 50
	defaultPollInterval     = 30 * time.Second
	defaultWorkers          = 1
	defaultPendingCheck     = 0
	defaultRetryInitial     = 500 * time.Millisecond
	defaultRetryMax         = time.Minute
	defaultDeliveryTimeout  = 10 * time.Second
	defaultReconcileTimeout = 5 * time.Second

	// DefaultReplayTag names replays requested by the Coordinator.
	DefaultReplayTag = "offline-form-sync"
	// ReconnectReplayTag names replays triggered by an offline to online transition.
	ReconnectReplayTag = "reconnect"
	// PollReplayTag names replays started by the poll interval.
	PollReplayTag = "poll"
)

// ReplayConfig defines how the Replayer polls and delivers submissions.
type ReplayConfig struct {
	BatchSize         int
	PollInterval      time.Duration
	Workers           int
	Clock             Clock
	ErrorHandler      FailureHandler
	Logger            Logger
	Metrics           Metrics
	FailureClassifier FailureClassifier
	HandlerTimeout    time.Duration
	PendingInterval   time.Duration
	Monitor           *Monitor
	RateLimit         rate.Limit
	RateBurst         int
	RetryInitial      time.Duration
	RetryMax          time.Duration
}

func (c ReplayConfig) withDefaults() ReplayConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.FailureClassifier == nil {
		c.FailureClassifier = DefaultFailureClassifier
	}
	if c.PendingInterval <= 0 {
		c.PendingInterval = defaultPendingCheck
	}
	if c.RateLimit <= 0 {
		c.RateLimit = rate.Inf
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = defaultRetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaultRetryMax
	}

	return c
}

// ReplayOption configures Replayer behavior.
type ReplayOption func(*ReplayConfig)

// WithBatchSize sets the number of submissions fetched per batch.
func WithBatchSize(size int) ReplayOption {
	return func(c *ReplayConfig) {
		c.BatchSize = size
	}
}

// WithPollInterval sets the delay between replay passes when nothing wakes the replayer.
func WithPollInterval(interval time.Duration) ReplayOption {
	return func(c *ReplayConfig) {
		c.PollInterval = interval
	}
}

// WithWorkers sets the number of concurrent replay workers.
func WithWorkers(count int) ReplayOption {
	return func(c *ReplayConfig) {
		c.Workers = count
	}
}

// WithClock sets the Replayer clock.
func WithClock(clock Clock) ReplayOption {
	return func(c *ReplayConfig) {
		c.Clock = clock
	}
}

// WithErrorHandler registers a callback for delivery failures.
func WithErrorHandler(handler FailureHandler) ReplayOption {
	return func(c *ReplayConfig) {
		c.ErrorHandler = handler
	}
}

// WithLogger sets the Replayer logger.
func WithLogger(logger Logger) ReplayOption {
	return func(c *ReplayConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the Replayer metrics recorder.
func WithMetrics(metrics Metrics) ReplayOption {
	return func(c *ReplayConfig) {
		c.Metrics = metrics
	}
}

// WithFailureClassifier sets the classifier for retry, dead-letter and defer decisions.
func WithFailureClassifier(classifier FailureClassifier) ReplayOption {
	return func(c *ReplayConfig) {
		c.FailureClassifier = classifier
	}
}

// WithHandlerTimeout sets a per-submission delivery timeout.
func WithHandlerTimeout(timeout time.Duration) ReplayOption {
	return func(c *ReplayConfig) {
		c.HandlerTimeout = timeout
	}
}

// WithPendingInterval sets the minimum interval between pending count samples.
// Use a positive value to enable sampling or zero to keep it disabled.
// The default is disabled.
func WithPendingInterval(interval time.Duration) ReplayOption {
	return func(c *ReplayConfig) {
		c.PendingInterval = interval
	}
}

// WithMonitor pauses replay while offline and wakes it on reconnection.
func WithMonitor(monitor *Monitor) ReplayOption {
	return func(c *ReplayConfig) {
		c.Monitor = monitor
	}
}

// WithRateLimit caps replay deliveries per second.
func WithRateLimit(limit rate.Limit, burst int) ReplayOption {
	return func(c *ReplayConfig) {
		c.RateLimit = limit
		c.RateBurst = burst
	}
}

// WithRetryBackoff bounds the exponential delay applied after failed replay passes.
func WithRetryBackoff(initial, maxInterval time.Duration) ReplayOption {
	return func(c *ReplayConfig) {
		c.RetryInitial = initial
		c.RetryMax = maxInterval
	}
}

// CoordinatorConfig defines how the Coordinator delivers and queues submissions.
type CoordinatorConfig struct {
	Clock              Clock
	Generator          IDGenerator
	Logger             Logger
	Metrics            Metrics
	Scheduler          ReplayScheduler
	ReplayTag          string
	DeliveryTimeout    time.Duration
	deliveryTimeoutSet bool
	ReconcileTimeout   time.Duration
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Generator == nil {
		c.Generator = NewUUIDv7Generator()
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.ReplayTag == "" {
		c.ReplayTag = DefaultReplayTag
	}
	if !c.deliveryTimeoutSet {
		c.DeliveryTimeout = defaultDeliveryTimeout
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = defaultReconcileTimeout
	}

	return c
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*CoordinatorConfig)

// WithCoordinatorClock sets the clock used for submission timestamps.
func WithCoordinatorClock(clock Clock) CoordinatorOption {
	return func(c *CoordinatorConfig) {
		c.Clock = clock
	}
}

// WithGenerator sets the ID generator.
func WithGenerator(gen IDGenerator) CoordinatorOption {
	return func(c *CoordinatorConfig) {
		c.Generator = gen
	}
}

// WithCoordinatorLogger sets the coordinator logger.
func WithCoordinatorLogger(logger Logger) CoordinatorOption {
	return func(c *CoordinatorConfig) {
		c.Logger = logger
	}
}

// WithCoordinatorMetrics sets the coordinator metrics recorder.
func WithCoordinatorMetrics(metrics Metrics) CoordinatorOption {
	return func(c *CoordinatorConfig) {
		c.Metrics = metrics
	}
}

// WithScheduler registers the background replay executor.
func WithScheduler(scheduler ReplayScheduler) CoordinatorOption {
	return func(c *CoordinatorConfig) {
		c.Scheduler = scheduler
	}
}

// WithReplayTag sets the tag passed to ReplayScheduler.RequestReplay.
func WithReplayTag(tag string) CoordinatorOption {
	return func(c *CoordinatorConfig) {
		c.ReplayTag = tag
	}
}

// WithDeliveryTimeout bounds the direct delivery attempt. A timed out attempt is
// queued like any other transient failure. Zero disables the timeout.
func WithDeliveryTimeout(timeout time.Duration) CoordinatorOption {
	return func(c *CoordinatorConfig) {
		c.DeliveryTimeout = timeout
		c.deliveryTimeoutSet = true
	}
}

// WithReconcileTimeout bounds the store read performed on reconnection and replay reports.
func WithReconcileTimeout(timeout time.Duration) CoordinatorOption {
	return func(c *CoordinatorConfig) {
		c.ReconcileTimeout = timeout
	}
}
