package sqlite

import (
	"time"

	outbox "github.com/velmie/offline-outbox"
)

const (
	defaultMaxAttempts = 5
	defaultBusyTimeout = 5 * time.Second
	defaultPurgeLimit  = 10000
)

// Config defines SQLite store behavior.
type Config struct {
	MaxAttempts int
	BusyTimeout time.Duration
	Clock       outbox.Clock
	Logger      outbox.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = defaultBusyTimeout
	}
	if c.Clock == nil {
		c.Clock = outbox.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = outbox.NopLogger{}
	}

	return c
}

// Option configures the SQLite store.
type Option func(*Config)

// WithMaxAttempts sets the retry limit before a submission is dead-lettered.
func WithMaxAttempts(attempts int) Option {
	return func(c *Config) {
		c.MaxAttempts = attempts
	}
}

// WithBusyTimeout sets how long a statement waits for a competing writer.
func WithBusyTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.BusyTimeout = timeout
	}
}

// WithClock sets the time source used for updated_at.
func WithClock(clock outbox.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithLogger sets the store logger.
func WithLogger(logger outbox.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
