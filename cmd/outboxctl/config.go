package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	storeSQLite = "sqlite"
	storeMySQL  = "mysql"

	defaultDBPath          = "outbox.db"
	defaultMySQLTable      = "outbox_submissions"
	defaultDeliveryTimeout = 10 * time.Second
	defaultProbeInterval   = 15 * time.Second
	defaultProbeTimeout    = 3 * time.Second
	defaultBatchSize       = 50
	defaultPollInterval    = 30 * time.Second
	defaultWorkers         = 1
	defaultMaxAttempts     = 5
	defaultMetricInterval  = 30 * time.Second
)

// Config is the outboxctl configuration file.
type Config struct {
	Store           string            `yaml:"store"`
	DB              string            `yaml:"db"`
	MySQL           MySQLConfig       `yaml:"mysql"`
	URL             string            `yaml:"url"`
	Headers         map[string]string `yaml:"headers"`
	DeliveryTimeout time.Duration     `yaml:"delivery_timeout"`
	Probe           ProbeConfig       `yaml:"probe"`
	Replay          ReplayConfig      `yaml:"replay"`
	Telemetry       TelemetryConfig   `yaml:"telemetry"`
}

// MySQLConfig selects the shared MySQL store.
type MySQLConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// ProbeConfig controls the TCP reachability probe. An empty address probes the URL host.
type ProbeConfig struct {
	Address  string        `yaml:"address"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ReplayConfig tunes the replayer.
type ReplayConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Workers      int           `yaml:"workers"`
	RateLimit    float64       `yaml:"rate_limit"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// TelemetryConfig enables OTLP/HTTP metric export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint string        `yaml:"otlp_endpoint"`
	Insecure bool          `yaml:"insecure"`
	Interval time.Duration `yaml:"interval"`
}

func defaultConfig() Config {
	return Config{
		Store:           storeSQLite,
		DB:              defaultDBPath,
		DeliveryTimeout: defaultDeliveryTimeout,
		Probe: ProbeConfig{
			Interval: defaultProbeInterval,
			Timeout:  defaultProbeTimeout,
		},
		Replay: ReplayConfig{
			BatchSize:    defaultBatchSize,
			PollInterval: defaultPollInterval,
			Workers:      defaultWorkers,
			MaxAttempts:  defaultMaxAttempts,
		},
		Telemetry: TelemetryConfig{
			Interval: defaultMetricInterval,
		},
	}
}

// loadConfig reads path over the defaults. An empty path returns the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Store {
	case storeSQLite:
		if c.DB == "" {
			return errors.New("config: db path is required for the sqlite store")
		}
	case storeMySQL:
		if c.MySQL.DSN == "" {
			return errors.New("config: mysql.dsn is required for the mysql store")
		}
	default:
		return fmt.Errorf("config: unknown store %q", c.Store)
	}

	return nil
}

// probeAddress returns the configured probe address or host:port of the URL.
func (c Config) probeAddress() (string, error) {
	if c.Probe.Address != "" {
		return c.Probe.Address, nil
	}
	if c.URL == "" {
		return "", errors.New("config: url or probe.address is required")
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("config: parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("config: url %q has no host", c.URL)
	}
	if u.Port() != "" {
		return u.Host, nil
	}

	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}

	return net.JoinHostPort(u.Hostname(), port), nil
}
