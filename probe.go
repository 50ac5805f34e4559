package outbox

import (
	"context"
	"net"
	"sync"
	"time"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 3 * time.Second
)

// DialFunc opens a connection, matching net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ProbeConfig controls a ProbeSource.
type ProbeConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	Dial     DialFunc
	Logger   Logger
}

// ProbeOption configures a ProbeSource.
type ProbeOption func(*ProbeConfig)

// WithProbeInterval sets the delay between reachability checks.
func WithProbeInterval(interval time.Duration) ProbeOption {
	return func(c *ProbeConfig) {
		c.Interval = interval
	}
}

// WithProbeTimeout bounds a single dial.
func WithProbeTimeout(timeout time.Duration) ProbeOption {
	return func(c *ProbeConfig) {
		c.Timeout = timeout
	}
}

// WithProbeDialer replaces the TCP dialer.
func WithProbeDialer(dial DialFunc) ProbeOption {
	return func(c *ProbeConfig) {
		c.Dial = dial
	}
}

// WithProbeLogger sets the probe logger.
func WithProbeLogger(logger Logger) ProbeOption {
	return func(c *ProbeConfig) {
		c.Logger = logger
	}
}

// ProbeSource is a ConnectivitySource for hosts without network events: it dials a
// TCP address on an interval and signals subscribers only when reachability changes.
type ProbeSource struct {
	address string
	cfg     ProbeConfig

	mu     sync.RWMutex
	online bool
	subs   listeners[bool]

	cancel context.CancelFunc
	done   chan struct{}
}

var _ ConnectivitySource = (*ProbeSource)(nil)

// NewProbeSource creates a stopped probe for address (host:port).
func NewProbeSource(address string, opts ...ProbeOption) *ProbeSource {
	var cfg ProbeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if cfg.Dial == nil {
		var dialer net.Dialer
		cfg.Dial = dialer.DialContext
	}
	if cfg.Logger == nil {
		cfg.Logger = NopLogger{}
	}

	return &ProbeSource{address: address, cfg: cfg}
}

// Start probes once synchronously so Online is meaningful on return, then keeps
// probing in the background until Stop or ctx cancellation.
func (p *ProbeSource) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()

		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	p.probe(ctx)

	go p.loop(ctx)
}

// Stop ends background probing and waits for it to exit.
func (p *ProbeSource) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Online implements ConnectivitySource.
func (p *ProbeSource) Online() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.online
}

// Subscribe implements ConnectivitySource.
func (p *ProbeSource) Subscribe(fn func(online bool)) func() {
	return p.subs.add(fn)
}

func (p *ProbeSource) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *ProbeSource) probe(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	conn, err := p.cfg.Dial(dialCtx, "tcp", p.address)
	cancel()
	if ctx.Err() != nil {
		if conn != nil {
			_ = conn.Close()
		}

		return
	}

	online := err == nil
	if conn != nil {
		_ = conn.Close()
	}
	if err != nil {
		p.cfg.Logger.Debug("outbox probe failed", "address", p.address, "err", err)
	}

	p.mu.Lock()
	changed := p.online != online
	p.online = online
	p.mu.Unlock()

	if changed {
		p.subs.emit(online)
	}
}
