package outbox

import "sync"

// ConnectivitySource is the host's view of network reachability.
type ConnectivitySource interface {
	// Online returns the current best-known state.
	Online() bool
	// Subscribe registers fn for online/offline signals and returns an unsubscribe function.
	// Sources may deliver repeated signals for the same state.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// listeners is a registry of callbacks keyed by registration order.
type listeners[T any] struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners[T]) snapshot() []func(T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]func(T), 0, len(l.fns))
	for id := uint64(0); id < l.next; id++ {
		if fn, ok := l.fns[id]; ok {
			out = append(out, fn)
		}
	}

	return out
}

func (l *listeners[T]) emit(value T) {
	for _, fn := range l.snapshot() {
		fn(value)
	}
}

// ManualSource is a ConnectivitySource driven by explicit Set calls.
type ManualSource struct {
	mu     sync.RWMutex
	online bool
	subs   listeners[bool]
}

var _ ConnectivitySource = (*ManualSource)(nil)

// NewManualSource creates a source with the given initial state.
func NewManualSource(online bool) *ManualSource {
	return &ManualSource{online: online}
}

// Online implements ConnectivitySource.
func (s *ManualSource) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.online
}

// Subscribe implements ConnectivitySource.
func (s *ManualSource) Subscribe(fn func(online bool)) func() {
	return s.subs.add(fn)
}

// Set records the new state and signals every subscriber, even when the state is unchanged.
func (s *ManualSource) Set(online bool) {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()

	s.subs.emit(online)
}

// Monitor tracks connectivity from pushed source events. It never polls.
type Monitor struct {
	logger Logger

	mu     sync.RWMutex
	online bool

	subs        listeners[bool]
	unsubscribe func()
	closeOnce   sync.Once
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the monitor logger.
func WithMonitorLogger(logger Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// NewMonitor reads the initial state from source once and follows its signals afterwards.
func NewMonitor(source ConnectivitySource, opts ...MonitorOption) *Monitor {
	if source == nil {
		panic("outbox: nil ConnectivitySource")
	}

	m := &Monitor{}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = NopLogger{}
	}

	// Subscribe before the first read so a signal between the two is not lost.
	unsubscribe := source.Subscribe(m.handle)
	m.mu.Lock()
	m.online = source.Online()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	return m
}

// IsOnline returns the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.online
}

// OnChange registers fn for state transitions and returns an unsubscribe function.
// fn runs on the goroutine that delivered the source signal.
func (m *Monitor) OnChange(fn func(online bool)) func() {
	return m.subs.add(fn)
}

// Close detaches the monitor from its source.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		unsubscribe := m.unsubscribe
		m.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
	})
}

func (m *Monitor) handle(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()

		return
	}
	m.online = online
	m.mu.Unlock()

	m.logger.Info("outbox connectivity changed", "online", online)
	m.subs.emit(online)
}
