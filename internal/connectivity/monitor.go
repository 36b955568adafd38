// Package connectivity tracks whether the sync backend is reachable.
package connectivity

import (
	"context"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Option configures optional behaviour for the Monitor.
type Option func(*Monitor)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithHTTPClient overrides the client used for probes.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Monitor) {
		m.client = client
	}
}

// WithInitial sets the state reported before the first probe.
func WithInitial(online bool) Option {
	return func(m *Monitor) {
		m.online.Store(online)
	}
}

// Monitor probes a health endpoint and publishes online/offline transitions.
type Monitor struct {
	healthURL string
	interval  time.Duration
	client    *http.Client
	logger    *log.Logger

	online atomic.Bool

	mu        sync.Mutex
	listeners map[int]chan bool
	nextID    int
}

// NewMonitor constructs a Monitor. An empty healthURL disables probing.
func NewMonitor(healthURL string, interval time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		healthURL: healthURL,
		interval:  interval,
		client:    &http.Client{Timeout: 3 * time.Second},
		logger:    log.New(log.Writer(), "[connectivity] ", log.LstdFlags|log.Lshortfile),
		listeners: make(map[int]chan bool),
	}
	m.online.Store(true)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Set records a new state and notifies subscribers on change.
func (m *Monitor) Set(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	recordTransition(online)
	m.logger.Printf("connectivity changed: online=%t", online)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.listeners {
		// keep only the latest state for slow readers
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Subscribe returns a channel receiving each transition and a cancel func.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	m.listeners[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Run probes until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	if m.healthURL == "" || m.interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.Set(m.Probe(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Probe performs a single health check; any 2xx response counts as online.
func (m *Monitor) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.healthURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			probeFailures.Inc()
		}
		return m.Online() && ctx.Err() != nil
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
