package netcore

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"
)

// ConnectivityObserver reports online/offline transitions.
type ConnectivityObserver interface {
	// Subscribe registers fn for transitions and returns a function that
	// removes it.
	Subscribe(fn func(online bool)) (unsubscribe func())
	// Online reports the last known state.
	Online() bool
}

// ProbeFunc reports whether the remote is reachable.
type ProbeFunc func(ctx context.Context) bool

// ConnectivityMonitor is a ConnectivityObserver driven by SetOnline calls
// and, optionally, a periodic probe.
type ConnectivityMonitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
	logger Logger
}

var _ ConnectivityObserver = (*ConnectivityMonitor)(nil)

// NewConnectivityMonitor creates a monitor starting in the given state.
func NewConnectivityMonitor(online bool, logger Logger) *ConnectivityMonitor {
	return &ConnectivityMonitor{
		online: online,
		subs:   make(map[int]func(bool)),
		logger: loggerOrNop(logger),
	}
}

// Online implements ConnectivityObserver.
func (m *ConnectivityMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe implements ConnectivityObserver.
func (m *ConnectivityMonitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// SetOnline records the state and notifies subscribers, in subscription
// order, when it changed. Notification happens on the caller's goroutine.
func (m *ConnectivityMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, m.subs[id])
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	for _, fn := range subs {
		fn(online)
	}
}

// Run probes every interval until ctx is done.
func (m *ConnectivityMonitor) Run(ctx context.Context, interval time.Duration, probe ProbeFunc) {
	if interval <= 0 || probe == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(probe(ctx))
		}
	}
}

// HTTPProbe treats any response from url, whatever its status, as online.
func HTTPProbe(transport Transport, url string, timeout time.Duration) ProbeFunc {
	return func(ctx context.Context) bool {
		_, err := transport.RoundTrip(ctx, &Request{Method: http.MethodHead, URL: url, Timeout: timeout})
		return err == nil
	}
}
