package healthsync

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// NetworkMonitor holds the device's connectivity and notifies subscribers on
// every transition. It only notifies; reacting to a transition is up to the
// subscribers.
type NetworkMonitor struct {
	log logrus.FieldLogger

	mu        sync.Mutex
	online    bool
	nextID    uint64
	listeners []networkListener
}

type networkListener struct {
	id uint64
	fn func(online bool)
}

// NewNetworkMonitor creates a monitor with an initial connectivity value.
func NewNetworkMonitor(online bool, log logrus.FieldLogger) *NetworkMonitor {
	return &NetworkMonitor{online: online, log: componentLogger(log, "network")}
}

// IsOnline returns the last known connectivity.
func (m *NetworkMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for connectivity transitions and returns a function
// that removes it.
func (m *NetworkMonitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, networkListener{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Update records an observation from the connectivity source. Listeners run
// synchronously in registration order, and only when the value changes.
func (m *NetworkMonitor) Update(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := append([]networkListener(nil), m.listeners...)
	m.mu.Unlock()

	m.log.WithField("online", online).Info("connectivity changed")
	for _, l := range listeners {
		l.fn(online)
	}
}

// ============================================================================
// Probing
// ============================================================================

// Prober reports current connectivity. An error means the observation
// itself failed, not that the device is offline.
type Prober interface {
	Probe(ctx context.Context) (bool, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (bool, error)

func (f ProberFunc) Probe(ctx context.Context) (bool, error) { return f(ctx) }

// Watch probes every interval until ctx is done. A failed probe holds the
// last known state.
func (m *NetworkMonitor) Watch(ctx context.Context, p Prober, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.probeOnce(ctx, p)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx, p)
		}
	}
}

func (m *NetworkMonitor) probeOnce(ctx context.Context, p Prober) {
	online, err := p.Probe(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.log.WithError(err).Debug("connectivity probe failed; holding last state")
		}
		return
	}
	m.Update(online)
}

// HTTPProber checks reachability of the API's health endpoint. Any HTTP
// response counts as online; a transport error counts as offline.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber probes <baseURL>/health with a short timeout.
func NewHTTPProber(baseURL string) *HTTPProber {
	return &HTTPProber{
		URL:    strings.TrimRight(baseURL, "/") + "/health",
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *HTTPProber) Probe(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	resp.Body.Close()
	return true, nil
}
