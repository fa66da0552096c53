// Package connectivity tracks actual server reachability for a branch
// device.
//
// A runtime-reported connectivity flag is only a hint: the monitor trusts
// a transition to online only after an active liveness probe succeeds.
// Transitions are broadcast synchronously to registered listeners, so no
// event is dropped or reordered relative to the transition producing it.
package connectivity

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "github.com/marcomamdouh99/newsync/internal/errors"
	"github.com/marcomamdouh99/newsync/internal/logging"
)

// Probe verifies actual reachability with a short, bounded request.
type Probe interface {
	Check(ctx context.Context) error
}

// HTTPProbe implements Probe with a lightweight GET against the sync
// server's ping endpoint.
type HTTPProbe struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// NewHTTPProbe creates a probe against the given ping URL. The timeout
// defaults to 2500ms; an expired probe is abandoned, not retried inline.
func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = 2500 * time.Millisecond
	}
	return &HTTPProbe{URL: url, Timeout: timeout, Client: &http.Client{}}
}

// Check implements Probe.
func (p *HTTPProbe) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "build probe request", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return apperrors.Wrap(apperrors.ErrProbeTimeout, p.URL, err)
		}
		return apperrors.Wrap(apperrors.ErrNetworkUnreachable, p.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return apperrors.New(apperrors.ErrNetworkUnreachable, resp.Status)
}

// Status is the payload delivered to listeners on every transition.
type Status struct {
	Online    bool      `json:"online"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Listener receives connectivity transitions.
type Listener func(Status)

// Monitor is the Online/Offline state machine.
type Monitor struct {
	probe Probe
	log   *logging.Logger

	mu        sync.Mutex
	online    bool
	listeners map[int]Listener
	nextID    int

	// recheckInterval drives re-probing while offline, so connectivity
	// restored without a runtime hint is still discovered.
	recheckInterval time.Duration
}

// NewMonitor creates a Monitor. The device starts Offline until a probe
// confirms otherwise.
func NewMonitor(probe Probe, recheckInterval time.Duration) *Monitor {
	if recheckInterval <= 0 {
		recheckInterval = 30 * time.Second
	}
	return &Monitor{
		probe:           probe,
		log:             logging.Get().WithComponent("connectivity"),
		listeners:       make(map[int]Listener),
		recheckInterval: recheckInterval,
	}
}

// IsOnline returns the last confirmed connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a listener and returns its unsubscribe function.
// Listeners are invoked synchronously, in registration order, on every
// confirmed transition.
func (m *Monitor) Subscribe(fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// SetHint feeds a runtime-reported connectivity flag into the machine.
// A hint toward offline is trusted immediately (there is nothing to
// verify); a hint toward online is confirmed by a probe first.
func (m *Monitor) SetHint(ctx context.Context, online bool) {
	if !online {
		m.transition(false, time.Now())
		return
	}
	m.Check(ctx)
}

// Check performs one probe and applies the resulting transition.
// Returns the confirmed state.
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.probe.Check(ctx)
	now := time.Now()
	if err != nil {
		m.log.Debug("Liveness probe failed", map[string]interface{}{"error": err.Error()})
		m.transition(false, now)
		return false
	}
	m.transition(true, now)
	return true
}

// Run probes periodically until the context is cancelled. While offline
// it rechecks at the configured interval; while online a failed engine
// call or an offline hint will flip the state, so Run only needs to
// discover recoveries.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.recheckInterval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// transition applies a confirmed state change and, when the state
// actually flips, notifies every listener synchronously.
func (m *Monitor) transition(online bool, at time.Time) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	// Copy under lock, deliver in registration order.
	sort.Ints(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.mu.Unlock()

	m.log.Info("Connectivity transition", map[string]interface{}{"online": online})

	status := Status{Online: online, CheckedAt: at}
	for _, fn := range fns {
		fn(status)
	}
}

// ReportFailure lets collaborators (the sync engine's HTTP client) feed
// observed network failures back into the state machine, flipping to
// Offline without waiting for the next periodic probe.
func (m *Monitor) ReportFailure() {
	m.transition(false, time.Now())
}
