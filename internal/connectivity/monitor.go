package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/relaycache/internal/metrics"
	"github.com/agentworkforce/relaycache/internal/offlinesync"
)

type EventType string

const (
	EventOnline  EventType = "online"
	EventOffline EventType = "offline"
)

// Event is delivered once per connectivity transition. Online events carry
// the result of the drain the transition triggered.
type Event struct {
	Type       EventType                `json:"type"`
	At         time.Time                `json:"at"`
	SyncResult *offlinesync.DrainResult `json:"syncResult,omitempty"`
}

// Prober checks whether the remote store is reachable right now.
type Prober interface {
	Ping(ctx context.Context) error
}

type Drainer interface {
	Drain(ctx context.Context) offlinesync.DrainResult
}

// Signal emits whenever the host's network configuration changes. It is
// only a hint to re-probe; the prober decides the actual state.
type Signal interface {
	Changes(ctx context.Context) <-chan struct{}
}

type Options struct {
	Prober       Prober
	Drainer      Drainer
	Signal       Signal
	PollInterval time.Duration
	ProbeTimeout time.Duration
	Logger       offlinesync.Logger
	Now          func() time.Time
}

type Monitor struct {
	prober       Prober
	drainer      Drainer
	signal       Signal
	pollInterval time.Duration
	probeTimeout time.Duration
	logger       offlinesync.Logger
	now          func() time.Time

	offline atomic.Bool
	// transitionMu orders transitions so subscribers see them one at a time.
	transitionMu sync.Mutex

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(Event)
}

// NewMonitor starts in the offline state; the first successful probe
// produces the initial online event and drains anything queued earlier.
func NewMonitor(opts Options) *Monitor {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 3 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := &Monitor{
		prober:       opts.Prober,
		drainer:      opts.Drainer,
		signal:       opts.Signal,
		pollInterval: pollInterval,
		probeTimeout: probeTimeout,
		logger:       opts.Logger,
		now:          now,
		subs:         map[int]func(Event){},
	}
	m.offline.Store(true)
	metrics.SetOnline(false)
	return m
}

// SetDrainer wires the drainer after construction, for callers whose
// engine needs the monitor first.
func (m *Monitor) SetDrainer(d Drainer) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	m.drainer = d
}

func (m *Monitor) IsOffline() bool {
	return m.offline.Load()
}

func (m *Monitor) Subscribe(fn func(Event)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
	}
}

// Report records an observed state. Repeating the current state is a no-op.
func (m *Monitor) Report(ctx context.Context, online bool) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	if m.offline.Load() == !online {
		return
	}
	m.offline.Store(!online)
	metrics.SetOnline(online)

	event := Event{Type: EventOffline, At: m.now().UTC()}
	if online {
		event.Type = EventOnline
		if m.drainer != nil {
			result := m.drainer.Drain(ctx)
			event.SyncResult = &result
		}
	}
	m.logf("connectivity: %s", event.Type)
	m.publish(event)
}

// Probe asks the prober once and reports the outcome.
func (m *Monitor) Probe(ctx context.Context) {
	if m.prober == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err := m.prober.Ping(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	if err != nil && !m.IsOffline() {
		m.logf("connectivity: probe failed: %v", err)
	}
	m.Report(ctx, err == nil)
}

// Run probes at start, on every native signal and on the poll interval
// until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	var changes <-chan struct{}
	if m.signal != nil {
		changes = m.signal.Changes(ctx)
	}
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			m.Probe(ctx)
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

func (m *Monitor) publish(event Event) {
	m.subMu.Lock()
	subs := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subMu.Unlock()
	for _, fn := range subs {
		fn(event)
	}
}

func (m *Monitor) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
