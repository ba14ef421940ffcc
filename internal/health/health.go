// Package health probes the model providers a deployment depends on.
//
// Each provider is checked in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling with up/down transitions published
//     to the event bus
//
// Health is advisory. Queries are never refused because a probe failed;
// the agent loop's own retry and timeout handle a provider that is
// actually down.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/quarry/internal/events"
)

// Pinger is anything that can report reachability. llm.Client
// implementations satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Backoff controls probe timing.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// StartupAttempts bounds the backoff phase.
	StartupAttempts int
	// Interval is the background poll period.
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoff is 2s doubling to 60s over 10 startup attempts, then
// a probe every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:         2 * time.Second,
		Max:             60 * time.Second,
		Multiplier:      2.0,
		StartupAttempts: 10,
		Interval:        60 * time.Second,
		ProbeTimeout:    10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.StartupAttempts <= 0 {
		b.StartupAttempts = d.StartupAttempts
	}
	if b.Interval <= 0 {
		b.Interval = d.Interval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Status is the last known state of one provider.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures"`
}

type target struct {
	name   string
	pinger Pinger

	mu     sync.Mutex
	status Status
}

func (t *target) snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// record stores a probe result and reports whether health flipped.
// The first probe always counts as a change.
func (t *target) record(err error, now time.Time) (changed, healthy bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	first := t.status.LastCheck.IsZero()
	was := t.status.Healthy
	t.status.LastCheck = now
	if err != nil {
		t.status.Healthy = false
		t.status.LastError = err.Error()
		t.status.Failures++
	} else {
		t.status.Healthy = true
		t.status.LastError = ""
		t.status.Failures = 0
	}
	return first || was != t.status.Healthy, t.status.Healthy
}

// Monitor probes a fixed set of providers.
type Monitor struct {
	backoff Backoff
	logger  *slog.Logger
	bus     *events.Bus

	mu      sync.RWMutex
	targets map[string]*target
	wg      sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithBackoff overrides the probe schedule. Zero fields keep defaults.
func WithBackoff(b Backoff) Option {
	return func(m *Monitor) { m.backoff = b.withDefaults() }
}

// WithLogger sets the monitor logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithEventBus publishes provider_state transitions.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Monitor) { m.bus = bus }
}

// NewMonitor creates an idle monitor. Add targets, then Start it.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		backoff: DefaultBackoff(),
		logger:  slog.Default(),
		targets: make(map[string]*target),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Add registers a provider. Adding a name twice replaces the pinger.
func (m *Monitor) Add(name string, p Pinger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[name] = &target{name: name, pinger: p, status: Status{Name: name}}
}

// Start launches one probe goroutine per provider. They stop when ctx
// is cancelled; Wait blocks until they have.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.targets {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.run(ctx, t)
		}()
	}
}

// Wait blocks until every probe goroutine has exited.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Status returns every provider's state, sorted by name.
func (m *Monitor) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every provider answered its last probe.
func (m *Monitor) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Healthy {
			return false
		}
	}
	return true
}

func (m *Monitor) run(ctx context.Context, t *target) {
	b := m.backoff
	log := m.logger.With("provider", t.name)

	delay := b.Initial
	for attempt := 1; attempt <= b.StartupAttempts; attempt++ {
		if m.check(ctx, t) == nil {
			log.Info("provider reachable", "after_attempts", attempt)
			break
		}
		if attempt == b.StartupAttempts {
			log.Warn("provider unreachable at startup, falling back to polling", "attempts", attempt)
			break
		}
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = time.Duration(float64(delay) * b.Multiplier)
		if delay > b.Max {
			delay = b.Max
		}
	}

	ticker := time.NewTicker(b.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, t)
		}
	}
}

func (m *Monitor) check(ctx context.Context, t *target) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.backoff.ProbeTimeout)
	err := t.pinger.Ping(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	changed, healthy := t.record(err, time.Now())
	if !changed {
		if err != nil {
			m.logger.Debug("provider still unreachable", "provider", t.name, "error", err)
		}
		return err
	}

	data := map[string]any{"provider": t.name, "healthy": healthy}
	if err != nil {
		data["error"] = err.Error()
		m.logger.Warn("provider unreachable", "provider", t.name, "error", err)
	} else {
		m.logger.Info("provider healthy", "provider", t.name)
	}
	m.bus.Emit(events.SourceHealth, events.KindProviderState, data)
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
