// Package session tracks caller sessions: the active persona, last
// activity, per-session ordering of queries, and inactivity expiry.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/quarry/internal/events"
)

// DefaultInactivity is how long an idle session lives.
const DefaultInactivity = 30 * time.Minute

// Session is a caller-scoped unit of conversational continuity.
type Session struct {
	ID         string    `json:"id"`
	Persona    string    `json:"persona"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	Queries    int       `json:"queries"`
}

type entry struct {
	sess  Session
	queue queue
	// refs counts holders and waiters; referenced sessions never expire.
	refs int
}

// Manager owns the live session table. Queries for one session are
// admitted one at a time in arrival order; different sessions never
// wait on each other.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry

	inactivity time.Duration
	store      Store
	onExpire   []func(id string)
	bus        *events.Bus
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithInactivity sets the idle expiry window.
func WithInactivity(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.inactivity = d
		}
	}
}

// WithStore persists session metadata to s.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithExpireHook registers fn to run for every expired session.
func WithExpireHook(fn func(id string)) Option {
	return func(m *Manager) { m.onExpire = append(m.onExpire, fn) }
}

// WithEventBus publishes persona_switch and session_expired events.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions:   make(map[string]*entry),
		inactivity: DefaultInactivity,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// NewID returns a fresh session identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Lease is exclusive access to a session for one query.
type Lease struct {
	Session Session
	// Switched is true when this query changed the active persona.
	Switched        bool
	PreviousPersona string

	release func()
	once    sync.Once
}

// Release hands the session to the next waiting query. It is safe to
// call more than once.
func (l *Lease) Release() {
	l.once.Do(l.release)
}

// Acquire waits for the session's turn, then marks it active under
// persona. A new id creates the session. The caller must Release the
// lease.
func (m *Manager) Acquire(ctx context.Context, id, persona string) (*Lease, error) {
	if id == "" {
		return nil, fmt.Errorf("acquire session: id is required")
	}

	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		e = &entry{sess: Session{ID: id}}
		m.sessions[id] = e
	}
	e.refs++
	m.mu.Unlock()

	if err := e.queue.acquire(ctx); err != nil {
		m.unref(e)
		return nil, fmt.Errorf("acquire session %s: %w", id, err)
	}

	if !ok && m.store != nil {
		// First sighting in this process: pick up persisted state.
		if saved, found, err := m.store.Load(ctx, id); err != nil {
			m.logger.Warn("session store load failed", "session_id", id, "error", err)
		} else if found {
			m.mu.Lock()
			if e.sess.CreatedAt.IsZero() {
				e.sess = saved
			}
			m.mu.Unlock()
		}
	}

	now := m.now()
	m.mu.Lock()
	lease := &Lease{}
	if e.sess.CreatedAt.IsZero() {
		e.sess.CreatedAt = now
	} else if e.sess.Persona != "" && e.sess.Persona != persona {
		lease.Switched = true
		lease.PreviousPersona = e.sess.Persona
	}
	e.sess.Persona = persona
	e.sess.LastActive = now
	e.sess.Queries++
	lease.Session = e.sess
	m.mu.Unlock()

	lease.release = func() {
		e.queue.release()
		m.unref(e)
	}

	if lease.Switched {
		m.logger.Info("session persona switched",
			"session_id", id,
			"from", lease.PreviousPersona,
			"to", persona,
		)
		m.bus.Emit(events.SourceSession, events.KindPersonaSwitch, map[string]any{
			"session_id": id,
			"from":       lease.PreviousPersona,
			"to":         persona,
		})
	}

	if m.store != nil {
		if err := m.store.Save(ctx, lease.Session); err != nil {
			m.logger.Warn("session store save failed", "session_id", id, "error", err)
		}
	}

	return lease, nil
}

func (m *Manager) unref(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 && e.sess.CreatedAt.IsZero() {
		delete(m.sessions, e.sess.ID)
	}
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok || e.sess.CreatedAt.IsZero() {
		return Session{}, false
	}
	return e.sess, true
}

// List returns all live sessions, most recently active first.
func (m *Manager) List() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		if !e.sess.CreatedAt.IsZero() {
			out = append(out, e.sess)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastActive.After(out[j].LastActive) })
	return out
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	return len(m.List())
}

// ExpireIdle removes sessions idle for at least the inactivity window
// and not currently in use. It returns the expired IDs.
func (m *Manager) ExpireIdle(ctx context.Context) []string {
	cutoff := m.now().Add(-m.inactivity)

	m.mu.Lock()
	var expired []string
	for id, e := range m.sessions {
		if e.refs == 0 && !e.sess.LastActive.After(cutoff) {
			delete(m.sessions, id)
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	sort.Strings(expired)
	for _, id := range expired {
		for _, fn := range m.onExpire {
			fn(id)
		}
		if m.store != nil {
			if err := m.store.Delete(ctx, id); err != nil {
				m.logger.Warn("session store delete failed", "session_id", id, "error", err)
			}
		}
		m.bus.Emit(events.SourceSession, events.KindSessionExpired, map[string]any{"session_id": id})
	}
	if len(expired) > 0 {
		m.logger.Info("sessions expired", "count", len(expired))
	}
	return expired
}

// RunExpiry calls ExpireIdle every interval until ctx is done.
func (m *Manager) RunExpiry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ExpireIdle(ctx)
		}
	}
}
