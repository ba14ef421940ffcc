package session

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/nugget/quarry/internal/events"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)}
}

func TestAcquire_CreatesAndTracks(t *testing.T) {
	clk := newClock()
	m := NewManager(WithClock(clk.Now))
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "s1", "warehouse_manager")
	require.NoError(t, err)
	assert.False(t, lease.Switched)
	assert.Equal(t, clk.Now(), lease.Session.CreatedAt)
	assert.Equal(t, 1, lease.Session.Queries)
	lease.Release()
	lease.Release() // idempotent

	clk.Advance(time.Minute)
	lease, err = m.Acquire(ctx, "s1", "warehouse_manager")
	require.NoError(t, err)
	lease.Release()

	s, ok := m.Get("s1")
	require.True(t, ok)
	assert.Equal(t, 2, s.Queries)
	assert.Equal(t, clk.Now(), s.LastActive)
	assert.Equal(t, 1, m.Active())
}

func TestAcquire_PersonaSwitch(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)

	m := NewManager(WithEventBus(bus))
	ctx := context.Background()

	l1, err := m.Acquire(ctx, "s1", "warehouse_manager")
	require.NoError(t, err)
	l1.Release()

	l2, err := m.Acquire(ctx, "s1", "procurement_analyst")
	require.NoError(t, err)
	defer l2.Release()

	assert.True(t, l2.Switched)
	assert.Equal(t, "warehouse_manager", l2.PreviousPersona)
	assert.Equal(t, "procurement_analyst", l2.Session.Persona)

	select {
	case ev := <-ch:
		assert.Equal(t, events.KindPersonaSwitch, ev.Kind)
		assert.Equal(t, "procurement_analyst", ev.Data["to"])
	case <-time.After(time.Second):
		t.Fatal("no persona_switch event")
	}
}

func TestAcquire_EmptyID(t *testing.T) {
	_, err := NewManager().Acquire(context.Background(), "", "p")
	assert.Error(t, err)
}

func TestAcquire_FIFOOrder(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	first, err := m.Acquire(ctx, "s1", "p")
	require.NoError(t, err)

	const n = 5
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := m.Acquire(ctx, "s1", "p")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			l.Release()
		}()
		// Let goroutine i enqueue before i+1.
		require.Eventually(t, func() bool {
			m.mu.Lock()
			e := m.sessions["s1"]
			m.mu.Unlock()
			e.queue.mu.Lock()
			defer e.queue.mu.Unlock()
			return len(e.queue.waiters) == i+1
		}, time.Second, time.Millisecond)
	}

	first.Release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestAcquire_SessionsIndependent(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	held, err := m.Acquire(ctx, "busy", "p")
	require.NoError(t, err)
	defer held.Release()

	done := make(chan struct{})
	go func() {
		l, err := m.Acquire(ctx, "other", "p")
		if err == nil {
			l.Release()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unrelated session blocked")
	}
}

func TestAcquire_ContextCancelWhileWaiting(t *testing.T) {
	m := NewManager()
	held, err := m.Acquire(context.Background(), "s1", "p")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "s1", "p")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	held.Release()

	// The abandoned waiter must not hold the session.
	l, err := m.Acquire(context.Background(), "s1", "p")
	require.NoError(t, err)
	l.Release()
}

func TestExpireIdle(t *testing.T) {
	clk := newClock()
	var expiredHook []string
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	m := NewManager(
		WithClock(clk.Now),
		WithInactivity(10*time.Minute),
		WithExpireHook(func(id string) { expiredHook = append(expiredHook, id) }),
		WithEventBus(bus),
	)
	ctx := context.Background()

	for _, id := range []string{"idle", "busy"} {
		l, err := m.Acquire(ctx, id, "p")
		require.NoError(t, err)
		l.Release()
	}
	busy, err := m.Acquire(ctx, "busy", "p")
	require.NoError(t, err)

	clk.Advance(9 * time.Minute)
	assert.Empty(t, m.ExpireIdle(ctx))

	clk.Advance(2 * time.Minute)
	assert.Equal(t, []string{"idle"}, m.ExpireIdle(ctx), "in-use sessions must not expire")
	assert.Equal(t, []string{"idle"}, expiredHook)

	_, ok := m.Get("idle")
	assert.False(t, ok)

	busy.Release()
	assert.Equal(t, []string{"busy"}, m.ExpireIdle(ctx))
	assert.Equal(t, 0, m.Active())

	ev := <-ch
	assert.Equal(t, events.KindSessionExpired, ev.Kind)
}

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return s
}

func TestStores(t *testing.T) {
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newSQLiteStore(t),
	}
	for name, st := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
			sess := Session{ID: "s1", Persona: "warehouse_manager", CreatedAt: created, LastActive: created, Queries: 1}

			require.NoError(t, st.Save(ctx, sess))
			sess.Persona = "logistics_coordinator"
			sess.Queries = 2
			sess.LastActive = created.Add(time.Minute)
			require.NoError(t, st.Save(ctx, sess))
			require.NoError(t, st.Save(ctx, Session{ID: "s0", Persona: "p", CreatedAt: created, LastActive: created}))

			got, ok, err := st.Load(ctx, "s1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "logistics_coordinator", got.Persona)
			assert.Equal(t, 2, got.Queries)
			assert.True(t, got.CreatedAt.Equal(created))
			assert.True(t, got.LastActive.Equal(created.Add(time.Minute)))

			list, err := st.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "s0", list[0].ID)

			require.NoError(t, st.Delete(ctx, "s1"))
			_, ok, err = st.Load(ctx, "s1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestManager_PersistedPersonaSurvivesRestart(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()

	m1 := NewManager(WithStore(st))
	l, err := m1.Acquire(ctx, "s1", "warehouse_manager")
	require.NoError(t, err)
	l.Release()

	m2 := NewManager(WithStore(st))
	l, err = m2.Acquire(ctx, "s1", "procurement_analyst")
	require.NoError(t, err)
	defer l.Release()

	assert.True(t, l.Switched, "switch against the persisted persona should be detected")
	assert.Equal(t, 2, l.Session.Queries)
}
