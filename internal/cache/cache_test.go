package cache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestCache(t *testing.T, maxEntries int) (*Cache[string], *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	c, err := New[string](Options{MaxEntries: maxEntries, Now: clk.Now})
	require.NoError(t, err)
	return c, clk
}

func TestGetSet_TTL(t *testing.T) {
	c, clk := newTestCache(t, 10)

	c.Set("k", "v", 60*time.Second)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	clk.Advance(59 * time.Second)
	_, ok = c.Get("k")
	assert.True(t, ok, "entry should live until its TTL elapses")

	clk.Advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry must not be returned at or after its TTL")
	assert.Equal(t, 0, c.Len(), "expired entry removed on access")
	assert.Equal(t, uint64(1), c.Stats().Expirations)
}

func TestSet_Overwrites(t *testing.T) {
	c, _ := newTestCache(t, 10)
	c.Set("k", "first", time.Minute)
	c.Set("k", "second", time.Minute)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "second", got)
	assert.Equal(t, 1, c.Len())
}

func TestLRUEviction(t *testing.T) {
	c, _ := newTestCache(t, 3)
	c.Set("a", "1", time.Hour)
	c.Set("b", "2", time.Hour)
	c.Set("c", "3", time.Hour)

	// Touch "a" so "b" becomes least recently used.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", "4", time.Hour)

	assert.Equal(t, 3, c.Len())
	_, ok = c.Get("b")
	assert.False(t, ok, "least recently accessed key should be evicted")
	for _, k := range []string{"a", "c", "d"} {
		_, ok := c.Get(k)
		assert.True(t, ok, "key %s should survive", k)
	}
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestKey(t *testing.T) {
	base := Key("warehouse_manager", "Show low-stock items", map[string]string{"site": "DAL", "limit": "10"})

	tests := []struct {
		name   string
		key    string
		sameAs bool
	}{
		{"whitespace and case", Key("warehouse_manager", "  show   LOW-STOCK items? ", map[string]string{"limit": "10", "site": "DAL"}), true},
		{"different persona", Key("procurement_analyst", "Show low-stock items", map[string]string{"site": "DAL", "limit": "10"}), false},
		{"different params", Key("warehouse_manager", "Show low-stock items", map[string]string{"site": "HOU", "limit": "10"}), false},
		{"no params", Key("warehouse_manager", "Show low-stock items", nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.sameAs {
				assert.Equal(t, base, tt.key)
			} else {
				assert.NotEqual(t, base, tt.key)
			}
		})
	}

	assert.Equal(t, "warehouse_manager:show low-stock items", labelOf(base))
}

func TestTTLFor(t *testing.T) {
	c, err := New[string](Options{DefaultTTL: time.Minute, SummaryTTL: time.Hour})
	require.NoError(t, err)

	assert.Equal(t, time.Hour, c.TTLFor("Give me the weekly inventory SUMMARY"))
	assert.Equal(t, time.Hour, c.TTLFor("procurement dashboard"))
	assert.Equal(t, time.Minute, c.TTLFor("where is PO 4411?"))
}

func TestInvalidate(t *testing.T) {
	c, _ := newTestCache(t, 10)
	c.Set(Key("warehouse_manager", "stock levels", nil), "a", time.Hour)
	c.Set(Key("warehouse_manager", "open orders", nil), "b", time.Hour)
	c.Set(Key("logistics_coordinator", "stock levels", nil), "c", time.Hour)

	n, err := c.Invalidate("warehouse_manager:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, c.Len())

	n, err = c.Invalidate("*:stock levels")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = c.Invalidate("[")
	assert.Error(t, err)
}

func TestInvalidateAll(t *testing.T) {
	c, _ := newTestCache(t, 10)
	c.Set(Key("p", "orders shipped a/b", nil), "x", time.Hour)
	c.Set(Key("p", "stock", nil), "y", time.Hour)

	n, err := c.Invalidate("*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSweep(t *testing.T) {
	c, clk := newTestCache(t, 10)
	c.Set("short", "1", time.Minute)
	c.Set("long", "2", time.Hour)

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestDo_SingleFlight(t *testing.T) {
	c, _ := newTestCache(t, 10)

	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})

	const n = 8
	type outcome struct {
		v      string
		shared bool
		err    error
	}
	results := make(chan outcome, n)

	go func() {
		v, shared, err := c.Do("k", func() (string, time.Duration, error) {
			calls.Add(1)
			close(started)
			<-release
			return "computed", time.Minute, nil
		})
		results <- outcome{v, shared, err}
	}()
	<-started

	for range n - 1 {
		go func() {
			v, shared, err := c.Do("k", func() (string, time.Duration, error) {
				calls.Add(1)
				return "duplicate", time.Minute, nil
			})
			results <- outcome{v, shared, err}
		}()
	}
	// Give joiners time to attach to the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)

	sharedCount := 0
	for range n {
		o := <-results
		require.NoError(t, o.err)
		assert.Equal(t, "computed", o.v)
		if o.shared {
			sharedCount++
		}
	}
	assert.Equal(t, int32(1), calls.Load(), "fn should run once")
	assert.Equal(t, n-1, sharedCount)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "computed", got)
}

func TestDo_NoStoreOnErrorOrZeroTTL(t *testing.T) {
	c, _ := newTestCache(t, 10)

	_, shared, err := c.Do("err", func() (string, time.Duration, error) {
		return "", time.Minute, errors.New("boom")
	})
	assert.Error(t, err)
	assert.False(t, shared)
	assert.Equal(t, 0, c.Len())

	v, _, err := c.Do("zero", func() (string, time.Duration, error) {
		return "not cached", 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "not cached", v)
	assert.Equal(t, 0, c.Len())
}

func TestDo_Hit(t *testing.T) {
	c, _ := newTestCache(t, 10)
	c.Set("k", "cached", time.Minute)

	v, shared, err := c.Do("k", func() (string, time.Duration, error) {
		t.Fatal("fn must not run on a hit")
		return "", 0, nil
	})
	require.NoError(t, err)
	assert.True(t, shared)
	assert.Equal(t, "cached", v)
}

func TestDo_MissThenLateFlight(t *testing.T) {
	c, _ := newTestCache(t, 10)

	// The first caller to miss stops before joining the flight group
	// until another caller has computed and stored the value.
	var pausedOnce atomic.Bool
	paused := make(chan struct{})
	resume := make(chan struct{})
	c.beforeFlight = func(string) {
		if pausedOnce.CompareAndSwap(false, true) {
			close(paused)
			<-resume
		}
	}

	var calls atomic.Int32
	fn := func() (string, time.Duration, error) {
		calls.Add(1)
		return "computed", time.Minute, nil
	}

	type outcome struct {
		v      string
		shared bool
		err    error
	}
	late := make(chan outcome, 1)
	go func() {
		v, shared, err := c.Do("k", fn)
		late <- outcome{v, shared, err}
	}()
	<-paused

	v, shared, err := c.Do("k", fn)
	require.NoError(t, err)
	assert.False(t, shared)
	assert.Equal(t, "computed", v)

	close(resume)
	o := <-late
	require.NoError(t, o.err)
	assert.Equal(t, "computed", o.v)
	assert.True(t, o.shared, "late caller must reuse the stored value")
	assert.Equal(t, int32(1), calls.Load(), "fn should run once")
}

func TestDo_DistinctKeysFillInParallel(t *testing.T) {
	c, _ := newTestCache(t, 10)

	slowStarted := make(chan struct{})
	release := make(chan struct{})
	slowDone := make(chan error, 1)
	go func() {
		_, _, err := c.Do("slow", func() (string, time.Duration, error) {
			close(slowStarted)
			<-release
			return "slow", time.Minute, nil
		})
		slowDone <- err
	}()
	<-slowStarted

	// While "slow" is still computing, other keys fill and read freely.
	v, _, err := c.Do("fast", func() (string, time.Duration, error) {
		return "fast", time.Minute, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fast", v)
	_, ok := c.Get("fast")
	assert.True(t, ok)

	close(release)
	require.NoError(t, <-slowDone)
	assert.Equal(t, 2, c.Len())
}

func TestConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(t, 50)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 200 {
				k := fmt.Sprintf("k%d", (i*200+j)%75)
				c.Set(k, k, time.Minute)
				c.Get(k)
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}
