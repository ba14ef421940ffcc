// Package cache is the query result cache: a size-bounded LRU with
// per-entry TTLs, two TTL classes, and single-flight fills so that
// concurrent identical queries share one computation.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"
)

// Defaults for a zero Options.
const (
	DefaultMaxEntries = 1000
	DefaultTTL        = 5 * time.Minute
	DefaultSummaryTTL = 30 * time.Minute
)

// DefaultSummaryPatterns mark queries whose answers change slowly.
var DefaultSummaryPatterns = []string{"summary", "summarize", "dashboard", "overview", "kpi"}

type entry[V any] struct {
	value    V
	label    string
	inserted time.Time
	expires  time.Time
}

// Options configures a Cache.
type Options struct {
	MaxEntries      int
	DefaultTTL      time.Duration
	SummaryTTL      time.Duration
	SummaryPatterns []string
	Logger          *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries     int    `json:"entries"`
	Capacity    int    `json:"capacity"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
}

// Cache maps keys to values of type V. All methods are safe for
// concurrent use. mu guards only the LRU index and counters and is never
// held while a value is computed; fills are serialized per key by the
// flight group, so fills for distinct keys run in parallel. The index is
// one recency list so eviction is exact LRU.
type Cache[V any] struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[string, *entry[V]]
	flights singleflight.Group

	maxEntries int
	defaultTTL time.Duration
	summaryTTL time.Duration
	patterns   []string
	logger     *slog.Logger
	now        func() time.Time

	// beforeFlight runs between the cache miss and the flight, for tests.
	beforeFlight func(key string)

	hits, misses, evictions, expirations uint64
}

// New creates a cache.
func New[V any](opts Options) (*Cache[V], error) {
	c := &Cache[V]{
		maxEntries: opts.MaxEntries,
		defaultTTL: opts.DefaultTTL,
		summaryTTL: opts.SummaryTTL,
		patterns:   opts.SummaryPatterns,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if c.maxEntries <= 0 {
		c.maxEntries = DefaultMaxEntries
	}
	if c.defaultTTL <= 0 {
		c.defaultTTL = DefaultTTL
	}
	if c.summaryTTL <= 0 {
		c.summaryTTL = DefaultSummaryTTL
	}
	if c.patterns == nil {
		c.patterns = DefaultSummaryPatterns
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}

	lru, err := simplelru.NewLRU[string, *entry[V]](c.maxEntries, nil)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	c.lru = lru
	return c, nil
}

// Normalize canonicalizes query text for keying: lower case, single
// spaces, no trailing punctuation.
func Normalize(query string) string {
	q := strings.ToLower(strings.Join(strings.Fields(query), " "))
	return strings.TrimRight(q, "?!. ")
}

// Key derives the cache key for a query. The key keeps a readable
// "persona:normalized query" prefix for pattern invalidation, followed
// by a hash over persona, query and sorted params.
func Key(persona, query string, params map[string]string) string {
	norm := Normalize(query)

	h := xxhash.New()
	_, _ = h.WriteString(persona)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(norm)

	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("=")
		_, _ = h.WriteString(params[k])
	}

	return fmt.Sprintf("%s:%s#%016x", persona, norm, h.Sum64())
}

func labelOf(key string) string {
	if i := strings.LastIndexByte(key, '#'); i >= 0 {
		return key[:i]
	}
	return key
}

// TTLFor picks the summary TTL for queries matching a summary pattern
// and the default TTL otherwise.
func (c *Cache[V]) TTLFor(query string) time.Duration {
	norm := Normalize(query)
	for _, p := range c.patterns {
		if p != "" && strings.Contains(norm, strings.ToLower(p)) {
			return c.summaryTTL
		}
	}
	return c.defaultTTL
}

// Get returns the live value for key. Expired entries are removed and
// reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache[V]) getLocked(key string) (V, bool) {
	var zero V
	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return zero, false
	}
	if !c.now().Before(e.expires) {
		c.lru.Remove(key)
		c.expirations++
		c.misses++
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under key for ttl, replacing any existing entry. A
// non-positive ttl uses the default TTL.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := c.lru.Add(key, &entry[V]{
		value:    value,
		label:    labelOf(key),
		inserted: now,
		expires:  now.Add(ttl),
	})
	if evicted {
		c.evictions++
		c.logger.Debug("cache entry evicted", "capacity", c.maxEntries)
	}
}

// Do returns the cached value for key, or calls fn once across all
// concurrent callers for that key. fn returns the value and the TTL to
// store it with; a zero TTL or an error leaves the cache untouched. The
// bool result is true when the value did not come from this caller's
// own fn call.
func (c *Cache[V]) Do(key string, fn func() (V, time.Duration, error)) (V, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}
	if c.beforeFlight != nil {
		c.beforeFlight(key)
	}

	var ran bool
	res, err, _ := c.flights.Do(key, func() (any, error) {
		// A flight that finished after our miss has already stored
		// the value.
		if v, ok := c.peekLive(key); ok {
			return v, nil
		}
		ran = true
		v, ttl, err := fn()
		if err != nil {
			return v, err
		}
		if ttl > 0 {
			c.Set(key, v, ttl)
		}
		return v, nil
	})

	v, _ := res.(V)
	return v, !ran, err
}

// peekLive reports a live entry without touching counters or recency.
func (c *Cache[V]) peekLive(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	e, ok := c.lru.Peek(key)
	if !ok || !c.now().Before(e.expires) {
		return zero, false
	}
	return e.value, true
}

// Invalidate removes every entry whose readable prefix matches the glob
// pattern and returns how many were removed. "*" clears everything.
func (c *Cache[V]) Invalidate(pattern string) (int, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if ok, _ := path.Match(pattern, e.label); ok || pattern == "*" {
			c.lru.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Info("cache invalidated", "pattern", pattern, "removed", removed)
	}
	return removed, nil
}

// Sweep removes all expired entries and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if ok && !now.Before(e.expires) {
			c.lru.Remove(key)
			c.expirations++
			removed++
		}
	}
	return removed
}

// RunSweeper sweeps expired entries every interval until ctx is done.
func (c *Cache[V]) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("cache sweep", "expired", n)
			}
		}
	}
}

// Len returns the number of stored entries, including any expired ones
// not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:     c.lru.Len(),
		Capacity:    c.maxEntries,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}
