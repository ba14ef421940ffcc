// Package ledger accumulates per-query cost records and keeps running
// totals per session and per day. Records are immutable once written;
// every total is maintained in the same critical section as the append
// of the record it includes, so a total always equals the sum of its
// records.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nugget/quarry/internal/config"
	"github.com/nugget/quarry/internal/events"
)

// dayLayout keys daily buckets. Days are UTC.
const dayLayout = "2006-01-02"

var million = decimal.NewFromInt(1_000_000)

// CostRecord is the cost of one answered query.
type CostRecord struct {
	ID           string                     `json:"id"`
	QueryID      string                     `json:"query_id"`
	SessionID    string                     `json:"session_id"`
	Persona      string                     `json:"persona"`
	Model        string                     `json:"model"`
	Timestamp    time.Time                  `json:"timestamp"`
	InputTokens  int                        `json:"input_tokens"`
	OutputTokens int                        `json:"output_tokens"`
	Components   map[string]decimal.Decimal `json:"components"`
	Total        decimal.Decimal            `json:"total"`
}

func (r *CostRecord) clone() CostRecord {
	c := *r
	c.Components = maps.Clone(r.Components)
	return c
}

// Usage is the token usage of one model within a query.
type Usage struct {
	Model        string
	InputTokens  int
	OutputTokens int
}

// Entry is the input to Record.
type Entry struct {
	QueryID   string
	SessionID string
	Persona   string
	Usage     []Usage
	// ToolCalls counts invocations per tool name.
	ToolCalls map[string]int
	// Extra holds additional named service costs in USD.
	Extra map[string]decimal.Decimal
	// Timestamp defaults to the ledger clock.
	Timestamp time.Time
}

// Totals aggregates a set of records.
type Totals struct {
	Records      int             `json:"records"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Cost         decimal.Decimal `json:"cost_usd"`
	CacheHits    int             `json:"cache_hits"`
}

func (t *Totals) add(r *CostRecord) {
	t.Records++
	t.InputTokens += int64(r.InputTokens)
	t.OutputTokens += int64(r.OutputTokens)
	t.Cost = t.Cost.Add(r.Total)
}

// CostLedgerError reports a ledger failure. Callers log it and carry
// on; a ledger problem never fails a query.
type CostLedgerError struct {
	Op  string
	Err error
}

func (e *CostLedgerError) Error() string {
	return fmt.Sprintf("cost ledger %s: %v", e.Op, e.Err)
}

func (e *CostLedgerError) Unwrap() error {
	return e.Err
}

type bucket struct {
	mu      sync.Mutex
	records []*CostRecord
	totals  Totals
}

func (b *bucket) append(r *CostRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, r)
	b.totals.add(r)
}

func (b *bucket) hit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totals.CacheHits++
}

func (b *bucket) snapshot() Totals {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totals
}

// Ledger is safe for concurrent use. Each session and each day has its
// own lock; recording for one session never waits on another.
type Ledger struct {
	mu       sync.RWMutex
	sessions map[string]*bucket
	days     map[string]*bucket

	pricing  map[string]config.PricingEntry
	toolCost func(name string) float64
	journal  *Journal
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPricing sets per-model token prices. Models without an entry cost
// nothing (local models).
func WithPricing(p map[string]config.PricingEntry) Option {
	return func(l *Ledger) { l.pricing = p }
}

// WithToolCosts sets the per-call service cost lookup.
func WithToolCosts(fn func(name string) float64) Option {
	return func(l *Ledger) { l.toolCost = fn }
}

// WithJournal enables write-through persistence.
func WithJournal(j *Journal) Option {
	return func(l *Ledger) { l.journal = j }
}

// WithEventBus publishes cost_recorded events.
func WithEventBus(bus *events.Bus) Option {
	return func(l *Ledger) { l.bus = bus }
}

// WithLogger sets the ledger logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		sessions: make(map[string]*bucket),
		days:     make(map[string]*bucket),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// ComputeCost calculates the USD cost for a model's token usage based
// on the pricing table. Models not in the table are treated as free.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) decimal.Decimal {
	entry, ok := pricing[model]
	if !ok {
		return decimal.Zero
	}
	in := decimal.NewFromInt(int64(inputTokens)).Mul(decimal.NewFromFloat(entry.InputPerMillion))
	out := decimal.NewFromInt(int64(outputTokens)).Mul(decimal.NewFromFloat(entry.OutputPerMillion))
	return in.Add(out).Div(million)
}

func (l *Ledger) bucketFor(m map[string]*bucket, key string) *bucket {
	l.mu.RLock()
	b, ok := m[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = m[key]; ok {
		return b
	}
	b = &bucket{}
	m[key] = b
	return b
}

func (l *Ledger) peek(m map[string]*bucket, key string) *bucket {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return m[key]
}

// Record prices an entry, stores the resulting immutable record and
// updates the session and day totals. The record is counted even when
// the journal write fails; that failure is returned as a
// *CostLedgerError alongside the record.
func (l *Ledger) Record(ctx context.Context, e Entry) (*CostRecord, error) {
	if e.QueryID == "" {
		return nil, &CostLedgerError{Op: "record", Err: fmt.Errorf("query id is required")}
	}

	rec, err := l.price(e)
	if err != nil {
		return nil, &CostLedgerError{Op: "record", Err: err}
	}

	l.insert(rec)

	l.logger.Debug("cost recorded",
		"record_id", rec.ID,
		"query_id", rec.QueryID,
		"session_id", rec.SessionID,
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
		"total_usd", rec.Total.StringFixed(6),
	)
	l.bus.Emit(events.SourceLedger, events.KindCostRecorded, map[string]any{
		"record_id":  rec.ID,
		"query_id":   rec.QueryID,
		"session_id": rec.SessionID,
		"total_usd":  rec.Total.InexactFloat64(),
	})

	out := rec.clone()
	if l.journal != nil {
		if err := l.journal.Append(ctx, out); err != nil {
			return &out, &CostLedgerError{Op: "journal", Err: err}
		}
	}
	return &out, nil
}

func (l *Ledger) price(e Entry) (*CostRecord, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate record id: %w", err)
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	rec := &CostRecord{
		ID:         id.String(),
		QueryID:    e.QueryID,
		SessionID:  e.SessionID,
		Persona:    e.Persona,
		Timestamp:  ts,
		Components: make(map[string]decimal.Decimal),
		Total:      decimal.Zero,
	}

	for _, u := range e.Usage {
		if u.InputTokens < 0 || u.OutputTokens < 0 {
			return nil, fmt.Errorf("negative token count for %s", u.Model)
		}
		if rec.Model == "" {
			rec.Model = u.Model
		}
		rec.InputTokens += u.InputTokens
		rec.OutputTokens += u.OutputTokens
		key := "model:" + u.Model
		rec.Components[key] = rec.Components[key].Add(ComputeCost(u.Model, u.InputTokens, u.OutputTokens, l.pricing))
	}

	if l.toolCost != nil {
		names := make([]string, 0, len(e.ToolCalls))
		for n := range e.ToolCalls {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			per := l.toolCost(n)
			if per == 0 {
				continue
			}
			rec.Components["tool:"+n] = decimal.NewFromFloat(per).Mul(decimal.NewFromInt(int64(e.ToolCalls[n])))
		}
	}

	for name, v := range e.Extra {
		rec.Components[name] = rec.Components[name].Add(v)
	}

	for _, v := range rec.Components {
		rec.Total = rec.Total.Add(v)
	}
	return rec, nil
}

func (l *Ledger) insert(rec *CostRecord) {
	if rec.SessionID != "" {
		l.bucketFor(l.sessions, rec.SessionID).append(rec)
	}
	l.bucketFor(l.days, rec.Timestamp.UTC().Format(dayLayout)).append(rec)
}

// Load replays journaled records from since onward into the in-memory
// totals, without writing them back. It returns the number loaded.
func (l *Ledger) Load(ctx context.Context, since time.Time) (int, error) {
	if l.journal == nil {
		return 0, nil
	}
	recs, err := l.journal.Records(ctx, since, l.now().Add(time.Second))
	if err != nil {
		return 0, &CostLedgerError{Op: "load", Err: err}
	}
	for i := range recs {
		l.insert(&recs[i])
	}
	return len(recs), nil
}

// RecordCacheHit counts a zero-cost cache hit for the session and the
// current day. No CostRecord is created.
func (l *Ledger) RecordCacheHit(sessionID string) {
	if sessionID != "" {
		l.bucketFor(l.sessions, sessionID).hit()
	}
	l.bucketFor(l.days, l.now().UTC().Format(dayLayout)).hit()
}

// SessionTotal returns the totals for a session.
func (l *Ledger) SessionTotal(sessionID string) Totals {
	if b := l.peek(l.sessions, sessionID); b != nil {
		return b.snapshot()
	}
	return Totals{}
}

// DailyTotal returns the totals for the UTC day containing date.
func (l *Ledger) DailyTotal(date time.Time) Totals {
	if b := l.peek(l.days, date.UTC().Format(dayLayout)); b != nil {
		return b.snapshot()
	}
	return Totals{}
}

// CacheHits returns the cache hit count for the UTC day containing
// date.
func (l *Ledger) CacheHits(date time.Time) int {
	return l.DailyTotal(date).CacheHits
}

// SessionRecords returns copies of a session's records, oldest first.
func (l *Ledger) SessionRecords(sessionID string) []CostRecord {
	b := l.peek(l.sessions, sessionID)
	if b == nil {
		return []CostRecord{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]CostRecord, len(b.records))
	for i, r := range b.records {
		out[i] = r.clone()
	}
	return out
}
