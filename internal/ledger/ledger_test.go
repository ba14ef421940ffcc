package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/nugget/quarry/internal/config"
	"github.com/nugget/quarry/internal/events"
)

func testPricing() map[string]config.PricingEntry {
	return map[string]config.PricingEntry{
		"claude-sonnet-4-20250514": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
		"gpt-4o":                   {InputPerMillion: 2.5, OutputPerMillion: 10.0},
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestComputeCost(t *testing.T) {
	pricing := testPricing()
	tests := []struct {
		model   string
		in, out int
		want    string
	}{
		{"claude-sonnet-4-20250514", 2000, 1000, "0.021"},
		{"gpt-4o", 1_000_000, 0, "2.5"},
		{"qwen3:4b", 50_000, 50_000, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got := ComputeCost(tt.model, tt.in, tt.out, pricing)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestRecord_Components(t *testing.T) {
	costs := map[string]float64{"carrier_rates": 0.002}
	l := New(
		WithPricing(testPricing()),
		WithToolCosts(func(n string) float64 { return costs[n] }),
	)

	rec, err := l.Record(context.Background(), Entry{
		QueryID:   "q1",
		SessionID: "s1",
		Persona:   "logistics_coordinator",
		Usage: []Usage{
			{Model: "claude-sonnet-4-20250514", InputTokens: 2000, OutputTokens: 1000},
			{Model: "gpt-4o", InputTokens: 1000, OutputTokens: 0},
		},
		ToolCalls: map[string]int{"carrier_rates": 3, "free_tool": 2},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "claude-sonnet-4-20250514", rec.Model)
	assert.Equal(t, 3000, rec.InputTokens)
	assert.Equal(t, 1000, rec.OutputTokens)
	assert.True(t, rec.Components["tool:carrier_rates"].Equal(decimal.RequireFromString("0.006")))
	assert.NotContains(t, rec.Components, "tool:free_tool")
	// 0.021 + 0.0025 + 0.006
	assert.True(t, rec.Total.Equal(decimal.RequireFromString("0.0295")), "total = %s", rec.Total)
}

func TestRecord_Immutable(t *testing.T) {
	l := New(WithPricing(testPricing()))
	rec, err := l.Record(context.Background(), Entry{
		QueryID:   "q1",
		SessionID: "s1",
		Usage:     []Usage{{Model: "gpt-4o", InputTokens: 100}},
	})
	require.NoError(t, err)

	rec.Total = decimal.NewFromInt(1000)
	rec.Components["model:gpt-4o"] = decimal.NewFromInt(1000)

	stored := l.SessionRecords("s1")
	require.Len(t, stored, 1)
	assert.False(t, stored[0].Total.Equal(decimal.NewFromInt(1000)))
	assert.False(t, l.SessionTotal("s1").Cost.Equal(decimal.NewFromInt(1000)))
}

func TestRecord_Invalid(t *testing.T) {
	l := New()
	_, err := l.Record(context.Background(), Entry{})
	var cle *CostLedgerError
	require.True(t, errors.As(err, &cle))

	_, err = l.Record(context.Background(), Entry{QueryID: "q", Usage: []Usage{{Model: "m", InputTokens: -1}}})
	assert.Error(t, err)
	assert.Equal(t, 0, l.DailyTotal(time.Now()).Records)
}

func TestSessionTotalEqualsSumOfRecords(t *testing.T) {
	l := New(WithPricing(testPricing()))
	ctx := context.Background()

	for i := range 7 {
		_, err := l.Record(ctx, Entry{
			QueryID:   fmt.Sprintf("q%d", i),
			SessionID: "s1",
			Usage:     []Usage{{Model: "claude-sonnet-4-20250514", InputTokens: 1234 * (i + 1), OutputTokens: 321 * (i + 1)}},
		})
		require.NoError(t, err)
	}

	sum := decimal.Zero
	in := int64(0)
	for _, r := range l.SessionRecords("s1") {
		sum = sum.Add(r.Total)
		in += int64(r.InputTokens)
	}
	total := l.SessionTotal("s1")
	assert.Equal(t, 7, total.Records)
	assert.True(t, total.Cost.Equal(sum), "total %s != sum %s", total.Cost, sum)
	assert.Equal(t, in, total.InputTokens)
}

func TestConcurrentRecording(t *testing.T) {
	l := New(WithPricing(testPricing()))
	ctx := context.Background()

	const sessions, perSession = 6, 40
	var wg sync.WaitGroup
	for s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perSession {
				_, _ = l.Record(ctx, Entry{
					QueryID:   fmt.Sprintf("q-%d-%d", s, i),
					SessionID: fmt.Sprintf("s%d", s),
					Usage:     []Usage{{Model: "gpt-4o", InputTokens: 100, OutputTokens: 10}},
				})
				if i%10 == 0 {
					l.RecordCacheHit(fmt.Sprintf("s%d", s))
				}
			}
		}()
	}
	wg.Wait()

	daySum := decimal.Zero
	for s := range sessions {
		id := fmt.Sprintf("s%d", s)
		total := l.SessionTotal(id)
		assert.Equal(t, perSession, total.Records)
		assert.Equal(t, perSession/10, total.CacheHits)

		recSum := decimal.Zero
		for _, r := range l.SessionRecords(id) {
			recSum = recSum.Add(r.Total)
		}
		assert.True(t, total.Cost.Equal(recSum))
		daySum = daySum.Add(total.Cost)
	}

	day := l.DailyTotal(time.Now())
	assert.Equal(t, sessions*perSession, day.Records)
	assert.True(t, day.Cost.Equal(daySum), "day %s != sessions %s", day.Cost, daySum)
	assert.Equal(t, sessions*perSession/10, l.CacheHits(time.Now()))
}

func TestDailyBuckets(t *testing.T) {
	day1 := time.Date(2025, 5, 1, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)
	l := New(WithPricing(testPricing()))
	ctx := context.Background()

	_, err := l.Record(ctx, Entry{QueryID: "a", Timestamp: day1, Usage: []Usage{{Model: "gpt-4o", InputTokens: 1000}}})
	require.NoError(t, err)
	_, err = l.Record(ctx, Entry{QueryID: "b", Timestamp: day2, Usage: []Usage{{Model: "gpt-4o", InputTokens: 1000}}})
	require.NoError(t, err)

	assert.Equal(t, 1, l.DailyTotal(day1).Records)
	assert.Equal(t, 1, l.DailyTotal(day2).Records)
	assert.Equal(t, 0, l.DailyTotal(day2.AddDate(0, 0, 1)).Records)
}

func TestCacheHitCreatesNoRecord(t *testing.T) {
	now := time.Date(2025, 5, 2, 10, 0, 0, 0, time.UTC)
	l := New(WithClock(fixedClock(now)))
	l.RecordCacheHit("s1")

	assert.Empty(t, l.SessionRecords("s1"))
	assert.Equal(t, 0, l.SessionTotal("s1").Records)
	assert.Equal(t, 1, l.SessionTotal("s1").CacheHits)
	assert.Equal(t, 1, l.CacheHits(now))
	assert.True(t, l.DailyTotal(now).Cost.IsZero())
}

func TestRecord_PublishesEvent(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)

	l := New(WithEventBus(bus))
	rec, err := l.Record(context.Background(), Entry{QueryID: "q1", SessionID: "s1"})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, events.KindCostRecorded, ev.Kind)
		assert.Equal(t, rec.ID, ev.Data["record_id"])
	case <-time.After(time.Second):
		t.Fatal("no cost_recorded event")
	}
}

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	j, err := NewJournal(db)
	require.NoError(t, err)
	return j
}

func TestJournal_WriteThroughAndLoad(t *testing.T) {
	j := newTestJournal(t)
	now := time.Date(2025, 5, 3, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	l := New(WithPricing(testPricing()), WithJournal(j), WithClock(fixedClock(now)))
	for i := range 3 {
		_, err := l.Record(ctx, Entry{
			QueryID:   fmt.Sprintf("q%d", i),
			SessionID: "s1",
			Persona:   "procurement_analyst",
			Usage:     []Usage{{Model: "claude-sonnet-4-20250514", InputTokens: 2000, OutputTokens: 1000}},
		})
		require.NoError(t, err)
	}

	recs, err := j.Records(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "procurement_analyst", recs[0].Persona)
	assert.True(t, recs[0].Components["model:claude-sonnet-4-20250514"].Equal(decimal.RequireFromString("0.021")))

	sum, err := j.Summary(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, sum.Cost.Equal(decimal.RequireFromString("0.063")), "summary cost = %s", sum.Cost)

	// A fresh ledger over the same journal restores the day's totals.
	restored := New(WithJournal(j), WithClock(fixedClock(now)))
	n, err := restored.Load(ctx, now.Truncate(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, restored.DailyTotal(now).Cost.Equal(l.DailyTotal(now).Cost))
	assert.Equal(t, 3, restored.SessionTotal("s1").Records)
}

func TestJournal_FailureStillCounts(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	j, err := NewJournal(db)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	l := New(WithJournal(j))
	rec, err := l.Record(context.Background(), Entry{QueryID: "q1", SessionID: "s1"})

	var cle *CostLedgerError
	require.True(t, errors.As(err, &cle), "want *CostLedgerError, got %v", err)
	assert.Equal(t, "journal", cle.Op)
	require.NotNil(t, rec)
	assert.Equal(t, 1, l.SessionTotal("s1").Records)
}
