package router

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
)

func newTestRouter() *Router {
	return NewRouter(slog.Default(), Config{MaxAuditLog: 10})
}

func TestAnalyzeComplexity(t *testing.T) {
	r := newTestRouter()

	tests := []struct {
		name  string
		query string
		want  Complexity
	}{
		{name: "show", query: "show low-stock items", want: ComplexitySimple},
		{name: "list", query: "list open purchase orders", want: ComplexitySimple},
		{name: "where is", query: "where is shipment 8812", want: ComplexitySimple},

		{name: "total", query: "total units received this week", want: ComplexityModerate},
		{name: "grouped", query: "show spend by supplier", want: ComplexityModerate},
		{name: "ambiguous", query: "pallets in aisle 4", want: ComplexityModerate},
		{name: "word inside word", query: "show desktop monitors nearby", want: ComplexitySimple},

		{name: "why", query: "why are carrier costs up", want: ComplexityComplex},
		{name: "recommend", query: "recommend reorder points for fasteners", want: ComplexityComplex},
		{name: "compare beats show", query: "show and compare supplier lead times", want: ComplexityComplex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.analyzeComplexity(tt.query)
			if got != tt.want {
				t.Errorf("analyzeComplexity(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	r := newTestRouter()

	tests := []struct {
		name  string
		query string
		want  Intent
	}{
		{name: "plain lookup", query: "Show low-stock items", want: IntentQuery},
		{name: "count", query: "how many trucks are at dock 3", want: IntentQuery},
		{name: "no keywords", query: "pallets in aisle 4", want: IntentQuery},
		{name: "analysis", query: "why did fill rate drop last month", want: IntentSpecialist},
		{name: "forecast", query: "forecast demand for Q3", want: IntentSpecialist},
		{name: "explicit hybrid", query: "pull last week's receipts and explain the variance", want: IntentHybrid},
		{name: "data plus analysis", query: "list late shipments and the root cause", want: IntentHybrid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Classify(context.Background(), Request{Query: tt.query, Persona: "warehouse_manager"})
			if got != tt.want {
				d := r.AuditLog(1)[0]
				t.Errorf("Classify(%q) = %s, want %s (reasoning: %s, scores: %v)", tt.query, got, tt.want, d.Reasoning, d.Scores)
			}
		})
	}
}

func TestCustomKeywords(t *testing.T) {
	r := NewRouter(nil, Config{
		SpecialistKeywords: []string{"negotiate"},
		HybridKeywords:     []string{"plus advice"},
	})

	if got := r.Classify(context.Background(), Request{Query: "negotiate with acme"}); got != IntentSpecialist {
		t.Errorf("custom specialist keyword: got %s", got)
	}
	if got := r.Classify(context.Background(), Request{Query: "pricing plus advice"}); got != IntentHybrid {
		t.Errorf("custom hybrid keyword: got %s", got)
	}
	// Defaults replaced, not merged.
	if got := r.Classify(context.Background(), Request{Query: "pallets that should move"}); got != IntentQuery {
		t.Errorf("default specialist keyword still active: got %s", got)
	}
}

func TestMatchKeywords_WholeWords(t *testing.T) {
	tests := []struct {
		query    string
		keywords []string
		want     int
	}{
		{"reconcile the account balances", []string{"count"}, 0},
		{"laptop and desktop inventory", []string{"top"}, 0},
		{"route to a specialist", []string{"list"}, 0},
		{"count pallets", []string{"count"}, 1},
		{"top 5 suppliers, by spend", []string{"top"}, 1},
		{"status? list it.", []string{"status", "list"}, 2},
		{"find the root cause", []string{"root cause"}, 1},
		{"root of the cause", []string{"root cause"}, 0},
		{"How Many units", []string{"how many"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := matchKeywords(tt.query, tt.keywords); len(got) != tt.want {
				t.Errorf("matchKeywords(%q, %v) = %v, want %d matches", tt.query, tt.keywords, got, tt.want)
			}
		})
	}
}

func TestCustomQueryKeywords(t *testing.T) {
	r := NewRouter(nil, Config{
		QueryKeywords:      []string{"tally"},
		SpecialistKeywords: []string{"assess"},
	})

	if got := r.Classify(context.Background(), Request{Query: "tally and assess bin accuracy"}); got != IntentHybrid {
		t.Errorf("custom query + specialist keywords: got %s, want hybrid", got)
	}
}

func TestStatic(t *testing.T) {
	c := Static(IntentHybrid)
	if got := c.Classify(context.Background(), Request{Query: "anything"}); got != IntentHybrid {
		t.Errorf("Static(hybrid) = %s", got)
	}
}

func TestAuditLogBounded(t *testing.T) {
	r := NewRouter(nil, Config{MaxAuditLog: 3})
	for i := range 5 {
		r.Route(context.Background(), Request{ID: fmt.Sprintf("q%d", i), Query: "show stock"})
	}

	log := r.AuditLog(0)
	if len(log) != 3 {
		t.Fatalf("len(AuditLog) = %d, want 3", len(log))
	}
	if log[0].RequestID != "q2" || log[2].RequestID != "q4" {
		t.Errorf("audit log kept %s..%s, want q2..q4", log[0].RequestID, log[2].RequestID)
	}
	if got := r.AuditLog(2); len(got) != 2 || got[1].RequestID != "q4" {
		t.Errorf("AuditLog(2) = %+v", got)
	}
}

func TestRecordOutcomeAndExplain(t *testing.T) {
	r := newTestRouter()
	r.Route(context.Background(), Request{ID: "q1", Query: "why is stock low", Persona: "procurement_analyst"})

	r.RecordOutcome("q1", 1200, 850, true)

	d := r.Explain("q1")
	if d == nil {
		t.Fatal("Explain(q1) = nil")
	}
	if d.LatencyMs != 1200 || d.TokensUsed != 850 || d.Success == nil || !*d.Success {
		t.Errorf("outcome not recorded: %+v", d)
	}
	if r.Explain("missing") != nil {
		t.Error("Explain(missing) should be nil")
	}

	stats := r.Stats()
	if stats.TotalRequests != 1 {
		t.Errorf("TotalRequests = %d, want 1", stats.TotalRequests)
	}
	if stats.IntentCounts["specialist"] != 1 || stats.PersonaCounts["procurement_analyst"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.AvgLatencyMs["specialist"] != 1200 {
		t.Errorf("AvgLatencyMs = %v", stats.AvgLatencyMs)
	}
}

func TestGeneratedRequestID(t *testing.T) {
	r := newTestRouter()
	_, d := r.Route(context.Background(), Request{Query: "list orders"})
	if d.RequestID == "" {
		t.Error("Route should assign a request id when none is given")
	}
}
