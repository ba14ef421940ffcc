// Package router classifies query intent to choose between a persona's
// query responder, its specialist responder, or both.
package router

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Intent selects which responders handle a query.
type Intent string

// Intents.
const (
	IntentQuery      Intent = "query"
	IntentSpecialist Intent = "specialist"
	IntentHybrid     Intent = "hybrid"
)

// Request contains the information needed for a routing decision.
type Request struct {
	ID      string // Query identifier, used to correlate outcomes
	Query   string
	Persona string
}

// Classifier maps a query to an intent. Implementations must be safe
// for concurrent use.
type Classifier interface {
	Classify(ctx context.Context, req Request) Intent
}

// OutcomeRecorder is implemented by classifiers that track how their
// decisions turned out.
type OutcomeRecorder interface {
	RecordOutcome(requestID string, latencyMs int64, tokensUsed int, success bool)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, req Request) Intent

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, req Request) Intent {
	return f(ctx, req)
}

// Static always returns the same intent.
func Static(i Intent) Classifier {
	return ClassifierFunc(func(context.Context, Request) Intent { return i })
}

// Decision records why an intent was selected.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Input analysis
	Persona     string     `json:"persona"`
	QueryLength int        `json:"query_length"`
	Complexity  Complexity `json:"complexity"`

	// Decision process
	RulesEvaluated []string       `json:"rules_evaluated"`
	RulesMatched   []string       `json:"rules_matched"`
	Scores         map[string]int `json:"scores,omitempty"`

	// Outcome
	Intent    Intent `json:"intent"`
	Reasoning string `json:"reasoning"`

	// Post-execution (filled in later)
	LatencyMs  int64 `json:"latency_ms,omitempty"`
	TokensUsed int   `json:"tokens_used,omitempty"`
	Success    *bool `json:"success,omitempty"`
}

// Complexity categorizes query difficulty.
type Complexity int

const (
	ComplexitySimple   Complexity = iota // Direct lookup
	ComplexityModerate                   // Filtered or aggregated data
	ComplexityComplex                    // Reasoning, analysis, recommendation
)

func (c Complexity) String() string {
	switch c {
	case ComplexitySimple:
		return "simple"
	case ComplexityModerate:
		return "moderate"
	case ComplexityComplex:
		return "complex"
	default:
		return "unknown"
	}
}

// MarshalText renders the complexity by name in audit output.
func (c Complexity) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Default keyword lists.
var (
	DefaultQueryKeywords = []string{
		"show", "list", "how many", "count", "total", "top", "which",
		"where", "status", "report", "lookup", "find", "open", "current",
	}
	DefaultSpecialistKeywords = []string{
		"why", "explain", "analyze", "analyse", "compare", "recommend",
		"forecast", "predict", "optimize", "root cause", "what if", "should",
		"trend", "risk",
	}
	DefaultHybridKeywords = []string{
		"and explain", "and recommend", "and suggest", "then recommend",
		"and why", "with recommendations",
	}
)

// Config holds router configuration.
type Config struct {
	QueryKeywords      []string
	SpecialistKeywords []string
	HybridKeywords     []string
	MaxAuditLog        int // How many decisions to keep in memory
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests    int64            `json:"total_requests"`
	IntentCounts     map[string]int64 `json:"intent_counts"`
	PersonaCounts    map[string]int64 `json:"persona_counts"`
	AvgLatencyMs     map[string]int64 `json:"avg_latency_ms"`
	ComplexityCounts map[string]int64 `json:"complexity_counts"`
}

// Router is the default keyword classifier. It keeps a bounded audit
// log of its decisions.
type Router struct {
	logger *slog.Logger
	config Config

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// NewRouter creates a router with the given configuration. Empty
// keyword lists fall back to the defaults.
func NewRouter(logger *slog.Logger, config Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	if len(config.QueryKeywords) == 0 {
		config.QueryKeywords = DefaultQueryKeywords
	}
	if len(config.SpecialistKeywords) == 0 {
		config.SpecialistKeywords = DefaultSpecialistKeywords
	}
	if len(config.HybridKeywords) == 0 {
		config.HybridKeywords = DefaultHybridKeywords
	}
	return &Router{
		logger:   logger,
		config:   config,
		auditLog: make([]Decision, 0, min(config.MaxAuditLog, 64)),
		stats: Stats{
			IntentCounts:     make(map[string]int64),
			PersonaCounts:    make(map[string]int64),
			AvgLatencyMs:     make(map[string]int64),
			ComplexityCounts: make(map[string]int64),
		},
	}
}

// Classify implements Classifier.
func (r *Router) Classify(ctx context.Context, req Request) Intent {
	intent, _ := r.Route(ctx, req)
	return intent
}

// Route classifies the request and records the decision.
func (r *Router) Route(ctx context.Context, req Request) (Intent, *Decision) {
	decision := &Decision{
		RequestID:   req.ID,
		Timestamp:   time.Now(),
		Persona:     req.Persona,
		QueryLength: len(req.Query),
	}
	if decision.RequestID == "" {
		decision.RequestID = generateRequestID()
	}

	decision.Complexity = r.analyzeComplexity(req.Query)
	decision.Intent = r.selectIntent(req.Query, decision)

	r.recordDecision(*decision)

	r.logger.Info("query routed",
		"request_id", decision.RequestID,
		"persona", req.Persona,
		"intent", decision.Intent,
		"complexity", decision.Complexity.String(),
		"reasoning", decision.Reasoning,
	)

	return decision.Intent, decision
}

// analyzeComplexity estimates query difficulty.
func (r *Router) analyzeComplexity(query string) Complexity {
	q := strings.ToLower(query)

	complexWords := []string{"explain", "why", "analyze", "analyse", "compare", "recommend", "forecast", "optimize", "trend", "root cause"}
	if len(matchKeywords(q, complexWords)) > 0 {
		return ComplexityComplex
	}

	aggregateWords := []string{"total", "average", "by", "per", "group", "over the last", "between", "top"}
	if len(matchKeywords(q, aggregateWords)) > 0 {
		return ComplexityModerate
	}

	simplePrefixes := []string{"show", "list", "lookup", "find", "what is", "where is", "status of"}
	for _, p := range simplePrefixes {
		if strings.HasPrefix(q, p) {
			return ComplexitySimple
		}
	}

	return ComplexityModerate
}

// words splits s into lower-case words; punctuation separates words.
func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// matchKeywords returns the keywords that occur in q as whole words. A
// multi-word keyword must appear as a contiguous run.
func matchKeywords(q string, keywords []string) []string {
	qw := words(q)
	var matched []string
	for _, k := range keywords {
		kw := words(k)
		if len(kw) == 0 {
			continue
		}
		for i := 0; i+len(kw) <= len(qw); i++ {
			if slices.Equal(qw[i:i+len(kw)], kw) {
				matched = append(matched, k)
				break
			}
		}
	}
	return matched
}

// selectIntent scores the query against the keyword lists. An explicit
// hybrid phrase wins; otherwise a query that both asks for data and
// asks for analysis is hybrid.
func (r *Router) selectIntent(query string, decision *Decision) Intent {
	q := strings.ToLower(query)
	var reasoning strings.Builder

	decision.RulesEvaluated = []string{"hybrid_keywords", "query_keywords", "specialist_keywords", "complexity"}

	hybrid := matchKeywords(q, r.config.HybridKeywords)
	queryHits := matchKeywords(q, r.config.QueryKeywords)
	specHits := matchKeywords(q, r.config.SpecialistKeywords)

	scores := map[string]int{
		string(IntentQuery):      len(queryHits) * 10,
		string(IntentSpecialist): len(specHits) * 10,
	}
	switch decision.Complexity {
	case ComplexityComplex:
		scores[string(IntentSpecialist)] += 5
	case ComplexitySimple:
		scores[string(IntentQuery)] += 5
	}
	decision.Scores = scores

	for _, k := range hybrid {
		decision.RulesMatched = append(decision.RulesMatched, "hybrid:"+k)
	}
	for _, k := range queryHits {
		decision.RulesMatched = append(decision.RulesMatched, "query:"+k)
	}
	for _, k := range specHits {
		decision.RulesMatched = append(decision.RulesMatched, "specialist:"+k)
	}

	var intent Intent
	switch {
	case len(hybrid) > 0:
		intent = IntentHybrid
		reasoning.WriteString("Explicit hybrid phrase " + strconv.Quote(hybrid[0]) + ".")
	case len(queryHits) > 0 && len(specHits) > 0:
		intent = IntentHybrid
		reasoning.WriteString("Asks for data and for analysis.")
	case scores[string(IntentSpecialist)] > scores[string(IntentQuery)]:
		intent = IntentSpecialist
		reasoning.WriteString("Analytical wording (score=" + strconv.Itoa(scores[string(IntentSpecialist)]) + ").")
	default:
		intent = IntentQuery
		reasoning.WriteString("Data retrieval (score=" + strconv.Itoa(scores[string(IntentQuery)]) + ").")
	}
	reasoning.WriteString(" Complexity " + decision.Complexity.String() + ".")

	decision.Reasoning = reasoning.String()
	return intent
}

// RecordOutcome updates a decision with execution results.
func (r *Router) RecordOutcome(requestID string, latencyMs int64, tokensUsed int, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			r.auditLog[i].LatencyMs = latencyMs
			r.auditLog[i].TokensUsed = tokensUsed
			r.auditLog[i].Success = &success

			intent := string(r.auditLog[i].Intent)
			if prev := r.stats.AvgLatencyMs[intent]; prev == 0 {
				r.stats.AvgLatencyMs[intent] = latencyMs
			} else {
				r.stats.AvgLatencyMs[intent] = (prev + latencyMs) / 2
			}
			break
		}
	}
}

// recordDecision adds a decision to the audit log.
func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	r.stats.IntentCounts[string(d.Intent)]++
	r.stats.PersonaCounts[d.Persona]++
	r.stats.ComplexityCounts[d.Complexity.String()]++
}

// AuditLog returns up to limit recent decisions, oldest first.
func (r *Router) AuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}

	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// Stats returns a copy of routing statistics.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cp := func(m map[string]int64) map[string]int64 {
		out := make(map[string]int64, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	return Stats{
		TotalRequests:    r.stats.TotalRequests,
		IntentCounts:     cp(r.stats.IntentCounts),
		PersonaCounts:    cp(r.stats.PersonaCounts),
		AvgLatencyMs:     cp(r.stats.AvgLatencyMs),
		ComplexityCounts: cp(r.stats.ComplexityCounts),
	}
}

// Explain returns details about why a specific decision was made.
func (r *Router) Explain(requestID string) *Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			d := r.auditLog[i]
			return &d
		}
	}
	return nil
}

func generateRequestID() string {
	return time.Now().Format("20060102-150405.000")
}
