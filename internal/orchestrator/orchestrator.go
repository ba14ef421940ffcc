// Package orchestrator is the single entry point for answering a
// persona's query. It ties together the responder table, intent
// classification, the agent loop, conversation memory, the result
// cache and the cost ledger.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nugget/quarry/internal/agent"
	"github.com/nugget/quarry/internal/cache"
	"github.com/nugget/quarry/internal/events"
	"github.com/nugget/quarry/internal/ledger"
	"github.com/nugget/quarry/internal/llm"
	"github.com/nugget/quarry/internal/memory"
	"github.com/nugget/quarry/internal/responder"
	"github.com/nugget/quarry/internal/router"
	"github.com/nugget/quarry/internal/session"
	"github.com/nugget/quarry/internal/tools"
)

// MaxQueryLength is the longest accepted query, in characters.
const MaxQueryLength = 4000

// Query is one inbound request.
type Query struct {
	Text      string
	Persona   string
	SessionID string
	Caller    tools.CallerContext
	// Params are caller-supplied filters; they are part of the cache key.
	Params map[string]string
}

// TokenUsage is the token count of one answer.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// QueryResponse is the result of ProcessQuery. Failures are reported
// through Success and Error, never through a Go error.
type QueryResponse struct {
	Success        bool                   `json:"success"`
	ResponseText   string                 `json:"response_text"`
	StructuredData map[string]any         `json:"structured_data,omitempty"`
	ResponderUsed  []string               `json:"responder_used"`
	Intent         router.Intent          `json:"intent,omitempty"`
	TokensUsed     TokenUsage             `json:"tokens_used"`
	Cost           decimal.Decimal        `json:"cost"`
	Cached         bool                   `json:"cached"`
	Warnings       []string               `json:"warnings,omitempty"`
	Error          string                 `json:"error,omitempty"`
	QueryID        string                 `json:"query_id"`
	SessionID      string                 `json:"session_id"`
	Iterations     int                    `json:"iterations"`
	ToolCalls      []agent.ToolCallRecord `json:"tool_calls,omitempty"`
	ElapsedMs      int64                  `json:"elapsed_ms"`
}

// Deps are the collaborators of an Orchestrator. All but Bus and Logger
// are required.
type Deps struct {
	Responders *responder.Registry
	Classifier router.Classifier
	Executor   *agent.Executor
	Memory     *memory.Store
	Cache      *cache.Cache[QueryResponse]
	Ledger     *ledger.Ledger
	Sessions   *session.Manager
	Bus        *events.Bus
	Logger     *slog.Logger
}

// Orchestrator answers queries. It is safe for concurrent use.
type Orchestrator struct {
	d      Deps
	logger *slog.Logger
}

// New creates an orchestrator.
func New(d Deps) (*Orchestrator, error) {
	var missing []string
	if d.Responders == nil {
		missing = append(missing, "responders")
	}
	if d.Classifier == nil {
		missing = append(missing, "classifier")
	}
	if d.Executor == nil {
		missing = append(missing, "executor")
	}
	if d.Memory == nil {
		missing = append(missing, "memory")
	}
	if d.Cache == nil {
		missing = append(missing, "cache")
	}
	if d.Ledger == nil {
		missing = append(missing, "ledger")
	}
	if d.Sessions == nil {
		missing = append(missing, "sessions")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("orchestrator: missing dependencies: %s", strings.Join(missing, ", "))
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{d: d, logger: logger.With("component", "orchestrator")}, nil
}

// Personas lists the personas queries may be addressed to.
func (o *Orchestrator) Personas() []string {
	return o.d.Responders.Personas()
}

func validate(q Query) error {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return &ValidationError{Field: "query", Message: "must not be empty"}
	}
	if n := utf8.RuneCountInString(text); n > MaxQueryLength {
		return &ValidationError{Field: "query", Message: fmt.Sprintf("%d characters exceeds the limit of %d", n, MaxQueryLength)}
	}
	if q.Persona == "" {
		return &ValidationError{Field: "persona", Message: "must not be empty"}
	}
	for k := range q.Params {
		if k == "" {
			return &ValidationError{Field: "params", Message: "empty parameter name"}
		}
	}
	return nil
}

func newQueryID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ProcessQuery answers q. Same-session queries are answered one at a
// time in arrival order; identical concurrent queries share one
// computation.
func (o *Orchestrator) ProcessQuery(ctx context.Context, q Query) (resp QueryResponse) {
	start := time.Now()
	resp = QueryResponse{QueryID: newQueryID(), SessionID: q.SessionID}
	log := o.logger.With("query_id", resp.QueryID, "persona", q.Persona)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in query processing", "panic", r, "stack", string(debug.Stack()))
			resp = failed(resp, &agent.PanicError{Value: r})
		}
		resp.ElapsedMs = time.Since(start).Milliseconds()
	}()

	if err := validate(q); err != nil {
		log.Debug("query rejected", "error", err)
		return failed(resp, err)
	}
	q.Text = strings.TrimSpace(q.Text)

	set, err := o.d.Responders.Resolve(q.Persona)
	if err != nil {
		log.Debug("query rejected", "error", err)
		return failed(resp, err)
	}

	if q.SessionID == "" {
		q.SessionID = session.NewID()
		resp.SessionID = q.SessionID
	}
	log = log.With("session_id", q.SessionID)

	caller := q.Caller
	caller.Persona = q.Persona
	caller.SessionID = q.SessionID
	caller.QueryID = resp.QueryID
	ctx = tools.WithCaller(ctx, caller)

	lease, err := o.d.Sessions.Acquire(ctx, q.SessionID, q.Persona)
	if err != nil {
		return failed(resp, err)
	}
	defer lease.Release()

	if lease.Switched {
		o.d.Memory.Clear(q.SessionID)
		log.Info("conversation memory cleared on persona switch", "previous_persona", lease.PreviousPersona)
	}

	o.d.Bus.Emit(events.SourceOrchestrator, events.KindQueryStart, map[string]any{
		"query_id":   resp.QueryID,
		"session_id": q.SessionID,
		"persona":    q.Persona,
	})

	key := cache.Key(q.Persona, q.Text, q.Params)
	if hit, ok := o.d.Cache.Get(key); ok {
		resp = o.cacheHit(hit, resp)
		log.Info("query answered from cache", "responders", resp.ResponderUsed)
		o.complete(resp)
		return resp
	}

	// Callers joining this flight depend on the computation, so it
	// must outlive the leader's request. Responder timeouts bound it.
	shareCtx := context.WithoutCancel(ctx)
	out, shared, err := o.d.Cache.Do(key, func() (QueryResponse, time.Duration, error) {
		r := o.compute(shareCtx, log, q, set, resp)
		if !r.Success {
			return r, 0, nil
		}
		return r, o.d.Cache.TTLFor(q.Text), nil
	})
	if err != nil {
		return failed(resp, err)
	}
	if shared {
		// Another request with the same key computed this answer.
		if out.Success {
			resp = o.cacheHit(out, resp)
		} else {
			resp = failed(resp, errors.New(out.Error))
		}
		o.complete(resp)
		return resp
	}

	resp = out
	o.complete(resp)
	return resp
}

// compute runs the responders for q and commits memory and cost on
// success. base carries the query and session IDs.
func (o *Orchestrator) compute(ctx context.Context, log *slog.Logger, q Query, set responder.Set, base QueryResponse) QueryResponse {
	start := time.Now()
	resp := base

	intent := o.d.Classifier.Classify(ctx, router.Request{ID: resp.QueryID, Query: q.Text, Persona: q.Persona})
	plan := planFor(intent, set)
	if len(plan) == 0 {
		return failed(resp, fmt.Errorf("persona %s has no responders", q.Persona))
	}
	resp.Intent = intent
	if effective(plan) != intent {
		log.Debug("intent degraded to available responders", "intent", intent, "effective", effective(plan))
		resp.Intent = effective(plan)
	}

	history := o.d.Memory.History(q.SessionID)

	var (
		runs    []*agent.Result
		answers []string
	)
	input := q.Text
	for i, r := range plan {
		if i > 0 {
			input = fmt.Sprintf("%s\n\nFindings from the %s responder:\n%s", q.Text, plan[i-1].Name, answers[i-1])
		}
		res, err := o.d.Executor.Run(ctx, agent.Task{
			Responder:     r.Name,
			Model:         r.Model,
			System:        r.SystemPrompt,
			History:       history,
			Input:         input,
			Tools:         r.Tools,
			MaxIterations: r.MaxIterations,
			MaxTokens:     r.MaxTokens,
			Timeout:       r.Timeout,
		})
		if err != nil {
			log.Warn("responder failed", "responder", r.Name, "error", err)
			resp.ResponderUsed = append(resp.ResponderUsed, r.Name)
			o.recordOutcome(resp.QueryID, start, runs, false)
			return failed(resp, fmt.Errorf("responder %s: %w", r.Name, err))
		}
		runs = append(runs, res)
		answers = append(answers, res.Content)
		resp.ResponderUsed = append(resp.ResponderUsed, r.Name)
	}

	resp.Success = true
	resp.ResponseText = merge(answers)
	for _, res := range runs {
		resp.Iterations += res.Iterations
		resp.TokensUsed.Input += res.InputTokens
		resp.TokensUsed.Output += res.OutputTokens
		resp.Warnings = append(resp.Warnings, res.Warnings...)
		resp.ToolCalls = append(resp.ToolCalls, res.ToolCalls...)
	}
	resp.TokensUsed.Total = resp.TokensUsed.Input + resp.TokensUsed.Output
	resp.StructuredData = structuredData(resp.ToolCalls)

	if err := o.d.Memory.Append(q.SessionID,
		memory.Message{Role: llm.RoleUser, Content: q.Text},
		memory.Message{Role: llm.RoleAssistant, Content: resp.ResponseText},
	); err != nil {
		log.Warn("memory append failed", "error", err)
	}

	rec, err := o.d.Ledger.Record(ctx, ledger.Entry{
		QueryID:   resp.QueryID,
		SessionID: q.SessionID,
		Persona:   q.Persona,
		Usage:     usageOf(runs),
		ToolCalls: toolCounts(resp.ToolCalls),
	})
	if err != nil {
		log.Warn("cost ledger error", "error", err)
	}
	if rec != nil {
		resp.Cost = rec.Total
	}

	o.recordOutcome(resp.QueryID, start, runs, true)
	log.Info("query answered",
		"intent", resp.Intent,
		"responders", resp.ResponderUsed,
		"iterations", resp.Iterations,
		"tokens", resp.TokensUsed.Total,
		"cost", resp.Cost.StringFixed(6),
		"warnings", len(resp.Warnings),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return resp
}

// planFor picks the responders to run, in order, degrading the intent
// when the persona lacks one of the kinds.
func planFor(intent router.Intent, set responder.Set) []*responder.Responder {
	switch {
	case set.Query == nil && set.Specialist == nil:
		return nil
	case set.Specialist == nil:
		return []*responder.Responder{set.Query}
	case set.Query == nil:
		return []*responder.Responder{set.Specialist}
	}
	switch intent {
	case router.IntentSpecialist:
		return []*responder.Responder{set.Specialist}
	case router.IntentHybrid:
		return []*responder.Responder{set.Query, set.Specialist}
	default:
		return []*responder.Responder{set.Query}
	}
}

func effective(plan []*responder.Responder) router.Intent {
	if len(plan) > 1 {
		return router.IntentHybrid
	}
	if plan[0].Kind == responder.KindSpecialist {
		return router.IntentSpecialist
	}
	return router.IntentQuery
}

// merge joins hybrid answers: data first, then the analysis.
func merge(answers []string) string {
	if len(answers) == 1 {
		return answers[0]
	}
	parts := make([]string, len(answers))
	for i, a := range answers {
		parts[i] = strings.TrimSpace(a)
	}
	return strings.Join(parts, "\n\n## Analysis\n\n")
}

// structuredData collects the payloads of successful tool calls by
// tool name. A tool called more than once keeps its last payload.
func structuredData(calls []agent.ToolCallRecord) map[string]any {
	var out map[string]any
	for _, c := range calls {
		if c.Payload == nil || c.Status == tools.StatusError {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[c.Name] = c.Payload
	}
	return out
}

func usageOf(runs []*agent.Result) []ledger.Usage {
	out := make([]ledger.Usage, 0, len(runs))
	for _, r := range runs {
		out = append(out, ledger.Usage{Model: r.Model, InputTokens: r.InputTokens, OutputTokens: r.OutputTokens})
	}
	return out
}

func toolCounts(calls []agent.ToolCallRecord) map[string]int {
	if len(calls) == 0 {
		return nil
	}
	out := make(map[string]int)
	for _, c := range calls {
		out[c.Name]++
	}
	return out
}

// cacheHit returns a copy of cached re-addressed to the current query.
// A hit costs nothing.
func (o *Orchestrator) cacheHit(cached, base QueryResponse) QueryResponse {
	r := cached
	r.QueryID = base.QueryID
	r.SessionID = base.SessionID
	r.Cached = true
	r.Cost = decimal.Zero
	r.TokensUsed = TokenUsage{}
	r.Iterations = 0
	r.ToolCalls = nil
	r.ResponderUsed = slices.Clone(cached.ResponderUsed)
	r.Warnings = slices.Clone(cached.Warnings)
	r.StructuredData = maps.Clone(cached.StructuredData)

	o.d.Ledger.RecordCacheHit(base.SessionID)
	o.d.Bus.Emit(events.SourceCache, events.KindCacheHit, map[string]any{
		"query_id":   r.QueryID,
		"session_id": r.SessionID,
	})
	return r
}

func (o *Orchestrator) recordOutcome(queryID string, start time.Time, runs []*agent.Result, success bool) {
	rec, ok := o.d.Classifier.(router.OutcomeRecorder)
	if !ok {
		return
	}
	tokens := 0
	for _, r := range runs {
		tokens += r.InputTokens + r.OutputTokens
	}
	rec.RecordOutcome(queryID, time.Since(start).Milliseconds(), tokens, success)
}

func (o *Orchestrator) complete(resp QueryResponse) {
	o.d.Bus.Emit(events.SourceOrchestrator, events.KindQueryComplete, map[string]any{
		"query_id":   resp.QueryID,
		"session_id": resp.SessionID,
		"success":    resp.Success,
		"cached":     resp.Cached,
		"responders": resp.ResponderUsed,
		"cost_usd":   resp.Cost.StringFixed(6),
	})
}

func failed(resp QueryResponse, err error) QueryResponse {
	resp.Success = false
	resp.ResponseText = ""
	resp.Error = userMessage(err)
	return resp
}
