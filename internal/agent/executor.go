// Package agent runs the bounded reason/act/observe loop for a single
// responder: the model proposes tool calls, the registry executes them,
// and the results are fed back until the model produces a final answer
// or a budget runs out.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/quarry/internal/events"
	"github.com/nugget/quarry/internal/llm"
	"github.com/nugget/quarry/internal/tools"
)

const (
	defaultMaxIter     = 10
	defaultMaxTokens   = 25000
	defaultTimeout     = 90 * time.Second
	defaultMaxParallel = 4
	maxObservations    = 10
)

// Exhaustion reasons reported on degraded results.
const (
	ExhaustMaxIterations = "max_iterations"
	ExhaustTokenBudget   = "token_budget"
)

// State is the loop state machine position.
type State string

// Loop states. DONE and FAILED are terminal.
const (
	StateReason  State = "REASON"
	StateAct     State = "ACT"
	StateObserve State = "OBSERVE"
	StateDone    State = "DONE"
	StateFailed  State = "FAILED"
)

// Task is one responder invocation.
type Task struct {
	Responder string
	Model     string
	System    string
	// History is the prior conversation window, oldest first.
	History []llm.Message
	Input   string
	Tools   *tools.Registry

	MaxIterations int
	// MaxTokens caps cumulative output tokens across the run.
	MaxTokens int
	Timeout   time.Duration
}

// ToolCallRecord summarizes one executed tool call.
type ToolCallRecord struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Status   tools.Status  `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Payload  any           `json:"-"`
}

// Result is the outcome of a run. A run that hits a budget still ends
// in DONE with Exhausted set and a warning.
type Result struct {
	Content       string
	Model         string
	State         State
	Iterations    int
	InputTokens   int
	OutputTokens  int
	ToolCalls     []ToolCallRecord
	Warnings      []string
	Exhausted     bool
	ExhaustReason string
	Transcript    []llm.Message
	Elapsed       time.Duration
}

// RetryPolicy bounds retries of transient model errors. Attempts is
// the number of retries after the first call.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy returns 3 retries starting at 500ms, doubling up
// to 8s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
}

// Executor runs tasks against a model client. It is safe for
// concurrent use.
type Executor struct {
	llm         llm.Client
	logger      *slog.Logger
	bus         *events.Bus
	retry       RetryPolicy
	maxParallel int
	sleep       func(context.Context, time.Duration) bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithEventBus publishes loop events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(e *Executor) { e.bus = bus }
}

// WithRetry overrides the retry policy.
func WithRetry(p RetryPolicy) Option {
	return func(e *Executor) { e.retry = p }
}

// WithMaxParallelTools bounds concurrent tool calls within one ACT step.
func WithMaxParallelTools(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// NewExecutor creates an executor.
func NewExecutor(client llm.Client, opts ...Option) *Executor {
	e := &Executor{
		llm:         client,
		logger:      slog.Default(),
		retry:       DefaultRetryPolicy(),
		maxParallel: defaultMaxParallel,
		sleep:       sleepCtx,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run drives the loop to a terminal state. On error the returned Result
// is still non-nil and carries the usage accumulated so far.
func (e *Executor) Run(ctx context.Context, task Task) (res *Result, err error) {
	res = &Result{Model: task.Model, State: StateReason}
	if strings.TrimSpace(task.Input) == "" {
		res.State = StateFailed
		return res, errors.New("task input is required")
	}

	maxIter := task.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIter
	}
	maxTokens := task.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	queryID := tools.CallerFromContext(ctx).QueryID
	log := e.logger.With("responder", task.Responder, "query_id", queryID)
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			log.Error("agent loop panicked", "panic", p, "stack", string(debug.Stack()))
			res.State = StateFailed
			err = &PanicError{Value: p}
		}
		res.Elapsed = time.Since(start)
	}()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	messages := make([]llm.Message, 0, len(task.History)+2)
	messages = append(messages, task.History...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: task.Input})

	var specs []llm.ToolSpec
	if task.Tools != nil {
		specs = task.Tools.Specs()
	}

	var lastText string
	var observations []string

	for iter := 1; iter <= maxIter; iter++ {
		if cerr := runCtx.Err(); cerr != nil {
			return e.fail(res, messages, deadlineErr(cerr))
		}

		res.State = StateReason
		res.Iterations = iter
		e.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
			"query_id":  queryID,
			"responder": task.Responder,
			"iter":      iter,
			"model":     task.Model,
		})

		resp, rerr := e.reason(runCtx, log, llm.Request{
			Model:     task.Model,
			System:    task.System,
			Messages:  messages,
			Tools:     specs,
			MaxTokens: maxTokens - res.OutputTokens,
		})
		if rerr != nil {
			if cerr := runCtx.Err(); cerr != nil {
				return e.fail(res, messages, deadlineErr(cerr))
			}
			log.Warn("model invocation failed", "iter", iter, "error", rerr)
			return e.fail(res, messages, rerr)
		}

		res.InputTokens += resp.InputTokens
		res.OutputTokens += resp.OutputTokens
		if resp.Model != "" {
			res.Model = resp.Model
		}

		msg := resp.Message
		msg.Role = llm.RoleAssistant
		for i := range msg.ToolCalls {
			if msg.ToolCalls[i].ID == "" {
				msg.ToolCalls[i].ID = fmt.Sprintf("call_%d_%d", iter, i)
			}
		}
		messages = append(messages, msg)
		if strings.TrimSpace(msg.Content) != "" {
			lastText = msg.Content
		}

		e.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
			"query_id":   queryID,
			"responder":  task.Responder,
			"iter":       iter,
			"tokens_in":  resp.InputTokens,
			"tokens_out": resp.OutputTokens,
			"tool_calls": len(msg.ToolCalls),
		})

		if len(msg.ToolCalls) == 0 {
			res.Content = msg.Content
			res.State = StateDone
			res.Transcript = messages
			e.logCompletion(log, res, start)
			return res, nil
		}

		res.State = StateAct
		results, aerr := e.act(runCtx, task.Tools, msg.ToolCalls, queryID)
		if aerr != nil {
			log.Warn("responder deadline fired during tool execution; discarding results",
				"iter", iter,
				"tool_calls", len(msg.ToolCalls),
			)
			return e.fail(res, messages, deadlineErr(aerr))
		}

		res.State = StateObserve
		for i, call := range msg.ToolCalls {
			r := results[i]
			var dur time.Duration
			if ms, ok := r.Metadata["duration_ms"].(int64); ok {
				dur = time.Duration(ms) * time.Millisecond
			}
			res.ToolCalls = append(res.ToolCalls, ToolCallRecord{
				ID:       call.ID,
				Name:     call.Name,
				Status:   r.Status,
				Error:    r.Error,
				Duration: dur,
				Payload:  r.Payload,
			})

			switch r.Status {
			case tools.StatusError:
				res.Warnings = append(res.Warnings, fmt.Sprintf("tool %s failed: %s", call.Name, r.Error))
			case tools.StatusPartial:
				res.Warnings = append(res.Warnings, fmt.Sprintf("tool %s returned partial data: %s", call.Name, r.Error))
			}
			if r.OK() {
				observations = append(observations, fmt.Sprintf("%s: %s", call.Name, truncate(r.Text(), 400)))
			}

			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Content:    r.Text(),
				IsError:    r.Status == tools.StatusError,
			})
		}

		if res.OutputTokens >= maxTokens {
			return e.exhaust(log, res, messages, ExhaustTokenBudget, maxTokens, lastText, observations, start)
		}
	}

	return e.exhaust(log, res, messages, ExhaustMaxIterations, maxIter, lastText, observations, start)
}

// reason calls the model, retrying transient failures with doubling
// backoff. Tool failures never reach this path.
func (e *Executor) reason(ctx context.Context, log *slog.Logger, req llm.Request) (*llm.Response, error) {
	delay := e.retry.BaseDelay
	total := e.retry.Attempts + 1

	for attempt := 1; ; attempt++ {
		resp, err := e.llm.Chat(ctx, req)
		if err == nil && resp == nil {
			err = errors.New("provider returned an empty response")
		}
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !llm.IsTransient(err) || attempt >= total {
			return nil, &ModelInvocationError{Model: req.Model, Attempts: attempt, Err: err}
		}

		log.Warn("transient model error, retrying",
			"attempt", attempt,
			"max_attempts", total,
			"delay", delay,
			"error", err,
		)
		e.bus.Emit(events.SourceAgent, events.KindLLMRetry, map[string]any{
			"query_id": tools.CallerFromContext(ctx).QueryID,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})

		if !e.sleep(ctx, delay) {
			return nil, ctx.Err()
		}
		delay *= 2
		if e.retry.MaxDelay > 0 && delay > e.retry.MaxDelay {
			delay = e.retry.MaxDelay
		}
	}
}

// act executes one step's tool calls concurrently and joins them. Tool
// calls are detached from ctx cancellation and always run to
// completion; if ctx ends first, act returns ctx.Err() and the results
// are dropped.
func (e *Executor) act(ctx context.Context, reg *tools.Registry, calls []llm.ToolCall, queryID string) ([]tools.Result, error) {
	results := make([]tools.Result, len(calls))
	toolCtx := context.WithoutCancel(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var g errgroup.Group
		g.SetLimit(e.maxParallel)
		for i, call := range calls {
			g.Go(func() error {
				e.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
					"query_id": queryID,
					"tool":     call.Name,
				})
				if reg == nil {
					results[i] = tools.Failure(&tools.ErrToolUnavailable{ToolName: call.Name})
				} else {
					results[i] = reg.Execute(toolCtx, call.Name, call.Arguments)
				}
				e.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
					"query_id":    queryID,
					"tool":        call.Name,
					"status":      string(results[i].Status),
					"duration_ms": results[i].Metadata["duration_ms"],
				})
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
		return results, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Executor) fail(res *Result, messages []llm.Message, err error) (*Result, error) {
	res.State = StateFailed
	res.Transcript = messages
	return res, err
}

func (e *Executor) exhaust(log *slog.Logger, res *Result, messages []llm.Message, reason string, limit int, lastText string, observations []string, start time.Time) (*Result, error) {
	res.State = StateDone
	res.Exhausted = true
	res.ExhaustReason = reason
	res.Transcript = messages

	switch reason {
	case ExhaustMaxIterations:
		res.Warnings = append(res.Warnings, (&IterationLimitError{Limit: limit}).Error())
	default:
		res.Warnings = append(res.Warnings, fmt.Sprintf("output token budget of %d reached; answer may be incomplete", limit))
	}
	res.Content = synthesize(lastText, observations)

	log.Warn("responder budget exhausted",
		"reason", reason,
		"limit", limit,
		"iterations", res.Iterations,
	)
	e.logCompletion(log, res, start)
	return res, nil
}

func (e *Executor) logCompletion(log *slog.Logger, res *Result, start time.Time) {
	log.Info("responder run complete",
		"model", res.Model,
		"iterations", res.Iterations,
		"input_tokens", res.InputTokens,
		"output_tokens", res.OutputTokens,
		"tool_calls", len(res.ToolCalls),
		"warnings", len(res.Warnings),
		"exhausted", res.Exhausted,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
}

// synthesize builds a best-effort answer from the last assistant text
// and the most recent successful observations.
func synthesize(lastText string, observations []string) string {
	var sb strings.Builder
	if t := strings.TrimSpace(lastText); t != "" {
		sb.WriteString(t)
	} else {
		sb.WriteString("I could not complete this request within the allowed number of steps.")
	}
	if len(observations) > maxObservations {
		observations = observations[len(observations)-maxObservations:]
	}
	if len(observations) > 0 {
		sb.WriteString("\n\nFindings so far:")
		for _, o := range observations {
			sb.WriteString("\n- ")
			sb.WriteString(o)
		}
	}
	return sb.String()
}

func deadlineErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
