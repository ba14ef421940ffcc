// Package tools holds tool definitions, the per-responder registry that
// validates and executes them, and the HTTP backend adapter.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nugget/quarry/internal/llm"
)

// Handler executes a tool. Returning an error yields an ERROR result;
// handlers that need PARTIAL return it as the Result.
type Handler func(ctx context.Context, input map[string]any) (Result, error)

// Tool is a callable capability offered to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema,omitempty"`
	Handler     Handler        `json:"-"`
	// CostPerCall is the service cost of one invocation in USD.
	CostPerCall float64 `json:"cost_per_call,omitempty"`
}

// AuthzRequest is the input to an Authorizer decision.
type AuthzRequest struct {
	Tool   string
	Input  map[string]any
	Caller CallerContext
}

// Authorizer gates tool calls. Returning *ErrToolDenied blocks the
// call; any other error is treated as a denial as well.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthzRequest) error
}

type entry struct {
	tool   *Tool
	schema *jsonschema.Schema
}

// Registry holds one responder's tools. Register is a startup-time
// operation; after that the registry is read-only and safe for
// concurrent Execute calls.
type Registry struct {
	tools      map[string]*entry
	order      []string
	authorizer Authorizer
	logger     *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithAuthorizer installs a policy gate consulted before each call.
func WithAuthorizer(a Authorizer) Option {
	return func(r *Registry) { r.authorizer = a }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:  make(map[string]*entry),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a tool, compiling its schema. A repeated name returns
// *DuplicateToolError.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return errors.New("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q has no handler", t.Name)
	}
	if _, exists := r.tools[t.Name]; exists {
		return &DuplicateToolError{Name: t.Name}
	}
	sch, err := compileSchema(t.Name, t.Schema)
	if err != nil {
		return err
	}
	r.tools[t.Name] = &entry{tool: t, schema: sch}
	r.order = append(r.order, t.Name)
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.order)
}

// Specs describes the registered tools for the model.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name].tool
		params := t.Schema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return specs
}

// Execute validates input and runs the named tool. It never returns an
// error or panics: unknown tools, schema violations, policy denials,
// handler errors and handler panics all become ERROR results.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any) (res Result) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked",
				"tool", name,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			res = Failure(fmt.Errorf("tool %q panicked: %v", name, p))
		}
		// Handlers may return a shared map; stamp a copy.
		md := make(map[string]any, len(res.Metadata)+2)
		maps.Copy(md, res.Metadata)
		res.Metadata = md
		res.Metadata["tool"] = name
		res.Metadata["duration_ms"] = time.Since(start).Milliseconds()
	}()

	e, ok := r.tools[name]
	if !ok {
		return Failure(&ErrToolUnavailable{ToolName: name})
	}

	if err := validateInput(e.schema, input); err != nil {
		return Failure(&ValidationError{ToolName: name, Err: err})
	}

	if r.authorizer != nil {
		err := r.authorizer.Authorize(ctx, AuthzRequest{
			Tool:   name,
			Input:  input,
			Caller: CallerFromContext(ctx),
		})
		if err != nil {
			r.logger.Warn("tool call denied", "tool", name, "error", err)
			return Failure(err)
		}
	}

	result, err := e.tool.Handler(ctx, input)
	if err != nil {
		if result.Status == StatusPartial {
			return result
		}
		return Failure(err)
	}
	if result.Status == "" {
		result.Status = StatusSuccess
	}
	return result
}
