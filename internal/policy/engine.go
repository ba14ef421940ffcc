// Package policy evaluates a Rego policy that decides whether a tool
// call may proceed for a given caller and persona.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/nugget/quarry/internal/tools"
)

// Decisions returned by the policy.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Engine is a prepared OPA query over the tool policy.
type Engine struct {
	query  rego.PreparedEvalQuery
	logger *slog.Logger
}

// NewEngine compiles policy source. The module must define
// data.tool_policy.decision (a string) and may define
// data.tool_policy.reason.
func NewEngine(ctx context.Context, source string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := rego.New(
		rego.Query("data.tool_policy"),
		rego.Module("tool_policy.rego", source),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare tool policy: %w", err)
	}
	return &Engine{query: query, logger: logger}, nil
}

// LoadFile compiles the policy at path, or DefaultPolicy if path is empty.
func LoadFile(ctx context.Context, path string, logger *slog.Logger) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy, logger)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool policy: %w", err)
	}
	return NewEngine(ctx, string(src), logger)
}

// Evaluate returns the decision and optional reason for input.
func (e *Engine) Evaluate(ctx context.Context, input map[string]any) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("evaluate tool policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, "no policy result", nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return "", "", fmt.Errorf("tool policy returned %T, want object", results[0].Expressions[0].Value)
	}
	decision, _ := doc["decision"].(string)
	reason, _ := doc["reason"].(string)
	if decision == "" {
		decision = DecisionAllow
	}
	return decision, reason, nil
}

// Authorize implements tools.Authorizer.
func (e *Engine) Authorize(ctx context.Context, req tools.AuthzRequest) error {
	perms := req.Caller.Permissions
	if perms == nil {
		perms = []string{}
	}
	input := map[string]any{
		"tool_name":   req.Tool,
		"args":        req.Input,
		"persona":     req.Caller.Persona,
		"identity":    req.Caller.Identity,
		"permissions": perms,
		"session_id":  req.Caller.SessionID,
	}

	decision, reason, err := e.Evaluate(ctx, input)
	if err != nil {
		return &tools.ErrToolDenied{ToolName: req.Tool, Reason: err.Error()}
	}
	e.logger.Debug("tool policy decision",
		"tool", req.Tool,
		"persona", req.Caller.Persona,
		"decision", decision,
		"reason", reason,
	)
	if decision != DecisionAllow {
		return &tools.ErrToolDenied{ToolName: req.Tool, Reason: reason}
	}
	return nil
}

// DefaultPolicy allows every call except tools whose name marks them as
// writes, which require the "write" permission.
const DefaultPolicy = `
package tool_policy

default decision = "allow"

default reason = ""

is_write {
	startswith(input.tool_name, "update_")
}

is_write {
	startswith(input.tool_name, "create_")
}

has_write {
	input.permissions[_] == "write"
}

decision = "block" {
	is_write
	not has_write
}

reason = "write tools require the write permission" {
	is_write
	not has_write
}
`
