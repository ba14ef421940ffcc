package tools

import (
	"context"
	"slices"
)

type contextKey string

const callerKey contextKey = "caller"

// CallerContext identifies who a tool call is made on behalf of. Tool
// backends use it to scope data access.
type CallerContext struct {
	Identity    string   `json:"identity,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Persona     string   `json:"persona,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	QueryID     string   `json:"query_id,omitempty"`
}

// HasPermission reports whether p is among the caller's permissions.
func (c CallerContext) HasPermission(p string) bool {
	return slices.Contains(c.Permissions, p)
}

// WithCaller attaches the caller to ctx.
func WithCaller(ctx context.Context, c CallerContext) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// CallerFromContext returns the caller attached to ctx, or the zero
// value if none was set.
func CallerFromContext(ctx context.Context) CallerContext {
	if c, ok := ctx.Value(callerKey).(CallerContext); ok {
		return c
	}
	return CallerContext{}
}
