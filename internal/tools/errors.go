package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the responder's registry. It signals a capability
// mismatch, not a transient failure.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// DuplicateToolError is returned by Register when the name is taken.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q is already registered", e.Name)
}

// ErrToolDenied is returned when the authorizer blocks a call.
type ErrToolDenied struct {
	ToolName string
	Reason   string
}

func (e *ErrToolDenied) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("tool %q denied by policy", e.ToolName)
	}
	return fmt.Sprintf("tool %q denied by policy: %s", e.ToolName, e.Reason)
}

// ValidationError reports input that does not match the tool schema.
type ValidationError struct {
	ToolName string
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input for tool %q: %v", e.ToolName, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
