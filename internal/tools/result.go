package tools

import (
	"encoding/json"
	"fmt"
)

// Status is the outcome class of a tool call.
type Status string

// Tool call outcomes.
const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
	StatusPartial Status = "PARTIAL"
)

// Result is the outcome of one tool execution. Failures are values, not
// errors: the loop feeds them back to the model as observations.
type Result struct {
	Status   Status         `json:"status"`
	Payload  any            `json:"payload,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Success wraps payload in a SUCCESS result.
func Success(payload any) Result {
	return Result{Status: StatusSuccess, Payload: payload}
}

// Partial returns a PARTIAL result carrying whatever payload was
// produced and a note about what is missing.
func Partial(payload any, msg string) Result {
	return Result{Status: StatusPartial, Payload: payload, Error: msg}
}

// Failure returns an ERROR result for err.
func Failure(err error) Result {
	return Result{Status: StatusError, Error: err.Error()}
}

// OK reports whether the call produced usable output.
func (r Result) OK() bool {
	return r.Status == StatusSuccess || r.Status == StatusPartial
}

// Text renders the result as the observation shown to the model.
func (r Result) Text() string {
	switch r.Status {
	case StatusError:
		return "Error: " + r.Error
	case StatusPartial:
		return fmt.Sprintf("%s\n(partial result: %s)", payloadText(r.Payload), r.Error)
	default:
		return payloadText(r.Payload)
	}
}

func payloadText(p any) string {
	switch v := p.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("%v", p)
	}
	return string(b)
}
