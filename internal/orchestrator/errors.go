package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/quarry/internal/agent"
	"github.com/nugget/quarry/internal/responder"
)

// ValidationError reports a malformed query. Nothing is recorded for
// queries that fail validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// userMessage converts a failure into the text returned to callers.
func userMessage(err error) string {
	var (
		ve  *ValidationError
		upe *responder.UnknownPersonaError
		mie *agent.ModelInvocationError
		pe  *agent.PanicError
	)
	switch {
	case errors.As(err, &ve):
		return ve.Error()
	case errors.As(err, &upe):
		return upe.Error()
	case errors.Is(err, agent.ErrTimeout):
		return "the request took too long to answer; try a narrower question"
	case errors.As(err, &mie):
		return fmt.Sprintf("model service unavailable (%s)", mie.Model)
	case errors.As(err, &pe):
		return "internal error while answering the query"
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	}
	return err.Error()
}
