package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/nugget/quarry/internal/httpkit"
)

// ErrRateLimited is returned when a client-side limiter refuses a call.
var ErrRateLimited = errors.New("rate limited")

// ProviderError is a non-success response from a model provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s API error: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying: timeouts, rate
// limits, provider overload and connection failures. Caller
// cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pe *ProviderError
	if errors.As(err, &pe) && pe.StatusCode != 0 {
		switch {
		case pe.StatusCode == http.StatusTooManyRequests,
			pe.StatusCode == http.StatusRequestTimeout,
			pe.StatusCode >= 500:
			return true
		}
		return false
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return httpkit.IsDialError(err)
}
