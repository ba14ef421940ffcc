package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited throttles calls to an underlying client with a token
// bucket. Calls wait for a token; if the wait cannot finish before the
// context deadline the call fails with [ErrRateLimited].
type RateLimited struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a limiter allowing rps requests per
// second and bursts of burst. A burst below 1 is raised to 1.
func NewRateLimited(next Client, rps float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Chat waits for a token, then delegates.
func (r *RateLimited) Chat(ctx context.Context, req Request) (*Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return r.next.Chat(ctx, req)
}

// Ping is not throttled.
func (r *RateLimited) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}
