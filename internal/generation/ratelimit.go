package generation

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited blocks Stream calls on a token bucket shared by all Runs in
// the process.
type RateLimited struct {
	next    Adapter
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a limit of rps turns per second. A
// non-positive rps disables limiting and returns next unchanged.
func NewRateLimited(next Adapter, rps float64, burst int) Adapter {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) Stream(ctx context.Context, req Request) (Stream, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, &Error{Provider: "ratelimit", Err: err}
	}
	return r.next.Stream(ctx, req)
}
