package middleware

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimit caps the rate of calls sent to the daemon with a token bucket.
// Calls wait for a token rather than failing; the wait honors ctx.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Invoker) Invoker {
		return func(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return next(ctx, method, args, kwargs)
		}
	}
}
