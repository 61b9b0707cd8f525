package middleware

import (
	"context"
	"time"
)

// Deadline bounds the whole call, including time spent waiting on a rate
// limiter or between retries. The per-call response timeout of the
// connection still applies underneath.
func Deadline(timeout time.Duration) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, method, args, kwargs)
		}
	}
}
