package middleware

import (
	"context"
	"errors"
	"time"

	"deluge-rpc/rpc"

	"go.uber.org/zap"
)

// Retry re-issues calls that timed out, with exponential backoff starting at
// baseDelay. Daemon-side errors and connection loss are returned at once, and
// login is never retried.
func Retry(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
			result, err := next(ctx, method, args, kwargs)
			for i := 0; i < maxRetries; i++ {
				if err == nil || method == rpc.MethodLogin || !errors.Is(err, rpc.ErrInvokeTimeout) {
					return result, err
				}
				logger.Info("retrying call", zap.String("method", method), zap.Int("attempt", i+1), zap.Error(err))

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				case <-timer.C:
				}
				result, err = next(ctx, method, args, kwargs)
			}
			return result, err
		}
	}
}
