package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Logging records every call's method and duration, and its error if any.
func Logging(logger *zap.Logger) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
			start := time.Now()
			result, err := next(ctx, method, args, kwargs)
			duration := time.Since(start)
			if err != nil {
				logger.Warn("call failed", zap.String("method", method), zap.Duration("duration", duration), zap.Error(err))
				return result, err
			}
			logger.Debug("call", zap.String("method", method), zap.Duration("duration", duration))
			return result, nil
		}
	}
}
