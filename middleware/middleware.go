// Package middleware wraps outgoing calls with cross-cutting behavior:
// logging, deadlines, retries and client-side rate limiting.
package middleware

import (
	"context"
)

// Invoker performs one remote call. rpc.Connection.Call has this shape.
type Invoker func(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error)

// Call lets an Invoker stand in wherever a namespace.Caller is expected.
func (f Invoker) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	return f(ctx, method, args, kwargs)
}

type Middleware func(next Invoker) Invoker

// Chain combines middlewares into one.
// Chain(A, B, C)(invoker) → A(B(C(invoker))): A runs first and sees the final result.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Invoker) Invoker {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
