// Package middleware wraps the server's dispatch handler.
//
// A handler turns an inbound unit into its reply publisher. Middlewares see
// the unit before dispatch and can wrap the returned publisher to observe or
// bound the subscription.
package middleware

import (
	"context"
	"function-rpc/message"
	"function-rpc/stream"
)

type HandlerFunc func(ctx context.Context, unit *message.Inbound) stream.Publisher

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is the outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
