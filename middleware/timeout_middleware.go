package middleware

import (
	"context"
	"errors"
	"function-rpc/message"
	"function-rpc/stream"
	"time"
)

var ErrTimeout = errors.New("request timed out")

// TimeOutMiddleware bounds a whole dispatch, replies included. Publishers stop
// at their next suspension point once the deadline passes.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, unit *message.Inbound) stream.Publisher {
			replies := next(ctx, unit)
			return func(ctx context.Context, emit stream.Emitter) error {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()

				err := replies.Subscribe(ctx, emit)
				if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return ErrTimeout
				}
				return err
			}
		}
	}
}
