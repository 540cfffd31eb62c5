package middleware

import (
	"context"
	"errors"
	"function-rpc/message"
	"function-rpc/stream"

	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware admits dispatches through a token bucket refilled at r
// per second.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, unit *message.Inbound) stream.Publisher {
			if !limiter.Allow() {
				return stream.Error(ErrRateLimited)
			}
			return next(ctx, unit)
		}
	}
}
