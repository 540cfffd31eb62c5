package middleware

import (
	"context"
	"function-rpc/message"
	"function-rpc/stream"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every finished dispatch with its duration and reply
// count.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, unit *message.Inbound) stream.Publisher {
			replies := next(ctx, unit)
			return func(ctx context.Context, emit stream.Emitter) error {
				start := time.Now()
				items := 0
				err := replies.Subscribe(ctx, func(v any) error {
					items++
					return emit(v)
				})
				fields := []zap.Field{
					zap.Stringer("mode", unit.Mode),
					zap.String("route", unit.Route),
					zap.Duration("duration", time.Since(start)),
					zap.Int("replies", items),
				}
				if err != nil {
					logger.Warn("dispatch failed", append(fields, zap.Error(err))...)
				} else {
					logger.Info("dispatch completed", fields...)
				}
				return err
			}
		}
	}
}
