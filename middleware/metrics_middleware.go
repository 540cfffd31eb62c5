package middleware

import (
	"context"
	"errors"
	"function-rpc/message"
	"function-rpc/stream"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the dispatch collectors.
type Metrics struct {
	dispatches *prometheus.CounterVec
	replies    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fnrpc",
			Name:      "dispatches_total",
			Help:      "Finished dispatches by interaction mode and outcome.",
		}, []string{"mode", "outcome"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fnrpc",
			Name:      "replies_total",
			Help:      "Reply values emitted by interaction mode.",
		}, []string{"mode"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fnrpc",
			Name:      "dispatch_duration_seconds",
			Help:      "Time from subscription to the terminal signal.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
	}
	for _, c := range []prometheus.Collector{m.dispatches, m.replies, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// Middleware records one observation per dispatch.
func (m *Metrics) Middleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, unit *message.Inbound) stream.Publisher {
			replies := next(ctx, unit)
			mode := unit.Mode.String()
			return func(ctx context.Context, emit stream.Emitter) error {
				start := time.Now()
				err := replies.Subscribe(ctx, func(v any) error {
					m.replies.WithLabelValues(mode).Inc()
					return emit(v)
				})
				m.duration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
				m.dispatches.WithLabelValues(mode, outcome(err)).Inc()
				return err
			}
		}
	}
}
