package client

import (
	"context"
	"errors"
	"function-rpc/transport"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy retries connection setup with exponential backoff. Dispatched
// requests are never retried: the server may already have run them.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, BaseDelay: 50 * time.Millisecond}

// retryable reports whether a dial error is worth another attempt.
func retryable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Client) dial(ctx context.Context, addr string) (*transport.ClientTransport, error) {
	var err error
	for i := 0; ; i++ {
		var conn net.Conn
		conn, err = c.dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return transport.NewClientTransport(conn, c.codecType,
				transport.WithHeartbeat(c.heartbeat),
				transport.WithLogger(c.logger)), nil
		}
		if i >= c.retry.MaxRetries || !retryable(err) {
			return nil, err
		}

		delay := c.retry.BaseDelay * time.Duration(1<<i)
		c.logger.Warn("retry dial",
			zap.Int("attempt", i+1),
			zap.String("addr", addr),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
