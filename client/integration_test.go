package client

import (
	"context"
	"function-rpc/codec"
	"function-rpc/function"
	"function-rpc/loadbalance"
	"function-rpc/middleware"
	"function-rpc/registry"
	"function-rpc/server"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// End to end through etcd: Client -> Registry -> Balancer -> Transport ->
// Protocol -> Codec -> Middleware -> Dispatcher -> Catalog.
// Needs a running etcd, e.g. ETCD_ENDPOINTS=localhost:2379.
func TestMultiServerWithEtcd(t *testing.T) {
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	logger := zaptest.NewLogger(t)
	reg, err := registry.NewEtcdRegistry(strings.Split(endpoints, ","), logger)
	if err != nil {
		t.Fatalf("failed to connect etcd: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	for i := 0; i < 2; i++ {
		catalog := function.NewCatalog()
		if err := catalog.Register("multiply", func(in struct{ A, B int }) int { return in.A * in.B }); err != nil {
			t.Fatal(err)
		}
		svr := server.NewServer(catalog, server.WithLogger(logger))
		svr.Use(middleware.LoggingMiddleware(logger))
		svr.Use(middleware.TimeOutMiddleware(time.Second))
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		go svr.ServeListener(l, l.Addr().String(), reg)
		t.Cleanup(func() { svr.Shutdown(3 * time.Second) })
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		instances, _ := reg.Discover(ctx, "multiply")
		if len(instances) >= 2 {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal("servers did not register")
		case <-time.After(50 * time.Millisecond):
		}
	}

	cli := NewClient(reg, loadbalance.New("ConsistentHash"), byte(codec.CodecTypeBinary), 2, WithLogger(logger))
	t.Cleanup(func() { cli.Close() })

	for i := 1; i <= 10; i++ {
		reply, err := cli.RequestResponse(ctx, "multiply", nil, map[string]int{"A": i, "B": 10})
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if got := reply.Payload(); got != float64(i*10) {
			t.Fatalf("request %d: expect %d, got %v", i, i*10, got)
		}
	}
}
