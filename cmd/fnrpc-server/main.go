// Command fnrpc-server serves a small catalog of sample functions over the
// frame protocol, an HTTP JSON-RPC gateway and a Prometheus endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"function-rpc/codec"
	"function-rpc/config"
	"function-rpc/function"
	"function-rpc/gateway"
	"function-rpc/message"
	"function-rpc/middleware"
	"function-rpc/registry"
	"function-rpc/server"
	"function-rpc/stream"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.LogDevelopment {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}

// registerSamples fills the catalog with the demo functions.
func registerSamples(catalog *function.Catalog, logger *zap.Logger) error {
	fns := map[string]any{
		"echo":      func(e message.Envelope) message.Envelope { return e },
		"uppercase": strings.ToUpper,
		"double":    func(n float64) float64 { return n * 2 },
		"log": func(e message.Envelope) {
			logger.Info("received", zap.Any("payload", e.Payload()), zap.Any("headers", e.Headers()))
		},
		"clock": func() string { return time.Now().UTC().Format(time.RFC3339Nano) },
		"count": func(n int) stream.Publisher {
			return func(ctx context.Context, emit stream.Emitter) error {
				for i := 1; i <= n; i++ {
					if err := emit(i); err != nil {
						return err
					}
				}
				return nil
			}
		},
	}
	for name, fn := range fns {
		if err := catalog.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func newRegistry(cfg config.Config, logger *zap.Logger) (registry.Registry, func(), error) {
	if len(cfg.EtcdEndpoints) == 0 {
		return registry.NewMemoryRegistry(), func() {}, nil
	}
	reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, logger)
	if err != nil {
		return nil, nil, err
	}
	return reg, func() { reg.Close() }, nil
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog := function.NewCatalog(
		function.WithDefaultDefinition(cfg.DefaultDefinition),
		function.WithLogger(logger),
	)
	if err := registerSamples(catalog, logger); err != nil {
		return err
	}

	reg, closeRegistry, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRegistry()

	envelopes := codec.NewEnvelopeCodec(nil, codec.WithBufferSize(cfg.BufferSize))
	svr := server.NewServer(catalog,
		server.WithLogger(logger),
		server.WithEnvelopeCodec(envelopes),
		server.WithSinkSize(cfg.SinkSize),
		server.WithRegistryTTL(cfg.RegistryTTL),
	)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := middleware.NewMetrics(promRegistry)
	if err != nil {
		return err
	}
	svr.Use(metrics.Middleware())
	svr.Use(middleware.LoggingMiddleware(logger))
	if cfg.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.Timeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.Timeout))
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return err
	}
	advertise := cfg.AdvertiseAddress
	if advertise == "" {
		advertise = listener.Addr().String()
	}

	var httpServers []*http.Server
	if cfg.GatewayAddress != "" {
		svc := gateway.NewFunctionService(svr.Handler(), envelopes, logger)
		rpcHandler, err := gateway.NewHandler(svc)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/rpc", rpcHandler)
		mux.Handle("/stream", svc.StreamHandler())
		httpServers = append(httpServers, &http.Server{Addr: cfg.GatewayAddress, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}
	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
		httpServers = append(httpServers, &http.Server{Addr: cfg.MetricsAddress, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving functions",
			zap.String("listen", listener.Addr().String()),
			zap.String("advertise", advertise),
			zap.Strings("functions", catalog.Names()))
		return svr.ServeListener(listener, advertise, reg)
	})
	for _, hs := range httpServers {
		hs := hs
		g.Go(func() error {
			logger.Info("serving http", zap.String("addr", hs.Addr))
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		for _, hs := range httpServers {
			if err := hs.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", zap.String("addr", hs.Addr), zap.Error(err))
			}
		}
		return svr.Shutdown(cfg.ShutdownTimeout)
	})
	return g.Wait()
}
