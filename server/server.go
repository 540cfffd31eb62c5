// Package server serves a function catalog over the frame protocol.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → request frame: open a stream, go serveStream
//	    → Middleware Chain → businessHandler (Lookup + Dispatch) → reply publisher
//	    → each reply: EncodeOutbound → PAYLOAD frame; then COMPLETE or ERROR
//	  → PAYLOAD / COMPLETE / ERROR frames queue in the channel stream's inbox,
//	    drained into its sink by a per-stream pump
//	  → CANCEL frames cancel the stream's context
//
// The connection reader never waits on a stream: a slow channel consumer
// backs up only its own inbox, bounded by MaxQueuedFrames.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"function-rpc/codec"
	"function-rpc/dispatcher"
	"function-rpc/function"
	"function-rpc/message"
	"function-rpc/middleware"
	"function-rpc/protocol"
	"function-rpc/registry"
	"function-rpc/stream"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultSinkSize    = 32
	DefaultRegistryTTL = 10

	// MaxQueuedFrames bounds the inbound frames a channel stream may have
	// waiting for its consumer.
	MaxQueuedFrames = 4096
)

var ErrInboxOverflow = errors.New("server: too many inbound frames queued for stream")

// Server exposes the functions of a catalog to remote callers.
type Server struct {
	catalog     *function.Catalog
	envelopes   *codec.EnvelopeCodec
	dispatcher  *dispatcher.Dispatcher
	logger      *zap.Logger
	sinkSize    int
	registryTTL int64

	mu            sync.Mutex // guards listener, registry and registered
	listener      net.Listener
	conns         sync.Map       // net.Conn → context.CancelFunc
	wg            sync.WaitGroup // in-flight streams, for graceful shutdown
	shutdown      atomic.Bool
	middlewares   []middleware.Middleware
	handlerOnce   sync.Once
	handler       middleware.HandlerFunc
	registry      registry.Registry
	advertiseAddr string
	registered    []string
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithEnvelopeCodec replaces the default JSON envelope codec. Its buffer size
// also sizes each connection's write buffer.
func WithEnvelopeCodec(envelopes *codec.EnvelopeCodec) Option {
	return func(s *Server) { s.envelopes = envelopes }
}

// WithSinkSize bounds how many inbound payloads of one stream are handed to
// its function ahead of consumption. Further frames wait in the stream's inbox.
func WithSinkSize(n int) Option {
	return func(s *Server) { s.sinkSize = n }
}

// WithRegistryTTL sets the lease TTL in seconds used when registering.
func WithRegistryTTL(ttl int64) Option {
	return func(s *Server) { s.registryTTL = ttl }
}

// NewServer creates a server for catalog.
func NewServer(catalog *function.Catalog, opts ...Option) *Server {
	s := &Server{
		catalog:     catalog,
		logger:      zap.NewNop(),
		sinkSize:    DefaultSinkSize,
		registryTTL: DefaultRegistryTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.envelopes == nil {
		s.envelopes = codec.NewEnvelopeCodec(nil)
	}
	// A request's payload and its COMPLETE are queued before the subscriber runs.
	s.sinkSize = max(s.sinkSize, 2)
	s.dispatcher = dispatcher.New(s.envelopes, dispatcher.WithLogger(s.logger))
	return s
}

// Use registers a middleware. Middlewares are applied in the order they are
// added and must be registered before the first request is handled.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Handler returns the middleware chain wrapped around the dispatcher. It is
// built once, so every entry point (TCP, gateway) shares it.
func (svr *Server) Handler() middleware.HandlerFunc {
	svr.handlerOnce.Do(func() {
		svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	})
	return svr.handler
}

// Serve listens on address and serves until Shutdown.
//
// advertiseAddr is the routable address registered for every function, e.g.
// "127.0.0.1:8080" for a listen address of ":8080". Pass a nil reg to skip
// service discovery.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener is Serve on an existing listener.
func (svr *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	svr.Handler()

	svr.mu.Lock()
	svr.listener = listener
	svr.advertiseAddr = advertiseAddr
	if reg != nil {
		svr.registry = reg
		svr.registerFunctions()
	}
	svr.mu.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// registerFunctions advertises every definition a client may route to,
// including the routing function. Callers hold svr.mu.
func (svr *Server) registerFunctions() {
	names := append(svr.catalog.Names(), function.RouterName)
	for _, name := range names {
		err := svr.registry.Register(context.Background(), name, registry.ServiceInstance{
			Addr:   svr.advertiseAddr,
			Weight: 1,
		}, svr.registryTTL)
		if err != nil {
			svr.logger.Warn("register function failed", zap.String("function", name), zap.Error(err))
			continue
		}
		svr.registered = append(svr.registered, name)
	}
}

// Addr returns the listener address once serving.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry so clients stop routing here
//  2. Set the shutdown flag and close the listener
//  3. Wait for in-flight streams (with timeout)
//  4. Close the remaining connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.registry != nil {
		for _, name := range svr.registered {
			if err := svr.registry.Deregister(context.Background(), name, svr.advertiseAddr); err != nil {
				svr.logger.Warn("deregister function failed", zap.String("function", name), zap.Error(err))
			}
		}
	}

	// The flag must be set before the listener closes, see ServeListener.
	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	svr.conns.Range(func(key, value any) bool {
		value.(context.CancelFunc)()
		key.(net.Conn).Close()
		return true
	})
	return err
}

// businessHandler resolves the unit's route and dispatches it. A failed
// lookup dispatches with no target, which fails the unit as unresolved.
func (svr *Server) businessHandler(ctx context.Context, unit *message.Inbound) stream.Publisher {
	var target dispatcher.Target
	fn, err := svr.catalog.Lookup(unit.Route)
	if err != nil {
		svr.logger.Debug("function lookup failed", zap.String("route", unit.Route), zap.Error(err))
	} else {
		target = fn
	}
	return svr.dispatcher.Dispatch(unit, target)
}

// serverStream is the server half of one interaction.
type serverStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	sink   *stream.Sink
	inbox  *inbox // channel streams only
}

type inboundSignal struct {
	value any
	done  bool
	err   error
}

// inbox queues the inbound frames of a channel stream for its pump.
type inbox struct {
	mu    sync.Mutex
	queue []inboundSignal
	wake  chan struct{}
}

func newInbox() *inbox {
	return &inbox{wake: make(chan struct{}, 1)}
}

// push queues sig. It reports false once MaxQueuedFrames are waiting.
func (b *inbox) push(sig inboundSignal) bool {
	b.mu.Lock()
	if len(b.queue) >= MaxQueuedFrames {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, sig)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

func (b *inbox) take() []inboundSignal {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.queue
	b.queue = nil
	return batch
}

// pump moves queued frames into the sink, in arrival order, until a terminal
// frame or cancellation.
func (s *serverStream) pump() {
	for {
		select {
		case <-s.inbox.wake:
		case <-s.ctx.Done():
			return
		}
		for _, sig := range s.inbox.take() {
			switch {
			case !sig.done:
				if err := s.sink.Next(s.ctx, sig.value); err != nil {
					return
				}
			case sig.err != nil:
				s.sink.Error(s.ctx, sig.err)
				return
			default:
				s.sink.Complete(s.ctx)
				return
			}
		}
	}
}

// conn is one accepted connection. Frames are written through a buffered
// writer guarded by writeMu so frames of different streams never interleave.
type conn struct {
	svr     *Server
	ctx     context.Context
	writeMu sync.Mutex
	w       *bufio.Writer
	streams sync.Map // uint32 → *serverStream
}

// handleConn is the single reader of a connection.
func (svr *Server) handleConn(netConn net.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	svr.conns.Store(netConn, cancel)
	defer func() {
		cancel()
		svr.conns.Delete(netConn)
		netConn.Close()
	}()

	c := &conn{
		svr: svr,
		ctx: ctx,
		w:   bufio.NewWriterSize(netConn, svr.envelopes.BufferSize()),
	}
	for {
		header, body, err := protocol.Decode(netConn)
		if err != nil {
			return
		}
		switch {
		case header.FrameType == protocol.FrameHeartbeat:
		case header.FrameType.IsRequest():
			c.open(header, body)
		default:
			c.feed(header, body)
		}
	}
}

func (c *conn) decode(header *protocol.Header, body []byte) (*message.RPCMessage, error) {
	msg := &message.RPCMessage{}
	if len(body) == 0 {
		return msg, nil
	}
	if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// headers builds the unit headers: request metadata plus route and frame type.
func headers(header *protocol.Header, msg *message.RPCMessage) (map[string]any, error) {
	h := make(map[string]any)
	if len(msg.Metadata) > 0 {
		if err := json.Unmarshal(msg.Metadata, &h); err != nil {
			return nil, fmt.Errorf("server: metadata must be a JSON object: %w", err)
		}
	}
	h[message.HeaderRoute] = msg.Route
	h[message.HeaderFrameType] = header.FrameType.String()
	return h, nil
}

// open starts a stream for a request frame. Non-channel requests carry their
// only payload; a channel request carries the first one, if any, and stays
// open for PAYLOAD frames.
func (c *conn) open(header *protocol.Header, body []byte) {
	svr := c.svr
	mode := header.FrameType.Mode()
	if _, exists := c.streams.Load(header.StreamID); exists {
		svr.logger.Warn("duplicate stream id", zap.Uint32("stream", header.StreamID))
		return
	}

	msg, err := c.decode(header, body)
	if err == nil && msg.Error != "" {
		err = errors.New(msg.Error)
	}
	var h map[string]any
	if err == nil {
		h, err = headers(header, msg)
	}
	var first any
	if err == nil {
		first, err = svr.envelopes.DecodeInbound(msg.Payload)
	}
	if err != nil {
		if mode == message.FireAndForget {
			svr.logger.Warn("reject fire-and-forget request", zap.Uint32("stream", header.StreamID), zap.Error(err))
			return
		}
		c.writeError(header.CodecType, header.StreamID, err)
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	s := &serverStream{ctx: ctx, cancel: cancel, sink: stream.NewSink(svr.sinkSize)}
	if mode != message.RequestChannel || len(msg.Payload) > 0 {
		s.sink.Next(ctx, first)
	}
	if mode == message.RequestChannel {
		s.inbox = newInbox()
		go s.pump()
	} else {
		s.sink.Complete(ctx)
	}
	c.streams.Store(header.StreamID, s)

	unit := &message.Inbound{
		Mode:     mode,
		Route:    msg.Route,
		Headers:  h,
		Payloads: s.sink.Publisher(),
	}
	svr.wg.Add(1)
	go c.serveStream(header.CodecType, header.StreamID, unit, s)
}

// feed routes a non-request frame to its open stream. Frames for unknown
// streams are ignored: the stream already ended. Only channel streams accept
// inbound values.
func (c *conn) feed(header *protocol.Header, body []byte) {
	v, ok := c.streams.Load(header.StreamID)
	if !ok {
		return
	}
	s := v.(*serverStream)
	if header.FrameType == protocol.FrameCancel {
		s.cancel()
		return
	}
	if s.inbox == nil {
		return
	}

	var sig inboundSignal
	switch header.FrameType {
	case protocol.FrameComplete:
		sig.done = true
	case protocol.FramePayload, protocol.FrameError:
		msg, err := c.decode(header, body)
		if err == nil && header.FrameType == protocol.FrameError {
			err = errors.New(msg.Error)
		}
		if err == nil {
			sig.value, err = c.svr.envelopes.DecodeInbound(msg.Payload)
		}
		if err != nil {
			sig = inboundSignal{done: true, err: err}
		}
	default:
		return
	}

	if !s.inbox.push(sig) {
		c.svr.logger.Warn("inbound queue full", zap.Uint32("stream", header.StreamID))
		c.writeError(header.CodecType, header.StreamID, ErrInboxOverflow)
		s.cancel()
	}
}

// serveStream runs one unit through the handler chain and writes its replies.
func (c *conn) serveStream(codecType byte, id uint32, unit *message.Inbound, s *serverStream) {
	svr := c.svr
	defer svr.wg.Done()
	defer c.streams.Delete(id)
	defer s.cancel()

	replies := svr.Handler()(s.ctx, unit)

	if unit.Mode == message.FireAndForget {
		err := replies.Subscribe(s.ctx, func(any) error { return nil })
		if err != nil {
			svr.logger.Warn("fire-and-forget failed", zap.String("route", unit.Route), zap.Error(err))
		}
		return
	}

	err := replies.Subscribe(s.ctx, func(v any) error {
		data, err := svr.envelopes.EncodeOutbound(v, nil, codec.MimeTypeJSON, nil)
		if err != nil {
			return err
		}
		return c.write(codecType, protocol.FramePayload, id, &message.RPCMessage{Payload: data})
	})
	if s.ctx.Err() != nil {
		// Cancelled by the requester or the connection went away.
		return
	}
	if err != nil {
		c.writeError(codecType, id, err)
		return
	}
	c.write(codecType, protocol.FrameComplete, id, nil)
}

func (c *conn) writeError(codecType byte, id uint32, err error) {
	c.write(codecType, protocol.FrameError, id, &message.RPCMessage{Error: err.Error()})
}

func (c *conn) write(codecType byte, frameType protocol.FrameType, id uint32, msg *message.RPCMessage) error {
	var body []byte
	if msg != nil {
		var err error
		body, err = codec.GetCodec(codec.CodecType(codecType)).Encode(msg)
		if err != nil {
			c.svr.logger.Error("encode frame body failed", zap.Uint32("stream", id), zap.Error(err))
			return err
		}
	}
	header := protocol.Header{
		CodecType: codecType,
		FrameType: frameType,
		StreamID:  id,
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.Encode(c.w, &header, body); err != nil {
		c.svr.logger.Debug("write frame failed", zap.Uint32("stream", id), zap.Error(err))
		return err
	}
	return c.w.Flush()
}
