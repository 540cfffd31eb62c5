// Package client calls remote functions over the frame protocol.
//
// A call discovers the servers of its route in the registry, lets the
// balancer pick one and opens a stream on a pooled, multiplexed transport to
// it. Replies come back as Envelopes.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"function-rpc/codec"
	"function-rpc/loadbalance"
	"function-rpc/message"
	"function-rpc/protocol"
	"function-rpc/registry"
	"function-rpc/stream"
	"function-rpc/transport"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrRemote wraps the error text of an ERROR frame.
	ErrRemote  = errors.New("remote error")
	ErrNoReply = errors.New("client: stream completed without a reply")
)

// pool holds a fixed set of transports to one address, used round robin.
// Transports are multiplexed, so they are shared rather than borrowed.
type pool struct {
	mu         sync.Mutex
	transports []*transport.ClientTransport
	next       atomic.Uint64
}

type Client struct {
	registry   registry.Registry
	balancer   loadbalance.Balancer
	envelopes  *codec.EnvelopeCodec
	codecType  codec.CodecType
	poolSize   int
	retry      RetryPolicy
	heartbeat  time.Duration
	dialer     net.Dialer
	logger     *zap.Logger
	mu         sync.Mutex
	transports map[string]*pool
}

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

func WithHeartbeat(interval time.Duration) Option {
	return func(c *Client) { c.heartbeat = interval }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialer.Timeout = d }
}

// NewClient creates a client holding up to poolSize connections per server.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, codecType byte, poolSize int, opts ...Option) *Client {
	c := &Client{
		registry:   reg,
		balancer:   bal,
		envelopes:  codec.NewEnvelopeCodec(nil),
		codecType:  codec.CodecType(codecType),
		poolSize:   max(poolSize, 1),
		retry:      DefaultRetryPolicy,
		heartbeat:  transport.DefaultHeartbeat,
		logger:     zap.NewNop(),
		transports: make(map[string]*pool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// getTransport returns a live transport to addr, dialing lazily. Slots whose
// transport failed are redialed.
func (c *Client) getTransport(ctx context.Context, addr string) (*transport.ClientTransport, error) {
	c.mu.Lock()
	p, ok := c.transports[addr]
	if !ok {
		p = &pool{transports: make([]*transport.ClientTransport, c.poolSize)}
		c.transports[addr] = p
	}
	c.mu.Unlock()

	slot := int(p.next.Add(1)-1) % len(p.transports)

	p.mu.Lock()
	defer p.mu.Unlock()
	if t := p.transports[slot]; t != nil && t.Err() == nil {
		return t, nil
	}
	t, err := c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	p.transports[slot] = t
	return t, nil
}

// serviceName is the registry key of a route. A composed definition is served
// wherever its first function is.
func serviceName(route string) string {
	name, _, _ := strings.Cut(route, "|")
	return name
}

func (c *Client) open(ctx context.Context, mode message.InteractionMode, route string, headers map[string]any, payload []byte) (*transport.Stream, error) {
	instances, err := c.registry.Discover(ctx, serviceName(route))
	if err != nil {
		return nil, err
	}
	instance, err := c.balancer.Pick(route, instances)
	if err != nil {
		return nil, fmt.Errorf("client: %s: %w", route, err)
	}
	t, err := c.getTransport(ctx, instance.Addr)
	if err != nil {
		return nil, err
	}

	req := &message.RPCMessage{Route: route, Payload: payload}
	if len(headers) > 0 {
		req.Metadata, err = json.Marshal(headers)
		if err != nil {
			return nil, err
		}
	}
	return t.Open(mode, req)
}

// encodePayload puts a request value on the wire. Envelopes keep their
// headers, JSON text is sent verbatim and anything else is marshaled.
func (c *Client) encodePayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if _, ok := message.AsEnvelope(v); ok {
		return c.envelopes.EncodeOutbound(v, nil, codec.MimeTypeJSON, nil)
	}
	switch t := v.(type) {
	case json.RawMessage:
		return t, nil
	case []byte:
		if (&codec.JSONCodec{}).IsJSONText(t) {
			return t, nil
		}
	}
	return json.Marshal(v)
}

// decodeReply turns a reply payload back into an Envelope.
func (c *Client) decodeReply(data []byte) (message.Envelope, error) {
	v, err := c.envelopes.DecodeInbound(data)
	if err != nil {
		return message.Envelope{}, err
	}
	if e, ok := message.AsEnvelope(v); ok {
		return e, nil
	}
	if m, ok := v.(map[string]any); ok {
		payload, headers, err := c.envelopes.FromStructuredMap(m)
		if err != nil {
			return message.Envelope{}, err
		}
		return message.NewEnvelope(payload, headers), nil
	}
	return message.NewEnvelope(v, nil), nil
}

// FireAndForget sends payload to route without waiting for the outcome.
func (c *Client) FireAndForget(ctx context.Context, route string, headers map[string]any, payload any) error {
	data, err := c.encodePayload(payload)
	if err != nil {
		return err
	}
	s, err := c.open(ctx, message.FireAndForget, route, headers, data)
	if err != nil {
		return err
	}
	s.Close()
	return nil
}

// RequestResponse returns the first reply of route. Further replies are
// cancelled.
func (c *Client) RequestResponse(ctx context.Context, route string, headers map[string]any, payload any) (message.Envelope, error) {
	var (
		reply message.Envelope
		got   bool
	)
	err := c.request(message.RequestResponse, route, headers, payload).Take(1).Subscribe(ctx, func(v any) error {
		reply, got = v.(message.Envelope), true
		return nil
	})
	if err != nil {
		return message.Envelope{}, err
	}
	if !got {
		return message.Envelope{}, ErrNoReply
	}
	return reply, nil
}

// RequestStream returns every reply of route. The request is sent when the
// publisher is subscribed; ending the subscription early cancels it remotely.
func (c *Client) RequestStream(route string, headers map[string]any, payload any) stream.Publisher {
	return c.request(message.RequestStream, route, headers, payload)
}

// request sends a single payload in mode and emits the replies.
func (c *Client) request(mode message.InteractionMode, route string, headers map[string]any, payload any) stream.Publisher {
	return func(ctx context.Context, emit stream.Emitter) error {
		data, err := c.encodePayload(payload)
		if err != nil {
			return err
		}
		s, err := c.open(ctx, mode, route, headers, data)
		if err != nil {
			return err
		}
		return c.receive(ctx, s, emit)
	}
}

// RequestChannel streams inputs to route and returns its replies. The first
// input rides on the request frame. Once the server ends the reply stream,
// inputs are no longer pulled.
func (c *Client) RequestChannel(route string, headers map[string]any, inputs stream.Publisher) stream.Publisher {
	return func(ctx context.Context, emit stream.Emitter) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)
		opened := make(chan *transport.Stream, 1)

		g.Go(func() error {
			var s *transport.Stream
			err := inputs.Subscribe(gctx, func(v any) error {
				data, err := c.encodePayload(v)
				if err != nil {
					return err
				}
				if s == nil {
					s, err = c.open(gctx, message.RequestChannel, route, headers, data)
					if err != nil {
						return err
					}
					opened <- s
					return nil
				}
				return s.Send(protocol.FramePayload, &message.RPCMessage{Payload: data})
			})
			if gctx.Err() != nil {
				// The reader ended the interaction and reports its outcome.
				return nil
			}
			if s == nil {
				if err != nil {
					return err
				}
				if s, err = c.open(gctx, message.RequestChannel, route, headers, nil); err != nil {
					return err
				}
				opened <- s
			}
			if err != nil {
				s.Send(protocol.FrameError, &message.RPCMessage{Error: err.Error()})
				return err
			}
			return s.Send(protocol.FrameComplete, nil)
		})

		g.Go(func() error {
			defer cancel()
			select {
			case s := <-opened:
				return c.receive(gctx, s, emit)
			case <-gctx.Done():
				return gctx.Err()
			}
		})

		return g.Wait()
	}
}

// receive emits the replies of s until a terminal frame. If ctx ends or emit
// fails first, the server is told to cancel.
func (c *Client) receive(ctx context.Context, s *transport.Stream, emit stream.Emitter) error {
	defer s.Close()
	for {
		f, err := s.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.Send(protocol.FrameCancel, nil)
			}
			return err
		}
		switch f.Type {
		case protocol.FrameComplete:
			return nil
		case protocol.FrameError:
			return fmt.Errorf("%w: %s", ErrRemote, f.Msg.Error)
		case protocol.FramePayload:
			reply, err := c.decodeReply(f.Msg.Payload)
			if err == nil {
				err = emit(reply)
			}
			if err != nil {
				s.Send(protocol.FrameCancel, nil)
				return err
			}
		}
	}
}

// Close closes every pooled transport.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, p := range c.transports {
		p.mu.Lock()
		for _, t := range p.transports {
			if t != nil {
				t.Close()
			}
		}
		p.mu.Unlock()
		delete(c.transports, addr)
	}
	return nil
}
