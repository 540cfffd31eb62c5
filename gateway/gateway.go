// Package gateway exposes the dispatch handler over HTTP.
//
// Two entry points share the server's middleware chain:
//   - JSON-RPC 2.0 (gorilla/rpc) service "Function" with Invoke, Stream and Send.
//   - An NDJSON endpoint that streams every reply as one JSON line.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"function-rpc/codec"
	"function-rpc/message"
	"function-rpc/middleware"
	"function-rpc/protocol"
	"function-rpc/stream"
	"io"
	"net/http"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
)

var ErrMissingRoute = errors.New("gateway: route is required")

// InvokeArgs names the function definition and carries one payload.
type InvokeArgs struct {
	Route   string          `json:"route"`
	Headers map[string]any  `json:"headers,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Limit   int             `json:"limit,omitempty"` // Stream only, zero means all replies
}

type InvokeReply struct {
	Reply json.RawMessage `json:"reply"`
}

type StreamReply struct {
	Replies []json.RawMessage `json:"replies"`
}

type SendReply struct {
	Accepted bool `json:"accepted"`
}

// FunctionService is registered as the JSON-RPC service "Function".
type FunctionService struct {
	handler   middleware.HandlerFunc
	envelopes *codec.EnvelopeCodec
	logger    *zap.Logger
}

func NewFunctionService(handler middleware.HandlerFunc, envelopes *codec.EnvelopeCodec, logger *zap.Logger) *FunctionService {
	if envelopes == nil {
		envelopes = codec.NewEnvelopeCodec(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FunctionService{handler: handler, envelopes: envelopes, logger: logger}
}

// unit builds an inbound unit the same way the TCP server does.
func (s *FunctionService) unit(mode message.InteractionMode, args *InvokeArgs) (*message.Inbound, error) {
	if args.Route == "" {
		return nil, ErrMissingRoute
	}
	payload, err := s.envelopes.DecodeInbound(args.Payload)
	if err != nil {
		return nil, fmt.Errorf("gateway: decode payload: %w", err)
	}
	headers := make(map[string]any, len(args.Headers)+2)
	for k, v := range args.Headers {
		headers[k] = v
	}
	frameType, _ := protocol.RequestFrame(mode)
	headers[message.HeaderRoute] = args.Route
	headers[message.HeaderFrameType] = frameType.String()

	return &message.Inbound{
		Mode:     mode,
		Route:    args.Route,
		Headers:  headers,
		Payloads: stream.Just(payload),
	}, nil
}

func (s *FunctionService) collect(ctx context.Context, replies stream.Publisher) ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := replies.Subscribe(ctx, func(v any) error {
		data, err := s.envelopes.EncodeOutbound(v, nil, codec.MimeTypeJSON, nil)
		if err != nil {
			return err
		}
		out = append(out, data)
		return nil
	})
	return out, err
}

// Invoke returns the first reply. A function that produces nothing replies null.
func (s *FunctionService) Invoke(r *http.Request, args *InvokeArgs, reply *InvokeReply) error {
	unit, err := s.unit(message.RequestResponse, args)
	if err != nil {
		return err
	}
	ctx := r.Context()
	replies, err := s.collect(ctx, s.handler(ctx, unit).Take(1))
	if err != nil {
		return err
	}
	if len(replies) > 0 {
		reply.Reply = replies[0]
	}
	return nil
}

// Stream returns up to args.Limit replies.
func (s *FunctionService) Stream(r *http.Request, args *InvokeArgs, reply *StreamReply) error {
	unit, err := s.unit(message.RequestStream, args)
	if err != nil {
		return err
	}
	ctx := r.Context()
	replies := s.handler(ctx, unit)
	if args.Limit > 0 {
		replies = replies.Take(args.Limit)
	}
	reply.Replies, err = s.collect(ctx, replies)
	if reply.Replies == nil {
		reply.Replies = []json.RawMessage{}
	}
	return err
}

// Send dispatches fire-and-forget in the background. The call is accepted
// once the request is well formed; failures are only logged.
func (s *FunctionService) Send(r *http.Request, args *InvokeArgs, reply *SendReply) error {
	unit, err := s.unit(message.FireAndForget, args)
	if err != nil {
		return err
	}
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := s.handler(ctx, unit).Then().Subscribe(ctx, nil); err != nil {
			s.logger.Warn("fire-and-forget failed", zap.String("route", unit.Route), zap.Error(err))
		}
	}()
	reply.Accepted = true
	return nil
}

// NewHandler returns the JSON-RPC 2.0 endpoint.
func NewHandler(svc *FunctionService) (http.Handler, error) {
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(svc, "Function"); err != nil {
		return nil, err
	}
	return s, nil
}

// flushWriter pushes every write to the client.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}

// StreamHandler serves POST ?route=<definition> with the request body as the
// payload and writes each reply as a JSON line. A failure after the first line
// ends the body early; it is logged, since the status is already sent.
func (s *FunctionService) StreamHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, int64(protocol.MaxBodyLen)))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		unit, err := s.unit(message.RequestStream, &InvokeArgs{Route: r.URL.Query().Get("route"), Payload: body})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		ctx := r.Context()
		err = s.envelopes.EncodeStream(ctx, flushWriter{w}, s.handler(ctx, unit), nil, codec.MimeTypeJSON)
		if err != nil {
			s.logger.Warn("stream ended with error", zap.String("route", unit.Route), zap.Error(err))
		}
	})
}
