// Package dispatcher routes one inbound unit to the invocation strategy its
// interaction mode calls for.
//
//	FIRE_AND_FORGET                                  → handle (no reply)
//	REQUEST_RESPONSE / REQUEST_STREAM / REQUEST_CHANNEL → handleAndReply
//
// The reply-bearing modes share one strategy: how many replies come back is
// decided by what the function produces, not by the mode.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"function-rpc/codec"
	"function-rpc/function"
	"function-rpc/message"
	"function-rpc/stream"
	"maps"
	"reflect"

	"go.uber.org/zap"
)

var (
	ErrUnresolvedFunction         = errors.New("dispatcher: no function resolved for request")
	ErrUnsupportedInteractionMode = errors.New("dispatcher: unsupported interaction mode")
	ErrInvalidRoleForMode         = errors.New("dispatcher: only a consumer or routing function can handle fire-and-forget")
)

// Target is the resolved function a unit is dispatched to.
type Target interface {
	Capability() function.Capability
	Apply(ctx context.Context, input any) (any, error)
}

// Dispatcher is stateless between units and safe for concurrent use.
type Dispatcher struct {
	envelopes *codec.EnvelopeCodec
	logger    *zap.Logger
}

type Option func(*Dispatcher)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New creates a dispatcher. A nil codec selects a JSON-backed EnvelopeCodec.
func New(envelopes *codec.EnvelopeCodec, opts ...Option) *Dispatcher {
	if envelopes == nil {
		envelopes = codec.NewEnvelopeCodec(nil)
	}
	d := &Dispatcher{envelopes: envelopes, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch returns the reply sequence of unit. Nothing runs until it is
// subscribed. Failures, including a missing target, arrive as the terminal
// error of the returned publisher. Fire-and-forget never emits a value.
func (d *Dispatcher) Dispatch(unit *message.Inbound, target Target) stream.Publisher {
	if isNil(target) {
		return stream.Error(fmt.Errorf("%w: %q", ErrUnresolvedFunction, unit.Route))
	}
	switch unit.Mode {
	case message.FireAndForget:
		return d.handle(unit, target)
	case message.RequestResponse, message.RequestStream, message.RequestChannel:
		return d.handleAndReply(unit, target)
	default:
		return stream.Error(fmt.Errorf("%w: %s", ErrUnsupportedInteractionMode, unit.Mode))
	}
}

func isNil(target Target) bool {
	if target == nil {
		return true
	}
	v := reflect.ValueOf(target)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// handle runs a fire-and-forget unit for its side effects.
func (d *Dispatcher) handle(unit *message.Inbound, target Target) stream.Publisher {
	capability := target.Capability()
	data := unit.Payloads.Map(d.withSharedHeaders(unit.Headers))
	invoke := func(ctx context.Context, v any) error {
		out, err := target.Apply(ctx, v)
		if err != nil {
			return err
		}
		return drain(ctx, out)
	}

	switch {
	case capability.Role == function.RoleRouting:
		return data.DoOnNext(invoke).Then()
	case capability.Role == function.RoleConsumer && capability.Input == function.Publisher:
		return data.Transform(transformer(target)).Then()
	case capability.Role == function.RoleConsumer:
		return data.DoOnNext(invoke).Then()
	default:
		d.logger.Debug("rejecting fire-and-forget",
			zap.String("route", unit.Route),
			zap.Stringer("role", capability.Role))
		return stream.Error(fmt.Errorf("%w: %q is a %s", ErrInvalidRoleForMode, unit.Route, capability.Role))
	}
}

// handleAndReply invokes the function per payload, or once for the whole
// sequence when its input is publisher-shaped, and returns the replies.
func (d *Dispatcher) handleAndReply(unit *message.Inbound, target Target) stream.Publisher {
	capability := target.Capability()
	data := unit.Payloads.Map(d.toEnvelope(unit.Headers))
	if capability.Input == function.Publisher {
		return data.Transform(transformer(target))
	}

	return data.ConcatMap(func(ctx context.Context, v any) stream.Publisher {
		e, _ := message.AsEnvelope(v)
		payload, headers, err := d.envelopes.FromStructuredMap(d.envelopes.ToStructuredMap(e))
		if err != nil {
			return stream.Error(err)
		}
		sanitized := message.NewEnvelope(payload, headers)

		var out any
		if capability.Role == function.RoleSupplier {
			out, err = target.Apply(ctx, nil)
		} else {
			out, err = target.Apply(ctx, sanitized)
		}
		if err != nil {
			return stream.Error(err)
		}
		if out == nil && repliesOnce(capability) {
			return stream.Just(nil)
		}
		return asPublisher(out)
	})
}

// repliesOnce reports whether a function produces exactly one value per
// input, nil included.
func repliesOnce(capability function.Capability) bool {
	return capability.Output == function.Scalar &&
		(capability.Role == function.RolePlain || capability.Role == function.RoleSupplier)
}

// toEnvelope wraps payloads that are not already envelopes with the unit's
// shared headers. A structured map carrying the headers key is decoded as an
// envelope.
func (d *Dispatcher) toEnvelope(headers map[string]any) func(context.Context, any) (any, error) {
	return func(_ context.Context, v any) (any, error) {
		value := d.envelopes.Classify(v)
		switch value.Kind {
		case message.KindEnvelope:
			return value.Envelope, nil
		case message.KindStructuredMap:
			if _, ok := value.Map[message.HeadersKey]; ok {
				payload, h, err := d.envelopes.FromStructuredMap(value.Map)
				if err != nil {
					return nil, err
				}
				return message.NewEnvelope(payload, h), nil
			}
		}
		return message.NewEnvelope(v, headers), nil
	}
}

// withSharedHeaders is toEnvelope for fire-and-forget: every payload carries
// the unit's headers, under any headers its own envelope already has.
func (d *Dispatcher) withSharedHeaders(headers map[string]any) func(context.Context, any) (any, error) {
	wrap := d.toEnvelope(headers)
	return func(ctx context.Context, v any) (any, error) {
		out, err := wrap(ctx, v)
		if err != nil {
			return nil, err
		}
		e := out.(message.Envelope)
		merged := maps.Clone(headers)
		if merged == nil {
			merged = make(map[string]any)
		}
		maps.Copy(merged, e.Headers())
		return message.NewEnvelope(e.Payload(), merged), nil
	}
}

// transformer hands the whole sequence to a publisher-shaped function. The
// function is applied when the result is subscribed.
func transformer(target Target) func(stream.Publisher) stream.Publisher {
	return func(in stream.Publisher) stream.Publisher {
		return func(ctx context.Context, emit stream.Emitter) error {
			out, err := target.Apply(ctx, in)
			if err != nil {
				return err
			}
			return asPublisher(out).Subscribe(ctx, emit)
		}
	}
}

// asPublisher splices publishers and wraps single results. A nil result adds
// nothing to the reply: consumers and routed consumers have none.
func asPublisher(out any) stream.Publisher {
	switch r := out.(type) {
	case nil:
		return stream.Empty()
	case stream.Publisher:
		if r == nil {
			return stream.Empty()
		}
		return r
	default:
		return stream.Just(r)
	}
}

// drain subscribes to a publisher returned on a no-reply path so its side
// effects run.
func drain(ctx context.Context, out any) error {
	if p, ok := out.(stream.Publisher); ok {
		return p.Then().Subscribe(ctx, nil)
	}
	return nil
}
