// Package stream is a small push-based asynchronous sequence.
//
// A Publisher runs when subscribed and pushes values into an Emitter one at a
// time. Emit is the suspension point: the next value is produced only after the
// previous emit returned, so ordering is preserved and a slow consumer slows the
// producer down. Cancellation is carried by the context; an error returned from
// emit stops the upstream and is returned from the subscription.
//
//	stream.Just(1, 2, 3).
//		Map(double).
//		ConcatMap(fanOut).
//		Subscribe(ctx, write)
package stream

import (
	"context"
	"errors"
)

// Emitter receives one value of a sequence.
type Emitter func(v any) error

// Publisher is a cold, single-pass sequence. It returns nil on completion and
// the terminal error otherwise.
type Publisher func(ctx context.Context, emit Emitter) error

// Subscribe runs the publisher. A nil publisher completes immediately.
func (p Publisher) Subscribe(ctx context.Context, emit Emitter) error {
	if p == nil {
		return nil
	}
	return p(ctx, emit)
}

// Collect subscribes and gathers every value. On error the values emitted so
// far are returned along with it.
func (p Publisher) Collect(ctx context.Context) ([]any, error) {
	var out []any
	err := p.Subscribe(ctx, func(v any) error {
		out = append(out, v)
		return nil
	})
	return out, err
}

// Just emits the given values in order.
func Just(values ...any) Publisher {
	return func(ctx context.Context, emit Emitter) error {
		for _, v := range values {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := emit(v); err != nil {
				return err
			}
		}
		return nil
	}
}

// Empty completes without emitting.
func Empty() Publisher {
	return func(context.Context, Emitter) error { return nil }
}

// Error fails immediately with err.
func Error(err error) Publisher {
	return func(context.Context, Emitter) error { return err }
}

// Concat subscribes to each publisher in turn.
func Concat(publishers ...Publisher) Publisher {
	return func(ctx context.Context, emit Emitter) error {
		for _, p := range publishers {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := p.Subscribe(ctx, emit); err != nil {
				return err
			}
		}
		return nil
	}
}

// Map transforms each value.
func (p Publisher) Map(fn func(ctx context.Context, v any) (any, error)) Publisher {
	return func(ctx context.Context, emit Emitter) error {
		return p.Subscribe(ctx, func(v any) error {
			out, err := fn(ctx, v)
			if err != nil {
				return err
			}
			return emit(out)
		})
	}
}

// ConcatMap maps each value to a publisher and splices its values into the
// output. Inner publishers run one after another in upstream order.
func (p Publisher) ConcatMap(fn func(ctx context.Context, v any) Publisher) Publisher {
	return func(ctx context.Context, emit Emitter) error {
		return p.Subscribe(ctx, func(v any) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx, v).Subscribe(ctx, emit)
		})
	}
}

// DoOnNext runs fn for its side effect before passing the value on.
func (p Publisher) DoOnNext(fn func(ctx context.Context, v any) error) Publisher {
	return func(ctx context.Context, emit Emitter) error {
		return p.Subscribe(ctx, func(v any) error {
			if err := fn(ctx, v); err != nil {
				return err
			}
			return emit(v)
		})
	}
}

// Then drops every value and keeps only the completion signal.
func (p Publisher) Then() Publisher {
	return func(ctx context.Context, _ Emitter) error {
		return p.Subscribe(ctx, func(any) error { return nil })
	}
}

// Transform hands the whole sequence to fn.
func (p Publisher) Transform(fn func(Publisher) Publisher) Publisher {
	return fn(p)
}

type takeDone struct{}

func (*takeDone) Error() string { return "stream: take limit reached" }

// Take emits at most n values and then stops the upstream.
func (p Publisher) Take(n int) Publisher {
	return func(ctx context.Context, emit Emitter) error {
		if n <= 0 {
			return nil
		}
		stop := &takeDone{}
		seen := 0
		err := p.Subscribe(ctx, func(v any) error {
			if err := emit(v); err != nil {
				return err
			}
			seen++
			if seen >= n {
				return stop
			}
			return nil
		})
		if errors.Is(err, stop) {
			return nil
		}
		return err
	}
}
