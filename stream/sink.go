package stream

import (
	"context"
	"errors"
	"sync/atomic"
)

var (
	ErrSinkTerminated    = errors.New("stream: sink already terminated")
	ErrAlreadySubscribed = errors.New("stream: sink publisher already subscribed")
)

type signal struct {
	value any
	done  bool
	err   error
}

// Sink is a bounded, channel-backed source. One producer feeds it with Next
// and ends it with Complete or Error; one subscriber drains it through
// Publisher.
type Sink struct {
	ch         chan signal
	terminated atomic.Bool
	subscribed atomic.Bool
}

// NewSink creates a sink buffering up to size values.
func NewSink(size int) *Sink {
	if size < 0 {
		size = 0
	}
	return &Sink{ch: make(chan signal, size)}
}

// Next pushes one value, blocking while the buffer is full.
func (s *Sink) Next(ctx context.Context, v any) error {
	if s.terminated.Load() {
		return ErrSinkTerminated
	}
	return s.send(ctx, signal{value: v})
}

// Complete ends the sequence successfully.
func (s *Sink) Complete(ctx context.Context) error {
	if !s.terminated.CompareAndSwap(false, true) {
		return ErrSinkTerminated
	}
	return s.send(ctx, signal{done: true})
}

// Error ends the sequence with err.
func (s *Sink) Error(ctx context.Context, err error) error {
	if !s.terminated.CompareAndSwap(false, true) {
		return ErrSinkTerminated
	}
	return s.send(ctx, signal{done: true, err: err})
}

func (s *Sink) send(ctx context.Context, sig signal) error {
	select {
	case s.ch <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publisher returns the consuming side. It may be subscribed once.
func (s *Sink) Publisher() Publisher {
	return func(ctx context.Context, emit Emitter) error {
		if !s.subscribed.CompareAndSwap(false, true) {
			return ErrAlreadySubscribed
		}
		for {
			select {
			case sig := <-s.ch:
				if sig.done {
					return sig.err
				}
				if err := emit(sig.value); err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
