// Package transport implements the client side of the frame protocol: many
// concurrent interactions multiplexed over one TCP connection.
//
// Each interaction is a Stream with its own ID. A single recvLoop reads frames
// and routes them to the stream they belong to; writers share one mutex so
// frames never interleave.
//
//	RequestStream(id=1) ──┐
//	RequestChannel(id=3) ─┼──→ single TCP conn ──→ Server
//	FireAndForget(id=5) ──┘
//
//	recvLoop:  ←── PAYLOAD(id=3) → streams[3].frames → caller of stream 3
package transport

import (
	"context"
	"errors"
	"fmt"
	"function-rpc/codec"
	"function-rpc/message"
	"function-rpc/protocol"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var ErrTransportClosed = errors.New("transport: closed")

const (
	DefaultHeartbeat  = 30 * time.Second
	defaultStreamSize = 64
)

// Frame is one decoded frame addressed to a stream.
type Frame struct {
	Type protocol.FrameType
	Msg  *message.RPCMessage
}

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	logger  *zap.Logger
	nextID  atomic.Uint32
	streams sync.Map   // map[uint32]*Stream
	sending sync.Mutex // serializes whole frames on conn

	closed    chan struct{}
	closeOnce sync.Once
	err       atomic.Value // error that closed the transport

	heartbeat time.Duration
}

type Option func(*ClientTransport)

// WithHeartbeat sets the keepalive interval. Zero disables heartbeats.
func WithHeartbeat(interval time.Duration) Option {
	return func(t *ClientTransport) { t.heartbeat = interval }
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *ClientTransport) { t.logger = logger }
}

// NewClientTransport takes ownership of conn and starts the receive and
// heartbeat loops.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:      conn,
		codec:     codecType,
		logger:    zap.NewNop(),
		closed:    make(chan struct{}),
		heartbeat: DefaultHeartbeat,
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.recvLoop()
	if t.heartbeat > 0 {
		go t.heartbeatLoop(t.heartbeat)
	}
	return t
}

// Open starts an interaction by sending its request frame. The caller must
// Close the returned stream once it stops reading from it.
func (t *ClientTransport) Open(mode message.InteractionMode, req *message.RPCMessage) (*Stream, error) {
	frameType, ok := protocol.RequestFrame(mode)
	if !ok {
		return nil, fmt.Errorf("transport: no request frame for mode %s", mode)
	}
	if err := t.Err(); err != nil {
		return nil, err
	}

	// Client-initiated stream IDs are odd.
	id := t.nextID.Add(2) - 1
	s := &Stream{
		id:     id,
		t:      t,
		frames: make(chan Frame, defaultStreamSize),
		done:   make(chan struct{}),
	}
	// Register before writing so a fast reply is never dropped.
	t.streams.Store(id, s)

	if err := t.write(frameType, id, req); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (t *ClientTransport) write(frameType protocol.FrameType, id uint32, msg *message.RPCMessage) error {
	var body []byte
	if msg != nil {
		var err error
		body, err = codec.GetCodec(t.codec).Encode(msg)
		if err != nil {
			return err
		}
	}
	header := protocol.Header{
		CodecType: byte(t.codec),
		FrameType: frameType,
		StreamID:  id,
	}

	t.sending.Lock()
	defer t.sending.Unlock()
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.fail(err)
		return err
	}
	return nil
}

// recvLoop is the only reader of conn. Frames for unknown streams are dropped:
// their caller already went away.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		if header.FrameType == protocol.FrameHeartbeat {
			continue
		}

		msg := &message.RPCMessage{}
		if len(body) > 0 {
			if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, msg); err != nil {
				t.logger.Warn("drop undecodable frame", zap.Uint32("stream", header.StreamID), zap.Error(err))
				msg = &message.RPCMessage{Error: err.Error()}
				header.FrameType = protocol.FrameError
			}
		}

		v, ok := t.streams.Load(header.StreamID)
		if !ok {
			continue
		}
		s := v.(*Stream)
		terminal := header.FrameType == protocol.FrameComplete || header.FrameType == protocol.FrameError
		if terminal {
			t.streams.Delete(header.StreamID)
		}
		select {
		case s.frames <- Frame{Type: header.FrameType, Msg: msg}:
		case <-s.done:
		case <-t.closed:
			return
		}
	}
}

// fail closes the transport with err. Blocked readers see err.
func (t *ClientTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.err.Store(err)
		close(t.closed)
		t.conn.Close()
	})
}

// Err returns the error the transport was closed with, or nil while it is open.
func (t *ClientTransport) Err() error {
	select {
	case <-t.closed:
		return t.err.Load().(error)
	default:
		return nil
	}
}

// Close shuts the connection. Open streams fail with ErrTransportClosed.
func (t *ClientTransport) Close() error {
	t.fail(ErrTransportClosed)
	return nil
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// heartbeatLoop keeps idle connections alive and detects dead ones.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.write(protocol.FrameHeartbeat, 0, nil); err != nil {
				t.logger.Debug("heartbeat failed", zap.Error(err))
				return
			}
		case <-t.closed:
			return
		}
	}
}

// Stream is one interaction on a ClientTransport.
type Stream struct {
	id        uint32
	t         *ClientTransport
	frames    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Stream) ID() uint32 {
	return s.id
}

// Send writes a frame on this stream. A nil msg sends an empty body.
func (s *Stream) Send(frameType protocol.FrameType, msg *message.RPCMessage) error {
	return s.t.write(frameType, s.id, msg)
}

// Recv waits for the next frame. Frames already delivered are returned before
// a transport failure is reported.
func (s *Stream) Recv(ctx context.Context) (Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.t.closed:
		select {
		case f := <-s.frames:
			return f, nil
		default:
			return Frame{}, s.t.Err()
		}
	}
}

// Close stops routing frames to the stream. It does not notify the server;
// send FrameCancel first for that.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.t.streams.Delete(s.id)
		close(s.done)
	})
}
