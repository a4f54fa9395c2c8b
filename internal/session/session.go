package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/evhandl/internal/protocol"
	"github.com/danmuck/evhandl/internal/protocol/control"
	"github.com/danmuck/evhandl/internal/protocol/frame"
	"github.com/danmuck/evhandl/internal/sink"
)

var ErrInvalidState = errors.New("session: operation not valid in current state")

// Session owns one transport to the BSC and the sink its bytes go to.
type Session struct {
	cfg    Config
	conn   net.Conn
	reader *bufio.Reader
	out    *sink.Sink
	state  atomic.Int32

	closeOnce sync.Once
	closeErr  error
}

// Dial opens the transport. The session is left in Connecting until
// Connect runs the handshake.
func Dial(ctx context.Context, addr string, cfg Config, out *sink.Sink) (*Session, error) {
	cfg = cfg.WithDefaults()
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindTransportFailure, "dial "+addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(cfg.NoDelay); err != nil {
			log.Warn().Err(err).Msg("failed to set TCP_NODELAY")
		}
	}
	return New(conn, cfg, out), nil
}

// New wraps an already open connection.
func New(conn net.Conn, cfg Config, out *sink.Sink) *Session {
	s := &Session{
		cfg:    cfg.WithDefaults(),
		conn:   conn,
		reader: bufio.NewReader(conn),
		out:    out,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) expect(op string, want State) error {
	if got := s.State(); got != want {
		return protocol.Wrap(protocol.KindProtocolViolation, op, fmt.Errorf("%w: %s", ErrInvalidState, got))
	}
	return nil
}

// Connect sends the connect request and validates the 10 byte reply.
// Request and accepted reply are appended to the sink as the capture prologue.
// Cancelling ctx aborts the exchange with OperatorStop.
func (s *Session) Connect(ctx context.Context) (reply control.ConnectReply, err error) {
	if err := s.expect("connect", StateConnecting); err != nil {
		return control.ConnectReply{}, err
	}
	s.setHandshakeDeadline()
	defer s.clearDeadline()
	defer s.interruptOn(ctx, "connect", &err)()

	req := control.ConnectRequest()
	wire, err := frame.Encode(req)
	if err != nil {
		return control.ConnectReply{}, protocol.Wrap(protocol.KindProtocolViolation, "connect", err)
	}
	if _, err := s.conn.Write(wire); err != nil {
		return control.ConnectReply{}, protocol.Wrap(protocol.KindTransportFailure, "connect", err)
	}
	if _, err := s.out.Write(wire); err != nil {
		return control.ConnectReply{}, err
	}
	s.setState(StateAwaitingConnectAck)

	var raw [protocol.ConnectReplyLen]byte
	if _, err := io.ReadFull(s.reader, raw[:]); err != nil {
		return control.ConnectReply{}, protocol.Wrap(protocol.KindTransportFailure, "connect reply", err)
	}
	reply = control.ParseConnectReply(raw)
	if err := reply.Err(); err != nil {
		return reply, err
	}
	if _, err := s.out.Write(raw[:]); err != nil {
		return reply, err
	}
	s.setState(StateSubscribing)
	log.Debug().
		Uint8("protocol_version", reply.ProtocolVersion).
		Uint8("application_version", reply.ApplicationVersion).
		Msg("connected")
	return reply, nil
}

// Subscribe sends one subscribe request and waits for its reply. Data
// frames that arrive first are captured like any other event.
func (s *Session) Subscribe(ctx context.Context, req control.SubscriptionRequest) (err error) {
	if err := s.expect("subscribe", StateSubscribing); err != nil {
		return err
	}
	fr, err := control.EncodeSubscribe(req)
	if err != nil {
		return err
	}
	s.setHandshakeDeadline()
	defer s.clearDeadline()
	defer s.interruptOn(ctx, "subscribe", &err)()

	if err := frame.WriteFrame(s.conn, fr); err != nil {
		return err
	}
	replyFrame, err := s.awaitControl()
	if err != nil {
		return err
	}
	reply, err := control.ParseSubscribeReply(replyFrame)
	if err != nil {
		return err
	}
	if err := reply.Err(req.EventID); err != nil {
		return err
	}
	log.Debug().Uint16("eid", req.EventID).Stringer("cells", req.Cells).Msg("subscribed")
	return nil
}

// SubscribeAll subscribes in order and stops at the first failure.
func (s *Session) SubscribeAll(ctx context.Context, reqs []control.SubscriptionRequest) error {
	for _, req := range reqs {
		if err := s.Subscribe(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// awaitControl returns the next control channel frame. Data frames read on
// the way go to the sink through the receive path.
func (s *Session) awaitControl() (frame.Frame, error) {
	for {
		h, raw, err := frame.ReadRaw(s.reader, s.cfg.limits())
		if err != nil {
			return frame.Frame{}, err
		}
		switch h.Channel {
		case protocol.ChannelControl:
			return frame.Frame{Channel: h.Channel, Payload: raw[frame.HeaderLen:]}, nil
		case protocol.ChannelData:
			if _, err := s.out.WriteEvent(raw); err != nil {
				return frame.Frame{}, err
			}
		default:
			return frame.Frame{}, protocol.Errorf(protocol.KindProtocolViolation, "await reply",
				"frame on unexpected channel %d", h.Channel)
		}
	}
}

// Stream copies frames to the sink until ctx ends, the transport fails, or
// the byte count passes maxBytes. Cancelling ctx closes the transport to
// unblock the pending read.
func (s *Session) Stream(ctx context.Context, maxBytes uint64) error {
	if err := s.expect("receive", StateSubscribing); err != nil {
		return err
	}
	s.setState(StateReceiving)

	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.Close()
	})
	defer stop()

	limits := s.cfg.limits()
	lastFlush := time.Now()
	for {
		h, raw, err := frame.ReadRaw(s.reader, limits)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return err
		}
		if h.Channel != protocol.ChannelData {
			log.Debug().Uint16("channel", h.Channel).Int("bytes", len(raw)).Msg("non-data frame captured")
		}
		total, err := s.out.WriteEvent(raw)
		if err != nil {
			return err
		}
		if maxBytes > 0 && total > maxBytes {
			return &protocol.Error{
				Kind:   protocol.KindLimitExceeded,
				Op:     "receive",
				Reason: fmt.Sprintf("maximum file size reached (%d > %d bytes)", total, maxBytes),
			}
		}
		if time.Since(lastFlush) >= s.cfg.FlushInterval {
			if err := s.out.Flush(); err != nil {
				return err
			}
			lastFlush = time.Now()
		}
	}
}

// Terminate half-closes then closes the transport. It is safe to call more
// than once and from any state. The sink is owned by the caller.
func (s *Session) Terminate() error {
	s.closeOnce.Do(func() {
		s.setState(StateTerminated)
		if tcp, ok := s.conn.(*net.TCPConn); ok {
			_ = tcp.CloseRead()
			_ = tcp.CloseWrite()
		}
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = protocol.Wrap(protocol.KindTransportFailure, "terminate", err)
		}
	})
	return s.closeErr
}

// interruptOn expires the transport deadline once ctx ends so a blocked
// handshake read or write returns. The returned func detaches the watcher
// and, when ctx ended, replaces *errp with OperatorStop.
func (s *Session) interruptOn(ctx context.Context, op string, errp *error) func() {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		if *errp != nil && ctx.Err() != nil {
			*errp = &protocol.Error{
				Kind:   protocol.KindOperatorStop,
				Op:     op,
				Reason: "interrupted",
				Err:    context.Cause(ctx),
			}
		}
	}
}

func (s *Session) setHandshakeDeadline() {
	if s.cfg.HandshakeTimeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	}
}

func (s *Session) clearDeadline() {
	if s.cfg.HandshakeTimeout > 0 {
		_ = s.conn.SetDeadline(time.Time{})
	}
}
