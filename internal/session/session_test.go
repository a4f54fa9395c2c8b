package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/danmuck/evhandl/internal/protocol"
	"github.com/danmuck/evhandl/internal/protocol/control"
	"github.com/danmuck/evhandl/internal/protocol/frame"
	"github.com/danmuck/evhandl/internal/sink"
	"github.com/danmuck/evhandl/internal/testutil/testlog"
)

type peerFunc func(conn net.Conn) error

// startPeer serves exactly one connection with fn and returns its address.
func startPeer(t *testing.T, fn peerFunc) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		done <- fn(conn)
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.Errorf("peer: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("peer did not finish")
		}
	})
	return ln.Addr().String()
}

func dialPeer(t *testing.T, addr string) (*Session, *sink.Sink, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	out, err := sink.New("buffer", &buf, sink.CompressionNone, nil)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 2 * time.Second
	s, err := Dial(context.Background(), addr, cfg, out)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = s.Terminate() })
	return s, out, &buf
}

func connectReply(code byte) []byte {
	return []byte{0, 3, 0, 0, 0, 1, 0, code, 1, 2}
}

func acceptConnect(conn net.Conn, code byte) error {
	req := make([]byte, 6)
	if _, err := io.ReadFull(conn, req); err != nil {
		return err
	}
	if !bytes.Equal(req, []byte{0, 1, 0, 0, 0, 1}) {
		return fmt.Errorf("unexpected connect request % x", req)
	}
	_, err := conn.Write(connectReply(code))
	return err
}

func subscribeReply(result uint16) []byte {
	wire, _ := frame.Encode(frame.Frame{
		Channel: protocol.ChannelControl,
		Payload: []byte{0, 11, byte(result >> 8), byte(result)},
	})
	return wire
}

func dataFrame(payloadLen int) []byte {
	wire, _ := frame.Encode(frame.Frame{Channel: protocol.ChannelData, Payload: make([]byte, payloadLen)})
	return wire
}

func TestConnectAcceptedWritesPrologue(t *testing.T) {
	testlog.Start(t)
	addr := startPeer(t, func(conn net.Conn) error {
		return acceptConnect(conn, 0)
	})
	s, out, buf := dialPeer(t, addr)

	reply, err := s.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if s.State() != StateSubscribing {
		t.Fatalf("unexpected state: %s", s.State())
	}
	if reply.ProtocolVersion != 1 || reply.ApplicationVersion != 2 {
		t.Fatalf("unexpected versions: %+v", reply)
	}
	if err := out.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	want := append([]byte{0, 1, 0, 0, 0, 1}, connectReply(0)...)
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("prologue mismatch: % x", buf.Bytes())
	}
	if snap := out.Counters().Snapshot(); snap.Bytes != 16 || snap.Events != 0 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
}

func TestConnectRejectedNeverReceives(t *testing.T) {
	testlog.Start(t)
	addr := startPeer(t, func(conn net.Conn) error {
		return acceptConnect(conn, 5)
	})
	s, _, _ := dialPeer(t, addr)

	_, err := s.Connect(context.Background())
	if !errors.Is(err, protocol.ErrConnectionRejected) {
		t.Fatalf("expected ErrConnectionRejected, got %v", err)
	}
	var pe *protocol.Error
	if !errors.As(err, &pe) || pe.Reason != "already connected" {
		t.Fatalf("unexpected rejection: %v", err)
	}
	if err := s.Stream(context.Background(), 1000); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("stream after rejection must fail, got %v", err)
	}
	if s.State() == StateReceiving {
		t.Fatalf("session must not reach receiving")
	}
}

func TestSubscribeForwardsInterleavedDataFrames(t *testing.T) {
	testlog.Start(t)
	addr := startPeer(t, func(conn net.Conn) error {
		if err := acceptConnect(conn, 0); err != nil {
			return err
		}
		req, err := frame.ReadFrame(conn, frame.DefaultLimits())
		if err != nil {
			return err
		}
		if !bytes.Equal(req.Payload, []byte{0, 11, 0, 5, 0, 1, 0, 12, 0, 0}) {
			return fmt.Errorf("unexpected subscribe payload % x", req.Payload)
		}
		if _, err := conn.Write(dataFrame(8)); err != nil {
			return err
		}
		_, err = conn.Write(subscribeReply(0))
		return err
	})
	s, out, _ := dialPeer(t, addr)
	if _, err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	err := s.Subscribe(context.Background(), control.SubscriptionRequest{Kind: protocol.CommandGMLog, EventID: 5, Cells: control.CellList(12)})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if snap := out.Counters().Snapshot(); snap.Events != 1 || snap.Bytes != 16+12 {
		t.Fatalf("interleaved frame not captured: %+v", snap)
	}
}

func TestSubscribeRejected(t *testing.T) {
	testlog.Start(t)
	addr := startPeer(t, func(conn net.Conn) error {
		if err := acceptConnect(conn, 0); err != nil {
			return err
		}
		if _, err := frame.ReadFrame(conn, frame.DefaultLimits()); err != nil {
			return err
		}
		_, err := conn.Write(subscribeReply(10))
		return err
	})
	s, _, _ := dialPeer(t, addr)
	if _, err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	err := s.SubscribeAll(context.Background(), []control.SubscriptionRequest{{Kind: protocol.CommandRPMO, EventID: 40, Cells: control.AllCells()}})
	if !errors.Is(err, protocol.ErrSubscriptionRejected) {
		t.Fatalf("expected ErrSubscriptionRejected, got %v", err)
	}
	var pe *protocol.Error
	if !errors.As(err, &pe) || pe.Code != 10 {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestSubscribeUnexpectedChannel(t *testing.T) {
	testlog.Start(t)
	addr := startPeer(t, func(conn net.Conn) error {
		if err := acceptConnect(conn, 0); err != nil {
			return err
		}
		if _, err := frame.ReadFrame(conn, frame.DefaultLimits()); err != nil {
			return err
		}
		wire, _ := frame.Encode(frame.Frame{Channel: 7, Payload: []byte{0, 0}})
		_, err := conn.Write(wire)
		return err
	})
	s, _, _ := dialPeer(t, addr)
	if _, err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	err := s.Subscribe(context.Background(), control.SubscriptionRequest{Kind: protocol.CommandGMLog, EventID: 1})
	if !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

// subscribedPeer accepts the handshake and one subscription, then runs body.
func subscribedPeer(body func(conn net.Conn) error) peerFunc {
	return func(conn net.Conn) error {
		if err := acceptConnect(conn, 0); err != nil {
			return err
		}
		if _, err := frame.ReadFrame(conn, frame.DefaultLimits()); err != nil {
			return err
		}
		if _, err := conn.Write(subscribeReply(0)); err != nil {
			return err
		}
		return body(conn)
	}
}

func subscribe(t *testing.T, s *Session) {
	t.Helper()
	if _, err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Subscribe(context.Background(), control.SubscriptionRequest{Kind: protocol.CommandRPMO, EventID: 3, Cells: control.AllCells()}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

func TestStreamStopsAtByteLimit(t *testing.T) {
	testlog.Start(t)
	addr := startPeer(t, subscribedPeer(func(conn net.Conn) error {
		for i := 0; i < 100; i++ {
			if _, err := conn.Write(dataFrame(96)); err != nil {
				return nil
			}
		}
		return nil
	}))
	s, out, _ := dialPeer(t, addr)
	subscribe(t, s)

	err := s.Stream(context.Background(), 1000)
	if !errors.Is(err, protocol.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	if got := out.Counters().Bytes(); got <= 1000 || got > 1000+100 {
		t.Fatalf("byte count %d outside (1000, 1100]", got)
	}
}

func TestStreamRejectsOversizeFrame(t *testing.T) {
	testlog.Start(t)
	addr := startPeer(t, subscribedPeer(func(conn net.Conn) error {
		hdr := frame.EncodeHeader(20501, protocol.ChannelData)
		_, err := conn.Write(hdr[:])
		return err
	}))
	s, out, _ := dialPeer(t, addr)
	subscribe(t, s)

	err := s.Stream(context.Background(), 1_000_000)
	if !errors.Is(err, protocol.ErrProtocolViolation) || !errors.Is(err, frame.ErrPayloadTooLarge) {
		t.Fatalf("expected oversize protocol violation, got %v", err)
	}
	if out.Counters().Events() != 0 {
		t.Fatalf("oversize frame must not be captured")
	}
}

func TestStreamCancelUnblocksRead(t *testing.T) {
	testlog.Start(t)
	release := make(chan struct{})
	addr := startPeer(t, subscribedPeer(func(conn net.Conn) error {
		<-release
		return nil
	}))
	s, _, _ := dialPeer(t, addr)
	subscribe(t, s)
	defer close(release)

	ctx, cancel := context.WithCancelCause(context.Background())
	stop := protocol.Errorf(protocol.KindOperatorStop, "watch input", "quit requested")
	time.AfterFunc(50*time.Millisecond, func() { cancel(stop) })

	err := s.Stream(ctx, 1000)
	if !errors.Is(err, protocol.ErrOperatorStop) {
		t.Fatalf("expected operator stop cause, got %v", err)
	}
}

func TestStreamPeerCloseIsTransportFailure(t *testing.T) {
	testlog.Start(t)
	addr := startPeer(t, subscribedPeer(func(conn net.Conn) error {
		_, err := conn.Write(dataFrame(4)[:5])
		return err
	}))
	s, _, _ := dialPeer(t, addr)
	subscribe(t, s)

	err := s.Stream(context.Background(), 1000)
	if !errors.Is(err, protocol.ErrTransportFailure) {
		t.Fatalf("expected ErrTransportFailure, got %v", err)
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	testlog.Start(t)
	addr := startPeer(t, func(conn net.Conn) error {
		_, err := io.Copy(io.Discard, conn)
		return err
	})
	s, _, _ := dialPeer(t, addr)
	if err := s.Terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := s.Terminate(); err != nil {
		t.Fatalf("second terminate: %v", err)
	}
	if s.State() != StateTerminated {
		t.Fatalf("unexpected state: %s", s.State())
	}
	if _, err := s.Connect(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("connect after terminate must fail, got %v", err)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{HandshakeTimeout: -1}.WithDefaults()
	if cfg.HandshakeTimeout != 0 {
		t.Fatalf("negative handshake timeout must disable it")
	}
	if cfg.MaxMessageBytes != protocol.MaxMessageBytes || cfg.FlushInterval != time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestHandshakeCancelWithoutTimeout(t *testing.T) {
	testlog.Start(t)
	release := make(chan struct{})
	addr := startPeer(t, func(conn net.Conn) error {
		if _, err := io.ReadFull(conn, make([]byte, 6)); err != nil {
			return err
		}
		<-release
		return nil
	})
	defer close(release)

	var buf bytes.Buffer
	out, err := sink.New("buffer", &buf, sink.CompressionNone, nil)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 0
	s, err := Dial(context.Background(), addr, cfg, out)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer s.Terminate()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	_, err = s.Connect(ctx)
	if !errors.Is(err, protocol.ErrOperatorStop) {
		t.Fatalf("expected ErrOperatorStop, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cause not kept: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("connect returned after %s", elapsed)
	}
}

func TestSubscribeCancelIsOperatorStop(t *testing.T) {
	testlog.Start(t)
	release := make(chan struct{})
	addr := startPeer(t, func(conn net.Conn) error {
		if err := acceptConnect(conn, 0); err != nil {
			return err
		}
		if _, err := frame.ReadFrame(conn, frame.DefaultLimits()); err != nil {
			return err
		}
		<-release
		return nil
	})
	defer close(release)
	s, _, _ := dialPeer(t, addr)
	if _, err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	err := s.Subscribe(ctx, control.SubscriptionRequest{Kind: protocol.CommandRPMO, EventID: 3, Cells: control.AllCells()})
	if !errors.Is(err, protocol.ErrOperatorStop) {
		t.Fatalf("expected ErrOperatorStop, got %v", err)
	}
}

func TestStreamCapturesNonDataChannels(t *testing.T) {
	testlog.Start(t)
	other, _ := frame.Encode(frame.Frame{Channel: 5, Payload: []byte{0xAA, 0xBB}})
	addr := startPeer(t, subscribedPeer(func(conn net.Conn) error {
		if _, err := conn.Write(other); err != nil {
			return err
		}
		_, err := conn.Write(dataFrame(2))
		return err
	}))
	s, out, buf := dialPeer(t, addr)
	subscribe(t, s)
	before := out.Counters().Snapshot()

	err := s.Stream(context.Background(), 1000)
	if !errors.Is(err, protocol.ErrTransportFailure) {
		t.Fatalf("expected peer close, got %v", err)
	}
	after := out.Counters().Snapshot()
	if after.Events-before.Events != 2 {
		t.Fatalf("expected both frames counted, got %d", after.Events-before.Events)
	}
	if after.Bytes-before.Bytes != uint64(len(other)+6) {
		t.Fatalf("unexpected byte delta %d", after.Bytes-before.Bytes)
	}
	if err := out.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), other) {
		t.Fatalf("channel 5 frame not written verbatim")
	}
}
