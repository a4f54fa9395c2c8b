// Package bscsim is a simulated BSC event handler. It answers the connect
// and subscribe exchanges as scripted by a Scenario and then streams data
// frames, so the client can be exercised without a real node.
package bscsim

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/evhandl/internal/protocol"
	"github.com/danmuck/evhandl/internal/protocol/frame"
)

type Server struct {
	scenario Scenario

	mu            sync.Mutex
	conns         map[net.Conn]struct{}
	subscriptions []Subscription

	sessions   atomic.Int64
	framesSent atomic.Uint64
}

func NewServer(sc Scenario) *Server {
	return &Server{
		scenario: sc,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Serve accepts sessions on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Subscriptions returns every subscribe request received so far.
func (s *Server) Subscriptions() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscription, len(s.subscriptions))
	copy(out, s.subscriptions)
	return out
}

func (s *Server) FramesSent() uint64 {
	return s.framesSent.Load()
}

func (s *Server) trackConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) closeAllConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// peer serializes whole-frame writes from the reply path and the streamer.
type peer struct {
	mu   sync.Mutex
	conn net.Conn
}

func (p *peer) write(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.conn.Write(b)
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.sessions.Add(1)
	log.Info().Str("remote", remote).Int64("active", active).Msg("bscsim client connected")
	defer func() {
		remaining := s.sessions.Add(-1)
		log.Info().Str("remote", remote).Int64("active", remaining).Msg("bscsim client disconnected")
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	reader := bufio.NewReader(conn)
	p := &peer{conn: conn}

	if err := s.handshake(reader, p); err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("bscsim handshake ended")
		return
	}

	var streaming sync.Once
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = conn.Close()
		wg.Wait()
	}()
	for {
		fr, err := frame.ReadFrame(reader, frame.DefaultLimits())
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("remote", remote).Msg("bscsim read ended")
			}
			return
		}
		if fr.Channel != protocol.ChannelControl {
			log.Warn().Uint16("channel", fr.Channel).Msg("bscsim ignoring client frame")
			continue
		}
		sub, err := ParseSubscription(fr.Payload)
		if err != nil {
			log.Warn().Err(err).Msg("bscsim bad subscribe")
			return
		}
		s.mu.Lock()
		s.subscriptions = append(s.subscriptions, sub)
		s.mu.Unlock()

		for i := 0; i < s.scenario.InterleavedFrames; i++ {
			if err := s.sendEvent(p, uint32(i)); err != nil {
				return
			}
		}
		result := s.scenario.SubscribeResult(sub.EventID)
		if err := p.write(subscribeReply(result)); err != nil {
			return
		}
		if result == 0 {
			streaming.Do(func() {
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.stream(ctx, p)
				}()
			})
		}
	}
}

func (s *Server) handshake(reader *bufio.Reader, p *peer) error {
	fr, err := frame.ReadFrame(reader, frame.DefaultLimits())
	if err != nil {
		return err
	}
	if fr.Channel != protocol.ChannelControl || len(fr.Payload) != 2 ||
		binary.BigEndian.Uint16(fr.Payload) != protocol.CMNConnect {
		return protocol.Errorf(protocol.KindProtocolViolation, "bscsim connect", "unexpected connect request % x", fr.Payload)
	}
	reply := []byte{
		0, 3, 0, 0,
		0, byte(protocol.CMNConnect),
		0, s.scenario.ConnectResult,
		s.scenario.ProtocolVersion, s.scenario.ApplicationVersion,
	}
	if err := p.write(reply); err != nil {
		return err
	}
	if s.scenario.ConnectResult != 0 {
		return protocol.Errorf(protocol.KindConnectionRejected, "bscsim connect", "rejected with code %d", s.scenario.ConnectResult)
	}
	return nil
}

func (s *Server) stream(ctx context.Context, p *peer) {
	ev := s.scenario.Events
	for seq := 0; ev.Count == 0 || seq < ev.Count; seq++ {
		if ev.Interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(ev.Interval):
			}
		} else if ctx.Err() != nil {
			return
		}
		if err := s.sendEvent(p, uint32(seq)); err != nil {
			return
		}
	}
	if ev.OversizeHeader {
		hdr := frame.EncodeHeader(uint16(protocol.MaxMessageBytes/2+1), ev.Channel)
		_ = p.write(hdr[:])
	}
	if ev.CloseAfter {
		_ = p.conn.Close()
	}
}

func (s *Server) sendEvent(p *peer, seq uint32) error {
	payload := make([]byte, s.scenario.Events.PayloadBytes)
	if len(payload) >= 4 {
		binary.BigEndian.PutUint32(payload, seq)
	}
	wire, err := frame.Encode(frame.Frame{Channel: s.scenario.Events.Channel, Payload: payload})
	if err != nil {
		return err
	}
	if err := p.write(wire); err != nil {
		return err
	}
	s.framesSent.Add(1)
	return nil
}

func subscribeReply(result uint16) []byte {
	return []byte{0, 2, 0, 0, 0, byte(protocol.CMNSubscribe), byte(result >> 8), byte(result)}
}
