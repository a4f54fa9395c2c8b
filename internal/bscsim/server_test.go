package bscsim

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/evhandl/internal/config"
	"github.com/danmuck/evhandl/internal/protocol"
	"github.com/danmuck/evhandl/internal/protocol/control"
	"github.com/danmuck/evhandl/internal/protocol/frame"
	"github.com/danmuck/evhandl/internal/session"
	"github.com/danmuck/evhandl/internal/sink"
	"github.com/danmuck/evhandl/internal/supervisor"
	"github.com/danmuck/evhandl/internal/testutil/testlog"
)

func startServer(t *testing.T, sc Scenario) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(sc)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Errorf("bscsim did not stop")
		}
	})
	return srv, ln.Addr().String()
}

func dial(t *testing.T, addr string) (*session.Session, *sink.Sink, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	out, err := sink.New("buffer", &buf, sink.CompressionNone, nil)
	require.NoError(t, err)
	s, err := session.Dial(context.Background(), addr, session.DefaultConfig(), out)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Terminate()
		_ = out.Close()
	})
	return s, out, &buf
}

func TestEndToEndStopsAtByteLimit(t *testing.T) {
	testlog.Start(t)
	sc := DefaultScenario()
	sc.Events.Interval = 5 * time.Millisecond
	srv, addr := startServer(t, sc)

	opts := config.Options{
		Kind:     protocol.CommandGMLog,
		Host:     "127.0.0.1",
		Port:     1,
		EventIDs: []uint16{0, 1, 2},
		Cells:    control.CellList(12),
		Output:   "-",
		Limits:   config.Limits{MaxBytes: 1000, MaxSeconds: 60},
	}
	require.NoError(t, opts.Validate())

	s, out, buf := dial(t, addr)
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.SubscribeAll(context.Background(), opts.Requests()))

	err = supervisor.Run(context.Background(), s, out, supervisor.Config{
		Limits:         opts.Limits,
		ReportInterval: 50 * time.Millisecond,
	})
	require.ErrorIs(t, err, protocol.ErrLimitExceeded)
	require.NoError(t, out.Close())

	frameSize := uint64(frame.HeaderLen + sc.Events.PayloadBytes)
	total := out.Counters().Bytes()
	assert.Greater(t, total, opts.Limits.MaxBytes)
	assert.LessOrEqual(t, total, opts.Limits.MaxBytes+frameSize)
	assert.Equal(t, int(total), buf.Len())

	subs := srv.Subscriptions()
	require.Len(t, subs, 3)
	for i, sub := range subs {
		assert.Equal(t, uint16(i), sub.EventID)
		assert.Equal(t, control.CellList(12), sub.Cells)
	}
}

func TestConnectRejectedScenario(t *testing.T) {
	testlog.Start(t)
	sc := DefaultScenario()
	sc.ConnectResult = 3
	_, addr := startServer(t, sc)

	s, out, _ := dial(t, addr)
	_, err := s.Connect(context.Background())
	require.ErrorIs(t, err, protocol.ErrConnectionRejected)
	assert.Contains(t, err.Error(), "try again later")
	assert.Equal(t, uint64(6), out.Counters().Bytes(), "only the request is captured")
}

func TestSubscriptionRejectedScenario(t *testing.T) {
	testlog.Start(t)
	sc := DefaultScenario()
	sc.SubscribeResults[300] = 7
	_, addr := startServer(t, sc)

	s, _, _ := dial(t, addr)
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	err = s.SubscribeAll(context.Background(), []control.SubscriptionRequest{
		{Kind: protocol.CommandRPMO, EventID: 4, Cells: control.AllCells()},
		{Kind: protocol.CommandRPMO, EventID: 300, Cells: control.AllCells()},
	})
	require.ErrorIs(t, err, protocol.ErrSubscriptionRejected)
	assert.Equal(t, "subscribe event 300: subscription rejected: submitted EID is invalid (code 7)", err.Error())
}

func TestInterleavedFramesAreCapturedDuringSubscribe(t *testing.T) {
	testlog.Start(t)
	sc := DefaultScenario()
	sc.InterleavedFrames = 2
	sc.Events.Count = 1
	_, addr := startServer(t, sc)

	s, out, _ := dial(t, addr)
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(context.Background(), control.SubscriptionRequest{Kind: protocol.CommandGMLog, EventID: 1}))
	assert.GreaterOrEqual(t, out.Counters().Events(), uint32(2))
}

func TestOversizeHeaderScenario(t *testing.T) {
	testlog.Start(t)
	sc := DefaultScenario()
	sc.Events.Count = 3
	sc.Events.Interval = 0
	sc.Events.OversizeHeader = true
	_, addr := startServer(t, sc)

	s, out, _ := dial(t, addr)
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(context.Background(), control.SubscriptionRequest{Kind: protocol.CommandRPMO, EventID: 2, Cells: control.AllCells()}))

	err = s.Stream(context.Background(), config.MaxBytesCeiling)
	require.ErrorIs(t, err, protocol.ErrProtocolViolation)
	assert.Equal(t, uint32(3), out.Counters().Events())
}

func TestPeerCloseScenario(t *testing.T) {
	testlog.Start(t)
	sc := DefaultScenario()
	sc.Events.Count = 2
	sc.Events.Interval = 0
	sc.Events.CloseAfter = true
	srv, addr := startServer(t, sc)

	s, _, _ := dial(t, addr)
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(context.Background(), control.SubscriptionRequest{Kind: protocol.CommandRPMO, EventID: 2, Cells: control.AllCells()}))

	err = s.Stream(context.Background(), config.MaxBytesCeiling)
	require.ErrorIs(t, err, protocol.ErrTransportFailure)
	assert.Equal(t, uint64(2), srv.FramesSent())
}
