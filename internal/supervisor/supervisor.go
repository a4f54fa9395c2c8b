package supervisor

import (
	"context"
	"errors"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danmuck/evhandl/internal/config"
	"github.com/danmuck/evhandl/internal/protocol"
	"github.com/danmuck/evhandl/internal/sink"
)

// Streamer is the receive loop being supervised.
type Streamer interface {
	Stream(ctx context.Context, maxBytes uint64) error
}

type Config struct {
	Limits         config.Limits
	ReportInterval time.Duration
	// Input is watched for the quit key. Nil disables the watcher.
	Input io.Reader
	// Progress receives the progress line. Nil discards it.
	Progress io.Writer
}

// Run drives st until the first task fails and returns that failure. A
// cancelled ctx is reported as an operator stop. Run never returns nil.
func Run(ctx context.Context, st Streamer, out *sink.Sink, cfg Config) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return st.Stream(gctx, cfg.Limits.MaxBytes)
	})
	if cfg.Input != nil {
		g.Go(func() error {
			return WatchInput(gctx, cfg.Input)
		})
	}
	reporter := NewReporter(out, cfg.Limits, cfg.ReportInterval, cfg.Progress)
	g.Go(func() error {
		return reporter.Run(gctx)
	})

	err := g.Wait()
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		return protocol.Errorf(protocol.KindOperatorStop, "session", "interrupted")
	}
	if err == nil {
		return protocol.Errorf(protocol.KindTransportFailure, "session", "receive loop ended without an outcome")
	}
	return err
}
