package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/danmuck/evhandl/internal/config"
	"github.com/danmuck/evhandl/internal/protocol"
	"github.com/danmuck/evhandl/internal/sink"
)

// Reporter prints progress, flushes the sink and enforces both limits once
// per interval.
type Reporter struct {
	out      *sink.Sink
	limits   config.Limits
	interval time.Duration
	w        io.Writer
	inPlace  bool
}

func NewReporter(out *sink.Sink, limits config.Limits, interval time.Duration, w io.Writer) *Reporter {
	if interval <= 0 {
		interval = time.Second
	}
	if w == nil {
		w = io.Discard
	}
	return &Reporter{
		out:      out,
		limits:   limits,
		interval: interval,
		w:        w,
		inPlace:  isTerminal(w),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Line renders the progress line for snap.
func Line(snap sink.Snapshot) string {
	return fmt.Sprintf("Events: %10d  FileSize: %7d KB", snap.Events, snap.KB())
}

func (r *Reporter) render(snap sink.Snapshot) {
	if r.inPlace {
		fmt.Fprintf(r.w, "\r%s", Line(snap))
		return
	}
	fmt.Fprintln(r.w, Line(snap))
}

// Run ticks until ctx ends or a limit is reached.
func (r *Reporter) Run(ctx context.Context) error {
	start := time.Now()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer func() {
		if r.inPlace {
			fmt.Fprintln(r.w)
		}
	}()

	r.render(r.out.Counters().Snapshot())
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			snap := r.out.Counters().Snapshot()
			r.render(snap)
			if err := r.out.Flush(); err != nil {
				return err
			}
			if err := r.check(snap, now.Sub(start)); err != nil {
				return err
			}
		}
	}
}

func (r *Reporter) check(snap sink.Snapshot, elapsed time.Duration) error {
	if r.limits.MaxBytes > 0 && snap.Bytes > r.limits.MaxBytes {
		return &protocol.Error{
			Kind:   protocol.KindLimitExceeded,
			Op:     "report",
			Reason: fmt.Sprintf("maximum file size reached (%d > %d bytes)", snap.Bytes, r.limits.MaxBytes),
		}
	}
	if r.limits.MaxSeconds > 0 && elapsed > time.Duration(r.limits.MaxSeconds)*time.Second {
		return &protocol.Error{
			Kind:   protocol.KindLimitExceeded,
			Op:     "report",
			Reason: fmt.Sprintf("max logging time exceeded (%ds)", r.limits.MaxSeconds),
		}
	}
	return nil
}
