package supervisor

import (
	"bufio"
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/evhandl/internal/protocol"
)

// QuitPrompt tells the operator how to stop a running capture.
const QuitPrompt = "To quit press: 'q' or 'Q' + <ENTER> or <RETURN>"

// WatchInput returns OperatorStop once a q or Q byte is read from in. It
// returns nil when ctx ends first or when in reaches EOF.
//
// A blocked read cannot be interrupted, so the read runs on its own
// goroutine which may outlive the call until in yields.
func WatchInput(ctx context.Context, in io.Reader) error {
	quit := make(chan error, 1)
	go func() {
		r := bufio.NewReader(in)
		for {
			b, err := r.ReadByte()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debug().Err(err).Msg("operator input closed")
				}
				quit <- nil
				return
			}
			if b|0x20 == 'q' {
				quit <- protocol.Errorf(protocol.KindOperatorStop, "watch input", "logging stopped by user")
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-quit:
		return err
	}
}
