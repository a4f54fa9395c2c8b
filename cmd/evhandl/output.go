package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/evhandl/internal/protocol"
	"github.com/danmuck/evhandl/internal/sink"
)

// errQuit ends the program without an error when the operator declines to
// overwrite a capture file.
var errQuit = errors.New("quit by operator")

// resolveOutput turns the -f value into the path the capture is written to.
// The output directory is created when missing. An existing file is only
// replaced after the operator agrees, or when --yes is given. Cancelling ctx
// abandons the prompt with OperatorStop.
func (a *app) resolveOutput(ctx context.Context, ck captureKind, name string, comp sink.Compression) (string, error) {
	if name == sink.Stdout {
		return sink.Stdout, nil
	}
	if name == "" {
		name = ck.defaultFile
	}
	dir := a.settings.OutputDir
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return "", protocol.Wrap(protocol.KindInvalidConfiguration, "output directory", err)
	}

	for {
		path, err := capturePath(dir, name, ck.suffix, comp)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) || a.yes {
			return path, nil
		}

		fmt.Fprintf(a.errOut, "\nLogfile already exists. Overwrite existing file(y/n) or quit(q)?\n")
		answer, err := readLine(ctx, a.in)
		if err != nil {
			if protocol.KindOf(err) == protocol.KindOperatorStop {
				return "", err
			}
			return "", protocol.Wrap(protocol.KindInvalidConfiguration, "overwrite prompt", err)
		}
		switch strings.ToLower(answer) {
		case "y":
			return path, nil
		case "q":
			return "", errQuit
		case "n":
			fmt.Fprintf(a.errOut, "Please enter new filename + <ENTER>:\n")
			if name, err = readLine(ctx, a.in); err != nil {
				if protocol.KindOf(err) == protocol.KindOperatorStop {
					return "", err
				}
				return "", protocol.Wrap(protocol.KindInvalidConfiguration, "overwrite prompt", err)
			}
		}
	}
}

// capturePath joins name onto dir after checking the per-command suffix.
// Names may not climb out of dir.
func capturePath(dir, name, suffix string, comp sink.Compression) (string, error) {
	name = strings.TrimSpace(name)
	if len(name) <= len(suffix) || !strings.HasSuffix(name, suffix) {
		return "", protocol.Errorf(protocol.KindInvalidConfiguration, "output file", "%s must end with %s", name, suffix)
	}
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", protocol.Errorf(protocol.KindInvalidConfiguration, "output file", "%s must be relative to the output directory", name)
	}
	return filepath.Join(dir, clean) + comp.Suffix(), nil
}

type lineResult struct {
	line string
	err  error
}

// readLine returns the next line of r, or OperatorStop once ctx ends. A
// read left blocked by cancellation finishes on its own goroutine.
func readLine(ctx context.Context, r *bufio.Reader) (string, error) {
	done := make(chan lineResult, 1)
	go func() {
		line, err := r.ReadString('\n')
		if err != nil && errors.Is(err, io.EOF) && line != "" {
			err = nil
		}
		done <- lineResult{line: strings.TrimSpace(line), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", &protocol.Error{
			Kind:   protocol.KindOperatorStop,
			Op:     "overwrite prompt",
			Reason: "interrupted",
			Err:    context.Cause(ctx),
		}
	case res := <-done:
		return res.line, res.err
	}
}
