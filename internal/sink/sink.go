package sink

import (
	"bufio"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/danmuck/evhandl/internal/protocol"
)

// Stdout is the output name that selects standard output.
const Stdout = "-"

var ErrClosed = errors.New("sink: closed")

// Sink is the append-only destination for the captured byte stream.
// Writes, flushes and close are serialized; Close may be called from any
// exit path and only the first call has an effect.
type Sink struct {
	mu       sync.Mutex
	name     string
	buf      *bufio.Writer
	enc      encoder
	file     io.Closer
	closed   bool
	counters *Counters
}

// Open creates (or truncates) path and returns a sink writing to it.
// Stdout writes to standard output instead.
func Open(path string, comp Compression, counters *Counters) (*Sink, error) {
	if path == Stdout {
		return newSink("stdout", os.Stdout, nil, comp, counters)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindTransportFailure, "open output", err)
	}
	s, err := newSink(path, f, f, comp, counters)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// New wraps w. The caller keeps ownership of w.
func New(name string, w io.Writer, comp Compression, counters *Counters) (*Sink, error) {
	return newSink(name, w, nil, comp, counters)
}

func newSink(name string, w io.Writer, file io.Closer, comp Compression, counters *Counters) (*Sink, error) {
	if counters == nil {
		counters = &Counters{}
	}
	enc, err := newEncoder(w, comp)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindInvalidConfiguration, "open output", err)
	}
	target := w
	if enc != nil {
		target = enc
	}
	return &Sink{
		name:     name,
		buf:      bufio.NewWriterSize(target, 64*1024),
		enc:      enc,
		file:     file,
		counters: counters,
	}, nil
}

func (s *Sink) Name() string {
	return s.name
}

func (s *Sink) Counters() *Counters {
	return s.counters
}

// Write appends p and adds it to the byte count. It does not count an event.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(p)
}

// WriteEvent appends one received frame and counts it as an event. It
// returns the byte total after the append.
func (s *Sink) WriteEvent(raw []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writeLocked(raw); err != nil {
		return s.counters.Bytes(), err
	}
	s.counters.AddEvent()
	return s.counters.Bytes(), nil
}

func (s *Sink) writeLocked(p []byte) (int, error) {
	if s.closed {
		return 0, protocol.Wrap(protocol.KindTransportFailure, "write output", ErrClosed)
	}
	n, err := s.buf.Write(p)
	s.counters.AddBytes(n)
	if err != nil {
		return n, protocol.Wrap(protocol.KindTransportFailure, "write output", err)
	}
	return n, nil
}

// Flush pushes buffered bytes through the encoder to the destination.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.flushLocked()
}

func (s *Sink) flushLocked() error {
	if err := s.buf.Flush(); err != nil {
		return protocol.Wrap(protocol.KindTransportFailure, "flush output", err)
	}
	if s.enc != nil {
		if err := s.enc.Flush(); err != nil {
			return protocol.Wrap(protocol.KindTransportFailure, "flush output", err)
		}
	}
	return nil
}

// Close flushes and releases the destination. Later calls return nil.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.buf.Flush(); err != nil {
		errs = append(errs, err)
	}
	if s.enc != nil {
		if err := s.enc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return protocol.Wrap(protocol.KindTransportFailure, "close output", err)
	}
	return nil
}
