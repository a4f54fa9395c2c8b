package sink

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/evhandl/internal/protocol"
	"github.com/danmuck/evhandl/internal/testutil/testlog"
)

func TestWriteCountsExactBytes(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	s, err := New("buffer", &out, CompressionNone, nil)
	require.NoError(t, err)

	prev := s.Counters().Bytes()
	for _, n := range []int{6, 10, 0, 4, 41004} {
		total, err := s.WriteEvent(make([]byte, n))
		require.NoError(t, err)
		assert.Equal(t, prev+uint64(n), total)
		prev = total
	}
	_, err = s.Write([]byte{1, 2})
	require.NoError(t, err)

	snap := s.Counters().Snapshot()
	assert.Equal(t, uint32(5), snap.Events)
	assert.Equal(t, prev+2, snap.Bytes)

	require.NoError(t, s.Close())
	assert.Equal(t, int(snap.Bytes), out.Len())
}

func TestCloseIsIdempotent(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "capture.gml")
	s, err := Open(path, CompressionNone, &Counters{})
	require.NoError(t, err)
	_, err = s.WriteEvent([]byte{0, 1, 0, 2, 9, 9})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.NoError(t, s.Flush())

	_, err = s.WriteEvent([]byte{1})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, protocol.ErrTransportFailure)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 0, 2, 9, 9}, data)
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	testlog.Start(t)
	s, err := New("discard", io.Discard, CompressionNone, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 250; j++ {
				_, _ = s.WriteEvent(make([]byte, 8))
				_ = s.Flush()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		var last uint64
		for i := 0; i < 1000; i++ {
			cur := s.Counters().Bytes()
			if cur < last {
				t.Errorf("byte count went backwards: %d < %d", cur, last)
				return
			}
			last = cur
		}
	}()
	wg.Wait()
	require.NoError(t, s.Close())
	assert.Equal(t, Snapshot{Events: 1000, Bytes: 8000}, s.Counters().Snapshot())
}

func TestCompressedSinksRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload := bytes.Repeat([]byte{0, 20, 0, 2, 0xAB, 0xCD}, 500)

	for _, comp := range []Compression{CompressionZstd, CompressionLZ4} {
		var out bytes.Buffer
		s, err := New(comp.String(), &out, comp, nil)
		require.NoError(t, err)
		_, err = s.WriteEvent(payload)
		require.NoError(t, err)
		require.NoError(t, s.Flush())
		require.NoError(t, s.Close())

		assert.Equal(t, uint64(len(payload)), s.Counters().Bytes(), comp.String())
		assert.Less(t, out.Len(), len(payload), comp.String())

		var r io.Reader
		switch comp {
		case CompressionZstd:
			dec, err := zstd.NewReader(&out)
			require.NoError(t, err)
			defer dec.Close()
			r = dec
		case CompressionLZ4:
			r = lz4.NewReader(&out)
		}
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, payload, got, comp.String())
	}
}

func TestParseCompression(t *testing.T) {
	testlog.Start(t)
	for name, want := range map[string]Compression{"": CompressionNone, "none": CompressionNone, "ZSTD": CompressionZstd, "lz4": CompressionLZ4} {
		got, err := ParseCompression(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCompression("gzip")
	assert.Error(t, err)
	assert.Equal(t, ".zst", CompressionZstd.Suffix())
	assert.Equal(t, "", CompressionNone.Suffix())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestWriteFailureIsTransportFailure(t *testing.T) {
	testlog.Start(t)
	s, err := New("failing", failingWriter{}, CompressionNone, nil)
	require.NoError(t, err)
	// Larger than the buffer so the underlying writer is reached.
	_, err = s.WriteEvent(make([]byte, 128*1024))
	assert.ErrorIs(t, err, protocol.ErrTransportFailure)
	assert.Equal(t, uint32(0), s.Counters().Events())
}
