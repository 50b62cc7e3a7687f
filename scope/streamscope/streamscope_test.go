package streamscope

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderWriterRoundTripUncompressed(t *testing.T) {
	r := NewReader("")
	ctx := context.Background()

	go func() {
		_ = r.PushChunk(ctx, []byte("hello "), false)
		_ = r.PushChunk(ctx, []byte("world"), true)
	}()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestWriterChunksAtConfiguredSize(t *testing.T) {
	var chunks [][]byte
	w := NewWriter(4, 0, "", func(data []byte, isLast bool) error {
		cp := append([]byte(nil), data...)
		chunks = append(chunks, cp)
		return nil
	})

	n, err := w.Write([]byte("abcdefghij"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	require.Len(t, chunks, 3)
	assert.Equal(t, "abcd", string(chunks[0]))
	assert.Equal(t, "efgh", string(chunks[1]))
	assert.Equal(t, "ij", string(chunks[2]))

	require.NoError(t, w.Close())
	require.Len(t, chunks, 3) // Close routes through send directly, not Write's chunk loop
}

func TestWriterEnforcesMaxLength(t *testing.T) {
	w := NewWriter(0, 4, "", func(data []byte, isLast bool) error { return nil })
	_, err := w.Write([]byte("too long"))
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestWriterReaderRoundTripWithFlateCompression(t *testing.T) {
	r := NewReader(CompressionFlate)
	w := NewWriter(0, 0, CompressionFlate, func(data []byte, isLast bool) error {
		if len(data) == 0 && isLast {
			return r.PushChunk(context.Background(), nil, true)
		}
		return r.PushChunk(context.Background(), data, false)
	})

	payload := []byte("the quick brown fox jumps over the lazy dog, repeatedly, to make compression worthwhile")
	go func() {
		_, _ = w.Write(payload)
		_ = w.Close()
	}()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReaderPushErrorAbortsRead(t *testing.T) {
	r := NewReader("")
	boom := assert.AnError
	r.PushError(boom)
	_, err := r.Read(make([]byte, 8))
	assert.ErrorIs(t, err, boom)
}

func TestReaderDisposeWithoutEOFReportsClosed(t *testing.T) {
	r := NewReader("")
	require.NoError(t, r.Dispose())
	_, err := r.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrStreamClosed)
}
