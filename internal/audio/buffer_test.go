package audio

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type memRecording struct {
	bytes.Buffer
	finished bool
}

func (m *memRecording) Finish() (string, error) {
	m.finished = true
	return "mem://recording", nil
}

type failingRecording struct{}

func (failingRecording) Write(p []byte) (int, error) { return 0, errors.New("disk full") }
func (failingRecording) Finish() (string, error)     { return "", nil }

func newTestBuffer(t *testing.T, rec Recording, maxBytes int) *StreamBuffer {
	t.Helper()
	buf, err := NewStreamBuffer("m1", BufferConfig{
		Format:         DefaultFormat(),
		ChunkSeconds:   0.1,
		MaxBufferBytes: maxBytes,
	}, rec)
	require.NoError(t, err)
	return buf
}

func TestStreamBufferChunkSize(t *testing.T) {
	buf := newTestBuffer(t, nil, 0)
	require.Equal(t, 3200, buf.ChunkBytes())

	chunks, err := buf.Write(make([]byte, 3000))
	require.NoError(t, err)
	require.Empty(t, chunks)
	require.Equal(t, 3000, buf.Buffered())

	chunks, err = buf.Write(make([]byte, 500))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Len(t, chunks[0].Data, 3200)
	require.Equal(t, 0, chunks[0].Seq)
	require.Equal(t, 300, buf.Buffered())
}

func TestStreamBufferChunksAlwaysFrameAligned(t *testing.T) {
	for _, format := range []Format{
		{SampleRate: 16000, Channels: 1, BytesPerSample: 2},
		{SampleRate: 44100, Channels: 2, BytesPerSample: 2},
		{SampleRate: 8000, Channels: 3, BytesPerSample: 3},
	} {
		rec := &memRecording{}
		buf, err := NewStreamBuffer("m1", BufferConfig{Format: format, ChunkSeconds: 0.05}, rec)
		require.NoError(t, err)
		rng := rand.New(rand.NewSource(7))
		var emitted int
		for i := 0; i < 200; i++ {
			frag := make([]byte, rng.Intn(buf.ChunkBytes()))
			chunks, err := buf.Write(frag)
			require.NoError(t, err)
			for _, c := range chunks {
				require.Zero(t, len(c.Data)%format.FrameSize())
				require.LessOrEqual(t, len(c.Data), buf.ChunkBytes())
				emitted += len(c.Data)
			}
		}
		last, _, err := buf.Finalize()
		require.NoError(t, err)
		if last != nil {
			require.Zero(t, len(last.Data)%format.FrameSize())
			require.LessOrEqual(t, len(last.Data), buf.ChunkBytes())
			require.True(t, last.Final)
			emitted += len(last.Data)
		}
		require.Equal(t, int64(rec.Len()), buf.TotalBytes())
		require.LessOrEqual(t, int64(emitted), buf.TotalBytes())
		require.Less(t, buf.TotalBytes()-int64(emitted), int64(format.FrameSize()))
	}
}

func TestStreamBufferLargeFragmentCutsSeveralChunks(t *testing.T) {
	buf := newTestBuffer(t, nil, 0)
	data := make([]byte, 3200*3+10)
	for i := range data {
		data[i] = byte(i)
	}
	chunks, err := buf.Write(data)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		require.Equal(t, i, c.Seq)
		require.Equal(t, data[i*3200:(i+1)*3200], c.Data)
		require.InDelta(t, float64(i)*0.1, c.Offset, 1e-9)
	}
	require.Equal(t, 10, buf.Buffered())
}

func TestStreamBufferOverflow(t *testing.T) {
	rec := &memRecording{}
	buf := newTestBuffer(t, rec, 4000)
	_, err := buf.Write(make([]byte, 3000))
	require.NoError(t, err)
	_, err = buf.Write(make([]byte, 1001))
	require.ErrorIs(t, err, ErrBufferOverflow)
	require.Equal(t, 3000, rec.Len())
	require.Equal(t, 3000, buf.Buffered())
}

func TestStreamBufferRejectsCeilingBelowChunk(t *testing.T) {
	_, err := NewStreamBuffer("m1", BufferConfig{Format: DefaultFormat(), ChunkSeconds: 1, MaxBufferBytes: 100}, nil)
	require.Error(t, err)
}

func TestStreamBufferRecordingFailure(t *testing.T) {
	buf := newTestBuffer(t, failingRecording{}, 0)
	_, err := buf.Write(make([]byte, 10))
	require.Error(t, err)
	require.Zero(t, buf.Buffered())
}

func TestStreamBufferFinalize(t *testing.T) {
	rec := &memRecording{}
	buf := newTestBuffer(t, rec, 0)
	_, err := buf.Write(make([]byte, 3200+101))
	require.NoError(t, err)

	last, path, err := buf.Finalize()
	require.NoError(t, err)
	require.Equal(t, "mem://recording", path)
	require.True(t, rec.finished)
	require.NotNil(t, last)
	require.Len(t, last.Data, 100)
	require.Equal(t, 1, last.Seq)

	_, err = buf.Write([]byte{1, 2})
	require.ErrorIs(t, err, ErrBufferClosed)
	_, _, err = buf.Finalize()
	require.ErrorIs(t, err, ErrBufferClosed)
}

func TestStreamBufferWithRecorder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec", "m1.wav")
	rec, err := NewRecorder(path, DefaultFormat())
	require.NoError(t, err)
	buf := newTestBuffer(t, rec, 0)
	for i := 0; i < 5; i++ {
		_, err := buf.Write(make([]byte, 1600))
		require.NoError(t, err)
	}
	_, got, err := buf.Finalize()
	require.NoError(t, err)
	require.Equal(t, path, got)

	stat, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(wavHeaderSize+8000), stat.Size())
}
