package audio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeWAVRoundTripHeader(t *testing.T) {
	f := Format{SampleRate: 16000, Channels: 2, BytesPerSample: 2}
	pcm := make([]byte, 640)
	data, err := EncodeWAV(pcm, f)
	require.NoError(t, err)
	require.Len(t, data, wavHeaderSize+640)
	require.Equal(t, "RIFF", string(data[0:4]))

	got, size, err := ReadWAVHeader(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, f, got)
	require.Equal(t, uint32(640), size)
}

func TestEncodeWAVEmpty(t *testing.T) {
	_, err := EncodeWAV(nil, DefaultFormat())
	require.Error(t, err)
}

func TestReadWAVHeaderInvalid(t *testing.T) {
	_, _, err := ReadWAVHeader(bytes.NewReader(make([]byte, 44)))
	require.Error(t, err)
	_, _, err = ReadWAVHeader(bytes.NewReader([]byte("RIFF")))
	require.Error(t, err)
}

func TestRecorderPatchesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.wav")
	rec, err := NewRecorder(path, DefaultFormat())
	require.NoError(t, err)
	_, err = rec.Write(make([]byte, 32000))
	require.NoError(t, err)
	_, err = rec.Write(make([]byte, 16000))
	require.NoError(t, err)
	got, err := rec.Finish()
	require.NoError(t, err)
	require.Equal(t, path, got)

	f, seconds, err := RecordingInfo(path)
	require.NoError(t, err)
	require.Equal(t, DefaultFormat(), f)
	require.InDelta(t, 1.5, seconds, 1e-9)

	again, err := rec.Finish()
	require.NoError(t, err)
	require.Equal(t, path, again)
	_, err = rec.Write([]byte{0, 0})
	require.Error(t, err)
}

func TestRecorderDiscard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.wav")
	rec, err := NewRecorder(path, DefaultFormat())
	require.NoError(t, err)
	require.NoError(t, rec.Discard())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestSplitWAV(t *testing.T) {
	f := DefaultFormat()
	pcm := make([]byte, 8000)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	data, err := EncodeWAV(pcm, f)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "long.wav")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	var offsets []float64
	var joined []byte
	err = SplitWAV(path, wavHeaderSize+3201, func(part []byte, offset float64) error {
		require.LessOrEqual(t, len(part), wavHeaderSize+3201)
		got, size, err := ReadWAVHeader(bytes.NewReader(part))
		require.NoError(t, err)
		require.Equal(t, f, got)
		require.Zero(t, size%uint32(f.FrameSize()))
		offsets = append(offsets, offset)
		joined = append(joined, part[wavHeaderSize:]...)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []float64{0, 0.1, 0.2}, offsets)
	require.Equal(t, pcm, joined)

	require.Error(t, SplitWAV(path, wavHeaderSize+1, func([]byte, float64) error { return nil }))
}
