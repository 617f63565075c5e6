package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func pcmOf(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestRMS(t *testing.T) {
	rms, err := RMS(pcmOf(300, -300, 300, -300))
	require.NoError(t, err)
	require.InDelta(t, 300, rms, 1e-9)

	rms, err = RMS(pcmOf(0, 0, 0))
	require.NoError(t, err)
	require.Zero(t, rms)

	_, err = RMS(nil)
	require.ErrorIs(t, err, ErrEmptyChunk)
	_, err = RMS([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformedChunk)
}

func TestShouldTranscribe(t *testing.T) {
	f := DefaultFormat()
	tests := []struct {
		name string
		pcm  []byte
		f    Format
		want bool
	}{
		{name: "silence", pcm: pcmOf(10, -12, 8, 0), f: f, want: false},
		{name: "speech", pcm: pcmOf(2000, -1800, 2500, -900), f: f, want: true},
		{name: "at threshold", pcm: pcmOf(300, -300), f: f, want: true},
		{name: "empty is skipped", pcm: nil, f: f, want: false},
		{name: "malformed passes through", pcm: []byte{0, 0, 0}, f: f, want: true},
		{name: "non 16-bit passes through", pcm: []byte{0, 0, 0, 0}, f: Format{SampleRate: 8000, Channels: 1, BytesPerSample: 1}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ShouldTranscribe(tt.pcm, tt.f, DefaultSilenceThreshold))
		})
	}
}

func TestFormatChunkBytes(t *testing.T) {
	f := DefaultFormat()
	require.Equal(t, 96000, f.ChunkBytes(3))
	require.Equal(t, 2, f.ChunkBytes(0.00001))
	stereo := Format{SampleRate: 44100, Channels: 2, BytesPerSample: 2}
	require.Zero(t, stereo.ChunkBytes(0.0333)%4)
	require.InDelta(t, 1.0, f.Seconds(32000), 1e-9)
}
