package audio

import (
	"fmt"
	"time"
)

// Format describes interleaved little-endian PCM.
type Format struct {
	SampleRate     int `json:"sample_rate"`
	Channels       int `json:"channels"`
	BytesPerSample int `json:"bytes_per_sample"`
}

// DefaultFormat is mono 16 kHz 16-bit, the ingestion default.
func DefaultFormat() Format {
	return Format{SampleRate: 16000, Channels: 1, BytesPerSample: 2}
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", f.Channels)
	}
	if f.BytesPerSample <= 0 || f.BytesPerSample > 4 {
		return fmt.Errorf("bytes per sample must be between 1 and 4, got %d", f.BytesPerSample)
	}
	return nil
}

// FrameSize is the byte length of one sample across all channels.
func (f Format) FrameSize() int {
	return f.Channels * f.BytesPerSample
}

func (f Format) ByteRate() int {
	return f.SampleRate * f.FrameSize()
}

// ChunkBytes returns the frame-aligned byte length of d seconds of audio,
// never less than one frame.
func (f Format) ChunkBytes(seconds float64) int {
	n := int(seconds * float64(f.ByteRate()))
	n -= n % f.FrameSize()
	if n < f.FrameSize() {
		n = f.FrameSize()
	}
	return n
}

func (f Format) Seconds(n int64) float64 {
	rate := f.ByteRate()
	if rate == 0 {
		return 0
	}
	return float64(n) / float64(rate)
}

func (f Format) Duration(n int64) time.Duration {
	return time.Duration(f.Seconds(n) * float64(time.Second))
}
