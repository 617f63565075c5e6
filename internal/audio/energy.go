package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

const DefaultSilenceThreshold = 300.0

var (
	ErrEmptyChunk     = errors.New("empty audio chunk")
	ErrMalformedChunk = errors.New("malformed 16-bit audio chunk")
)

// RMS computes the root mean square over little-endian int16 samples.
func RMS(pcm []byte) (float64, error) {
	if len(pcm) == 0 {
		return 0, ErrEmptyChunk
	}
	if len(pcm)%2 != 0 {
		return 0, ErrMalformedChunk
	}
	var sum float64
	n := len(pcm) / 2
	for i := 0; i < len(pcm); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n)), nil
}

// ShouldTranscribe gates silent chunks. Empty input is skipped; anything the
// gate cannot read is passed through to transcription.
func ShouldTranscribe(pcm []byte, f Format, threshold float64) bool {
	if len(pcm) == 0 {
		return false
	}
	if f.BytesPerSample != 2 {
		return true
	}
	rms, err := RMS(pcm)
	if err != nil {
		return true
	}
	return rms >= threshold
}
