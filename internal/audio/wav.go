package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const wavHeaderSize = 44

// WAVHeader is the canonical 44 byte RIFF/WAVE PCM header.
type WAVHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

func newWAVHeader(f Format, dataSize uint32) WAVHeader {
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.ByteRate()),
		BlockAlign:    uint16(f.FrameSize()),
		BitsPerSample: uint16(f.BytesPerSample * 8),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// EncodeWAV wraps raw PCM into an in-memory WAV file.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, newWAVHeader(f, uint32(len(pcm)))); err != nil {
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}

// ReadWAVHeader parses and validates a PCM WAV header.
func ReadWAVHeader(r io.Reader) (Format, uint32, error) {
	var h WAVHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return Format{}, 0, fmt.Errorf("read wav header: %w", err)
	}
	if string(h.ChunkID[:]) != "RIFF" || string(h.Format[:]) != "WAVE" {
		return Format{}, 0, fmt.Errorf("invalid wav file: missing RIFF/WAVE header")
	}
	if string(h.Subchunk1ID[:]) != "fmt " || string(h.Subchunk2ID[:]) != "data" {
		return Format{}, 0, fmt.Errorf("invalid wav file: unexpected chunk layout")
	}
	if h.AudioFormat != 1 {
		return Format{}, 0, fmt.Errorf("unsupported audio format: %d", h.AudioFormat)
	}
	f := Format{
		SampleRate:     int(h.SampleRate),
		Channels:       int(h.NumChannels),
		BytesPerSample: int(h.BitsPerSample / 8),
	}
	return f, h.Subchunk2Size, f.Validate()
}

// RecordingInfo returns the format and duration in seconds of a WAV file.
func RecordingInfo(path string) (Format, float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return Format{}, 0, err
	}
	defer file.Close()
	f, size, err := ReadWAVHeader(file)
	if err != nil {
		return Format{}, 0, err
	}
	return f, f.Seconds(int64(size)), nil
}

// SplitWAV reads the PCM WAV at path and hands fn consecutive WAV files of
// at most maxBytes each, together with the offset in seconds at which each
// part starts. Parts are cut on frame boundaries.
func SplitWAV(path string, maxBytes int64, fn func(part []byte, offset float64) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return err
	}
	f, dataSize, err := ReadWAVHeader(file)
	if err != nil {
		return err
	}
	// A recording that was never finished still has a zero size header.
	remaining := int64(dataSize)
	if avail := info.Size() - wavHeaderSize; remaining == 0 || remaining > avail {
		remaining = avail
	}
	partBytes := (maxBytes - wavHeaderSize) / int64(f.FrameSize()) * int64(f.FrameSize())
	if partBytes <= 0 {
		return fmt.Errorf("part size %d is smaller than one frame", maxBytes)
	}
	buf := make([]byte, partBytes)
	var consumed int64
	for remaining > 0 {
		n := partBytes
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(file, buf[:n]); err != nil {
			return fmt.Errorf("read wav data: %w", err)
		}
		part, err := EncodeWAV(buf[:n], f)
		if err != nil {
			return err
		}
		if err := fn(part, f.Seconds(consumed)); err != nil {
			return err
		}
		consumed += n
		remaining -= n
	}
	return nil
}
