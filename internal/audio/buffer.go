package audio

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrBufferOverflow = errors.New("audio buffer ceiling exceeded")
	ErrBufferClosed   = errors.New("audio buffer finalized")
)

// Recording receives every fragment written to a StreamBuffer. Finish flushes
// it and returns the location of the finished recording.
type Recording interface {
	io.Writer
	Finish() (string, error)
}

type BufferConfig struct {
	Format       Format
	ChunkSeconds float64
	// MaxBufferBytes bounds the bytes held between chunk cuts. Zero picks
	// eight chunks worth.
	MaxBufferBytes int
}

// StreamBuffer accumulates one meeting's audio and cuts it into fixed-size
// chunks. It is not safe for concurrent writers; the owning session
// serializes writes.
type StreamBuffer struct {
	meetingID  string
	format     Format
	chunkBytes int
	maxBytes   int
	recording  Recording

	buf      []byte
	seq      int
	released int64
	total    int64
	closed   bool
}

func NewStreamBuffer(meetingID string, cfg BufferConfig, recording Recording) (*StreamBuffer, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	if cfg.ChunkSeconds <= 0 {
		return nil, fmt.Errorf("chunk seconds must be positive")
	}
	chunkBytes := cfg.Format.ChunkBytes(cfg.ChunkSeconds)
	maxBytes := cfg.MaxBufferBytes
	if maxBytes == 0 {
		maxBytes = chunkBytes * 8
	}
	if maxBytes < chunkBytes {
		return nil, fmt.Errorf("max buffer bytes %d is smaller than chunk size %d", maxBytes, chunkBytes)
	}
	return &StreamBuffer{
		meetingID:  meetingID,
		format:     cfg.Format,
		chunkBytes: chunkBytes,
		maxBytes:   maxBytes,
		recording:  recording,
		buf:        make([]byte, 0, chunkBytes),
	}, nil
}

func (b *StreamBuffer) ChunkBytes() int {
	return b.chunkBytes
}

func (b *StreamBuffer) Format() Format {
	return b.format
}

// Buffered is the number of bytes waiting for the next chunk cut.
func (b *StreamBuffer) Buffered() int {
	return len(b.buf)
}

// TotalBytes counts every byte accepted since the buffer was created.
func (b *StreamBuffer) TotalBytes() int64 {
	return b.total
}

// Write appends a fragment to the recording and the live buffer. Every time
// the buffer reaches the chunk size one chunk is cut and its bytes are
// released; nothing is retained as overlap.
func (b *StreamBuffer) Write(p []byte) ([]*Chunk, error) {
	if b.closed {
		return nil, ErrBufferClosed
	}
	if len(p) == 0 {
		return nil, nil
	}
	if len(b.buf)+len(p) > b.maxBytes {
		return nil, fmt.Errorf("%w: buffered %d, fragment %d, ceiling %d", ErrBufferOverflow, len(b.buf), len(p), b.maxBytes)
	}
	if b.recording != nil {
		if _, err := b.recording.Write(p); err != nil {
			return nil, fmt.Errorf("write recording: %w", err)
		}
	}
	b.total += int64(len(p))
	b.buf = append(b.buf, p...)

	var chunks []*Chunk
	for len(b.buf) >= b.chunkBytes {
		chunks = append(chunks, b.cut(b.chunkBytes, false))
	}
	return chunks, nil
}

// Finalize closes the buffer. It returns the frame-aligned remainder as a
// final chunk (nil when there is none) and the finished recording path.
func (b *StreamBuffer) Finalize() (*Chunk, string, error) {
	if b.closed {
		return nil, "", ErrBufferClosed
	}
	b.closed = true
	var last *Chunk
	if n := len(b.buf) - len(b.buf)%b.format.FrameSize(); n > 0 {
		last = b.cut(n, true)
	}
	b.buf = nil
	if b.recording == nil {
		return last, "", nil
	}
	path, err := b.recording.Finish()
	if err != nil {
		return last, "", fmt.Errorf("finish recording: %w", err)
	}
	return last, path, nil
}

func (b *StreamBuffer) cut(n int, final bool) *Chunk {
	data := make([]byte, n)
	copy(data, b.buf[:n])
	rest := copy(b.buf, b.buf[n:])
	b.buf = b.buf[:rest]

	chunk := &Chunk{
		MeetingID: b.meetingID,
		Seq:       b.seq,
		Data:      data,
		Format:    b.format,
		Offset:    b.format.Seconds(b.released),
		Final:     final,
	}
	b.seq++
	b.released += int64(n)
	return chunk
}
