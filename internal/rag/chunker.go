package rag

import (
	"fmt"
	"strings"

	"github.com/xxxsen/meetnote/internal/model"
)

const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

// ChunkOptions sizes are counted in characters.
type ChunkOptions struct {
	Size    int
	Overlap int
}

func (o ChunkOptions) normalize() ChunkOptions {
	if o.Size <= 0 {
		o.Size = DefaultChunkSize
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	return o
}

type fragment struct {
	offset  int
	speaker string
	start   float64
	end     float64
}

type chunkBuilder struct {
	opts   ChunkOptions
	buf    []rune
	frags  []fragment
	chunks []model.Chunk
}

// BuildChunks packs "[speaker]: text" lines into chunks of at least Size
// characters. Each chunk after the first starts with the trailing Overlap
// characters of its predecessor; speakers and start time of that seed come
// from the lines the characters belong to.
func BuildChunks(segments []model.AlignedSegment, opts ChunkOptions) []model.Chunk {
	b := &chunkBuilder{opts: opts.normalize()}
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		b.frags = append(b.frags, fragment{
			offset:  len(b.buf),
			speaker: seg.SpeakerLabel(),
			start:   seg.Start,
			end:     seg.End,
		})
		b.buf = append(b.buf, []rune(fmt.Sprintf("[%s]: %s\n", seg.SpeakerLabel(), text))...)
		if len(b.buf) >= b.opts.Size {
			b.emit()
			b.seed()
		}
	}
	if strings.TrimSpace(string(b.buf)) != "" {
		b.emit()
	}
	return b.chunks
}

func (b *chunkBuilder) emit() {
	speakers := make([]string, 0, len(b.frags))
	seen := make(map[string]bool, len(b.frags))
	end := 0.0
	for _, f := range b.frags {
		if !seen[f.speaker] {
			seen[f.speaker] = true
			speakers = append(speakers, f.speaker)
		}
		if f.end > end {
			end = f.end
		}
	}
	start := 0.0
	if len(b.frags) > 0 {
		start = b.frags[0].start
	}
	b.chunks = append(b.chunks, model.Chunk{
		ID:        len(b.chunks),
		Text:      strings.TrimSpace(string(b.buf)),
		Speakers:  speakers,
		StartTime: start,
		EndTime:   end,
	})
}

func (b *chunkBuilder) seed() {
	overlap := b.opts.Overlap
	if overlap == 0 || overlap >= len(b.buf) {
		b.buf = b.buf[:0]
		b.frags = b.frags[:0]
		return
	}
	cut := len(b.buf) - overlap
	kept := make([]fragment, 0, len(b.frags))
	for i, f := range b.frags {
		next := len(b.buf)
		if i+1 < len(b.frags) {
			next = b.frags[i+1].offset
		}
		if next <= cut {
			continue
		}
		f.offset -= cut
		if f.offset < 0 {
			f.offset = 0
		}
		kept = append(kept, f)
	}
	tail := make([]rune, overlap, b.opts.Size+overlap)
	copy(tail, b.buf[cut:])
	b.buf = tail
	b.frags = kept
}
