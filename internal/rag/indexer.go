package rag

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/meetnote/internal/ai"
	"github.com/xxxsen/meetnote/internal/model"
	"github.com/xxxsen/meetnote/internal/vectorstore"
)

// Namespace is the vector store namespace holding one meeting's chunks.
func Namespace(meetingID string) string {
	return "meeting_" + meetingID
}

func entryID(chunkID int) string {
	return "chunk_" + strconv.Itoa(chunkID)
}

type IndexerConfig struct {
	Chunk     ChunkOptions
	BatchSize int
}

type Indexer struct {
	store    vectorstore.Store
	embedder ai.IEmbedder
	cfg      IndexerConfig
}

func NewIndexer(store vectorstore.Store, embedder ai.IEmbedder, cfg IndexerConfig) *Indexer {
	cfg.Chunk = cfg.Chunk.normalize()
	return &Indexer{store: store, embedder: embedder, cfg: cfg}
}

func (ix *Indexer) Available() bool {
	return ix != nil && ix.store != nil && ix.embedder != nil
}

// Index replaces the meeting's namespace with freshly embedded chunks and
// returns how many were stored. Embedding happens before the old namespace is
// touched, so a failed embed leaves the previous index in place.
func (ix *Indexer) Index(ctx context.Context, meetingID string, segments []model.AlignedSegment) (int, error) {
	ns := Namespace(meetingID)
	chunks := BuildChunks(segments, ix.cfg.Chunk)
	if len(chunks) == 0 {
		if err := ix.store.DeleteNamespace(ctx, ns); err != nil {
			return 0, fmt.Errorf("delete namespace: %w", err)
		}
		return 0, nil
	}
	if ix.embedder == nil {
		return 0, ai.ErrUnavailable
	}
	texts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		texts = append(texts, c.Text)
	}
	vectors, err := ai.EmbedAll(ctx, ix.embedder, texts, ai.TaskRetrievalDocument, ix.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(vectors), len(chunks))
	}
	entries := make([]vectorstore.Entry, 0, len(chunks))
	for i, c := range chunks {
		entries = append(entries, vectorstore.Entry{
			ID:     entryID(c.ID),
			Text:   c.Text,
			Vector: vectors[i],
			Metadata: vectorstore.Metadata{
				MeetingID: meetingID,
				ChunkID:   c.ID,
				Speakers:  strings.Join(c.Speakers, ","),
				StartTime: c.StartTime,
				EndTime:   c.EndTime,
			},
		})
	}
	if err := ix.store.DeleteNamespace(ctx, ns); err != nil {
		return 0, fmt.Errorf("delete namespace: %w", err)
	}
	if err := ix.store.Upsert(ctx, ns, entries); err != nil {
		return 0, fmt.Errorf("upsert chunks: %w", err)
	}
	logutil.GetLogger(ctx).Info("meeting indexed",
		zap.String("meeting_id", meetingID), zap.Int("chunks", len(entries)))
	return len(entries), nil
}

func (ix *Indexer) Delete(ctx context.Context, meetingID string) error {
	return ix.store.DeleteNamespace(ctx, Namespace(meetingID))
}

func (ix *Indexer) Indexed(ctx context.Context, meetingID string) (bool, error) {
	return ix.store.HasNamespace(ctx, Namespace(meetingID))
}
