package embedcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/meetnote/internal/ai"
	"github.com/xxxsen/meetnote/internal/model"
)

type countingEmbedder struct {
	calls int
	texts int
}

func (c *countingEmbedder) Embed(_ context.Context, text string, _ string) ([]float32, error) {
	c.calls++
	c.texts++
	return []float32{float32(len(text))}, nil
}

func (c *countingEmbedder) EmbedBatch(_ context.Context, texts []string, _ string) ([][]float32, error) {
	c.calls++
	c.texts += len(texts)
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		out = append(out, []float32{float32(len(text))})
	}
	return out, nil
}

func (c *countingEmbedder) ModelName() string { return "counting" }

type memStore struct {
	items map[string][]float32
	saves int
}

func (m *memStore) Get(_ context.Context, modelName, taskType, contentHash string) ([]float32, bool, error) {
	v, ok := m.items[modelName+taskType+contentHash]
	return v, ok, nil
}

func (m *memStore) Save(_ context.Context, item *model.EmbeddingCache) error {
	m.saves++
	m.items[item.ModelName+item.TaskType+item.ContentHash] = item.Embedding
	return nil
}

func TestLruCacheEmbed(t *testing.T) {
	inner := &countingEmbedder{}
	e := WrapLruCacheToEmbedder(inner, 16, time.Minute)
	ctx := context.Background()
	first, err := e.Embed(ctx, "hello", ai.TaskRetrievalQuery)
	require.NoError(t, err)
	second, err := e.Embed(ctx, "hello", ai.TaskRetrievalQuery)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, inner.calls)

	_, err = e.Embed(ctx, "hello", ai.TaskRetrievalDocument)
	require.NoError(t, err)
	require.Equal(t, 2, inner.calls)
}

func TestLruCacheBatchOnlyEmbedsMisses(t *testing.T) {
	inner := &countingEmbedder{}
	e := WrapLruCacheToEmbedder(inner, 16, time.Minute)
	ctx := context.Background()
	_, err := e.Embed(ctx, "bb", ai.TaskRetrievalDocument)
	require.NoError(t, err)

	vecs, err := ai.EmbedAll(ctx, e, []string{"a", "bb", "ccc"}, ai.TaskRetrievalDocument, 8)
	require.NoError(t, err)
	require.Equal(t, [][]float32{{1}, {2}, {3}}, vecs)
	require.Equal(t, 2, inner.calls)
	require.Equal(t, 3, inner.texts)
}

func TestWrapDisabled(t *testing.T) {
	inner := &countingEmbedder{}
	require.Equal(t, ai.IEmbedder(inner), WrapLruCacheToEmbedder(inner, 0, time.Minute))
	require.Equal(t, ai.IEmbedder(inner), WrapDBCacheToEmbedder(inner, nil))
}

func TestDBCacheBatch(t *testing.T) {
	inner := &countingEmbedder{}
	store := &memStore{items: map[string][]float32{}}
	e := WrapDBCacheToEmbedder(inner, store)
	ctx := context.Background()

	vecs, err := ai.EmbedAll(ctx, e, []string{"x", "yy"}, ai.TaskRetrievalDocument, 8)
	require.NoError(t, err)
	require.Equal(t, [][]float32{{1}, {2}}, vecs)
	require.Equal(t, 2, store.saves)

	vecs, err = ai.EmbedAll(ctx, e, []string{"yy", "x"}, ai.TaskRetrievalDocument, 8)
	require.NoError(t, err)
	require.Equal(t, [][]float32{{2}, {1}}, vecs)
	require.Equal(t, 1, inner.calls)
	require.Equal(t, 2, store.saves)
}
