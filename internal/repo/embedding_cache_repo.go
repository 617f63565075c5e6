package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/xxxsen/meetnote/internal/model"
	appErr "github.com/xxxsen/meetnote/internal/pkg/errors"
)

// EmbeddingCacheRepo persists chunk and question embeddings keyed by model,
// task type and content hash. It satisfies embedcache.Store and the cleanup
// job's pruner.
type EmbeddingCacheRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewEmbeddingCacheRepo(db *sql.DB) *EmbeddingCacheRepo {
	return &EmbeddingCacheRepo{db: db, now: time.Now}
}

// Get returns the cached vector and marks the row as used.
func (r *EmbeddingCacheRepo) Get(ctx context.Context, modelName, taskType, contentHash string) ([]float32, bool, error) {
	const query = `
		UPDATE embedding_cache SET atime = $4
		WHERE model_name = $1 AND task_type = $2 AND content_hash = $3
		RETURNING embedding
	`
	var embedding pgvector.Vector
	err := r.db.QueryRowContext(ctx, query, modelName, taskType, contentHash, r.now().Unix()).Scan(&embedding)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached embedding: %w", err)
	}
	return embedding.Slice(), true, nil
}

func (r *EmbeddingCacheRepo) Save(ctx context.Context, item *model.EmbeddingCache) error {
	if len(item.Embedding) == 0 {
		return fmt.Errorf("cache embedding for %s: %w", item.ContentHash, appErr.ErrInvalid)
	}
	if item.Dim == 0 {
		item.Dim = len(item.Embedding)
	}
	if item.Atime == 0 {
		item.Atime = item.Ctime
	}
	const query = `
		INSERT INTO embedding_cache (model_name, task_type, content_hash, embedding, dim, ctime, atime)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (model_name, task_type, content_hash) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			dim = EXCLUDED.dim,
			atime = EXCLUDED.atime
	`
	_, err := r.db.ExecContext(ctx, query,
		item.ModelName,
		item.TaskType,
		item.ContentHash,
		pgvector.NewVector(item.Embedding),
		item.Dim,
		item.Ctime,
		item.Atime,
	)
	if err != nil {
		return fmt.Errorf("save cached embedding: %w", err)
	}
	return nil
}

// DeleteBefore drops rows not used since cutoff (unix seconds).
func (r *EmbeddingCacheRepo) DeleteBefore(ctx context.Context, cutoff int64) (int64, error) {
	const query = `DELETE FROM embedding_cache WHERE atime < $1`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune embedding cache: %w", err)
	}
	return res.RowsAffected()
}
