package job

import (
	"context"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// EmbeddingCachePruner deletes cached embeddings that were last used before
// cutoff.
type EmbeddingCachePruner interface {
	DeleteBefore(ctx context.Context, cutoff int64) (int64, error)
}

// EmbeddingCacheCleanupJob drops chunk and question vectors that no index
// or ask request touched for maxIdleDays.
type EmbeddingCacheCleanupJob struct {
	repo        EmbeddingCachePruner
	maxIdleDays int
	now         func() time.Time
}

func NewEmbeddingCacheCleanupJob(repo EmbeddingCachePruner, maxIdleDays int) *EmbeddingCacheCleanupJob {
	return &EmbeddingCacheCleanupJob{repo: repo, maxIdleDays: maxIdleDays, now: time.Now}
}

func (j *EmbeddingCacheCleanupJob) Name() string {
	return "embedding_cache_cleanup"
}

func (j *EmbeddingCacheCleanupJob) Run(ctx context.Context) error {
	if j.repo == nil {
		return nil
	}
	days := j.maxIdleDays
	if days <= 0 {
		days = 30
	}
	cutoff := j.now().AddDate(0, 0, -days).Unix()
	n, err := j.repo.DeleteBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune embeddings idle for %d days: %w", days, err)
	}
	if n > 0 {
		logutil.GetLogger(ctx).Info("idle embeddings pruned", zap.Int64("rows", n), zap.Int("idle_days", days))
	}
	return nil
}
