package job

import (
	"context"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type PendingIndexer interface {
	ReindexPending(ctx context.Context, limit uint) (int, error)
}

// ReindexPendingJob indexes completed meetings that were analysed while
// the embedder was unavailable.
type ReindexPendingJob struct {
	meetings PendingIndexer
	batch    uint
}

func NewReindexPendingJob(meetings PendingIndexer, batch uint) *ReindexPendingJob {
	if batch == 0 {
		batch = 20
	}
	return &ReindexPendingJob{meetings: meetings, batch: batch}
}

func (j *ReindexPendingJob) Name() string {
	return "reindex_pending"
}

func (j *ReindexPendingJob) Run(ctx context.Context) error {
	if j.meetings == nil {
		return nil
	}
	n, err := j.meetings.ReindexPending(ctx, j.batch)
	if n > 0 {
		logutil.GetLogger(ctx).Info("pending meetings indexed", zap.Int("meetings", n))
	}
	return err
}
