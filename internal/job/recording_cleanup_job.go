package job

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

const recordingCleanupBatch = 100

type RecordingPurger interface {
	PurgeRecordings(ctx context.Context, cutoff int64, limit uint) (int, error)
}

type RecordingCleanupJob struct {
	meetings RecordingPurger
	maxAge   time.Duration
}

func NewRecordingCleanupJob(meetings RecordingPurger, maxAge time.Duration) *RecordingCleanupJob {
	return &RecordingCleanupJob{meetings: meetings, maxAge: maxAge}
}

func (j *RecordingCleanupJob) Name() string {
	return "recording_cleanup"
}

func (j *RecordingCleanupJob) Run(ctx context.Context) error {
	if j.meetings == nil {
		return nil
	}
	maxAge := j.maxAge
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	cutoff := time.Now().Add(-maxAge).Unix()
	total := 0
	for {
		n, err := j.meetings.PurgeRecordings(ctx, cutoff, recordingCleanupBatch)
		total += n
		if err != nil {
			return err
		}
		if n < recordingCleanupBatch || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		logutil.GetLogger(ctx).Info("archived recordings purged", zap.Int("recordings", total))
	}
	return nil
}
