package job

import (
	"context"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type IdleSessionReaper interface {
	ReapIdle(ctx context.Context) int
}

// SessionReaperJob finishes recording sessions whose client stopped
// sending audio without closing the stream.
type SessionReaperJob struct {
	sessions IdleSessionReaper
}

func NewSessionReaperJob(sessions IdleSessionReaper) *SessionReaperJob {
	return &SessionReaperJob{sessions: sessions}
}

func (j *SessionReaperJob) Name() string {
	return "session_reaper"
}

func (j *SessionReaperJob) Run(ctx context.Context) error {
	if j.sessions == nil {
		return nil
	}
	if n := j.sessions.ReapIdle(ctx); n > 0 {
		logutil.GetLogger(ctx).Info("idle sessions finished", zap.Int("sessions", n))
	}
	return nil
}
