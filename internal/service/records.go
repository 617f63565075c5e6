package service

import (
	"context"

	"github.com/xxxsen/meetnote/internal/model"
)

// MeetingRecords persists meetings. repo.MeetingRepo and
// repo.MemoryMeetingRepo implement it.
type MeetingRecords interface {
	Create(ctx context.Context, m *model.Meeting) error
	GetByID(ctx context.Context, id string) (*model.Meeting, error)
	List(ctx context.Context, filter model.MeetingFilter) ([]model.Meeting, error)
	ListUnindexed(ctx context.Context, limit uint) ([]model.Meeting, error)
	ListRecordingsBefore(ctx context.Context, cutoff int64, limit uint) ([]model.Meeting, error)
	UpdateStatus(ctx context.Context, id, status, errMsg string, now int64) error
	MarkStarted(ctx context.Context, id string, startedAt int64) error
	MarkEnded(ctx context.Context, id string, endedAt int64) error
	SaveAnalysis(ctx context.Context, id string, a *model.MeetingAnalysis, now int64) error
	SetRAGIndexed(ctx context.Context, id string, indexed bool, now int64) error
	SetAudioKey(ctx context.Context, id, key string, now int64) error
	Delete(ctx context.Context, id string) error
}
