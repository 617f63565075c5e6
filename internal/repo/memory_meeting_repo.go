package repo

import (
	"context"
	"sort"
	"sync"

	"github.com/xxxsen/meetnote/internal/model"
	appErr "github.com/xxxsen/meetnote/internal/pkg/errors"
)

// MemoryMeetingRepo keeps meetings in process memory. It backs the server
// when no database is configured and mirrors MeetingRepo semantics.
type MemoryMeetingRepo struct {
	mu       sync.RWMutex
	meetings map[string]*model.Meeting
}

func NewMemoryMeetingRepo() *MemoryMeetingRepo {
	return &MemoryMeetingRepo{meetings: make(map[string]*model.Meeting)}
}

func (r *MemoryMeetingRepo) Create(_ context.Context, m *model.Meeting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.meetings[m.ID]; ok {
		return appErr.ErrConflict
	}
	r.meetings[m.ID] = cloneMeeting(m)
	return nil
}

func (r *MemoryMeetingRepo) GetByID(_ context.Context, id string) (*model.Meeting, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.meetings[id]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return cloneMeeting(m), nil
}

func (r *MemoryMeetingRepo) List(_ context.Context, filter model.MeetingFilter) ([]model.Meeting, error) {
	statuses := make(map[string]struct{}, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses[s] = struct{}{}
	}
	items := r.collect(func(m *model.Meeting) bool {
		if len(statuses) == 0 {
			return true
		}
		_, ok := statuses[m.Status]
		return ok
	})
	sort.Slice(items, func(i, j int) bool {
		if items[i].Ctime != items[j].Ctime {
			return items[i].Ctime > items[j].Ctime
		}
		return items[i].ID < items[j].ID
	})
	return page(items, filter.Limit, filter.Offset), nil
}

func (r *MemoryMeetingRepo) ListUnindexed(_ context.Context, limit uint) ([]model.Meeting, error) {
	items := r.collect(func(m *model.Meeting) bool {
		return m.Status == model.MeetingStatusCompleted && !m.RAGIndexed && len(m.Transcript) > 0
	})
	sort.Slice(items, func(i, j int) bool { return items[i].Mtime < items[j].Mtime })
	return page(items, limit, 0), nil
}

func (r *MemoryMeetingRepo) ListRecordingsBefore(_ context.Context, cutoff int64, limit uint) ([]model.Meeting, error) {
	items := r.collect(func(m *model.Meeting) bool {
		return m.AudioKey != "" && m.EndedAt > 0 && m.EndedAt < cutoff
	})
	sort.Slice(items, func(i, j int) bool { return items[i].EndedAt < items[j].EndedAt })
	return page(items, limit, 0), nil
}

func (r *MemoryMeetingRepo) UpdateStatus(_ context.Context, id, status, errMsg string, now int64) error {
	return r.mutate(id, func(m *model.Meeting) {
		m.Status = status
		m.Error = errMsg
		m.Mtime = now
	})
}

func (r *MemoryMeetingRepo) MarkStarted(_ context.Context, id string, startedAt int64) error {
	return r.mutate(id, func(m *model.Meeting) {
		m.Status = model.MeetingStatusLive
		m.StartedAt = startedAt
		m.Mtime = startedAt
	})
}

func (r *MemoryMeetingRepo) MarkEnded(_ context.Context, id string, endedAt int64) error {
	return r.mutate(id, func(m *model.Meeting) {
		m.Status = model.MeetingStatusProcessing
		m.EndedAt = endedAt
		m.Mtime = endedAt
	})
}

func (r *MemoryMeetingRepo) SaveAnalysis(_ context.Context, id string, a *model.MeetingAnalysis, now int64) error {
	return r.mutate(id, func(m *model.Meeting) {
		m.Status = model.MeetingStatusCompleted
		m.Transcript = append([]model.AlignedSegment(nil), a.Transcript...)
		m.Summary = a.Summary
		m.ActionItems = append([]model.ActionItem(nil), a.ActionItems...)
		m.SpeakerStats = cloneStats(a.SpeakerStats)
		m.DurationSeconds = a.DurationSeconds
		m.Error = ""
		m.Mtime = now
	})
}

func (r *MemoryMeetingRepo) SetRAGIndexed(_ context.Context, id string, indexed bool, now int64) error {
	return r.mutate(id, func(m *model.Meeting) {
		m.RAGIndexed = indexed
		m.Mtime = now
	})
}

func (r *MemoryMeetingRepo) SetAudioKey(_ context.Context, id, key string, now int64) error {
	return r.mutate(id, func(m *model.Meeting) {
		m.AudioKey = key
		m.Mtime = now
	})
}

func (r *MemoryMeetingRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.meetings[id]; !ok {
		return appErr.ErrNotFound
	}
	delete(r.meetings, id)
	return nil
}

func (r *MemoryMeetingRepo) mutate(id string, fn func(m *model.Meeting)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.meetings[id]
	if !ok {
		return appErr.ErrNotFound
	}
	fn(m)
	return nil
}

func (r *MemoryMeetingRepo) collect(match func(m *model.Meeting) bool) []model.Meeting {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]model.Meeting, 0, len(r.meetings))
	for _, m := range r.meetings {
		if match(m) {
			items = append(items, *cloneMeeting(m))
		}
	}
	return items
}

func page(items []model.Meeting, limit, offset uint) []model.Meeting {
	if offset >= uint(len(items)) {
		return []model.Meeting{}
	}
	items = items[offset:]
	if limit > 0 && limit < uint(len(items)) {
		items = items[:limit]
	}
	return items
}

func cloneMeeting(m *model.Meeting) *model.Meeting {
	out := *m
	out.Transcript = append([]model.AlignedSegment(nil), m.Transcript...)
	out.ActionItems = append([]model.ActionItem(nil), m.ActionItems...)
	out.SpeakerStats = cloneStats(m.SpeakerStats)
	return &out
}

func cloneStats(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
