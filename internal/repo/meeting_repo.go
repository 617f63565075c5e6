package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/meetnote/internal/model"
	"github.com/xxxsen/meetnote/internal/pkg/dbutil"
	appErr "github.com/xxxsen/meetnote/internal/pkg/errors"
)

var meetingColumns = []string{
	"id", "title", "status", "transcript", "summary", "action_items", "rag_indexed",
	"speaker_stats", "duration_seconds", "audio_key", "error", "ctime", "mtime", "started_at", "ended_at",
}

const meetingSelect = `
	SELECT id, title, status, transcript, summary, action_items, rag_indexed,
		speaker_stats, duration_seconds, audio_key, error, ctime, mtime, started_at, ended_at
	FROM meetings
`

type MeetingRepo struct {
	db *sql.DB
}

func NewMeetingRepo(db *sql.DB) *MeetingRepo {
	return &MeetingRepo{db: db}
}

func (r *MeetingRepo) Create(ctx context.Context, m *model.Meeting) error {
	transcript, actionItems, stats, err := encodeMeetingJSON(m.Transcript, m.ActionItems, m.SpeakerStats)
	if err != nil {
		return err
	}
	data := map[string]interface{}{
		"id":               m.ID,
		"title":            m.Title,
		"status":           m.Status,
		"transcript":       transcript,
		"summary":          m.Summary,
		"action_items":     actionItems,
		"rag_indexed":      m.RAGIndexed,
		"speaker_stats":    stats,
		"duration_seconds": m.DurationSeconds,
		"audio_key":        m.AudioKey,
		"error":            m.Error,
		"ctime":            m.Ctime,
		"mtime":            m.Mtime,
		"started_at":       m.StartedAt,
		"ended_at":         m.EndedAt,
	}
	sqlStr, args, err := builder.BuildInsert("meetings", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	if _, err := r.db.ExecContext(ctx, sqlStr, args...); err != nil {
		if dbutil.IsConflict(err) {
			return appErr.ErrConflict
		}
		return err
	}
	return nil
}

func (r *MeetingRepo) GetByID(ctx context.Context, id string) (*model.Meeting, error) {
	sqlStr, args, err := builder.BuildSelect("meetings", map[string]interface{}{"id": id}, meetingColumns)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, appErr.ErrNotFound
	}
	return scanMeeting(rows)
}

func (r *MeetingRepo) List(ctx context.Context, filter model.MeetingFilter) ([]model.Meeting, error) {
	sqlStr := meetingSelect
	var args []interface{}
	if len(filter.Statuses) > 0 {
		var err error
		sqlStr, args, err = dbutil.ExpandIn(sqlStr, args, "status", filter.Statuses, false)
		if err != nil {
			return nil, err
		}
	}
	sqlStr += ` ORDER BY ctime DESC, id ASC`
	if filter.Limit > 0 {
		sqlStr += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}
	return r.query(ctx, sqlStr, args)
}

// ListUnindexed returns completed meetings that have a transcript but no
// retrieval index, oldest first.
func (r *MeetingRepo) ListUnindexed(ctx context.Context, limit uint) ([]model.Meeting, error) {
	sqlStr := meetingSelect + `
		WHERE status = ? AND rag_indexed = FALSE AND jsonb_array_length(transcript) > 0
		ORDER BY mtime ASC
		LIMIT ?
	`
	return r.query(ctx, sqlStr, []interface{}{model.MeetingStatusCompleted, limit})
}

// ListRecordingsBefore returns finished meetings whose archived recording
// ended before cutoff.
func (r *MeetingRepo) ListRecordingsBefore(ctx context.Context, cutoff int64, limit uint) ([]model.Meeting, error) {
	sqlStr := meetingSelect + `
		WHERE audio_key <> '' AND ended_at > 0 AND ended_at < ?
		ORDER BY ended_at ASC
		LIMIT ?
	`
	return r.query(ctx, sqlStr, []interface{}{cutoff, limit})
}

func (r *MeetingRepo) query(ctx context.Context, sqlStr string, args []interface{}) ([]model.Meeting, error) {
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	items := make([]model.Meeting, 0)
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *m)
	}
	return items, rows.Err()
}

func (r *MeetingRepo) UpdateStatus(ctx context.Context, id, status, errMsg string, now int64) error {
	return r.update(ctx, id, map[string]interface{}{
		"status": status,
		"error":  errMsg,
		"mtime":  now,
	})
}

func (r *MeetingRepo) MarkStarted(ctx context.Context, id string, startedAt int64) error {
	return r.update(ctx, id, map[string]interface{}{
		"status":     model.MeetingStatusLive,
		"started_at": startedAt,
		"mtime":      startedAt,
	})
}

func (r *MeetingRepo) MarkEnded(ctx context.Context, id string, endedAt int64) error {
	return r.update(ctx, id, map[string]interface{}{
		"status":   model.MeetingStatusProcessing,
		"ended_at": endedAt,
		"mtime":    endedAt,
	})
}

// SaveAnalysis writes the post-session results and completes the meeting.
func (r *MeetingRepo) SaveAnalysis(ctx context.Context, id string, a *model.MeetingAnalysis, now int64) error {
	transcript, actionItems, stats, err := encodeMeetingJSON(a.Transcript, a.ActionItems, a.SpeakerStats)
	if err != nil {
		return err
	}
	return r.update(ctx, id, map[string]interface{}{
		"status":           model.MeetingStatusCompleted,
		"transcript":       transcript,
		"summary":          a.Summary,
		"action_items":     actionItems,
		"speaker_stats":    stats,
		"duration_seconds": a.DurationSeconds,
		"error":            "",
		"mtime":            now,
	})
}

func (r *MeetingRepo) SetRAGIndexed(ctx context.Context, id string, indexed bool, now int64) error {
	return r.update(ctx, id, map[string]interface{}{
		"rag_indexed": indexed,
		"mtime":       now,
	})
}

func (r *MeetingRepo) SetAudioKey(ctx context.Context, id, key string, now int64) error {
	return r.update(ctx, id, map[string]interface{}{
		"audio_key": key,
		"mtime":     now,
	})
}

func (r *MeetingRepo) Delete(ctx context.Context, id string) error {
	sqlStr, args, err := builder.BuildDelete("meetings", map[string]interface{}{"id": id})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	return r.exec(ctx, sqlStr, args)
}

func (r *MeetingRepo) update(ctx context.Context, id string, update map[string]interface{}) error {
	sqlStr, args, err := builder.BuildUpdate("meetings", map[string]interface{}{"id": id}, update)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	return r.exec(ctx, sqlStr, args)
}

func (r *MeetingRepo) exec(ctx context.Context, sqlStr string, args []interface{}) error {
	res, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMeeting(row rowScanner) (*model.Meeting, error) {
	var (
		m                                 model.Meeting
		transcript, actionItems, statsRaw []byte
	)
	if err := row.Scan(&m.ID, &m.Title, &m.Status, &transcript, &m.Summary, &actionItems, &m.RAGIndexed,
		&statsRaw, &m.DurationSeconds, &m.AudioKey, &m.Error, &m.Ctime, &m.Mtime, &m.StartedAt, &m.EndedAt); err != nil {
		return nil, err
	}
	if err := decodeJSONColumn(transcript, &m.Transcript); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	if err := decodeJSONColumn(actionItems, &m.ActionItems); err != nil {
		return nil, fmt.Errorf("decode action items: %w", err)
	}
	if err := decodeJSONColumn(statsRaw, &m.SpeakerStats); err != nil {
		return nil, fmt.Errorf("decode speaker stats: %w", err)
	}
	return &m, nil
}

func decodeJSONColumn(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// encodeMeetingJSON renders the jsonb columns as text so lib/pq sends them
// as untyped literals.
func encodeMeetingJSON(transcript []model.AlignedSegment, items []model.ActionItem, stats map[string]float64) (string, string, string, error) {
	if transcript == nil {
		transcript = []model.AlignedSegment{}
	}
	if items == nil {
		items = []model.ActionItem{}
	}
	if stats == nil {
		stats = map[string]float64{}
	}
	t, err := json.Marshal(transcript)
	if err != nil {
		return "", "", "", err
	}
	a, err := json.Marshal(items)
	if err != nil {
		return "", "", "", err
	}
	s, err := json.Marshal(stats)
	if err != nil {
		return "", "", "", err
	}
	return string(t), string(a), string(s), nil
}
