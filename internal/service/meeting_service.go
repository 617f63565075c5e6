package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xxxsen/common/logutil"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"

	"github.com/xxxsen/meetnote/internal/align"
	"github.com/xxxsen/meetnote/internal/filestore"
	"github.com/xxxsen/meetnote/internal/hub"
	"github.com/xxxsen/meetnote/internal/metrics"
	"github.com/xxxsen/meetnote/internal/model"
	appErr "github.com/xxxsen/meetnote/internal/pkg/errors"
	"github.com/xxxsen/meetnote/internal/rag"
)

const maxQuestionChars = 2000

type MeetingServiceDeps struct {
	Records MeetingRecords
	Indexer *rag.Indexer
	Engine  *rag.Engine
	Files   filestore.Store
	Hub     *hub.Hub
	Metrics *metrics.Metrics
}

type MeetingService struct {
	deps MeetingServiceDeps
}

func NewMeetingService(deps MeetingServiceDeps) *MeetingService {
	return &MeetingService{deps: deps}
}

func (s *MeetingService) Create(ctx context.Context, title string) (*model.Meeting, error) {
	title = strings.TrimSpace(title)
	now := time.Now().Unix()
	if title == "" {
		title = "Meeting " + time.Unix(now, 0).UTC().Format("2006-01-02 15:04")
	}
	if len([]rune(title)) > 200 {
		return nil, fmt.Errorf("%w: title too long", appErr.ErrInvalid)
	}
	m := &model.Meeting{
		ID:           uuid.NewString(),
		Title:        title,
		Status:       model.MeetingStatusWaiting,
		Transcript:   []model.AlignedSegment{},
		ActionItems:  []model.ActionItem{},
		SpeakerStats: map[string]float64{},
		Ctime:        now,
		Mtime:        now,
	}
	if err := s.deps.Records.Create(ctx, m); err != nil {
		return nil, err
	}
	logutil.GetLogger(ctx).Info("meeting created", zap.String("meeting_id", m.ID))
	return m, nil
}

func (s *MeetingService) Get(ctx context.Context, id string) (*model.Meeting, error) {
	return s.deps.Records.GetByID(ctx, id)
}

func (s *MeetingService) List(ctx context.Context, filter model.MeetingFilter) ([]model.Meeting, error) {
	return s.deps.Records.List(ctx, filter)
}

// Observers is the number of clients currently following the meeting.
func (s *MeetingService) Observers(meetingID string) int {
	if s.deps.Hub == nil {
		return 0
	}
	return s.deps.Hub.Count(meetingID)
}

// Transcript renders the aligned transcript as text.
func (s *MeetingService) Transcript(ctx context.Context, id string) (string, error) {
	m, err := s.deps.Records.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return align.Render(m.Transcript), nil
}

// Ask answers a question from the meeting's retrieval index.
func (s *MeetingService) Ask(ctx context.Context, id, question string, topK int) (*rag.Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", appErr.ErrInvalid)
	}
	if len([]rune(question)) > maxQuestionChars {
		return nil, fmt.Errorf("%w: question too long", appErr.ErrInvalid)
	}
	if _, err := s.deps.Records.GetByID(ctx, id); err != nil {
		return nil, err
	}
	if s.deps.Engine == nil {
		return nil, appErr.ErrUnavailable
	}
	answer, err := s.deps.Engine.Query(ctx, id, question, topK)
	if err != nil {
		logutil.GetLogger(ctx).Error("answer question failed", zap.String("meeting_id", id), zap.Error(err))
		if errors.Is(err, appErr.ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", appErr.ErrUnavailable, err)
	}
	s.deps.Metrics.RecordQuery(string(answer.Outcome))
	return answer, nil
}

// Reindex rebuilds the retrieval index of a completed meeting.
func (s *MeetingService) Reindex(ctx context.Context, id string) (int, error) {
	m, err := s.deps.Records.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if m.Status != model.MeetingStatusCompleted {
		return 0, fmt.Errorf("%w: meeting is %s", appErr.ErrConflict, m.Status)
	}
	return s.reindex(ctx, m)
}

func (s *MeetingService) reindex(ctx context.Context, m *model.Meeting) (int, error) {
	if !s.deps.Indexer.Available() {
		return 0, appErr.ErrUnavailable
	}
	n, err := s.deps.Indexer.Index(ctx, m.ID, m.Transcript)
	if err != nil {
		_ = s.deps.Records.SetRAGIndexed(ctx, m.ID, false, time.Now().Unix())
		return 0, fmt.Errorf("%w: %v", appErr.ErrUnavailable, err)
	}
	s.deps.Metrics.RecordChunksIndexed(n)
	if err := s.deps.Records.SetRAGIndexed(ctx, m.ID, n > 0, time.Now().Unix()); err != nil {
		return n, err
	}
	return n, nil
}

// ReindexPending indexes completed meetings that have no index yet, such
// as those analysed while the embedder was down.
func (s *MeetingService) ReindexPending(ctx context.Context, limit uint) (int, error) {
	if !s.deps.Indexer.Available() {
		return 0, nil
	}
	items, err := s.deps.Records.ListUnindexed(ctx, limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for i := range items {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		n, err := s.reindex(ctx, &items[i])
		if err != nil {
			logutil.GetLogger(ctx).Warn("reindex pending meeting failed",
				zap.String("meeting_id", items[i].ID), zap.Error(err))
			continue
		}
		if n > 0 {
			done++
		}
	}
	return done, nil
}

// DeleteIndex drops the meeting's retrieval index.
func (s *MeetingService) DeleteIndex(ctx context.Context, id string) error {
	if _, err := s.deps.Records.GetByID(ctx, id); err != nil {
		return err
	}
	if s.deps.Indexer == nil {
		return appErr.ErrUnavailable
	}
	if err := s.deps.Indexer.Delete(ctx, id); err != nil {
		return err
	}
	return s.deps.Records.SetRAGIndexed(ctx, id, false, time.Now().Unix())
}

// Recording returns a direct download URL when the archive offers one and
// a stream otherwise. The caller closes the stream.
func (s *MeetingService) Recording(ctx context.Context, id string) (string, io.ReadCloser, error) {
	m, err := s.deps.Records.GetByID(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if m.AudioKey == "" || s.deps.Files == nil {
		return "", nil, appErr.ErrNotFound
	}
	link, err := s.deps.Files.URL(ctx, m.AudioKey)
	if err != nil {
		return "", nil, err
	}
	if link != "" {
		return link, nil, nil
	}
	rc, err := s.deps.Files.Open(ctx, m.AudioKey)
	if err != nil {
		return "", nil, err
	}
	return "", rc, nil
}

// PurgeRecordings deletes archived recordings of meetings that ended before
// cutoff and returns how many were removed.
func (s *MeetingService) PurgeRecordings(ctx context.Context, cutoff int64, limit uint) (int, error) {
	if s.deps.Files == nil {
		return 0, nil
	}
	items, err := s.deps.Records.ListRecordingsBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range items {
		if err := s.deps.Files.Delete(ctx, m.AudioKey); err != nil {
			logutil.GetLogger(ctx).Warn("delete recording failed",
				zap.String("meeting_id", m.ID), zap.String("key", m.AudioKey), zap.Error(err))
			continue
		}
		if err := s.deps.Records.SetAudioKey(ctx, m.ID, "", time.Now().Unix()); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Export renders a meeting report as markdown or html.
func (s *MeetingService) Export(ctx context.Context, id, format string) ([]byte, string, error) {
	m, err := s.deps.Records.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	md := RenderReport(m)
	switch strings.ToLower(format) {
	case "", "md", "markdown":
		return []byte(md), "text/markdown; charset=utf-8", nil
	case "html":
		var buf bytes.Buffer
		conv := goldmark.New(goldmark.WithExtensions(extension.GFM))
		if err := conv.Convert([]byte(md), &buf); err != nil {
			return nil, "", err
		}
		page := "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>" +
			htmlEscaper.Replace(m.Title) + "</title></head><body>\n" + buf.String() + "</body></html>\n"
		return []byte(page), "text/html; charset=utf-8", nil
	default:
		return nil, "", fmt.Errorf("%w: unsupported export format %q", appErr.ErrInvalid, format)
	}
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

var mdEscaper = strings.NewReplacer("|", "\\|", "\n", " ")

// RenderReport builds the markdown meeting report.
func RenderReport(m *model.Meeting) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", m.Title)
	fmt.Fprintf(&b, "- Status: %s\n", m.Status)
	if m.StartedAt > 0 {
		fmt.Fprintf(&b, "- Started: %s\n", time.Unix(m.StartedAt, 0).UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "- Duration: %.0fs\n\n", m.DurationSeconds)

	b.WriteString("## Summary\n\n")
	if m.Summary != "" {
		b.WriteString(m.Summary + "\n\n")
	} else {
		b.WriteString("_No summary available._\n\n")
	}

	b.WriteString("## Action Items\n\n")
	if len(m.ActionItems) == 0 {
		b.WriteString("_None._\n\n")
	}
	for _, item := range m.ActionItems {
		check := " "
		if item.Status == model.ActionItemCompleted {
			check = "x"
		}
		line := item.Task
		if item.Assignee != "" {
			line += " (" + item.Assignee + ")"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", check, line)
	}
	if len(m.ActionItems) > 0 {
		b.WriteString("\n")
	}

	if len(m.SpeakerStats) > 0 {
		b.WriteString("## Speakers\n\n| Speaker | Seconds |\n| --- | ---: |\n")
		for _, name := range sortedSpeakers(m.SpeakerStats) {
			fmt.Fprintf(&b, "| %s | %.1f |\n", mdEscaper.Replace(name), m.SpeakerStats[name])
		}
		b.WriteString("\n")
	}

	b.WriteString("## Transcript\n\n")
	for _, seg := range m.Transcript {
		fmt.Fprintf(&b, "**%s** `%.2fs - %.2fs`: %s\n\n", seg.SpeakerLabel(), seg.Start, seg.End, seg.Text)
	}
	return b.String()
}

func sortedSpeakers(stats map[string]float64) []string {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if stats[names[i]] != stats[names[j]] {
			return stats[names[i]] > stats[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}
