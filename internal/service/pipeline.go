package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/meetnote/internal/ai"
	"github.com/xxxsen/meetnote/internal/align"
	"github.com/xxxsen/meetnote/internal/audio"
	"github.com/xxxsen/meetnote/internal/filestore"
	"github.com/xxxsen/meetnote/internal/hub"
	"github.com/xxxsen/meetnote/internal/metrics"
	"github.com/xxxsen/meetnote/internal/model"
	"github.com/xxxsen/meetnote/internal/rag"
	"github.com/xxxsen/meetnote/internal/speech"
)

const (
	StageTranscribing = "transcribing"
	StageDiarizing    = "diarizing"
	StageAligning     = "aligning"
	StageSummarizing  = "summarizing"
	StageIndexing     = "indexing"
	StageCompleted    = "completed"
	StageFailed       = "failed"
	StageProcessing   = "processing"
)

type PipelineDeps struct {
	Records     MeetingRecords
	Hub         *hub.Hub
	Transcriber speech.Transcriber
	Diarizer    speech.Diarizer
	AI          *ai.Manager
	Indexer     *rag.Indexer
	Files       filestore.Store
	Metrics     *metrics.Metrics
	Align       align.Options
	// KeepLocalRecording leaves the WAV on disk after it was archived.
	KeepLocalRecording bool
}

// Pipeline is the authoritative post-session pass: full transcription,
// diarization, alignment, summary, persistence, indexing and archive.
type Pipeline struct {
	deps PipelineDeps
}

func NewPipeline(deps PipelineDeps) *Pipeline {
	if deps.Transcriber == nil {
		deps.Transcriber = speech.Noop{}
	}
	if deps.Diarizer == nil {
		deps.Diarizer = speech.Noop{}
	}
	return &Pipeline{deps: deps}
}

// Analyze runs the pass for one finished recording. On failure the meeting
// is marked failed and observers get an error event; the error is returned
// to the queue so the ticket carries it.
func (p *Pipeline) Analyze(ctx context.Context, meetingID, recordingPath string) error {
	logger := logutil.GetLogger(ctx).With(zap.String("meeting_id", meetingID))
	start := time.Now()
	err := p.analyze(ctx, meetingID, recordingPath)
	p.deps.Metrics.RecordAnalysis(err == nil, time.Since(start).Seconds())
	if err == nil {
		logger.Info("meeting analysis finished", zap.Duration("duration", time.Since(start)))
		return nil
	}
	logger.Error("meeting analysis failed", zap.Error(err))
	if uerr := p.deps.Records.UpdateStatus(context.WithoutCancel(ctx), meetingID, model.MeetingStatusFailed, err.Error(), time.Now().Unix()); uerr != nil {
		logger.Error("mark meeting failed", zap.Error(uerr))
	}
	p.broadcast(meetingID, hub.Error(meetingID, "analysis failed: "+err.Error()))
	return err
}

func (p *Pipeline) analyze(ctx context.Context, meetingID, recordingPath string) error {
	logger := logutil.GetLogger(ctx).With(zap.String("meeting_id", meetingID))
	if _, err := os.Stat(recordingPath); err != nil {
		return fmt.Errorf("recording not found: %w", err)
	}

	p.status(meetingID, StageTranscribing, "Running full transcription")
	transcript := p.transcribe(ctx, meetingID, recordingPath)

	p.status(meetingID, StageDiarizing, "Identifying speakers")
	turns := p.diarize(ctx, meetingID, recordingPath)

	p.status(meetingID, StageAligning, "Aligning speakers with transcript")
	stageStart := time.Now()
	var segments []model.AlignedSegment
	if align.HasTimestamps(transcript.Segments) {
		segments = align.ByOverlap(transcript.Segments, turns, p.deps.Align)
	} else {
		segments = align.Proportional(transcript.Text, turns)
	}
	analysis := &model.MeetingAnalysis{
		Transcript:      segments,
		SpeakerStats:    align.SpeakerStats(segments),
		DurationSeconds: align.Duration(segments),
	}
	if _, seconds, err := audio.RecordingInfo(recordingPath); err == nil && seconds > analysis.DurationSeconds {
		analysis.DurationSeconds = seconds
	}
	p.deps.Metrics.RecordStage(StageAligning, time.Since(stageStart).Seconds())

	if len(segments) > 0 && p.deps.AI.Available() {
		p.status(meetingID, StageSummarizing, "Generating summary")
		analysis.Summary, analysis.ActionItems = p.summarize(ctx, meetingID, segments)
	}

	if err := p.deps.Records.SaveAnalysis(ctx, meetingID, analysis, time.Now().Unix()); err != nil {
		return fmt.Errorf("save analysis: %w", err)
	}
	for _, seg := range segments {
		p.broadcast(meetingID, hub.Transcript(meetingID, seg, true))
	}
	p.broadcast(meetingID, hub.Summary(meetingID, analysis.Summary, analysis.ActionItems))

	if p.deps.Indexer.Available() {
		p.status(meetingID, StageIndexing, "Indexing transcript for questions")
		p.index(ctx, meetingID, segments)
	}
	p.archive(ctx, meetingID, recordingPath)

	p.status(meetingID, StageCompleted, "Meeting analysis complete")
	logger.Info("meeting analysis saved",
		zap.Int("segments", len(segments)), zap.Int("speakers", len(analysis.SpeakerStats)),
		zap.Float64("duration", analysis.DurationSeconds))
	return nil
}

// transcribe degrades every failure to an empty transcript.
func (p *Pipeline) transcribe(ctx context.Context, meetingID, path string) *speech.Transcript {
	empty := &speech.Transcript{}
	if !p.deps.Transcriber.Available() {
		return empty
	}
	start := time.Now()
	out, err := p.deps.Transcriber.Transcribe(ctx, speech.Audio{Name: filepath.Base(path), Path: path})
	p.deps.Metrics.RecordStage(StageTranscribing, time.Since(start).Seconds())
	if err != nil {
		logutil.GetLogger(ctx).Error("full transcription failed, continuing with empty transcript",
			zap.String("meeting_id", meetingID), zap.Error(err))
		return empty
	}
	return out
}

// diarize degrades every failure to no turns, which leaves speakers unknown.
func (p *Pipeline) diarize(ctx context.Context, meetingID, path string) []model.DiarizationTurn {
	if !p.deps.Diarizer.Available() {
		return nil
	}
	start := time.Now()
	turns, err := p.deps.Diarizer.Diarize(ctx, path)
	p.deps.Metrics.RecordStage(StageDiarizing, time.Since(start).Seconds())
	if err != nil {
		logutil.GetLogger(ctx).Error("diarization failed, speakers will be unknown",
			zap.String("meeting_id", meetingID), zap.Error(err))
		return nil
	}
	return turns
}

func (p *Pipeline) summarize(ctx context.Context, meetingID string, segments []model.AlignedSegment) (string, []model.ActionItem) {
	logger := logutil.GetLogger(ctx).With(zap.String("meeting_id", meetingID))
	start := time.Now()
	defer func() {
		p.deps.Metrics.RecordStage(StageSummarizing, time.Since(start).Seconds())
	}()
	summary, err := p.deps.AI.Summarize(ctx, align.Render(segments))
	if err != nil {
		logger.Error("summary generation failed", zap.Error(err))
		return "", nil
	}
	items, err := p.deps.AI.ExtractActionItems(ctx, summary)
	if err != nil {
		logger.Error("action item extraction failed", zap.Error(err))
		return summary, nil
	}
	return summary, items
}

// index records the outcome on the meeting; an index failure never fails
// the analysis.
func (p *Pipeline) index(ctx context.Context, meetingID string, segments []model.AlignedSegment) {
	start := time.Now()
	n, err := p.deps.Indexer.Index(ctx, meetingID, segments)
	p.deps.Metrics.RecordStage(StageIndexing, time.Since(start).Seconds())
	indexed := err == nil && n > 0
	if err != nil {
		logutil.GetLogger(ctx).Error("index meeting failed",
			zap.String("meeting_id", meetingID), zap.Error(err))
	}
	p.deps.Metrics.RecordChunksIndexed(n)
	if err := p.deps.Records.SetRAGIndexed(ctx, meetingID, indexed, time.Now().Unix()); err != nil {
		logutil.GetLogger(ctx).Error("update rag flag failed",
			zap.String("meeting_id", meetingID), zap.Error(err))
	}
}

func (p *Pipeline) archive(ctx context.Context, meetingID, path string) {
	if p.deps.Files == nil {
		return
	}
	logger := logutil.GetLogger(ctx).With(zap.String("meeting_id", meetingID))
	key := RecordingKey(meetingID)
	if err := filestore.SaveFile(ctx, p.deps.Files, key, path); err != nil {
		logger.Error("archive recording failed", zap.Error(err))
		return
	}
	if err := p.deps.Records.SetAudioKey(ctx, meetingID, key, time.Now().Unix()); err != nil {
		logger.Error("store recording key failed", zap.Error(err))
		return
	}
	if !p.deps.KeepLocalRecording {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("remove local recording failed", zap.Error(err))
		}
	}
}

// RecordingKey is the archive key of a meeting's recording.
func RecordingKey(meetingID string) string {
	return meetingID + ".wav"
}

func (p *Pipeline) status(meetingID, stage, message string) {
	p.broadcast(meetingID, hub.Status(meetingID, stage, message))
}

func (p *Pipeline) broadcast(meetingID string, ev hub.Event) {
	if p.deps.Hub == nil {
		return
	}
	delivered, failed := p.deps.Hub.Broadcast(meetingID, ev)
	p.deps.Metrics.RecordBroadcast(delivered, failed)
}
