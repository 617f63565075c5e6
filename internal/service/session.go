package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/meetnote/internal/audio"
	"github.com/xxxsen/meetnote/internal/hub"
	"github.com/xxxsen/meetnote/internal/metrics"
	"github.com/xxxsen/meetnote/internal/model"
	appErr "github.com/xxxsen/meetnote/internal/pkg/errors"
	"github.com/xxxsen/meetnote/internal/speech"
)

type SessionConfig struct {
	ChunkSeconds     float64
	MaxBufferBytes   int
	SilenceThreshold float64
	RecordingDir     string
	LiveQueueSize    int
	IdleTimeout      time.Duration
}

type SessionDeps struct {
	Records     MeetingRecords
	Hub         *hub.Hub
	Transcriber speech.Transcriber
	Queue       *AnalysisQueue
	Metrics     *metrics.Metrics
}

// SessionManager owns the open recording sessions, at most one per meeting.
type SessionManager struct {
	cfg  SessionConfig
	deps SessionDeps

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionManager(cfg SessionConfig, deps SessionDeps) *SessionManager {
	if cfg.ChunkSeconds <= 0 {
		cfg.ChunkSeconds = 3
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = audio.DefaultSilenceThreshold
	}
	if cfg.LiveQueueSize <= 0 {
		cfg.LiveQueueSize = 8
	}
	if cfg.RecordingDir == "" {
		cfg.RecordingDir = os.TempDir()
	}
	if deps.Transcriber == nil {
		deps.Transcriber = speech.Noop{}
	}
	return &SessionManager{cfg: cfg, deps: deps, sessions: make(map[string]*Session)}
}

// Open starts recording a waiting meeting.
func (m *SessionManager) Open(ctx context.Context, meetingID string, format audio.Format) (*Session, error) {
	meeting, err := m.deps.Records.GetByID(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if meeting.Status != model.MeetingStatusWaiting {
		return nil, fmt.Errorf("%w: meeting is %s", appErr.ErrConflict, meeting.Status)
	}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", appErr.ErrInvalid, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[meetingID]; ok {
		return nil, appErr.ErrSessionOpen
	}
	if err := os.MkdirAll(m.cfg.RecordingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	recorder, err := audio.NewRecorder(filepath.Join(m.cfg.RecordingDir, meetingID+".wav"), format)
	if err != nil {
		return nil, fmt.Errorf("create recorder: %w", err)
	}
	buffer, err := audio.NewStreamBuffer(meetingID, audio.BufferConfig{
		Format:         format,
		ChunkSeconds:   m.cfg.ChunkSeconds,
		MaxBufferBytes: m.cfg.MaxBufferBytes,
	}, recorder)
	if err != nil {
		_ = recorder.Discard()
		return nil, err
	}
	now := time.Now()
	if err := m.deps.Records.MarkStarted(ctx, meetingID, now.Unix()); err != nil {
		_ = recorder.Discard()
		return nil, err
	}

	liveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		manager:   m,
		meetingID: meetingID,
		format:    format,
		buffer:    buffer,
		live:      make(chan *audio.Chunk, m.cfg.LiveQueueSize),
		liveDone:  make(chan struct{}),
		cancel:    cancel,
		started:   now,
		lastWrite: now,
	}
	m.sessions[meetingID] = s
	go s.runLive(liveCtx)

	m.deps.Metrics.RecordSessionStarted()
	m.broadcast(meetingID, hub.Status(meetingID, model.MeetingStatusLive, "Recording started"))
	logutil.GetLogger(ctx).Info("session opened",
		zap.String("meeting_id", meetingID), zap.Int("sample_rate", format.SampleRate),
		zap.Int("channels", format.Channels), zap.Int("chunk_bytes", buffer.ChunkBytes()))
	return s, nil
}

func (m *SessionManager) Get(meetingID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[meetingID]
	return s, ok
}

func (m *SessionManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ReapIdle finishes sessions that received no audio within the idle
// timeout and returns how many were closed.
func (m *SessionManager) ReapIdle(ctx context.Context) int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)
	var idle []*Session
	m.mu.Lock()
	for _, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()
	for _, s := range idle {
		logutil.GetLogger(ctx).Info("reaping idle session", zap.String("meeting_id", s.meetingID))
		if _, err := s.Finish(ctx); err != nil {
			logutil.GetLogger(ctx).Error("finish idle session failed",
				zap.String("meeting_id", s.meetingID), zap.Error(err))
		}
	}
	return len(idle)
}

// Shutdown finishes every open session.
func (m *SessionManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()
	for _, s := range open {
		if _, err := s.Finish(ctx); err != nil {
			logutil.GetLogger(ctx).Error("finish session on shutdown failed",
				zap.String("meeting_id", s.meetingID), zap.Error(err))
		}
	}
}

func (m *SessionManager) remove(meetingID string) {
	m.mu.Lock()
	delete(m.sessions, meetingID)
	m.mu.Unlock()
}

func (m *SessionManager) broadcast(meetingID string, ev hub.Event) {
	if m.deps.Hub == nil {
		return
	}
	delivered, failed := m.deps.Hub.Broadcast(meetingID, ev)
	m.deps.Metrics.RecordBroadcast(delivered, failed)
}

// Session is one meeting's live recording. Writes are serialized by the
// session; live captions run on their own goroutine so a slow transcriber
// never stalls ingestion.
type Session struct {
	manager   *SessionManager
	meetingID string
	format    audio.Format
	buffer    *audio.StreamBuffer
	live      chan *audio.Chunk
	liveDone  chan struct{}
	cancel    context.CancelFunc
	started   time.Time

	mu        sync.Mutex
	lastWrite time.Time
	finished  bool
	ticket    *Ticket
}

func (s *Session) MeetingID() string {
	return s.meetingID
}

func (s *Session) Format() audio.Format {
	return s.format
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastWrite
}

// Write appends PCM to the recording and hands complete chunks to the live
// caption goroutine. A full live queue drops the chunk from captions only.
func (s *Session) Write(ctx context.Context, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return audio.ErrBufferClosed
	}
	chunks, err := s.buffer.Write(p)
	if err != nil {
		return err
	}
	s.lastWrite = time.Now()
	s.manager.deps.Metrics.RecordAudioBytes(len(p))
	for _, c := range chunks {
		s.enqueueLive(ctx, c)
	}
	return nil
}

func (s *Session) enqueueLive(ctx context.Context, c *audio.Chunk) {
	select {
	case s.live <- c:
		s.manager.deps.Metrics.RecordLiveChunk(true)
	default:
		s.manager.deps.Metrics.RecordLiveChunk(false)
		logutil.GetLogger(ctx).Warn("live queue full, dropping chunk from captions",
			zap.String("meeting_id", s.meetingID), zap.Int("seq", c.Seq))
	}
}

// Finish closes the recording, waits for pending live captions and queues
// the meeting for analysis. It is idempotent; later calls return the same
// ticket.
func (s *Session) Finish(ctx context.Context) (*Ticket, error) {
	s.mu.Lock()
	if s.finished {
		t := s.ticket
		s.mu.Unlock()
		return t, nil
	}
	s.finished = true
	last, path, err := s.buffer.Finalize()
	if err == nil && last != nil {
		s.enqueueLive(ctx, last)
	}
	close(s.live)
	s.mu.Unlock()

	<-s.liveDone
	s.cancel()
	m := s.manager
	defer m.remove(s.meetingID)

	logger := logutil.GetLogger(ctx).With(zap.String("meeting_id", s.meetingID))
	total := s.buffer.TotalBytes()
	m.deps.Metrics.RecordSessionFinished(s.format.Seconds(total))
	now := time.Now().Unix()
	if err != nil {
		m.fail(ctx, s.meetingID, fmt.Errorf("finalize recording: %w", err))
		return nil, err
	}
	if total == 0 {
		_ = os.Remove(path)
		err := fmt.Errorf("%w: no audio received", appErr.ErrInvalid)
		m.fail(ctx, s.meetingID, err)
		return nil, err
	}
	if m.deps.Queue == nil {
		err := fmt.Errorf("%w: analysis queue is not running", appErr.ErrUnavailable)
		m.fail(ctx, s.meetingID, err)
		return nil, err
	}
	if err := m.deps.Records.MarkEnded(ctx, s.meetingID, now); err != nil {
		logger.Error("mark meeting ended failed", zap.Error(err))
		return nil, err
	}
	m.broadcast(s.meetingID, hub.Status(s.meetingID, StageProcessing, "Recording finished, analysis queued"))
	ticket, err := m.deps.Queue.Submit(s.meetingID, path)
	if err != nil {
		m.fail(ctx, s.meetingID, err)
		return nil, err
	}
	s.mu.Lock()
	s.ticket = ticket
	s.mu.Unlock()
	logger.Info("session finished",
		zap.Int64("bytes", total), zap.Float64("seconds", s.format.Seconds(total)), zap.String("recording", path))
	return ticket, nil
}

func (m *SessionManager) fail(ctx context.Context, meetingID string, cause error) {
	logutil.GetLogger(ctx).Error("session failed", zap.String("meeting_id", meetingID), zap.Error(cause))
	if err := m.deps.Records.UpdateStatus(ctx, meetingID, model.MeetingStatusFailed, cause.Error(), time.Now().Unix()); err != nil {
		logutil.GetLogger(ctx).Error("mark meeting failed", zap.String("meeting_id", meetingID), zap.Error(err))
	}
	m.broadcast(meetingID, hub.Error(meetingID, cause.Error()))
}

// runLive transcribes chunks in arrival order, so captions for one meeting
// are never reordered.
func (s *Session) runLive(ctx context.Context) {
	defer close(s.liveDone)
	m := s.manager
	logger := logutil.GetLogger(ctx).With(zap.String("meeting_id", s.meetingID))
	for c := range s.live {
		if !audio.ShouldTranscribe(c.Data, c.Format, m.cfg.SilenceThreshold) {
			m.deps.Metrics.RecordSilentChunk()
			continue
		}
		if !m.deps.Transcriber.Available() {
			continue
		}
		segments, err := s.caption(ctx, c)
		if err != nil {
			logger.Warn("live transcription failed", zap.Int("seq", c.Seq), zap.Error(err))
			continue
		}
		for _, seg := range segments {
			m.broadcast(s.meetingID, hub.Transcript(s.meetingID, seg, false))
		}
	}
}

func (s *Session) caption(ctx context.Context, c *audio.Chunk) ([]model.AlignedSegment, error) {
	m := s.manager
	wav, err := audio.EncodeWAV(c.Data, c.Format)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	out, err := m.deps.Transcriber.Transcribe(ctx, speech.Audio{
		Name: fmt.Sprintf("%s_%06d.wav", s.meetingID, c.Seq),
		Data: wav,
	})
	m.deps.Metrics.RecordLiveTranscription(err == nil, time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, nil
		}
		return nil, err
	}
	return liveSegments(out, c), nil
}

// liveSegments shifts chunk relative timestamps onto the meeting timeline.
func liveSegments(out *speech.Transcript, c *audio.Chunk) []model.AlignedSegment {
	if out == nil {
		return nil
	}
	var segs []model.AlignedSegment
	for _, seg := range out.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		segs = append(segs, model.AlignedSegment{
			Start: c.Offset + seg.Start,
			End:   c.Offset + seg.End,
			Text:  text,
		})
	}
	if len(segs) == 0 {
		if text := strings.TrimSpace(out.Text); text != "" {
			segs = append(segs, model.AlignedSegment{Start: c.Offset, End: c.End(), Text: text})
		}
	}
	return segs
}
