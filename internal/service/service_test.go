package service

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/meetnote/internal/ai"
	"github.com/xxxsen/meetnote/internal/audio"
	"github.com/xxxsen/meetnote/internal/config"
	"github.com/xxxsen/meetnote/internal/filestore"
	"github.com/xxxsen/meetnote/internal/hub"
	"github.com/xxxsen/meetnote/internal/metrics"
	"github.com/xxxsen/meetnote/internal/model"
	appErr "github.com/xxxsen/meetnote/internal/pkg/errors"
	"github.com/xxxsen/meetnote/internal/rag"
	"github.com/xxxsen/meetnote/internal/repo"
	"github.com/xxxsen/meetnote/internal/speech"
	"github.com/xxxsen/meetnote/internal/vectorstore"
)

type fakeTranscriber struct {
	block chan struct{}
}

func (f *fakeTranscriber) Available() bool { return true }

func (f *fakeTranscriber) Transcribe(ctx context.Context, a speech.Audio) (*speech.Transcript, error) {
	if a.Path != "" {
		return &speech.Transcript{
			Text: "hello world",
			Segments: []model.TranscriptSegment{
				{Start: 0, End: 2, Text: "hello"},
				{Start: 2, End: 5, Text: "world"},
			},
		}, nil
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &speech.Transcript{Text: "live words", Segments: []model.TranscriptSegment{{Start: 0, End: 0.1, Text: "live words"}}}, nil
}

type fakeDiarizer struct {
	turns []model.DiarizationTurn
	err   error
}

func (f fakeDiarizer) Available() bool { return true }

func (f fakeDiarizer) Diarize(context.Context, string) ([]model.DiarizationTurn, error) {
	return f.turns, f.err
}

type scriptedGenerator struct{}

func (scriptedGenerator) Generate(_ context.Context, prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, "Summarize the meeting"):
		return "Greeting exchanged.", nil
	case strings.Contains(prompt, "action items"):
		return "```json\n[{\"task\":\"send notes\",\"assignee\":\"S1\"}]\n```", nil
	default:
		return "They said hello.", nil
	}
}

type collectingObserver struct {
	id     string
	mu     sync.Mutex
	events []hub.Event
}

func (o *collectingObserver) ID() string { return o.id }

func (o *collectingObserver) Send(ev hub.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
	return nil
}

func (o *collectingObserver) snapshot() []hub.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]hub.Event(nil), o.events...)
}

type harness struct {
	records  *repo.MemoryMeetingRepo
	hub      *hub.Hub
	metrics  *metrics.Metrics
	queue    *AnalysisQueue
	sessions *SessionManager
	meetings *MeetingService
	files    filestore.Store
}

func newHarness(t *testing.T, tr speech.Transcriber, d speech.Diarizer, liveQueue int) *harness {
	t.Helper()
	recordingDir := t.TempDir()
	files, err := filestore.New(config.FileStoreConfig{Type: "local", Data: map[string]interface{}{"dir": t.TempDir()}})
	require.NoError(t, err)
	h := &harness{
		records: repo.NewMemoryMeetingRepo(),
		hub:     hub.New(),
		metrics: metrics.NewMetrics(),
		files:   files,
	}
	embedder := ai.NewEmbedder(ai.NewLocalEmbedProvider(1024), "hash")
	store := vectorstore.NewMemory()
	indexer := rag.NewIndexer(store, embedder, rag.IndexerConfig{})
	engine := rag.NewEngine(store, embedder, scriptedGenerator{}, rag.EngineConfig{})
	pipeline := NewPipeline(PipelineDeps{
		Records:     h.records,
		Hub:         h.hub,
		Transcriber: tr,
		Diarizer:    d,
		AI:          ai.NewManager(scriptedGenerator{}, embedder, ai.ManagerConfig{Timeout: 5}),
		Indexer:     indexer,
		Files:       files,
		Metrics:     h.metrics,
	})
	h.queue = NewAnalysisQueue(pipeline, AnalysisQueueConfig{Workers: 1, QueueSize: 4, Timeout: time.Minute}, h.metrics)
	h.queue.Start(context.Background())
	t.Cleanup(h.queue.Stop)
	h.sessions = NewSessionManager(SessionConfig{
		ChunkSeconds:  0.1,
		RecordingDir:  recordingDir,
		LiveQueueSize: liveQueue,
	}, SessionDeps{
		Records:     h.records,
		Hub:         h.hub,
		Transcriber: tr,
		Queue:       h.queue,
		Metrics:     h.metrics,
	})
	h.meetings = NewMeetingService(MeetingServiceDeps{
		Records: h.records,
		Indexer: indexer,
		Engine:  engine,
		Files:   files,
		Hub:     h.hub,
		Metrics: h.metrics,
	})
	return h
}

// loudPCM returns n bytes of 16-bit samples well above the energy gate.
func loudPCM(n int) []byte {
	out := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		v := int16(8000)
		if (i/2)%2 == 1 {
			v = -8000
		}
		binary.LittleEndian.PutUint16(out[i:], uint16(v))
	}
	return out
}

func TestSessionToCompletedMeeting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeTranscriber{}, fakeDiarizer{turns: []model.DiarizationTurn{{Speaker: "S1", Start: 0, End: 5}}}, 8)

	m, err := h.meetings.Create(ctx, "weekly sync")
	require.NoError(t, err)
	obs := &collectingObserver{id: "obs-1"}
	h.hub.Register(m.ID, obs, "tester")

	sess, err := h.sessions.Open(ctx, m.ID, audio.DefaultFormat())
	require.NoError(t, err)
	_, err = h.sessions.Open(ctx, m.ID, audio.DefaultFormat())
	require.Error(t, err)

	require.NoError(t, sess.Write(ctx, loudPCM(6400)))
	ticket, err := sess.Finish(ctx)
	require.NoError(t, err)
	again, err := sess.Finish(ctx)
	require.NoError(t, err)
	require.Same(t, ticket, again)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, ticket.Wait(waitCtx))
	require.Equal(t, 0, h.sessions.Active())

	got, err := h.meetings.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, model.MeetingStatusCompleted, got.Status)
	require.True(t, got.RAGIndexed)
	require.Equal(t, RecordingKey(m.ID), got.AudioKey)
	require.Equal(t, "Greeting exchanged.", got.Summary)
	require.Equal(t, []model.ActionItem{{Task: "send notes", Assignee: "S1", Status: model.ActionItemPending}}, got.ActionItems)
	require.Equal(t, map[string]float64{"S1": 5}, got.SpeakerStats)

	text, err := h.meetings.Transcript(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "[S1] 0.00s - 2.00s: hello\n\n[S1] 2.00s - 5.00s: world", text)

	events := obs.snapshot()
	var live, final int
	var sawSummary, sawCompleted bool
	processingAt := -1
	for i, ev := range events {
		switch {
		case ev.Type == hub.EventTranscript && !ev.Final:
			live++
			require.Equal(t, -1, processingAt, "live captions arrive before analysis starts")
		case ev.Type == hub.EventTranscript && ev.Final:
			final++
		case ev.Type == hub.EventSummary:
			sawSummary = true
		case ev.Type == hub.EventStatus && ev.Status == StageProcessing:
			processingAt = i
		case ev.Type == hub.EventStatus && ev.Status == StageCompleted:
			sawCompleted = true
		}
	}
	require.Equal(t, 2, live)
	require.Equal(t, 2, final)
	require.True(t, sawSummary)
	require.True(t, sawCompleted)

	answer, err := h.meetings.Ask(ctx, m.ID, "what did they say?", 0)
	require.NoError(t, err)
	require.Equal(t, rag.OutcomeAnswered, answer.Outcome)
	require.Equal(t, "They said hello.", answer.Answer)
	require.NotEmpty(t, answer.Sources)
	require.Equal(t, 1, answer.Sources[0].RelevanceRank)

	link, rc, err := h.meetings.Recording(ctx, m.ID)
	require.NoError(t, err)
	require.Empty(t, link)
	require.NotNil(t, rc)
	require.NoError(t, rc.Close())

	require.NoError(t, h.meetings.DeleteIndex(ctx, m.ID))
	answer, err = h.meetings.Ask(ctx, m.ID, "what did they say?", 0)
	require.NoError(t, err)
	require.Equal(t, rag.OutcomeNotIndexed, answer.Outcome)

	n, err := h.meetings.Reindex(ctx, m.ID)
	require.NoError(t, err)
	require.Greater(t, n, 0)
	got, err = h.meetings.Get(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, got.RAGIndexed)
}

func TestDiarizationFailureLeavesSpeakersUnknown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeTranscriber{}, fakeDiarizer{err: errors.New("diarizer down")}, 8)
	m, err := h.meetings.Create(ctx, "")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(m.Title, "Meeting "))

	sess, err := h.sessions.Open(ctx, m.ID, audio.DefaultFormat())
	require.NoError(t, err)
	require.NoError(t, sess.Write(ctx, loudPCM(3200)))
	ticket, err := sess.Finish(ctx)
	require.NoError(t, err)
	require.NoError(t, ticket.Wait(ctx))

	text, err := h.meetings.Transcript(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "[UNKNOWN] 0.00s - 2.00s: hello\n\n[UNKNOWN] 2.00s - 5.00s: world", text)
}

func TestAnalysisFailureMarksMeetingFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeTranscriber{}, speech.Noop{}, 8)
	m, err := h.meetings.Create(ctx, "broken")
	require.NoError(t, err)
	obs := &collectingObserver{id: "obs"}
	h.hub.Register(m.ID, obs, "")

	ticket, err := h.queue.Submit(m.ID, "/nonexistent/recording.wav")
	require.NoError(t, err)
	require.Error(t, ticket.Wait(ctx))

	got, err := h.meetings.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, model.MeetingStatusFailed, got.Status)
	require.NotEmpty(t, got.Error)
	events := obs.snapshot()
	require.NotEmpty(t, events)
	require.Equal(t, hub.EventError, events[len(events)-1].Type)
}

func TestLiveQueueDropsWhenFull(t *testing.T) {
	ctx := context.Background()
	tr := &fakeTranscriber{block: make(chan struct{})}
	h := newHarness(t, tr, speech.Noop{}, 1)
	m, err := h.meetings.Create(ctx, "busy")
	require.NoError(t, err)

	sess, err := h.sessions.Open(ctx, m.ID, audio.DefaultFormat())
	require.NoError(t, err)
	require.NoError(t, sess.Write(ctx, loudPCM(4*3200)))
	require.GreaterOrEqual(t, testutil.ToFloat64(h.metrics.LiveChunksDropped), 2.0)

	close(tr.block)
	ticket, err := sess.Finish(ctx)
	require.NoError(t, err)
	require.NoError(t, ticket.Wait(ctx))
}

func TestSilentAudioSkipsLiveCaptions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeTranscriber{}, speech.Noop{}, 8)
	m, err := h.meetings.Create(ctx, "quiet")
	require.NoError(t, err)
	obs := &collectingObserver{id: "obs"}
	h.hub.Register(m.ID, obs, "")

	sess, err := h.sessions.Open(ctx, m.ID, audio.DefaultFormat())
	require.NoError(t, err)
	require.NoError(t, sess.Write(ctx, make([]byte, 6400)))
	ticket, err := sess.Finish(ctx)
	require.NoError(t, err)
	require.NoError(t, ticket.Wait(ctx))
	require.Equal(t, 2.0, testutil.ToFloat64(h.metrics.LiveChunksSilent))
	for _, ev := range obs.snapshot() {
		if ev.Type == hub.EventTranscript {
			require.True(t, ev.Final)
		}
	}
}

func TestFinishWithoutAudioFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeTranscriber{}, speech.Noop{}, 8)
	m, err := h.meetings.Create(ctx, "empty")
	require.NoError(t, err)
	sess, err := h.sessions.Open(ctx, m.ID, audio.DefaultFormat())
	require.NoError(t, err)
	_, err = sess.Finish(ctx)
	require.ErrorIs(t, err, appErr.ErrInvalid)
	got, err := h.meetings.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, model.MeetingStatusFailed, got.Status)
}

func TestFinishWithoutQueueFailsMeeting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeTranscriber{}, speech.Noop{}, 8)
	h.sessions.deps.Queue = nil
	m, err := h.meetings.Create(ctx, "no queue")
	require.NoError(t, err)
	sess, err := h.sessions.Open(ctx, m.ID, audio.DefaultFormat())
	require.NoError(t, err)
	require.NoError(t, sess.Write(ctx, loudPCM(3200)))

	_, err = sess.Finish(ctx)
	require.ErrorIs(t, err, appErr.ErrUnavailable)
	got, err := h.meetings.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, model.MeetingStatusFailed, got.Status)
	require.Contains(t, got.Error, "analysis queue")
	require.Zero(t, h.sessions.Active())
}

func TestReapIdleSessions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeTranscriber{}, speech.Noop{}, 8)
	h.sessions.cfg.IdleTimeout = time.Millisecond
	m, err := h.meetings.Create(ctx, "idle")
	require.NoError(t, err)
	sess, err := h.sessions.Open(ctx, m.ID, audio.DefaultFormat())
	require.NoError(t, err)
	require.NoError(t, sess.Write(ctx, loudPCM(3200)))
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, 1, h.sessions.ReapIdle(ctx))
	require.Equal(t, 0, h.sessions.Active())
}

func TestAnalysisQueueRejectsWhenFull(t *testing.T) {
	q := NewAnalysisQueue(nil, AnalysisQueueConfig{Workers: 1, QueueSize: 1}, nil)
	first, err := q.Submit("m-1", "a.wav")
	require.NoError(t, err)
	_, err = q.Submit("m-2", "b.wav")
	require.ErrorIs(t, err, appErr.ErrQueueFull)
	require.Equal(t, 1, q.Len())
	q.Stop()
	<-first.Done()
	require.ErrorIs(t, first.Err(), appErr.ErrUnavailable)
	_, err = q.Submit("m-3", "c.wav")
	require.ErrorIs(t, err, appErr.ErrUnavailable)
}

func TestAskValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, speech.Noop{}, speech.Noop{}, 8)
	_, err := h.meetings.Ask(ctx, "missing", "hi", 0)
	require.ErrorIs(t, err, appErr.ErrNotFound)
	m, err := h.meetings.Create(ctx, "q")
	require.NoError(t, err)
	_, err = h.meetings.Ask(ctx, m.ID, "   ", 0)
	require.ErrorIs(t, err, appErr.ErrInvalid)
	answer, err := h.meetings.Ask(ctx, m.ID, "anything?", 0)
	require.NoError(t, err)
	require.Equal(t, rag.OutcomeNotIndexed, answer.Outcome)
	_, err = h.meetings.Reindex(ctx, m.ID)
	require.ErrorIs(t, err, appErr.ErrConflict)
}

func TestExportFormats(t *testing.T) {
	m := &model.Meeting{
		Title:           "Plan <v2>",
		Status:          model.MeetingStatusCompleted,
		Summary:         "We planned.",
		DurationSeconds: 5,
		ActionItems:     []model.ActionItem{{Task: "ship", Assignee: "A", Status: model.ActionItemCompleted}},
		SpeakerStats:    map[string]float64{"A": 2, "B": 3},
		Transcript: []model.AlignedSegment{
			{Start: 0, End: 2, Speaker: "A", Text: "go"},
			{Start: 2, End: 5, Text: "ok"},
		},
	}
	md := RenderReport(m)
	require.Contains(t, md, "# Plan <v2>")
	require.Contains(t, md, "- [x] ship (A)")
	require.Less(t, strings.Index(md, "| B |"), strings.Index(md, "| A |"))
	require.Contains(t, md, "**UNKNOWN** `2.00s - 5.00s`: ok")

	ctx := context.Background()
	h := newHarness(t, speech.Noop{}, speech.Noop{}, 8)
	created, err := h.meetings.Create(ctx, "exported")
	require.NoError(t, err)
	body, ctype, err := h.meetings.Export(ctx, created.ID, "html")
	require.NoError(t, err)
	require.Equal(t, "text/html; charset=utf-8", ctype)
	require.Contains(t, string(body), "<h1>exported</h1>")
	_, _, err = h.meetings.Export(ctx, created.ID, "pdf")
	require.ErrorIs(t, err, appErr.ErrInvalid)
}
