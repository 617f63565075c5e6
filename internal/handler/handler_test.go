package handler_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/xxxsen/common/webapi"

	"github.com/xxxsen/meetnote/internal/ai"
	"github.com/xxxsen/meetnote/internal/audio"
	"github.com/xxxsen/meetnote/internal/config"
	"github.com/xxxsen/meetnote/internal/filestore"
	"github.com/xxxsen/meetnote/internal/handler"
	"github.com/xxxsen/meetnote/internal/hub"
	"github.com/xxxsen/meetnote/internal/metrics"
	"github.com/xxxsen/meetnote/internal/middleware"
	"github.com/xxxsen/meetnote/internal/model"
	"github.com/xxxsen/meetnote/internal/pkg/errcode"
	"github.com/xxxsen/meetnote/internal/pkg/jwt"
	"github.com/xxxsen/meetnote/internal/rag"
	"github.com/xxxsen/meetnote/internal/repo"
	"github.com/xxxsen/meetnote/internal/service"
	"github.com/xxxsen/meetnote/internal/speech"
	"github.com/xxxsen/meetnote/internal/vectorstore"
)

type fileTranscriber struct{}

func (fileTranscriber) Available() bool { return true }

func (fileTranscriber) Transcribe(_ context.Context, a speech.Audio) (*speech.Transcript, error) {
	if a.Path == "" {
		return &speech.Transcript{Text: "caption"}, nil
	}
	return &speech.Transcript{
		Text: "hello world",
		Segments: []model.TranscriptSegment{
			{Start: 0, End: 2, Text: "hello"},
			{Start: 2, End: 5, Text: "world"},
		},
	}, nil
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type testServer struct {
	handler http.Handler
	records *repo.MemoryMeetingRepo
	queue   *service.AnalysisQueue
	secret  []byte
}

func setupServer(t *testing.T, secret []byte) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recordingDir := t.TempDir()
	files, err := filestore.New(config.FileStoreConfig{Type: "local", Data: map[string]interface{}{"dir": t.TempDir()}})
	require.NoError(t, err)

	records := repo.NewMemoryMeetingRepo()
	h := hub.New()
	m := metrics.NewMetrics()
	embedder := ai.NewEmbedder(ai.NewLocalEmbedProvider(512), "hash")
	store := vectorstore.NewMemory()
	indexer := rag.NewIndexer(store, embedder, rag.IndexerConfig{})
	engine := rag.NewEngine(store, embedder, nil, rag.EngineConfig{})
	pipeline := service.NewPipeline(service.PipelineDeps{
		Records:     records,
		Hub:         h,
		Transcriber: fileTranscriber{},
		Indexer:     indexer,
		Files:       files,
		Metrics:     m,
	})
	queue := service.NewAnalysisQueue(pipeline, service.AnalysisQueueConfig{Workers: 1, QueueSize: 4, Timeout: time.Minute}, m)
	queue.Start(context.Background())
	t.Cleanup(queue.Stop)
	sessions := service.NewSessionManager(service.SessionConfig{ChunkSeconds: 0.1, RecordingDir: recordingDir}, service.SessionDeps{
		Records:     records,
		Hub:         h,
		Transcriber: fileTranscriber{},
		Queue:       queue,
		Metrics:     m,
	})
	meetings := service.NewMeetingService(service.MeetingServiceDeps{
		Records: records,
		Indexer: indexer,
		Engine:  engine,
		Files:   files,
		Hub:     h,
		Metrics: m,
	})
	deps := handler.RouterDeps{
		Meetings:  handler.NewMeetingHandler(meetings),
		Ingest:    handler.NewIngestHandler(sessions, handler.IngestConfig{Format: audio.DefaultFormat()}),
		Events:    handler.NewEventsHandler(meetings, h, m),
		Health:    handler.NewHealthHandler(sessions, queue, h, handler.HealthCheck{Transcriber: true, Embedder: true}),
		Metrics:   m,
		JWTSecret: secret,
	}
	router, err := webapi.NewEngine(
		"/api/v1",
		"",
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(nil),
		),
	)
	require.NoError(t, err)
	return &testServer{handler: router, records: records, queue: queue, secret: secret}
}

func (s *testServer) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	s.handler.ServeHTTP(resp, req)
	return resp
}

func decode(t *testing.T, resp *httptest.ResponseRecorder, dst interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &env))
	if dst != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, dst))
	}
	return env
}

func TestMeetingRoutes(t *testing.T) {
	s := setupServer(t, nil)

	resp := s.do(t, http.MethodPost, "/api/v1/meetings", `{"title":"standup"}`, "")
	require.Equal(t, http.StatusOK, resp.Code)
	var created model.Meeting
	decode(t, resp, &created)
	require.Equal(t, "standup", created.Title)
	require.Equal(t, model.MeetingStatusWaiting, created.Status)

	resp = s.do(t, http.MethodGet, "/api/v1/meetings/"+created.ID, "", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var got struct {
		ID        string `json:"id"`
		Observers int    `json:"observers"`
	}
	decode(t, resp, &got)
	require.Equal(t, created.ID, got.ID)
	require.Equal(t, 0, got.Observers)

	resp = s.do(t, http.MethodGet, "/api/v1/meetings?status=waiting&limit=10", "", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var list struct {
		Meetings []model.Meeting `json:"meetings"`
	}
	decode(t, resp, &list)
	require.Len(t, list.Meetings, 1)

	resp = s.do(t, http.MethodGet, "/api/v1/meetings/missing", "", "")
	require.Equal(t, http.StatusNotFound, resp.Code)
	env := decode(t, resp, nil)
	require.Equal(t, errcode.ErrNotFound, env.Code)

	resp = s.do(t, http.MethodPost, "/api/v1/meetings/"+created.ID+"/ask", `{"question":""}`, "")
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = s.do(t, http.MethodPost, "/api/v1/meetings/"+created.ID+"/ask", `{"question":"who spoke?"}`, "")
	require.Equal(t, http.StatusOK, resp.Code)
	var answer rag.Answer
	decode(t, resp, &answer)
	require.Equal(t, rag.OutcomeNotIndexed, answer.Outcome)

	resp = s.do(t, http.MethodPost, "/api/v1/meetings/"+created.ID+"/reindex", "", "")
	require.Equal(t, http.StatusConflict, resp.Code)

	resp = s.do(t, http.MethodGet, "/api/v1/meetings/"+created.ID+"/export?format=md", "", "")
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Header().Get("Content-Type"), "text/markdown")
	require.Contains(t, resp.Body.String(), "# standup")

	resp = s.do(t, http.MethodGet, "/api/v1/meetings/"+created.ID+"/export?format=docx", "", "")
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = s.do(t, http.MethodGet, "/api/v1/meetings/"+created.ID+"/recording", "", "")
	require.Equal(t, http.StatusNotFound, resp.Code)

	resp = s.do(t, http.MethodGet, "/api/v1/healthz", "", "")
	require.Equal(t, http.StatusOK, resp.Code)

	resp = s.do(t, http.MethodGet, "/api/v1/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Body.String(), "meetnote_http_requests_total")
}

func TestMeetingRoutesRequireToken(t *testing.T) {
	secret := []byte("test-secret")
	s := setupServer(t, secret)

	resp := s.do(t, http.MethodPost, "/api/v1/meetings", `{"title":"x"}`, "")
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	env := decode(t, resp, nil)
	require.Equal(t, errcode.ErrUnauthorized, env.Code)

	token, err := jwt.GenerateToken("u1", "u1@example.com", "", secret, time.Hour)
	require.NoError(t, err)
	resp = s.do(t, http.MethodPost, "/api/v1/meetings", `{"title":"x"}`, token)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = s.do(t, http.MethodGet, "/api/v1/healthz", "", "")
	require.Equal(t, http.StatusOK, resp.Code)
}

func speechPCM(n int) []byte {
	out := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		v := int16(6000)
		if (i/2)%2 == 1 {
			v = -6000
		}
		binary.LittleEndian.PutUint16(out[i:], uint16(v))
	}
	return out
}

func readEvent(t *testing.T, conn *websocket.Conn) hub.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var ev hub.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestIngestAndObserveOverWebsocket(t *testing.T) {
	s := setupServer(t, nil)
	srv := httptest.NewServer(s.handler)
	defer srv.Close()
	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")

	resp := s.do(t, http.MethodPost, "/api/v1/meetings", `{"title":"ws"}`, "")
	var created model.Meeting
	decode(t, resp, &created)

	observer, _, err := websocket.DefaultDialer.Dial(wsBase+"/api/v1/meetings/"+created.ID+"/events", nil)
	require.NoError(t, err)
	defer observer.Close()
	ack := readEvent(t, observer)
	require.Equal(t, hub.EventConnectionAck, ack.Type)
	require.Equal(t, created.ID, ack.MeetingID)

	ingest, _, err := websocket.DefaultDialer.Dial(wsBase+"/api/v1/ingest", nil)
	require.NoError(t, err)
	defer ingest.Close()
	require.NoError(t, ingest.WriteJSON(map[string]interface{}{"meeting_id": created.ID, "sample_rate": 16000}))
	ack = readEvent(t, ingest)
	require.Equal(t, hub.EventConnectionAck, ack.Type)
	require.EqualValues(t, 16000, ack.Details["sample_rate"])

	require.NoError(t, ingest.WriteMessage(websocket.BinaryMessage, speechPCM(3200)))
	require.NoError(t, ingest.WriteMessage(websocket.BinaryMessage, speechPCM(3200)))
	require.NoError(t, ingest.WriteMessage(websocket.TextMessage, []byte(`{"type":"end"}`)))
	queued := readEvent(t, ingest)
	require.Equal(t, hub.EventStatus, queued.Type)
	require.Equal(t, service.StageProcessing, queued.Status)

	var finals []string
	for {
		ev := readEvent(t, observer)
		if ev.Type == hub.EventTranscript && ev.Final {
			finals = append(finals, ev.Segment.Text)
		}
		if ev.Type == hub.EventStatus && ev.Status == service.StageCompleted {
			break
		}
		require.NotEqual(t, hub.EventError, ev.Type)
	}
	require.Equal(t, []string{"hello", "world"}, finals)

	resp = s.do(t, http.MethodGet, "/api/v1/meetings/"+created.ID+"/transcript", "", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var transcript struct {
		Transcript string `json:"transcript"`
	}
	decode(t, resp, &transcript)
	require.Equal(t, "[UNKNOWN] 0.00s - 2.00s: hello\n\n[UNKNOWN] 2.00s - 5.00s: world", transcript.Transcript)

	resp = s.do(t, http.MethodGet, "/api/v1/meetings/"+created.ID+"/recording", "", "")
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "audio/wav", resp.Header().Get("Content-Type"))
	require.True(t, bytes.HasPrefix(resp.Body.Bytes(), []byte("RIFF")))
}

func TestIngestRejectsUnknownMeeting(t *testing.T) {
	s := setupServer(t, nil)
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ingest", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"meeting_id": "nope"}))
	ev := readEvent(t, conn)
	require.Equal(t, hub.EventError, ev.Type)
	require.Contains(t, ev.Error, "not found")
}
