package speech

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/meetnote/internal/audio"
	"github.com/xxxsen/meetnote/internal/config"
	appErr "github.com/xxxsen/meetnote/internal/pkg/errors"
)

func TestNewTranscriberDefaultsToNoop(t *testing.T) {
	tr, err := NewTranscriber(config.SpeechConfig{})
	require.NoError(t, err)
	require.False(t, tr.Available())
	_, err = tr.Transcribe(context.Background(), Audio{Data: []byte("x")})
	require.ErrorIs(t, err, appErr.ErrUnavailable)

	d, err := NewDiarizer(config.SpeechConfig{Diarizer: config.ProviderConfig{Provider: "noop"}})
	require.NoError(t, err)
	require.False(t, d.Available())
}

func TestNewTranscriberUnknownProvider(t *testing.T) {
	_, err := NewTranscriber(config.SpeechConfig{Transcriber: config.ProviderConfig{Provider: "nope"}})
	require.Error(t, err)
}

func TestOpenAITranscriberWithoutKeyUnavailable(t *testing.T) {
	tr, err := NewTranscriber(config.SpeechConfig{Transcriber: config.ProviderConfig{Provider: "openai", Data: map[string]interface{}{}}})
	require.NoError(t, err)
	require.False(t, tr.Available())
	_, err = tr.Transcribe(context.Background(), Audio{Data: []byte("x")})
	require.ErrorIs(t, err, appErr.ErrUnavailable)
}

func TestOpenAITranscriberParsesSegments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		require.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "whisper-test", r.FormValue("model"))
		require.Equal(t, "verbose_json", r.FormValue("response_format"))
		require.Equal(t, "de", r.FormValue("language"))
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		require.Equal(t, "RIFF", string(data))
		_, _ = w.Write([]byte(`{"text":" hallo welt ","language":"de","duration":4.5,
			"segments":[{"start":2,"end":4.5,"text":" welt"},{"start":0,"end":2,"text":"hallo "},{"start":4.5,"end":4.5,"text":"  "}]}`))
	}))
	defer srv.Close()

	tr, err := NewTranscriber(config.SpeechConfig{
		Language: "de",
		Transcriber: config.ProviderConfig{
			Provider: "openai",
			Model:    "whisper-test",
			Data:     map[string]interface{}{"api_key": "k", "base_url": srv.URL + "/v1"},
		},
	})
	require.NoError(t, err)
	require.True(t, tr.Available())

	out, err := tr.Transcribe(context.Background(), Audio{Name: "a.wav", Data: []byte("RIFF")})
	require.NoError(t, err)
	require.Equal(t, "hallo welt", out.Text)
	require.Equal(t, 4.5, out.Duration)
	require.Len(t, out.Segments, 2)
	require.Equal(t, "hallo", out.Segments[0].Text)
	require.Equal(t, 2.0, out.Segments[1].Start)
}

func TestOpenAITranscriberSplitsLongRecording(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		require.LessOrEqual(t, len(data), 44+3200)
		require.Equal(t, "RIFF", string(data[:4]))
		_, _ = w.Write([]byte(`{"text":"part","language":"en","duration":0.1,"segments":[{"start":0,"end":0.1,"text":"part"}]}`))
	}))
	defer srv.Close()

	wav, err := audio.EncodeWAV(make([]byte, 8000), audio.DefaultFormat())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "meeting.wav")
	require.NoError(t, os.WriteFile(path, wav, 0o644))

	tr, err := NewTranscriber(config.SpeechConfig{Transcriber: config.ProviderConfig{
		Provider: "openai",
		Data:     map[string]interface{}{"api_key": "k", "base_url": srv.URL, "max_upload_bytes": 44 + 3200},
	}})
	require.NoError(t, err)
	out, err := tr.Transcribe(context.Background(), Audio{Path: path})
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, "part part part", out.Text)
	require.Equal(t, "en", out.Language)
	require.InDelta(t, 0.3, out.Duration, 1e-9)
	require.Len(t, out.Segments, 3)
	for i, seg := range out.Segments {
		require.InDelta(t, 0.1*float64(i), seg.Start, 1e-9)
		require.InDelta(t, 0.1*float64(i+1), seg.End, 1e-9)
	}
}

func TestClientRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	c := newMultipartClient(clientConfig{MaxRetries: 3, BaseBackoff: time.Millisecond})
	body, err := c.post(context.Background(), uploadRequest{endpoint: srv.URL, audio: Audio{Data: []byte("x")}})
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, uint64(2), c.retries.Load())
}

func TestClientDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newMultipartClient(clientConfig{MaxRetries: 3, BaseBackoff: time.Millisecond})
	_, err := c.post(context.Background(), uploadRequest{endpoint: srv.URL, audio: Audio{Data: []byte("x")}})
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, uint64(1), c.failures.Load())
}

func TestHTTPDiarizerSortsTurns(t *testing.T) {
	dir := t.TempDir()
	wav := filepath.Join(dir, "m.wav")
	require.NoError(t, os.WriteFile(wav, []byte("RIFFDATA"), 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "2", r.FormValue("num_speakers"))
		_, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		require.Equal(t, "m.wav", hdr.Filename)
		_, _ = w.Write([]byte(`[{"speaker":"B","start":5,"end":9},{"speaker":" A ","start":0,"end":5},{"speaker":"C","start":3,"end":1}]`))
	}))
	defer srv.Close()

	d, err := NewDiarizer(config.SpeechConfig{Diarizer: config.ProviderConfig{
		Provider: "http",
		Data:     map[string]interface{}{"endpoint": srv.URL, "num_speakers": 2},
	}})
	require.NoError(t, err)
	require.True(t, d.Available())

	turns, err := d.Diarize(context.Background(), wav)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "A", turns[0].Speaker)
	require.Equal(t, "B", turns[1].Speaker)
}
