package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/meetnote/internal/audio"
	"github.com/xxxsen/meetnote/internal/model"
	appErr "github.com/xxxsen/meetnote/internal/pkg/errors"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultWhisperModel  = "whisper-1"
)

// Whisper endpoints reject uploads above 25 MB, about 13 minutes of 16 kHz
// mono 16-bit audio.
const defaultMaxUploadBytes = 24 << 20

type openAIConfig struct {
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRetries     *int   `json:"max_retries"`
	MaxConcurrent  int    `json:"max_concurrent"`
	MaxUploadBytes int64  `json:"max_upload_bytes"`
}

// whisperTranscriber talks to any endpoint compatible with the OpenAI
// audio transcription API.
type whisperTranscriber struct {
	apiKey   string
	endpoint string
	model    string
	language string
	maxBytes int64
	client   *multipartClient
}

type verboseTranscript struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func init() {
	RegisterTranscriber("openai", createOpenAITranscriber)
}

func createOpenAITranscriber(args interface{}, language string) (Transcriber, error) {
	cfg := &openAIConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		modelName = defaultWhisperModel
	}
	retries := 3
	if cfg.MaxRetries != nil {
		retries = *cfg.MaxRetries
	}
	maxBytes := cfg.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxUploadBytes
	}
	return &whisperTranscriber{
		apiKey:   strings.TrimSpace(cfg.APIKey),
		endpoint: strings.TrimRight(baseURL, "/") + "/audio/transcriptions",
		model:    modelName,
		language: language,
		maxBytes: maxBytes,
		client: newMultipartClient(clientConfig{
			Timeout:       time.Duration(cfg.TimeoutSeconds) * time.Second,
			MaxRetries:    retries,
			MaxConcurrent: cfg.MaxConcurrent,
		}),
	}, nil
}

func (t *whisperTranscriber) Available() bool {
	return t.apiKey != ""
}

func (t *whisperTranscriber) Transcribe(ctx context.Context, a Audio) (*Transcript, error) {
	if !t.Available() {
		return nil, appErr.ErrUnavailable
	}
	size := int64(len(a.Data))
	if a.Data == nil && a.Path != "" {
		info, err := os.Stat(a.Path)
		if err != nil {
			return nil, fmt.Errorf("stat recording: %w", err)
		}
		size = info.Size()
		if size > t.maxBytes {
			return t.transcribeParts(ctx, a.Path, size)
		}
	}
	out, err := t.upload(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("transcribe %d bytes: %w", size, err)
	}
	return out, nil
}

func (t *whisperTranscriber) upload(ctx context.Context, a Audio) (*Transcript, error) {
	body, err := t.client.post(ctx, uploadRequest{
		endpoint: t.endpoint,
		apiKey:   t.apiKey,
		audio:    a,
		fields: map[string]string{
			"model":           t.model,
			"response_format": "verbose_json",
			"language":        t.language,
		},
	})
	if err != nil {
		return nil, err
	}
	return parseVerboseTranscript(body)
}

// transcribeParts uploads a recording that exceeds the endpoint limit in
// consecutive parts and shifts each part's segments by its start offset.
func (t *whisperTranscriber) transcribeParts(ctx context.Context, path string, size int64) (*Transcript, error) {
	logutil.GetLogger(ctx).Info("recording exceeds upload limit, transcribing in parts",
		zap.String("path", path), zap.Int64("bytes", size), zap.Int64("max_upload_bytes", t.maxBytes))
	out := &Transcript{Segments: []model.TranscriptSegment{}}
	var texts []string
	idx := 0
	err := audio.SplitWAV(path, t.maxBytes, func(part []byte, offset float64) error {
		idx++
		res, err := t.upload(ctx, Audio{Name: fmt.Sprintf("part-%03d.wav", idx), Data: part})
		if err != nil {
			return fmt.Errorf("transcribe part %d at %.2fs (%d bytes): %w", idx, offset, len(part), err)
		}
		if res.Text != "" {
			texts = append(texts, res.Text)
		}
		if out.Language == "" {
			out.Language = res.Language
		}
		for _, seg := range res.Segments {
			seg.Start += offset
			seg.End += offset
			out.Segments = append(out.Segments, seg)
		}
		out.Duration = offset + res.Duration
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Text = strings.Join(texts, " ")
	return out, nil
}

func parseVerboseTranscript(body []byte) (*Transcript, error) {
	var resp verboseTranscript
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	out := &Transcript{
		Text:     strings.TrimSpace(resp.Text),
		Language: resp.Language,
		Duration: resp.Duration,
		Segments: make([]model.TranscriptSegment, 0, len(resp.Segments)),
	}
	for _, seg := range resp.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		end := seg.End
		if end < seg.Start {
			end = seg.Start
		}
		out.Segments = append(out.Segments, model.TranscriptSegment{Start: seg.Start, End: end, Text: text})
	}
	sort.SliceStable(out.Segments, func(i, j int) bool {
		return out.Segments[i].Start < out.Segments[j].Start
	})
	return out, nil
}
