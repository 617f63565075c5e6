package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xxxsen/meetnote/internal/model"
	appErr "github.com/xxxsen/meetnote/internal/pkg/errors"
)

type httpDiarizerConfig struct {
	Endpoint       string `json:"endpoint"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries"`
	NumSpeakers    int    `json:"num_speakers"`
}

// httpDiarizer uploads the recording to a diarization service that answers
// with [{"speaker","start","end"}].
type httpDiarizer struct {
	endpoint    string
	apiKey      string
	numSpeakers int
	client      *multipartClient
}

func init() {
	RegisterDiarizer("http", createHTTPDiarizer)
}

func createHTTPDiarizer(args interface{}) (Diarizer, error) {
	cfg := &httpDiarizerConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &httpDiarizer{
		endpoint:    strings.TrimSpace(cfg.Endpoint),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		numSpeakers: cfg.NumSpeakers,
		client: newMultipartClient(clientConfig{
			Timeout:       timeout,
			MaxRetries:    cfg.MaxRetries,
			MaxConcurrent: 2,
		}),
	}, nil
}

func (d *httpDiarizer) Available() bool {
	return d.endpoint != ""
}

func (d *httpDiarizer) Diarize(ctx context.Context, wavPath string) ([]model.DiarizationTurn, error) {
	if !d.Available() {
		return nil, appErr.ErrUnavailable
	}
	fields := map[string]string{}
	if d.numSpeakers > 0 {
		fields["num_speakers"] = strconv.Itoa(d.numSpeakers)
	}
	body, err := d.client.post(ctx, uploadRequest{
		endpoint: d.endpoint,
		apiKey:   d.apiKey,
		audio:    Audio{Path: wavPath},
		fields:   fields,
	})
	if err != nil {
		return nil, fmt.Errorf("diarize: %w", err)
	}
	return parseTurns(body)
}

func parseTurns(body []byte) ([]model.DiarizationTurn, error) {
	var turns []model.DiarizationTurn
	if err := json.Unmarshal(body, &turns); err != nil {
		return nil, fmt.Errorf("decode diarization: %w", err)
	}
	out := turns[:0]
	for _, t := range turns {
		if t.End < t.Start {
			continue
		}
		t.Speaker = strings.TrimSpace(t.Speaker)
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start < out[j].Start
	})
	return out, nil
}
