// Package speech holds the speech-to-text and diarization collaborators.
// Both are optional: factories hand out noop implementations when nothing is
// configured and callers branch on Available.
package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xxxsen/meetnote/internal/config"
	"github.com/xxxsen/meetnote/internal/model"
	appErr "github.com/xxxsen/meetnote/internal/pkg/errors"
)

// Audio is either an in-memory WAV payload or a WAV file on disk.
type Audio struct {
	Name string
	Data []byte
	Path string
}

type Transcript struct {
	Text     string                    `json:"text"`
	Language string                    `json:"language,omitempty"`
	Duration float64                   `json:"duration,omitempty"`
	Segments []model.TranscriptSegment `json:"segments"`
}

type Transcriber interface {
	Available() bool
	Transcribe(ctx context.Context, audio Audio) (*Transcript, error)
}

type Diarizer interface {
	Available() bool
	// Diarize returns speaker turns of the recording ordered by start time.
	Diarize(ctx context.Context, wavPath string) ([]model.DiarizationTurn, error)
}

type TranscriberFactory func(args interface{}, language string) (Transcriber, error)

type DiarizerFactory func(args interface{}) (Diarizer, error)

var (
	registryMu   sync.RWMutex
	transcribers = map[string]TranscriberFactory{}
	diarizers    = map[string]DiarizerFactory{}
)

func RegisterTranscriber(name string, factory TranscriberFactory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	transcribers[key] = factory
	registryMu.Unlock()
}

func RegisterDiarizer(name string, factory DiarizerFactory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	diarizers[key] = factory
	registryMu.Unlock()
}

func NewTranscriber(cfg config.SpeechConfig) (Transcriber, error) {
	key := strings.ToLower(strings.TrimSpace(cfg.Transcriber.Provider))
	if key == "" || key == "noop" {
		return Noop{}, nil
	}
	registryMu.RLock()
	factory := transcribers[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported transcriber: %s", cfg.Transcriber.Provider)
	}
	return factory(withModel(cfg.Transcriber), cfg.Language)
}

func NewDiarizer(cfg config.SpeechConfig) (Diarizer, error) {
	key := strings.ToLower(strings.TrimSpace(cfg.Diarizer.Provider))
	if key == "" || key == "noop" {
		return Noop{}, nil
	}
	registryMu.RLock()
	factory := diarizers[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported diarizer: %s", cfg.Diarizer.Provider)
	}
	return factory(withModel(cfg.Diarizer))
}

// withModel folds the top level model name into the provider data so
// factories only decode one object.
func withModel(p config.ProviderConfig) interface{} {
	data := map[string]interface{}{}
	if m, ok := p.Data.(map[string]interface{}); ok {
		for k, v := range m {
			data[k] = v
		}
	}
	if p.Model != "" {
		data["model"] = p.Model
	}
	return data
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return fmt.Errorf("speech provider config is required")
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode speech provider config: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode speech provider config: %w", err)
	}
	return nil
}

// Noop is the unconfigured transcriber and diarizer.
type Noop struct{}

func (Noop) Available() bool {
	return false
}

func (Noop) Transcribe(context.Context, Audio) (*Transcript, error) {
	return nil, appErr.ErrUnavailable
}

func (Noop) Diarize(context.Context, string) ([]model.DiarizationTurn, error) {
	return nil, appErr.ErrUnavailable
}
