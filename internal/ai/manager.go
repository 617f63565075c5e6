package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xxxsen/meetnote/internal/model"
)

type ManagerConfig struct {
	Timeout       int
	MaxInputChars int
}

// Manager owns the meeting level prompts. Both collaborators are optional;
// Available reports whether generation can be attempted at all.
type Manager struct {
	generator IGenerator
	embedder  IEmbedder
	cfg       ManagerConfig
}

func NewManager(generator IGenerator, embedder IEmbedder, cfg ManagerConfig) *Manager {
	return &Manager{
		generator: generator,
		embedder:  embedder,
		cfg:       cfg,
	}
}

func (m *Manager) Available() bool {
	return m != nil && m.generator != nil
}

func (m *Manager) Generator() IGenerator {
	if m == nil {
		return nil
	}
	return m.generator
}

func (m *Manager) Embedder() IEmbedder {
	if m == nil {
		return nil
	}
	return m.embedder
}

func (m *Manager) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	if m.embedder == nil {
		return nil, ErrUnavailable
	}
	return m.embedder.Embed(ctx, text, taskType)
}

func (m *Manager) Summarize(ctx context.Context, transcript string) (string, error) {
	if !m.Available() {
		return "", ErrUnavailable
	}
	prompt := fmt.Sprintf(`You are a meeting assistant.
Summarize the meeting transcript below in one short paragraph (3-5 sentences).
- Mention decisions and open questions.
- Refer to speakers by their labels.
- Use the same language as the transcript.
- Output ONLY the summary text.

TRANSCRIPT:
%s`, m.clip(transcript))
	return m.generateText(ctx, prompt)
}

func (m *Manager) ExtractActionItems(ctx context.Context, summary string) ([]model.ActionItem, error) {
	if !m.Available() {
		return nil, ErrUnavailable
	}
	prompt := fmt.Sprintf(`You are a meeting assistant.
List the action items agreed in the meeting described below.
- Return a JSON array of objects with keys "task" and "assignee".
- Use an empty string when no assignee is named.
- Return [] when there are no action items. No extra text.

MEETING:
%s`, m.clip(summary))
	result, err := m.generateText(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return parseActionItems(result)
}

func (m *Manager) generateText(ctx context.Context, prompt string) (string, error) {
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(m.cfg.Timeout)*time.Second)
		defer cancel()
	}
	resp, err := m.generator.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp)
	if text == "" {
		return "", fmt.Errorf("empty ai response")
	}
	return text, nil
}

func (m *Manager) clip(text string) string {
	if m.cfg.MaxInputChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= m.cfg.MaxInputChars {
		return text
	}
	return string(runes[:m.cfg.MaxInputChars])
}

func (m *Manager) MaxInputChars() int {
	return m.cfg.MaxInputChars
}

func (m *Manager) EmbeddingModelName() string {
	if m == nil || m.embedder == nil {
		return ""
	}
	return m.embedder.ModelName()
}

func parseActionItems(output string) ([]model.ActionItem, error) {
	clean := strings.TrimSpace(output)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	clean = strings.TrimSpace(clean)
	start := strings.Index(clean, "[")
	end := strings.LastIndex(clean, "]")
	if start >= 0 && end > start {
		clean = clean[start : end+1]
	}

	var raw []struct {
		Task     string `json:"task"`
		Assignee string `json:"assignee"`
	}
	if err := json.Unmarshal([]byte(clean), &raw); err != nil {
		return nil, fmt.Errorf("parse action items: %w", err)
	}
	items := make([]model.ActionItem, 0, len(raw))
	seen := make(map[string]bool)
	for _, r := range raw {
		task := strings.TrimSpace(r.Task)
		if task == "" {
			continue
		}
		key := strings.ToLower(task)
		if seen[key] {
			continue
		}
		seen[key] = true
		items = append(items, model.ActionItem{
			Task:     task,
			Assignee: strings.TrimSpace(r.Assignee),
			Status:   model.ActionItemPending,
		})
	}
	return items, nil
}
