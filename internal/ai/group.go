package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type GeneratorEntry struct {
	Name      string
	Generator IGenerator
}

type EmbedderEntry struct {
	Name     string
	Embedder IEmbedder
}

type groupGenerator struct {
	items []GeneratorEntry
}

// NewGroupGenerator tries each member in order until one answers.
func NewGroupGenerator(items []GeneratorEntry) IGenerator {
	if len(items) == 0 {
		return nil
	}
	return &groupGenerator{items: items}
}

func (g *groupGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return fallback(ctx, "generator", len(g.items), func(i int) (string, string, bool, error) {
		item := g.items[i]
		if item.Generator == nil {
			return "", item.Name, false, nil
		}
		res, err := item.Generator.Generate(ctx, prompt)
		return res, item.Name, true, err
	})
}

type groupEmbedder struct {
	items []EmbedderEntry
}

// NewGroupEmbedder chains embedders. Members must produce vectors of the same
// dimension or a fallback during Ask would not match the stored index.
func NewGroupEmbedder(items []EmbedderEntry) IEmbedder {
	if len(items) == 0 {
		return nil
	}
	return &groupEmbedder{items: items}
}

func (g *groupEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	return fallback(ctx, "embedder", len(g.items), func(i int) ([]float32, string, bool, error) {
		item := g.items[i]
		if item.Embedder == nil {
			return nil, item.Name, false, nil
		}
		res, err := item.Embedder.Embed(ctx, text, taskType)
		return res, item.Name, true, err
	})
}

// EmbedBatch runs the whole batch against one member at a time so every
// chunk of a meeting is embedded by the same model.
func (g *groupEmbedder) EmbedBatch(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	return fallback(ctx, "batch embedder", len(g.items), func(i int) ([][]float32, string, bool, error) {
		item := g.items[i]
		if item.Embedder == nil {
			return nil, item.Name, false, nil
		}
		res, err := EmbedAll(ctx, item.Embedder, texts, taskType, len(texts))
		return res, item.Name, true, err
	})
}

func (g *groupEmbedder) ModelName() string {
	names := make([]string, 0, len(g.items))
	for _, item := range g.items {
		if item.Name == "" {
			continue
		}
		names = append(names, item.Name)
	}
	if len(names) == 0 {
		return ""
	}
	return strings.Join(names, "|")
}

// fallback calls members in order. Members without credentials are skipped
// quietly; when every member is unconfigured the chain is ErrUnavailable.
func fallback[T any](ctx context.Context, kind string, n int, call func(i int) (T, string, bool, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 0; i < n; i++ {
		res, name, ok, err := call(i)
		if !ok {
			continue
		}
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrUnavailable) {
			logutil.GetLogger(ctx).Debug(kind+" not configured, skipped", zap.String("name", name))
			continue
		}
		lastErr = err
		logutil.GetLogger(ctx).Warn(kind+" failed", zap.Int("index", i), zap.String("name", name), zap.Error(err))
	}
	if lastErr == nil {
		return zero, fmt.Errorf("%s chain: %w", kind, ErrUnavailable)
	}
	return zero, lastErr
}
