package ai

import (
	"fmt"

	"github.com/xxxsen/meetnote/internal/config"
)

// BuildGenerator creates the configured generator chain. It returns nil, and
// no error, when nothing is configured.
func BuildGenerator(items []config.ProviderConfig) (IGenerator, error) {
	entries := make([]GeneratorEntry, 0, len(items))
	for i, item := range items {
		p, err := NewProvider(item.Provider, item.Data)
		if err != nil {
			return nil, fmt.Errorf("init generator %d: %w", i, err)
		}
		entries = append(entries, GeneratorEntry{Name: entryName(item, i), Generator: NewGenerator(p, item.Model)})
	}
	if len(entries) == 1 {
		return entries[0].Generator, nil
	}
	return NewGroupGenerator(entries), nil
}

// BuildEmbedder creates the configured embedder chain, or nil when nothing is
// configured.
func BuildEmbedder(items []config.ProviderConfig) (IEmbedder, error) {
	entries := make([]EmbedderEntry, 0, len(items))
	for i, item := range items {
		p, err := NewEmbedProvider(item.Provider, item.Data)
		if err != nil {
			return nil, fmt.Errorf("init embedder %d: %w", i, err)
		}
		entries = append(entries, EmbedderEntry{Name: entryName(item, i), Embedder: NewEmbedder(p, item.Model)})
	}
	if len(entries) == 1 {
		return entries[0].Embedder, nil
	}
	return NewGroupEmbedder(entries), nil
}

func entryName(item config.ProviderConfig, idx int) string {
	if item.Name != "" {
		return item.Name
	}
	if item.Model != "" {
		return item.Provider + ":" + item.Model
	}
	return fmt.Sprintf("%s#%d", item.Provider, idx)
}
