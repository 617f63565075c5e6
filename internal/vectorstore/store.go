package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
)

// Metadata travels with every stored chunk and comes back with matches.
type Metadata struct {
	MeetingID string  `json:"meeting_id"`
	ChunkID   int     `json:"chunk_id"`
	Speakers  string  `json:"speakers"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

type Entry struct {
	ID       string
	Text     string
	Vector   []float32
	Metadata Metadata
}

type Match struct {
	ID       string
	Text     string
	Metadata Metadata
	// Score is the cosine similarity, higher is closer.
	Score float64
}

// Store keeps embeddings grouped in namespaces, one per meeting.
type Store interface {
	HasNamespace(ctx context.Context, namespace string) (bool, error)
	DeleteNamespace(ctx context.Context, namespace string) error
	Upsert(ctx context.Context, namespace string, entries []Entry) error
	// Query returns at most topK matches ordered by descending similarity.
	Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error)
}

type Deps struct {
	DB *sql.DB
}

type Factory func(deps Deps) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	registry[key] = factory
	registryMu.Unlock()
}

func New(name string, deps Deps) (Store, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("rag.vector_store is required")
	}
	registryMu.RLock()
	factory := registry[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported vector store: %s", name)
	}
	return factory(deps)
}
