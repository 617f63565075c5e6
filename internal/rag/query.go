package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/meetnote/internal/ai"
	"github.com/xxxsen/meetnote/internal/vectorstore"
)

const DefaultTopK = 3

type Outcome string

const (
	OutcomeAnswered          Outcome = "answered"
	OutcomeNotIndexed        Outcome = "not_indexed"
	OutcomeNoRelevantContent Outcome = "no_relevant_content"
)

const (
	noRelevantAnswer     = "I couldn't find any relevant information in the meeting transcript."
	retrievalOnlyPrefix  = "Here's what was discussed:\n\n"
	generatorFailPrefix  = "Based on the meeting transcript:\n\n"
	retrievalOnlyLimit   = 500
	generatorFailLimit   = 400
	sourcePreviewLimit   = 200
	contextSeparator     = "\n\n---\n\n"
	groundedPromptFormat = `You are an AI assistant helping users understand their meeting transcripts.
Answer the user's question based ONLY on the provided context. If the answer is not in the context, say so clearly.

Context from meeting:
%s

Question: %s

Answer:`
)

type Source struct {
	ChunkID       int      `json:"chunk_id"`
	Text          string   `json:"text"`
	Speakers      []string `json:"speakers"`
	Timestamp     float64  `json:"timestamp"`
	RelevanceRank int      `json:"relevance_rank"`
}

type Answer struct {
	Outcome   Outcome  `json:"outcome"`
	MeetingID string   `json:"meeting_id"`
	Question  string   `json:"question"`
	Answer    string   `json:"answer"`
	Sources   []Source `json:"sources"`
}

type EngineConfig struct {
	TopK            int
	GenerateTimeout time.Duration
}

// Engine answers questions about one meeting from its indexed chunks. The
// generator is optional; without it answers are retrieval only.
type Engine struct {
	store     vectorstore.Store
	embedder  ai.IEmbedder
	generator ai.IGenerator
	cfg       EngineConfig
}

func NewEngine(store vectorstore.Store, embedder ai.IEmbedder, generator ai.IGenerator, cfg EngineConfig) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	return &Engine{store: store, embedder: embedder, generator: generator, cfg: cfg}
}

// Query embeds the question, retrieves the closest chunks and composes an
// answer. A meeting without an index yields OutcomeNotIndexed, not an error.
func (e *Engine) Query(ctx context.Context, meetingID, question string, topK int) (*Answer, error) {
	if topK <= 0 {
		topK = e.cfg.TopK
	}
	out := &Answer{MeetingID: meetingID, Question: question, Sources: []Source{}}
	ns := Namespace(meetingID)
	ok, err := e.store.HasNamespace(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("check namespace: %w", err)
	}
	if !ok {
		out.Outcome = OutcomeNotIndexed
		return out, nil
	}
	if e.embedder == nil {
		return nil, ai.ErrUnavailable
	}
	vec, err := e.embedder.Embed(ctx, question, ai.TaskRetrievalQuery)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	matches, err := e.store.Query(ctx, ns, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("query store: %w", err)
	}
	if len(matches) == 0 {
		out.Outcome = OutcomeNoRelevantContent
		out.Answer = noRelevantAnswer
		return out, nil
	}

	contexts := make([]string, 0, len(matches))
	for i, m := range matches {
		contexts = append(contexts, m.Text)
		out.Sources = append(out.Sources, Source{
			ChunkID:       m.Metadata.ChunkID,
			Text:          preview(m.Text),
			Speakers:      splitSpeakers(m.Metadata.Speakers),
			Timestamp:     m.Metadata.StartTime,
			RelevanceRank: i + 1,
		})
	}
	out.Outcome = OutcomeAnswered
	out.Answer = e.compose(ctx, question, contexts)
	return out, nil
}

func (e *Engine) compose(ctx context.Context, question string, contexts []string) string {
	if e.generator == nil {
		return retrievalOnlyPrefix + truncate(contexts[0], retrievalOnlyLimit)
	}
	if e.cfg.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.GenerateTimeout)
		defer cancel()
	}
	prompt := fmt.Sprintf(groundedPromptFormat, strings.Join(contexts, contextSeparator), question)
	answer, err := e.generator.Generate(ctx, prompt)
	if err == nil {
		answer = strings.TrimSpace(answer)
	}
	if err != nil || answer == "" {
		logutil.GetLogger(ctx).Warn("answer generation failed, using retrieved context", zap.Error(err))
		return generatorFailPrefix + truncate(contexts[0], generatorFailLimit)
	}
	return answer
}

func preview(text string) string {
	if len([]rune(text)) > sourcePreviewLimit {
		return truncate(text, sourcePreviewLimit) + "..."
	}
	return text
}

func truncate(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}

func splitSpeakers(joined string) []string {
	if joined == "" {
		return []string{}
	}
	return strings.Split(joined, ",")
}
