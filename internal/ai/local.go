package ai

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const defaultLocalDimensions = 256

type localConfig struct {
	Dimensions int `json:"dimensions"`
}

// localEmbedProvider is an offline feature-hashing embedder. Vectors are
// deterministic and L2 normalized, so cosine similarity reflects shared
// vocabulary. It needs no network and suits tests and air-gapped setups.
type localEmbedProvider struct {
	dims int
}

func NewLocalEmbedProvider(dims int) IEmbedProvider {
	if dims <= 0 {
		dims = defaultLocalDimensions
	}
	return &localEmbedProvider{dims: dims}
}

func (p *localEmbedProvider) Name() string {
	return "local"
}

func (p *localEmbedProvider) Embed(_ context.Context, _ string, text string, _ string) ([]float32, error) {
	vec := make([]float64, p.dims)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(p.dims))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, p.dims)
	if norm == 0 {
		return out, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func (p *localEmbedProvider) EmbedBatch(ctx context.Context, model string, texts []string, taskType string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := p.Embed(ctx, model, text, taskType)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func createLocalEmbedFactory(args interface{}) (IEmbedProvider, error) {
	cfg := &localConfig{}
	if args != nil {
		if err := decodeConfig(args, cfg); err != nil {
			return nil, err
		}
	}
	return NewLocalEmbedProvider(cfg.Dimensions), nil
}

func init() {
	RegisterEmbed("local", createLocalEmbedFactory)
}
