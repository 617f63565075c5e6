package embedcache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

func buildCacheKey(modelName, taskType, text string) (string, string, string) {
	modelName = strings.TrimSpace(modelName)
	if modelName == "" {
		modelName = "unknown"
	}
	hash := sha256.Sum256([]byte(text))
	contentHash := hex.EncodeToString(hash[:])
	return "embed:" + modelName + ":" + taskType + ":" + contentHash, contentHash, modelName
}

func cloneEmbedding(values []float32) []float32 {
	if len(values) == 0 {
		return nil
	}
	clone := make([]float32, len(values))
	copy(clone, values)
	return clone
}

// embedMissing fills the nil slots of out by embedding only the texts at
// those positions, in one batched call.
func embedMissing(out [][]float32, texts []string, fetch func(missing []string) ([][]float32, error)) ([]int, error) {
	var idx []int
	var missing []string
	for i, vec := range out {
		if vec == nil {
			idx = append(idx, i)
			missing = append(missing, texts[i])
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	vecs, err := fetch(missing)
	if err != nil {
		return nil, err
	}
	for j, i := range idx {
		out[i] = vecs[j]
	}
	return idx, nil
}
