package model

// EmbeddingCache is a persisted vector keyed by model, task and content hash.
// Atime moves forward on every hit so chunks of meetings that keep getting
// reindexed stay cached.
type EmbeddingCache struct {
	ModelName   string    `json:"model_name"`
	TaskType    string    `json:"task_type"`
	ContentHash string    `json:"content_hash"`
	Embedding   []float32 `json:"embedding"`
	Dim         int       `json:"dim"`
	Ctime       int64     `json:"ctime"`
	Atime       int64     `json:"atime"`
}
