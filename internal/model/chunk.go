package model

// Chunk is a retrieval unit cut from an aligned transcript.
type Chunk struct {
	ID        int      `json:"chunk_id"`
	Text      string   `json:"text"`
	Speakers  []string `json:"speakers"`
	StartTime float64  `json:"start_time"`
	EndTime   float64  `json:"end_time"`
}
