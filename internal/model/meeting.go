package model

const (
	MeetingStatusWaiting    = "waiting"
	MeetingStatusLive       = "live"
	MeetingStatusProcessing = "processing"
	MeetingStatusCompleted  = "completed"
	MeetingStatusFailed     = "failed"
)

const (
	ActionItemPending   = "pending"
	ActionItemCompleted = "completed"
	ActionItemCancelled = "cancelled"
)

type ActionItem struct {
	Task     string `json:"task"`
	Assignee string `json:"assignee,omitempty"`
	Status   string `json:"status"`
}

type Meeting struct {
	ID              string             `json:"id"`
	Title           string             `json:"title"`
	Status          string             `json:"status"`
	Transcript      []AlignedSegment   `json:"transcript"`
	Summary         string             `json:"summary"`
	ActionItems     []ActionItem       `json:"action_items"`
	RAGIndexed      bool               `json:"rag_indexed"`
	SpeakerStats    map[string]float64 `json:"speaker_stats"`
	DurationSeconds float64            `json:"duration_seconds"`
	AudioKey        string             `json:"audio_key,omitempty"`
	Error           string             `json:"error,omitempty"`
	Ctime           int64              `json:"ctime"`
	Mtime           int64              `json:"mtime"`
	StartedAt       int64              `json:"started_at,omitempty"`
	EndedAt         int64              `json:"ended_at,omitempty"`
}

// MeetingAnalysis is the output of the post-session pass, written wholesale.
type MeetingAnalysis struct {
	Transcript      []AlignedSegment
	Summary         string
	ActionItems     []ActionItem
	SpeakerStats    map[string]float64
	DurationSeconds float64
}

// MeetingFilter narrows meeting listings. Empty Statuses matches all.
type MeetingFilter struct {
	Statuses []string
	Limit    uint
	Offset   uint
}
