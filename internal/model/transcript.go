package model

// TranscriptSegment is one unit produced by speech recognition, times in seconds.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// DiarizationTurn is an interval attributed to one speaker.
type DiarizationTurn struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

func (t DiarizationTurn) Duration() float64 {
	if t.End <= t.Start {
		return 0
	}
	return t.End - t.Start
}

// AlignedSegment is the canonical transcript record. An empty Speaker means
// no diarization turn could be attributed.
type AlignedSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
	Text    string  `json:"text"`
}

const UnknownSpeaker = "UNKNOWN"

func (s AlignedSegment) SpeakerLabel() string {
	if s.Speaker == "" {
		return UnknownSpeaker
	}
	return s.Speaker
}
