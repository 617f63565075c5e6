package hub

import (
	"time"

	"github.com/xxxsen/meetnote/internal/model"
)

const (
	EventConnectionAck = "connection_ack"
	EventStatus        = "status"
	EventTranscript    = "transcript"
	EventSummary       = "summary"
	EventError         = "error"
)

// Event is the JSON message pushed to observers.
type Event struct {
	Type        string                 `json:"type"`
	MeetingID   string                 `json:"meeting_id"`
	Timestamp   string                 `json:"timestamp"`
	Status      string                 `json:"status,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Segment     *model.AlignedSegment  `json:"segment,omitempty"`
	Final       bool                   `json:"final,omitempty"`
	Summary     string                 `json:"summary,omitempty"`
	ActionItems []model.ActionItem     `json:"action_items,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

func newEvent(typ, meetingID string) Event {
	return Event{
		Type:      typ,
		MeetingID: meetingID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func ConnectionAck(meetingID string, details map[string]interface{}) Event {
	ev := newEvent(EventConnectionAck, meetingID)
	ev.Details = details
	return ev
}

func Status(meetingID, stage, message string) Event {
	ev := newEvent(EventStatus, meetingID)
	ev.Status = stage
	ev.Message = message
	return ev
}

// Transcript carries one segment. Live captions are sent with final=false,
// segments of the aligned transcript with final=true.
func Transcript(meetingID string, seg model.AlignedSegment, final bool) Event {
	ev := newEvent(EventTranscript, meetingID)
	ev.Segment = &seg
	ev.Final = final
	return ev
}

func Summary(meetingID, summary string, items []model.ActionItem) Event {
	ev := newEvent(EventSummary, meetingID)
	ev.Summary = summary
	ev.ActionItems = items
	if ev.ActionItems == nil {
		ev.ActionItems = []model.ActionItem{}
	}
	return ev
}

func Error(meetingID, msg string) Event {
	ev := newEvent(EventError, meetingID)
	ev.Error = msg
	return ev
}
