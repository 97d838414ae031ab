package session

import "time"

// State is a step of the session lifecycle.
type State string

const (
	StateLoadingModel State = "loading_model"
	StateRecording    State = "recording"
	StateTranscribing State = "transcribing"
	StateFinalizing   State = "finalizing"
	StateEnded        State = "ended"
	StateError        State = "error"
)

// EventType names an Event on the wire.
type EventType string

const (
	EventSessionStarted  EventType = "session_started"
	EventStatus          EventType = "status"
	EventTranscriptDelta EventType = "transcript_delta"
	EventProgress        EventType = "progress"
	EventSegmentComplete EventType = "segment_complete"
	EventSessionEnded    EventType = "session_ended"
	EventError           EventType = "error"
)

// Event is delivered to a Consumer. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType    `json:"type"`
	SessionID int64        `json:"session_id,omitempty"`
	StartedAt *time.Time   `json:"started_at,omitempty"`
	State     State        `json:"state,omitempty"`
	Device    string       `json:"device,omitempty"`
	Delta     string       `json:"delta,omitempty"`
	ElapsedMs int64        `json:"elapsed_ms,omitempty"`
	Segment   *FileSegment `json:"segment,omitempty"`
	Progress  float64      `json:"progress,omitempty"`
	DurationS float64      `json:"duration_s,omitempty"`
	Language  string       `json:"language,omitempty"`
	Cancelled bool         `json:"cancelled,omitempty"`
	Code      string       `json:"code,omitempty"`
	Message   string       `json:"message,omitempty"`
}

// FileSegment is one accepted segment with absolute timestamps.
type FileSegment struct {
	ID         int64   `json:"id,omitempty"`
	Text       string  `json:"text"`
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	Confidence float64 `json:"confidence"`
	Progress   float64 `json:"progress,omitempty"`
}

// Consumer receives ordered session events. An Emit error means the consumer
// is gone; the session keeps running and still finalizes.
type Consumer interface {
	Emit(Event) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(Event) error

// Emit implements Consumer.
func (f ConsumerFunc) Emit(ev Event) error { return f(ev) }

func errorEvent(err error) Event {
	return Event{Type: EventError, Code: CodeOf(err), Message: MessageOf(err)}
}
