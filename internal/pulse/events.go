package pulse

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrPublishFailed  = errors.New("publish failed")
)

type EventType string

const (
	EventTypeNewEvent           EventType = "new_event"
	EventTypeUpcomingEvent      EventType = "upcoming_event"
	EventTypeImportantEmail     EventType = "important_email"
	EventTypeConflict           EventType = "conflict"
	EventTypeSummary            EventType = "summary"
	EventTypeSystemNotification EventType = "system_notification"
	EventTypeChatMessage        EventType = "chat_message"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Event is the wire payload delivered over the channel transport. Data is
// one of the typed payloads below depending on Type. Events are never
// mutated after creation.
type Event struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Priority  Priority  `json:"priority"`
	Source    string    `json:"source"`
	Data      any       `json:"data,omitempty"`
}

type NewEventData struct {
	EventID   string    `json:"eventId"`
	Title     string    `json:"title"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Location  string    `json:"location,omitempty"`
}

type UpcomingEventData struct {
	EventID           string    `json:"eventId"`
	Title             string    `json:"title"`
	StartTime         time.Time `json:"startTime"`
	Location          string    `json:"location,omitempty"`
	MinutesUntilStart int       `json:"minutesUntilStart"`
	Reminder          string    `json:"reminder"`
}

type ImportantEmailData struct {
	MessageID string `json:"messageId"`
	Subject   string `json:"subject"`
	From      string `json:"from"`
	Score     int    `json:"score"`
}

type ChatMessageData struct {
	Text          string `json:"text"`
	SourceEventID string `json:"sourceEventId"`
}

func NewEventID() string {
	return uuid.NewString()
}

func knownEventType(t EventType) bool {
	switch t {
	case EventTypeNewEvent, EventTypeUpcomingEvent, EventTypeImportantEmail,
		EventTypeConflict, EventTypeSummary, EventTypeSystemNotification,
		EventTypeChatMessage:
		return true
	}
	return false
}
