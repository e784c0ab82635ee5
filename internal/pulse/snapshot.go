package pulse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type Attendee struct {
	Email          string `json:"email"`
	ResponseStatus string `json:"responseStatus,omitempty"`
}

// CalendarItem is an interval-bearing calendar entry from an imported
// snapshot. Items are immutable once detection runs on them; the pipeline
// never sees an item whose StartTime is not strictly before EndTime.
type CalendarItem struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	StartTime      time.Time  `json:"startTime"`
	EndTime        time.Time  `json:"endTime"`
	Location       string     `json:"location,omitempty"`
	Description    string     `json:"description,omitempty"`
	Attendees      []Attendee `json:"attendees,omitempty"`
	RecurrenceRule string     `json:"recurrenceRule,omitempty"`
}

func (c CalendarItem) Duration() time.Duration {
	return c.EndTime.Sub(c.StartTime)
}

type MailMessage struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	From       string    `json:"from"`
	Body       string    `json:"body,omitempty"`
	ReceivedAt time.Time `json:"receivedAt,omitempty"`
}

// Snapshot is one importer drop for a single user: the current calendar
// and mailbox view plus the calendar item IDs the importer has already
// persisted, used for new-event detection.
type Snapshot struct {
	UserID           string         `json:"userId"`
	UserEmail        string         `json:"userEmail,omitempty"`
	CapturedAt       time.Time      `json:"capturedAt"`
	CalendarItems    []CalendarItem `json:"calendarItems,omitempty"`
	Messages         []MailMessage  `json:"messages,omitempty"`
	ExistingEventIDs []string       `json:"existingEventIds,omitempty"`
}

const snapshotSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["userId", "capturedAt"],
  "properties": {
    "userId": {"type": "string", "minLength": 1},
    "userEmail": {"type": "string"},
    "capturedAt": {"type": "string"},
    "calendarItems": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "title", "startTime", "endTime"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string"},
          "startTime": {"type": "string"},
          "endTime": {"type": "string"},
          "location": {"type": "string"},
          "description": {"type": "string"},
          "recurrenceRule": {"type": "string"},
          "attendees": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["email"],
              "properties": {
                "email": {"type": "string"},
                "responseStatus": {"type": "string"}
              }
            }
          }
        }
      }
    },
    "messages": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "subject", "from"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "subject": {"type": "string"},
          "from": {"type": "string"},
          "body": {"type": "string"},
          "receivedAt": {"type": "string"}
        }
      }
    },
    "existingEventIds": {
      "type": "array",
      "items": {"type": "string"}
    }
  }
}`

var snapshotSchema = mustCompileSnapshotSchema()

func mustCompileSnapshotSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(snapshotSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("snapshot schema unmarshal: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("snapshot.json", doc); err != nil {
		panic(fmt.Sprintf("snapshot schema resource: %v", err))
	}
	schema, err := compiler.Compile("snapshot.json")
	if err != nil {
		panic(fmt.Sprintf("snapshot schema compile: %v", err))
	}
	return schema
}

// DecodeSnapshot validates raw snapshot JSON against the schema and
// decodes it. Calendar items that cannot produce a well-formed interval
// (zero or inverted time range) are excluded here, so detection never has
// to re-validate them.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := snapshotSchema.Validate(instance); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	snap.UserID = strings.TrimSpace(snap.UserID)
	if snap.UserID == "" {
		return Snapshot{}, fmt.Errorf("%w: missing userId", ErrInvalidInput)
	}
	snap.CalendarItems = filterWellFormedItems(snap.CalendarItems)
	return snap, nil
}

func filterWellFormedItems(items []CalendarItem) []CalendarItem {
	if len(items) == 0 {
		return items
	}
	kept := make([]CalendarItem, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.ID) == "" {
			continue
		}
		if item.StartTime.IsZero() || item.EndTime.IsZero() {
			continue
		}
		if !item.StartTime.Before(item.EndTime) {
			continue
		}
		kept = append(kept, item)
	}
	return kept
}
