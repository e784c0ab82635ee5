package pulse

import (
	"errors"
	"testing"
)

const validSnapshotJSON = `{
  "userId": "u1",
  "userEmail": "user@example.com",
  "capturedAt": "2026-09-01T08:00:00Z",
  "calendarItems": [
    {"id": "c1", "title": "Planning", "startTime": "2026-09-01T09:00:00Z", "endTime": "2026-09-01T10:00:00Z"},
    {"id": "c2", "title": "Inverted", "startTime": "2026-09-01T11:00:00Z", "endTime": "2026-09-01T10:00:00Z"}
  ],
  "messages": [
    {"id": "m1", "subject": "urgent: approve release", "from": "ops@example.com"}
  ],
  "existingEventIds": ["c1"]
}`

func TestDecodeSnapshot(t *testing.T) {
	snap, err := DecodeSnapshot([]byte(validSnapshotJSON))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.UserID != "u1" || snap.UserEmail != "user@example.com" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(snap.CalendarItems) != 1 || snap.CalendarItems[0].ID != "c1" {
		t.Fatalf("inverted interval must be filtered, got %+v", snap.CalendarItems)
	}
	if len(snap.Messages) != 1 || len(snap.ExistingEventIDs) != 1 {
		t.Fatalf("unexpected snapshot contents: %+v", snap)
	}
}

func TestDecodeSnapshotRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{"userId": `},
		{"missing userId", `{"capturedAt": "2026-09-01T08:00:00Z"}`},
		{"blank userId", `{"userId": "  ", "capturedAt": "2026-09-01T08:00:00Z"}`},
		{"item missing id", `{"userId": "u1", "capturedAt": "2026-09-01T08:00:00Z", "calendarItems": [{"title": "x", "startTime": "2026-09-01T09:00:00Z", "endTime": "2026-09-01T10:00:00Z"}]}`},
		{"message no id", `{"userId": "u1", "capturedAt": "2026-09-01T08:00:00Z", "messages": [{"subject": "x", "from": "y"}]}`},
		{"wrong types", `{"userId": 42, "capturedAt": "2026-09-01T08:00:00Z"}`},
	}
	for _, tc := range cases {
		if _, err := DecodeSnapshot([]byte(tc.raw)); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}

func TestDecodeSnapshotDropsZeroTimeItems(t *testing.T) {
	raw := `{
  "userId": "u1",
  "capturedAt": "2026-09-01T08:00:00Z",
  "calendarItems": [
    {"id": "c1", "title": "ok", "startTime": "2026-09-01T09:00:00Z", "endTime": "2026-09-01T10:00:00Z"},
    {"id": "c2", "title": "equal", "startTime": "2026-09-01T09:00:00Z", "endTime": "2026-09-01T09:00:00Z"}
  ]
}`
	snap, err := DecodeSnapshot([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.CalendarItems) != 1 {
		t.Fatalf("zero-length interval must be dropped, got %+v", snap.CalendarItems)
	}
}
