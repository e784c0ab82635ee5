package pulse

import (
	"strings"
	"testing"
	"time"
)

const sampleICS = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:evt-1
SUMMARY:Quarterly review
DESCRIPTION:Numbers and roadmap
LOCATION:Room 7
DTSTART:20260901T090000Z
DTEND:20260901T100000Z
ATTENDEE;PARTSTAT=DECLINED:mailto:skeptic@example.com
ATTENDEE;PARTSTAT=ACCEPTED:mailto:fan@example.com
END:VEVENT
BEGIN:VEVENT
SUMMARY:No UID event
DTSTART:20260901T110000Z
DTEND:20260901T120000Z
END:VEVENT
BEGIN:VEVENT
UID:evt-recurring
SUMMARY:Standup
RRULE:FREQ=DAILY;COUNT=5
DTSTART:20260901T083000Z
DTEND:20260901T084500Z
END:VEVENT
END:VCALENDAR
`

func TestParseICSCalendar(t *testing.T) {
	body := strings.ReplaceAll(sampleICS, "\n", "\r\n")
	items, err := ParseICSCalendar([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("the UID-less event must be skipped, got %d items", len(items))
	}

	review := items[0]
	if review.ID != "evt-1" || review.Title != "Quarterly review" || review.Location != "Room 7" {
		t.Fatalf("unexpected item: %+v", review)
	}
	wantStart := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	if !review.StartTime.Equal(wantStart) || review.Duration() != time.Hour {
		t.Fatalf("unexpected interval: %s for %s", review.StartTime, review.Duration())
	}
	if len(review.Attendees) != 2 {
		t.Fatalf("expected 2 attendees, got %d", len(review.Attendees))
	}
	if review.Attendees[0].Email != "skeptic@example.com" || review.Attendees[0].ResponseStatus != "declined" {
		t.Fatalf("unexpected attendee: %+v", review.Attendees[0])
	}
	if review.Attendees[1].ResponseStatus != "accepted" {
		t.Fatalf("unexpected attendee: %+v", review.Attendees[1])
	}

	standup := items[1]
	if standup.RecurrenceRule != "FREQ=DAILY;COUNT=5" {
		t.Fatalf("recurrence rule must carry through: %q", standup.RecurrenceRule)
	}
}

func TestParseICSCalendarRejectsGarbage(t *testing.T) {
	if _, err := ParseICSCalendar(nil); err == nil {
		t.Fatal("empty body must error")
	}
	if _, err := ParseICSCalendar([]byte("not an ics file")); err == nil {
		t.Fatal("non-ICS input must error")
	}
}
