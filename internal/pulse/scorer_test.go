package pulse

import (
	"testing"
	"time"
)

func TestScoreMessageUrgentSubject(t *testing.T) {
	score := ScoreMessage(MailMessage{
		ID:      "m1",
		Subject: "URGENT: production is down",
		From:    "alice@example.com",
	})
	if score != 3 {
		t.Fatalf("expected score 3, got %d", score)
	}
	if got := MessagePriority(score); got != PriorityHigh {
		t.Fatalf("expected high priority, got %s", got)
	}
}

func TestScoreMessageAccumulates(t *testing.T) {
	// Subject urgency 3 + meeting term 2 => urgent.
	score := ScoreMessage(MailMessage{
		ID:      "m2",
		Subject: "urgent: reschedule the review meeting",
		From:    "bob@example.com",
	})
	if score != 5 {
		t.Fatalf("expected score 5, got %d", score)
	}
	if got := MessagePriority(score); got != PriorityUrgent {
		t.Fatalf("expected urgent priority, got %s", got)
	}
}

func TestScoreMessageBodyWeighsHalf(t *testing.T) {
	subjectOnly := ScoreMessage(MailMessage{ID: "a", Subject: "deadline approaching", From: "x@example.com"})
	bodyOnly := ScoreMessage(MailMessage{ID: "b", Subject: "hello", From: "x@example.com", Body: "the deadline is tomorrow"})
	if subjectOnly != 2 {
		t.Fatalf("expected subject score 2, got %d", subjectOnly)
	}
	if bodyOnly != 1 {
		t.Fatalf("expected body score 1, got %d", bodyOnly)
	}
}

func TestScoreMessageSenderDomainAndReplyMarker(t *testing.T) {
	score := ScoreMessage(MailMessage{
		ID:      "m3",
		Subject: "re: incident follow-up",
		From:    "alerts@pagerduty.com",
	})
	// Reply marker 1 + known domain 1.
	if score != 2 {
		t.Fatalf("expected score 2, got %d", score)
	}
	if got := MessagePriority(score); got != PriorityMedium {
		t.Fatalf("expected medium priority, got %s", got)
	}
}

func TestSenderDomainMatchesSubdomains(t *testing.T) {
	if !senderDomainImportant("noreply <bot@mail.github.com>") {
		t.Fatal("expected subdomain of a known domain to match")
	}
	if senderDomainImportant("spam@github.com.evil.example") {
		t.Fatal("suffix spoofing must not match")
	}
	if senderDomainImportant("no-at-sign") {
		t.Fatal("address without a domain must not match")
	}
}

func TestScoreCalendarItem(t *testing.T) {
	start := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	item := CalendarItem{
		ID:          "c1",
		Title:       "Final interview",
		Description: "Panel review with the team",
		Location:    "Room 4",
		Attendees:   []Attendee{{Email: "a@example.com"}},
		StartTime:   start,
		EndTime:     start.Add(3 * time.Hour),
	}
	// Title keyword 2 + description keyword 1 + location 1 + attendees 1 + long duration 1.
	if score := ScoreCalendarItem(item); score != 6 {
		t.Fatalf("expected score 6, got %d", score)
	}
	if got := CalendarPriority(6); got != PriorityHigh {
		t.Fatalf("expected high priority, got %s", got)
	}
}

func TestCalendarPriorityThresholds(t *testing.T) {
	cases := []struct {
		score int
		want  Priority
	}{
		{0, PriorityLow},
		{1, PriorityLow},
		{2, PriorityMedium},
		{3, PriorityMedium},
		{4, PriorityHigh},
	}
	for _, tc := range cases {
		if got := CalendarPriority(tc.score); got != tc.want {
			t.Errorf("CalendarPriority(%d) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestMessagePriorityThresholds(t *testing.T) {
	cases := []struct {
		score int
		want  Priority
	}{
		{1, PriorityLow},
		{2, PriorityMedium},
		{3, PriorityHigh},
		{4, PriorityUrgent},
		{7, PriorityUrgent},
	}
	for _, tc := range cases {
		if got := MessagePriority(tc.score); got != tc.want {
			t.Errorf("MessagePriority(%d) = %s, want %s", tc.score, got, tc.want)
		}
	}
}
