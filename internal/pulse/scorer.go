package pulse

import (
	"strings"
	"time"
)

// Keyword tables for the importance heuristics. Matching is
// case-insensitive substring matching throughout.
var (
	strongUrgencyKeywords = []string{"urgent", "asap", "emergency", "critical"}
	urgencyKeywords       = []string{
		"important", "action required", "deadline", "reminder",
		"immediately", "overdue", "final notice",
	}
	importantSenderDomains = []string{
		"pagerduty.com", "atlassian.net", "github.com",
		"calendar.google.com", "docs.google.com", "zoom.us",
	}
	replyForwardMarkers = []string{"re:", "fw:", "fwd:"}
	meetingTerms        = []string{"meeting", "invite", "invitation", "schedule", "calendar", "call"}

	calendarImportanceKeywords = []string{
		"interview", "review", "deadline", "presentation", "demo",
		"launch", "board", "urgent", "final", "exam",
	}
)

const longEventDuration = 2 * time.Hour

// ScoreMessage accumulates the importance score for a mail message:
// strongest urgency keywords in the subject weigh 3, the rest 2; the same
// keywords in the body weigh half; a known sender domain, a reply/forward
// marker, and meeting terms contribute on top.
func ScoreMessage(msg MailMessage) int {
	subject := strings.ToLower(msg.Subject)
	body := strings.ToLower(msg.Body)

	score := 0
	if w := urgencyWeight(subject); w > 0 {
		score += w
	}
	if w := urgencyWeight(body); w > 0 {
		score += w / 2
	}
	if senderDomainImportant(msg.From) {
		score++
	}
	for _, marker := range replyForwardMarkers {
		if strings.HasPrefix(subject, marker) {
			score++
			break
		}
	}
	for _, term := range meetingTerms {
		if strings.Contains(subject, term) {
			score += 2
			break
		}
	}
	return score
}

func urgencyWeight(text string) int {
	if text == "" {
		return 0
	}
	for _, kw := range strongUrgencyKeywords {
		if strings.Contains(text, kw) {
			return 3
		}
	}
	for _, kw := range urgencyKeywords {
		if strings.Contains(text, kw) {
			return 2
		}
	}
	return 0
}

func senderDomainImportant(from string) bool {
	from = strings.ToLower(strings.TrimSpace(from))
	at := strings.LastIndex(from, "@")
	if at < 0 {
		return false
	}
	domain := strings.Trim(from[at+1:], "<> ")
	for _, allowed := range importantSenderDomains {
		if domain == allowed || strings.HasSuffix(domain, "."+allowed) {
			return true
		}
	}
	return false
}

// MessagePriority maps an accumulated score to a delivery priority.
func MessagePriority(score int) Priority {
	switch {
	case score >= 4:
		return PriorityUrgent
	case score >= 3:
		return PriorityHigh
	case score >= 2:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// ScoreCalendarItem computes the priority signal for a calendar item.
// Unlike message scoring this never filters: every item gets a priority.
func ScoreCalendarItem(item CalendarItem) int {
	title := strings.ToLower(item.Title)
	description := strings.ToLower(item.Description)

	score := 0
	for _, kw := range calendarImportanceKeywords {
		if strings.Contains(title, kw) {
			score += 2
			break
		}
	}
	for _, kw := range calendarImportanceKeywords {
		if strings.Contains(description, kw) {
			score++
			break
		}
	}
	if strings.TrimSpace(item.Location) != "" {
		score++
	}
	if len(item.Attendees) > 0 {
		score++
	}
	if item.Duration() >= longEventDuration {
		score++
	}
	return score
}

func CalendarPriority(score int) Priority {
	switch {
	case score >= 4:
		return PriorityHigh
	case score >= 2:
		return PriorityMedium
	default:
		return PriorityLow
	}
}
