package pulse

import (
	"time"
)

const (
	upcomingHorizon      = 2 * time.Hour
	startingSoonReminder = 15 * time.Minute
	sourceMailbox        = "mailbox"
	sourceCalendar       = "calendar"
)

// DetectImportantMessages scores every mailbox message and emits one
// important-email event per message that reaches high or urgent priority.
// It is a pure function: no I/O and no retries.
func DetectImportantMessages(userID string, messages []MailMessage, now time.Time) []Event {
	events := make([]Event, 0)
	for _, msg := range messages {
		if msg.ID == "" {
			continue
		}
		score := ScoreMessage(msg)
		priority := MessagePriority(score)
		if priority != PriorityHigh && priority != PriorityUrgent {
			continue
		}
		events = append(events, Event{
			ID:        NewEventID(),
			UserID:    userID,
			Type:      EventTypeImportantEmail,
			Timestamp: now,
			Priority:  priority,
			Source:    sourceMailbox,
			Data: ImportantEmailData{
				MessageID: msg.ID,
				Subject:   msg.Subject,
				From:      msg.From,
				Score:     score,
			},
		})
	}
	return events
}

// DetectCalendarEvents emits new-event records for items whose IDs are
// absent from existingIDs (at most one per distinct missing ID) and
// upcoming-event records for items starting within the next two hours.
// Upcoming detection is independent of new/existing status; items that
// have already started are never flagged upcoming.
func DetectCalendarEvents(userID string, items []CalendarItem, existingIDs map[string]struct{}, now time.Time) []Event {
	events := make([]Event, 0)
	seenNew := make(map[string]struct{})

	for _, item := range items {
		if item.ID == "" {
			continue
		}
		priority := CalendarPriority(ScoreCalendarItem(item))

		if _, exists := existingIDs[item.ID]; !exists {
			if _, dup := seenNew[item.ID]; !dup {
				seenNew[item.ID] = struct{}{}
				events = append(events, Event{
					ID:        NewEventID(),
					UserID:    userID,
					Type:      EventTypeNewEvent,
					Timestamp: now,
					Priority:  priority,
					Source:    sourceCalendar,
					Data: NewEventData{
						EventID:   item.ID,
						Title:     item.Title,
						StartTime: item.StartTime,
						EndTime:   item.EndTime,
						Location:  item.Location,
					},
				})
			}
		}

		until := item.StartTime.Sub(now)
		if until <= 0 || until > upcomingHorizon {
			continue
		}
		reminder := "soon"
		if until <= startingSoonReminder {
			reminder = "starting"
		}
		events = append(events, Event{
			ID:        NewEventID(),
			UserID:    userID,
			Type:      EventTypeUpcomingEvent,
			Timestamp: now,
			Priority:  priority,
			Source:    sourceCalendar,
			Data: UpcomingEventData{
				EventID:           item.ID,
				Title:             item.Title,
				StartTime:         item.StartTime,
				Location:          item.Location,
				MinutesUntilStart: int(until.Minutes()),
				Reminder:          reminder,
			},
		})
	}
	return events
}
