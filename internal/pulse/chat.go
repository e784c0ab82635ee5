package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// submitEnrichment hands an eligible event to the enrichment workers.
// The queue is bounded; when it is full the enrichment is dropped with a
// log line rather than blocking the publish path.
func (b *Broadcaster) submitEnrichment(event Event) {
	if !enrichmentEligible(event.Type) {
		return
	}
	select {
	case <-b.closed:
	case b.enrichmentQueue <- event:
	default:
		b.enrichDrop.Add(1)
		log.Printf("enrichment: queue full, dropping %s for %s", event.Type, event.UserID)
	}
}

func enrichmentEligible(t EventType) bool {
	switch t {
	case EventTypeNewEvent, EventTypeUpcomingEvent, EventTypeImportantEmail, EventTypeConflict:
		return true
	}
	return false
}

func (b *Broadcaster) enrichmentWorker() {
	for {
		select {
		case <-b.closed:
			return
		case event := <-b.enrichmentQueue:
			b.enrichEvent(event)
		}
	}
}

// enrichEvent converts a delivered event into a conversational message on
// the same channel. Failures here never affect the originating
// broadcast's result; they only get their own log line.
func (b *Broadcaster) enrichEvent(event Event) {
	text := chatText(event)
	if text == "" {
		return
	}
	chat := Event{
		ID:        NewEventID(),
		UserID:    event.UserID,
		Type:      EventTypeChatMessage,
		Timestamp: time.Now().UTC(),
		Priority:  event.Priority,
		Source:    event.Source,
		Data: ChatMessageData{
			Text:          text,
			SourceEventID: event.ID,
		},
	}
	payload, err := json.Marshal(chat)
	if err != nil {
		log.Printf("enrichment: encode chat for %s: %v", event.ID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.publishTimeout)
	defer cancel()
	if b.store != nil {
		if err := b.store.Store(chat); err != nil {
			log.Printf("enrichment: store chat for %s: %v", event.ID, err)
		}
	}
	if _, err := b.publisher.Publish(ctx, ChannelForUser(event.UserID), EventTypeChatMessage, payload); err != nil {
		log.Printf("enrichment: publish chat for %s: %v", event.ID, err)
		return
	}
	b.enriched.Add(1)
}

// chatText formats a deterministic conversational line for an event. It
// does not generate language; summary generation stays upstream.
func chatText(event Event) string {
	switch data := event.Data.(type) {
	case NewEventData:
		return fmt.Sprintf("New event on your calendar: %q at %s.", data.Title, data.StartTime.Format(time.RFC1123))
	case UpcomingEventData:
		if data.Reminder == "starting" {
			return fmt.Sprintf("%q is starting in %d minutes.", data.Title, data.MinutesUntilStart)
		}
		return fmt.Sprintf("Heads up: %q starts in %d minutes.", data.Title, data.MinutesUntilStart)
	case ImportantEmailData:
		return fmt.Sprintf("Important email from %s: %q.", data.From, data.Subject)
	case Conflict:
		first := data.ConflictingEvents[0]
		second := data.ConflictingEvents[1]
		if data.Type == ConflictBackToBack {
			return fmt.Sprintf("%q and %q run back to back with a %d-minute gap.", first.Title, second.Title, data.OverlapOrGapMinutes)
		}
		return fmt.Sprintf("Schedule conflict: %q overlaps %q by %d minutes.", first.Title, second.Title, data.OverlapOrGapMinutes)
	default:
		return ""
	}
}
