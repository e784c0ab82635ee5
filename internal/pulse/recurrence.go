package pulse

import (
	"fmt"
	"log"
	"time"

	"github.com/teambition/rrule-go"
)

const (
	defaultExpandHorizon  = 14 * 24 * time.Hour
	defaultMaxOccurrences = 250
	occurrenceIDLayout    = "20060102T150405Z"
)

type ExpandOptions struct {
	// Horizon bounds how far ahead recurrences are materialized. Zero
	// means 14 days.
	Horizon time.Duration
	// MaxOccurrences caps expansion per recurring item so a runaway rule
	// cannot flood detection. Zero means 250.
	MaxOccurrences int
	// Now anchors the expansion window. Zero means time.Now.
	Now time.Time
}

// ExpandRecurringItems materializes items carrying a recurrence rule into
// concrete intervals inside the detection window. Non-recurring items
// pass through untouched; an unparsable rule keeps the base item and
// skips expansion.
func ExpandRecurringItems(items []CalendarItem, opts ExpandOptions) []CalendarItem {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	horizon := opts.Horizon
	if horizon <= 0 {
		horizon = defaultExpandHorizon
	}
	maxOccurrences := opts.MaxOccurrences
	if maxOccurrences <= 0 {
		maxOccurrences = defaultMaxOccurrences
	}

	out := make([]CalendarItem, 0, len(items))
	for _, item := range items {
		if item.RecurrenceRule == "" {
			out = append(out, item)
			continue
		}
		rule, err := rrule.StrToRRule(item.RecurrenceRule)
		if err != nil {
			log.Printf("recurrence: unparsable rule on %s, keeping base item: %v", item.ID, err)
			base := item
			base.RecurrenceRule = ""
			out = append(out, base)
			continue
		}
		rule.DTStart(item.StartTime)
		occurrences := rule.Between(now, now.Add(horizon), true)
		if len(occurrences) > maxOccurrences {
			log.Printf("recurrence: %s truncated at %d occurrences", item.ID, maxOccurrences)
			occurrences = occurrences[:maxOccurrences]
		}
		duration := item.Duration()
		for _, start := range occurrences {
			occurrence := item
			occurrence.ID = fmt.Sprintf("%s@%s", item.ID, start.UTC().Format(occurrenceIDLayout))
			occurrence.StartTime = start
			occurrence.EndTime = start.Add(duration)
			occurrence.RecurrenceRule = ""
			out = append(out, occurrence)
		}
	}
	return out
}
