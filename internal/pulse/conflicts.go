package pulse

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ConflictType string

const (
	ConflictExactOverlap   ConflictType = "exact_overlap"
	ConflictPartialOverlap ConflictType = "partial_overlap"
	ConflictBackToBack     ConflictType = "back_to_back"
)

type ConflictSeverity string

const (
	SeverityMinor    ConflictSeverity = "minor"
	SeverityModerate ConflictSeverity = "moderate"
	SeverityMajor    ConflictSeverity = "major"
)

type SuggestionAction string

const (
	ActionReschedule     SuggestionAction = "reschedule"
	ActionShorten        SuggestionAction = "shorten"
	ActionCancel         SuggestionAction = "cancel"
	ActionAcceptConflict SuggestionAction = "accept_conflict"
)

type ConflictingEvent struct {
	EventID   string    `json:"eventId"`
	Title     string    `json:"title"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Location  string    `json:"location,omitempty"`
}

type Suggestion struct {
	Action      SuggestionAction `json:"action"`
	Description string           `json:"description"`
	EventID     string           `json:"eventId,omitempty"`
}

// Conflict is created fresh on every detection pass; identity across
// passes is the sorted pair of constituent event IDs, not the Conflict ID.
type Conflict struct {
	ID                  string              `json:"id"`
	UserID              string              `json:"userId"`
	Type                ConflictType        `json:"conflictType"`
	Severity            ConflictSeverity    `json:"severity"`
	ConflictingEvents   [2]ConflictingEvent `json:"conflictingEvents"`
	OverlapOrGapMinutes int                 `json:"overlapOrGapMinutes"`
	Suggestions         []Suggestion        `json:"suggestions"`
	DetectedAt          time.Time           `json:"detectedAt"`
}

// DedupIdentity returns the stable identity of a conflict for duplicate
// suppression: the sorted pair of underlying event IDs.
func (c Conflict) DedupIdentity() string {
	return IDSetIdentity(c.ConflictingEvents[0].EventID, c.ConflictingEvents[1].EventID)
}

type ConflictOptions struct {
	// BackToBackThresholdMinutes is the largest gap still reported as a
	// back-to-back conflict. Zero means only touching intervals.
	BackToBackThresholdMinutes int
	// MinOverlapMinutes is the smallest overlap reported as a conflict.
	// Values below one are raised to the default of one minute.
	MinOverlapMinutes int
	DisableBackToBack bool
	// Now anchors the already-started pre-filter. Zero means time.Now.
	Now time.Time
}

type ConflictReport struct {
	HasConflicts bool       `json:"hasConflicts"`
	Conflicts    []Conflict `json:"conflicts"`
}

var outOfOfficeKeywords = []string{
	"out of office", "ooo", "vacation", "annual leave", "sick leave",
	"pto", "public holiday", "parental leave",
}

const wholeDayDuration = 20 * time.Hour

// AnalyzeConflicts sweeps a user's calendar intervals for overlap and
// back-to-back conflicts. It is a pure function of its inputs and never
// fails for business-logic edge cases; malformed items are expected to
// have been excluded at the ingest boundary.
func AnalyzeConflicts(userID, userEmail string, items []CalendarItem, opts ConflictOptions) ConflictReport {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	minOverlap := opts.MinOverlapMinutes
	if minOverlap < 1 {
		minOverlap = 1
	}
	threshold := time.Duration(opts.BackToBackThresholdMinutes) * time.Minute

	candidates := make([]CalendarItem, 0, len(items))
	for _, item := range items {
		if conflictRelevant(item, userEmail, now) {
			candidates = append(candidates, item)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].StartTime.Before(candidates[j].StartTime)
	})

	conflicts := make([]Conflict, 0)
	for i := 0; i < len(candidates); i++ {
		first := candidates[i]
		for j := i + 1; j < len(candidates); j++ {
			second := candidates[j]
			if !second.StartTime.Before(first.EndTime) {
				// Sorted order guarantees no later item can overlap first.
				gap := second.StartTime.Sub(first.EndTime)
				if !opts.DisableBackToBack && gap <= threshold {
					conflicts = append(conflicts, backToBackConflict(userID, first, second, gap, now))
				}
				break
			}
			overlap := overlapWindow(first, second)
			if int(overlap.Minutes()) >= minOverlap {
				conflicts = append(conflicts, overlapConflict(userID, first, second, overlap, now))
			}
		}
	}

	return ConflictReport{HasConflicts: len(conflicts) > 0, Conflicts: conflicts}
}

func conflictRelevant(item CalendarItem, userEmail string, now time.Time) bool {
	if item.Duration() >= wholeDayDuration {
		return false
	}
	if item.StartTime.Before(now) {
		return false
	}
	text := strings.ToLower(item.Title + " " + item.Description)
	for _, kw := range outOfOfficeKeywords {
		if strings.Contains(text, kw) {
			return false
		}
	}
	if userEmail != "" {
		for _, attendee := range item.Attendees {
			if strings.EqualFold(attendee.Email, userEmail) && attendee.ResponseStatus == "declined" {
				return false
			}
		}
	}
	return true
}

func overlapWindow(first, second CalendarItem) time.Duration {
	start := first.StartTime
	if second.StartTime.After(start) {
		start = second.StartTime
	}
	end := first.EndTime
	if second.EndTime.Before(end) {
		end = second.EndTime
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

func overlapConflict(userID string, first, second CalendarItem, overlap time.Duration, now time.Time) Conflict {
	exact := first.StartTime.Equal(second.StartTime) && first.EndTime.Equal(second.EndTime)
	conflictType := ConflictPartialOverlap
	if exact {
		conflictType = ConflictExactOverlap
	}
	severity := overlapSeverity(exact, overlap)
	overlapMinutes := int(overlap.Minutes())

	return Conflict{
		ID:                  uuid.NewString(),
		UserID:              userID,
		Type:                conflictType,
		Severity:            severity,
		ConflictingEvents:   conflictPair(first, second),
		OverlapOrGapMinutes: overlapMinutes,
		Suggestions:         overlapSuggestions(first, second, overlap, exact),
		DetectedAt:          now,
	}
}

func overlapSeverity(exact bool, overlap time.Duration) ConflictSeverity {
	switch {
	case exact:
		return SeverityMajor
	case overlap >= 60*time.Minute:
		return SeverityMajor
	case overlap >= 30*time.Minute:
		return SeverityModerate
	default:
		return SeverityMinor
	}
}

func overlapSuggestions(first, second CalendarItem, overlap time.Duration, exact bool) []Suggestion {
	shorter := first
	if second.Duration() < first.Duration() {
		shorter = second
	}
	overlapMinutes := int(overlap.Minutes())

	suggestions := []Suggestion{{
		Action:      ActionReschedule,
		Description: fmt.Sprintf("Reschedule %q, the shorter of the two events", shorter.Title),
		EventID:     shorter.ID,
	}}
	if overlap*2 < first.Duration() || overlap*2 < second.Duration() {
		suggestions = append(suggestions, Suggestion{
			Action:      ActionShorten,
			Description: fmt.Sprintf("Shorten %q by %d minutes to clear the overlap", shorter.Title, overlapMinutes),
			EventID:     shorter.ID,
		})
	}
	if exact {
		suggestions = append(suggestions, Suggestion{
			Action:      ActionCancel,
			Description: fmt.Sprintf("Cancel %q, it duplicates the same time range", second.Title),
			EventID:     second.ID,
		})
	}
	suggestions = append(suggestions, Suggestion{
		Action:      ActionAcceptConflict,
		Description: fmt.Sprintf("Accept the %d-minute overlap", overlapMinutes),
	})
	return suggestions
}

func backToBackConflict(userID string, first, second CalendarItem, gap time.Duration, now time.Time) Conflict {
	gapMinutes := int(gap.Minutes())

	suggestions := make([]Suggestion, 0, 3)
	if first.Location != "" && second.Location != "" && !strings.EqualFold(first.Location, second.Location) {
		suggestions = append(suggestions, Suggestion{
			Action:      ActionReschedule,
			Description: fmt.Sprintf("Add travel time between %q and %q", first.Location, second.Location),
			EventID:     second.ID,
		})
	}
	suggestions = append(suggestions, Suggestion{
		Action:      ActionShorten,
		Description: fmt.Sprintf("Shorten %q to create a break before the next event", first.Title),
		EventID:     first.ID,
	})
	gapPhrase := fmt.Sprintf("a %d-minute gap", gapMinutes)
	if gapMinutes == 0 {
		gapPhrase = "no gap"
	}
	suggestions = append(suggestions, Suggestion{
		Action:      ActionAcceptConflict,
		Description: fmt.Sprintf("Accept the back-to-back schedule with %s", gapPhrase),
	})

	return Conflict{
		ID:                  uuid.NewString(),
		UserID:              userID,
		Type:                ConflictBackToBack,
		Severity:            SeverityMinor,
		ConflictingEvents:   conflictPair(first, second),
		OverlapOrGapMinutes: gapMinutes,
		Suggestions:         suggestions,
		DetectedAt:          now,
	}
}

func conflictPair(first, second CalendarItem) [2]ConflictingEvent {
	return [2]ConflictingEvent{
		{
			EventID:   first.ID,
			Title:     first.Title,
			StartTime: first.StartTime,
			EndTime:   first.EndTime,
			Location:  first.Location,
		},
		{
			EventID:   second.ID,
			Title:     second.Title,
			StartTime: second.StartTime,
			EndTime:   second.EndTime,
			Location:  second.Location,
		},
	}
}

func conflictSeverityPriority(severity ConflictSeverity) Priority {
	switch severity {
	case SeverityMajor:
		return PriorityHigh
	case SeverityModerate:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// ConflictEvent wraps a detected conflict into the event union for
// broadcast.
func ConflictEvent(c Conflict) Event {
	return Event{
		ID:        NewEventID(),
		UserID:    c.UserID,
		Type:      EventTypeConflict,
		Timestamp: c.DetectedAt,
		Priority:  conflictSeverityPriority(c.Severity),
		Source:    sourceCalendar,
		Data:      c,
	}
}
