package pulse

import (
	"bytes"
	"fmt"
	"strings"

	ical "github.com/arran4/golang-ical"
)

// ParseICSCalendar decodes an ICS export into calendar items for the
// given user. Events without a UID or a well-formed time range are
// skipped; parsing continues across bad VEVENTs so one broken entry does
// not poison the snapshot.
func ParseICSCalendar(body []byte) ([]CalendarItem, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty ICS body", ErrInvalidInput)
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	items := make([]CalendarItem, 0)
	for _, vevent := range cal.Events() {
		item, ok := parseVEvent(vevent)
		if !ok {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func parseVEvent(vevent *ical.VEvent) (CalendarItem, bool) {
	var item CalendarItem

	uid := vevent.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || strings.TrimSpace(uid.Value) == "" {
		return item, false
	}
	item.ID = strings.TrimSpace(uid.Value)

	if p := vevent.GetProperty(ical.ComponentPropertySummary); p != nil {
		item.Title = p.Value
	}
	if p := vevent.GetProperty(ical.ComponentPropertyDescription); p != nil {
		item.Description = p.Value
	}
	if p := vevent.GetProperty(ical.ComponentPropertyLocation); p != nil {
		item.Location = p.Value
	}
	if p := vevent.GetProperty(ical.ComponentPropertyRrule); p != nil {
		item.RecurrenceRule = p.Value
	}

	start, err := vevent.GetStartAt()
	if err != nil {
		return item, false
	}
	end, err := vevent.GetEndAt()
	if err != nil {
		return item, false
	}
	if !start.Before(end) {
		return item, false
	}
	item.StartTime = start
	item.EndTime = end

	for _, attendee := range vevent.Attendees() {
		email := strings.TrimSpace(attendee.Email())
		if email == "" {
			continue
		}
		item.Attendees = append(item.Attendees, Attendee{
			Email:          email,
			ResponseStatus: participationStatus(attendee),
		})
	}
	return item, true
}

func participationStatus(attendee *ical.Attendee) string {
	values, ok := attendee.ICalParameters["PARTSTAT"]
	if !ok || len(values) == 0 {
		return ""
	}
	switch strings.ToUpper(values[0]) {
	case "DECLINED":
		return "declined"
	case "ACCEPTED":
		return "accepted"
	case "TENTATIVE":
		return "tentative"
	case "NEEDS-ACTION":
		return "needsAction"
	default:
		return strings.ToLower(values[0])
	}
}
