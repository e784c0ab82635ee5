package pulse

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultMaxStoredEvents = 1000
	defaultMaxEventAge     = 24 * time.Hour
	defaultUserEventLimit  = 50
)

type EventStoreOptions struct {
	// MaxEvents is the global size cap. There is no per-user cap.
	MaxEvents int
	// MaxAge is the retention window for cleanup. Zero means 24 hours.
	MaxAge time.Duration
}

// EventStore is the in-process bounded store of recently broadcast
// events. The collection never exceeds MaxEvents: inserts that would
// overflow run cleanup synchronously before returning, and evict the
// oldest entries if age-based cleanup alone does not make room.
type EventStore struct {
	mu        sync.RWMutex
	byID      map[string]Event
	byUser    map[string][]string
	insertSeq []string
	maxEvents int
	maxAge    time.Duration
	now       func() time.Time
}

func NewEventStore(opts EventStoreOptions) *EventStore {
	maxEvents := opts.MaxEvents
	if maxEvents <= 0 {
		maxEvents = defaultMaxStoredEvents
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxEventAge
	}
	return &EventStore{
		byID:      map[string]Event{},
		byUser:    map[string][]string{},
		insertSeq: []string{},
		maxEvents: maxEvents,
		maxAge:    maxAge,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *EventStore) Store(event Event) error {
	if s == nil {
		return ErrInvalidInput
	}
	if event.ID == "" || event.UserID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[event.ID]; exists {
		s.byID[event.ID] = event
		return nil
	}
	if len(s.byID) >= s.maxEvents {
		s.cleanupLocked()
		for len(s.byID) >= s.maxEvents {
			s.evictOldestLocked()
		}
	}
	s.byID[event.ID] = event
	s.byUser[event.UserID] = append(s.byUser[event.UserID], event.ID)
	s.insertSeq = append(s.insertSeq, event.ID)
	return nil
}

func (s *EventStore) Get(id string) (Event, error) {
	if s == nil || id == "" {
		return Event{}, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.byID[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	return event, nil
}

// ForUser returns the user's stored events, most recent first.
func (s *EventStore) ForUser(userID string, limit int) []Event {
	if s == nil || userID == "" {
		return []Event{}
	}
	if limit <= 0 {
		limit = defaultUserEventLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUser[userID]
	events := make([]Event, 0, len(ids))
	for _, id := range ids {
		if event, ok := s.byID[id]; ok {
			events = append(events, event)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if len(events) > limit {
		events = events[:limit]
	}
	return events
}

func (s *EventStore) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Cleanup removes entries older than the retention window and returns how
// many were removed.
func (s *EventStore) Cleanup() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupLocked()
}

func (s *EventStore) cleanupLocked() int {
	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	for id, event := range s.byID {
		if event.Timestamp.Before(cutoff) {
			s.removeLocked(id, event.UserID)
			removed++
		}
	}
	if removed > 0 {
		s.compactInsertSeqLocked()
	}
	return removed
}

// compactInsertSeqLocked drops IDs of removed events from the insertion
// order. Without it, age-based cleanup would leave stale IDs behind that
// only eviction drains, and insertSeq would grow without bound on a
// store where cleanup always makes room.
func (s *EventStore) compactInsertSeqLocked() {
	kept := s.insertSeq[:0]
	for _, id := range s.insertSeq {
		if _, ok := s.byID[id]; ok {
			kept = append(kept, id)
		}
	}
	s.insertSeq = kept
}

func (s *EventStore) evictOldestLocked() {
	for len(s.insertSeq) > 0 {
		id := s.insertSeq[0]
		s.insertSeq = s.insertSeq[1:]
		event, ok := s.byID[id]
		if !ok {
			continue
		}
		s.removeLocked(id, event.UserID)
		return
	}
}

func (s *EventStore) removeLocked(id, userID string) {
	delete(s.byID, id)
	ids := s.byUser[userID]
	for i, candidate := range ids {
		if candidate == id {
			s.byUser[userID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.byUser[userID]) == 0 {
		delete(s.byUser, userID)
	}
}
