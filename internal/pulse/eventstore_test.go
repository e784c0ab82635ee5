package pulse

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func storedEvent(id, userID string, ts time.Time) Event {
	return Event{ID: id, UserID: userID, Type: EventTypeNewEvent, Timestamp: ts, Priority: PriorityLow}
}

func TestEventStoreStoreAndGet(t *testing.T) {
	store := NewEventStore(EventStoreOptions{})
	ts := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	if err := store.Store(storedEvent("e1", "u1", ts)); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := store.Get("e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "u1" {
		t.Fatalf("unexpected event: %+v", got)
	}
	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Store(Event{ID: "", UserID: "u1"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEventStoreDuplicateIDOverwrites(t *testing.T) {
	store := NewEventStore(EventStoreOptions{})
	ts := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	_ = store.Store(storedEvent("e1", "u1", ts))
	updated := storedEvent("e1", "u1", ts)
	updated.Priority = PriorityUrgent
	_ = store.Store(updated)

	if store.Len() != 1 {
		t.Fatalf("expected 1 stored event, got %d", store.Len())
	}
	got, _ := store.Get("e1")
	if got.Priority != PriorityUrgent {
		t.Fatal("duplicate ID must overwrite the stored event")
	}
}

func TestEventStoreCapEvictsOldest(t *testing.T) {
	store := NewEventStore(EventStoreOptions{MaxEvents: 3})
	base := time.Now().UTC()
	for i := 0; i < 4; i++ {
		if err := store.Store(storedEvent(fmt.Sprintf("e%d", i), "u1", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}
	if store.Len() != 3 {
		t.Fatalf("expected len 3, got %d", store.Len())
	}
	if _, err := store.Get("e0"); !errors.Is(err, ErrNotFound) {
		t.Fatal("oldest insert should have been evicted")
	}
	if _, err := store.Get("e3"); err != nil {
		t.Fatalf("newest insert must survive: %v", err)
	}
}

func TestEventStoreCleanupRemovesExpired(t *testing.T) {
	store := NewEventStore(EventStoreOptions{MaxAge: time.Hour})
	base := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	_ = store.Store(storedEvent("old", "u1", base.Add(-2*time.Hour)))
	_ = store.Store(storedEvent("fresh", "u1", base.Add(-time.Minute)))

	if removed := store.Cleanup(); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := store.Get("old"); !errors.Is(err, ErrNotFound) {
		t.Fatal("expired event should be gone")
	}
	if _, err := store.Get("fresh"); err != nil {
		t.Fatalf("fresh event must remain: %v", err)
	}
}

func TestEventStoreCleanupCompactsInsertionOrder(t *testing.T) {
	store := NewEventStore(EventStoreOptions{MaxAge: time.Hour})
	base := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		_ = store.Store(storedEvent(fmt.Sprintf("old%d", i), "u1", base.Add(-2*time.Hour)))
	}
	_ = store.Store(storedEvent("fresh", "u1", base.Add(-time.Minute)))

	if removed := store.Cleanup(); removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	// The insertion order must not retain IDs of removed events, or it
	// grows without bound when age cleanup always makes room.
	if len(store.insertSeq) != store.Len() {
		t.Fatalf("insertion order holds %d IDs for %d events", len(store.insertSeq), store.Len())
	}
	if len(store.insertSeq) != 1 || store.insertSeq[0] != "fresh" {
		t.Fatalf("unexpected insertion order: %v", store.insertSeq)
	}
}

func TestEventStoreForUserNewestFirstWithLimit(t *testing.T) {
	store := NewEventStore(EventStoreOptions{})
	base := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_ = store.Store(storedEvent(fmt.Sprintf("e%d", i), "u1", base.Add(time.Duration(i)*time.Minute)))
	}
	_ = store.Store(storedEvent("other", "u2", base))

	events := store.ForUser("u1", 3)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].ID != "e4" || events[2].ID != "e2" {
		t.Fatalf("expected newest first, got %s..%s", events[0].ID, events[2].ID)
	}
	if len(store.ForUser("u2", 0)) != 1 {
		t.Fatal("per-user isolation broken")
	}
	if len(store.ForUser("nobody", 0)) != 0 {
		t.Fatal("unknown user should have no events")
	}
}
