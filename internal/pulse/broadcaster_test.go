package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakePublisher struct {
	mu          sync.Mutex
	calls       []fakePublish
	subscribers int
	failures    []error
}

type fakePublish struct {
	channel   string
	eventType EventType
	payload   []byte
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, eventType EventType, payload []byte) (int, error) {
	_ = ctx
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fakePublish{channel: channel, eventType: eventType, payload: payload})
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		if err != nil {
			return 0, err
		}
	}
	return p.subscribers, nil
}

func (p *fakePublisher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakePublisher) lastCall() fakePublish {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[len(p.calls)-1]
}

func newTestBroadcaster(publisher ChannelPublisher) (*Broadcaster, *EventStore, *SubscriptionManager) {
	store := NewEventStore(EventStoreOptions{})
	subscriptions := NewSubscriptionManager(nil)
	b := NewBroadcaster(BroadcasterOptions{
		Store:             store,
		Subscriptions:     subscriptions,
		Dedup:             NewDedupCache(DedupCacheOptions{Store: NewMemoryKeyValueStore()}),
		Publisher:         publisher,
		RetryDelay:        time.Millisecond,
		DisableEnrichment: true,
	})
	return b, store, subscriptions
}

func newEvent(userID string) Event {
	return Event{
		UserID:   userID,
		Type:     EventTypeNewEvent,
		Priority: PriorityMedium,
		Source:   "calendar",
		Data: NewEventData{
			EventID:   "cal-1",
			Title:     "Planning",
			StartTime: time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC),
			EndTime:   time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		},
	}
}

func TestBroadcastSelfHealsMissingSubscription(t *testing.T) {
	publisher := &fakePublisher{subscribers: 1}
	b, store, subscriptions := newTestBroadcaster(publisher)
	defer b.Close()

	result := b.Broadcast(context.Background(), newEvent("u1"))
	if !result.Success || result.SubscriberCount != 1 || result.Error != "" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if publisher.callCount() != 1 {
		t.Fatalf("expected 1 publish, got %d", publisher.callCount())
	}
	if publisher.lastCall().channel != "user-u1" {
		t.Fatalf("expected user channel, got %s", publisher.lastCall().channel)
	}

	sub, found, _ := subscriptions.Get(context.Background(), "u1")
	if !found || !sub.IsActive {
		t.Fatalf("self-heal must create the default subscription: %+v", sub)
	}
	if _, err := store.Get(result.EventID); err != nil {
		t.Fatalf("event must be stored: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(publisher.lastCall().payload, &decoded); err != nil {
		t.Fatalf("payload must be the event JSON: %v", err)
	}
	if decoded.ID != result.EventID || decoded.Type != EventTypeNewEvent {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestBroadcastInactiveSubscriptionIsUnroutedSuccess(t *testing.T) {
	publisher := &fakePublisher{subscribers: 1}
	b, store, subscriptions := newTestBroadcaster(publisher)
	defer b.Close()

	ctx := context.Background()
	_, _ = subscriptions.InitializeDefault(ctx, "u1")
	_ = subscriptions.Disable(ctx, "u1")

	result := b.Broadcast(ctx, newEvent("u1"))
	if !result.Success || result.SubscriberCount != 0 || result.Error != "" {
		t.Fatalf("no-subscriber delivery is a success with zero reach: %+v", result)
	}
	if publisher.callCount() != 0 {
		t.Fatal("nothing may be published without an active subscription")
	}
	// The event is still recorded for later reads.
	if _, err := store.Get(result.EventID); err != nil {
		t.Fatalf("event must be stored even when unrouted: %v", err)
	}
	if stats := b.Stats(); stats.UnroutedTotal != 1 {
		t.Fatalf("expected 1 unrouted, got %+v", stats)
	}
}

func TestBroadcastDeliversWhenSubscriptionStoreDown(t *testing.T) {
	publisher := &fakePublisher{subscribers: 1}
	down := &failingKVStore{failGet: true, failSet: true, inner: NewMemoryKeyValueStore()}
	b := NewBroadcaster(BroadcasterOptions{
		Store:             NewEventStore(EventStoreOptions{}),
		Subscriptions:     NewSubscriptionManager(down),
		Dedup:             NewDedupCache(DedupCacheOptions{Store: down}),
		Publisher:         publisher,
		RetryDelay:        time.Millisecond,
		DisableEnrichment: true,
	})
	defer b.Close()

	// With the shared store down the subscription cannot be read or
	// healed; delivery still wins over bookkeeping.
	result := b.Broadcast(context.Background(), newEvent("u1"))
	if !result.Success || result.SubscriberCount != 1 || result.Error != "" {
		t.Fatalf("store outage must degrade to deliver: %+v", result)
	}
	if publisher.callCount() != 1 {
		t.Fatalf("expected 1 publish, got %d", publisher.callCount())
	}
	if stats := b.Stats(); stats.UnroutedTotal != 0 || stats.PublishedTotal != 1 {
		t.Fatalf("a failed lookup is not an unrouted user: %+v", stats)
	}
}

func TestBroadcastSuppressesDuplicateIdentity(t *testing.T) {
	publisher := &fakePublisher{subscribers: 1}
	b, _, _ := newTestBroadcaster(publisher)
	defer b.Close()

	ctx := context.Background()
	first := b.Broadcast(ctx, newEvent("u1"))
	if !first.Success || first.Suppressed {
		t.Fatalf("first delivery must pass: %+v", first)
	}
	second := b.Broadcast(ctx, newEvent("u1"))
	if !second.Success || !second.Suppressed || second.SubscriberCount != 0 {
		t.Fatalf("second delivery must be suppressed: %+v", second)
	}
	if publisher.callCount() != 1 {
		t.Fatalf("suppressed event must not publish, got %d calls", publisher.callCount())
	}
	if stats := b.Stats(); stats.SuppressedTotal != 1 || stats.PublishedTotal != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestBroadcastRetriesTransientPublishError(t *testing.T) {
	publisher := &fakePublisher{
		subscribers: 2,
		failures:    []error{errors.New("write tcp: connection reset by peer")},
	}
	b, _, _ := newTestBroadcaster(publisher)
	defer b.Close()

	result := b.Broadcast(context.Background(), newEvent("u1"))
	if !result.Success || result.SubscriberCount != 2 {
		t.Fatalf("transient failure must retry and succeed: %+v", result)
	}
	if publisher.callCount() != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", publisher.callCount())
	}
}

func TestBroadcastFatalPublishErrorFails(t *testing.T) {
	publisher := &fakePublisher{
		failures: []error{errors.New("payload rejected")},
	}
	b, _, _ := newTestBroadcaster(publisher)
	defer b.Close()

	result := b.Broadcast(context.Background(), newEvent("u1"))
	if result.Success || result.Error == "" {
		t.Fatalf("fatal publish error must fail the broadcast: %+v", result)
	}
	if publisher.callCount() != 1 {
		t.Fatalf("fatal errors must not retry, got %d calls", publisher.callCount())
	}
	if stats := b.Stats(); stats.FailedTotal != 1 {
		t.Fatalf("expected 1 failed, got %+v", stats)
	}

	// The failed delivery must not have marked the dedup cache: the next
	// attempt still goes out.
	publisher.failures = nil
	publisher.subscribers = 1
	retry := b.Broadcast(context.Background(), newEvent("u1"))
	if !retry.Success || retry.Suppressed {
		t.Fatalf("failed delivery must stay eligible: %+v", retry)
	}
}

func TestBroadcastValidatesEvent(t *testing.T) {
	b, _, _ := newTestBroadcaster(&fakePublisher{})
	defer b.Close()

	if result := b.Broadcast(context.Background(), Event{Type: EventTypeNewEvent}); result.Success || result.Error == "" {
		t.Fatalf("missing user must be rejected: %+v", result)
	}
	if result := b.Broadcast(context.Background(), Event{UserID: "u1", Type: "mystery"}); result.Success || result.Error == "" {
		t.Fatalf("unknown type must be rejected: %+v", result)
	}
}

func TestBroadcastDefaultsEventFields(t *testing.T) {
	publisher := &fakePublisher{subscribers: 1}
	b, store, _ := newTestBroadcaster(publisher)
	defer b.Close()

	result := b.Broadcast(context.Background(), Event{UserID: "u1", Type: EventTypeSystemNotification})
	if !result.Success || result.EventID == "" {
		t.Fatalf("unexpected result: %+v", result)
	}
	stored, err := store.Get(result.EventID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Timestamp.IsZero() || stored.Priority != PriorityLow {
		t.Fatalf("missing fields must be defaulted: %+v", stored)
	}
}

func TestDedupIdentityForPayloads(t *testing.T) {
	conflict := Conflict{ConflictingEvents: [2]ConflictingEvent{{EventID: "b"}, {EventID: "a"}}}
	if got := DedupIdentityFor(Event{Data: conflict}); got != "a,b" {
		t.Fatalf("conflict identity: %q", got)
	}
	if got := DedupIdentityFor(Event{Data: NewEventData{EventID: "e1"}}); got != "e1" {
		t.Fatalf("new event identity: %q", got)
	}
	soon := DedupIdentityFor(Event{Data: UpcomingEventData{EventID: "e1", Reminder: "soon"}})
	starting := DedupIdentityFor(Event{Data: UpcomingEventData{EventID: "e1", Reminder: "starting"}})
	if soon == starting {
		t.Fatal("reminder escalation must not be suppressed as a duplicate")
	}
	if got := DedupIdentityFor(Event{Data: ImportantEmailData{MessageID: "m1"}}); got != "m1" {
		t.Fatalf("email identity: %q", got)
	}
	if got := DedupIdentityFor(Event{Data: nil}); got != "" {
		t.Fatalf("nil payload has no identity: %q", got)
	}
}

func TestIsTransientPublishError(t *testing.T) {
	transient := []error{
		errors.New("connection reset by peer"),
		errors.New("broken pipe"),
		errors.New("dial tcp: connection refused"),
		errors.New("i/o timeout"),
		context.DeadlineExceeded,
	}
	for _, err := range transient {
		if !isTransientPublishError(err) {
			t.Errorf("expected transient: %v", err)
		}
	}
	if isTransientPublishError(nil) {
		t.Error("nil is not transient")
	}
	if isTransientPublishError(errors.New("schema validation failed")) {
		t.Error("fatal errors must not retry")
	}
}

func TestEnrichmentProducesChatMessage(t *testing.T) {
	publisher := &fakePublisher{subscribers: 1}
	store := NewEventStore(EventStoreOptions{})
	b := NewBroadcaster(BroadcasterOptions{
		Store:             store,
		Dedup:             NewDedupCache(DedupCacheOptions{Store: NewMemoryKeyValueStore()}),
		Publisher:         publisher,
		EnrichmentWorkers: 1,
	})
	defer b.Close()

	result := b.Broadcast(context.Background(), newEvent("u1"))
	if !result.Success {
		t.Fatalf("broadcast: %+v", result)
	}

	deadline := time.After(2 * time.Second)
	for publisher.callCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("enrichment publish never arrived")
		case <-time.After(5 * time.Millisecond):
		}
	}
	chat := publisher.lastCall()
	if chat.eventType != EventTypeChatMessage {
		t.Fatalf("expected chat_message, got %s", chat.eventType)
	}
	var decoded Event
	if err := json.Unmarshal(chat.payload, &decoded); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if decoded.Type != EventTypeChatMessage || decoded.UserID != "u1" {
		t.Fatalf("unexpected chat event: %+v", decoded)
	}
}

func TestEnrichmentRunsAfterFailedPublish(t *testing.T) {
	publisher := &fakePublisher{
		subscribers: 1,
		failures:    []error{errors.New("payload rejected")},
	}
	b := NewBroadcaster(BroadcasterOptions{
		Store:             NewEventStore(EventStoreOptions{}),
		Dedup:             NewDedupCache(DedupCacheOptions{Store: NewMemoryKeyValueStore()}),
		Publisher:         publisher,
		RetryDelay:        time.Millisecond,
		EnrichmentWorkers: 1,
	})
	defer b.Close()

	result := b.Broadcast(context.Background(), newEvent("u1"))
	if result.Success {
		t.Fatalf("fatal publish error must fail the broadcast: %+v", result)
	}

	// The chat message is independent of the channel delivery outcome.
	deadline := time.After(2 * time.Second)
	for publisher.callCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("enrichment publish never arrived after the failed delivery")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if chat := publisher.lastCall(); chat.eventType != EventTypeChatMessage {
		t.Fatalf("expected chat_message, got %s", chat.eventType)
	}
}

func TestChatTextFormats(t *testing.T) {
	if text := chatText(Event{Data: ImportantEmailData{From: "a@b.com", Subject: "Hi"}}); text == "" {
		t.Fatal("email events must enrich")
	}
	if text := chatText(Event{Data: ChatMessageData{Text: "x"}}); text != "" {
		t.Fatal("chat messages must not re-enrich")
	}
	starting := chatText(Event{Data: UpcomingEventData{Title: "1:1", Reminder: "starting", MinutesUntilStart: 5}})
	soon := chatText(Event{Data: UpcomingEventData{Title: "1:1", Reminder: "soon", MinutesUntilStart: 90}})
	if starting == soon {
		t.Fatal("reminder stages should read differently")
	}
}
