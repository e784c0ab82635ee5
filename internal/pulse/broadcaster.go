package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ChannelPublisher is the publish-capable channel transport. Publish
// returns the number of subscribers the payload reached.
type ChannelPublisher interface {
	Publish(ctx context.Context, channel string, eventType EventType, payload []byte) (int, error)
}

// ChannelForUser names the per-user channel on the transport.
func ChannelForUser(userID string) string {
	return "user-" + userID
}

type BroadcastResult struct {
	Success         bool   `json:"success"`
	SubscriberCount int    `json:"subscriberCount"`
	EventID         string `json:"eventId"`
	Suppressed      bool   `json:"suppressed,omitempty"`
	Error           string `json:"error,omitempty"`
}

type BroadcasterOptions struct {
	Store         *EventStore
	Subscriptions *SubscriptionManager
	Dedup         *DedupCache
	Publisher     ChannelPublisher

	// PublishTimeout bounds a single publish attempt. Zero means 5s.
	PublishTimeout time.Duration
	// RetryDelay is the fixed wait before the single transient retry.
	// Zero means 200ms.
	RetryDelay time.Duration

	EnrichmentWorkers   int
	EnrichmentQueueSize int
	DisableEnrichment   bool
}

type BroadcasterStats struct {
	PublishedTotal  uint64 `json:"publishedTotal"`
	SuppressedTotal uint64 `json:"suppressedTotal"`
	UnroutedTotal   uint64 `json:"unroutedTotal"`
	FailedTotal     uint64 `json:"failedTotal"`
	EnrichedTotal   uint64 `json:"enrichedTotal"`
	EnrichDropped   uint64 `json:"enrichDroppedTotal"`
}

// Broadcaster is the orchestration point of the pipeline: store the
// event, check and self-heal the subscription, suppress duplicates,
// publish to the user's channel, and hand eligible events to the
// enrichment workers. Bookkeeping failures are logged and absorbed so
// that delivery always wins over bookkeeping.
type Broadcaster struct {
	store          *EventStore
	subscriptions  *SubscriptionManager
	dedup          *DedupCache
	publisher      ChannelPublisher
	publishTimeout time.Duration
	retryDelay     time.Duration

	enrichmentQueue chan Event
	closed          chan struct{}
	closeOnce       sync.Once
	wg              sync.WaitGroup

	published  atomic.Uint64
	suppressed atomic.Uint64
	unrouted   atomic.Uint64
	failed     atomic.Uint64
	enriched   atomic.Uint64
	enrichDrop atomic.Uint64
}

func NewBroadcaster(opts BroadcasterOptions) *Broadcaster {
	publishTimeout := opts.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 200 * time.Millisecond
	}
	workers := opts.EnrichmentWorkers
	if workers <= 0 {
		workers = 2
	}
	queueSize := opts.EnrichmentQueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	b := &Broadcaster{
		store:           opts.Store,
		subscriptions:   opts.Subscriptions,
		dedup:           opts.Dedup,
		publisher:       opts.Publisher,
		publishTimeout:  publishTimeout,
		retryDelay:      retryDelay,
		enrichmentQueue: make(chan Event, queueSize),
		closed:          make(chan struct{}),
	}
	if !opts.DisableEnrichment {
		b.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer b.wg.Done()
				b.enrichmentWorker()
			}()
		}
	}
	return b
}

func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.wg.Wait()
	})
}

func (b *Broadcaster) Stats() BroadcasterStats {
	return BroadcasterStats{
		PublishedTotal:  b.published.Load(),
		SuppressedTotal: b.suppressed.Load(),
		UnroutedTotal:   b.unrouted.Load(),
		FailedTotal:     b.failed.Load(),
		EnrichedTotal:   b.enriched.Load(),
		EnrichDropped:   b.enrichDrop.Load(),
	}
}

// Broadcast runs the delivery sequence for one event. The steps execute
// strictly in order; across concurrent calls for the same user only the
// shared store's per-key atomicity orders anything.
func (b *Broadcaster) Broadcast(ctx context.Context, event Event) BroadcastResult {
	if b == nil || b.publisher == nil {
		return BroadcastResult{Error: "broadcaster not configured"}
	}
	if strings.TrimSpace(event.UserID) == "" || !knownEventType(event.Type) {
		return BroadcastResult{Error: "invalid event: missing user or unknown type"}
	}
	if event.ID == "" {
		event.ID = NewEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Priority == "" {
		event.Priority = PriorityLow
	}

	if b.store != nil {
		if err := b.store.Store(event); err != nil {
			log.Printf("broadcast: store %s failed: %v", event.ID, err)
		}
	}

	if !b.routableSubscription(ctx, event) {
		b.unrouted.Add(1)
		return BroadcastResult{Success: true, SubscriberCount: 0, EventID: event.ID}
	}

	identity := DedupIdentityFor(event)
	if b.dedup != nil && identity != "" {
		if b.dedup.IsDuplicate(ctx, event.UserID, string(event.Type), identity) {
			b.suppressed.Add(1)
			return BroadcastResult{Success: true, SubscriberCount: 0, EventID: event.ID, Suppressed: true}
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		b.failed.Add(1)
		return BroadcastResult{EventID: event.ID, Error: "encode event: " + err.Error()}
	}
	subscribers, err := b.publishWithRetry(ctx, ChannelForUser(event.UserID), event.Type, payload)
	if err != nil {
		b.failed.Add(1)
		// Enrichment is independent of the publish outcome; the chat
		// message still goes out even when the channel delivery failed.
		b.submitEnrichment(event)
		return BroadcastResult{EventID: event.ID, Error: err.Error()}
	}
	b.published.Add(1)

	if b.dedup != nil && identity != "" {
		b.dedup.MarkNotified(ctx, event.UserID, string(event.Type), identity, map[string]string{"eventId": event.ID})
	}
	b.submitEnrichment(event)

	return BroadcastResult{Success: true, SubscriberCount: subscribers, EventID: event.ID}
}

// routableSubscription checks the subscription and self-heals a missing
// record once. A subscription created in one worker process may not yet
// be visible in another; idempotent re-creation is the documented
// remediation, and a record that is still absent or inactive afterwards
// means "no one to notify", not an error. A lookup that errors is not
// an absent record: the shared store being down degrades to deliver,
// like the dedup cache, so an outage never silently drops events.
func (b *Broadcaster) routableSubscription(ctx context.Context, event Event) bool {
	if b.subscriptions == nil {
		return true
	}
	has, err := b.subscriptions.HasActiveSubscription(ctx, event.UserID, event.Type)
	if err != nil {
		log.Printf("broadcast: subscription check for %s failed, delivering anyway: %v", event.UserID, err)
		return true
	}
	if has {
		return true
	}
	if _, err := b.subscriptions.InitializeDefault(ctx, event.UserID); err != nil {
		log.Printf("broadcast: subscription self-heal for %s failed: %v", event.UserID, err)
	}
	has, err = b.subscriptions.HasActiveSubscription(ctx, event.UserID, event.Type)
	if err != nil {
		log.Printf("broadcast: subscription re-check for %s failed, delivering anyway: %v", event.UserID, err)
		return true
	}
	return has
}

func (b *Broadcaster) publishWithRetry(ctx context.Context, channel string, eventType EventType, payload []byte) (int, error) {
	subscribers, err := b.publishOnce(ctx, channel, eventType, payload)
	if err == nil {
		return subscribers, nil
	}
	if !isTransientPublishError(err) {
		return 0, err
	}
	log.Printf("broadcast: transient publish error on %s, retrying once: %v", channel, err)
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(b.retryDelay):
	}
	return b.publishOnce(ctx, channel, eventType, payload)
}

func (b *Broadcaster) publishOnce(ctx context.Context, channel string, eventType EventType, payload []byte) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()
	return b.publisher.Publish(attemptCtx, channel, eventType, payload)
}

// DedupIdentityFor derives the dedup identity of an event. Conflicts use
// the sorted pair of constituent event IDs; detection events use the
// underlying entity ID; the rest hash their payload.
func DedupIdentityFor(event Event) string {
	switch data := event.Data.(type) {
	case Conflict:
		return data.DedupIdentity()
	case NewEventData:
		return IDSetIdentity(data.EventID)
	case UpcomingEventData:
		return IDSetIdentity(data.EventID, data.Reminder)
	case ImportantEmailData:
		return IDSetIdentity(data.MessageID)
	case ChatMessageData:
		return ContentIdentity(data.SourceEventID, data.Text)
	case nil:
		return ""
	default:
		raw, err := json.Marshal(data)
		if err != nil {
			return ""
		}
		return ContentIdentity(string(event.Type), string(raw))
	}
}

var transientErrorMarkers = []string{
	"connection reset",
	"broken pipe",
	"connection refused",
	"timeout",
	"temporarily unavailable",
	"socket",
	"eof",
}

// isTransientPublishError classifies channel-publish failures eligible
// for the single built-in retry. Everything else propagates as a failed
// broadcast.
func isTransientPublishError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	message := strings.ToLower(err.Error())
	for _, marker := range transientErrorMarkers {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}
