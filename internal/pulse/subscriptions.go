package pulse

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// DefaultSubscriptionTypes is the event-type set granted by
// InitializeDefault when a user has no subscription record.
var DefaultSubscriptionTypes = []EventType{
	EventTypeNewEvent,
	EventTypeUpcomingEvent,
	EventTypeImportantEmail,
	EventTypeConflict,
	EventTypeSummary,
	EventTypeSystemNotification,
	EventTypeChatMessage,
}

type Subscription struct {
	UserID     string      `json:"userId"`
	EventTypes []EventType `json:"eventTypes"`
	IsActive   bool        `json:"isActive"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

func (s Subscription) allows(t EventType) bool {
	for _, candidate := range s.EventTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// SubscriptionManager keeps per-user delivery preferences in the shared
// key-value store so that records created in one worker process are
// visible to the others. Records never expire; deletion is an explicit
// user action.
type SubscriptionManager struct {
	store KeyValueStore
	now   func() time.Time
}

func NewSubscriptionManager(store KeyValueStore) *SubscriptionManager {
	if store == nil {
		store = NewMemoryKeyValueStore()
	}
	return &SubscriptionManager{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func subscriptionKey(userID string) string {
	return "subscription:" + userID
}

func (m *SubscriptionManager) Get(ctx context.Context, userID string) (Subscription, bool, error) {
	if m == nil || strings.TrimSpace(userID) == "" {
		return Subscription{}, false, ErrInvalidInput
	}
	raw, found, err := m.store.Get(ctx, subscriptionKey(userID))
	if err != nil {
		return Subscription{}, false, err
	}
	if !found {
		return Subscription{}, false, nil
	}
	var sub Subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return Subscription{}, false, err
	}
	return sub, true, nil
}

// CreateOrUpdate creates an active subscription with the given type set,
// or activates and replaces the type set of an existing one.
func (m *SubscriptionManager) CreateOrUpdate(ctx context.Context, userID string, types []EventType) (Subscription, error) {
	if m == nil || strings.TrimSpace(userID) == "" {
		return Subscription{}, ErrInvalidInput
	}
	normalized := normalizeEventTypes(types)
	if len(normalized) == 0 {
		return Subscription{}, ErrInvalidInput
	}
	now := m.now()
	existing, found, err := m.Get(ctx, userID)
	if err != nil {
		return Subscription{}, err
	}
	sub := Subscription{
		UserID:     userID,
		EventTypes: normalized,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if found {
		sub.CreatedAt = existing.CreatedAt
	}
	if err := m.save(ctx, sub); err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

// Enable activates an existing subscription; absent records are a no-op.
func (m *SubscriptionManager) Enable(ctx context.Context, userID string) error {
	return m.setActive(ctx, userID, true)
}

// Disable deactivates an existing subscription; absent records are a
// no-op.
func (m *SubscriptionManager) Disable(ctx context.Context, userID string) error {
	return m.setActive(ctx, userID, false)
}

func (m *SubscriptionManager) setActive(ctx context.Context, userID string, active bool) error {
	if m == nil || strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	sub, found, err := m.Get(ctx, userID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if sub.IsActive == active {
		return nil
	}
	sub.IsActive = active
	sub.UpdatedAt = m.now()
	return m.save(ctx, sub)
}

// InitializeDefault creates an active subscription covering the default
// type set if and only if the user has none. It is idempotent across
// concurrent workers: re-creating an already-visible record is skipped.
func (m *SubscriptionManager) InitializeDefault(ctx context.Context, userID string) (Subscription, error) {
	if m == nil || strings.TrimSpace(userID) == "" {
		return Subscription{}, ErrInvalidInput
	}
	existing, found, err := m.Get(ctx, userID)
	if err != nil {
		return Subscription{}, err
	}
	if found {
		return existing, nil
	}
	now := m.now()
	sub := Subscription{
		UserID:     userID,
		EventTypes: append([]EventType(nil), DefaultSubscriptionTypes...),
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.save(ctx, sub); err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

// Delete removes a subscription record. Only explicit user action calls
// this.
func (m *SubscriptionManager) Delete(ctx context.Context, userID string) error {
	if m == nil || strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	return m.store.Delete(ctx, subscriptionKey(userID))
}

// HasActiveSubscription reports whether a record exists, is active, and
// covers the given event type.
func (m *SubscriptionManager) HasActiveSubscription(ctx context.Context, userID string, t EventType) (bool, error) {
	sub, found, err := m.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if !found || !sub.IsActive {
		return false, nil
	}
	return sub.allows(t), nil
}

func (m *SubscriptionManager) save(ctx context.Context, sub Subscription) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, subscriptionKey(sub.UserID), string(payload), 0)
}

func normalizeEventTypes(types []EventType) []EventType {
	seen := make(map[EventType]struct{}, len(types))
	out := make([]EventType, 0, len(types))
	for _, t := range types {
		if !knownEventType(t) {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
