package pulse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"time"
)

const defaultDedupWindow = 30 * time.Minute

// ContentIdentity hashes a set of content strings into a stable dedup
// identity. The parts are sorted before hashing so callers do not need to
// agree on ordering.
func ContentIdentity(parts ...string) string {
	sorted := append([]string(nil), parts...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// IDSetIdentity joins a set of entity IDs into a stable dedup identity.
func IDSetIdentity(ids ...string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

type dedupEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type DedupCacheOptions struct {
	// Store is the shared key-value store. Nil means fallback-only
	// operation from the start.
	Store KeyValueStore
	// Window is the suppression window per identity. Zero means the
	// 30-minute default.
	Window time.Duration
}

// DedupCache suppresses re-announcement of the same logical change within
// a rolling window. When the shared store is unreachable it degrades to a
// per-process fallback map; a failure on both paths degrades to
// "always deliver", never to "always suppress".
type DedupCache struct {
	store    KeyValueStore
	fallback *MemoryKeyValueStore
	window   time.Duration
	now      func() time.Time
}

func NewDedupCache(opts DedupCacheOptions) *DedupCache {
	window := opts.Window
	if window <= 0 {
		window = defaultDedupWindow
	}
	return &DedupCache{
		store:    opts.Store,
		fallback: NewMemoryKeyValueStore(),
		window:   window,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (c *DedupCache) Window() time.Duration {
	if c == nil {
		return 0
	}
	return c.window
}

func dedupKey(category, userID, identity string) string {
	return category + ":" + userID + ":" + identity
}

// IsDuplicate reports whether the same (userID, category, identity) was
// already announced within the window. Shared-store errors fall through
// to the fallback map and never block delivery.
func (c *DedupCache) IsDuplicate(ctx context.Context, userID, category, identity string) bool {
	if c == nil || userID == "" || category == "" || identity == "" {
		return false
	}
	key := dedupKey(category, userID, identity)
	if c.store != nil {
		_, found, err := c.store.Get(ctx, key)
		if err == nil {
			return found
		}
		log.Printf("dedup: shared store get failed, consulting fallback: %v", err)
	}
	_, found, err := c.fallback.Get(ctx, key)
	if err != nil {
		return false
	}
	return found
}

// MarkNotified records that a logical change was announced. Failures are
// logged and absorbed; the caller has already delivered.
func (c *DedupCache) MarkNotified(ctx context.Context, userID, category, identity string, metadata map[string]string) {
	if c == nil || userID == "" || category == "" || identity == "" {
		return
	}
	key := dedupKey(category, userID, identity)
	payload, err := json.Marshal(dedupEntry{Timestamp: c.now(), Metadata: metadata})
	if err != nil {
		log.Printf("dedup: marshal entry for %s: %v", key, err)
		return
	}
	if c.store != nil {
		err := c.store.Set(ctx, key, string(payload), c.window)
		if err == nil {
			return
		}
		log.Printf("dedup: shared store set failed, writing fallback: %v", err)
	}
	if err := c.fallback.Set(ctx, key, string(payload), c.window); err != nil {
		log.Printf("dedup: fallback set failed for %s: %v", key, err)
	}
}
