package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/pulse/internal/pulse"
)

var ErrHubClosed = errors.New("channel hub closed")

const subscriberQueueSize = 32

// Hub fans published payloads out to the websocket subscribers of each
// channel. Every subscriber gets a bounded send queue; a subscriber
// whose queue is full when a publish arrives is evicted rather than
// allowed to stall delivery to the others.
type Hub struct {
	mu       sync.Mutex
	channels map[string]map[*subscriber]struct{}
	done     bool

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	delivered uint64
	evicted   uint64
}

type subscriber struct {
	channel string
	conn    *websocket.Conn
	send    chan []byte
	once    sync.Once
	gone    chan struct{}
}

func (s *subscriber) drop() {
	s.once.Do(func() { close(s.gone) })
}

func NewHub() *Hub {
	return &Hub{
		channels: map[string]map[*subscriber]struct{}{},
		closed:   make(chan struct{}),
	}
}

type HubStats struct {
	Channels       int    `json:"channels"`
	Subscribers    int    `json:"subscribers"`
	DeliveredTotal uint64 `json:"deliveredTotal"`
	EvictedTotal   uint64 `json:"evictedTotal"`
}

func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers := 0
	for _, subs := range h.channels {
		subscribers += len(subs)
	}
	return HubStats{
		Channels:       len(h.channels),
		Subscribers:    subscribers,
		DeliveredTotal: atomic.LoadUint64(&h.delivered),
		EvictedTotal:   atomic.LoadUint64(&h.evicted),
	}
}

func (h *Hub) SubscriberCount(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[channel])
}

// Publish enqueues the payload to every subscriber of the channel and
// returns how many queues accepted it. Publishing to a channel with no
// subscribers succeeds with a zero count.
func (h *Hub) Publish(ctx context.Context, channel string, eventType pulse.EventType, payload []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return 0, ErrHubClosed
	}
	subs := make([]*subscriber, 0, len(h.channels[channel]))
	for sub := range h.channels[channel] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	reached := 0
	for _, sub := range subs {
		select {
		case sub.send <- payload:
			reached++
		default:
			atomic.AddUint64(&h.evicted, 1)
			log.Printf("hub: evicting slow subscriber on %s (%s backlog full)", channel, eventType)
			sub.drop()
		}
	}
	atomic.AddUint64(&h.delivered, uint64(reached))
	return reached, nil
}

// Serve upgrades the request to a websocket and streams the channel to
// it until the client disconnects or the hub closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, channel string) error {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	sub := &subscriber{
		channel: channel,
		conn:    conn,
		send:    make(chan []byte, subscriberQueueSize),
		gone:    make(chan struct{}),
	}
	if err := h.register(sub); err != nil {
		_ = conn.Close(websocket.StatusGoingAway, "hub closed")
		return err
	}
	defer h.unregister(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain client frames so pings and close frames are handled; the
	// channel is delivery-only and inbound data is discarded.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return nil
		case <-h.closed:
			_ = conn.Close(websocket.StatusGoingAway, "hub closed")
			return nil
		case <-sub.gone:
			_ = conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
			return nil
		case payload := <-sub.send:
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return err
			}
		}
	}
}

func (h *Hub) register(sub *subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return ErrHubClosed
	}
	subs, ok := h.channels[sub.channel]
	if !ok {
		subs = map[*subscriber]struct{}{}
		h.channels[sub.channel] = subs
	}
	subs[sub] = struct{}{}
	return nil
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.channels[sub.channel]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.channels, sub.channel)
	}
}

// Close stops accepting subscribers and disconnects the current ones.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.done = true
		h.mu.Unlock()
		close(h.closed)
		h.wg.Wait()
	})
}
