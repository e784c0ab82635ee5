package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/pulse/internal/pulse"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type ServerOptions struct {
	Hub           *Hub
	Pipeline      *pulse.Pipeline
	Events        *pulse.EventStore
	Subscriptions *pulse.SubscriptionManager
	Broadcaster   *pulse.Broadcaster

	// IngestStats, when set, contributes the spool watcher's counters to
	// the admin status payload.
	IngestStats func() any
}

type Server struct {
	hub           *Hub
	pipeline      *pulse.Pipeline
	events        *pulse.EventStore
	subscriptions *pulse.SubscriptionManager
	broadcaster   *pulse.Broadcaster
	ingestStats   func() any
	cfg           ServerConfig
	rateLimiter   *rateLimiter
	startedAt     time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(opts ServerOptions) *Server {
	return NewServerWithConfig(opts, ServerConfig{})
}

func NewServerWithConfig(opts ServerOptions, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		hub:           opts.Hub,
		pipeline:      opts.Pipeline,
		events:        opts.Events,
		subscriptions: opts.Subscriptions,
		broadcaster:   opts.Broadcaster,
		ingestStats:   opts.IngestStats,
		cfg:           cfg,
		rateLimiter:   limiter,
		startedAt:     time.Now().UTC(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/admin/status" && r.Method == http.MethodGet {
		s.handleAdminStatus(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")

	if len(parts) == 3 && parts[0] == "v1" && parts[1] == "channels" && r.Method == http.MethodGet {
		s.handleChannelSubscribe(w, r, parts[2])
		return
	}

	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "users" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	userID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[3] == "snapshots" && r.Method == http.MethodPost:
		requiredScope = "snapshots:write"
		route = "snapshot"
	case len(parts) == 4 && parts[3] == "events" && r.Method == http.MethodGet:
		requiredScope = "events:read"
		route = "events"
	case len(parts) == 4 && parts[3] == "subscription" && r.Method == http.MethodGet:
		requiredScope = "subscriptions:read"
		route = "subscription_get"
	case len(parts) == 4 && parts[3] == "subscription" && r.Method == http.MethodPut:
		requiredScope = "subscriptions:write"
		route = "subscription_put"
	case len(parts) == 4 && parts[3] == "subscription" && r.Method == http.MethodDelete:
		requiredScope = "subscriptions:write"
		route = "subscription_delete"
	case len(parts) == 5 && parts[3] == "subscription" && parts[4] == "enable" && r.Method == http.MethodPost:
		requiredScope = "subscriptions:write"
		route = "subscription_enable"
	case len(parts) == 5 && parts[3] == "subscription" && parts[4] == "disable" && r.Method == http.MethodPost:
		requiredScope = "subscriptions:write"
		route = "subscription_disable"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	claims, authErr := authorizeBearer(bearerHeader(r), s.cfg.JWTSecret, userID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if s.rateLimiter != nil {
		key := userID + "|" + claims.ClientName
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
	}

	switch route {
	case "snapshot":
		s.handleSnapshot(w, r, userID)
	case "events":
		s.handleUserEvents(w, r, userID)
	case "subscription_get":
		s.handleSubscriptionGet(w, r, userID)
	case "subscription_put":
		s.handleSubscriptionPut(w, r, userID)
	case "subscription_delete":
		s.handleSubscriptionDelete(w, r, userID)
	case "subscription_enable":
		s.handleSubscriptionToggle(w, r, userID, true)
	case "subscription_disable":
		s.handleSubscriptionToggle(w, r, userID, false)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

// handleChannelSubscribe attaches a websocket client to its channel.
// Browser websocket clients cannot set an Authorization header, so the
// token is also accepted as an access_token query parameter.
func (s *Server) handleChannelSubscribe(w http.ResponseWriter, r *http.Request, channel string) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "channel hub not configured")
		return
	}
	userID, ok := strings.CutPrefix(channel, "user-")
	if !ok || userID == "" {
		writeError(w, http.StatusNotFound, "not_found", "unknown channel")
		return
	}
	if _, authErr := authorizeBearer(bearerHeader(r), s.cfg.JWTSecret, userID, "events:subscribe", time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	// Serve blocks for the lifetime of the connection.
	_ = s.hub.Serve(w, r, channel)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, userID string) {
	if s.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "pipeline not configured")
		return
	}
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	snap, err := pulse.DecodeSnapshot(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if snap.UserID != userID {
		writeError(w, http.StatusBadRequest, "bad_request", "snapshot userId does not match path")
		return
	}
	events, results := s.pipeline.ProcessSnapshot(r.Context(), snap)
	writeJSON(w, http.StatusAccepted, struct {
		DetectedCount int                     `json:"detectedCount"`
		Events        []pulse.Event           `json:"events"`
		Results       []pulse.BroadcastResult `json:"results"`
	}{
		DetectedCount: len(events),
		Events:        events,
		Results:       results,
	})
}

func (s *Server) handleUserEvents(w http.ResponseWriter, r *http.Request, userID string) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event store not configured")
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 1000)
	events := s.events.ForUser(userID, limit)
	writeJSON(w, http.StatusOK, struct {
		UserID string        `json:"userId"`
		Count  int           `json:"count"`
		Events []pulse.Event `json:"events"`
	}{
		UserID: userID,
		Count:  len(events),
		Events: events,
	})
}

func (s *Server) handleSubscriptionGet(w http.ResponseWriter, r *http.Request, userID string) {
	sub, found, err := s.subscriptions.Get(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "no subscription for user")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleSubscriptionPut(w http.ResponseWriter, r *http.Request, userID string) {
	var body struct {
		EventTypes []pulse.EventType `json:"eventTypes"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	sub, err := s.subscriptions.CreateOrUpdate(r.Context(), userID, body.EventTypes)
	if err != nil {
		if errors.Is(err, pulse.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", "eventTypes must name at least one known event type")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleSubscriptionDelete(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.subscriptions.Delete(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSubscriptionToggle(w http.ResponseWriter, r *http.Request, userID string, enable bool) {
	var err error
	if enable {
		err = s.subscriptions.Enable(r.Context(), userID)
	} else {
		err = s.subscriptions.Disable(r.Context(), userID)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	sub, found, err := s.subscriptions.Get(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "no subscription for user")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	claims, authErr := authorizeBearer(bearerHeader(r), s.cfg.JWTSecret, "", "", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if !hasAnyScope(claims.Scopes, "admin:read") {
		writeError(w, http.StatusForbidden, "forbidden", "missing required scope: admin:read")
		return
	}

	status := map[string]any{
		"generatedAt":   time.Now().UTC().Format(time.RFC3339Nano),
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
	}
	if s.pipeline != nil {
		status["pipeline"] = s.pipeline.Stats()
	}
	if s.broadcaster != nil {
		status["broadcaster"] = s.broadcaster.Stats()
	}
	if s.hub != nil {
		status["hub"] = s.hub.Stats()
	}
	if s.events != nil {
		status["storedEvents"] = s.events.Len()
	}
	if s.ingestStats != nil {
		status["ingest"] = s.ingestStats()
	}
	writeJSON(w, http.StatusOK, status)
}

func bearerHeader(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return header
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return "Bearer " + token
	}
	return ""
}

func hasAnyScope(scopes map[string]struct{}, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	for _, scope := range required {
		if _, ok := scopes[scope]; ok {
			return true
		}
	}
	return false
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
