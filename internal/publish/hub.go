package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluele/gcache"

	"github.com/1F47E/geo-rebalance/internal/logger"
	"github.com/1F47E/geo-rebalance/pkg/models"
	"github.com/1F47E/geo-rebalance/pkg/proximity"
	"github.com/1F47E/geo-rebalance/pkg/snapshot"
	"github.com/1F47E/geo-rebalance/pkg/station"
)

// Message is one Server-Sent Event.
type Message struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

const (
	clientBuffer      = 16
	keepaliveInterval = 30 * time.Second
	neighborCacheSize = 4096
)

// Hub keeps the last published update and streams new ones to browser
// clients over Server-Sent Events.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]chan Message
	last    *Update
	seq     atomic.Int64

	defaultK  int
	neighbors gcache.Cache
	metrics   http.Handler
	log       logger.Logger
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithMetricsHandler mounts h on /metrics
func WithMetricsHandler(h http.Handler) HubOption {
	return func(hub *Hub) { hub.metrics = h }
}

// WithDefaultK sets the neighbour count used when /neighbors has no k
func WithDefaultK(k int) HubOption {
	return func(hub *Hub) {
		if k > 0 {
			hub.defaultK = k
		}
	}
}

// WithLogger overrides the hub logger
func WithLogger(l logger.Logger) HubOption {
	return func(hub *Hub) { hub.log = l }
}

// NewHub creates an empty hub
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients:   make(map[string]chan Message),
		defaultK:  3,
		neighbors: gcache.New(neighborCacheSize).LRU().Build(),
		log:       logger.NopLogger{},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Publish stores u as the latest update and broadcasts it.
func (h *Hub) Publish(_ context.Context, u Update) error {
	h.mu.Lock()
	h.last = &u
	h.mu.Unlock()

	h.Broadcast(Message{Type: "update", Data: u})
	return nil
}

// Last returns the most recent update
func (h *Hub) Last() (Update, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return Update{}, false
	}
	return *h.last, true
}

// AddClient registers a client and returns its message channel.
func (h *Hub) AddClient(clientID string) <-chan Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.clients[clientID]; ok {
		close(existing)
	}
	ch := make(chan Message, clientBuffer)
	h.clients[clientID] = ch
	h.log.Infof("SSE client connected: %s (total: %d)", clientID, len(h.clients))
	return ch
}

// RemoveClient unregisters a client. A channel that was already replaced by
// a reconnect under the same id is left alone.
func (h *Hub) RemoveClient(clientID string, messages <-chan Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[clientID]; ok && ch == messages {
		close(ch)
		delete(h.clients, clientID)
		h.log.Infof("SSE client disconnected: %s (remaining: %d)", clientID, len(h.clients))
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends msg to every client. Slow clients miss the message
// rather than block the pipeline.
func (h *Hub) Broadcast(msg Message) {
	if msg.ID == 0 {
		msg.ID = h.seq.Add(1)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			h.log.Warnf("SSE client %s channel full, skipping message", id)
		}
	}
}

// Handler returns the HTTP routes of the hub.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", h.handleEvents)
	mux.HandleFunc("GET /snapshot", h.handleSnapshot)
	mux.HandleFunc("GET /neighbors", h.handleNeighbors)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": h.ClientCount()})
	})
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	return mux
}

func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	clientID := r.Header.Get("X-Client-Id")
	if clientID == "" {
		clientID = fmt.Sprintf("%s-%d", r.RemoteAddr, time.Now().UnixNano())
	}
	messages := h.AddClient(clientID)
	defer h.RemoveClient(clientID, messages)

	// New clients get the current table straight away
	if last, ok := h.Last(); ok {
		if err := writeSSE(w, Message{ID: h.seq.Load(), Type: "update", Data: last}); err != nil {
			return
		}
	} else if err := writeSSE(w, Message{Type: "connected", Data: map[string]any{"client_id": clientID}}); err != nil {
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if err := writeSSE(w, msg); err != nil {
				h.log.Warnf("SSE write to %s: %v", clientID, err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Hub) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	last, ok := h.Last()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no snapshot yet")
		return
	}
	writeJSON(w, http.StatusOK, last)
}

type neighborKey struct {
	fingerprint uint64
	id          string
	k           int
}

type neighborsResponse struct {
	StationID string            `json:"station_id"`
	K         int               `json:"k"`
	Neighbors []models.Neighbor `json:"neighbors"`
}

func (h *Hub) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing id")
		return
	}
	k := h.defaultK
	if raw := r.URL.Query().Get("k"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "k must be an integer")
			return
		}
		k = v
	}

	last, ok := h.Last()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no snapshot yet")
		return
	}

	neighbors, err := h.lookupNeighbors(last, id, k)
	switch {
	case errors.Is(err, station.ErrUnknownStation):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, proximity.ErrInvalidK):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, neighborsResponse{StationID: id, K: k, Neighbors: neighbors})
}

// lookupNeighbors caches results per snapshot geometry, so a query keeps
// hitting the cache across passes until stations move or change.
func (h *Hub) lookupNeighbors(u Update, id string, k int) ([]models.Neighbor, error) {
	key := neighborKey{fingerprint: u.Fingerprint, id: id, k: k}
	if cached, err := h.neighbors.Get(key); err == nil {
		if list, ok := cached.([]models.Neighbor); ok {
			return list, nil
		}
	}
	list, err := snapshot.NeighborsOf(u.Snapshot, id, k, u.OccupancyField)
	if err != nil {
		return nil, err
	}
	_ = h.neighbors.Set(key, list)
	return list, nil
}

func writeSSE(w http.ResponseWriter, msg Message) error {
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return fmt.Errorf("error marshaling SSE data: %w", err)
	}
	if msg.Data == nil {
		data = []byte("{}")
	}
	if _, err := fmt.Fprintf(w, "id: %d\n", msg.ID); err != nil {
		return err
	}
	if msg.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", msg.Type); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
