package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"camrelay/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// StatusSource lists the current status of all streams; the hub uses it
// to prime new subscribers with one full snapshot.
type StatusSource interface {
	Snapshots() []domain.StreamSnapshot
}

// Event is one message on the status feed.
type Event struct {
	Type      string                  `json:"type"`
	Timestamp int64                   `json:"timestamp"`
	Stream    *domain.StreamSnapshot  `json:"stream,omitempty"`
	Streams   []domain.StreamSnapshot `json:"streams,omitempty"`
}

type subscriber struct {
	send chan []byte
}

// Hub fans stream status transitions out to WebSocket subscribers. It
// implements the orchestrator's status sink; Publish never blocks, a
// slow subscriber just misses events.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	source StatusSource

	pingInterval time.Duration
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

func NewHub(source StatusSource, logger *zap.SugaredLogger) *Hub {
	return &Hub{
		subs:         make(map[*subscriber]struct{}),
		source:       source,
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

// Publish broadcasts one status transition to every subscriber.
func (h *Hub) Publish(snap domain.StreamSnapshot) {
	data, err := json.Marshal(Event{
		Type:      "status",
		Timestamp: time.Now().Unix(),
		Stream:    &snap,
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.send <- data:
		default:
			// Subscriber is not keeping up; drop the event.
		}
	}
}

// HandleWebSocket upgrades the request and streams status events until
// the client goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := &subscriber{send: make(chan []byte, 32)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
	}()

	h.logger.Infow("status feed subscriber connected", "remote", r.RemoteAddr)

	// Prime the subscriber with the full current state.
	if h.source != nil {
		initial, err := json.Marshal(Event{
			Type:      "snapshot",
			Timestamp: time.Now().Unix(),
			Streams:   h.source.Snapshots(),
		})
		if err == nil {
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, initial); err != nil {
				return
			}
		}
	}

	// Reader goroutine exists only to notice the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(h.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case data := <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-closed:
			h.logger.Infow("status feed subscriber disconnected", "remote", r.RemoteAddr)
			return
		}
	}
}

// SubscriberCount reports how many clients are on the feed.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
