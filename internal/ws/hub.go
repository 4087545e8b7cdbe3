package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"estate-chat/internal/models"
	"estate-chat/internal/observability"
)

const (
	kindThread    = "thread"
	kindDirectory = "directory"
)

// Publisher is the event sink for websocket lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// Hub maintains the thread rooms, keyed by conversation id. Rooms are process-local: a
// message reaches only the sockets held by the replica that stored it, so thread sockets
// assume a single replica serves /ws/conversations/:conversation_id.
type Hub struct {
	rooms     map[string]map[*client]struct{}
	mu        sync.RWMutex
	publisher Publisher
	logger    *slog.Logger
}

// NewHub creates an empty hub. publisher may be nil.
func NewHub(publisher Publisher, logger *slog.Logger) *Hub {
	return &Hub{
		rooms:     make(map[string]map[*client]struct{}),
		publisher: publisher,
		logger:    logger,
	}
}

func (h *Hub) addClient(conversationID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[*client]struct{})
	}
	h.rooms[conversationID][c] = struct{}{}
}

func (h *Hub) removeClient(conversationID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[conversationID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// RoomSize returns the number of clients watching a conversation.
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// BroadcastMessage sends a new message to all clients of a conversation.
func (h *Hub) BroadcastMessage(conversationID string, msg models.Message) {
	h.broadcast(conversationID, models.ChatEvent{Type: "message", Message: &msg})
}

// BroadcastRead tells clients that the reader has seen count messages.
func (h *Hub) BroadcastRead(conversationID string, readerID string, count int) {
	h.broadcast(conversationID, models.ChatEvent{Type: "read", ReaderID: readerID, Count: count})
}

func (h *Hub) broadcast(conversationID string, event models.ChatEvent) {
	h.mu.RLock()
	conns := make([]*client, 0, len(h.rooms[conversationID]))
	for c := range h.rooms[conversationID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.sendJSON(event); err != nil {
			h.logger.Warn("websocket send failed", "conversation_id", conversationID, "conn_id", c.info.ConnID, "error", err)
			h.removeClient(conversationID, c)
			h.publishLifecycle(context.Background(), kindThread, conversationID, "ws_error", c.info, err.Error())
		}
	}
}

func (h *Hub) publishLifecycle(ctx context.Context, kind, resourceID, event string, info ConnInfo, reason string) {
	observability.IncWSEvent(kind, event)
	if h.publisher == nil {
		return
	}

	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        kind,
			"resource_id": resourceID,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
			"trace_id":    info.TraceID,
		},
		"identity": map[string]interface{}{
			"user_id": info.UserID,
			"ip":      info.IP,
		},
	}
	ctx = observability.WithRequestID(ctx, info.RequestID)
	if err := h.publisher.Publish(ctx, wsRoutingKey(kind), observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   payload,
	}); err != nil {
		h.logger.Debug("ws lifecycle publish failed", "event", event, "error", err)
	}
}

func wsRoutingKey(kind string) string {
	if kind == kindDirectory {
		return "ws_events.directory"
	}
	return "ws_events.threads"
}
